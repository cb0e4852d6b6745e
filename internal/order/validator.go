// Package order turns abstract trade actions into exchange-compliant
// order specs: precision rounding, amount and notional limits, and the
// reduce-only fallback for dust positions.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/accountant/internal/market"
	"github.com/atmx/accountant/internal/model"
)

// ErrRejected marks an action that cannot be ordered this cycle. It is an
// expected outcome, not a failure.
var ErrRejected = errors.New("order: rejected")

// Rejection reasons.
const (
	ReasonZeroAmount  = "amount_zero"
	ReasonAmountLimit = "amount_limit"
	ReasonDust        = "dust"
	// ReasonFlipped: only the reversed pair is listed, so its amount
	// precision and limits are in the wrong unit.
	ReasonFlipped = "flipped_market"
)

// RejectError describes why an action was not turned into an order.
type RejectError struct {
	Code   string          `json:"code"`
	Action model.Action    `json:"action"`
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("order rejected [%s %s %s]: %s", e.Action, e.Amount, e.Code, e.Reason)
}

// Unwrap lets errors.Is match ErrRejected.
func (e *RejectError) Unwrap() error {
	return ErrRejected
}

// Resolver resolves the market an action trades on.
type Resolver interface {
	Resolve(ctx context.Context, exchange, base, quote string, t model.MarketType) (*model.Market, bool, error)
}

// Validator validates trade actions against market metadata.
type Validator struct {
	markets   Resolver
	orderType string
}

// NewValidator creates a validator producing limit orders.
func NewValidator(markets Resolver) *Validator {
	return &Validator{markets: markets, orderType: "limit"}
}

// Validate converts an action into an order spec priced at price. A
// missing market is returned as an error wrapping market.ErrMarketNotFound;
// actions that cannot be ordered return a *RejectError.
func (v *Validator) Validate(ctx context.Context, acct model.Account, a model.TradeAction, price decimal.Decimal, log *slog.Logger) (*model.OrderSpec, error) {
	mt := model.MarketTypeFor(a.Kind)
	m, flipped, err := v.markets.Resolve(ctx, acct.Exchange.ID, a.Code, acct.Quote, mt)
	if err != nil {
		return nil, err
	}
	if flipped {
		log.Warn("only the reversed market is listed", "action", string(a.Action), "code", a.Code, "symbol", m.Symbol)
		return nil, &RejectError{Code: a.Code, Action: a.Action, Amount: a.Delta.Abs(), Reason: ReasonFlipped}
	}

	ex := acct.Exchange
	amount, text := market.ToPrecision(a.Delta.Abs(), m.Precision.Amount, ex.RoundingFor(mt), ex.PrecisionMode, ex.Padding)

	reject := func(reason string) (*model.OrderSpec, error) {
		rej := &RejectError{Code: a.Code, Action: a.Action, Amount: amount, Reason: reason}
		log.Info("order rejected", "action", string(a.Action), "code", a.Code, "amount", amount.String(), "reason", reason)
		return nil, rej
	}

	if amount.IsZero() {
		return reject(ReasonZeroAmount)
	}
	// Closing actions are exempt from the amount limits.
	if !a.Action.Closing() && !market.AmountWithinLimits(m, amount) {
		return reject(ReasonAmountLimit)
	}

	spec := &model.OrderSpec{
		Action:     a.Action,
		Market:     *m,
		Side:       a.Action.Side(),
		Amount:     amount,
		AmountText: text,
		Price:      price,
		OrderType:  v.orderType,
		Params:     map[string]any{},
	}

	cost := amount.Mul(price)
	if market.CostWithinLimits(m, cost) {
		return spec, nil
	}

	if ex.SupportsReduceOnly && m.Type == model.MarketPerpetual && a.Action.Closing() {
		log.Info("set reduceOnly", "action", string(a.Action), "code", a.Code, "cost", cost.String())
		spec.Params["reduceOnly"] = true
		return spec, nil
	}
	return reject(ReasonDust)
}
