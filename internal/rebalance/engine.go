// Package rebalance computes the next corrective trade actions that move an
// account's exposure toward its strategy target, within the leverage,
// collateral-ratio and margin limits of the account.
//
// The engine is stateless: every pass derives its figures from the
// aggregated holdings and commits to at most one action per slot. It
// converges over several cycles rather than emitting a full trade list.
package rebalance

import (
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/accountant/internal/model"
)

var (
	// ErrInvalidPrice is returned when the base price is not positive.
	ErrInvalidPrice = errors.New("rebalance: base price must be positive")

	// ErrInvalidCollateral is returned when the collateral ratio is not positive.
	ErrInvalidCollateral = errors.New("rebalance: collateral ratio must be positive")

	// NearLimit is the fraction of the spot limit below which the spot leg
	// keeps buying.
	NearLimit = decimal.NewFromFloat(0.95)

	// Overload over-corrects a spot overload past the limit so the next
	// cycle does not land exactly on it.
	Overload = decimal.NewFromFloat(1.05)
)

// Holdings is the aggregated view the engine reads. exposure.Book
// implements it.
type Holdings interface {
	TotalExposure(code string) decimal.Decimal
	AssetValue(wallet model.Wallet, code string) decimal.Decimal
	FreeQuantity(wallet model.Wallet, code string) decimal.Decimal
	HasOrder(t model.MarketType) bool
	Position(code string) (qty, value decimal.Decimal)
	HasLong(code string) bool
	HasShort(code string) bool
}

// TargetValue is the notional the strategy wants to hold:
// weight × account value × leverage.
func TargetValue(acct model.Account, accountValue decimal.Decimal) decimal.Decimal {
	return acct.Weight.Mul(accountValue).Mul(acct.Leverage)
}

// Delta runs one rebalancing pass for the account.
func Delta(acct model.Account, h Holdings, price decimal.Decimal, log *slog.Logger) (*Plan, error) {
	if !price.IsPositive() {
		return nil, ErrInvalidPrice
	}
	if !acct.CollateralRatio.IsPositive() {
		return nil, ErrInvalidCollateral
	}

	r := newRun(acct, h, price, log)
	if r.m.TargetValue.IsPositive() {
		r.long()
	} else {
		r.short()
	}
	return r.plan, nil
}

// run carries the state of a single pass.
type run struct {
	h    Holdings
	log  *slog.Logger
	plan *Plan
	m    *Metrics

	base, quote string
	cr          decimal.Decimal
	multi       bool
	spotLeg     bool
	spotW, futW model.Wallet
}

func newRun(acct model.Account, h Holdings, price decimal.Decimal, log *slog.Logger) *run {
	r := &run{
		h:       h,
		log:     log,
		plan:    newPlan(),
		base:    acct.Base,
		quote:   acct.Quote,
		cr:      acct.CollateralRatio,
		multi:   acct.Exchange.MultiWallet(),
		spotLeg: acct.TradingMode == model.ModeHybrid,
	}
	if r.multi {
		r.spotW, r.futW = model.WalletSpot, model.WalletFuture
	}
	r.m = &r.plan.Metrics

	m := r.m
	one := decimal.NewFromInt(1)
	m.Price = price
	m.AccountValue = h.AssetValue("", "")
	m.TargetValue = TargetValue(acct, m.AccountValue)
	m.PositionLongValueMax = m.AccountValue.Mul(acct.Leverage.Sub(one))
	m.PositionLongMarginMax = m.PositionLongValueMax.Div(r.cr)
	m.SpotLimit = m.AccountValue.Sub(m.PositionLongMarginMax)
	if !r.spotLeg {
		m.SpotLimit = decimal.Zero
	}
	m.PositionShortValueMax = m.AccountValue.Mul(acct.Leverage).Neg()
	m.PositionShortMarginMax = m.AccountValue

	if r.multi {
		m.TotalExposure = h.TotalExposure("")
		m.SpotBaseValue = h.AssetValue(model.WalletSpot, r.base)
		m.MarginPool = h.AssetValue(model.WalletFuture, "")
	} else {
		m.TotalExposure = h.TotalExposure(r.base)
		m.SpotBaseValue = h.AssetValue("", r.base)
		m.MarginPool = decimal.Max(decimal.Zero, h.AssetValue("", r.quote))
	}
	m.FreeCash = h.FreeQuantity(r.spotW, r.quote)
	m.FreeBase = h.FreeQuantity(r.spotW, r.base)
	m.PositionQuantity, m.PositionValue = h.Position(r.base)
	m.MarginUsed = m.PositionValue.Abs().Div(r.cr)
	m.MarginFree = decimal.Max(decimal.Zero, m.MarginPool.Sub(m.MarginUsed))

	log.Debug("rebalance metrics",
		"exposure", m.TotalExposure.StringFixed(4),
		"target", m.TargetValue.StringFixed(4),
		"account_value", m.AccountValue.StringFixed(4),
		"spot_base_value", m.SpotBaseValue.StringFixed(4),
		"spot_limit", m.SpotLimit.StringFixed(4),
		"free_cash", m.FreeCash.StringFixed(4),
		"margin_pool", m.MarginPool.StringFixed(4),
		"long_value_max", m.PositionLongValueMax.StringFixed(4),
		"long_margin_max", m.PositionLongMarginMax.StringFixed(4),
		"short_value_max", m.PositionShortValueMax.StringFixed(4),
		"short_margin_max", m.PositionShortMarginMax.StringFixed(4),
		"margin_used", m.MarginUsed.StringFixed(4),
		"margin_free", m.MarginFree.StringFixed(4),
		"position_qty", m.PositionQuantity.StringFixed(4),
		"position_value", m.PositionValue.StringFixed(4),
	)
	return r
}

// long handles a positive target: want long exposure or a smaller short.
func (r *run) long() {
	m := r.m
	if r.h.HasShort(r.base) {
		r.log.Info("close short position")
		r.perp(model.CloseShort, m.PositionValue.Abs().Div(m.Price), ReasonOnTarget)
		return
	}
	if m.TargetValue.GreaterThan(m.TotalExposure) {
		r.increase()
		return
	}
	r.decrease()
}

func (r *run) increase() {
	m := r.m
	switch {
	case r.spotLeg && m.SpotBaseValue.LessThan(m.SpotLimit.Mul(NearLimit)):
		r.log.Info("trade in spot until limit is reached")
		if r.h.HasOrder(model.MarketSpot) {
			r.blocked(model.MarketSpot, model.BuySpot, ReasonOrderOpen)
			return
		}
		desired := m.TargetValue.Sub(m.TotalExposure)
		capacity := m.SpotLimit.Sub(m.SpotBaseValue)
		buy := decimal.Min(desired, capacity, m.FreeCash)
		if buy.IsPositive() {
			r.set(r.spotW, model.KindAsset, model.BuySpot, buy.Div(m.Price))
		}
		if buy.LessThan(desired) {
			r.log.Info("cash is insufficient, limit trade amount", "buy_value", buy.StringFixed(2), "desired", desired.StringFixed(2))
			if r.multi {
				tx := decimal.Min(desired.Sub(decimal.Max(buy, decimal.Zero)), m.MarginFree)
				if tx.IsPositive() {
					r.log.Info("transfer from future", "amount", tx.StringFixed(1), "code", r.quote)
					m.MarginFree = m.MarginFree.Sub(tx)
					r.transfer(model.WalletSpot, tx)
				} else {
					r.log.Warn("no margin available in future")
				}
			}
		}
		if !buy.IsPositive() && r.plan.Empty() {
			r.blocked(model.MarketSpot, model.BuySpot, ReasonNoCash)
		}

	case r.spotLeg && m.SpotBaseValue.GreaterThan(m.SpotLimit):
		r.log.Warn("spot account overload, sell spot to free margin")
		value := m.SpotBaseValue.Sub(m.SpotLimit).Mul(Overload)
		r.spot(model.SellSpot, value.Div(m.Price), ReasonNoHolding)

	default:
		if r.spotLeg {
			r.log.Info("spot account has reached its capacity")
		}
		r.openLong()
	}
}

// openLong opens or upgrades a long once the spot leg is at capacity.
func (r *run) openLong() {
	m := r.m
	if r.h.HasOrder(model.MarketPerpetual) {
		r.blocked(model.MarketPerpetual, model.OpenLong, ReasonOrderOpen)
		return
	}
	r.log.Info("open or upgrade a long position")

	marginReq := m.TargetValue.Sub(m.TotalExposure).Div(r.cr)

	if m.MarginFree.IsPositive() {
		marginOrder := decimal.Min(marginReq, m.MarginFree)
		if marginOrder.LessThan(marginReq) {
			r.log.Warn("margin is insufficient", "coverage", marginOrder.Div(marginReq).Round(4).String())
			if r.multi && m.FreeCash.IsPositive() {
				tx := decimal.Min(marginReq.Sub(marginOrder), m.FreeCash)
				marginOrder = marginOrder.Add(tx)
				r.log.Info("transfer from spot", "amount", tx.StringFixed(1), "code", r.quote)
				r.transfer(model.WalletFuture, tx)
			}
		}
		r.set(r.futW, model.KindPerpetual, model.OpenLong, marginOrder.Mul(r.cr).Div(m.Price))
		return
	}

	r.log.Info("no margin available")
	switch {
	case r.multi && m.FreeCash.IsPositive():
		tx := decimal.Min(marginReq, m.FreeCash)
		r.log.Info("transfer from spot", "amount", tx.StringFixed(1), "code", r.quote)
		r.transfer(model.WalletFuture, tx)
		r.set(r.futW, model.KindPerpetual, model.OpenLong, tx.Mul(r.cr).Div(m.Price))
	case r.multi:
		r.log.Warn("no cash left in spot")
		r.blocked(model.MarketPerpetual, model.OpenLong, ReasonNoCash)
	default:
		if !m.FreeCash.IsPositive() {
			r.log.Warn("no cash left in account")
		}
		r.blocked(model.MarketPerpetual, model.OpenLong, ReasonNoMargin)
	}
}

func (r *run) decrease() {
	m := r.m
	downgrade := m.TotalExposure.Sub(m.TargetValue)
	if !downgrade.IsPositive() {
		r.blocked("", "", ReasonOnTarget)
		return
	}

	if r.h.HasLong(r.base) {
		r.log.Info("downgrade a long position")
		value := decimal.Min(downgrade, m.PositionValue)
		r.perp(model.CloseLong, value.Div(m.Price), ReasonOnTarget)
		return
	}
	if !r.spotLeg {
		r.blocked(model.MarketSpot, model.SellSpot, ReasonNoHolding)
		return
	}

	r.log.Info("sell spot to reach the new target")
	qty := decimal.Min(downgrade.Div(m.Price), m.FreeBase)
	r.spot(model.SellSpot, qty, ReasonNoHolding)
}

// short handles a zero or negative target. The derivatives leg and the
// spot leg are decided independently.
func (r *run) short() {
	m := r.m
	desired := m.TargetValue

	switch {
	case r.h.HasLong(r.base):
		r.log.Info("close long position")
		r.perp(model.CloseLong, m.PositionValue.Div(m.Price), ReasonOnTarget)

	case r.h.HasShort(r.base) && m.PositionValue.LessThan(desired):
		r.log.Info("reduce short position")
		r.perp(model.CloseShort, desired.Sub(m.PositionValue).Div(m.Price), ReasonOnTarget)

	case r.h.HasShort(r.base):
		r.log.Info("increase short position")
		r.openShort(desired)

	default:
		r.log.Info("open new short position")
		r.openShort(desired)
	}

	if r.spotLeg && m.SpotBaseValue.IsPositive() {
		r.log.Info("sell base asset", "code", r.base)
		qty := decimal.Min(m.SpotBaseValue.Div(m.Price), m.FreeBase)
		r.spot(model.SellSpot, qty, ReasonNoHolding)
	}
}

func (r *run) openShort(desired decimal.Decimal) {
	m := r.m
	if r.h.HasOrder(model.MarketPerpetual) {
		r.blocked(model.MarketPerpetual, model.OpenShort, ReasonOrderOpen)
		return
	}
	tradeAbs := desired.Abs().Sub(m.PositionValue.Abs())
	if !tradeAbs.IsPositive() {
		r.blocked(model.MarketPerpetual, model.OpenShort, ReasonOnTarget)
		return
	}

	marginOrder := decimal.Min(tradeAbs.Div(r.cr), m.MarginFree)
	if marginOrder.IsPositive() {
		r.set(r.futW, model.KindPerpetual, model.OpenShort, marginOrder.Mul(r.cr).Div(m.Price))
	}

	moved := false
	if r.multi && m.FreeCash.IsPositive() {
		r.log.Info("move available cash from spot", "amount", m.FreeCash.StringFixed(1), "code", r.quote)
		r.transfer(model.WalletFuture, m.FreeCash)
		moved = true
	}
	if !marginOrder.IsPositive() && !moved {
		r.log.Warn("no margin available for short")
		r.blocked(model.MarketPerpetual, model.OpenShort, ReasonNoMargin)
	}
}

// spot emits an action on the spot leg unless an order is pending there
// or the quantity is not positive.
func (r *run) spot(action model.Action, qty decimal.Decimal, fallback Reason) {
	r.emit(model.MarketSpot, r.spotW, model.KindAsset, action, qty, fallback)
}

func (r *run) perp(action model.Action, qty decimal.Decimal, fallback Reason) {
	r.emit(model.MarketPerpetual, r.futW, model.KindPerpetual, action, qty, fallback)
}

func (r *run) emit(leg model.MarketType, wallet model.Wallet, kind model.Kind, action model.Action, qty decimal.Decimal, fallback Reason) {
	if r.h.HasOrder(leg) {
		r.blocked(leg, action, ReasonOrderOpen)
		return
	}
	if !qty.IsPositive() {
		r.blocked(leg, action, fallback)
		return
	}
	r.set(wallet, kind, action, qty)
}

// set stores the action with its quantity signed by the trade side.
func (r *run) set(wallet model.Wallet, kind model.Kind, action model.Action, qty decimal.Decimal) {
	if action.Side() == model.Sell {
		qty = qty.Neg()
	}
	r.log.Info("action", "action", string(action), "wallet", string(wallet), "code", r.base, "delta", qty.String())
	r.plan.set(model.TradeAction{Wallet: wallet, Code: r.base, Kind: kind, Action: action, Delta: qty})
}

func (r *run) transfer(to model.Wallet, amount decimal.Decimal) {
	r.plan.set(model.TradeAction{Wallet: to, Code: r.quote, Kind: model.KindAsset, Action: model.TransferIn, Delta: amount})
}

func (r *run) blocked(leg model.MarketType, action model.Action, reason Reason) {
	if reason == ReasonOrderOpen {
		r.log.Info("an order is already open", "leg", string(leg))
	} else {
		r.log.Info("no action", "leg", string(leg), "action", string(action), "reason", string(reason))
	}
	r.plan.block(leg, action, reason)
}
