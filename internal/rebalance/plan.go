package rebalance

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/accountant/internal/model"
)

// Reason explains why a leg produced no action this cycle.
type Reason string

const (
	// ReasonOrderOpen: an unresolved order on the leg blocks new ones.
	ReasonOrderOpen Reason = "order_open"
	ReasonNoMargin  Reason = "no_margin"
	ReasonNoCash    Reason = "no_cash"
	ReasonOnTarget  Reason = "on_target"
	ReasonNoHolding Reason = "no_holding"
)

// Blocked is the no-op outcome of a leg, returned alongside actions.
type Blocked struct {
	Leg    model.MarketType `json:"leg"`
	Action model.Action     `json:"action"` // the action that would have been emitted
	Reason Reason           `json:"reason"`
}

// Metrics are the account figures a decision was derived from.
type Metrics struct {
	TotalExposure          decimal.Decimal `json:"total_exposure"`
	TargetValue            decimal.Decimal `json:"target_value"`
	AccountValue           decimal.Decimal `json:"account_value"`
	SpotBaseValue          decimal.Decimal `json:"spot_base_value"`
	SpotLimit              decimal.Decimal `json:"spot_limit"`
	FreeCash               decimal.Decimal `json:"free_cash"`
	FreeBase               decimal.Decimal `json:"free_base"`
	MarginPool             decimal.Decimal `json:"margin_pool"`
	PositionLongValueMax   decimal.Decimal `json:"position_long_value_max"`
	PositionLongMarginMax  decimal.Decimal `json:"position_long_margin_max"`
	PositionShortValueMax  decimal.Decimal `json:"position_short_value_max"`
	PositionShortMarginMax decimal.Decimal `json:"position_short_margin_max"`
	MarginUsed             decimal.Decimal `json:"margin_used"`
	MarginFree             decimal.Decimal `json:"margin_free"`
	PositionQuantity       decimal.Decimal `json:"position_quantity"`
	PositionValue          decimal.Decimal `json:"position_value"`
	Price                  decimal.Decimal `json:"price"`
}

type slotKey struct {
	wallet model.Wallet
	code   string
	kind   model.Kind
}

// Plan is the result of one rebalancing pass: at most one action per
// (wallet, code, kind) slot plus the legs that were blocked.
type Plan struct {
	Metrics Metrics   `json:"metrics"`
	Blocked []Blocked `json:"blocked,omitempty"`

	slots map[slotKey]int
	acts  []model.TradeAction
}

func newPlan() *Plan {
	return &Plan{slots: make(map[slotKey]int)}
}

// set fills a slot, replacing any action already in it.
func (p *Plan) set(a model.TradeAction) {
	k := slotKey{a.Wallet, a.Code, a.Kind}
	if i, ok := p.slots[k]; ok {
		p.acts[i] = a
		return
	}
	p.slots[k] = len(p.acts)
	p.acts = append(p.acts, a)
}

func (p *Plan) block(leg model.MarketType, action model.Action, reason Reason) {
	p.Blocked = append(p.Blocked, Blocked{Leg: leg, Action: action, Reason: reason})
}

// Actions returns the proposed actions in the order they were decided.
func (p *Plan) Actions() []model.TradeAction {
	out := make([]model.TradeAction, len(p.acts))
	copy(out, p.acts)
	return out
}

// Empty reports whether the pass proposes nothing.
func (p *Plan) Empty() bool {
	return len(p.acts) == 0
}
