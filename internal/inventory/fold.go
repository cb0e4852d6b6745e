// Package inventory maintains the average-cost ledgers of an account.
//
// Every confirmed trade is folded into the previous entry for the same
// (account, instrument, currency) and produces exactly one new entry. Spot
// assets use plain average-cost accounting; perpetual contracts track a
// signed stock and settle closing PnL with inverse-contract math.
package inventory

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/accountant/internal/model"
)

// State is the running inventory of one currency before a trade is applied.
type State struct {
	Stock       decimal.Decimal
	TotalCost   decimal.Decimal
	AverageCost decimal.Decimal
}

// StateOf extracts the running state from a stored entry. A nil entry is
// the zero state.
func StateOf(e *model.InventoryEntry) State {
	if e == nil {
		return State{}
	}
	return State{Stock: e.Stock, TotalCost: e.TotalCost, AverageCost: e.AverageCost}
}

// Result is the outcome of folding one trade.
type Result struct {
	State
	RealizedPnL   decimal.NullDecimal
	UnrealizedPnL decimal.NullDecimal
	// Clamped is set when the trade disposed of more than was held and the
	// stock was floored at zero.
	Clamped bool
}

func pnl(v decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: v, Valid: true}
}

// average divides total by |stock|, keeping fallback on an empty stock.
func average(total, stock, fallback decimal.Decimal) decimal.Decimal {
	if stock.IsZero() {
		return fallback
	}
	return total.Div(stock.Abs())
}

// ApplyAsset folds a spot trade into prev.
//
// Buys add to stock and cost and re-average. Sells carry the average cost
// forward and realize cost - amount*avg. A sell larger than the stock
// floors stock and cost at zero and re-zeroes the average so the next buy
// starts from a clean basis.
func ApplyAsset(prev State, t model.Trade) Result {
	var r Result
	switch t.Side {
	case model.Buy:
		r.Stock = prev.Stock.Add(t.Amount)
		r.TotalCost = prev.TotalCost.Add(t.Cost)
		r.AverageCost = average(r.TotalCost, r.Stock, prev.AverageCost)
		return r
	default:
		if t.Amount.GreaterThan(prev.Stock) {
			r.Stock, r.TotalCost, r.AverageCost = decimal.Zero, decimal.Zero, decimal.Zero
			r.Clamped = true
		} else {
			r.Stock = prev.Stock.Sub(t.Amount)
			r.TotalCost = r.Stock.Mul(prev.AverageCost)
			r.AverageCost = prev.AverageCost
		}
		r.RealizedPnL = pnl(t.Cost.Sub(t.Amount.Mul(prev.AverageCost)))
		r.UnrealizedPnL = pnl(r.Stock.Mul(t.Price.Sub(prev.AverageCost)))
		return r
	}
}

// ApplyContract folds a perpetual trade into prev. The stock is signed,
// negative for a short, and the transition depends on its sign:
//
//	stock <  0, buy  -> close short
//	stock >= 0, buy  -> open long
//	stock <= 0, sell -> open short
//	stock >  0, sell -> close long
//
// A closing trade larger than the open position stops at zero instead of
// flipping into the opposite side.
func ApplyContract(prev State, t model.Trade) Result {
	long := prev.Stock.IsPositive()
	short := prev.Stock.IsNegative()

	switch {
	case t.Side == model.Buy && short:
		return closeContract(prev, t, decimal.NewFromInt(-1))
	case t.Side == model.Sell && long:
		return closeContract(prev, t, decimal.NewFromInt(1))
	}

	var r Result
	if t.Side == model.Buy {
		r.Stock = prev.Stock.Add(t.Amount)
	} else {
		r.Stock = prev.Stock.Sub(t.Amount)
	}
	r.TotalCost = prev.TotalCost.Add(t.Cost)
	r.AverageCost = average(r.TotalCost, r.Stock, prev.AverageCost)
	return r
}

// closeContract reduces an open position. dir is +1 for a long, -1 for a
// short.
func closeContract(prev State, t model.Trade, dir decimal.Decimal) Result {
	var r Result
	held := prev.Stock.Abs()
	closed := t.Amount
	if closed.GreaterThan(held) {
		closed = held
		r.Clamped = true
	}

	r.Stock = prev.Stock.Sub(dir.Mul(closed))
	r.AverageCost = prev.AverageCost
	r.TotalCost = r.Stock.Abs().Mul(prev.AverageCost)

	entry, exit := prev.AverageCost, t.Price
	if entry.IsPositive() && exit.IsPositive() {
		// (1/entry - 1/exit) * closed * dir base units, valued at exit.
		r.RealizedPnL = pnl(closed.Mul(dir).Mul(exit.Sub(entry)).Div(entry))
	}
	r.UnrealizedPnL = pnl(r.Stock.Mul(exit.Sub(entry)))
	return r
}
