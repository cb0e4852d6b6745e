package inventory

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/accountant/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func trade(side model.Side, amount, price float64) model.Trade {
	return model.Trade{Side: side, Amount: d(amount), Price: d(price), Cost: d(amount).Mul(d(price))}
}

func assertDec(t *testing.T, want float64, got decimal.Decimal, msg string) {
	t.Helper()
	assert.True(t, d(want).Equal(got), "%s: want %v, got %s", msg, want, got)
}

func assertPnL(t *testing.T, want float64, got decimal.NullDecimal, msg string) {
	t.Helper()
	require.True(t, got.Valid, "%s should be set", msg)
	assert.True(t, d(want).Equal(got.Decimal), "%s: want %v, got %s", msg, want, got.Decimal)
}

func TestApplyAsset_RoundTrip(t *testing.T) {
	r1 := ApplyAsset(State{}, trade(model.Buy, 1.0, 100))
	assertDec(t, 1, r1.Stock, "stock")
	assertDec(t, 100, r1.TotalCost, "total")
	assertDec(t, 100, r1.AverageCost, "avg")
	assert.False(t, r1.RealizedPnL.Valid, "buys realize nothing")
	assert.False(t, r1.UnrealizedPnL.Valid)

	r2 := ApplyAsset(r1.State, trade(model.Sell, 0.4, 150))
	assertDec(t, 0.6, r2.Stock, "stock")
	assertDec(t, 60, r2.TotalCost, "total")
	assertDec(t, 100, r2.AverageCost, "avg unchanged by a sell")
	assertPnL(t, 20, r2.RealizedPnL, "realized")
	assertPnL(t, 30, r2.UnrealizedPnL, "unrealized")
	assert.False(t, r2.Clamped)
}

func TestApplyAsset_BuysAverage(t *testing.T) {
	s := State{}
	var total decimal.Decimal
	var stock decimal.Decimal
	for _, tr := range []model.Trade{
		trade(model.Buy, 0.5, 100),
		trade(model.Buy, 1.5, 120),
		trade(model.Buy, 2, 90),
	} {
		s = ApplyAsset(s, tr).State
		total = total.Add(tr.Cost)
		stock = stock.Add(tr.Amount)
		assert.True(t, s.AverageCost.Equal(s.TotalCost.Div(s.Stock)))
	}
	assert.True(t, total.Equal(s.TotalCost))
	assert.True(t, stock.Equal(s.Stock))
	assertDec(t, 102.5, s.AverageCost, "avg") // 410 / 4
}

func TestApplyAsset_Oversell(t *testing.T) {
	prev := State{Stock: d(0.5), TotalCost: d(50), AverageCost: d(100)}

	r := ApplyAsset(prev, trade(model.Sell, 1.0, 120))
	assert.True(t, r.Clamped)
	assert.True(t, r.Stock.IsZero())
	assert.True(t, r.TotalCost.IsZero())
	assert.True(t, r.AverageCost.IsZero())
	assertPnL(t, 20, r.RealizedPnL, "realized")
	assertPnL(t, 0, r.UnrealizedPnL, "unrealized")

	// The next buy starts from a clean basis.
	next := ApplyAsset(r.State, trade(model.Buy, 1, 90))
	assertDec(t, 1, next.Stock, "stock")
	assertDec(t, 90, next.AverageCost, "avg")
}

func TestApplyAsset_FullCloseKeepsAverage(t *testing.T) {
	prev := State{Stock: d(2), TotalCost: d(200), AverageCost: d(100)}

	r := ApplyAsset(prev, trade(model.Sell, 2, 80))
	assert.False(t, r.Clamped)
	assert.True(t, r.Stock.IsZero())
	assertDec(t, 100, r.AverageCost, "avg")
	assertPnL(t, -40, r.RealizedPnL, "realized")
}

func TestApplyContract_ShortCloseToZero(t *testing.T) {
	prev := State{Stock: d(-2), TotalCost: d(200), AverageCost: d(100)}

	r := ApplyContract(prev, trade(model.Buy, 2, 110))
	assert.True(t, r.Stock.IsZero())
	assert.True(t, r.TotalCost.IsZero())
	assert.False(t, r.Clamped)
	// (1/100 - 1/110) * 2 = 1/550 base, a loss on a short, times 110.
	assertPnL(t, -0.2, r.RealizedPnL, "realized")
	assert.Equal(t, "-0.2", r.RealizedPnL.Decimal.String())
	assertPnL(t, 0, r.UnrealizedPnL, "unrealized")
}

func TestApplyContract_LongLifecycle(t *testing.T) {
	open := ApplyContract(State{}, trade(model.Buy, 2, 100))
	assertDec(t, 2, open.Stock, "stock")
	assertDec(t, 100, open.AverageCost, "avg")
	assert.False(t, open.RealizedPnL.Valid, "opening realizes nothing")

	add := ApplyContract(open.State, trade(model.Buy, 2, 150))
	assertDec(t, 4, add.Stock, "stock")
	assertDec(t, 125, add.AverageCost, "avg")

	part := ApplyContract(add.State, trade(model.Sell, 1, 150))
	assertDec(t, 3, part.Stock, "stock")
	assertDec(t, 375, part.TotalCost, "total")
	assertDec(t, 125, part.AverageCost, "avg")
	// (1/125 - 1/150) * 1 * 150 = 0.2
	assertPnL(t, 0.2, part.RealizedPnL, "realized")
	assertPnL(t, 75, part.UnrealizedPnL, "unrealized")
}

func TestApplyContract_ShortLifecycle(t *testing.T) {
	open := ApplyContract(State{}, trade(model.Sell, 2, 100))
	assertDec(t, -2, open.Stock, "stock")
	assertDec(t, 200, open.TotalCost, "total")
	assertDec(t, 100, open.AverageCost, "avg")

	add := ApplyContract(open.State, trade(model.Sell, 1, 130))
	assertDec(t, -3, add.Stock, "stock")
	assertDec(t, 330, add.TotalCost, "total")
	assertDec(t, 110, add.AverageCost, "avg")

	// Price fell: buying back one contract is a gain for the short.
	part := ApplyContract(add.State, trade(model.Buy, 1, 100))
	assertDec(t, -2, part.Stock, "stock")
	assertDec(t, 220, part.TotalCost, "total stays a magnitude")
	assert.True(t, part.RealizedPnL.Decimal.IsPositive())
	assertPnL(t, 20, part.UnrealizedPnL, "unrealized") // -2 * (100 - 110)
}

func TestApplyContract_OvershootClampsInsteadOfFlipping(t *testing.T) {
	prev := State{Stock: d(1), TotalCost: d(100), AverageCost: d(100)}

	r := ApplyContract(prev, trade(model.Sell, 3, 100))
	assert.True(t, r.Clamped)
	assert.True(t, r.Stock.IsZero(), "never flips to short within one entry")
	assertPnL(t, 0, r.RealizedPnL, "realized at entry price")
}

func TestApplyContract_FlatOpensEitherSide(t *testing.T) {
	flat := State{AverageCost: d(100)}

	long := ApplyContract(flat, trade(model.Buy, 1, 90))
	assertDec(t, 1, long.Stock, "stock")
	assertDec(t, 90, long.AverageCost, "avg")

	short := ApplyContract(flat, trade(model.Sell, 1, 90))
	assertDec(t, -1, short.Stock, "stock")
	assertDec(t, 90, short.AverageCost, "avg")
}
