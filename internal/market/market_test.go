package market

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/accountant/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type catalog map[string]*model.Market

func (c catalog) LookupMarket(_ context.Context, exchange, base, quote string, t model.MarketType) (*model.Market, error) {
	m, ok := c[fmt.Sprintf("%s:%s/%s:%s", exchange, base, quote, t)]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", base, quote, ErrMarketNotFound)
	}
	return m, nil
}

func (c catalog) add(m *model.Market) catalog {
	c[fmt.Sprintf("%s:%s/%s:%s", m.Exchange, m.Base, m.Quote, m.Type)] = m
	return c
}

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newResolver(c catalog, maxAge time.Duration) *Resolver {
	r := NewResolver(c, maxAge)
	r.now = func() time.Time { return now }
	return r
}

func TestResolve_Direct(t *testing.T) {
	c := catalog{}.add(&model.Market{Exchange: "binance", Symbol: "BTC/USDT", Base: "BTC", Quote: "USDT", Type: model.MarketSpot})

	m, flipped, err := newResolver(c, 0).Resolve(context.Background(), "binance", "BTC", "USDT", model.MarketSpot)
	require.NoError(t, err)
	assert.False(t, flipped)
	assert.Equal(t, "BTC/USDT", m.Symbol)
}

func TestResolve_Flipped(t *testing.T) {
	c := catalog{}.add(&model.Market{
		Exchange: "binance", Symbol: "USDT/EUR", Base: "USDT", Quote: "EUR", Type: model.MarketSpot,
		Ticker: model.Ticker{Last: d(0.8), Timestamp: now},
	})
	r := newResolver(c, time.Minute)

	m, flipped, err := r.Resolve(context.Background(), "binance", "EUR", "USDT", model.MarketSpot)
	require.NoError(t, err)
	assert.True(t, flipped)
	assert.Equal(t, "USDT/EUR", m.Symbol)

	// One EUR is worth 1/0.8 USDT.
	price, err := r.Last(context.Background(), "binance", "EUR", "USDT", model.MarketSpot)
	require.NoError(t, err)
	assert.True(t, d(1.25).Equal(price), "price %s", price)
}

func TestResolve_NotFound(t *testing.T) {
	_, _, err := newResolver(catalog{}, 0).Resolve(context.Background(), "binance", "DOGE", "USDT", model.MarketPerpetual)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMarketNotFound))

	var lookup *LookupError
	require.True(t, errors.As(err, &lookup))
	assert.Equal(t, "DOGE", lookup.Base)
	assert.Equal(t, model.MarketPerpetual, lookup.Type)
}

func TestLast_QuoteIsOne(t *testing.T) {
	price, err := newResolver(catalog{}, 0).Last(context.Background(), "binance", "USDT", "USDT", model.MarketSpot)
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(1)))
}

func TestBasePrice(t *testing.T) {
	acct := model.Account{Exchange: model.Exchange{ID: "binance"}, Base: "BTC", Quote: "USDT"}
	fresh := &model.Market{
		Exchange: "binance", Symbol: "BTC/USDT", Base: "BTC", Quote: "USDT", Type: model.MarketSpot,
		Ticker: model.Ticker{Last: d(65000), Open: d(64000), Timestamp: now.Add(-10 * time.Second)},
	}

	t.Run("last", func(t *testing.T) {
		price, err := newResolver(catalog{}.add(fresh), time.Minute).BasePrice(context.Background(), acct)
		require.NoError(t, err)
		assert.True(t, d(65000).Equal(price))
	})

	t.Run("open", func(t *testing.T) {
		open := acct
		open.PriceSource = model.PriceOpen
		price, err := newResolver(catalog{}.add(fresh), time.Minute).BasePrice(context.Background(), open)
		require.NoError(t, err)
		assert.True(t, d(64000).Equal(price))
	})

	t.Run("stale last", func(t *testing.T) {
		stale := *fresh
		stale.Ticker.Timestamp = now.Add(-5 * time.Minute)
		_, err := newResolver(catalog{}.add(&stale), time.Minute).BasePrice(context.Background(), acct)
		assert.True(t, errors.Is(err, ErrStalePrice))
	})

	t.Run("missing price", func(t *testing.T) {
		empty := *fresh
		empty.Ticker.Last = decimal.Zero
		_, err := newResolver(catalog{}.add(&empty), time.Minute).BasePrice(context.Background(), acct)
		assert.True(t, errors.Is(err, ErrNoPrice))
	})
}

func TestToPrecision(t *testing.T) {
	tests := []struct {
		name      string
		x         float64
		precision float64
		rounding  model.RoundingMode
		counting  model.CountingMode
		padding   model.PaddingMode
		want      string
		wantText  string
	}{
		{"round places", 1.23456, 3, model.Round, model.DecimalPlaces, model.NoPadding, "1.235", "1.235"},
		{"truncate places", 1.23456, 3, model.Truncate, model.DecimalPlaces, model.NoPadding, "1.234", "1.234"},
		{"pad places", 1.2, 4, model.Round, model.DecimalPlaces, model.PadWithZero, "1.2", "1.2000"},
		{"round tick", 0.0237, 0.005, model.Round, model.TickSize, model.NoPadding, "0.025", "0.025"},
		{"truncate tick", 0.0237, 0.005, model.Truncate, model.TickSize, model.NoPadding, "0.02", "0.02"},
		{"pad tick", 3, 0.01, model.Truncate, model.TickSize, model.PadWithZero, "3", "3.00"},
		{"below step", 0.0004, 0.001, model.Truncate, model.TickSize, model.NoPadding, "0", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, text := ToPrecision(d(tt.x), d(tt.precision), tt.rounding, tt.counting, tt.padding)
			assert.True(t, decimal.RequireFromString(tt.want).Equal(got), "got %s, want %s", got, tt.want)
			assert.Equal(t, tt.wantText, text)
		})
	}
}

func TestLimits(t *testing.T) {
	m := &model.Market{Limits: model.Limits{AmountMin: d(0.001), CostMin: d(5)}}

	assert.True(t, AmountWithinLimits(m, d(0.001)))
	assert.False(t, AmountWithinLimits(m, d(0.0009)))
	assert.True(t, AmountWithinLimits(m, d(1e6)), "unset max is unbounded")

	assert.True(t, CostWithinLimits(m, d(5)))
	assert.False(t, CostWithinLimits(m, d(4.99)))
}
