package exposure

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/accountant/internal/market"
	"github.com/atmx/accountant/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type prices map[string]decimal.Decimal

func (p prices) Last(_ context.Context, _, code, quote string, _ model.MarketType) (decimal.Decimal, error) {
	if code == quote {
		return decimal.NewFromInt(1), nil
	}
	if v, ok := p[code]; ok {
		return v, nil
	}
	return decimal.Zero, &market.LookupError{Base: code, Quote: quote}
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func multiWallet() model.Account {
	return model.Account{
		Exchange: model.Exchange{ID: "binance", Wallets: []model.Wallet{model.WalletSpot, model.WalletFuture}},
		Quote:    "USDT",
		Base:     "BTC",
	}
}

func TestAggregate_ExcludesQuote(t *testing.T) {
	snap := &model.Snapshot{
		Account: multiWallet(),
		Assets: []model.Asset{
			{Wallet: model.WalletSpot, Code: "USDT", Free: d(500), Total: d(500)},
			{Wallet: model.WalletFuture, Code: "USDT", Free: d(300), Total: d(300)},
			{Wallet: model.WalletSpot, Code: "BTC", Free: d(1), Total: d(2)},
		},
	}

	book, err := NewAggregator(prices{"BTC": d(100)}).Aggregate(context.Background(), snap, quiet())
	require.NoError(t, err)

	for _, e := range book.Entries() {
		assert.NotEqual(t, "USDT", e.Code, "quote must never be exposure")
	}
	require.Len(t, book.Entries(), 1)
	assert.True(t, d(200).Equal(book.TotalExposure("")))

	// Cash still counts toward the account value.
	assert.True(t, d(1000).Equal(book.AssetValue("", "")))
	assert.True(t, d(300).Equal(book.AssetValue(model.WalletFuture, "")))
	assert.True(t, d(1).Equal(book.FreeQuantity(model.WalletSpot, "BTC")))
}

func TestAggregate_GroupsAndSigns(t *testing.T) {
	snap := &model.Snapshot{
		Account: multiWallet(),
		Assets: []model.Asset{
			{Wallet: model.WalletSpot, Code: "BTC", Free: d(1), Total: d(1)},
		},
		Positions: []model.Position{
			{Code: "BTC", Side: model.Short, Contracts: d(3)}, // no notional: priced at last
		},
		Orders: []model.Order{
			{ID: "1", Wallet: model.WalletSpot, Code: "BTC", Market: model.MarketSpot, Side: model.Sell,
				Status: model.OrderOpen, Amount: d(1), Remaining: d(0.5), Price: d(110)},
			{ID: "2", Wallet: model.WalletSpot, Code: "BTC", Market: model.MarketSpot, Side: model.Buy,
				Status: model.OrderPreparation, Amount: d(2), Price: d(90)},
			{ID: "3", Wallet: model.WalletSpot, Code: "BTC", Market: model.MarketSpot, Side: model.Buy,
				Status: model.OrderCanceled, Amount: d(9), Remaining: d(9), Price: d(90)},
		},
	}

	book, err := NewAggregator(prices{"BTC": d(100)}).Aggregate(context.Background(), snap, quiet())
	require.NoError(t, err)

	byKind := map[model.Kind]model.ExposureEntry{}
	for _, e := range book.Entries() {
		byKind[e.Kind] = e
	}
	require.Len(t, byKind, 3)

	assert.True(t, d(100).Equal(byKind[model.KindAsset].Value))

	pos := byKind[model.KindPerpetual]
	assert.Equal(t, model.WalletFuture, pos.Wallet)
	assert.True(t, d(-3).Equal(pos.Quantity))
	assert.True(t, d(-300).Equal(pos.Value))

	// open sell uses remaining: -0.5*110; preparation buy uses amount: 2*90.
	ord := byKind[model.KindOrder]
	assert.True(t, d(1.5).Equal(ord.Quantity), "quantity %s", ord.Quantity)
	assert.True(t, d(125).Equal(ord.Value), "value %s", ord.Value)

	assert.True(t, book.HasShort("BTC"))
	assert.False(t, book.HasLong("BTC"))
	assert.True(t, book.HasOrder(model.MarketSpot))
	assert.False(t, book.HasOrder(model.MarketPerpetual))
}

func TestAggregate_SingleWalletCollapsesWallets(t *testing.T) {
	snap := &model.Snapshot{
		Account: model.Account{Exchange: model.Exchange{ID: "kraken"}, Quote: "USD", Base: "ETH"},
		Assets: []model.Asset{
			{Wallet: model.WalletSpot, Code: "ETH", Free: d(1), Total: d(1)},
			{Wallet: model.WalletFuture, Code: "ETH", Free: d(1), Total: d(1)},
		},
		Positions: []model.Position{{Code: "ETH", Side: model.Long, Contracts: d(1), Notional: d(2000)}},
	}

	book, err := NewAggregator(prices{"ETH": d(2000)}).Aggregate(context.Background(), snap, quiet())
	require.NoError(t, err)

	require.Len(t, book.Entries(), 2)
	for _, e := range book.Entries() {
		assert.Equal(t, model.WalletNone, e.Wallet)
	}
	assert.True(t, d(6000).Equal(book.TotalExposure("ETH")))
	qty, value := book.Position("ETH")
	assert.True(t, d(1).Equal(qty))
	assert.True(t, d(2000).Equal(value))
}

func TestAggregate_MissingMarketAborts(t *testing.T) {
	snap := &model.Snapshot{
		Account: multiWallet(),
		Assets:  []model.Asset{{Wallet: model.WalletSpot, Code: "XYZ", Total: d(1)}},
	}

	_, err := NewAggregator(prices{}).Aggregate(context.Background(), snap, quiet())
	assert.True(t, errors.Is(err, market.ErrMarketNotFound))
}
