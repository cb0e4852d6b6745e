package accountant

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/accountant/internal/lock"
	"github.com/atmx/accountant/internal/market"
	"github.com/atmx/accountant/internal/model"
	"github.com/atmx/accountant/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var created = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func binance() model.Exchange {
	return model.Exchange{
		ID:                 "binance",
		Wallets:            []model.Wallet{model.WalletSpot, model.WalletFuture},
		RoundingSpot:       model.Truncate,
		RoundingFuture:     model.Round,
		PrecisionMode:      model.DecimalPlaces,
		Padding:            model.NoPadding,
		SupportsReduceOnly: true,
	}
}

// seed lists BTC/USDT on both market types and an account whose spot leg
// is near its limit, so the pass tops up the future wallet and opens a long.
func seed(st *store.MemoryStore) {
	for _, mt := range []model.MarketType{model.MarketSpot, model.MarketPerpetual} {
		st.PutMarket(model.Market{
			Exchange: "binance", Symbol: "BTC/USDT", Base: "BTC", Quote: "USDT", Type: mt,
			Precision: model.Precision{Amount: d(3)},
			Limits:    model.Limits{AmountMin: d(0.001), CostMin: d(10)},
			Ticker:    model.Ticker{Last: d(100), Open: d(100), Timestamp: time.Now()},
		})
	}
	st.PutAccount(model.Account{
		ID: "acc-1", Name: "main", Exchange: binance(), Quote: "USDT", Base: "BTC",
		Weight: d(0.5), Leverage: d(2), CollateralRatio: d(5), CreatedAt: created,
	})
	st.PutSnapshot("acc-1", model.Snapshot{Assets: []model.Asset{
		{Wallet: model.WalletSpot, Code: "USDT", Free: d(200), Total: d(200)},
		{Wallet: model.WalletSpot, Code: "BTC", Free: d(7.8), Total: d(7.8)},
		{Wallet: model.WalletFuture, Code: "USDT", Free: d(20), Total: d(20)},
	}})
}

func newService(st *store.MemoryStore, locker lock.Locker, hub *Hub) *Service {
	return NewService(st, locker, market.NewResolver(st, 0), hub, quiet())
}

func TestRebalance_ProposesTransferThenOrder(t *testing.T) {
	st := store.NewMemoryStore()
	seed(st)

	out, err := newService(st, lock.NewKeyedMutex(), nil).Rebalance(context.Background(), "acc-1")
	require.NoError(t, err)

	assert.Equal(t, "acc-1", out.AccountID)
	assert.NotEmpty(t, out.Pass)
	assert.Equal(t, "100", out.Price)
	assert.Empty(t, out.Rejected)

	require.Len(t, out.Transfers, 1)
	tr := out.Transfers[0]
	assert.Equal(t, "USDT", tr.Code)
	assert.Equal(t, model.WalletSpot, tr.From)
	assert.Equal(t, model.WalletFuture, tr.To)
	assert.True(t, d(24).Equal(tr.Amount), "transfer %s", tr.Amount)

	require.Len(t, out.Orders, 1)
	o := out.Orders[0]
	assert.Equal(t, model.OpenLong, o.Action)
	assert.Equal(t, model.Buy, o.Side)
	assert.Equal(t, model.MarketPerpetual, o.Market.Type)
	assert.Equal(t, "2.2", o.AmountText)
}

func TestRebalance_SkipsWhenLocked(t *testing.T) {
	st := store.NewMemoryStore()
	seed(st)
	locker := lock.NewKeyedMutex()

	release, err := locker.TryLock(context.Background(), lock.RebalanceKey("acc-1"))
	require.NoError(t, err)

	svc := newService(st, locker, nil)
	_, err = svc.Rebalance(context.Background(), "acc-1")
	assert.True(t, errors.Is(err, lock.ErrLocked))

	// The inventory fold of the same account is not blocked.
	_, err = svc.UpdateInventories(context.Background(), "acc-1")
	assert.NoError(t, err)

	release()
	_, err = svc.Rebalance(context.Background(), "acc-1")
	assert.NoError(t, err)
}

func TestRebalance_Aborts(t *testing.T) {
	t.Run("unpriced holding", func(t *testing.T) {
		st := store.NewMemoryStore()
		seed(st)
		st.PutSnapshot("acc-1", model.Snapshot{Assets: []model.Asset{
			{Wallet: model.WalletSpot, Code: "XYZ", Free: d(1), Total: d(1)},
		}})

		out, err := newService(st, lock.NewKeyedMutex(), nil).Rebalance(context.Background(), "acc-1")
		assert.Nil(t, out)
		assert.True(t, errors.Is(err, market.ErrMarketNotFound), "err %v", err)
	})

	t.Run("invalid settings", func(t *testing.T) {
		st := store.NewMemoryStore()
		seed(st)
		acct, err := st.GetAccount(context.Background(), "acc-1")
		require.NoError(t, err)
		acct.Leverage = d(3)
		st.PutAccount(*acct)

		_, err = newService(st, lock.NewKeyedMutex(), nil).Rebalance(context.Background(), "acc-1")
		assert.True(t, errors.Is(err, model.ErrInvalidAccount))
	})

	t.Run("unknown account", func(t *testing.T) {
		_, err := newService(store.NewMemoryStore(), lock.NewKeyedMutex(), nil).Rebalance(context.Background(), "nope")
		assert.True(t, errors.Is(err, store.ErrNotFound))
	})

	t.Run("lock released after failure", func(t *testing.T) {
		locker := lock.NewKeyedMutex()
		_, _ = newService(store.NewMemoryStore(), locker, nil).Rebalance(context.Background(), "nope")
		release, err := locker.TryLock(context.Background(), lock.RebalanceKey("nope"))
		require.NoError(t, err)
		release()
	})
}

func TestUpdateInventories(t *testing.T) {
	st := store.NewMemoryStore()
	seed(st)
	st.AddTrades(
		model.Trade{ID: "t1", AccountID: "acc-1", Exchange: "binance", Code: "BTC", Market: model.MarketSpot,
			Side: model.Buy, Amount: d(1), Price: d(100), Cost: d(100), Datetime: created.Add(time.Minute)},
		model.Trade{ID: "t2", AccountID: "acc-1", Exchange: "binance", Code: "BTC", Market: model.MarketSpot,
			Side: model.Sell, Amount: d(0.4), Price: d(150), Cost: d(60), Datetime: created.Add(2 * time.Minute)},
		model.Trade{ID: "p1", AccountID: "acc-1", Exchange: "binance", Code: "BTC", Market: model.MarketPerpetual,
			Side: model.Buy, Amount: d(2), Price: d(100), Cost: d(200), Datetime: created.Add(3 * time.Minute)},
	)
	svc := newService(st, lock.NewKeyedMutex(), nil)

	entries, err := svc.UpdateInventories(context.Background(), "acc-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, model.InstrumentAsset, entries[0].Instrument)
	assert.Equal(t, model.InstrumentContract, entries[2].Instrument)

	again, err := svc.UpdateInventories(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Empty(t, again)

	sum, err := svc.Summary(context.Background(), "acc-1", model.InstrumentAsset)
	require.NoError(t, err)
	require.Len(t, sum, 1)
	assert.True(t, d(0.6).Equal(sum[0].Stock))
	assert.True(t, d(20).Equal(sum[0].RealizedPnL))
}

func TestHub_StreamsPassResults(t *testing.T) {
	hub := NewHub(quiet())
	go hub.Run()
	defer hub.Close()

	r := chi.NewRouter()
	r.Get("/api/v1/ws", hub.HandleWS)
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	st := store.NewMemoryStore()
	seed(st)
	out, err := newService(st, lock.NewKeyedMutex(), hub).Rebalance(context.Background(), "acc-1")
	require.NoError(t, err)

	var types []string
	for i := 0; i < 2; i++ {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)

		var ev struct {
			Type      string `json:"type"`
			AccountID string `json:"account_id"`
			Pass      string `json:"pass"`
		}
		require.NoError(t, json.Unmarshal(msg, &ev))
		assert.Equal(t, "acc-1", ev.AccountID)
		assert.Equal(t, out.Pass, ev.Pass)
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{EventTransferProposed, EventOrderProposed}, types)
}

func TestPublish_NilHub(t *testing.T) {
	var hub *Hub
	assert.NotPanics(t, func() { hub.Publish(Event{Type: EventOrderProposed}) })
}
