package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/accountant/internal/model"
)

// Store is the persistence the ledger reads trades from and appends
// entries to.
type Store interface {
	// TradesSince returns the account's trades on a market type executed
	// strictly after the given time.
	TradesSince(ctx context.Context, accountID string, t model.MarketType, after time.Time) ([]model.Trade, error)
	// LatestInventory returns the newest entry for a currency, or nil.
	LatestInventory(ctx context.Context, accountID string, inst model.Instrument, currency string) (*model.InventoryEntry, error)
	// InventoryCursor returns the datetime of the newest entry of an
	// instrument ledger. ok is false when the ledger is empty.
	InventoryCursor(ctx context.Context, accountID string, inst model.Instrument) (cursor time.Time, ok bool, err error)
	// AppendInventory stores entries atomically: all of them or none.
	AppendInventory(ctx context.Context, entries []model.InventoryEntry) error
	ListInventory(ctx context.Context, accountID string, inst model.Instrument) ([]model.InventoryEntry, error)
}

// Ledger folds trade feeds into inventory entries. It is not safe to run
// two updates of the same account and instrument concurrently; callers
// serialize them per account.
type Ledger struct {
	store Store
	newID func() string
}

// NewLedger creates a ledger over st.
func NewLedger(st Store) *Ledger {
	return &Ledger{
		store: st,
		newID: func() string { return uuid.New().String() },
	}
}

type foldFunc func(State, model.Trade) Result

func foldFor(inst model.Instrument) foldFunc {
	if inst == model.InstrumentContract {
		return ApplyContract
	}
	return ApplyAsset
}

// UpdateAssetInventory folds the spot trades executed since the last
// asset entry.
func (l *Ledger) UpdateAssetInventory(ctx context.Context, acct model.Account, log *slog.Logger) ([]model.InventoryEntry, error) {
	return l.update(ctx, acct, model.InstrumentAsset, log)
}

// UpdateContractInventory folds the perpetual trades executed since the
// last contract entry.
func (l *Ledger) UpdateContractInventory(ctx context.Context, acct model.Account, log *slog.Logger) ([]model.InventoryEntry, error) {
	return l.update(ctx, acct, model.InstrumentContract, log)
}

// UpdateInventories runs the asset pass and then the contract pass. The
// two ledgers are independent; a failing asset pass does not prevent the
// contract pass from running.
func (l *Ledger) UpdateInventories(ctx context.Context, acct model.Account, log *slog.Logger) ([]model.InventoryEntry, error) {
	assets, assetErr := l.UpdateAssetInventory(ctx, acct, log)
	contracts, err := l.UpdateContractInventory(ctx, acct, log)
	if assetErr != nil {
		return contracts, assetErr
	}
	return append(assets, contracts...), err
}

func (l *Ledger) update(ctx context.Context, acct model.Account, inst model.Instrument, log *slog.Logger) ([]model.InventoryEntry, error) {
	log = log.With("instrument", inst.String())

	cursor, ok, err := l.store.InventoryCursor(ctx, acct.ID, inst)
	if err != nil {
		return nil, fmt.Errorf("load %s cursor: %w", inst, err)
	}
	if !ok {
		cursor = acct.CreatedAt
	}

	trades, err := l.store.TradesSince(ctx, acct.ID, inst.MarketType(), cursor)
	if err != nil {
		return nil, fmt.Errorf("load trades: %w", err)
	}
	// A trade stamped exactly at the cursor was folded by the previous pass.
	pending := trades[:0:0]
	for _, t := range trades {
		if t.Datetime.After(cursor) {
			pending = append(pending, t)
		}
	}
	if len(pending) == 0 {
		log.Debug("no new trades", "cursor", cursor)
		return nil, nil
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if !pending[i].Datetime.Equal(pending[j].Datetime) {
			return pending[i].Datetime.Before(pending[j].Datetime)
		}
		return pending[i].ID < pending[j].ID
	})

	fold := foldFor(inst)
	states := make(map[string]State)
	entries := make([]model.InventoryEntry, 0, len(pending))

	for _, t := range pending {
		prev, seen := states[t.Code]
		if !seen {
			last, err := l.store.LatestInventory(ctx, acct.ID, inst, t.Code)
			if err != nil {
				return nil, fmt.Errorf("load %s %s inventory: %w", inst, t.Code, err)
			}
			prev = StateOf(last)
		}

		r := fold(prev, t)
		states[t.Code] = r.State

		tlog := log.With("trade", t.ID, "side", string(t.Side), "amount", t.Amount.String())
		if r.Clamped {
			tlog.Warn("non-inventoried amount disposed, stock floored at zero",
				"held", prev.Stock.String())
		}
		tlog.Info("create inventory entry", "stock", r.Stock.String(), "average_cost", r.AverageCost.String())

		entries = append(entries, model.InventoryEntry{
			ID:            l.newID(),
			AccountID:     acct.ID,
			Exchange:      acct.Exchange.ID,
			Currency:      t.Code,
			TradeID:       t.ID,
			Instrument:    inst,
			Stock:         r.Stock,
			TotalCost:     r.TotalCost,
			AverageCost:   r.AverageCost,
			RealizedPnL:   r.RealizedPnL,
			UnrealizedPnL: r.UnrealizedPnL,
			Clamped:       r.Clamped,
			Datetime:      t.Datetime,
		})
	}

	// Entries are only persisted once every trade of the pass is computed.
	if err := l.store.AppendInventory(ctx, entries); err != nil {
		return nil, fmt.Errorf("append %d %s entries: %w", len(entries), inst, err)
	}
	return entries, nil
}

// CurrencySummary reports the PnL of one currency of a ledger.
type CurrencySummary struct {
	Currency      string          `json:"currency"`
	Stock         decimal.Decimal `json:"stock"`
	AverageCost   decimal.Decimal `json:"average_cost"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`   // cumulative
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"` // as of the latest entry
	Entries       int             `json:"entries"`
	Since         time.Time       `json:"since"`
	Until         time.Time       `json:"until"`
}

// Summary aggregates the stored entries of an instrument ledger per
// currency, sorted by currency.
func (l *Ledger) Summary(ctx context.Context, accountID string, inst model.Instrument) ([]CurrencySummary, error) {
	entries, err := l.store.ListInventory(ctx, accountID, inst)
	if err != nil {
		return nil, fmt.Errorf("list %s inventory: %w", inst, err)
	}

	byCode := make(map[string]*CurrencySummary)
	for _, e := range entries {
		s, ok := byCode[e.Currency]
		if !ok {
			s = &CurrencySummary{Currency: e.Currency, Since: e.Datetime}
			byCode[e.Currency] = s
		}
		s.Entries++
		if e.RealizedPnL.Valid {
			s.RealizedPnL = s.RealizedPnL.Add(e.RealizedPnL.Decimal)
		}
		if e.Datetime.Before(s.Since) {
			s.Since = e.Datetime
		}
		if !e.Datetime.Before(s.Until) {
			s.Until = e.Datetime
			s.Stock = e.Stock
			s.AverageCost = e.AverageCost
			s.UnrealizedPnL = decimal.Zero
			if e.UnrealizedPnL.Valid {
				s.UnrealizedPnL = e.UnrealizedPnL.Decimal
			}
		}
	}

	out := make([]CurrencySummary, 0, len(byCode))
	for _, s := range byCode {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}
