package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/accountant/internal/market"
	"github.com/atmx/accountant/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*model.Account
	snapshots map[string]*model.Snapshot
	markets   map[pairKey]*model.Market
	trades    []model.Trade
	inventory []model.InventoryEntry
}

type pairKey struct {
	exchange, base, quote string
	typ                   model.MarketType
}

type entryKey struct {
	accountID  string
	instrument model.Instrument
	tradeID    string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*model.Account),
		snapshots: make(map[string]*model.Snapshot),
		markets:   make(map[pairKey]*model.Market),
	}
}

// --- Seeding (what the exchange collectors write in production) ---

// PutAccount creates or replaces an account.
func (s *MemoryStore) PutAccount(a model.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = &a
}

// PutSnapshot replaces the holdings of an account.
func (s *MemoryStore) PutSnapshot(accountID string, snap model.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[accountID] = &snap
}

// PutMarket lists a market.
func (s *MemoryStore) PutMarket(m model.Market) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markets[pairKey{m.Exchange, m.Base, m.Quote, m.Type}] = &m
}

// AddTrades records confirmed fills.
func (s *MemoryStore) AddTrades(trades ...model.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, trades...)
}

// --- Store ---

func (s *MemoryStore) ListAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, *a)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	return accounts, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	acct := *a
	return &acct, nil
}

// GetSnapshot returns the stored holdings with the current account
// settings. An account without holdings yields an empty snapshot.
func (s *MemoryStore) GetSnapshot(_ context.Context, accountID string) (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	snap := model.Snapshot{Account: *a}
	if held, ok := s.snapshots[accountID]; ok {
		snap.Assets = append(snap.Assets, held.Assets...)
		snap.Positions = append(snap.Positions, held.Positions...)
		snap.Orders = append(snap.Orders, held.Orders...)
	}
	return &snap, nil
}

func (s *MemoryStore) LookupMarket(_ context.Context, exchange, base, quote string, t model.MarketType) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[pairKey{exchange, base, quote, t}]
	if !ok {
		return nil, fmt.Errorf("%s %s/%s %s: %w", exchange, base, quote, t, market.ErrMarketNotFound)
	}
	copy := *m
	return &copy, nil
}

func (s *MemoryStore) TradesSince(_ context.Context, accountID string, t model.MarketType, after time.Time) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, tr := range s.trades {
		if tr.AccountID == accountID && tr.Market == t && tr.Datetime.After(after) {
			result = append(result, tr)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].Datetime.Equal(result[j].Datetime) {
			return result[i].Datetime.Before(result[j].Datetime)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *MemoryStore) LatestInventory(_ context.Context, accountID string, inst model.Instrument, currency string) (*model.InventoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.InventoryEntry
	for i := range s.inventory {
		e := &s.inventory[i]
		if e.AccountID != accountID || e.Instrument != inst || e.Currency != currency {
			continue
		}
		// Entries are appended in fold order, so the last one wins ties.
		if latest == nil || !e.Datetime.Before(latest.Datetime) {
			latest = e
		}
	}
	if latest == nil {
		return nil, nil
	}
	e := *latest
	return &e, nil
}

func (s *MemoryStore) InventoryCursor(_ context.Context, accountID string, inst model.Instrument) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cursor time.Time
	found := false
	for _, e := range s.inventory {
		if e.AccountID == accountID && e.Instrument == inst && (!found || e.Datetime.After(cursor)) {
			cursor, found = e.Datetime, true
		}
	}
	return cursor, found, nil
}

// AppendInventory checks the whole batch before storing any of it.
func (s *MemoryStore) AppendInventory(_ context.Context, entries []model.InventoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[entryKey]bool, len(s.inventory)+len(entries))
	for _, e := range s.inventory {
		seen[entryKey{e.AccountID, e.Instrument, e.TradeID}] = true
	}
	for _, e := range entries {
		k := entryKey{e.AccountID, e.Instrument, e.TradeID}
		if seen[k] {
			return fmt.Errorf("trade %s (%s): %w", e.TradeID, e.Instrument, ErrDuplicateEntry)
		}
		seen[k] = true
	}

	s.inventory = append(s.inventory, entries...)
	return nil
}

func (s *MemoryStore) ListInventory(_ context.Context, accountID string, inst model.Instrument) ([]model.InventoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.InventoryEntry
	for _, e := range s.inventory {
		if e.AccountID == accountID && e.Instrument == inst {
			result = append(result, e)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Datetime.Before(result[j].Datetime) })
	return result, nil
}
