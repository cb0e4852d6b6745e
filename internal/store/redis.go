package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/accountant/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Only slowly changing data is cached: accounts, market metadata and the
// latest entry of each inventory chain. Snapshots, tickers and the trade
// feed always come from the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) AppendInventory(ctx context.Context, entries []model.InventoryEntry) error {
	if err := s.primary.AppendInventory(ctx, entries); err != nil {
		return err
	}
	// Invalidate every chain head touched by the batch.
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, latestKey(e.AccountID, e.Instrument, e.Currency))
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	if s.get(ctx, accountKey(id), &a) {
		return &a, nil
	}

	acct, err := s.primary.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, accountKey(id), acct)
	return acct, nil
}

// LookupMarket caches market metadata only; the ticker is part of the
// cached value, so the TTL bounds how stale a cached LAST price can be.
func (s *CachedStore) LookupMarket(ctx context.Context, exchange, base, quote string, t model.MarketType) (*model.Market, error) {
	key := marketKey(exchange, base, quote, t)
	var m model.Market
	if s.get(ctx, key, &m) {
		return &m, nil
	}

	// Cache miss. Not-found results are not cached.
	found, err := s.primary.LookupMarket(ctx, exchange, base, quote, t)
	if err != nil {
		return nil, err
	}
	s.set(ctx, key, found)
	return found, nil
}

func (s *CachedStore) LatestInventory(ctx context.Context, accountID string, inst model.Instrument, currency string) (*model.InventoryEntry, error) {
	key := latestKey(accountID, inst, currency)
	var e model.InventoryEntry
	if s.get(ctx, key, &e) {
		return &e, nil
	}

	entry, err := s.primary.LatestInventory(ctx, accountID, inst, currency)
	if err != nil || entry == nil {
		return entry, err
	}
	s.set(ctx, key, entry)
	return entry, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	return s.primary.ListAccounts(ctx)
}

func (s *CachedStore) GetSnapshot(ctx context.Context, accountID string) (*model.Snapshot, error) {
	return s.primary.GetSnapshot(ctx, accountID)
}

func (s *CachedStore) TradesSince(ctx context.Context, accountID string, t model.MarketType, after time.Time) ([]model.Trade, error) {
	return s.primary.TradesSince(ctx, accountID, t, after)
}

func (s *CachedStore) InventoryCursor(ctx context.Context, accountID string, inst model.Instrument) (time.Time, bool, error) {
	return s.primary.InventoryCursor(ctx, accountID, inst)
}

func (s *CachedStore) ListInventory(ctx context.Context, accountID string, inst model.Instrument) ([]model.InventoryEntry, error) {
	return s.primary.ListInventory(ctx, accountID, inst)
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func accountKey(id string) string { return fmt.Sprintf("account:%s", id) }

func marketKey(exchange, base, quote string, t model.MarketType) string {
	return fmt.Sprintf("market:%s:%s/%s:%s", exchange, base, quote, t)
}

func latestKey(accountID string, inst model.Instrument, currency string) string {
	return fmt.Sprintf("inventory:%s:%s:%s", accountID, inst, currency)
}
