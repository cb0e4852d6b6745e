// Package store defines the persistence interface for the accountant.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/accountant/internal/model"
)

var (
	// ErrNotFound is returned when an account does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateEntry is returned when an inventory entry already exists
	// for the same trade. It means a trade was folded twice and the ledger
	// chain is corrupt; it is never retried.
	ErrDuplicateEntry = errors.New("store: duplicate inventory entry")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Accounts and holdings ---

	// ListAccounts returns every account to schedule.
	ListAccounts(ctx context.Context) ([]model.Account, error)

	// GetAccount retrieves an account by its ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// GetSnapshot returns the account's current assets, positions and
	// pending orders as last fetched from the exchange.
	GetSnapshot(ctx context.Context, accountID string) (*model.Snapshot, error)

	// --- Markets ---

	// LookupMarket returns the listed market for an exact base/quote pair.
	// A missing market is reported with an error wrapping
	// market.ErrMarketNotFound.
	LookupMarket(ctx context.Context, exchange, base, quote string, t model.MarketType) (*model.Market, error)

	// --- Trade feed ---

	// TradesSince returns the trades executed strictly after the given
	// time, ordered by datetime then trade ID.
	TradesSince(ctx context.Context, accountID string, t model.MarketType, after time.Time) ([]model.Trade, error)

	// --- Immutable inventory ledger ---

	// LatestInventory returns the newest entry of a currency, or nil when
	// the currency has no entry yet.
	LatestInventory(ctx context.Context, accountID string, inst model.Instrument, currency string) (*model.InventoryEntry, error)

	// InventoryCursor returns the datetime of the newest entry of a ledger.
	InventoryCursor(ctx context.Context, accountID string, inst model.Instrument) (time.Time, bool, error)

	// AppendInventory appends entries in one transaction. An entry whose
	// trade was already folded fails the whole batch with ErrDuplicateEntry.
	AppendInventory(ctx context.Context, entries []model.InventoryEntry) error

	// ListInventory returns a ledger ordered by datetime.
	ListInventory(ctx context.Context, accountID string, inst model.Instrument) ([]model.InventoryEntry, error)
}
