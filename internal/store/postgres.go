package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/accountant/internal/market"
	"github.com/atmx/accountant/internal/model"
)

//go:embed schema.sql
var schema string

// uniqueViolation is the PostgreSQL SQLSTATE for a unique constraint.
const uniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables when they do not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

const accountColumns = `
	a.id, a.name, a.quote, a.base,
	a.weight::TEXT, a.leverage::TEXT, a.collateral_ratio::TEXT,
	a.trading_mode, a.price_source, a.created_at,
	e.id, e.wallets, e.rounding_spot, e.rounding_future,
	e.padding, e.precision_mode, e.supports_reduce_only`

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	var weight, leverage, ratio string
	var mode, source, roundSpot, roundFuture, padding, counting int
	var wallets []string

	if err := row.Scan(&a.ID, &a.Name, &a.Quote, &a.Base,
		&weight, &leverage, &ratio,
		&mode, &source, &a.CreatedAt,
		&a.Exchange.ID, &wallets, &roundSpot, &roundFuture,
		&padding, &counting, &a.Exchange.SupportsReduceOnly); err != nil {
		return nil, err
	}

	a.Weight = num(weight)
	a.Leverage = num(leverage)
	a.CollateralRatio = num(ratio)
	a.TradingMode = model.TradingMode(mode)
	a.PriceSource = model.PriceSource(source)
	for _, w := range wallets {
		a.Exchange.Wallets = append(a.Exchange.Wallets, model.Wallet(w))
	}
	a.Exchange.RoundingSpot = model.RoundingMode(roundSpot)
	a.Exchange.RoundingFuture = model.RoundingMode(roundFuture)
	a.Exchange.Padding = model.PaddingMode(padding)
	a.Exchange.PrecisionMode = model.CountingMode(counting)
	return &a, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT`+accountColumns+`
		 FROM accounts a JOIN exchanges e ON e.id = a.exchange_id
		 ORDER BY a.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT`+accountColumns+`
		 FROM accounts a JOIN exchanges e ON e.id = a.exchange_id
		 WHERE a.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return a, nil
}

// GetSnapshot reads the three holdings tables in one repeatable-read
// transaction so assets, positions and orders describe the same instant.
func (s *PostgresStore) GetSnapshot(ctx context.Context, accountID string) (*model.Snapshot, error) {
	acct, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	snap := &model.Snapshot{Account: *acct}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT wallet, code, free::TEXT, used::TEXT, total::TEXT
		 FROM assets WHERE account_id = $1 ORDER BY wallet, code`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query assets: %w", err)
	}
	for rows.Next() {
		var as model.Asset
		var free, used, total string
		if err := rows.Scan(&as.Wallet, &as.Code, &free, &used, &total); err != nil {
			rows.Close()
			return nil, err
		}
		as.Free, as.Used, as.Total = num(free), num(used), num(total)
		snap.Assets = append(snap.Assets, as)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = tx.Query(ctx,
		`SELECT wallet, code, side, contracts::TEXT, notional::TEXT
		 FROM positions WHERE account_id = $1 AND contracts <> 0 ORDER BY wallet, code`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	for rows.Next() {
		var p model.Position
		var contracts, notional string
		if err := rows.Scan(&p.Wallet, &p.Code, &p.Side, &contracts, &notional); err != nil {
			rows.Close()
			return nil, err
		}
		p.Contracts, p.Notional = num(contracts), num(notional)
		snap.Positions = append(snap.Positions, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = tx.Query(ctx,
		`SELECT id, client_id, wallet, code, market, side, status,
		        amount::TEXT, remaining::TEXT, price::TEXT
		 FROM orders WHERE account_id = $1 AND status IN ('preparation', 'open')
		 ORDER BY id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var o model.Order
		var amount, remaining, price string
		if err := rows.Scan(&o.ID, &o.ClientID, &o.Wallet, &o.Code, &o.Market, &o.Side, &o.Status,
			&amount, &remaining, &price); err != nil {
			return nil, err
		}
		o.Amount, o.Remaining, o.Price = num(amount), num(remaining), num(price)
		snap.Orders = append(snap.Orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return snap, tx.Commit(ctx)
}

func (s *PostgresStore) LookupMarket(ctx context.Context, exchange, base, quote string, t model.MarketType) (*model.Market, error) {
	var m model.Market
	var size, precAmount, precPrice, amountMin, amountMax, costMin, costMax, last, open string

	err := s.pool.QueryRow(ctx,
		`SELECT id, exchange, symbol, wallet, base, quote, type,
		        contract_size::TEXT, precision_amount::TEXT, precision_price::TEXT,
		        amount_min::TEXT, amount_max::TEXT, cost_min::TEXT, cost_max::TEXT,
		        last::TEXT, open::TEXT, ticker_at
		 FROM markets WHERE exchange = $1 AND base = $2 AND quote = $3 AND type = $4`,
		exchange, base, quote, string(t)).
		Scan(&m.ID, &m.Exchange, &m.Symbol, &m.Wallet, &m.Base, &m.Quote, &m.Type,
			&size, &precAmount, &precPrice,
			&amountMin, &amountMax, &costMin, &costMax,
			&last, &open, &m.Ticker.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s %s/%s %s: %w", exchange, base, quote, t, market.ErrMarketNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup market %s/%s: %w", base, quote, err)
	}

	m.ContractSize = num(size)
	m.Precision.Amount, m.Precision.Price = num(precAmount), num(precPrice)
	m.Limits.AmountMin, m.Limits.AmountMax = num(amountMin), num(amountMax)
	m.Limits.CostMin, m.Limits.CostMax = num(costMin), num(costMax)
	m.Ticker.Last, m.Ticker.Open = num(last), num(open)
	return &m, nil
}

func (s *PostgresStore) TradesSince(ctx context.Context, accountID string, t model.MarketType, after time.Time) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, exchange, code, market, side,
		        amount::TEXT, price::TEXT, cost::TEXT, datetime
		 FROM trades
		 WHERE account_id = $1 AND market = $2 AND datetime > $3
		 ORDER BY datetime, id`, accountID, string(t), after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var tr model.Trade
		var amount, price, cost string
		if err := rows.Scan(&tr.ID, &tr.AccountID, &tr.Exchange, &tr.Code, &tr.Market, &tr.Side,
			&amount, &price, &cost, &tr.Datetime); err != nil {
			return nil, err
		}
		tr.Amount, tr.Price, tr.Cost = num(amount), num(price), num(cost)
		trades = append(trades, tr)
	}
	return trades, rows.Err()
}

const inventoryColumns = `
	id, account_id, exchange, currency, trade_id, instrument,
	stock::TEXT, total_cost::TEXT, average_cost::TEXT,
	realized_pnl::TEXT, unrealized_pnl::TEXT, clamped, datetime`

func (s *PostgresStore) LatestInventory(ctx context.Context, accountID string, inst model.Instrument, currency string) (*model.InventoryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT`+inventoryColumns+`
		 FROM inventory
		 WHERE account_id = $1 AND instrument = $2 AND currency = $3
		 ORDER BY datetime DESC, seq DESC LIMIT 1`, accountID, int(inst), currency)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries, err := scanInventoryEntries(rows)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

func (s *PostgresStore) InventoryCursor(ctx context.Context, accountID string, inst model.Instrument) (time.Time, bool, error) {
	var cursor *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(datetime) FROM inventory WHERE account_id = $1 AND instrument = $2`,
		accountID, int(inst)).Scan(&cursor)
	if err != nil {
		return time.Time{}, false, err
	}
	if cursor == nil {
		return time.Time{}, false, nil
	}
	return *cursor, true, nil
}

// AppendInventory inserts the batch in one transaction.
func (s *PostgresStore) AppendInventory(ctx context.Context, entries []model.InventoryEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, e := range entries {
		_, err := tx.Exec(ctx,
			`INSERT INTO inventory (id, account_id, exchange, currency, trade_id, instrument,
			                        stock, total_cost, average_cost, realized_pnl, unrealized_pnl,
			                        clamped, datetime)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
			         $10::NUMERIC, $11::NUMERIC, $12, $13)`,
			e.ID, e.AccountID, e.Exchange, e.Currency, e.TradeID, int(e.Instrument),
			e.Stock.String(), e.TotalCost.String(), e.AverageCost.String(),
			nullable(e.RealizedPnL), nullable(e.UnrealizedPnL),
			e.Clamped, e.Datetime,
		)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("trade %s (%s): %w", e.TradeID, e.Instrument, ErrDuplicateEntry)
		}
		if err != nil {
			return fmt.Errorf("insert inventory entry for trade %s: %w", e.TradeID, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListInventory(ctx context.Context, accountID string, inst model.Instrument) ([]model.InventoryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT`+inventoryColumns+`
		 FROM inventory WHERE account_id = $1 AND instrument = $2
		 ORDER BY datetime, seq`, accountID, int(inst))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanInventoryEntries(rows)
}

// scanInventoryEntries reads pgx rows into InventoryEntry slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanInventoryEntries(rows pgxRows) ([]model.InventoryEntry, error) {
	var entries []model.InventoryEntry
	for rows.Next() {
		var e model.InventoryEntry
		var inst int
		var stock, total, avg string
		var realized, unrealized *string

		if err := rows.Scan(&e.ID, &e.AccountID, &e.Exchange, &e.Currency, &e.TradeID, &inst,
			&stock, &total, &avg, &realized, &unrealized, &e.Clamped, &e.Datetime); err != nil {
			return nil, err
		}

		e.Instrument = model.Instrument(inst)
		e.Stock, e.TotalCost, e.AverageCost = num(stock), num(total), num(avg)
		e.RealizedPnL = nullNum(realized)
		e.UnrealizedPnL = nullNum(unrealized)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func num(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func nullNum(s *string) decimal.NullDecimal {
	if s == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: num(*s), Valid: true}
}

func nullable(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}
