// Package model defines the core domain types shared across the accountant.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Wallet identifies a collateral pool on an exchange. Single-wallet
// exchanges report every row under WalletNone.
type Wallet string

const (
	WalletNone   Wallet = ""
	WalletSpot   Wallet = "spot"
	WalletFuture Wallet = "future"
)

// Kind is the instrument family of a holding or market.
type Kind string

const (
	KindAsset     Kind = "asset"     // spot balance
	KindPerpetual Kind = "perpetual" // open derivative position
	KindOrder     Kind = "order"     // pending order (exposure rows only)
)

// MarketType is the type of a tradable market.
type MarketType string

const (
	MarketSpot      MarketType = "spot"
	MarketPerpetual MarketType = "perpetual"
)

// MarketTypeFor maps a holding kind to the market it trades on.
func MarketTypeFor(k Kind) MarketType {
	if k == KindAsset {
		return MarketSpot
	}
	return MarketPerpetual
}

// Side is the direction of an order or trade.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// PositionSide is the direction of an open derivative position.
type PositionSide string

const (
	Long  PositionSide = "long"
	Short PositionSide = "short"
)

// OrderStatus is the lifecycle state of a locally tracked order.
type OrderStatus string

const (
	// OrderPreparation orders exist locally but were not sent yet.
	OrderPreparation OrderStatus = "preparation"
	OrderOpen        OrderStatus = "open"
	OrderClosed      OrderStatus = "closed"
	OrderCanceled    OrderStatus = "canceled"
)

// TradingMode selects which legs the rebalancing engine may use.
type TradingMode int

const (
	ModeHybrid TradingMode = 0
	ModeFuture TradingMode = 1
)

// PriceSource selects which ticker field prices the strategy base.
type PriceSource int

const (
	PriceLast PriceSource = 0
	PriceOpen PriceSource = 1
)

// Exchange holds the per-exchange settings the core needs.
type Exchange struct {
	ID                 string       `json:"id"`
	Wallets            []Wallet     `json:"wallets"` // empty → single-wallet topology
	RoundingSpot       RoundingMode `json:"rounding_spot"`
	RoundingFuture     RoundingMode `json:"rounding_future"`
	Padding            PaddingMode  `json:"padding"`
	PrecisionMode      CountingMode `json:"precision_mode"`
	SupportsReduceOnly bool         `json:"supports_reduce_only"`
}

// MultiWallet reports whether spot and futures are separate margin pools.
func (e Exchange) MultiWallet() bool {
	return len(e.Wallets) > 0
}

// RoundingFor returns the rounding mode configured for a market type.
func (e Exchange) RoundingFor(t MarketType) RoundingMode {
	if t == MarketSpot {
		return e.RoundingSpot
	}
	return e.RoundingFuture
}

// RoundingMode mirrors ccxt's ROUND / TRUNCATE.
type RoundingMode int

const (
	Round    RoundingMode = 0
	Truncate RoundingMode = 1
)

// CountingMode mirrors ccxt's DECIMAL_PLACES / TICK_SIZE.
type CountingMode int

const (
	DecimalPlaces CountingMode = 2
	TickSize      CountingMode = 4
)

// PaddingMode mirrors ccxt's NO_PADDING / PAD_WITH_ZERO.
type PaddingMode int

const (
	NoPadding   PaddingMode = 5
	PadWithZero PaddingMode = 6
)

// Account is a trading account and the strategy settings driving it.
type Account struct {
	ID              string          `json:"id" db:"id"`
	Name            string          `json:"name" db:"name"`
	Exchange        Exchange        `json:"exchange"`
	Quote           string          `json:"quote" db:"quote"`
	Base            string          `json:"base" db:"base"`     // strategy base currency
	Weight          decimal.Decimal `json:"weight" db:"weight"` // strategy target weight
	Leverage        decimal.Decimal `json:"leverage" db:"leverage"`
	CollateralRatio decimal.Decimal `json:"collateral_ratio" db:"collateral_ratio"`
	TradingMode     TradingMode     `json:"trading_mode" db:"trading_mode"`
	PriceSource     PriceSource     `json:"price_source" db:"price_source"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// ErrInvalidAccount is returned by Account.Validate.
var ErrInvalidAccount = errors.New("model: invalid account settings")

var (
	minLeverage = decimal.NewFromInt(1)
	maxLeverage = decimal.NewFromInt(2)
	minRatio    = decimal.NewFromInt(1)
	maxRatio    = decimal.NewFromInt(20)
)

// Validate checks the strategy settings are within the supported ranges:
// leverage in [1, 2] and collateral ratio in [1, 20].
func (a Account) Validate() error {
	switch {
	case a.Quote == "" || a.Base == "":
		return fmt.Errorf("%w: %s: base and quote are required", ErrInvalidAccount, a.Name)
	case a.Leverage.LessThan(minLeverage) || a.Leverage.GreaterThan(maxLeverage):
		return fmt.Errorf("%w: %s: leverage %s outside [1, 2]", ErrInvalidAccount, a.Name, a.Leverage)
	case a.CollateralRatio.LessThan(minRatio) || a.CollateralRatio.GreaterThan(maxRatio):
		return fmt.Errorf("%w: %s: collateral ratio %s outside [1, 20]", ErrInvalidAccount, a.Name, a.CollateralRatio)
	}
	return nil
}

// Asset is a spot balance row.
type Asset struct {
	Wallet Wallet          `json:"wallet"`
	Code   string          `json:"code"`
	Free   decimal.Decimal `json:"free"`
	Used   decimal.Decimal `json:"used"`
	Total  decimal.Decimal `json:"total"`
}

// Position is an open derivative position. Contracts and Notional are
// reported unsigned; Side carries the direction.
type Position struct {
	Wallet    Wallet          `json:"wallet"`
	Code      string          `json:"code"` // base currency of the market
	Side      PositionSide    `json:"side"`
	Contracts decimal.Decimal `json:"contracts"`
	Notional  decimal.Decimal `json:"notional"`
}

// Order is a locally tracked order.
type Order struct {
	ID        string          `json:"id"`
	ClientID  string          `json:"client_id"`
	Wallet    Wallet          `json:"wallet"`
	Code      string          `json:"code"` // base currency of the market
	Market    MarketType      `json:"market"`
	Side      Side            `json:"side"`
	Status    OrderStatus     `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	Remaining decimal.Decimal `json:"remaining"`
	Price     decimal.Decimal `json:"price"`
}

// Snapshot is the read-only view of an account's current holdings.
type Snapshot struct {
	Account   Account    `json:"account"`
	Assets    []Asset    `json:"assets"`
	Positions []Position `json:"positions"`
	Orders    []Order    `json:"orders"`
}

// ExposureEntry is one aggregated (wallet, code, kind) row. Value follows
// the long/short sign convention: shorts and sells are negative.
type ExposureEntry struct {
	Wallet   Wallet          `json:"wallet"`
	Code     string          `json:"code"`
	Kind     Kind            `json:"kind"`
	Quantity decimal.Decimal `json:"quantity"`
	Value    decimal.Decimal `json:"value"`
}

// Action is a corrective move proposed by the rebalancing engine.
type Action string

const (
	BuySpot    Action = "buy_spot"
	SellSpot   Action = "sell_spot"
	OpenLong   Action = "open_long"
	OpenShort  Action = "open_short"
	CloseLong  Action = "close_long"
	CloseShort Action = "close_short"
	TransferIn Action = "transfer_in"
)

// Side returns the order side an action trades on.
func (a Action) Side() Side {
	switch a {
	case BuySpot, OpenLong, CloseShort:
		return Buy
	}
	return Sell
}

// Closing reports whether the action only reduces an open position.
func (a Action) Closing() bool {
	return a == CloseLong || a == CloseShort
}

// TradeAction is one proposed action. Delta is a signed base quantity
// (positive buys, negative sells); for TransferIn it is a positive cash
// amount in the quote currency.
type TradeAction struct {
	Wallet Wallet          `json:"wallet"`
	Code   string          `json:"code"`
	Kind   Kind            `json:"kind"`
	Action Action          `json:"action"`
	Delta  decimal.Decimal `json:"delta"`
}

// OrderSpec is an exchange-compliant order ready for placement.
type OrderSpec struct {
	Action     Action          `json:"action"`
	Market     Market          `json:"market"`
	Side       Side            `json:"side"`
	Amount     decimal.Decimal `json:"amount"`
	AmountText string          `json:"amount_text"` // amount rendered with the exchange padding mode
	Price      decimal.Decimal `json:"price"`
	OrderType  string          `json:"order_type"`
	Params     map[string]any  `json:"params"`
}

// Transfer moves cash between wallets before a derivatives order.
type Transfer struct {
	AccountID string          `json:"account_id"`
	Code      string          `json:"code"`
	From      Wallet          `json:"from"`
	To        Wallet          `json:"to"`
	Amount    decimal.Decimal `json:"amount"`
}

// Trade is a confirmed fill as recorded by the trade feed.
type Trade struct {
	ID        string          `json:"id" db:"id"`
	AccountID string          `json:"account_id" db:"account_id"`
	Exchange  string          `json:"exchange" db:"exchange"`
	Code      string          `json:"code" db:"code"` // base currency
	Market    MarketType      `json:"market" db:"market"`
	Side      Side            `json:"side" db:"side"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Cost      decimal.Decimal `json:"cost" db:"cost"`
	Datetime  time.Time       `json:"datetime" db:"datetime"`
}

// Instrument separates the two inventory ledgers.
type Instrument int

const (
	InstrumentAsset    Instrument = 0
	InstrumentContract Instrument = 1
)

func (i Instrument) String() string {
	if i == InstrumentContract {
		return "contract"
	}
	return "asset"
}

// MarketType returns the trade feed an instrument ledger consumes.
func (i Instrument) MarketType() MarketType {
	if i == InstrumentContract {
		return MarketPerpetual
	}
	return MarketSpot
}

// InventoryEntry is an immutable ledger row, one per folded trade.
// Once created, these are never modified or deleted.
type InventoryEntry struct {
	ID            string              `json:"id" db:"id"`
	AccountID     string              `json:"account_id" db:"account_id"`
	Exchange      string              `json:"exchange" db:"exchange"`
	Currency      string              `json:"currency" db:"currency"`
	TradeID       string              `json:"trade_id" db:"trade_id"`
	Instrument    Instrument          `json:"instrument" db:"instrument"`
	Stock         decimal.Decimal     `json:"stock" db:"stock"` // signed for contracts
	TotalCost     decimal.Decimal     `json:"total_cost" db:"total_cost"`
	AverageCost   decimal.Decimal     `json:"average_cost" db:"average_cost"`
	RealizedPnL   decimal.NullDecimal `json:"realized_pnl" db:"realized_pnl"`
	UnrealizedPnL decimal.NullDecimal `json:"unrealized_pnl" db:"unrealized_pnl"`
	Clamped       bool                `json:"clamped" db:"clamped"` // stock floored at zero
	Datetime      time.Time           `json:"datetime" db:"datetime"`
}
