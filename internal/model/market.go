package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Market is the exchange metadata of one tradable instrument.
type Market struct {
	ID           string          `json:"id" db:"id"`
	Exchange     string          `json:"exchange" db:"exchange"`
	Symbol       string          `json:"symbol" db:"symbol"`
	Wallet       Wallet          `json:"wallet" db:"wallet"`
	Base         string          `json:"base" db:"base"`
	Quote        string          `json:"quote" db:"quote"`
	Type         MarketType      `json:"type" db:"type"`
	ContractSize decimal.Decimal `json:"contract_size" db:"contract_size"`
	Precision    Precision       `json:"precision"`
	Limits       Limits          `json:"limits"`
	Ticker       Ticker          `json:"ticker"`
}

// Precision is expressed in decimal places or tick size depending on the
// exchange counting mode.
type Precision struct {
	Amount decimal.Decimal `json:"amount"`
	Price  decimal.Decimal `json:"price"`
}

// Limits are optional bounds; a zero value means unbounded.
type Limits struct {
	AmountMin decimal.Decimal `json:"amount_min"`
	AmountMax decimal.Decimal `json:"amount_max"`
	CostMin   decimal.Decimal `json:"cost_min"`
	CostMax   decimal.Decimal `json:"cost_max"`
}

// Ticker is the latest known price information of a market.
type Ticker struct {
	Last      decimal.Decimal `json:"last"`
	Open      decimal.Decimal `json:"open"`
	Timestamp time.Time       `json:"timestamp"`
}
