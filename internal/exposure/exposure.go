// Package exposure builds the unified view of an account's holdings: spot
// assets, open derivative positions and pending orders, each expressed as a
// signed quantity and a signed notional value.
package exposure

import (
	"context"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/accountant/internal/model"
)

// Pricer prices one unit of code in the quote currency.
type Pricer interface {
	Last(ctx context.Context, exchange, code, quote string, t model.MarketType) (decimal.Decimal, error)
}

// Aggregator values a snapshot and groups it into exposure rows.
type Aggregator struct {
	pricer Pricer
}

// NewAggregator creates an aggregator backed by the given pricer.
func NewAggregator(p Pricer) *Aggregator {
	return &Aggregator{pricer: p}
}

// assetRow is a valued spot balance, kept to answer wallet/value queries.
type assetRow struct {
	wallet model.Wallet
	code   string
	free   decimal.Decimal
	value  decimal.Decimal
}

// Book is the aggregated view of one account for one pass. It is never
// persisted and never shared between passes.
type Book struct {
	quote     string
	entries   []model.ExposureEntry
	assets    []assetRow
	positions []model.ExposureEntry
	orders    []model.Order
}

// Aggregate values every row of the snapshot and groups it by
// (wallet, code, kind). A missing market aborts the aggregation.
func (a *Aggregator) Aggregate(ctx context.Context, snap *model.Snapshot, log *slog.Logger) (*Book, error) {
	acct := snap.Account
	exchange := acct.Exchange.ID
	multi := acct.Exchange.MultiWallet()

	b := &Book{quote: acct.Quote}
	var rows []model.ExposureEntry

	for _, as := range snap.Assets {
		wallet := as.Wallet
		if !multi {
			wallet = model.WalletNone
		}
		price, err := a.pricer.Last(ctx, exchange, as.Code, acct.Quote, model.MarketSpot)
		if err != nil {
			return nil, err
		}
		row := assetRow{
			wallet: wallet,
			code:   as.Code,
			free:   as.Free,
			value:  as.Total.Mul(price),
		}
		b.assets = append(b.assets, row)
		log.Info("asset", "wallet", string(wallet), "code", as.Code, "value", row.value.Round(1).String())

		rows = append(rows, model.ExposureEntry{
			Wallet:   wallet,
			Code:     as.Code,
			Kind:     model.KindAsset,
			Quantity: as.Total,
			Value:    row.value,
		})
	}

	for _, p := range snap.Positions {
		wallet := model.WalletNone
		if multi {
			wallet = model.WalletFuture
		}
		qty, value := p.Contracts, p.Notional
		if value.IsZero() && !qty.IsZero() {
			price, err := a.pricer.Last(ctx, exchange, p.Code, acct.Quote, model.MarketPerpetual)
			if err != nil {
				return nil, err
			}
			value = qty.Mul(price)
		}
		if p.Side == model.Short {
			qty, value = qty.Neg(), value.Neg()
		}
		e := model.ExposureEntry{Wallet: wallet, Code: p.Code, Kind: model.KindPerpetual, Quantity: qty, Value: value}
		b.positions = append(b.positions, e)
		rows = append(rows, e)
	}

	for _, o := range snap.Orders {
		var amount decimal.Decimal
		switch o.Status {
		case model.OrderPreparation:
			// Not sent yet, so the exchange has not reported a remaining amount.
			amount = o.Amount
		case model.OrderOpen:
			amount = o.Remaining
		default:
			continue
		}
		value := amount.Mul(o.Price)
		if o.Side == model.Sell {
			amount, value = amount.Neg(), value.Neg()
		}
		wallet := model.WalletNone
		if multi {
			wallet = o.Wallet
		}
		log.Info("found order", "client_id", o.ClientID, "side", string(o.Side),
			"amount", amount.Abs().String(), "code", o.Code, "status", string(o.Status))

		o.Wallet = wallet
		b.orders = append(b.orders, o)
		rows = append(rows, model.ExposureEntry{Wallet: wallet, Code: o.Code, Kind: model.KindOrder, Quantity: amount, Value: value})
	}

	b.entries = group(rows, acct.Quote)
	return b, nil
}

type groupKey struct {
	wallet model.Wallet
	code   string
	kind   model.Kind
}

// group drops the quote rows and sums the rest by (wallet, code, kind).
func group(rows []model.ExposureEntry, quote string) []model.ExposureEntry {
	idx := make(map[groupKey]int)
	var out []model.ExposureEntry
	for _, r := range rows {
		if r.Code == quote {
			continue
		}
		k := groupKey{r.Wallet, r.Code, r.Kind}
		i, ok := idx[k]
		if !ok {
			idx[k] = len(out)
			out = append(out, r)
			continue
		}
		out[i].Quantity = out[i].Quantity.Add(r.Quantity)
		out[i].Value = out[i].Value.Add(r.Value)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Wallet != out[j].Wallet {
			return out[i].Wallet < out[j].Wallet
		}
		if out[i].Code != out[j].Code {
			return out[i].Code < out[j].Code
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// Quote returns the cash currency excluded from the exposure rows.
func (b *Book) Quote() string {
	return b.quote
}

// Entries returns the grouped exposure rows. The quote currency never
// appears in it.
func (b *Book) Entries() []model.ExposureEntry {
	return b.entries
}

// TotalExposure sums the value of every row, or of the rows for code
// when code is not empty.
func (b *Book) TotalExposure(code string) decimal.Decimal {
	total := decimal.Zero
	for _, e := range b.entries {
		if code == "" || e.Code == code {
			total = total.Add(e.Value)
		}
	}
	return total
}

// AssetValue sums asset values. Empty wallet or code act as wildcards.
func (b *Book) AssetValue(wallet model.Wallet, code string) decimal.Decimal {
	total := decimal.Zero
	for _, a := range b.assets {
		if (wallet == "" || a.wallet == wallet) && (code == "" || a.code == code) {
			total = total.Add(a.value)
		}
	}
	return total
}

// FreeQuantity returns the free balance of code, restricted to wallet
// when it is not empty.
func (b *Book) FreeQuantity(wallet model.Wallet, code string) decimal.Decimal {
	total := decimal.Zero
	for _, a := range b.assets {
		if (wallet == "" || a.wallet == wallet) && a.code == code {
			total = total.Add(a.free)
		}
	}
	return total
}

// HasOrder reports whether a pending order exists on a market type.
func (b *Book) HasOrder(t model.MarketType) bool {
	for _, o := range b.orders {
		if o.Market == t {
			return true
		}
	}
	return false
}

// Position returns the signed quantity and value of the open position on
// code, or zeros when none is open.
func (b *Book) Position(code string) (qty, value decimal.Decimal) {
	qty, value = decimal.Zero, decimal.Zero
	for _, p := range b.positions {
		if p.Code == code {
			qty = qty.Add(p.Quantity)
			value = value.Add(p.Value)
		}
	}
	return qty, value
}

// HasLong reports whether a long position is open on code.
func (b *Book) HasLong(code string) bool {
	_, v := b.Position(code)
	return v.IsPositive()
}

// HasShort reports whether a short position is open on code.
func (b *Book) HasShort(code string) bool {
	_, v := b.Position(code)
	return v.IsNegative()
}
