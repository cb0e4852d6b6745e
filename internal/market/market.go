// Package market resolves exchange markets for a base/quote pair and
// derives the prices and order precision the core needs from them.
package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/accountant/internal/model"
)

var (
	// ErrMarketNotFound is returned when neither the pair nor its reverse
	// is listed. It is fatal to the current pass.
	ErrMarketNotFound = errors.New("market: market not found")

	// ErrStalePrice is returned when the ticker is older than the allowed age.
	ErrStalePrice = errors.New("market: last price is not updated")

	// ErrNoPrice is returned when the ticker carries no usable price.
	ErrNoPrice = errors.New("market: price not available")
)

// LookupError describes a failed market lookup.
type LookupError struct {
	Exchange string
	Base     string
	Quote    string
	Type     model.MarketType
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("market %s/%s not found (%s on %s)", e.Base, e.Quote, e.Type, e.Exchange)
}

// Unwrap lets errors.Is match ErrMarketNotFound.
func (e *LookupError) Unwrap() error {
	return ErrMarketNotFound
}

// Catalog looks up a listed market. It returns an error wrapping
// ErrMarketNotFound when the exact pair is not listed.
type Catalog interface {
	LookupMarket(ctx context.Context, exchange, base, quote string, t model.MarketType) (*model.Market, error)
}

// Resolver implements the market snapshot provider on top of a Catalog.
type Resolver struct {
	catalog Catalog
	maxAge  time.Duration
	now     func() time.Time
}

// NewResolver creates a resolver. maxAge bounds the age of a LAST price;
// zero disables the check.
func NewResolver(catalog Catalog, maxAge time.Duration) *Resolver {
	return &Resolver{catalog: catalog, maxAge: maxAge, now: time.Now}
}

// Resolve returns the market for base/quote. When only the reverse pair is
// listed it is returned with flipped=true and the caller must invert any
// price it reads from it.
func (r *Resolver) Resolve(ctx context.Context, exchange, base, quote string, t model.MarketType) (*model.Market, bool, error) {
	m, err := r.catalog.LookupMarket(ctx, exchange, base, quote, t)
	if err == nil {
		return m, false, nil
	}
	if !errors.Is(err, ErrMarketNotFound) {
		return nil, false, err
	}

	m, err = r.catalog.LookupMarket(ctx, exchange, quote, base, t)
	if err == nil {
		return m, true, nil
	}
	if !errors.Is(err, ErrMarketNotFound) {
		return nil, false, err
	}
	return nil, false, &LookupError{Exchange: exchange, Base: base, Quote: quote, Type: t}
}

// Last returns the last traded price of code expressed in quote, honoring
// the flip signal. The quote itself is priced at one.
func (r *Resolver) Last(ctx context.Context, exchange, code, quote string, t model.MarketType) (decimal.Decimal, error) {
	if code == quote {
		return decimal.NewFromInt(1), nil
	}
	m, flipped, err := r.Resolve(ctx, exchange, code, quote, t)
	if err != nil {
		return decimal.Zero, err
	}
	return orient(m.Ticker.Last, flipped)
}

// BasePrice prices the account's strategy base according to its price
// source. LAST prices must be fresher than the resolver's maxAge.
func (r *Resolver) BasePrice(ctx context.Context, acct model.Account) (decimal.Decimal, error) {
	m, flipped, err := r.Resolve(ctx, acct.Exchange.ID, acct.Base, acct.Quote, model.MarketSpot)
	if err != nil {
		return decimal.Zero, err
	}

	switch acct.PriceSource {
	case model.PriceOpen:
		return orient(m.Ticker.Open, flipped)
	default:
		if r.maxAge > 0 && r.now().Sub(m.Ticker.Timestamp) > r.maxAge {
			return decimal.Zero, fmt.Errorf("%s: %w", m.Symbol, ErrStalePrice)
		}
		return orient(m.Ticker.Last, flipped)
	}
}

func orient(price decimal.Decimal, flipped bool) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Zero, ErrNoPrice
	}
	if flipped {
		return decimal.NewFromInt(1).Div(price), nil
	}
	return price, nil
}
