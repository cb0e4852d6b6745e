package market

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/accountant/internal/model"
)

// ToPrecision formats x the way ccxt's decimal_to_precision does. In
// DecimalPlaces mode precision is a number of digits, in TickSize mode it
// is the step the result must be a multiple of. The returned string applies
// the padding mode; the decimal never carries padding.
func ToPrecision(x, precision decimal.Decimal, rounding model.RoundingMode, counting model.CountingMode, padding model.PaddingMode) (decimal.Decimal, string) {
	var out decimal.Decimal
	var places int32

	switch counting {
	case model.TickSize:
		if !precision.IsPositive() {
			return x, x.String()
		}
		steps := x.Div(precision)
		if rounding == model.Truncate {
			steps = steps.Truncate(0)
		} else {
			steps = steps.Round(0)
		}
		out = steps.Mul(precision)
		places = -precision.Exponent()
		if places < 0 {
			places = 0
		}
	default:
		places = int32(precision.IntPart())
		if rounding == model.Truncate {
			out = x.Truncate(places)
		} else {
			out = x.Round(places)
		}
	}

	if padding == model.PadWithZero {
		return out, out.StringFixed(places)
	}
	return out, out.String()
}

// AmountWithinLimits reports whether amount satisfies the market's amount
// bounds. Unset bounds are ignored.
func AmountWithinLimits(m *model.Market, amount decimal.Decimal) bool {
	if !m.Limits.AmountMin.IsZero() && amount.LessThan(m.Limits.AmountMin) {
		return false
	}
	if !m.Limits.AmountMax.IsZero() && amount.GreaterThan(m.Limits.AmountMax) {
		return false
	}
	return true
}

// CostWithinLimits reports whether the notional satisfies the market's
// cost bounds. Unset bounds are ignored.
func CostWithinLimits(m *model.Market, cost decimal.Decimal) bool {
	if !m.Limits.CostMin.IsZero() && cost.LessThan(m.Limits.CostMin) {
		return false
	}
	if !m.Limits.CostMax.IsZero() && cost.GreaterThan(m.Limits.CostMax) {
		return false
	}
	return true
}
