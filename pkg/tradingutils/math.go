// Package tradingutils provides pure decimal helpers shared by the Position
// Calculator and the Exposure Rebalancer.
package tradingutils

import (
	"github.com/shopspring/decimal"
)

// RoundPrice rounds a price to the specified decimals.
func RoundPrice(price decimal.Decimal, priceDecimals int32) decimal.Decimal {
	return price.Round(priceDecimals)
}

// RoundQuantity rounds a quantity to the specified decimals.
func RoundQuantity(qty decimal.Decimal, qtyDecimals int32) decimal.Decimal {
	return qty.Round(qtyDecimals)
}

// TruncateQuantity truncates a quantity toward zero at the specified
// decimals, per spec.md §4.3's "truncation toward zero after scaling, then
// rounding to nearest" post-processing rule.
func TruncateQuantity(qty decimal.Decimal, qtyDecimals int32) decimal.Decimal {
	return qty.Truncate(qtyDecimals)
}

// SnapToTick snaps a price to the nearest multiple of tick, rendered with
// exactly decimals(tick) digits: round(price/tick) * tick.
func SnapToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	multiples := price.Div(tick).Round(0)
	snapped := multiples.Mul(tick)
	return snapped.Round(tickDecimals(tick))
}

func tickDecimals(tick decimal.Decimal) int32 {
	return int32(-tick.Exponent())
}

// ApplyProfitTarget computes entry * (1 +/- p) for the Rebalancer's
// reduce-only take-profit limit: buy-side targets discount the entry,
// sell-side targets mark it up.
func ApplyProfitTarget(entry, profitTarget decimal.Decimal, closingLong bool) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if closingLong {
		return entry.Mul(one.Add(profitTarget))
	}
	return entry.Mul(one.Sub(profitTarget))
}
