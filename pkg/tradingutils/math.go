package tradingutils

import (
	"github.com/shopspring/decimal"
)

// RoundPrice rounds a price to the specified decimals
func RoundPrice(price decimal.Decimal, priceDecimals int) decimal.Decimal {
	return price.Round(int32(priceDecimals))
}

// RoundToTick rounds a price to the nearest multiple of tick. A zero tick
// leaves the price unchanged.
func RoundToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return price
	}
	return price.Div(tick).Round(0).Mul(tick)
}

// FloorToStep floors a quantity to a multiple of step
func FloorToStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

// CeilToStep raises a quantity to the next multiple of step
func CeilToStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return qty
	}
	return qty.Div(step).Ceil().Mul(step)
}

// SizeOrder converts a margin amount into an order quantity:
// margin * leverage / price floored to step, raised to minQty, then raised
// until the notional reaches minNotional.
func SizeOrder(margin decimal.Decimal, leverage int, price, minQty, step, minNotional decimal.Decimal) decimal.Decimal {
	if price.Sign() <= 0 {
		return decimal.Zero
	}
	qty := FloorToStep(margin.Mul(decimal.NewFromInt(int64(leverage))).Div(price), step)
	if qty.LessThan(minQty) {
		qty = CeilToStep(minQty, step)
	}
	if minNotional.Sign() > 0 && qty.Mul(price).LessThan(minNotional) {
		qty = CeilToStep(minNotional.Div(price), step)
	}
	return qty
}

// GainFraction is the signed unrealized gain of a position relative to entry:
// (mark - entry) / entry for longs, (entry - mark) / entry for shorts.
func GainFraction(entry, mark decimal.Decimal, long bool) decimal.Decimal {
	if entry.IsZero() {
		return decimal.Zero
	}
	diff := mark.Sub(entry)
	if !long {
		diff = diff.Neg()
	}
	return diff.Div(entry)
}
