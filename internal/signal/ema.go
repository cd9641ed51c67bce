package signal

import (
	"skytrader/internal/core"

	"github.com/shopspring/decimal"
)

// EMA returns the exponential moving average of values with smoothing
// 2/(period+1), seeded with the first value. Entry i of the result belongs
// to values[period-1+i]; earlier points are warm-up and not returned.
func EMA(values []decimal.Decimal, period int) []decimal.Decimal {
	if period <= 0 || len(values) < period {
		return nil
	}
	alpha := decimal.NewFromInt(2).Div(decimal.NewFromInt(int64(period + 1)))
	keep := decimal.NewFromInt(1).Sub(alpha)

	out := make([]decimal.Decimal, 0, len(values)-period+1)
	ema := values[0]
	for i, v := range values {
		if i > 0 {
			ema = v.Mul(alpha).Add(ema.Mul(keep))
		}
		if i >= period-1 {
			out = append(out, ema)
		}
	}
	return out
}

// Crossover reports a fast/slow EMA cross on the last two points: fast
// moving from below to above slow is Long, the reverse is Short.
func Crossover(closes []decimal.Decimal, fast, slow int) (core.Direction, bool) {
	f := EMA(closes, fast)
	s := EMA(closes, slow)
	if len(f) < 2 || len(s) < 2 {
		return "", false
	}
	prevFast, curFast := f[len(f)-2], f[len(f)-1]
	prevSlow, curSlow := s[len(s)-2], s[len(s)-1]

	switch {
	case prevFast.LessThan(prevSlow) && curFast.GreaterThan(curSlow):
		return core.Long, true
	case prevFast.GreaterThan(prevSlow) && curFast.LessThan(curSlow):
		return core.Short, true
	}
	return "", false
}

// Trend compares the latest fast and slow EMA
func Trend(closes []decimal.Decimal, fast, slow int) (core.Direction, bool) {
	f := EMA(closes, fast)
	s := EMA(closes, slow)
	if len(f) == 0 || len(s) == 0 {
		return "", false
	}
	switch c := f[len(f)-1].Cmp(s[len(s)-1]); {
	case c > 0:
		return core.Long, true
	case c < 0:
		return core.Short, true
	}
	return "", false
}
