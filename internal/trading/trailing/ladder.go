// Package trailing moves protective orders of an open position as its gain grows
package trailing

import (
	"skytrader/internal/core"
	"skytrader/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// step maps a gain threshold to a protective percent
type step struct {
	gain    decimal.Decimal
	percent decimal.Decimal
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var (
	stopLossLadder = []step{
		{dec("0.005"), dec("0.002")},
		{dec("0.006"), dec("0.003")},
		{dec("0.010"), dec("0.005")},
		{dec("0.012"), dec("0.006")},
		{dec("0.015"), dec("0.010")},
	}
	takeProfitLadder = []step{
		{dec("0.012"), dec("0.02")},
		{dec("0.018"), dec("0.025")},
	}

	// Beyond the last rung both ladders add one increment per increment of gain
	extrapolationStep = dec("0.005")
)

// Gain is the unrealized gain of a position as a fraction of entry, positive
// when the mark moved in the position's favor.
func Gain(entry, mark decimal.Decimal, dir core.Direction) decimal.Decimal {
	return tradingutils.GainFraction(entry, mark, dir == core.Long)
}

// StopLossPercent returns the locked-in profit percent for gain, or false
// when gain is below the first rung.
func StopLossPercent(gain decimal.Decimal) (decimal.Decimal, bool) {
	pct, ok := lookup(stopLossLadder, gain)
	if !ok {
		return decimal.Zero, false
	}
	last := stopLossLadder[len(stopLossLadder)-1]
	if gain.GreaterThanOrEqual(last.gain) {
		pct = extrapolate(last, gain)
	}
	return pct, true
}

// TakeProfitPercent returns the take-profit extension for gain. Below the
// first rung the configured default applies.
func TakeProfitPercent(gain, defaultPct decimal.Decimal) decimal.Decimal {
	pct, ok := lookup(takeProfitLadder, gain)
	if !ok {
		pct = defaultPct
	}
	last := takeProfitLadder[len(takeProfitLadder)-1]
	if gain.GreaterThan(last.gain) {
		pct = extrapolate(last, gain)
	}
	return pct
}

// StopLossPrice places the stop pct beyond entry on the profitable side
func StopLossPrice(entry decimal.Decimal, dir core.Direction, pct, tick decimal.Decimal) decimal.Decimal {
	return offset(entry, dir, pct, tick)
}

// TakeProfitPrice places the target pct beyond entry on the profitable side
func TakeProfitPrice(entry decimal.Decimal, dir core.Direction, pct, tick decimal.Decimal) decimal.Decimal {
	return offset(entry, dir, pct, tick)
}

// InitialStopPrice is the protective stop pct against the position
func InitialStopPrice(entry decimal.Decimal, dir core.Direction, pct, tick decimal.Decimal) decimal.Decimal {
	return offset(entry, dir.Opposite(), pct, tick)
}

// CandidateStop computes the trailing stop for the current mark. It reports
// false below the first rung or when the level sits within minDistancePct of
// entry from the mark, where it would trigger at once.
func CandidateStop(entry, mark decimal.Decimal, dir core.Direction, minDistancePct, tick decimal.Decimal) (decimal.Decimal, bool) {
	pct, ok := StopLossPercent(Gain(entry, mark, dir))
	if !ok {
		return decimal.Zero, false
	}
	stop := StopLossPrice(entry, dir, pct, tick)
	if mark.Sub(stop).Abs().LessThan(entry.Mul(minDistancePct)) {
		return decimal.Zero, false
	}
	return stop, true
}

// IsBetterStop reports whether candidate tightens current in the position's
// favor. A zero current means no stop rests yet.
func IsBetterStop(dir core.Direction, candidate, current decimal.Decimal) bool {
	if current.IsZero() {
		return true
	}
	if dir == core.Long {
		return candidate.GreaterThan(current)
	}
	return candidate.LessThan(current)
}

// Milestones returns every whole-percent gain level above watermark that
// gain has reached, lowest first.
func Milestones(gain decimal.Decimal, watermark int64) []int64 {
	level := gain.Mul(decimal.NewFromInt(100)).Floor().IntPart()
	var levels []int64
	for l := watermark + 1; l <= level; l++ {
		if l > 0 {
			levels = append(levels, l)
		}
	}
	return levels
}

func lookup(ladder []step, gain decimal.Decimal) (decimal.Decimal, bool) {
	var pct decimal.Decimal
	found := false
	for _, s := range ladder {
		if gain.GreaterThanOrEqual(s.gain) {
			pct = s.percent
			found = true
		}
	}
	return pct, found
}

func extrapolate(last step, gain decimal.Decimal) decimal.Decimal {
	steps := gain.Sub(last.gain).Div(extrapolationStep).Floor()
	return last.percent.Add(steps.Mul(extrapolationStep))
}

func offset(entry decimal.Decimal, dir core.Direction, pct, tick decimal.Decimal) decimal.Decimal {
	factor := decimal.NewFromInt(1).Add(pct)
	if dir == core.Short {
		factor = decimal.NewFromInt(1).Sub(pct)
	}
	return tradingutils.RoundToTick(entry.Mul(factor), tick)
}
