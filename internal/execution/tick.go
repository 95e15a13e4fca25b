package execution

import "github.com/shopspring/decimal"

// tickBand maps an upper price bound (exclusive) to the tick size used below it.
type tickBand struct {
	below decimal.Decimal
	tick  decimal.Decimal
}

var (
	tickBands = []tickBand{
		{decimal.NewFromInt(10), decimal.RequireFromString("0.01")},
		{decimal.NewFromInt(100), decimal.RequireFromString("0.1")},
		{decimal.NewFromInt(1_000), decimal.NewFromInt(1)},
		{decimal.NewFromInt(10_000), decimal.NewFromInt(5)},
		{decimal.NewFromInt(100_000), decimal.NewFromInt(10)},
		{decimal.NewFromInt(500_000), decimal.NewFromInt(50)},
		{decimal.NewFromInt(1_000_000), decimal.NewFromInt(100)},
		{decimal.NewFromInt(2_000_000), decimal.NewFromInt(500)},
	}
	topTick = decimal.NewFromInt(1_000)
	two     = decimal.NewFromInt(2)
)

// TickSize returns the minimum price increment at price p.
func TickSize(p decimal.Decimal) decimal.Decimal {
	for _, b := range tickBands {
		if p.LessThan(b.below) {
			return b.tick
		}
	}
	return topTick
}

// RoundToTick floors p to a multiple of TickSize(p).
func RoundToTick(p decimal.Decimal) decimal.Decimal {
	t := TickSize(p)
	return p.Div(t).Floor().Mul(t)
}

// RoundUpToTick ceils p to a multiple of TickSize(p).
func RoundUpToTick(p decimal.Decimal) decimal.Decimal {
	t := TickSize(p)
	return p.Div(t).Ceil().Mul(t)
}

// TakeProfitPrice is entry*(1+pct) rounded up to a tick, but never closer than
// two ticks above entry so the resting order cannot cross immediately.
// pct is a fraction (0.01 == 1%).
func TakeProfitPrice(entry decimal.Decimal, pct float64) decimal.Decimal {
	target := RoundUpToTick(entry.Mul(decimal.NewFromFloat(1 + pct)))
	floor := RoundUpToTick(entry.Add(TickSize(entry).Mul(two)))
	return decimal.Max(target, floor)
}
