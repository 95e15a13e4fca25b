package execution

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestTickSize(t *testing.T) {
	tests := []struct {
		price string
		want  string
	}{
		{"0.5", "0.01"},
		{"9.99", "0.01"},
		{"10", "0.1"},
		{"99.9", "0.1"},
		{"100", "1"},
		{"5000", "5"},
		{"50000", "10"},
		{"499999", "50"},
		{"500000", "100"},
		{"1500000", "500"},
		{"2000000", "1000"},
		{"90000000", "1000"},
	}
	for _, tt := range tests {
		t.Run(tt.price, func(t *testing.T) {
			assert.True(t, d(tt.want).Equal(TickSize(d(tt.price))), "got %s", TickSize(d(tt.price)))
		})
	}
}

func TestRoundToTick_RoundTrip(t *testing.T) {
	prices := []string{"0.0371", "1.239", "9.999", "10.05", "57.77", "123.45", "999.5",
		"4321.9", "12345.6", "45678.91", "123456", "654321", "1234567", "2500001", "87654321.5"}
	for _, ps := range prices {
		p := d(ps)
		for name, fn := range map[string]func(decimal.Decimal) decimal.Decimal{"floor": RoundToTick, "ceil": RoundUpToTick} {
			r := fn(p)
			tick := TickSize(p)
			assert.True(t, r.Mod(tick).IsZero(), "%s(%s)=%s not multiple of %s", name, ps, r, tick)
			assert.True(t, r.Sub(p).Abs().LessThan(tick), "%s(%s)=%s too far", name, ps, r)
		}
		assert.True(t, RoundToTick(p).LessThanOrEqual(p))
		assert.True(t, RoundUpToTick(p).GreaterThanOrEqual(p))
	}
}

func TestTakeProfitPrice(t *testing.T) {
	tests := []struct {
		name  string
		entry string
		pct   float64
		want  string
	}{
		{"two tick floor dominates", "100", 0.01, "102"},
		{"pct dominates", "100", 0.05, "105"},
		{"rounded up to tick", "1234", 0.01, "1250"},
		{"low price", "5.00", 0.001, "5.02"},
		{"tiny pct", "50000", 0.0001, "50020"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TakeProfitPrice(d(tt.entry), tt.pct)
			assert.True(t, d(tt.want).Equal(got), "got %s", got)
		})
	}
}
