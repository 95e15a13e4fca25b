package utils

import (
	"sort"

	"github.com/shopspring/decimal"

	"spotTrader/internal/domain"
)

// TradeStats holds statistics about the exits in a set of order log rows.
type TradeStats struct {
	TotalTrades    int
	WinningTrades  int
	LosingTrades   int
	WinRate        float64
	AvgWin         decimal.Decimal
	AvgLoss        decimal.Decimal
	TotalPnL       decimal.Decimal
	TotalFees      decimal.Decimal
	MaxDrawdown    decimal.Decimal // largest decline of cumulative realized PnL from its peak
	AvgSlippagePct float64
}

// ReasonStats aggregates exits sharing one exit reason.
type ReasonStats struct {
	Reason   domain.ExitReason
	Count    int
	TotalPnL decimal.Decimal
}

// CalculateTradeStats summarizes sell rows in order; buys only add their fees.
func CalculateTradeStats(entries []*domain.OrderLogEntry) TradeStats {
	var stats TradeStats
	var winning, losing, cum, peak decimal.Decimal
	var slippage float64

	for _, e := range entries {
		stats.TotalFees = stats.TotalFees.Add(e.Fee)
		if e.Side != domain.Sell {
			continue
		}
		stats.TotalTrades++
		stats.TotalPnL = stats.TotalPnL.Add(e.RealizedPnL)
		slippage += e.SlippagePct

		cum = cum.Add(e.RealizedPnL)
		peak = decimal.Max(peak, cum)
		stats.MaxDrawdown = decimal.Max(stats.MaxDrawdown, peak.Sub(cum))

		if e.RealizedPnL.IsPositive() {
			stats.WinningTrades++
			winning = winning.Add(e.RealizedPnL)
		} else {
			stats.LosingTrades++
			losing = losing.Add(e.RealizedPnL)
		}
	}
	if stats.TotalTrades == 0 {
		return stats
	}
	if stats.WinningTrades > 0 {
		stats.AvgWin = winning.Div(decimal.NewFromInt(int64(stats.WinningTrades)))
	}
	if stats.LosingTrades > 0 {
		stats.AvgLoss = losing.Div(decimal.NewFromInt(int64(stats.LosingTrades)))
	}
	stats.WinRate = float64(stats.WinningTrades) / float64(stats.TotalTrades)
	stats.AvgSlippagePct = slippage / float64(stats.TotalTrades)
	return stats
}

// StatsByExitReason groups sell rows by exit reason, sorted by reason.
func StatsByExitReason(entries []*domain.OrderLogEntry) []ReasonStats {
	byReason := make(map[domain.ExitReason]*ReasonStats)
	for _, e := range entries {
		if e.Side != domain.Sell {
			continue
		}
		rs, ok := byReason[e.ExitReason]
		if !ok {
			rs = &ReasonStats{Reason: e.ExitReason}
			byReason[e.ExitReason] = rs
		}
		rs.Count++
		rs.TotalPnL = rs.TotalPnL.Add(e.RealizedPnL)
	}
	out := make([]ReasonStats, 0, len(byReason))
	for _, rs := range byReason {
		out = append(out, *rs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Reason < out[j].Reason })
	return out
}
