package utils

import (
	"bytes"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotTrader/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func sampleOrders() []*domain.OrderLogEntry {
	ts := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	return []*domain.OrderLogEntry{
		{ID: 1, Timestamp: ts, OrderID: "a", Symbol: "BTCUSDT", Side: domain.Buy, Quantity: d("1"), Price: d("100"),
			Type: domain.OrderTypeMarket, State: domain.OrderStateFilled, Fee: d("0.1"), StrategyTag: "momentum"},
		{ID: 2, Timestamp: ts.Add(time.Minute), OrderID: "b", Symbol: "BTCUSDT", Side: domain.Sell, Quantity: d("1"),
			Price: d("102"), Type: domain.OrderTypeLimit, State: domain.OrderStateFilled, ExitReason: domain.ExitReasonTakeProfit,
			Fee: d("0.1"), RealizedPnL: d("1.8"), StrategyTag: "momentum"},
		{ID: 3, Timestamp: ts.Add(2 * time.Minute), OrderID: "c", Symbol: "ETHUSDT", Side: domain.Sell, Quantity: d("1"),
			Price: d("95"), Type: domain.OrderTypeMarket, State: domain.OrderStateFilled, ExitReason: domain.ExitReasonTrailingStop,
			SlippagePct: 0.2, Fee: d("0.1"), RealizedPnL: d("-3"), StrategyTag: "momentum"},
		{ID: 4, Timestamp: ts.Add(3 * time.Minute), OrderID: "d", Symbol: "SOLUSDT", Side: domain.Sell, Quantity: d("2"),
			Price: d("10"), Type: domain.OrderTypeMarket, State: domain.OrderStateFilled, ExitReason: domain.ExitReasonTakeProfit,
			Fee: d("0"), RealizedPnL: d("0.5"), StrategyTag: "imported"},
	}
}

func TestCalculateTradeStats(t *testing.T) {
	stats := CalculateTradeStats(sampleOrders())

	assert.Equal(t, 3, stats.TotalTrades)
	assert.Equal(t, 2, stats.WinningTrades)
	assert.Equal(t, 1, stats.LosingTrades)
	assert.InDelta(t, 2.0/3.0, stats.WinRate, 1e-9)
	assert.True(t, stats.TotalPnL.Equal(d("-0.7")), stats.TotalPnL.String())
	assert.True(t, stats.AvgWin.Equal(d("1.15")), stats.AvgWin.String())
	assert.True(t, stats.AvgLoss.Equal(d("-3")))
	assert.True(t, stats.TotalFees.Equal(d("0.3")))
	assert.True(t, stats.MaxDrawdown.Equal(d("3")), stats.MaxDrawdown.String())
	assert.InDelta(t, 0.2/3, stats.AvgSlippagePct, 1e-9)
}

func TestCalculateTradeStats_NoExits(t *testing.T) {
	stats := CalculateTradeStats(sampleOrders()[:1])
	assert.Zero(t, stats.TotalTrades)
	assert.Zero(t, stats.WinRate)
	assert.True(t, stats.TotalFees.Equal(d("0.1")))
}

func TestStatsByExitReason(t *testing.T) {
	got := StatsByExitReason(sampleOrders())
	require.Len(t, got, 2)
	assert.Equal(t, domain.ExitReasonTakeProfit, got[0].Reason)
	assert.Equal(t, 2, got[0].Count)
	assert.True(t, got[0].TotalPnL.Equal(d("2.3")))
	assert.Equal(t, domain.ExitReasonTrailingStop, got[1].Reason)
}

func TestOrdersCSV(t *testing.T) {
	var buf bytes.Buffer
	orders := sampleOrders()
	require.NoError(t, WriteOrders(&buf, orders))

	back, err := ReadOrders(&buf)
	require.NoError(t, err)
	require.Len(t, back, len(orders))
	assert.Equal(t, orders[2].ExitReason, back[2].ExitReason)
	assert.True(t, back[2].RealizedPnL.Equal(d("-3")))
	assert.True(t, back[0].Timestamp.Equal(orders[0].Timestamp))

	_, err = ReadOrders(bytes.NewBufferString("id\n1\n"))
	assert.Error(t, err)
}
