package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"spotTrader/internal/domain"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.ObserveOrder(domain.Buy, domain.OrderTypeMarket, nil)
	m.ObserveOrder(domain.Buy, domain.OrderTypeMarket, errors.New("rejected"))
	m.ObserveEntry(domain.EntryResult{Status: domain.EntryRejected, Reason: domain.ReasonCapacity})
	m.ObserveExit(domain.ExitReasonTrailingStop, 0.2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.orders.WithLabelValues("BUY", "MARKET", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.orders.WithLabelValues("BUY", "MARKET", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.entries.WithLabelValues("rejected", "capacity")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exits.WithLabelValues("trailing_stop")))
}

func TestMetrics_RiskModeIndicator(t *testing.T) {
	m := New()
	m.SetRiskMode(domain.RiskModeHalted)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.riskMode.WithLabelValues("HALTED")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.riskMode.WithLabelValues("ACTIVE")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveOrder(domain.Sell, domain.OrderTypeLimit, nil)
		m.ObserveEntry(domain.EntryResult{})
		m.ObserveExit(domain.ExitReasonManual, 0)
		m.SetOpenPositions(3)
		m.SetEquity(1)
		m.SetRiskMode(domain.RiskModeActive)
	})
}
