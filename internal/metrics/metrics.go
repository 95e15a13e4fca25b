// Package metrics exposes Prometheus metrics for the trading core:
//
//	spot_orders_total{side,type,result}  orders sent to the exchange
//	spot_entries_total{status,reason}    entry attempts by outcome
//	spot_exits_total{reason}             position exits by reason
//	spot_slippage_pct                    realized exit slippage
//	spot_open_positions                  active positions
//	spot_equity_quote                    account equity in the quote asset
//	spot_risk_mode{mode}                 1 for the current mode, 0 otherwise
//
// All methods are safe on a nil *Metrics so components can run without it.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"spotTrader/internal/domain"
)

// Metrics holds every collector on a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	orders   *prometheus.CounterVec
	entries  *prometheus.CounterVec
	exits    *prometheus.CounterVec
	slippage prometheus.Histogram
	openPos  prometheus.Gauge
	equity   prometheus.Gauge
	riskMode *prometheus.GaugeVec
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "spot_orders_total", Help: "Orders sent to the exchange"},
			[]string{"side", "type", "result"},
		),
		entries: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "spot_entries_total", Help: "Entry attempts by outcome"},
			[]string{"status", "reason"},
		),
		exits: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "spot_exits_total", Help: "Position exits by reason"},
			[]string{"reason"},
		),
		slippage: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "spot_slippage_pct",
			Help:    "Realized exit slippage in percent",
			Buckets: []float64{0.01, 0.05, 0.1, 0.15, 0.25, 0.5, 1, 2},
		}),
		openPos: prometheus.NewGauge(prometheus.GaugeOpts{Name: "spot_open_positions", Help: "Pending and open positions"}),
		equity:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "spot_equity_quote", Help: "Account equity in the quote asset"}),
		riskMode: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "spot_risk_mode", Help: "Risk mode indicator"},
			[]string{"mode"},
		),
	}
	m.registry.MustRegister(m.orders, m.entries, m.exits, m.slippage, m.openPos, m.equity, m.riskMode)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveOrder counts one exchange order call.
func (m *Metrics) ObserveOrder(side domain.OrderSide, typ domain.OrderType, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.orders.WithLabelValues(string(side), string(typ), result).Inc()
}

// ObserveEntry counts one entry attempt.
func (m *Metrics) ObserveEntry(res domain.EntryResult) {
	if m == nil {
		return
	}
	m.entries.WithLabelValues(string(res.Status), string(res.Reason)).Inc()
}

// ObserveExit counts a completed exit and its slippage.
func (m *Metrics) ObserveExit(reason domain.ExitReason, slippagePct float64) {
	if m == nil {
		return
	}
	m.exits.WithLabelValues(string(reason)).Inc()
	m.slippage.Observe(slippagePct)
}

// SetOpenPositions records the active position count.
func (m *Metrics) SetOpenPositions(n int) {
	if m == nil {
		return
	}
	m.openPos.Set(float64(n))
}

// SetEquity records account equity.
func (m *Metrics) SetEquity(v float64) {
	if m == nil {
		return
	}
	m.equity.Set(v)
}

// SetRiskMode flips the mode indicator series.
func (m *Metrics) SetRiskMode(mode domain.RiskMode) {
	if m == nil {
		return
	}
	for _, md := range []domain.RiskMode{domain.RiskModeActive, domain.RiskModePaused, domain.RiskModeHalted} {
		v := 0.0
		if md == mode {
			v = 1
		}
		m.riskMode.WithLabelValues(string(md)).Set(v)
	}
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
