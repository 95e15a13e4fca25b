package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotTrader/internal/adapters/paper"
	"spotTrader/internal/domain"
	"spotTrader/internal/ports"
)

// Mock implementations
type mockLogger struct {
	mu       sync.Mutex
	warnMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}

func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnMsgs = append(m.warnMsgs, msg)
}

func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockSignals struct {
	mu      sync.Mutex
	batches [][]domain.Signal
}

func (m *mockSignals) Drain(ctx context.Context) ([]domain.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.batches) == 0 {
		return nil, nil
	}
	b := m.batches[0]
	m.batches = m.batches[1:]
	return b, nil
}

type mockEntry struct {
	mu      sync.Mutex
	symbols []string
}

func (m *mockEntry) Entry(ctx context.Context, sig domain.Signal) domain.EntryResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symbols = append(m.symbols, sig.Symbol)
	return domain.EntryResult{Status: domain.EntryOpened}
}

type mockPositions struct {
	mu         sync.Mutex
	order      []string
	exits      []string
	exitErr    error
	refreshErr error
	positions  []*domain.Position
	reconciles atomic.Int32
}

func (m *mockPositions) record(s string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.order = append(m.order, s)
}

func (m *mockPositions) Snapshot() []*domain.Position { return m.positions }

func (m *mockPositions) RefreshPrices(ctx context.Context) error {
	m.record("refresh")
	return m.refreshErr
}

func (m *mockPositions) RunManagementCycle(ctx context.Context) error {
	m.record("cycle")
	return nil
}

func (m *mockPositions) ReconcileWithBroker(ctx context.Context) error {
	m.reconciles.Add(1)
	return nil
}

func (m *mockPositions) ExitSymbol(ctx context.Context, symbol string) (*ports.ClosedPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exits = append(m.exits, symbol)
	if m.exitErr != nil {
		return nil, m.exitErr
	}
	return &ports.ClosedPosition{Symbol: symbol, Quantity: decimal.NewFromInt(1)}, nil
}

type mockRisk struct{ evaluations atomic.Int32 }

func (m *mockRisk) Evaluate(ctx context.Context) error {
	m.evaluations.Add(1)
	return nil
}

type mockParams struct {
	changed bool
	err     error
}

func (m *mockParams) ReloadTrading() (bool, error) { return m.changed, m.err }

type alertRecorder struct {
	mu     sync.Mutex
	alerts []ports.Alert
}

func (a *alertRecorder) SendAlert(ctx context.Context, alert ports.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
}

type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }

type fixture struct {
	svc       *TradingService
	signals   *mockSignals
	entry     *mockEntry
	positions *mockPositions
	risk      *mockRisk
	params    *mockParams
	alerts    *alertRecorder
	logger    *mockLogger
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		signals:   &mockSignals{},
		entry:     &mockEntry{},
		positions: &mockPositions{},
		risk:      &mockRisk{},
		params:    &mockParams{},
		alerts:    &alertRecorder{},
		logger:    &mockLogger{},
	}
	cfg := Config{
		Signals:            f.signals,
		Entry:              f.entry,
		Positions:          f.positions,
		Risk:               f.risk,
		Params:             f.params,
		Alerts:             f.alerts,
		Logger:             f.logger,
		ManagementInterval: 5 * time.Millisecond,
		RiskInterval:       5 * time.Millisecond,
		ReconcileInterval:  5 * time.Millisecond,
		SignalPollInterval: 5 * time.Millisecond,
		IntakeConcurrency:  2,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	svc, err := NewTradingService(cfg)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func TestNewTradingService_Validation(t *testing.T) {
	_, err := NewTradingService(Config{})
	assert.Error(t, err)

	f := newFixture(t)
	cfg := f.svc.cfg
	cfg.RiskInterval = 0
	_, err = NewTradingService(cfg)
	assert.Error(t, err)
}

func TestIntakeOnce_RoutesSellsBeforeBuys(t *testing.T) {
	f := newFixture(t)
	f.signals.batches = [][]domain.Signal{{
		{Symbol: "BTCUSDT", Side: domain.Buy},
		{Symbol: "ETHUSDT", Side: domain.Sell},
		{Symbol: "SOLUSDT"},
	}}

	require.NoError(t, f.svc.intakeOnce(context.Background()))

	assert.Equal(t, []string{"ETHUSDT"}, f.positions.exits)
	assert.ElementsMatch(t, []string{"BTCUSDT", "SOLUSDT"}, f.entry.symbols, "an empty side is treated as a buy")
}

func TestIntakeOnce_FailedManualSellIsLogged(t *testing.T) {
	f := newFixture(t)
	f.positions.exitErr = ports.ErrNotFound
	f.signals.batches = [][]domain.Signal{{{Symbol: "ETHUSDT", Side: domain.Sell}}}

	require.NoError(t, f.svc.intakeOnce(context.Background()))
	assert.Len(t, f.logger.warnMsgs, 1)
	assert.Empty(t, f.entry.symbols)
}

func TestManageOnce(t *testing.T) {
	tests := []struct {
		name       string
		params     mockParams
		refreshErr error
		wantAlert  ports.Severity
		wantErr    bool
	}{
		{name: "unchanged parameters"},
		{name: "reloaded parameters", params: mockParams{changed: true}, wantAlert: ports.SeverityInfo},
		{name: "rejected parameters", params: mockParams{err: errors.New("bad toml")}, wantAlert: ports.SeverityWarning},
		{name: "refresh failure still runs the cycle", refreshErr: ports.ErrNetwork, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			*f.params = tt.params
			f.positions.refreshErr = tt.refreshErr

			err := f.svc.manageOnce(context.Background())

			if tt.wantErr {
				assert.ErrorIs(t, err, tt.refreshErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, []string{"refresh", "cycle"}, f.positions.order)
			if tt.wantAlert == "" {
				assert.Empty(t, f.alerts.alerts)
			} else {
				require.Len(t, f.alerts.alerts, 1)
				assert.Equal(t, tt.wantAlert, f.alerts.alerts[0].Severity)
				assert.Equal(t, ports.CategoryConfig, f.alerts.alerts[0].Category)
			}
		})
	}
}

func TestStart_RunsWorkersUntilCanceled(t *testing.T) {
	var runnerStopped atomic.Bool
	f := newFixture(t, func(c *Config) {
		c.Runners = []Runner{runnerFunc(func(ctx context.Context) error {
			<-ctx.Done()
			runnerStopped.Store(true)
			return nil
		})}
	})
	f.signals.batches = [][]domain.Signal{{{Symbol: "BTCUSDT", Side: domain.Buy}}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.Start(ctx) }()

	require.Eventually(t, func() bool {
		f.entry.mu.Lock()
		defer f.entry.mu.Unlock()
		return len(f.entry.symbols) == 1 && f.risk.evaluations.Load() > 0 && f.positions.reconciles.Load() > 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}
	assert.True(t, runnerStopped.Load())
}

func TestStart_RunnerFailureStopsService(t *testing.T) {
	boom := errors.New("listener failed")
	f := newFixture(t, func(c *Config) {
		c.Runners = []Runner{runnerFunc(func(ctx context.Context) error { return boom })}
	})

	err := f.svc.Start(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestMarketMirror_Sync(t *testing.T) {
	live := paper.New(paper.Config{QuoteAsset: "USDT"})
	live.SetBook("BTCUSDT", decimal.NewFromInt(99), decimal.NewFromInt(101))
	sim := paper.New(paper.Config{QuoteAsset: "USDT"})

	mirror := NewMarketMirror(live, sim, &mockLogger{})
	err := mirror.Sync(context.Background(), []string{"BTCUSDT", "NOPEUSDT"})
	require.NoError(t, err)

	book, err := sim.GetBookTop(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, book.Bid.Equal(decimal.NewFromInt(99)))
	assert.True(t, book.Ask.Equal(decimal.NewFromInt(101)))
	_, err = sim.GetTickerPrice(context.Background(), "NOPEUSDT")
	assert.ErrorIs(t, err, ports.ErrInvalidSymbol)

	var nilMirror *MarketMirror
	assert.NoError(t, nilMirror.Sync(context.Background(), []string{"BTCUSDT"}))
}
