package risk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotTrader/config"
	"spotTrader/internal/domain"
	"spotTrader/internal/ports"
)

type mockLogger struct{}

func (mockLogger) Debug(context.Context, string, ...map[string]interface{})        {}
func (mockLogger) Info(context.Context, string, ...map[string]interface{})         {}
func (mockLogger) Warn(context.Context, string, ...map[string]interface{})         {}
func (mockLogger) Error(context.Context, error, string, ...map[string]interface{}) {}

type memRiskStore struct {
	mu    sync.Mutex
	state *domain.RiskState
}

func (m *memRiskStore) LoadRiskState(context.Context) (*domain.RiskState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, nil
	}
	return m.state.Clone(), nil
}

func (m *memRiskStore) SaveRiskState(_ context.Context, s *domain.RiskState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s.Clone()
	return nil
}

type fakeOrderLog struct {
	realized decimal.Decimal
	since    time.Time
}

func (f *fakeOrderLog) Append(context.Context, *domain.OrderLogEntry) (int64, error) { return 1, nil }

func (f *fakeOrderLog) RealizedPnLSince(_ context.Context, since time.Time) (decimal.Decimal, error) {
	f.since = since
	return f.realized, nil
}

func (f *fakeOrderLog) ListBetween(context.Context, time.Time, time.Time, string) ([]*domain.OrderLogEntry, error) {
	return nil, nil
}

type fakeLiquidator struct {
	equity      float64
	equityErr   error
	open        []string
	closeAll    []domain.ExitReason
	closedSyms  []string
	closeReason domain.ExitReason
}

func (f *fakeLiquidator) CloseAll(_ context.Context, reason domain.ExitReason) ([]ports.ClosedPosition, error) {
	f.closeAll = append(f.closeAll, reason)
	var out []ports.ClosedPosition
	for _, s := range f.open {
		out = append(out, ports.ClosedPosition{Symbol: s, Quantity: decimal.NewFromInt(1), RealizedPnL: decimal.NewFromInt(-10)})
	}
	f.open = nil
	return out, nil
}

func (f *fakeLiquidator) CloseSymbol(_ context.Context, symbol string, reason domain.ExitReason) (*ports.ClosedPosition, error) {
	f.closedSyms = append(f.closedSyms, symbol)
	f.closeReason = reason
	return &ports.ClosedPosition{Symbol: symbol, Quantity: decimal.NewFromInt(1)}, nil
}

func (f *fakeLiquidator) CountActive(float64) int { return len(f.open) }

func (f *fakeLiquidator) Equity(context.Context) (float64, error) { return f.equity, f.equityErr }

type fakeParams struct {
	params    *config.RiskParams
	next      *config.RiskParams
	reloadErr error
}

func (f *fakeParams) Risk() *config.RiskParams { return f.params }

func (f *fakeParams) ReloadRisk() (bool, error) {
	if f.reloadErr != nil {
		return false, f.reloadErr
	}
	if f.next == nil {
		return false, nil
	}
	f.params, f.next = f.next, nil
	return true, nil
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []ports.Alert
}

func (a *alertRecorder) SendAlert(_ context.Context, alert ports.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
}

func (a *alertRecorder) bySeverity(s ports.Severity) []ports.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []ports.Alert
	for _, al := range a.alerts {
		if al.Severity == s {
			out = append(out, al)
		}
	}
	return out
}

type harness struct {
	rc     *RiskController
	store  *memRiskStore
	log    *fakeOrderLog
	liq    *fakeLiquidator
	params *fakeParams
	alerts *alertRecorder
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  &memRiskStore{},
		log:    &fakeOrderLog{},
		liq:    &fakeLiquidator{equity: 10000},
		params: &fakeParams{params: config.DefaultRiskParams()},
		alerts: &alertRecorder{},
		now:    time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC),
	}
	h.rc = h.build(t)
	return h
}

func (h *harness) build(t *testing.T) *RiskController {
	t.Helper()
	rc, err := NewRiskController(Config{
		Params:     h.params,
		Store:      h.store,
		OrderLog:   h.log,
		Liquidator: h.liq,
		Alerts:     h.alerts,
		Logger:     mockLogger{},
		Location:   time.UTC,
		Now:        func() time.Time { return h.now },
	})
	require.NoError(t, err)
	require.NoError(t, rc.Load(context.Background()))
	return rc
}

func TestNewRiskController_MissingDependencies(t *testing.T) {
	_, err := NewRiskController(Config{})
	assert.Error(t, err)
}

func TestEvaluate_DailyLossPausesAndLiquidates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.liq.open = []string{"BTCUSDT", "ETHUSDT"}

	require.NoError(t, h.rc.Evaluate(ctx))
	assert.Equal(t, domain.RiskModeActive, h.rc.State().Mode)

	h.log.realized = decimal.NewFromInt(-260)
	h.now = h.now.Add(time.Minute)
	require.NoError(t, h.rc.Evaluate(ctx))

	st := h.rc.State()
	assert.Equal(t, domain.RiskModePaused, st.Mode)
	assert.InDelta(t, -2.6, st.DailyLossPct, 1e-9)
	require.NotNil(t, st.PauseUntil)
	// 1440 minutes would run past midnight; the pause ends with the trading day.
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), *st.PauseUntil)
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), h.log.since)

	assert.Equal(t, []domain.ExitReason{domain.ExitReasonRiskPause}, h.liq.closeAll)
	warnings := h.alerts.bySeverity(ports.SeverityWarning)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "BTCUSDT")
	assert.Contains(t, warnings[0].Message, "daily loss")

	err := h.rc.CheckEntry("SOLUSDT")
	assert.ErrorIs(t, err, ports.ErrRiskBlocked)
}

func TestEvaluate_PauseExpiresAfterRestart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.params.params.PauseMinutes = 60
	h.log.realized = decimal.NewFromInt(-300)

	require.NoError(t, h.rc.Evaluate(ctx))
	require.Equal(t, domain.RiskModePaused, h.rc.State().Mode)
	until := *h.rc.State().PauseUntil
	assert.Equal(t, h.now.Add(time.Hour), until)

	// Restart from the persisted state.
	h.rc = h.build(t)
	assert.Equal(t, domain.RiskModePaused, h.rc.State().Mode)

	h.now = until.Add(-time.Second)
	require.NoError(t, h.rc.Evaluate(ctx))
	assert.Equal(t, domain.RiskModePaused, h.rc.State().Mode)

	h.now = until
	require.NoError(t, h.rc.Evaluate(ctx))
	st := h.rc.State()
	assert.Equal(t, domain.RiskModeActive, st.Mode, "the same day's loss does not pause twice")
	assert.Nil(t, st.PauseUntil)
	assert.Len(t, h.liq.closeAll, 1, "resuming does not liquidate")
	assert.NoError(t, h.rc.CheckEntry("BTCUSDT"))
}

func TestEvaluate_DrawdownHaltsUntilManualResume(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.liq.open = []string{"BTCUSDT"}

	require.NoError(t, h.rc.Evaluate(ctx))
	h.now = h.now.AddDate(0, 0, 1)
	h.liq.equity = 9200
	require.NoError(t, h.rc.Evaluate(ctx))

	st := h.rc.State()
	assert.Equal(t, domain.RiskModeHalted, st.Mode)
	assert.InDelta(t, -8, st.Rolling30dMddPct, 1e-9)
	assert.Nil(t, st.PauseUntil)
	assert.Equal(t, []domain.ExitReason{domain.ExitReasonRiskHalt}, h.liq.closeAll)
	assert.Len(t, h.alerts.bySeverity(ports.SeverityCritical), 1)

	// Recovery does not lift a halt.
	h.now = h.now.AddDate(0, 0, 5)
	h.liq.equity = 11000
	require.NoError(t, h.rc.Evaluate(ctx))
	assert.Equal(t, domain.RiskModeHalted, h.rc.State().Mode)

	require.NoError(t, h.rc.Resume(ctx))
	assert.Equal(t, domain.RiskModeActive, h.rc.State().Mode)
	assert.Equal(t, domain.RiskModeActive, h.store.state.Mode)
}

func TestEvaluate_EquityUnavailableKeepsMode(t *testing.T) {
	h := newHarness(t)
	h.liq.equityErr = errors.New("balance timeout")
	h.log.realized = decimal.NewFromInt(-1000)

	require.NoError(t, h.rc.Evaluate(context.Background()))
	assert.Equal(t, domain.RiskModeActive, h.rc.State().Mode)
	assert.Empty(t, h.liq.closeAll)
}

func TestMaxDrawdownPct(t *testing.T) {
	d := decimal.NewFromInt
	tests := []struct {
		name  string
		marks []domain.EquityMark
		want  float64
	}{
		{name: "empty", want: 0},
		{
			name:  "intraday dip",
			marks: []domain.EquityMark{{Open: d(100), High: d(100), Low: d(95), Close: d(99)}},
			want:  -5,
		},
		{
			name: "peak carried across days",
			marks: []domain.EquityMark{
				{Open: d(100), High: d(120), Low: d(100), Close: d(120)},
				{Open: d(120), High: d(120), Low: d(108), Close: d(110)},
			},
			want: -10,
		},
		{
			name:  "only gains",
			marks: []domain.EquityMark{{Open: d(100), High: d(110), Low: d(100), Close: d(110)}},
			want:  0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, maxDrawdownPct(tt.marks), 1e-9)
		})
	}
}

func TestEvaluate_EquityMarksPruned(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	for i := 0; i < 70; i++ {
		require.NoError(t, h.rc.Evaluate(ctx))
		h.now = h.now.AddDate(0, 0, 1)
	}
	marks := h.rc.State().EquityMarks
	assert.LessOrEqual(t, len(marks), 63)
	assert.Equal(t, h.now.AddDate(0, 0, -1).Format("2006-01-02"), marks[len(marks)-1].Day)
}

func TestRecordSlippage_DisablesSymbol(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.params.params.SlippageFailMax = 2

	h.rc.RecordSlippage("DOGEUSDT", 0.05)
	h.rc.RecordSlippage("DOGEUSDT", 0.2)
	require.NoError(t, h.rc.Evaluate(ctx))
	assert.NoError(t, h.rc.CheckEntry("DOGEUSDT"))

	h.rc.RecordSlippage("DOGEUSDT", 0.15)
	require.NoError(t, h.rc.Evaluate(ctx))

	assert.ErrorIs(t, h.rc.CheckEntry("DOGEUSDT"), ports.ErrRiskBlocked)
	assert.NoError(t, h.rc.CheckEntry("BTCUSDT"))
	assert.Equal(t, []string{"DOGEUSDT"}, h.liq.closedSyms)
	assert.Equal(t, domain.ExitReasonRiskDisable, h.liq.closeReason)

	// Disabling happens once.
	require.NoError(t, h.rc.Evaluate(ctx))
	assert.Len(t, h.liq.closedSyms, 1)
	assert.Equal(t, []string{"DOGEUSDT"}, h.store.state.DisabledSymbols)
}

func TestEvaluate_ReloadNotifiesListeners(t *testing.T) {
	h := newHarness(t)
	var got []int
	h.rc.OnReload(func(p *config.RiskParams) { got = append(got, p.MaxSymbols) })

	next := *config.DefaultRiskParams()
	next.MaxSymbols = 2
	h.params.next = &next
	require.NoError(t, h.rc.Evaluate(context.Background()))
	require.NoError(t, h.rc.Evaluate(context.Background()))

	assert.Equal(t, []int{2}, got)
	infos := h.alerts.bySeverity(ports.SeverityInfo)
	require.Len(t, infos, 1)
	assert.Contains(t, infos[0].Message, "max symbols 2")
}

func TestEvaluate_ReloadFailureKeepsParams(t *testing.T) {
	h := newHarness(t)
	h.params.reloadErr = config.ErrInvalidDocument
	require.NoError(t, h.rc.Evaluate(context.Background()))

	warnings := h.alerts.bySeverity(ports.SeverityWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, ports.CategoryConfig, warnings[0].Category)
	assert.Equal(t, 5, h.rc.cfg.Params.Risk().MaxSymbols)
}

func TestResume_ActiveIsNoop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.rc.Resume(context.Background()))
	assert.Empty(t, h.alerts.alerts)
}
