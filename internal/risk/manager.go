// Package risk implements the account-wide trading permission state machine.
//
//	ACTIVE --daily loss--> PAUSED --pauseUntil reached--> ACTIVE
//	ACTIVE|PAUSED --30d or monthly drawdown--> HALTED (manual Resume only)
//
// Entering PAUSED or HALTED liquidates every open position. Symbols whose
// exits slipped too often are disabled individually.
package risk

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"spotTrader/config"
	"spotTrader/internal/domain"
	"spotTrader/internal/metrics"
	"spotTrader/internal/ports"
)

// markRetention bounds the equity history; it covers the 30-day and calendar-month windows.
const markRetention = 62 * 24 * time.Hour

// ParamsSource provides the hot-reloadable risk limits.
type ParamsSource interface {
	Risk() *config.RiskParams
	ReloadRisk() (bool, error)
}

// Config wires a RiskController.
type Config struct {
	Params     ParamsSource
	Store      ports.RiskStateStore
	OrderLog   ports.OrderLog
	Liquidator ports.Liquidator
	Alerts     ports.AlertSink
	Logger     ports.Logger
	Metrics    *metrics.Metrics // optional
	Location   *time.Location   // trading day boundaries; defaults to time.Local
	Now        func() time.Time
}

// RiskController owns the RiskState. All mutations go through it.
type RiskController struct {
	cfg Config

	mu        sync.Mutex
	state     *domain.RiskState
	listeners []func(*config.RiskParams)
}

// transition is a mode change decided during Evaluate, applied after the lock is released.
type transition struct {
	mode    domain.RiskMode
	reason  domain.ExitReason
	trigger string
}

// NewRiskController creates a controller in ACTIVE mode. Call Load to restore persisted state.
func NewRiskController(cfg Config) (*RiskController, error) {
	if cfg.Params == nil || cfg.Store == nil || cfg.OrderLog == nil || cfg.Liquidator == nil ||
		cfg.Alerts == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for RiskController")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &RiskController{cfg: cfg, state: domain.NewRiskState()}, nil
}

// Load restores the persisted state. A pause survives restarts through its expiry timestamp.
func (r *RiskController) Load(ctx context.Context) error {
	state, err := r.cfg.Store.LoadRiskState(ctx)
	if err != nil {
		return fmt.Errorf("RiskController.Load failed: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if state != nil {
		r.state = state
	}
	r.cfg.Metrics.SetRiskMode(r.state.Mode)
	r.cfg.Logger.Info(ctx, "RiskController.Load: state restored", map[string]interface{}{
		"mode": r.state.Mode, "disabled": strings.Join(r.state.DisabledSymbols, ","),
	})
	return nil
}

// OnReload registers fn to receive every successfully reloaded parameter set.
func (r *RiskController) OnReload(fn func(*config.RiskParams)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// State returns a copy of the current state.
func (r *RiskController) State() *domain.RiskState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone()
}

// CheckEntry blocks entries while not ACTIVE and for disabled symbols.
func (r *RiskController) CheckEntry(symbol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Mode != domain.RiskModeActive {
		return fmt.Errorf("%w: trading is %s (%s)", ports.ErrRiskBlocked, r.state.Mode, r.state.Reason)
	}
	if r.state.IsDisabled(symbol) {
		return fmt.Errorf("%w: %s is disabled", ports.ErrRiskBlocked, symbol)
	}
	return nil
}

// RecordSlippage counts an exit whose slippage reached the event threshold.
// Disabling happens in the next Evaluate.
func (r *RiskController) RecordSlippage(symbol string, pct float64) {
	threshold := r.cfg.Params.Risk().SlippageEventPct
	if pct < threshold {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.SlippageEventsBySymbol[symbol]++
	r.cfg.Logger.Info(context.Background(), "RecordSlippage: slippage event", map[string]interface{}{
		"symbol": symbol, "pct": pct, "count": r.state.SlippageEventsBySymbol[symbol],
	})
}

// Resume returns to ACTIVE from PAUSED or HALTED. This is the only way out of HALTED.
func (r *RiskController) Resume(ctx context.Context) error {
	r.mu.Lock()
	prev := r.state.Mode
	if prev == domain.RiskModeActive {
		r.mu.Unlock()
		return nil
	}
	r.state.Mode = domain.RiskModeActive
	r.state.PauseUntil = nil
	r.state.Reason = ""
	err := r.persistLocked(ctx)
	r.mu.Unlock()

	r.logTransition(ctx, prev, domain.RiskModeActive, "manual resume")
	r.cfg.Alerts.SendAlert(ctx, ports.Alert{
		Message:  fmt.Sprintf("risk: %s -> ACTIVE by manual resume", prev),
		Severity: ports.SeverityWarning,
		Category: ports.CategoryRisk,
	})
	return err
}

// Evaluate runs one risk cycle: parameter reload, pause expiry, loss and
// drawdown limits, slippage-based symbol disabling and the open-symbol check.
func (r *RiskController) Evaluate(ctx context.Context) error {
	op := "RiskController.Evaluate"
	r.reloadParams(ctx)
	params := r.cfg.Params.Risk()
	now := r.cfg.Now()

	// Equity and realized PnL come from collaborators that may call back into us.
	equity, eqErr := r.cfg.Liquidator.Equity(ctx)
	if eqErr != nil {
		r.cfg.Logger.Warn(ctx, fmt.Sprintf("%s: equity unavailable, loss limits skipped: %v", op, eqErr))
	}
	midnight := startOfDay(now.In(r.cfg.Location))
	realized, pnlErr := r.cfg.OrderLog.RealizedPnLSince(ctx, midnight)
	if pnlErr != nil {
		r.cfg.Logger.Warn(ctx, fmt.Sprintf("%s: realized PnL unavailable: %v", op, pnlErr))
	}
	openCount := r.cfg.Liquidator.CountActive(0)

	r.mu.Lock()
	s := r.state
	prevMode := s.Mode
	var resumed bool
	if s.Mode == domain.RiskModePaused && s.PauseUntil != nil && !now.Before(*s.PauseUntil) {
		s.Mode = domain.RiskModeActive
		s.PauseUntil = nil
		s.Reason = ""
		resumed = true
	}

	var next *transition
	if eqErr == nil {
		r.recordEquityLocked(now, equity)
		todayMarks := s.EquityMarks[len(s.EquityMarks)-1]
		if pnlErr == nil && todayMarks.Open.IsPositive() {
			s.DailyLossPct = realized.Div(todayMarks.Open).InexactFloat64() * 100
		}
		s.Rolling30dMddPct = maxDrawdownPct(marksSince(s.EquityMarks, now.In(r.cfg.Location).AddDate(0, 0, -30)))
		s.MonthlyMddPct = maxDrawdownPct(marksOfMonth(s.EquityMarks, now.In(r.cfg.Location)))
		next = r.decideLocked(now, params)
	}
	s.OpenSymbolCount = openCount

	var toDisable []string
	for sym, n := range s.SlippageEventsBySymbol {
		if n >= params.SlippageFailMax && s.Disable(sym) {
			toDisable = append(toDisable, sym)
		}
	}
	sort.Strings(toDisable)
	s.UpdatedAt = now
	err := r.persistLocked(ctx)
	mode := s.Mode
	r.mu.Unlock()

	r.cfg.Metrics.SetRiskMode(mode)
	if resumed {
		r.logTransition(ctx, domain.RiskModePaused, domain.RiskModeActive, "pause expired")
		r.cfg.Alerts.SendAlert(ctx, ports.Alert{
			Message:  "risk: PAUSED -> ACTIVE, pause expired",
			Severity: ports.SeverityInfo,
			Category: ports.CategoryRisk,
		})
	}
	if openCount > params.MaxSymbols {
		r.cfg.Logger.Warn(ctx, fmt.Sprintf("%s: %d open symbols exceed the limit of %d", op, openCount, params.MaxSymbols))
	}
	for _, sym := range toDisable {
		r.disableSymbol(ctx, sym)
	}
	if next != nil {
		from := prevMode
		if resumed {
			from = domain.RiskModeActive
		}
		r.logTransition(ctx, from, next.mode, next.trigger)
		r.liquidate(ctx, next)
	}
	return err
}

// decideLocked applies the limits to the current counters and switches mode.
func (r *RiskController) decideLocked(now time.Time, params *config.RiskParams) *transition {
	s := r.state
	if s.Mode == domain.RiskModeHalted {
		return nil
	}
	today := now.In(r.cfg.Location).Format("2006-01-02")
	var t *transition
	switch {
	case s.Rolling30dMddPct <= -params.MddLimitPct:
		t = &transition{mode: domain.RiskModeHalted, reason: domain.ExitReasonRiskHalt,
			trigger: fmt.Sprintf("30-day drawdown %.2f%% breached -%.2f%%", s.Rolling30dMddPct, params.MddLimitPct)}
	case s.MonthlyMddPct <= -params.MonthlyMddLimitPct:
		t = &transition{mode: domain.RiskModeHalted, reason: domain.ExitReasonRiskHalt,
			trigger: fmt.Sprintf("monthly drawdown %.2f%% breached -%.2f%%", s.MonthlyMddPct, params.MonthlyMddLimitPct)}
	case s.Mode == domain.RiskModeActive && s.DailyLossPct <= -params.DailyLossLimitPct && s.LastPauseDay != today:
		t = &transition{mode: domain.RiskModePaused, reason: domain.ExitReasonRiskPause,
			trigger: fmt.Sprintf("daily loss %.2f%% breached -%.2f%%", s.DailyLossPct, params.DailyLossLimitPct)}
	default:
		return nil
	}
	s.Mode = t.mode
	s.Reason = t.trigger
	s.PauseUntil = nil
	if t.mode == domain.RiskModePaused {
		s.LastPauseDay = today
		until := now.Add(time.Duration(params.PauseMinutes) * time.Minute)
		if eod := startOfDay(now.In(r.cfg.Location)).AddDate(0, 0, 1); eod.Before(until) {
			until = eod
		}
		s.PauseUntil = &until
	}
	return t
}

// liquidate closes every open position after a PAUSE or HALT and reports the outcome.
func (r *RiskController) liquidate(ctx context.Context, t *transition) {
	op := "liquidate"
	closed, err := r.cfg.Liquidator.CloseAll(ctx, t.reason)
	if err != nil {
		r.cfg.Logger.Error(ctx, err, op+": some positions could not be closed", map[string]interface{}{"mode": t.mode})
	}
	severity := ports.SeverityWarning
	if t.mode == domain.RiskModeHalted {
		severity = ports.SeverityCritical
	}
	msg := fmt.Sprintf("risk %s: %s; closed %s", t.mode, t.trigger, summarize(closed))
	if err != nil {
		msg += fmt.Sprintf("; failures: %v", err)
		severity = ports.SeverityCritical
	}
	r.cfg.Alerts.SendAlert(ctx, ports.Alert{Message: msg, Severity: severity, Category: ports.CategoryRisk})
}

func (r *RiskController) disableSymbol(ctx context.Context, symbol string) {
	op := "disableSymbol"
	r.cfg.Logger.Warn(ctx, op+": symbol disabled after repeated slippage", map[string]interface{}{"symbol": symbol})
	closed, err := r.cfg.Liquidator.CloseSymbol(ctx, symbol, domain.ExitReasonRiskDisable)
	var list []ports.ClosedPosition
	if closed != nil {
		list = append(list, *closed)
	}
	msg := fmt.Sprintf("risk: %s disabled after repeated slippage; closed %s", symbol, summarize(list))
	severity := ports.SeverityWarning
	if err != nil {
		r.cfg.Logger.Error(ctx, err, op+": liquidation failed", map[string]interface{}{"symbol": symbol})
		msg += fmt.Sprintf("; failure: %v", err)
		severity = ports.SeverityCritical
	}
	r.cfg.Alerts.SendAlert(ctx, ports.Alert{Message: msg, Severity: severity, Category: ports.CategoryRisk})
}

func (r *RiskController) reloadParams(ctx context.Context) {
	op := "reloadParams"
	changed, err := r.cfg.Params.ReloadRisk()
	if err != nil {
		r.cfg.Logger.Warn(ctx, fmt.Sprintf("%s: risk parameters rejected, previous values kept: %v", op, err))
		r.cfg.Alerts.SendAlert(ctx, ports.Alert{
			Message:  fmt.Sprintf("risk parameters rejected: %v", err),
			Severity: ports.SeverityWarning,
			Category: ports.CategoryConfig,
		})
		return
	}
	if !changed {
		return
	}
	params := r.cfg.Params.Risk()
	r.mu.Lock()
	listeners := append([]func(*config.RiskParams){}, r.listeners...)
	r.mu.Unlock()
	for _, fn := range listeners {
		fn(params)
	}
	r.cfg.Logger.Info(ctx, op+": risk parameters reloaded", map[string]interface{}{
		"dailyLossLimitPct": params.DailyLossLimitPct, "mddLimitPct": params.MddLimitPct, "maxSymbols": params.MaxSymbols,
	})
	r.cfg.Alerts.SendAlert(ctx, ports.Alert{
		Message: fmt.Sprintf("risk parameters reloaded: daily %.2f%%, 30d mdd %.2f%%, monthly mdd %.2f%%, max symbols %d",
			params.DailyLossLimitPct, params.MddLimitPct, params.MonthlyMddLimitPct, params.MaxSymbols),
		Severity: ports.SeverityInfo,
		Category: ports.CategoryConfig,
	})
}

// recordEquityLocked folds equity into today's mark and prunes old marks.
func (r *RiskController) recordEquityLocked(now time.Time, equity float64) {
	s := r.state
	local := now.In(r.cfg.Location)
	day := local.Format("2006-01-02")
	v := decimal.NewFromFloat(equity)

	if n := len(s.EquityMarks); n > 0 && s.EquityMarks[n-1].Day == day {
		m := &s.EquityMarks[n-1]
		m.High = decimal.Max(m.High, v)
		m.Low = decimal.Min(m.Low, v)
		m.Close = v
	} else {
		s.EquityMarks = append(s.EquityMarks, domain.EquityMark{Day: day, Open: v, High: v, Low: v, Close: v})
	}

	cutoff := local.Add(-markRetention).Format("2006-01-02")
	i := 0
	for i < len(s.EquityMarks)-1 && s.EquityMarks[i].Day < cutoff {
		i++
	}
	s.EquityMarks = s.EquityMarks[i:]
}

func (r *RiskController) persistLocked(ctx context.Context) error {
	if err := r.cfg.Store.SaveRiskState(ctx, r.state); err != nil {
		r.cfg.Logger.Error(ctx, err, "persistRiskState: write failed")
		return fmt.Errorf("persist risk state failed: %w", err)
	}
	return nil
}

func (r *RiskController) logTransition(ctx context.Context, from, to domain.RiskMode, trigger string) {
	r.cfg.Logger.Warn(ctx, "risk mode transition", map[string]interface{}{
		"from": from, "to": to, "trigger": trigger,
	})
}

// maxDrawdownPct is the worst peak-to-trough decline across marks, in percent (<= 0).
func maxDrawdownPct(marks []domain.EquityMark) float64 {
	peak := decimal.Zero
	worst := 0.0
	dd := func(v decimal.Decimal) {
		if !peak.IsPositive() {
			return
		}
		if pct := v.Sub(peak).Div(peak).InexactFloat64() * 100; pct < worst {
			worst = pct
		}
	}
	for _, m := range marks {
		peak = decimal.Max(peak, m.Open)
		dd(m.Low)
		peak = decimal.Max(peak, m.High)
		dd(m.Close)
	}
	return worst
}

func marksSince(marks []domain.EquityMark, since time.Time) []domain.EquityMark {
	from := since.Format("2006-01-02")
	for i, m := range marks {
		if m.Day >= from {
			return marks[i:]
		}
	}
	return nil
}

func marksOfMonth(marks []domain.EquityMark, now time.Time) []domain.EquityMark {
	prefix := now.Format("2006-01")
	for i, m := range marks {
		if strings.HasPrefix(m.Day, prefix) {
			return marks[i:]
		}
	}
	return nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func summarize(closed []ports.ClosedPosition) string {
	if len(closed) == 0 {
		return "no positions"
	}
	parts := make([]string, 0, len(closed))
	total := decimal.Zero
	for _, c := range closed {
		parts = append(parts, fmt.Sprintf("%s %s (pnl %s)", c.Symbol, c.Quantity, c.RealizedPnL.StringFixed(2)))
		total = total.Add(c.RealizedPnL)
	}
	return fmt.Sprintf("%s; total pnl %s", strings.Join(parts, ", "), total.StringFixed(2))
}
