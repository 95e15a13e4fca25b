package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// reloadThrottle bounds how often a document file is stat'ed.
const reloadThrottle = time.Second

// TradingParams are the hot-reloadable sizing, execution and exit parameters.
// Percentages are expressed in percent (1.0 == 1%).
type TradingParams struct {
	Sizing struct {
		BuyAmount     float64 `toml:"buy_amount"`     // quote notional per entry
		MaxConcurrent int     `toml:"max_concurrent"` // positions with notional above MinNotional
		MinNotional   float64 `toml:"min_notional"`   // below this a holding is dust
	} `toml:"sizing"`
	Execution struct {
		SpreadThreshold float64 `toml:"spread_threshold"` // ratio, (ask-bid)/ask
		MaxRetry        int     `toml:"max_retry"`
		// A pending flag older than this with no pending position is treated as abandoned.
		PendingFlagTimeoutS int `toml:"pending_flag_timeout_sec"`
	} `toml:"execution"`
	Exit struct {
		TakeProfitPct     float64 `toml:"take_profit_pct"`
		TrailStartPct     float64 `toml:"trail_start_pct"`
		TrailStepPct      float64 `toml:"trail_step_pct"`
		MaxHoldMinutes    int     `toml:"max_hold_minutes"`
		ZeroBalanceGraceS int     `toml:"zero_balance_grace_sec"`
	} `toml:"exit"`
	Pyramid     AddOnParams `toml:"pyramid"`
	AverageDown AddOnParams `toml:"average_down"`
}

// AddOnParams configures pyramiding or averaging down.
type AddOnParams struct {
	Enabled    bool    `toml:"enabled"`
	MaxCount   int     `toml:"max_count"`
	TriggerPct float64 `toml:"trigger_pct"` // move from average cost that triggers an add
	Amount     float64 `toml:"amount"`      // quote notional per add
}

// MaxHold returns the holding duration after which only the trailing stop is evaluated.
func (p *TradingParams) MaxHold() time.Duration {
	return time.Duration(p.Exit.MaxHoldMinutes) * time.Minute
}

// ZeroBalanceGrace returns how long a zero broker balance is tolerated before the position is closed.
func (p *TradingParams) ZeroBalanceGrace() time.Duration {
	return time.Duration(p.Exit.ZeroBalanceGraceS) * time.Second
}

// PendingFlagTimeout returns the age after which an orphaned pending flag is cleared.
func (p *TradingParams) PendingFlagTimeout() time.Duration {
	return time.Duration(p.Execution.PendingFlagTimeoutS) * time.Second
}

// DefaultTradingParams returns the parameters used when no document exists.
func DefaultTradingParams() *TradingParams {
	p := &TradingParams{}
	p.Sizing.BuyAmount = 100
	p.Sizing.MaxConcurrent = 5
	p.Sizing.MinNotional = 5
	p.Execution.SpreadThreshold = 0.0008
	p.Execution.MaxRetry = 3
	p.Execution.PendingFlagTimeoutS = 600
	p.Exit.TakeProfitPct = 1.0
	p.Exit.TrailStartPct = 0.7
	p.Exit.TrailStepPct = 1.0
	p.Exit.MaxHoldMinutes = 1440
	p.Exit.ZeroBalanceGraceS = 30
	p.Pyramid = AddOnParams{Enabled: false, MaxCount: 1, TriggerPct: 1.0, Amount: 100}
	p.AverageDown = AddOnParams{Enabled: false, MaxCount: 1, TriggerPct: 2.0, Amount: 100}
	return p
}

func (p *TradingParams) validate() error {
	var errs []string
	if p.Sizing.BuyAmount <= 0 {
		errs = append(errs, "sizing.buy_amount must be positive")
	}
	if p.Sizing.MaxConcurrent <= 0 {
		errs = append(errs, "sizing.max_concurrent must be positive")
	}
	if p.Sizing.MinNotional < 0 {
		errs = append(errs, "sizing.min_notional cannot be negative")
	}
	if p.Execution.SpreadThreshold < 0 || p.Execution.SpreadThreshold >= 1 {
		errs = append(errs, "execution.spread_threshold must be in [0, 1)")
	}
	if p.Execution.MaxRetry < 0 {
		errs = append(errs, "execution.max_retry cannot be negative")
	}
	if p.Execution.PendingFlagTimeoutS <= 0 {
		errs = append(errs, "execution.pending_flag_timeout_sec must be positive")
	}
	if p.Exit.TakeProfitPct <= 0 {
		errs = append(errs, "exit.take_profit_pct must be positive")
	}
	if p.Exit.TrailStartPct < 0 || p.Exit.TrailStepPct <= 0 {
		errs = append(errs, "exit.trail_start_pct cannot be negative and exit.trail_step_pct must be positive")
	}
	if p.Exit.MaxHoldMinutes <= 0 {
		errs = append(errs, "exit.max_hold_minutes must be positive")
	}
	if p.Exit.ZeroBalanceGraceS < 0 {
		errs = append(errs, "exit.zero_balance_grace_sec cannot be negative")
	}
	for name, a := range map[string]AddOnParams{"pyramid": p.Pyramid, "average_down": p.AverageDown} {
		if a.MaxCount < 0 || a.TriggerPct < 0 || a.Amount < 0 {
			errs = append(errs, name+" values cannot be negative")
		}
		if a.Enabled && a.Amount <= 0 {
			errs = append(errs, name+".amount must be positive when enabled")
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidDocument, strings.Join(errs, "; "))
	}
	return nil
}

// RiskParams are the hot-reloadable risk limits. Percentages are in percent.
type RiskParams struct {
	DailyLossLimitPct  float64 `toml:"daily_loss_limit_pct"`
	MddLimitPct        float64 `toml:"mdd_limit_pct"`         // trailing 30 days
	MonthlyMddLimitPct float64 `toml:"monthly_mdd_limit_pct"` // calendar month
	MaxSymbols         int     `toml:"max_symbols"`
	SlippageFailMax    int     `toml:"slippage_fail_max"`
	SlippageEventPct   float64 `toml:"slippage_event_pct"` // an exit slipping at least this much is an event
	PauseMinutes       int     `toml:"pause_minutes"`      // capped to the end of the trading day
}

// DefaultRiskParams returns the limits used when no document exists.
func DefaultRiskParams() *RiskParams {
	return &RiskParams{
		DailyLossLimitPct:  2.5,
		MddLimitPct:        7,
		MonthlyMddLimitPct: 10,
		MaxSymbols:         5,
		SlippageFailMax:    5,
		SlippageEventPct:   0.15,
		PauseMinutes:       1440,
	}
}

func (p *RiskParams) validate() error {
	var errs []string
	if p.DailyLossLimitPct <= 0 || p.MddLimitPct <= 0 || p.MonthlyMddLimitPct <= 0 {
		errs = append(errs, "loss and drawdown limits must be positive")
	}
	if p.MaxSymbols <= 0 {
		errs = append(errs, "max_symbols must be positive")
	}
	if p.SlippageFailMax <= 0 {
		errs = append(errs, "slippage_fail_max must be positive")
	}
	if p.SlippageEventPct < 0 {
		errs = append(errs, "slippage_event_pct cannot be negative")
	}
	if p.PauseMinutes <= 0 {
		errs = append(errs, "pause_minutes must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidDocument, strings.Join(errs, "; "))
	}
	return nil
}

// ErrInvalidDocument is returned when a document parses but fails validation.
var ErrInvalidDocument = errors.New("invalid parameter document")

// document is one TOML file swapped atomically on change.
type document[T any] struct {
	path     string
	defaults func() *T
	validate func(*T) error

	current atomic.Pointer[T]

	mu        sync.Mutex
	modTime   time.Time
	lastCheck time.Time
}

func newDocument[T any](path string, defaults func() *T, validate func(*T) error) *document[T] {
	d := &document[T]{path: path, defaults: defaults, validate: validate}
	d.current.Store(defaults())
	return d
}

// reload parses the file when its mtime moved. A failed parse keeps the previous value.
func (d *document[T]) reload(now time.Time, force bool) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !force && !d.lastCheck.IsZero() && now.Sub(d.lastCheck) < reloadThrottle {
		return false, nil
	}
	d.lastCheck = now

	info, err := os.Stat(d.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", d.path, err)
	}
	if info.ModTime().Equal(d.modTime) {
		return false, nil
	}
	// Remember the mtime even on failure so a broken file is reported once per edit.
	d.modTime = info.ModTime()

	data, err := os.ReadFile(d.path)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", d.path, err)
	}
	next := d.defaults()
	if err := toml.Unmarshal(data, next); err != nil {
		return false, fmt.Errorf("parse %s: %w", d.path, err)
	}
	if err := d.validate(next); err != nil {
		return false, fmt.Errorf("validate %s: %w", d.path, err)
	}
	d.current.Store(next)
	return true, nil
}

// Documents holds the trading and risk parameter documents.
type Documents struct {
	trading *document[TradingParams]
	risk    *document[RiskParams]
	now     func() time.Time
}

// LoadDocuments reads both documents. Missing files fall back to defaults;
// an existing but invalid file is an error at startup.
func LoadDocuments(tradingPath, riskPath string) (*Documents, error) {
	d := &Documents{
		trading: newDocument(tradingPath, DefaultTradingParams, (*TradingParams).validate),
		risk:    newDocument(riskPath, DefaultRiskParams, (*RiskParams).validate),
		now:     time.Now,
	}
	now := d.now()
	if _, err := d.trading.reload(now, true); err != nil {
		return nil, err
	}
	if _, err := d.risk.reload(now, true); err != nil {
		return nil, err
	}
	return d, nil
}

// SetClock replaces the clock used for reload throttling.
func (d *Documents) SetClock(now func() time.Time) {
	d.now = now
}

// Trading returns the current trading parameters. The value must not be modified.
func (d *Documents) Trading() *TradingParams {
	return d.trading.current.Load()
}

// Risk returns the current risk parameters. The value must not be modified.
func (d *Documents) Risk() *RiskParams {
	return d.risk.current.Load()
}

// ReloadTrading re-reads the trading document if it changed, at most once per second.
func (d *Documents) ReloadTrading() (bool, error) {
	return d.trading.reload(d.now(), false)
}

// ReloadRisk re-reads the risk document if it changed, at most once per second.
func (d *Documents) ReloadRisk() (bool, error) {
	return d.risk.reload(d.now(), false)
}

// WriteTradingParams persists p as TOML, used by tooling and tests.
func WriteTradingParams(path string, p *TradingParams) error {
	return writeTOML(path, p)
}

// WriteRiskParams persists p as TOML, used by tooling and tests.
func WriteRiskParams(path string, p *RiskParams) error {
	return writeTOML(path, p)
}

func writeTOML(path string, v any) error {
	data, err := toml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}
