package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"spotTrader/internal/domain"
	"spotTrader/internal/metrics"
	"spotTrader/internal/ports"
)

// EntryHandler opens positions from buy signals.
type EntryHandler interface {
	Entry(ctx context.Context, sig domain.Signal) domain.EntryResult
}

// PositionManager is the position store surface driven by the workers.
type PositionManager interface {
	Snapshot() []*domain.Position
	RefreshPrices(ctx context.Context) error
	RunManagementCycle(ctx context.Context) error
	ReconcileWithBroker(ctx context.Context) error
	ExitSymbol(ctx context.Context, symbol string) (*ports.ClosedPosition, error)
}

// RiskEvaluator runs one risk cycle.
type RiskEvaluator interface {
	Evaluate(ctx context.Context) error
}

// TradingReloader hot-reloads the trading parameter document.
type TradingReloader interface {
	ReloadTrading() (bool, error)
}

// Runner is a background component that runs until ctx is done.
type Runner interface {
	Run(ctx context.Context) error
}

// Config wires a TradingService.
type Config struct {
	Signals   ports.SignalSource
	Entry     EntryHandler
	Positions PositionManager
	Risk      RiskEvaluator
	Params    TradingReloader
	Alerts    ports.AlertSink
	Logger    ports.Logger
	Metrics   *metrics.Metrics // optional
	Mirror    *MarketMirror    // dry runs only
	Runners   []Runner         // e.g. the alert dispatcher

	MetricsAddr        string // empty disables the metrics endpoint
	ManagementInterval time.Duration
	RiskInterval       time.Duration
	ReconcileInterval  time.Duration
	SignalPollInterval time.Duration
	IntakeConcurrency  int
}

// TradingService runs the trading workers: signal intake, position management,
// broker reconciliation, risk evaluation and the metrics endpoint.
type TradingService struct {
	cfg Config
}

// NewTradingService creates a new application service instance.
func NewTradingService(cfg Config) (*TradingService, error) {
	if cfg.Signals == nil || cfg.Entry == nil || cfg.Positions == nil || cfg.Risk == nil ||
		cfg.Params == nil || cfg.Alerts == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for TradingService")
	}
	if cfg.ManagementInterval <= 0 || cfg.RiskInterval <= 0 || cfg.ReconcileInterval <= 0 || cfg.SignalPollInterval <= 0 {
		return nil, fmt.Errorf("worker intervals must be positive")
	}
	if cfg.IntakeConcurrency <= 0 {
		cfg.IntakeConcurrency = 1
	}
	return &TradingService{cfg: cfg}, nil
}

// Start reconciles with the broker and runs every worker until ctx is
// canceled or SIGINT/SIGTERM arrives.
func (s *TradingService) Start(ctx context.Context) error {
	s.cfg.Logger.Info(ctx, "Starting Trading Service...")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s.syncMirror(ctx, nil)
	if err := s.cfg.Positions.ReconcileWithBroker(ctx); err != nil {
		s.cfg.Logger.Warn(ctx, fmt.Sprintf("Startup reconciliation incomplete: %v", err))
	}
	s.cfg.Logger.Info(ctx, "Initial state synchronized", map[string]interface{}{"positions": len(s.cfg.Positions.Snapshot())})

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range s.cfg.Runners {
		g.Go(func() error { return r.Run(gctx) })
	}
	if s.cfg.MetricsAddr != "" && s.cfg.Metrics != nil {
		g.Go(func() error {
			if err := s.cfg.Metrics.Serve(gctx, s.cfg.MetricsAddr); err != nil {
				return fmt.Errorf("metrics endpoint: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error { return s.every(gctx, s.cfg.SignalPollInterval, s.intakeOnce) })
	g.Go(func() error { return s.every(gctx, s.cfg.ManagementInterval, s.manageOnce) })
	g.Go(func() error { return s.every(gctx, s.cfg.ReconcileInterval, s.reconcileOnce) })
	g.Go(func() error { return s.every(gctx, s.cfg.RiskInterval, s.riskOnce) })

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		s.cfg.Logger.Error(context.Background(), err, "Trading service stopped with error")
		return err
	}
	s.cfg.Logger.Info(context.Background(), "Trading Service stopped.")
	return nil
}

// every runs fn at interval until ctx is done. fn errors are logged, not fatal.
func (s *TradingService) every(ctx context.Context, interval time.Duration, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				s.cfg.Logger.Warn(ctx, err.Error())
			}
		}
	}
}

// intakeOnce drains queued signals. Manual sells run first so a sell and a buy
// for the same symbol in one batch do not race; buys fan out up to IntakeConcurrency.
func (s *TradingService) intakeOnce(ctx context.Context) error {
	op := "intake"
	signals, err := s.cfg.Signals.Drain(ctx)
	if err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	if len(signals) == 0 {
		return nil
	}

	var buys []domain.Signal
	for _, sig := range signals {
		if sig.Side != domain.Sell {
			buys = append(buys, sig)
			continue
		}
		closed, err := s.cfg.Positions.ExitSymbol(ctx, sig.Symbol)
		if err != nil {
			s.cfg.Logger.Warn(ctx, fmt.Sprintf("%s: manual sell failed: %v", op, err), map[string]interface{}{"symbol": sig.Symbol})
			continue
		}
		s.cfg.Logger.Info(ctx, op+": manual sell done", map[string]interface{}{
			"symbol": sig.Symbol, "qty": closed.Quantity.String(), "pnl": closed.RealizedPnL.String(),
		})
	}
	if len(buys) == 0 {
		return nil
	}

	symbols := make([]string, 0, len(buys))
	for _, b := range buys {
		symbols = append(symbols, b.Symbol)
	}
	s.syncMirror(ctx, symbols)

	var g errgroup.Group
	g.SetLimit(s.cfg.IntakeConcurrency)
	for _, sig := range buys {
		g.Go(func() error {
			res := s.cfg.Entry.Entry(ctx, sig)
			if res.Status == domain.EntryFailed {
				s.cfg.Logger.Warn(ctx, fmt.Sprintf("%s: entry failed: %v", op, res.Err), map[string]interface{}{"symbol": sig.Symbol})
			}
			return nil
		})
	}
	return g.Wait()
}

// manageOnce reloads trading parameters, refreshes prices and runs the management cycle.
func (s *TradingService) manageOnce(ctx context.Context) error {
	op := "manage"
	changed, err := s.cfg.Params.ReloadTrading()
	switch {
	case err != nil:
		s.cfg.Logger.Warn(ctx, fmt.Sprintf("%s: trading parameters rejected, previous values kept: %v", op, err))
		s.cfg.Alerts.SendAlert(ctx, ports.Alert{
			Message:  fmt.Sprintf("trading parameters rejected: %v", err),
			Severity: ports.SeverityWarning,
			Category: ports.CategoryConfig,
		})
	case changed:
		s.cfg.Logger.Info(ctx, op+": trading parameters reloaded")
		s.cfg.Alerts.SendAlert(ctx, ports.Alert{
			Message:  "trading parameters reloaded",
			Severity: ports.SeverityInfo,
			Category: ports.CategoryConfig,
		})
	}

	s.syncMirror(ctx, nil)
	var errs []error
	if err := s.cfg.Positions.RefreshPrices(ctx); err != nil {
		errs = append(errs, fmt.Errorf("%s: refresh: %w", op, err))
	}
	if err := s.cfg.Positions.RunManagementCycle(ctx); err != nil {
		errs = append(errs, fmt.Errorf("%s: cycle: %w", op, err))
	}
	return errors.Join(errs...)
}

func (s *TradingService) reconcileOnce(ctx context.Context) error {
	if err := s.cfg.Positions.ReconcileWithBroker(ctx); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	return nil
}

func (s *TradingService) riskOnce(ctx context.Context) error {
	if err := s.cfg.Risk.Evaluate(ctx); err != nil {
		return fmt.Errorf("risk: %w", err)
	}
	return nil
}

// syncMirror refreshes simulated quotes for extra plus every tracked symbol.
func (s *TradingService) syncMirror(ctx context.Context, extra []string) {
	if s.cfg.Mirror == nil {
		return
	}
	symbols := append([]string(nil), extra...)
	for _, p := range s.cfg.Positions.Snapshot() {
		symbols = append(symbols, p.Symbol)
	}
	if err := s.cfg.Mirror.Sync(ctx, symbols); err != nil {
		s.cfg.Logger.Debug(ctx, fmt.Sprintf("syncMirror: %v", err))
	}
}
