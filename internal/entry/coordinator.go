// Package entry turns buy signals into tracked positions while guaranteeing at
// most one in-flight order per symbol, across goroutines and processes.
package entry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"spotTrader/config"
	"spotTrader/internal/domain"
	"spotTrader/internal/execution"
	"spotTrader/internal/metrics"
	"spotTrader/internal/position"
	"spotTrader/internal/ports"
)

// ParamsSource provides the hot-reloadable sizing and execution parameters.
type ParamsSource interface {
	Trading() *config.TradingParams
	ReloadTrading() (bool, error)
}

// PositionRecorder is the part of the position store the coordinator needs.
type PositionRecorder interface {
	HasActive(symbol string) bool
	CountActive(minNotional float64) int
	RecordEntry(ctx context.Context, sig domain.Signal, res *execution.Result) (*domain.Position, error)
}

// Config wires a Coordinator.
type Config struct {
	Params    ParamsSource
	Flags     ports.PendingFlagStore
	Risk      ports.RiskGate
	Positions PositionRecorder
	Placer    position.OrderPlacer
	Alerts    ports.AlertSink
	Logger    ports.Logger
	Metrics   *metrics.Metrics // optional

	QuantityPrecision int32
	StartupHold       time.Duration
	StartedAt         time.Time
	MaxSymbols        int // initial risk cap; updated through SetMaxSymbols
	Now               func() time.Time
}

// Coordinator implements the entry algorithm.
type Coordinator struct {
	cfg        Config
	locks      sync.Map // symbol -> *sync.Mutex
	maxSymbols atomic.Int64
	pid        int
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Params == nil || cfg.Flags == nil || cfg.Risk == nil || cfg.Positions == nil ||
		cfg.Placer == nil || cfg.Alerts == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for Coordinator")
	}
	if cfg.QuantityPrecision <= 0 {
		cfg.QuantityPrecision = 8
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = cfg.Now()
	}
	c := &Coordinator{cfg: cfg, pid: os.Getpid()}
	c.SetMaxSymbols(cfg.MaxSymbols)
	return c, nil
}

// SetMaxSymbols updates the risk-side cap on concurrent positions. Zero or less means no cap.
func (c *Coordinator) SetMaxSymbols(n int) {
	c.maxSymbols.Store(int64(n))
}

// Capacity is the effective maximum number of concurrent positions.
func (c *Coordinator) Capacity(params *config.TradingParams) int {
	limit := params.Sizing.MaxConcurrent
	if m := int(c.maxSymbols.Load()); m > 0 && m < limit {
		limit = m
	}
	return limit
}

// Entry processes one buy signal. It never panics on exchange faults; every
// failure is reported through the returned EntryResult.
func (c *Coordinator) Entry(ctx context.Context, sig domain.Signal) (res domain.EntryResult) {
	op := "Entry"
	fields := map[string]interface{}{"symbol": sig.Symbol, "strategy": sig.StrategyTag}
	defer func() {
		c.cfg.Metrics.ObserveEntry(res)
		if res.Accepted() {
			c.cfg.Logger.Info(ctx, fmt.Sprintf("%s: %s", op, res.Status), fields)
		} else {
			c.cfg.Logger.Info(ctx, fmt.Sprintf("%s: %s (%s)", op, res.Status, res.Reason), fields)
		}
	}()

	if sig.Symbol == "" || (sig.Side != "" && sig.Side != domain.Buy) {
		return reject(domain.ReasonInvalidSignal, fmt.Errorf("%w: entry needs a buy signal with a symbol", ports.ErrInvalidRequest))
	}

	if _, err := c.cfg.Params.ReloadTrading(); err != nil {
		c.cfg.Logger.Warn(ctx, fmt.Sprintf("%s: trading parameters rejected, previous values kept: %v", op, err), fields)
	}
	params := c.cfg.Params.Trading()

	if elapsed := c.cfg.Now().Sub(c.cfg.StartedAt); elapsed < c.cfg.StartupHold {
		return reject(domain.ReasonStartupHold, nil)
	}

	unlock, ok := c.tryLockSymbol(sig.Symbol)
	if !ok {
		return reject(domain.ReasonAlreadyPending, nil)
	}
	defer unlock()

	exists, err := c.cfg.Flags.Exists(ctx, sig.Symbol)
	if err != nil {
		return fail(domain.ReasonLockFailed, err)
	}
	if exists {
		return reject(domain.ReasonAlreadyPending, nil)
	}

	if n, limit := c.cfg.Positions.CountActive(params.Sizing.MinNotional), c.Capacity(params); n >= limit {
		fields["active"] = n
		fields["limit"] = limit
		return reject(domain.ReasonCapacity, nil)
	}

	set, err := c.cfg.Flags.TrySet(ctx, domain.PendingFlag{
		Symbol:        sig.Symbol,
		SetAt:         c.cfg.Now(),
		OwnerPID:      c.pid,
		ClientOrderID: uuid.NewString(),
	})
	if err != nil {
		return fail(domain.ReasonLockFailed, err)
	}
	if !set {
		// Another process won the race between Exists and TrySet.
		return reject(domain.ReasonAlreadyPending, nil)
	}
	keepFlag := false
	defer func() {
		if keepFlag {
			return
		}
		if err := c.cfg.Flags.Clear(context.WithoutCancel(ctx), sig.Symbol); err != nil {
			c.cfg.Logger.Error(ctx, err, op+": failed to clear pending flag", fields)
			c.cfg.Alerts.SendAlert(ctx, ports.Alert{
				Message:  fmt.Sprintf("pending flag for %s could not be cleared: %v", sig.Symbol, err),
				Severity: ports.SeverityCritical,
				Category: ports.CategoryError,
			})
		}
	}()

	if err := c.cfg.Risk.CheckEntry(sig.Symbol); err != nil {
		return reject(domain.ReasonRiskBlocked, err)
	}
	if c.cfg.Positions.HasActive(sig.Symbol) {
		return reject(domain.ReasonDuplicatePosition, nil)
	}

	placed, err := c.cfg.Placer.PlaceHybridOrder(ctx, execution.Request{
		Symbol:    sig.Symbol,
		Side:      domain.Buy,
		Notional:  decimal.NewFromFloat(params.Sizing.BuyAmount),
		PriceHint: sig.PriceHint,
	}, position.ExecutionConfig(params, c.cfg.QuantityPrecision))
	c.cfg.Metrics.ObserveOrder(domain.Buy, buyOrderType(placed), err)

	if placed == nil || (!placed.Filled && !placed.Pending()) {
		switch {
		case err == nil:
			return domain.EntryResult{Status: domain.EntryCanceled}
		case errors.Is(err, ports.ErrMinNotional):
			return reject(domain.ReasonMinNotional, err)
		case errors.Is(err, ports.ErrOrderRejected):
			return reject(domain.ReasonOrderRejected, err)
		default:
			c.cfg.Logger.Warn(ctx, fmt.Sprintf("%s: buy failed: %v", op, err), fields)
			return fail(domain.ReasonNone, err)
		}
	}
	if err != nil {
		c.cfg.Logger.Warn(ctx, fmt.Sprintf("%s: buy partially executed before error: %v", op, err), fields)
	}

	pos, recErr := c.cfg.Positions.RecordEntry(ctx, sig, placed)
	if pos == nil {
		// The order executed but could not be tracked; reconciliation imports the balance.
		c.cfg.Logger.Error(ctx, recErr, op+": executed buy not recorded", fields)
		c.cfg.Alerts.SendAlert(ctx, ports.Alert{
			Message:  fmt.Sprintf("BUY %s executed but not recorded: %v", sig.Symbol, recErr),
			Severity: ports.SeverityCritical,
			Category: ports.CategoryError,
		})
		return fail(domain.ReasonNone, recErr)
	}
	if recErr != nil {
		c.cfg.Logger.Error(ctx, recErr, op+": position recorded with persistence error", fields)
	}

	if placed.Pending() {
		// The flag stays until the position store settles the entry order.
		keepFlag = true
		return domain.EntryResult{Status: domain.EntryPending, Position: pos}
	}

	c.cfg.Alerts.SendAlert(ctx, ports.Alert{
		Message: fmt.Sprintf("BUY %s %s @ %s (%s), fee %s, %d order(s)",
			sig.Symbol, placed.Quantity, placed.Price.StringFixed(8), sig.StrategyTag, placed.Fee, placed.Attempts),
		Severity: ports.SeverityInfo,
		Category: ports.CategoryFill,
	})
	return domain.EntryResult{Status: domain.EntryOpened, Position: pos}
}

// tryLockSymbol returns false when another goroutine is already entering symbol.
func (c *Coordinator) tryLockSymbol(symbol string) (func(), bool) {
	v, _ := c.locks.LoadOrStore(symbol, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, false
	}
	return mu.Unlock, true
}

func reject(reason domain.RejectReason, err error) domain.EntryResult {
	return domain.EntryResult{Status: domain.EntryRejected, Reason: reason, Err: err}
}

func fail(reason domain.RejectReason, err error) domain.EntryResult {
	return domain.EntryResult{Status: domain.EntryFailed, Reason: reason, Err: err}
}

func buyOrderType(res *execution.Result) domain.OrderType {
	if res != nil && !res.Market {
		return domain.OrderTypeLimit
	}
	return domain.OrderTypeMarket
}
