// Package position owns the working set of spot positions: entry recording,
// broker reconciliation, the per-second management cycle and exits.
//
// Lock order is symbol lock, then PositionStore.mu. Network calls are made
// holding only the symbol lock; every in-memory mutation is followed by a
// snapshot write before mu is released.
package position

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"spotTrader/config"
	"spotTrader/internal/domain"
	"spotTrader/internal/execution"
	"spotTrader/internal/metrics"
	"spotTrader/internal/ports"
)

// OrderPlacer executes a hybrid buy or sell.
type OrderPlacer interface {
	PlaceHybridOrder(ctx context.Context, req execution.Request, cfg execution.Config) (*execution.Result, error)
}

// ParamsSource returns the current trading parameters.
type ParamsSource interface {
	Trading() *config.TradingParams
}

// Config wires a PositionStore.
type Config struct {
	Exchange  ports.ExchangeClient
	Placer    OrderPlacer
	Snapshots ports.PositionSnapshotStore
	Flags     ports.PendingFlagStore
	OrderLog  ports.OrderLog
	Alerts    ports.AlertSink
	Params    ParamsSource
	Logger    ports.Logger
	Metrics   *metrics.Metrics // optional

	// ProcessAlive reports whether a pending flag owner is still running.
	// Defaults to sending signal 0 to the pid.
	ProcessAlive func(pid int) bool

	QuoteAsset        string
	QuantityPrecision int32
	TickerRetries     int           // attempts per symbol on retryable ticker errors
	TickerBackoffMin  time.Duration // first retry delay, doubled per attempt
	Now               func() time.Time
}

// PositionStore is the single owner of the active position set.
type PositionStore struct {
	cfg Config

	mu        sync.Mutex
	positions map[string]*domain.Position
	slippage  ports.SlippageObserver
	risk      ports.RiskGate

	symbolLocks sync.Map // symbol -> *sync.Mutex
	newID       func() string
}

// NewPositionStore validates cfg and returns an empty store. Call Load before use.
func NewPositionStore(cfg Config) (*PositionStore, error) {
	if cfg.Exchange == nil || cfg.Placer == nil || cfg.Snapshots == nil || cfg.Flags == nil ||
		cfg.OrderLog == nil || cfg.Alerts == nil || cfg.Params == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for PositionStore")
	}
	if cfg.QuoteAsset == "" {
		return nil, fmt.Errorf("%w: quote asset is required", ports.ErrConfigurationError)
	}
	if cfg.QuantityPrecision <= 0 {
		cfg.QuantityPrecision = 8
	}
	if cfg.TickerRetries <= 0 {
		cfg.TickerRetries = 3
	}
	if cfg.TickerBackoffMin <= 0 {
		cfg.TickerBackoffMin = 100 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ProcessAlive == nil {
		cfg.ProcessAlive = processAlive
	}
	return &PositionStore{
		cfg:       cfg,
		positions: make(map[string]*domain.Position),
		newID:     uuid.NewString,
	}, nil
}

// SetSlippageObserver attaches the collaborator that receives exit slippage.
func (s *PositionStore) SetSlippageObserver(o ports.SlippageObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slippage = o
}

// SetRiskGate attaches the gate consulted before pyramiding or averaging down.
// Adds are skipped while it blocks entries for the symbol.
func (s *PositionStore) SetRiskGate(g ports.RiskGate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.risk = g
}

func (s *PositionStore) riskGate() ports.RiskGate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.risk
}

// ExecutionConfig derives hybrid placement settings from the trading parameters.
func ExecutionConfig(p *config.TradingParams, precision int32) execution.Config {
	return execution.Config{
		SpreadThreshold:   p.Execution.SpreadThreshold,
		MaxRetry:          p.Execution.MaxRetry,
		MinNotional:       decimal.NewFromFloat(p.Sizing.MinNotional),
		QuantityPrecision: precision,
	}
}

// Load restores the snapshot written by a previous run.
func (s *PositionStore) Load(ctx context.Context) error {
	op := "PositionStore.Load"
	list, err := s.cfg.Snapshots.LoadPositions(ctx)
	if err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = make(map[string]*domain.Position, len(list))
	for _, p := range list {
		if p == nil || !p.IsActive() {
			continue
		}
		s.positions[p.Symbol] = p
	}
	s.cfg.Metrics.SetOpenPositions(len(s.positions))
	s.cfg.Logger.Info(ctx, fmt.Sprintf("%s: restored %d positions", op, len(s.positions)))
	return nil
}

// Snapshot returns copies of every active position ordered by symbol.
func (s *PositionStore) Snapshot() []*domain.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked()
}

// Get returns a copy of the active position for symbol.
func (s *PositionStore) Get(symbol string) (*domain.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[symbol]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// HasActive reports whether symbol has a pending or open position.
func (s *PositionStore) HasActive(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[symbol]
	return ok && p.IsActive()
}

// CountActive counts pending and open positions whose notional exceeds minNotional.
// Pending positions with nothing filled yet always count.
func (s *PositionStore) CountActive(minNotional float64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := decimal.NewFromFloat(minNotional)
	n := 0
	for _, p := range s.positions {
		if !p.IsActive() {
			continue
		}
		if p.Status == domain.StatusPending || p.Notional().GreaterThan(limit) {
			n++
		}
	}
	return n
}

// RecordEntry adds the position produced by an entry buy. A filled result
// becomes open; an accepted but unconfirmed order becomes pending.
func (s *PositionStore) RecordEntry(ctx context.Context, sig domain.Signal, res *execution.Result) (*domain.Position, error) {
	op := "RecordEntry"
	if res == nil || (!res.Filled && !res.Pending()) {
		return nil, fmt.Errorf("%s failed: %w: nothing filled for %s", op, ports.ErrInvalidRequest, sig.Symbol)
	}
	unlock := s.lockSymbol(sig.Symbol)
	defer unlock()

	now := s.cfg.Now()
	p := &domain.Position{
		Symbol:         sig.Symbol,
		Status:         domain.StatusOpen,
		EntryTimestamp: now,
		Origin:         domain.OriginTrade,
		StrategyTag:    sig.StrategyTag,
		LastFillAt:     now,
	}
	if res.Filled {
		p.AddFill(res.Price, res.Quantity, res.Fee, now)
		p.ObservePrice(res.Price)
	}
	if res.Pending() {
		p.Status = domain.StatusPending
		p.EntryOrderID = res.PendingOrderID
		p.EntryOrderFilled = res.PendingFilled
	}

	s.mu.Lock()
	if existing, ok := s.positions[sig.Symbol]; ok && existing.IsActive() {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s failed: %w: %s already has a %s position", op, ports.ErrInvariantViolation, sig.Symbol, existing.Status)
	}
	s.positions[sig.Symbol] = p
	err := s.persistLocked(ctx)
	out := p.Clone()
	s.mu.Unlock()

	s.appendOrder(ctx, &domain.OrderLogEntry{
		OrderID:     lastOrderID(res),
		Symbol:      sig.Symbol,
		Side:        domain.Buy,
		Quantity:    res.Quantity,
		Price:       res.Price,
		Type:        orderType(res),
		State:       res.State,
		Fee:         res.Fee,
		StrategyTag: sig.StrategyTag,
	})
	s.cfg.Logger.Info(ctx, fmt.Sprintf("%s: %s position recorded", op, p.Status), map[string]interface{}{
		"symbol": sig.Symbol, "qty": res.Quantity.String(), "price": res.Price.String(), "attempts": res.Attempts,
	})
	return out, err
}

// --- internals ---

func (s *PositionStore) lockSymbol(symbol string) func() {
	l, _ := s.symbolLocks.LoadOrStore(symbol, &sync.Mutex{})
	m := l.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

func (s *PositionStore) listLocked() []*domain.Position {
	out := make([]*domain.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// persistLocked writes the snapshot document. mu must be held.
func (s *PositionStore) persistLocked(ctx context.Context) error {
	op := "persistPositions"
	list := s.listLocked()
	if err := s.cfg.Snapshots.SavePositions(ctx, list); err != nil {
		s.cfg.Logger.Error(ctx, err, op+": snapshot write failed", map[string]interface{}{"positions": len(list)})
		if errors.Is(err, ports.ErrLockAcquisition) {
			s.cfg.Alerts.SendAlert(ctx, ports.Alert{
				Message:  fmt.Sprintf("position snapshot lock not acquired: %v", err),
				Severity: ports.SeverityCritical,
				Category: ports.CategoryError,
			})
		}
		return fmt.Errorf("%s failed: %w", op, err)
	}
	s.cfg.Metrics.SetOpenPositions(len(list))
	return nil
}

// mutate runs fn on the live position for symbol and persists if fn reports a change.
func (s *PositionStore) mutate(ctx context.Context, symbol string, fn func(p *domain.Position) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[symbol]
	if !ok {
		return fmt.Errorf("%w: no position for %s", ports.ErrNotFound, symbol)
	}
	if !fn(p) {
		return nil
	}
	return s.persistLocked(ctx)
}

// remove deletes symbol from the active set and persists.
func (s *PositionStore) remove(ctx context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[symbol]; !ok {
		return nil
	}
	delete(s.positions, symbol)
	return s.persistLocked(ctx)
}

func (s *PositionStore) clearFlag(ctx context.Context, symbol string) {
	if err := s.cfg.Flags.Clear(ctx, symbol); err != nil {
		s.cfg.Logger.Error(ctx, err, "clearFlag: pending flag not cleared", map[string]interface{}{"symbol": symbol})
	}
}

func (s *PositionStore) appendOrder(ctx context.Context, entry *domain.OrderLogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.cfg.Now()
	}
	if _, err := s.cfg.OrderLog.Append(ctx, entry); err != nil {
		s.cfg.Logger.Error(ctx, err, "appendOrder: order log write failed", map[string]interface{}{
			"symbol": entry.Symbol, "orderID": entry.OrderID,
		})
	}
}

func (s *PositionStore) minNotional() decimal.Decimal {
	return decimal.NewFromFloat(s.cfg.Params.Trading().Sizing.MinNotional)
}

func lastOrderID(res *execution.Result) string {
	if len(res.OrderIDs) == 0 {
		return ""
	}
	return res.OrderIDs[len(res.OrderIDs)-1]
}

func orderType(res *execution.Result) domain.OrderType {
	if res.Market {
		return domain.OrderTypeMarket
	}
	return domain.OrderTypeLimit
}
