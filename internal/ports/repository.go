package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"spotTrader/internal/domain"
)

// OrderLog is the append-only audit record of every placed order.
type OrderLog interface {
	// Append saves a new record and returns its assigned ID.
	Append(ctx context.Context, entry *domain.OrderLogEntry) (int64, error)
	// RealizedPnLSince sums realized PnL of sell rows at or after since.
	RealizedPnLSince(ctx context.Context, since time.Time) (decimal.Decimal, error)
	// ListBetween returns rows in [from, to), oldest first. An empty tag matches all strategies.
	ListBetween(ctx context.Context, from, to time.Time, strategyTag string) ([]*domain.OrderLogEntry, error)
}

// PositionSnapshotStore persists the active position set as one document.
type PositionSnapshotStore interface {
	LoadPositions(ctx context.Context) ([]*domain.Position, error)
	SavePositions(ctx context.Context, positions []*domain.Position) error
}

// PendingFlagStore is the cross-process in-flight marker list.
type PendingFlagStore interface {
	// Exists reports whether symbol has a flag.
	Exists(ctx context.Context, symbol string) (bool, error)
	// TrySet atomically sets the flag. Returns false if it was already set.
	TrySet(ctx context.Context, flag domain.PendingFlag) (bool, error)
	// Clear removes the flag for symbol. Clearing a missing flag is not an error.
	Clear(ctx context.Context, symbol string) error
	// List returns every flag.
	List(ctx context.Context) ([]domain.PendingFlag, error)
}

// RiskStateStore persists the risk controller snapshot.
type RiskStateStore interface {
	// LoadRiskState returns nil, nil when no state was saved yet.
	LoadRiskState(ctx context.Context) (*domain.RiskState, error)
	SaveRiskState(ctx context.Context, state *domain.RiskState) error
}

// SignalSource drains queued signals produced by an external pipeline.
type SignalSource interface {
	Drain(ctx context.Context) ([]domain.Signal, error)
}
