package filestore

import (
	"context"
	"time"

	"spotTrader/internal/domain"
)

type positionsDoc struct {
	SavedAt   time.Time          `json:"saved_at"`
	Positions []*domain.Position `json:"positions"`
}

// PositionSnapshots implements ports.PositionSnapshotStore.
type PositionSnapshots struct {
	store *Store
	path  string
}

// NewPositionSnapshots creates the position document at path.
func (s *Store) NewPositionSnapshots(path string) *PositionSnapshots {
	return &PositionSnapshots{store: s, path: path}
}

// LoadPositions returns the persisted active set; empty when nothing was saved.
func (p *PositionSnapshots) LoadPositions(ctx context.Context) ([]*domain.Position, error) {
	var doc positionsDoc
	if _, err := p.store.read(ctx, p.path, &doc); err != nil {
		return nil, err
	}
	return doc.Positions, nil
}

// SavePositions replaces the document with positions.
func (p *PositionSnapshots) SavePositions(ctx context.Context, positions []*domain.Position) error {
	if positions == nil {
		positions = []*domain.Position{}
	}
	return p.store.write(ctx, p.path, positionsDoc{SavedAt: time.Now(), Positions: positions})
}
