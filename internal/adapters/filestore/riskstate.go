package filestore

import (
	"context"

	"spotTrader/internal/domain"
)

// RiskStateFile implements ports.RiskStateStore.
type RiskStateFile struct {
	store *Store
	path  string
}

// NewRiskStateFile creates the risk state document at path.
func (s *Store) NewRiskStateFile(path string) *RiskStateFile {
	return &RiskStateFile{store: s, path: path}
}

// LoadRiskState returns nil, nil when no state was saved yet.
func (r *RiskStateFile) LoadRiskState(ctx context.Context) (*domain.RiskState, error) {
	state := domain.NewRiskState()
	found, err := r.store.read(ctx, r.path, state)
	if err != nil || !found {
		return nil, err
	}
	if state.SlippageEventsBySymbol == nil {
		state.SlippageEventsBySymbol = make(map[string]int)
	}
	return state, nil
}

// SaveRiskState replaces the document with state.
func (r *RiskStateFile) SaveRiskState(ctx context.Context, state *domain.RiskState) error {
	return r.store.write(ctx, r.path, state)
}
