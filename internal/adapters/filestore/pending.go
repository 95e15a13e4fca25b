package filestore

import (
	"context"

	"spotTrader/internal/domain"
)

// PendingFlags implements ports.PendingFlagStore on a shared JSON list.
type PendingFlags struct {
	store *Store
	path  string
}

// NewPendingFlags creates the pending flag document at path.
func (s *Store) NewPendingFlags(path string) *PendingFlags {
	return &PendingFlags{store: s, path: path}
}

// Exists reports whether symbol has a flag.
func (p *PendingFlags) Exists(ctx context.Context, symbol string) (bool, error) {
	var flags []domain.PendingFlag
	if _, err := p.store.read(ctx, p.path, &flags); err != nil {
		return false, err
	}
	return indexOf(flags, symbol) >= 0, nil
}

// TrySet adds flag unless one exists for the symbol. The check and the write
// happen under one exclusive lock so concurrent processes cannot both win.
func (p *PendingFlags) TrySet(ctx context.Context, flag domain.PendingFlag) (bool, error) {
	var flags []domain.PendingFlag
	set := false
	err := p.store.update(ctx, p.path, &flags, func(bool) (bool, error) {
		if indexOf(flags, flag.Symbol) >= 0 {
			return false, nil
		}
		flags = append(flags, flag)
		set = true
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return set, nil
}

// Clear removes the flag for symbol.
func (p *PendingFlags) Clear(ctx context.Context, symbol string) error {
	var flags []domain.PendingFlag
	return p.store.update(ctx, p.path, &flags, func(bool) (bool, error) {
		i := indexOf(flags, symbol)
		if i < 0 {
			return false, nil
		}
		flags = append(flags[:i], flags[i+1:]...)
		return true, nil
	})
}

// List returns every flag.
func (p *PendingFlags) List(ctx context.Context) ([]domain.PendingFlag, error) {
	var flags []domain.PendingFlag
	if _, err := p.store.read(ctx, p.path, &flags); err != nil {
		return nil, err
	}
	return flags, nil
}

func indexOf(flags []domain.PendingFlag, symbol string) int {
	for i, f := range flags {
		if f.Symbol == symbol {
			return i
		}
	}
	return -1
}
