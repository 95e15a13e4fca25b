package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"spotTrader/internal/domain"
)

// sweepFlags clears pending flags that no entry will ever clear: the owner
// process is gone, or the flag outlived the timeout without a pending position.
// A flag backing a pending position is left to settlePending. It returns the
// symbols whose flags are still live.
func (s *PositionStore) sweepFlags(ctx context.Context, now time.Time) (map[string]bool, error) {
	op := "sweepFlags"
	flags, err := s.cfg.Flags.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}
	timeout := s.cfg.Params.Trading().PendingFlagTimeout()

	live := make(map[string]bool, len(flags))
	for _, f := range flags {
		if p, ok := s.Get(f.Symbol); ok && p.Status == domain.StatusPending {
			live[f.Symbol] = true
			continue
		}
		ownerGone := f.OwnerPID > 0 && !s.cfg.ProcessAlive(f.OwnerPID)
		age := now.Sub(f.SetAt)
		if !ownerGone && age < timeout {
			live[f.Symbol] = true
			continue
		}
		fields := map[string]interface{}{
			"symbol": f.Symbol, "ownerPID": f.OwnerPID, "setAt": f.SetAt, "age": age.String(), "ownerGone": ownerGone,
		}
		if err := s.cfg.Flags.Clear(ctx, f.Symbol); err != nil {
			s.cfg.Logger.Warn(ctx, fmt.Sprintf("%s: orphaned flag not cleared: %v", op, err), fields)
			live[f.Symbol] = true
			continue
		}
		s.cfg.Logger.Warn(ctx, op+": orphaned pending flag cleared", fields)
	}
	return live, nil
}

// processAlive sends signal 0 to pid. EPERM means it exists under another user.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
