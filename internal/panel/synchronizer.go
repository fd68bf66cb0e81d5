package panel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"tv-fleet-panel/internal/backend"
)

// Synchronizer reconciles device indicators with the backend's fleet status.
type Synchronizer struct {
	session  *Session
	backend  Backend
	interval time.Duration
	logger   *slog.Logger

	issued atomic.Uint64
}

func newSynchronizer(session *Session, be Backend, interval time.Duration, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		session:  session,
		backend:  be,
		interval: interval,
		logger:   logger.With("component", "sync"),
	}
}

// RefreshAllStatus fetches the fleet status and overwrites every rostered
// device's indicator. Devices missing from the roster are ignored.
func (s *Synchronizer) RefreshAllStatus(ctx context.Context) error {
	gen := s.issued.Add(1)

	snap, err := s.backend.FleetStatus(ctx)
	if err != nil {
		s.logger.Warn("status refresh failed", "err", err, "soft", errors.Is(err, backend.ErrSoftFailure))
		return fmt.Errorf("refresh status: %w", err)
	}

	if !s.session.applySnapshot(gen, snap, time.Now()) {
		s.logger.Debug("stale status response dropped", "generation", gen)
		return nil
	}
	s.logger.Debug("status reconciled", "devices", len(snap))
	return nil
}

// Run refreshes immediately and then on every interval until ctx is done.
// Refresh failures are logged and left to the next tick.
func (s *Synchronizer) Run(ctx context.Context) error {
	s.RefreshAllStatus(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.RefreshAllStatus(ctx)
		}
	}
}
