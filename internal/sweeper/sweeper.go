// ABOUTME: Background sweeper that reaps sessions whose grace window expired
// ABOUTME: Periodically scans for expired sessions and deletes them through the store

package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/hearth/internal/broadcast"
	"github.com/2389/hearth/internal/protocol"
	"github.com/2389/hearth/internal/store"
)

// Broadcaster is the fan-out capability the sweeper needs.
type Broadcaster interface {
	Publish(group string, frame *protocol.Frame, excludeSubID string)
}

// Sweeper periodically reaps expired sessions. A session expires when its
// grace window (started by a disconnect) elapses without a reconnect, or
// when it sat unclaimed in the queue past the grace period.
//
// Each reap is an independent conditional delete in the store, so running
// multiple sweepers against one database is safe: a given session is
// reaped exactly once.
type Sweeper struct {
	store    store.Store
	router   Broadcaster
	interval time.Duration
	grace    time.Duration
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// New creates a sweeper with the given scan interval and grace period.
func New(s store.Store, router Broadcaster, interval, grace time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    s,
		router:   router,
		interval: interval,
		grace:    grace,
		logger:   logger.With("component", "sweeper"),
	}
}

// Start launches the sweep loop. It stops when ctx is cancelled; Wait
// blocks until the loop has exited.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Go(func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info("sweeper started", "interval", s.interval, "grace", s.grace)
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("sweeper stopped")
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	})
}

// Wait blocks until the sweep loop has exited.
func (s *Sweeper) Wait() {
	s.wg.Wait()
}

// Sweep runs one reap pass and returns how many sessions were deleted.
// Exported so operators can trigger a pass out of band.
func (s *Sweeper) Sweep(ctx context.Context) int {
	cutoff := time.Now().Add(-s.grace)

	candidates, err := s.store.ListExpiredSessions(ctx, cutoff)
	if err != nil {
		s.logger.Error("failed to list expired sessions", "error", err)
		return 0
	}

	reaped := 0
	for _, session := range candidates {
		deleted, err := s.store.ReapSession(ctx, session.ID, cutoff)
		if err != nil {
			s.logger.Error("failed to reap session", "error", err, "session_id", session.ID)
			continue
		}
		if !deleted {
			// The visitor or agent came back between the scan and the delete
			continue
		}
		reaped++

		if session.Status == store.StatusQueued {
			s.router.Publish(broadcast.CompanyGroup(session.CompanyID),
				protocol.NewFrame(protocol.KindQueueDelta, protocol.QueueDeltaPayload{
					SessionID: session.ID,
					Action:    protocol.QueueRemoved,
				}), "")
		}

		s.logger.Info("session reaped",
			"session_id", session.ID,
			"status", session.Status,
			"company_id", session.CompanyID)
	}

	if reaped > 0 {
		s.logger.Debug("sweep complete", "candidates", len(candidates), "reaped", reaped)
	}
	return reaped
}
