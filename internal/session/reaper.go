package session

import (
	"context"
	"log/slog"
	"time"
)

// Reaper destroys sessions that have no attached terminal and have been
// idle for longer than a timeout. Run it periodically via the scheduler.
type Reaper struct {
	manager *Manager
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewReaper creates a reaper. A zero timeout disables reaping.
func NewReaper(m *Manager, idleTimeout time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		manager: m,
		timeout: idleTimeout,
		logger:  logger,
		now:     time.Now,
	}
}

// Enabled reports whether the reaper has a positive idle timeout.
func (r *Reaper) Enabled() bool { return r.timeout > 0 }

// Sweep destroys every idle session and returns how many were reaped.
func (r *Reaper) Sweep(ctx context.Context) int {
	if !r.Enabled() {
		return 0
	}

	now := r.now()
	var victims []*Session
	r.manager.mu.Lock()
	for id, s := range r.manager.sessions {
		// Checked under the registry lock so a concurrent attach through
		// Ensure cannot be reaped mid-connect.
		if s.idle(now, r.timeout) {
			delete(r.manager.sessions, id)
			victims = append(victims, s)
		}
	}
	r.manager.mu.Unlock()

	for _, s := range victims {
		if m := r.manager.metrics; m != nil {
			m.Reaped.Inc()
			m.Destroyed.Inc()
			m.Active.Dec()
		}
		r.logger.InfoContext(ctx, "reaping idle session",
			slog.String("session_id", s.ID),
			slog.Duration("idle", now.Sub(s.LastActive())),
		)
		r.manager.teardown(ctx, s)
	}
	return len(victims)
}

// Job adapts Sweep to the scheduler's job signature.
func (r *Reaper) Job(ctx context.Context) error {
	r.Sweep(ctx)
	return nil
}
