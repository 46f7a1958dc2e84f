package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/jkaninda/runbox/internal/command"
	"github.com/jkaninda/runbox/internal/files"
	"github.com/jkaninda/runbox/internal/sandbox"
)

var (
	// ErrInvalidID is returned for an empty session id.
	ErrInvalidID = errors.New("invalid session id")

	// ErrClosed is returned by Ensure after Shutdown.
	ErrClosed = errors.New("session manager is shut down")
)

// defaultShutdownConcurrency bounds parallel teardown during Shutdown.
const defaultShutdownConcurrency = 8

// Options configures a Manager.
type Options struct {
	// Dispatch configures the command dispatcher of every new session.
	Dispatch command.Options

	// Metrics is optional.
	Metrics *Metrics

	// ShutdownConcurrency bounds parallel teardown. Default: 8.
	ShutdownConcurrency int
}

// Manager is the registry of live sessions. At most one sandbox exists per
// session id at any time.
type Manager struct {
	client  sandbox.Client
	opts    Options
	metrics *Metrics
	logger  *slog.Logger

	group singleflight.Group

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager creates an empty registry backed by client.
func NewManager(client sandbox.Client, opts Options, logger *slog.Logger) *Manager {
	if opts.ShutdownConcurrency <= 0 {
		opts.ShutdownConcurrency = defaultShutdownConcurrency
	}
	if opts.Dispatch.ScriptName == "" {
		opts.Dispatch.ScriptName = command.DefaultScriptName
	}
	return &Manager{
		client:   client,
		opts:     opts,
		metrics:  opts.Metrics,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Ensure returns the live session for id, creating it if needed. Concurrent
// calls for the same id share one creation. On failure nothing is registered.
func (m *Manager) Ensure(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if s, ok := m.acquire(id); ok {
		return s, nil
	}

	v, err, _ := m.group.Do(id, func() (any, error) {
		if s, ok := m.acquire(id); ok {
			return s, nil
		}
		return m.create(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	s := v.(*Session)
	s.Touch()
	return s, nil
}

// acquire looks a session up and marks it active under the registry lock,
// so the reaper cannot take it between lookup and use.
func (m *Manager) acquire(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if ok {
		s.Touch()
	}
	return s, ok
}

func (m *Manager) create(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	start := time.Now()
	h, err := m.client.Create(ctx, id)
	if err != nil {
		if m.metrics != nil {
			m.metrics.CreateFailures.Inc()
		}
		return nil, fmt.Errorf("creating sandbox for session %s: %w", id, err)
	}

	cache := files.NewCache(m.client, h, m.logger)
	s := &Session{
		ID:        id,
		Handle:    h,
		Files:     cache,
		Commands:  command.New(m.client, h, cache, m.opts.Dispatch, m.logger),
		CreatedAt: time.Now().UTC(),
	}
	s.Touch()

	// A persisted volume may already hold the script.
	if !cache.Exists(ctx, m.opts.Dispatch.ScriptName) {
		cache.Write(ctx, m.opts.Dispatch.ScriptName, "")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.teardown(context.WithoutCancel(ctx), s)
		return nil, ErrClosed
	}
	m.sessions[id] = s
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.Created.Inc()
		m.metrics.Active.Inc()
		m.metrics.CreateDuration.Observe(time.Since(start).Seconds())
	}
	m.logger.InfoContext(ctx, "session created",
		slog.String("session_id", id),
		slog.String("sandbox", h.ShortID()),
		slog.Duration("duration", time.Since(start)),
	)
	return s, nil
}

// Get returns the live session for id without creating one.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Destroy unregisters the session, then tears its sandbox down. Teardown
// failures are logged. Reports whether the session existed.
func (m *Manager) Destroy(ctx context.Context, id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	if m.metrics != nil {
		m.metrics.Destroyed.Inc()
		m.metrics.Active.Dec()
	}
	m.teardown(ctx, s)
	return true
}

func (m *Manager) teardown(ctx context.Context, s *Session) {
	if err := m.client.Destroy(ctx, s.Handle); err != nil {
		m.logger.WarnContext(ctx, "session teardown failed",
			slog.String("session_id", s.ID),
			slog.String("sandbox", s.Handle.ShortID()),
			slog.String("error", err.Error()),
		)
		return
	}
	m.logger.InfoContext(ctx, "session destroyed",
		slog.String("session_id", s.ID),
		slog.String("sandbox", s.Handle.ShortID()),
	)
}

// Shutdown destroys every live session concurrently and refuses new ones.
// Every teardown is attempted; failures are joined into the returned error.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	clear(m.sessions)
	m.mu.Unlock()

	if len(live) == 0 {
		return nil
	}
	m.logger.InfoContext(ctx, "shutting down sessions", slog.Int("count", len(live)))

	var (
		errMu sync.Mutex
		errs  []error
	)
	var g errgroup.Group
	g.SetLimit(m.opts.ShutdownConcurrency)
	for _, s := range live {
		g.Go(func() error {
			if m.metrics != nil {
				m.metrics.Destroyed.Inc()
				m.metrics.Active.Dec()
			}
			if err := m.client.Destroy(ctx, s.Handle); err != nil {
				m.logger.WarnContext(ctx, "session teardown failed",
					slog.String("session_id", s.ID),
					slog.String("error", err.Error()),
				)
				errMu.Lock()
				errs = append(errs, fmt.Errorf("session %s: %w", s.ID, err))
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// IDs returns the live session ids, sorted.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}
