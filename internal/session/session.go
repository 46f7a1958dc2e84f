// Package session owns the lifecycle of per-session sandboxes: creation on
// first reference, lookup, teardown, and idle reaping.
package session

import (
	"sync/atomic"
	"time"

	"github.com/jkaninda/runbox/internal/command"
	"github.com/jkaninda/runbox/internal/files"
	"github.com/jkaninda/runbox/internal/sandbox"
)

// Session binds one sandbox handle to its file cache and command dispatcher.
type Session struct {
	ID        string
	Handle    *sandbox.Handle
	Files     *files.Cache
	Commands  *command.Dispatcher
	CreatedAt time.Time

	attached   atomic.Int32
	lastActive atomic.Int64 // unix nanoseconds
}

// Touch marks the session as used now.
func (s *Session) Touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns when the session was last used.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Attach records a connected terminal and returns the matching detach func.
// The detach func is safe to call more than once.
func (s *Session) Attach() (detach func()) {
	s.attached.Add(1)
	s.Touch()
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			s.attached.Add(-1)
			s.Touch()
		}
	}
}

// Attached returns the number of connected terminals.
func (s *Session) Attached() int {
	return int(s.attached.Load())
}

// idle reports whether the session has no terminal and has not been used
// for at least d.
func (s *Session) idle(now time.Time, d time.Duration) bool {
	return s.Attached() == 0 && now.Sub(s.LastActive()) >= d
}
