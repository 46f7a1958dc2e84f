// Package sandbox provides long-lived isolated environments bound to a session.
// All user code and commands run through a sandbox, never directly on the host.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnavailable is returned when the isolation backend cannot be reached
	// (docker daemon down, binary missing).
	ErrUnavailable = errors.New("sandbox backend unavailable")

	// ErrNotFound is returned when a file or container does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTimeout is returned when an exec exceeds its deadline.
	ErrTimeout = errors.New("execution timed out")
)

// Client creates and drives per-session sandboxes.
type Client interface {
	// Create provisions a fresh environment for sessionID. A stale environment
	// with the same name is replaced.
	Create(ctx context.Context, sessionID string) (*Handle, error)

	// Exec runs a command inside the environment and returns its combined
	// stdout/stderr. A nonzero exit is a result, not an error.
	Exec(ctx context.Context, h *Handle, req ExecRequest) (*ExecResult, error)

	// PutFile writes content to destPath, creating or replacing it.
	PutFile(ctx context.Context, h *Handle, destPath string, content []byte) error

	// GetFile reads a single regular file. Returns ErrNotFound if absent.
	GetFile(ctx context.Context, h *Handle, path string) ([]byte, error)

	// Destroy stops and removes the environment. Destroying an already
	// removed environment is not an error.
	Destroy(ctx context.Context, h *Handle) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}

// Limits constrains a sandbox environment.
type Limits struct {
	MemoryMB       int     // Hard memory ceiling.
	CPUCores       float64 // CPU share (e.g. 0.5 = half a core).
	PIDsLimit      int     // Fork bomb protection.
	NetworkAllowed bool    // false = no network stack.
}

// Handle references a live sandbox environment.
type Handle struct {
	ID        string // Backend identifier (container ID or host directory).
	Name      string // Human-readable name (container name).
	SessionID string
	WorkDir   string // Directory user files live in.
	Volume    string // Persistent storage keyed by session.
	Limits    Limits
	CreatedAt time.Time
}

// ShortID returns the first 12 characters of the backend ID.
func (h *Handle) ShortID() string {
	if h == nil {
		return ""
	}
	if len(h.ID) > 12 {
		return h.ID[:12]
	}
	return h.ID
}

// ExecRequest defines what to run inside a sandbox.
type ExecRequest struct {
	// Command is the program and arguments (e.g. ["ls", "-la"]).
	Command []string

	// WorkDir overrides the handle's working directory.
	WorkDir string

	// User overrides the backend's default user.
	User string

	// Timeout bounds the exec. Zero = backend default.
	Timeout time.Duration
}

// ExecResult captures the outcome of a sandboxed command.
type ExecResult struct {
	Output   []byte // Combined stdout and stderr.
	ExitCode int
	Duration time.Duration
}

// interrupted describes an exec stopped by ctx: ErrTimeout when its deadline
// passed, the cancellation otherwise.
func interrupted(ctx context.Context, timeout time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	return fmt.Errorf("execution canceled: %w", ctx.Err())
}
