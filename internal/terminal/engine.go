// Package terminal implements the interactive line-editing protocol that
// sits between a character stream and a session's command dispatcher.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/runbox/internal/protocol"
	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/session"
)

const (
	// Prompt is emitted after every submitted or interrupted line.
	Prompt = "\x1b[1;34muser@container:~$\x1b[0m "

	eraseChar = "\b \b"
	interrupt = "^C\n"
)

// ErrSandboxUnavailable is returned by Feed when the sandbox backend stopped
// answering. The connection should be closed.
var ErrSandboxUnavailable = errors.New("sandbox unavailable")

// Sessions is the part of the session manager the engine needs.
type Sessions interface {
	Ensure(ctx context.Context, id string) (*session.Session, error)
	Destroy(ctx context.Context, id string) bool
}

// EmitFunc sends text to the client.
type EmitFunc func(ctx context.Context, text string) error

// Engine drives one terminal connection. It is not safe for concurrent use;
// feed it from a single goroutine.
type Engine struct {
	sessionID string
	sessions  Sessions
	emit      EmitFunc
	logger    *slog.Logger

	session *session.Session
	detach  func()
	line    []rune
}

// NewEngine creates an engine for sessionID. Call Open before Feed.
func NewEngine(sessionID string, sessions Sessions, emit EmitFunc, logger *slog.Logger) *Engine {
	return &Engine{
		sessionID: sessionID,
		sessions:  sessions,
		emit:      emit,
		logger:    logger,
	}
}

// Banner returns the welcome text for a session, ending with the prompt.
func Banner(sessionID string, h *sandbox.Handle) string {
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("\x1b[1;32mDocker Terminal - Session %s\x1b[0m\n", short) +
		fmt.Sprintf("Container: %s\n", h.ShortID()) +
		Prompt
}

// Open ensures the session exists, attaches to it and emits the banner.
func (e *Engine) Open(ctx context.Context) error {
	s, err := e.sessions.Ensure(ctx, e.sessionID)
	if err != nil {
		return fmt.Errorf("opening session %s: %w", e.sessionID, err)
	}
	e.session = s
	e.detach = s.Attach()

	e.logger.InfoContext(ctx, "terminal attached",
		slog.String("session_id", e.sessionID),
		slog.String("sandbox", s.Handle.ShortID()),
	)
	return e.emit(ctx, Banner(e.sessionID, s.Handle))
}

// Feed processes one client frame character by character.
func (e *Engine) Feed(ctx context.Context, raw []byte) error {
	if e.session == nil {
		return errors.New("terminal not open")
	}

	in := protocol.ParseInput(raw)
	identity := in.Who()

	for _, r := range in.Command {
		if err := ctx.Err(); err != nil {
			return err
		}

		var err error
		switch {
		case r == '\r' || r == '\n':
			err = e.submit(ctx, identity)
		case r == '\x7f' || r == '\b':
			if len(e.line) > 0 {
				e.line = e.line[:len(e.line)-1]
				err = e.emit(ctx, eraseChar)
			}
		case r == '\x03':
			e.line = e.line[:0]
			if err = e.emit(ctx, interrupt); err == nil {
				err = e.emit(ctx, Prompt)
			}
		case r >= 32:
			e.line = append(e.line, r)
			err = e.emit(ctx, string(r))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) submit(ctx context.Context, identity string) error {
	line := string(e.line)
	e.line = e.line[:0]

	if err := e.emit(ctx, "\n"); err != nil {
		return err
	}

	if strings.TrimSpace(line) != "" {
		e.session.Touch()
		res := e.session.Commands.Dispatch(ctx, line, identity)
		if err := ctx.Err(); err != nil {
			// Disconnected mid-command; the output has nowhere to go.
			return err
		}
		if text := res.Text(); text != "" {
			if err := e.emit(ctx, text); err != nil {
				return err
			}
		}
		if errors.Is(res.Err, sandbox.ErrUnavailable) {
			return fmt.Errorf("%w: %v", ErrSandboxUnavailable, res.Err)
		}
	}

	return e.emit(ctx, Prompt)
}

// Buffered returns the current unsubmitted line.
func (e *Engine) Buffered() string {
	return string(e.line)
}

// Close detaches from the session and destroys it.
func (e *Engine) Close(ctx context.Context) {
	if e.detach != nil {
		e.detach()
		e.detach = nil
	}
	if e.session == nil {
		return
	}
	e.session = nil
	if e.sessions.Destroy(ctx, e.sessionID) {
		e.logger.InfoContext(ctx, "terminal closed, session destroyed",
			slog.String("session_id", e.sessionID),
		)
	}
}
