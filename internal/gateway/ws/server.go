// Package ws implements the terminal WebSocket endpoint. Each connection
// addresses a session by id and drives a terminal.Engine with the frames it
// receives.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/runbox/internal/config"
	"github.com/jkaninda/runbox/internal/observability"
	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/terminal"
)

const (
	defaultReadLimit = 64 << 10
	teardownTimeout  = 30 * time.Second
	writeTimeout     = 10 * time.Second

	// frameBacklog bounds keystroke frames queued behind a running command.
	frameBacklog = 1024
)

// Server upgrades terminal connections and runs one engine per connection.
type Server struct {
	sessions terminal.Sessions
	cfg      *config.WebSocketGatewayConfig
	metrics  *observability.MetricsCollector // nil = no metrics
	logger   *slog.Logger

	active atomic.Int64
}

// NewServer creates a terminal WebSocket server. cfg and metrics may be nil.
func NewServer(sessions terminal.Sessions, cfg *config.WebSocketGatewayConfig, metrics *observability.MetricsCollector, logger *slog.Logger) *Server {
	return &Server{
		sessions: sessions,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
	}
}

// Pattern is the route the handler expects, e.g. "/ws/{session_id}".
func (s *Server) Pattern() string {
	return s.cfg.WSPath() + "{session_id}"
}

// Active returns the number of open terminal connections.
func (s *Server) Active() int64 {
	return s.active.Load()
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := strings.CutPrefix(r.URL.Path, s.cfg.WSPath())
	if !ok || sessionID == "" || strings.Contains(sessionID, "/") {
		http.Error(w, "expected "+s.Pattern(), http.StatusNotFound)
		return
	}

	opts := &websocket.AcceptOptions{}
	if s.cfg != nil && len(s.cfg.AllowedOrigins) > 0 {
		opts.OriginPatterns = s.cfg.AllowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	limit := int64(defaultReadLimit)
	if s.cfg != nil && s.cfg.ReadLimitBytes > 0 {
		limit = s.cfg.ReadLimitBytes
	}
	conn.SetReadLimit(limit)

	s.handleConnection(r.Context(), conn, sessionID)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, sessionID string) {
	s.active.Add(1)
	if s.metrics != nil {
		s.metrics.TerminalConnections.Inc()
	}
	defer func() {
		s.active.Add(-1)
		if s.metrics != nil {
			s.metrics.TerminalConnections.Dec()
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	emit := func(ctx context.Context, text string) error {
		wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
		defer wcancel()
		return conn.Write(wctx, websocket.MessageText, []byte(text))
	}
	engine := terminal.NewEngine(sessionID, s.sessions, emit, s.logger)

	if err := engine.Open(ctx); err != nil {
		s.logger.Warn("terminal session open failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		_ = emit(ctx, OpenFailureText(err))
		conn.Close(websocket.StatusInternalError, "session unavailable")
		return
	}

	// Teardown outlives the request context.
	defer func() {
		tctx, tcancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer tcancel()
		engine.Close(tctx)
	}()

	// Reads run apart from Feed so pongs are still consumed while a command
	// executes. Frames are fed strictly in arrival order.
	frames := make(chan inbound, frameBacklog)
	go readLoop(ctx, conn, frames)
	go s.pingLoop(ctx, cancel, conn, sessionID)

	for {
		var in inbound
		select {
		case <-ctx.Done():
			return
		case in = <-frames:
		}

		if in.err != nil {
			switch websocket.CloseStatus(in.err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				s.logger.Info("terminal disconnected", slog.String("session_id", sessionID))
			default:
				if ctx.Err() == nil {
					s.logger.Warn("terminal connection error",
						slog.String("session_id", sessionID),
						slog.String("error", in.err.Error()),
					)
				}
			}
			return
		}

		if err := engine.Feed(ctx, in.data); err != nil {
			if errors.Is(err, terminal.ErrSandboxUnavailable) {
				s.logger.Error("sandbox unavailable, closing terminal",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()),
				)
				conn.Close(websocket.StatusTryAgainLater, "sandbox unavailable")
				return
			}
			s.logger.Debug("terminal feed stopped",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
			conn.Close(websocket.StatusInternalError, "write failed")
			return
		}
	}
}

// inbound is one frame read from the peer, or the error that ended reading.
type inbound struct {
	data []byte
	err  error
}

// readLoop reads frames until the connection fails or ctx ends. The final
// read error is delivered as the last inbound value.
func readLoop(ctx context.Context, conn *websocket.Conn, frames chan<- inbound) {
	for {
		_, data, err := conn.Read(ctx)
		select {
		case frames <- inbound{data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// pingLoop keeps the connection alive and cancels it when the peer stops
// answering.
func (s *Server) pingLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sessionID string) {
	interval := s.cfg.WSPingInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(ctx, interval)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Debug("terminal ping failed",
						slog.String("session_id", sessionID),
						slog.String("error", err.Error()),
					)
				}
				cancel()
				return
			}
		}
	}
}

// OpenFailureText is the message sent before closing a connection whose
// session could not be created.
func OpenFailureText(err error) string {
	if errors.Is(err, sandbox.ErrUnavailable) {
		return "Docker not available\n"
	}
	return fmt.Sprintf("Failed to create session: %v\n", err)
}
