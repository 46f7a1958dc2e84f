// Package httpapi implements the HTTP API gateway for runbox.
//
// Security:
//   - Optional API key authentication on /v1 (constant-time comparison)
//   - Request body size limits (default 12 MB)
//   - Per-caller rate limiting via token bucket
//   - Request bodies validated before any sandbox work
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"
	"github.com/jkaninda/runbox/internal/gateway"
	"github.com/jkaninda/runbox/internal/observability"
	"github.com/jkaninda/runbox/internal/protocol"
	"github.com/jkaninda/runbox/internal/ratelimit"
	"github.com/jkaninda/runbox/internal/storage"
)

const defaultMaxRequestSize = 12 << 20 // 12 MB: a 10 MB file plus JSON framing.

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8000"
	EnableDocs     bool
	APIKeys        map[string]string // API key → identity. Empty = /v1 is open.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 12 MB default.
	Version        string            // Reported by GET /.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	service  *gateway.Service
	limiter  *ratelimit.Limiter
	validate *validator.Validate
	logger   *slog.Logger
	server   *http.Server

	// Extra handlers mounted on the HTTP mux (terminal WebSocket, MCP).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	methods []string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway. rl may be nil.
func NewGateway(cfg Config, svc *gateway.Service, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:   cfg,
		service:  svc,
		limiter:  rl,
		validate: validator.New(),
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "runbox",
			Version: g.version(),
		},
	)
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given
// pattern, for the given methods (GET when none). The handler sits behind
// the API key check when keys are configured.
func (g *Gateway) WithHandler(pattern string, handler http.Handler, methods ...string) *Gateway {
	if len(methods) == 0 {
		methods = []string{http.MethodGet}
	}
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, methods: methods, handler: handler})
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.registerRoutes()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

func (g *Gateway) registerRoutes() {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}
	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return LimitBody(g.config.MaxRequestSize, next)
	})

	// /v1 group, authenticated when API keys are configured.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/execute", g.handleExecute,
		okapi.DocSummary("Run code in a temporary sandbox"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(protocol.ExecuteRequest{}),
		okapi.DocResponse(protocol.ExecuteResponse{}),
		okapi.DocResponse(http.StatusBadRequest, protocol.ErrorResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, protocol.ErrorResponse{}),
		okapi.DocResponse(http.StatusTooManyRequests, protocol.ErrorResponse{}),
		okapi.DocResponse(http.StatusServiceUnavailable, protocol.ErrorResponse{}),
	)
	g.group.Post("/update-file/{session_id}", g.handleUpdateFile,
		okapi.DocSummary("Write a file into a session, creating the session if needed"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("session_id", "string", "Session ID"),
		okapi.DocRequestBody(protocol.UpdateFileRequest{}),
		okapi.DocResponse(protocol.StatusResponse{}),
		okapi.DocResponse(http.StatusBadRequest, protocol.ErrorResponse{}),
		okapi.DocResponse(http.StatusServiceUnavailable, protocol.ErrorResponse{}),
	)
	g.group.Get("/files/{session_id}", g.handleFiles,
		okapi.DocSummary("List the files of a session"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("session_id", "string", "Session ID"),
		okapi.DocResponse(protocol.FilesResponse{}),
		okapi.DocResponse(http.StatusNotFound, protocol.ErrorResponse{}),
	)
	g.group.Get("/sessions", g.handleSessions,
		okapi.DocSummary("List live sessions"),
		okapi.DocTags("Sessions"),
		okapi.DocResponse(protocol.SessionsResponse{}),
	)
	if g.service.HistoryEnabled() {
		g.group.Get("/sessions/{session_id}/history", g.handleHistory,
			okapi.DocSummary("Recent executions of a session, newest first"),
			okapi.DocTags("Sessions"),
			okapi.DocPathParam("session_id", "string", "Session ID"),
			okapi.DocResponse([]storage.Execution{}),
		)
	}

	// Raw file bytes do not fit the JSON context helpers.
	g.okapi.HandleStd(http.MethodGet, DownloadPrefix+"{session_id}/{filename}",
		g.requireKey(DownloadHandler(g.service, g.logger)).ServeHTTP)

	for _, er := range g.extraRoutes {
		h := g.requireKey(er.handler)
		for _, m := range er.methods {
			g.okapi.HandleStd(m, er.pattern, h.ServeHTTP)
		}
	}

	// Unauthenticated endpoints.
	g.okapi.Get("/", g.handleRoot)
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd(http.MethodGet, path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

func (g *Gateway) version() string {
	if g.config.Version == "" {
		return "dev"
	}
	return g.config.Version
}

// --- Handlers ---

func (g *Gateway) handleRoot(c *okapi.Context) error {
	docs := ""
	if g.config.EnableDocs {
		docs = "/docs"
	}
	return c.OK(protocol.Banner{
		Message:          "Code Execution API running",
		Version:          g.version(),
		Docs:             docs,
		ExecuteEndpoint:  "/v1/execute",
		SandboxAvailable: g.service.SandboxAvailable(c.Context()),
	})
}

func (g *Gateway) handleExecute(c *okapi.Context) error {
	userID := c.GetString("userID")
	if err := g.allow(c, userID); err != nil {
		return err
	}

	var req protocol.ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}
	if err := g.validate.Struct(req); err != nil {
		return c.AbortBadRequest("sourceCode is required", err)
	}

	identity := req.Who()
	if identity == "" {
		identity = userID
	}
	resp, err := g.service.Execute(c.Context(), req.SourceCode, identity)
	if err != nil {
		return g.fail(c, "execute", err)
	}
	return c.OK(resp)
}

func (g *Gateway) handleUpdateFile(c *okapi.Context) error {
	if err := g.allow(c, c.GetString("userID")); err != nil {
		return err
	}

	var req protocol.UpdateFileRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}
	if err := g.validate.Struct(req); err != nil {
		return c.AbortBadRequest("invalid filename or content", err)
	}

	if err := g.service.UpdateFile(c.Context(), c.Param("session_id"), req.Filename, req.Content); err != nil {
		return g.fail(c, "update file", err)
	}
	return c.OK(protocol.StatusResponse{Status: "success"})
}

func (g *Gateway) handleFiles(c *okapi.Context) error {
	resp, err := g.service.Files(c.Context(), c.Param("session_id"))
	if err != nil {
		return g.fail(c, "list files", err)
	}
	return c.OK(resp)
}

func (g *Gateway) handleSessions(c *okapi.Context) error {
	return c.OK(g.service.Sessions())
}

func (g *Gateway) handleHistory(c *okapi.Context) error {
	limit, _ := strconv.Atoi(c.Request().URL.Query().Get("limit"))
	records, err := g.service.History(c.Context(), c.Param("session_id"), limit)
	if err != nil {
		return g.fail(c, "history", err)
	}
	return c.OK(records)
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(observability.HealthStatus{Status: observability.StatusOK})
	}
	return c.OK(g.config.HealthChecker.CheckHealth())
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(observability.HealthStatus{Status: observability.StatusOK})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != observability.StatusOK {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication & limits ---

// authenticate validates the API key and stores the mapped identity.
// With no keys configured every request passes with an empty identity.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			return next(c)
		}
		userID, ok := lookupKey(g.config.APIKeys, bearerToken(c.Header("Authorization")))
		if !ok {
			return c.AbortUnauthorized("missing or invalid API key")
		}
		c.Set("userID", userID)
		return next(c)
	}
}

func (g *Gateway) requireKey(next http.Handler) http.Handler {
	if len(g.config.APIKeys) == 0 {
		return next
	}
	return RequireAPIKey(g.config.APIKeys, next)
}

// allow consumes a rate limit token for the caller: the API identity, or
// the client address on an open API.
func (g *Gateway) allow(c *okapi.Context, userID string) error {
	if !g.limiter.Enabled() {
		return nil
	}
	key := userID
	if key == "" {
		key = clientIP(c.Request())
	}
	if err := g.limiter.Allow(key); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	return nil
}

// fail maps a service error onto an HTTP response.
func (g *Gateway) fail(c *okapi.Context, action string, err error) error {
	code, msg := StatusFor(err)
	if code >= http.StatusInternalServerError {
		g.logger.Error(action+" failed", slog.String("error", err.Error()))
	}
	switch code {
	case http.StatusBadRequest:
		return c.AbortBadRequest(msg)
	case http.StatusServiceUnavailable:
		return c.AbortServiceUnavailable(msg)
	case http.StatusInternalServerError:
		return c.AbortInternalServerError(msg)
	default:
		return c.JSON(code, protocol.ErrorResponse{Error: msg})
	}
}
