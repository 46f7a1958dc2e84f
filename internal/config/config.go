// Package config handles loading and validating runbox configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/runbox/internal/storage"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for runbox.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty" toml:"data_dir,omitempty"` // Default: ~/.runbox. Override: RUNBOX_DATA_DIR.
	Logging       LoggingConfig        `json:"logging" yaml:"logging" toml:"logging"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox" toml:"sandbox"`
	Session       SessionConfig        `json:"session" yaml:"session" toml:"session"`
	Auth          AuthConfig           `json:"auth" yaml:"auth" toml:"auth"`
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways" toml:"gateways"`
	Storage       *storage.Config      `json:"storage,omitempty" yaml:"storage,omitempty" toml:"storage,omitempty"`                   // nil = SQLite under the data directory
	History       *HistoryConfig       `json:"history,omitempty" yaml:"history,omitempty" toml:"history,omitempty"`                   // nil = execution history disabled
	Scheduler     *SchedulerConfig     `json:"scheduler,omitempty" yaml:"scheduler,omitempty" toml:"scheduler,omitempty"`             // nil = default poll interval
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty" toml:"observability,omitempty"` // nil = observability disabled
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level"`    // "debug", "info" (default), "warn", "error"
	Format string `json:"format" yaml:"format" toml:"format"` // "json" (default) or "text"
}

// SandboxConfig configures the isolation backend every session runs in.
type SandboxConfig struct {
	Backend            string  `json:"backend" yaml:"backend" toml:"backend"` // "docker" (default) or "process"
	Image              string  `json:"image,omitempty" yaml:"image,omitempty" toml:"image,omitempty"`
	WorkDir            string  `json:"work_dir,omitempty" yaml:"work_dir,omitempty" toml:"work_dir,omitempty"` // Default: /app/user_files
	User               string  `json:"user,omitempty" yaml:"user,omitempty" toml:"user,omitempty"`             // Docker exec user. Default: codeuser
	Interpreter        string  `json:"interpreter,omitempty" yaml:"interpreter,omitempty" toml:"interpreter,omitempty"`
	ScriptName         string  `json:"script_name,omitempty" yaml:"script_name,omitempty" toml:"script_name,omitempty"`
	ExecTimeoutSeconds int     `json:"exec_timeout_seconds" yaml:"exec_timeout_seconds" toml:"exec_timeout_seconds"` // Default: 30
	MemoryMB           int     `json:"memory_mb" yaml:"memory_mb" toml:"memory_mb"`                                  // Default: 512
	CPUCores           float64 `json:"cpu_cores" yaml:"cpu_cores" toml:"cpu_cores"`                                  // Default: 0.5
	PIDsLimit          int     `json:"pids_limit" yaml:"pids_limit" toml:"pids_limit"`                               // Default: 64
	NetworkAllowed     bool    `json:"network_allowed" yaml:"network_allowed" toml:"network_allowed"`
	RemoveVolumes      bool    `json:"remove_volumes" yaml:"remove_volumes" toml:"remove_volumes"` // Drop the session volume on destroy.
	ProcessRootDir     string  `json:"process_root_dir,omitempty" yaml:"process_root_dir,omitempty" toml:"process_root_dir,omitempty"`
	MaxCPUSeconds      int     `json:"max_cpu_seconds" yaml:"max_cpu_seconds" toml:"max_cpu_seconds"` // process backend ulimit -t
}

// BackendName returns the configured backend, defaulting to "docker".
func (s *SandboxConfig) BackendName() string {
	if s.Backend != "" {
		return s.Backend
	}
	return "docker"
}

// ExecTimeout returns the per-exec timeout with a default of 30s.
func (s *SandboxConfig) ExecTimeout() time.Duration {
	if s.ExecTimeoutSeconds > 0 {
		return time.Duration(s.ExecTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// SessionConfig configures session lifetime.
type SessionConfig struct {
	IdleTimeoutSeconds  int    `json:"idle_timeout_seconds" yaml:"idle_timeout_seconds" toml:"idle_timeout_seconds"` // 0 = 1800. Negative disables reaping.
	ReapSchedule        string `json:"reap_schedule,omitempty" yaml:"reap_schedule,omitempty" toml:"reap_schedule,omitempty"`
	ShutdownConcurrency int    `json:"shutdown_concurrency" yaml:"shutdown_concurrency" toml:"shutdown_concurrency"` // Default: 8
}

// IdleTimeout returns how long an unattached session may stay idle.
// Zero means reaping is disabled.
func (s *SessionConfig) IdleTimeout() time.Duration {
	switch {
	case s.IdleTimeoutSeconds < 0:
		return 0
	case s.IdleTimeoutSeconds == 0:
		return 30 * time.Minute
	default:
		return time.Duration(s.IdleTimeoutSeconds) * time.Second
	}
}

// ReapSpec returns the cron spec of the idle reaper. Default: "@every 1m".
func (s *SessionConfig) ReapSpec() string {
	if s.ReapSchedule != "" {
		return s.ReapSchedule
	}
	return "@every 1m"
}

// AuthConfig configures who may run code and commands.
type AuthConfig struct {
	// AllowedIdentities lists caller identities (e-mail addresses) allowed to
	// execute. Empty = everyone. Override: RUNBOX_ALLOWED_IDENTITIES (comma-separated).
	AllowedIdentities []string `json:"allowed_identities" yaml:"allowed_identities" toml:"allowed_identities"`
}

// GatewaysConfig defines which transports are enabled. If the whole section
// is absent, the HTTP gateway with the terminal WebSocket is enabled.
type GatewaysConfig struct {
	HTTP      *HTTPGatewayConfig      `json:"http,omitempty" yaml:"http,omitempty" toml:"http,omitempty"`
	WebSocket *WebSocketGatewayConfig `json:"websocket,omitempty" yaml:"websocket,omitempty" toml:"websocket,omitempty"`
	MCP       *MCPGatewayConfig       `json:"mcp,omitempty" yaml:"mcp,omitempty" toml:"mcp,omitempty"`
}

// HTTPGatewayConfig configures the HTTP API gateway.
type HTTPGatewayConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled" toml:"enabled"`
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs" toml:"enable_docs"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr" toml:"listen_addr"` // Default: ":8000". Override: RUNBOX_HTTP_ADDR.
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes" toml:"max_request_size_bytes"`
	APIKeys             map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty" toml:"api_keys,omitempty"` // API key → identity. Empty = /v1 unauthenticated.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8000".
func (h *HTTPGatewayConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8000"
}

// WebSocketGatewayConfig configures the terminal WebSocket endpoint, mounted
// on the HTTP gateway.
type WebSocketGatewayConfig struct {
	Enabled             bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Path                string   `json:"path" yaml:"path" toml:"path"`                                     // Prefix; the session id follows. Default: "/ws/".
	ReadLimitBytes      int64    `json:"read_limit_bytes" yaml:"read_limit_bytes" toml:"read_limit_bytes"` // Default: 64 KiB.
	PingIntervalSeconds int      `json:"ping_interval_seconds" yaml:"ping_interval_seconds" toml:"ping_interval_seconds"`
	AllowedOrigins      []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty" toml:"allowed_origins,omitempty"`
}

// WSPath returns the WebSocket path prefix with a default of "/ws/".
func (w *WebSocketGatewayConfig) WSPath() string {
	if w != nil && w.Path != "" {
		if !strings.HasSuffix(w.Path, "/") {
			return w.Path + "/"
		}
		return w.Path
	}
	return "/ws/"
}

// WSPingInterval returns the keepalive interval with a default of 30s.
func (w *WebSocketGatewayConfig) WSPingInterval() time.Duration {
	if w != nil && w.PingIntervalSeconds > 0 {
		return time.Duration(w.PingIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// MCPGatewayConfig configures the MCP tool endpoint, mounted on the HTTP gateway.
type MCPGatewayConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Path    string `json:"path" yaml:"path" toml:"path"` // Default: "/mcp".
}

// MCPPath returns the endpoint path with a default of "/mcp".
func (m *MCPGatewayConfig) MCPPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/mcp"
}

// RateLimitConfig configures per-caller rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute" toml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size" toml:"burst_size"`
}

// HistoryConfig configures execution history recording.
type HistoryConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	RetentionDays int    `json:"retention_days" yaml:"retention_days" toml:"retention_days"` // 0 = keep forever.
	PruneSchedule string `json:"prune_schedule,omitempty" yaml:"prune_schedule,omitempty" toml:"prune_schedule,omitempty"`
}

// Retention returns how long records are kept. Zero means forever.
func (h *HistoryConfig) Retention() time.Duration {
	if h == nil || h.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(h.RetentionDays) * 24 * time.Hour
}

// PruneSpec returns the cron spec of the history pruner. Default: "@daily".
func (h *HistoryConfig) PruneSpec() string {
	if h != nil && h.PruneSchedule != "" {
		return h.PruneSchedule
	}
	return "@daily"
}

// SchedulerConfig configures the housekeeping scheduler.
type SchedulerConfig struct {
	PollIntervalSeconds int `json:"poll_interval_seconds" yaml:"poll_interval_seconds" toml:"poll_interval_seconds"` // Default: 5
}

// PollInterval returns the scheduler tick with a default of 5s.
func (s *SchedulerConfig) PollInterval() time.Duration {
	if s != nil && s.PollIntervalSeconds > 0 {
		return time.Duration(s.PollIntervalSeconds) * time.Second
	}
	return 5 * time.Second
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty" toml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty" toml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty" toml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty" toml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Path    string `json:"path" yaml:"path" toml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint" toml:"endpoint"`             // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol" toml:"protocol"`             // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name" toml:"service_name"` // Default: "runbox"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate" toml:"sample_rate"`    // 0.0-1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure" toml:"insecure"`             // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db" toml:"include_db"`
	IncludeSandbox bool `json:"include_sandbox" yaml:"include_sandbox" toml:"include_sandbox"`
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold" toml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds" toml:"window_seconds"`                   // Sliding window. Default: 300
}

// DefaultConfigPath returns the default config file path (~/.runbox/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/runbox.yaml"
	}
	return filepath.Join(home, ".runbox", "config.yaml")
}

// Default returns the configuration used when no file is given: docker
// backend, HTTP gateway with the terminal WebSocket on :8000.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a JSON, YAML or TOML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, .toml for
// TOML, everything else for JSON. An empty path loads the defaults.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}
		if err := decodeFile(resolved, &cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing YAML config %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing TOML config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing JSON config %s: %w", path, err)
		}
	}
	return nil
}

// applyEnv applies RUNBOX_* overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("RUNBOX_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("RUNBOX_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("RUNBOX_SANDBOX_BACKEND"); v != "" {
		c.Sandbox.Backend = v
	}
	if v := os.Getenv("RUNBOX_SANDBOX_IMAGE"); v != "" {
		c.Sandbox.Image = v
	}
	if v := os.Getenv("RUNBOX_ALLOWED_IDENTITIES"); v != "" {
		c.Auth.AllowedIdentities = splitList(v)
	}
	if v := os.Getenv("RUNBOX_HTTP_ADDR"); v != "" {
		if c.Gateways.HTTP == nil {
			c.Gateways.HTTP = &HTTPGatewayConfig{Enabled: true}
		}
		c.Gateways.HTTP.ListenAddr = v
	}
	if v := os.Getenv("RUNBOX_API_KEYS"); v != "" {
		if c.Gateways.HTTP == nil {
			c.Gateways.HTTP = &HTTPGatewayConfig{Enabled: true}
		}
		c.Gateways.HTTP.APIKeys = parseKeyMap(v)
	}
	if v := os.Getenv("RUNBOX_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &storage.Config{}
		}
		c.Storage.Driver = storage.DriverPostgres
		c.Storage.Postgres.DSN = v
	}
}

// applyDefaults fills in the sections that have implicit defaults.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, ".runbox")
		} else {
			c.DataDir = "data"
		}
	}
	if c.Gateways.HTTP == nil && c.Gateways.WebSocket == nil && c.Gateways.MCP == nil {
		c.Gateways.HTTP = &HTTPGatewayConfig{Enabled: true}
		c.Gateways.WebSocket = &WebSocketGatewayConfig{Enabled: true}
	}
}

// StorageConfig returns the effective storage configuration. The SQLite path
// defaults to runbox.db under the data directory.
func (c *Config) StorageConfig() storage.Config {
	var sc storage.Config
	if c.Storage != nil {
		sc = *c.Storage
	}
	if sc.Driver == "" {
		sc.Driver = storage.DefaultDriver
	}
	if sc.Driver == storage.DriverSQLite && sc.SQLite.Path == "" {
		sc.SQLite.Path = filepath.Join(c.ResolvedDataDir(), "runbox.db")
	}
	return sc
}

// HistoryEnabled reports whether execution history is recorded.
func (c *Config) HistoryEnabled() bool {
	return c.History != nil && c.History.Enabled
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseKeyMap parses "key=identity,key2=identity2". A key without "=" maps
// to the identity "api".
func parseKeyMap(s string) map[string]string {
	m := make(map[string]string)
	for _, pair := range splitList(s) {
		key, identity, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if !ok || strings.TrimSpace(identity) == "" {
			identity = "api"
		}
		m[key] = strings.TrimSpace(identity)
	}
	return m
}

func (c *Config) validate() error {
	switch c.Sandbox.BackendName() {
	case "docker", "process":
	default:
		return fmt.Errorf("sandbox.backend %q is not supported (use docker or process)", c.Sandbox.Backend)
	}
	if c.Sandbox.ExecTimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.exec_timeout_seconds must not be negative")
	}
	if c.Sandbox.MemoryMB < 0 {
		return fmt.Errorf("sandbox.memory_mb must not be negative")
	}
	if c.Sandbox.CPUCores < 0 {
		return fmt.Errorf("sandbox.cpu_cores must not be negative")
	}
	if c.Sandbox.PIDsLimit < 0 {
		return fmt.Errorf("sandbox.pids_limit must not be negative")
	}
	if strings.ContainsAny(c.Sandbox.ScriptName, `/\`) {
		return fmt.Errorf("sandbox.script_name must be a bare file name")
	}
	if c.Sandbox.WorkDir != "" && !strings.HasPrefix(c.Sandbox.WorkDir, "/") {
		return fmt.Errorf("sandbox.work_dir must be absolute")
	}

	switch level := strings.ToLower(c.Logging.Level); level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not supported (use debug, info, warn or error)", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format %q is not supported (use json or text)", c.Logging.Format)
	}

	httpEnabled := c.Gateways.HTTP != nil && c.Gateways.HTTP.Enabled
	if c.Gateways.WebSocket != nil && c.Gateways.WebSocket.Enabled && !httpEnabled {
		return fmt.Errorf("gateways.websocket requires gateways.http to be enabled")
	}
	if c.Gateways.MCP != nil && c.Gateways.MCP.Enabled && !httpEnabled {
		return fmt.Errorf("gateways.mcp requires gateways.http to be enabled")
	}
	if httpEnabled {
		rl := c.Gateways.HTTP.RateLimit
		if rl.RequestsPerMinute < 0 || rl.BurstSize < 0 {
			return fmt.Errorf("gateways.http.rate_limit values must not be negative")
		}
		for key, identity := range c.Gateways.HTTP.APIKeys {
			if key == "" || identity == "" {
				return fmt.Errorf("gateways.http.api_keys entries need a key and an identity")
			}
		}
	}

	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case storage.DriverSQLite:
		case storage.DriverPostgres:
			if c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required (set RUNBOX_DB_DSN env var)")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.History != nil && c.History.RetentionDays < 0 {
		return fmt.Errorf("history.retention_days must not be negative")
	}

	if o := c.Observability; o != nil {
		if o.Tracing != nil && o.Tracing.Enabled {
			if o.Tracing.Endpoint == "" {
				return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
			}
			switch o.Tracing.Protocol {
			case "", "grpc", "http":
			default:
				return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", o.Tracing.Protocol)
			}
			if o.Tracing.SampleRate < 0 || o.Tracing.SampleRate > 1 {
				return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
			}
		}
		if o.Anomaly != nil && (o.Anomaly.ErrorRateThreshold < 0 || o.Anomaly.ErrorRateThreshold > 1) {
			return fmt.Errorf("observability.anomaly.error_rate_threshold must be between 0 and 1")
		}
	}
	return nil
}
