// Package storage defines the persistence interface for execution history.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Execution kinds.
const (
	KindScript  = "script"
	KindCommand = "command"
)

// Execution is one recorded script run or terminal command.
type Execution struct {
	ID         uuid.UUID `json:"id"`
	SessionID  string    `json:"session_id"`
	Kind       string    `json:"kind"`
	Command    string    `json:"command"`
	Identity   string    `json:"identity,omitempty"`
	ExitCode   int       `json:"exit_code"`
	DurationMs int64     `json:"duration_ms"`
	TimedOut   bool      `json:"timed_out"`
	CreatedAt  time.Time `json:"created_at"`
}

// ExecutionStore persists execution records.
type ExecutionStore interface {
	// Save appends a record. A zero ID or CreatedAt is filled in.
	Save(ctx context.Context, e *Execution) error

	// Get returns a record by ID, or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*Execution, error)

	// ListBySession returns the most recent records for a session, newest first.
	ListBySession(ctx context.Context, sessionID string, limit int) ([]Execution, error)

	// DeleteBefore removes records created before t and returns how many.
	DeleteBefore(ctx context.Context, t time.Time) (int64, error)
}

// Store is the unified persistence interface. Both SQLite and PostgreSQL
// backends implement it.
type Store interface {
	Executions() ExecutionStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// Config holds storage configuration for driver selection.
type Config struct {
	Driver   string         `json:"driver" yaml:"driver" toml:"driver"` // "sqlite" (default) or "postgres"
	SQLite   SQLiteConfig   `json:"sqlite" yaml:"sqlite" toml:"sqlite"`
	Postgres PostgresConfig `json:"postgres" yaml:"postgres" toml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty" toml:"path,omitempty"` // Default: ~/.runbox/runbox.db
	JournalMode string `json:"journal_mode" yaml:"journal_mode" toml:"journal_mode"`      // "wal" (default), "delete", "truncate", etc.
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `json:"dsn" yaml:"dsn" toml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns" toml:"max_open_conns"`
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns" toml:"max_idle_conns"`
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s" toml:"conn_max_lifetime_s"`
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
