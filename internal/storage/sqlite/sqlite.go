// Package sqlite keeps execution history in a single local file. It is the
// default history backend and needs no CGO: the glebarez/sqlite GORM driver
// runs on modernc.org/sqlite.
//
// Tables and queries are shared with the postgres package; only the
// connection setup differs.
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/runbox/internal/storage"
	pgstore "github.com/jkaninda/runbox/internal/storage/postgres"
)

// busyTimeoutMillis is how long a writer waits on a locked database.
const busyTimeoutMillis = 5000

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file path.
	JournalMode string // Default: wal
}

// Store implements storage.Store on a SQLite file.
type Store struct {
	db         *gorm.DB
	path       string
	executions storage.ExecutionStore
}

// Open creates the database file and its parent directory when missing.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
		}
	}

	journal := strings.ToLower(cfg.JournalMode)
	if journal == "" {
		journal = "wal"
	}

	db, err := gorm.Open(sqlite.Open(dsn(cfg.Path, journal)), &gorm.Config{
		Logger:  pgstore.NewGormLogger(slogger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	// One writer at a time; readers go through the WAL.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	slogger.Info("execution history opened",
		slog.String("driver", storage.DriverSQLite),
		slog.String("path", cfg.Path),
		slog.String("journal_mode", journal),
	)
	return &Store{
		db:         db,
		path:       cfg.Path,
		executions: pgstore.NewExecutionRepository(db),
	}, nil
}

func dsn(path, journal string) string {
	pragmas := []string{
		"journal_mode(" + journal + ")",
		fmt.Sprintf("busy_timeout(%d)", busyTimeoutMillis),
		"foreign_keys(ON)",
	}
	var b strings.Builder
	b.WriteString(path)
	for i, p := range pragmas {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString("_pragma=")
		b.WriteString(p)
	}
	return b.String()
}

// Migrate creates or updates the history table.
func (s *Store) Migrate(_ context.Context) error {
	return pgstore.AutoMigrate(s.db)
}

// Ping checks the database file is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database file.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "sqlite".
func (s *Store) Driver() string { return storage.DriverSQLite }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Executions returns the execution history repository.
func (s *Store) Executions() storage.ExecutionStore { return s.executions }

var _ storage.Store = (*Store)(nil)
