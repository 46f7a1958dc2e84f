package postgres

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionModel maps to the "executions" table.
// Append-only: no UpdatedAt or DeletedAt.
type ExecutionModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID  string    `gorm:"not null;index:idx_executions_session_created,priority:1"`
	Kind       string    `gorm:"not null"`
	Command    string    `gorm:"type:text;not null"`
	Identity   string
	ExitCode   int       `gorm:"not null"`
	DurationMs int64     `gorm:"not null;default:0"`
	TimedOut   bool      `gorm:"not null;default:false"`
	CreatedAt  time.Time `gorm:"not null;index:idx_executions_session_created,priority:2"`
}

func (ExecutionModel) TableName() string { return "executions" }
