package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/runbox/internal/storage"
)

// maxCommandLen bounds the stored command text; scripts can be large.
const maxCommandLen = 8192

// defaultListLimit applies when ListBySession is called with limit <= 0.
const defaultListLimit = 50

// ExecutionRepository implements storage.ExecutionStore with GORM.
// The same repository serves both the PostgreSQL and SQLite backends.
type ExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository creates an ExecutionRepository.
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// Save appends an execution record.
func (r *ExecutionRepository) Save(ctx context.Context, e *storage.Execution) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	model := toExecutionModel(e)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("saving execution: %w", err)
	}
	return nil
}

// Get retrieves a record by ID.
func (r *ExecutionRepository) Get(ctx context.Context, id uuid.UUID) (*storage.Execution, error) {
	var model ExecutionModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("execution %s: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("getting execution %s: %w", id, err)
	}
	return toExecutionDomain(&model), nil
}

// ListBySession returns the most recent records for a session, newest first.
func (r *ExecutionRepository) ListBySession(ctx context.Context, sessionID string, limit int) ([]storage.Execution, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	var models []ExecutionModel
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing executions for %s: %w", sessionID, err)
	}

	result := make([]storage.Execution, 0, len(models))
	for i := range models {
		result = append(result, *toExecutionDomain(&models[i]))
	}
	return result, nil
}

// DeleteBefore removes records older than t.
func (r *ExecutionRepository) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", t.UTC()).
		Delete(&ExecutionModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("pruning executions: %w", result.Error)
	}
	return result.RowsAffected, nil
}

var _ storage.ExecutionStore = (*ExecutionRepository)(nil)
