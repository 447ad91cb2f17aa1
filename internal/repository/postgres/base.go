package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/jwalitptl/message-scheduler/pkg/errors"
	"github.com/jwalitptl/message-scheduler/pkg/metrics"
)

// BaseRepository provides common functionality for all repositories
type BaseRepository struct {
	db      *sqlx.DB
	metrics *metrics.Metrics
}

// NewBaseRepository creates a new base repository
func NewBaseRepository(db *sqlx.DB, m *metrics.Metrics) BaseRepository {
	if m == nil {
		m = metrics.NewNop()
	}
	return BaseRepository{db: db, metrics: m}
}

// GetDB returns the database instance
func (r *BaseRepository) GetDB() *sqlx.DB {
	return r.db
}

// WithTx executes a function within a transaction
func (r *BaseRepository) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// observe records the outcome of a database operation and maps driver errors
// onto the application taxonomy.
func (r *BaseRepository) observe(op, resource string, err error) error {
	if err == nil {
		r.metrics.DatabaseOperations.WithLabelValues(op, "success").Inc()
		return nil
	}

	var appErr *apperrors.AppError
	switch {
	case errors.Is(err, sql.ErrNoRows):
		r.metrics.DatabaseOperations.WithLabelValues(op, "not_found").Inc()
		return apperrors.NewNotFound(resource, err)
	case errors.As(err, &appErr):
		r.metrics.DatabaseOperations.WithLabelValues(op, "rejected").Inc()
		return err
	default:
		r.metrics.DatabaseOperations.WithLabelValues(op, "error").Inc()
		return apperrors.NewPersistence(op, err)
	}
}
