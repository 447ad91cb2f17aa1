package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/message-scheduler/internal/model"
	"github.com/jwalitptl/message-scheduler/internal/repository"
)

type executionLogRepository struct {
	BaseRepository
}

func NewExecutionLogRepository(base BaseRepository) repository.ExecutionLogRepository {
	return &executionLogRepository{base}
}

func (r *executionLogRepository) Append(ctx context.Context, entries ...*model.ExecutionLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	query := `
		INSERT INTO schedule_execution_logs (
			id, schedule_id, level, message, details, created_at
		) VALUES (
			:id, :schedule_id, :level, :message, :details, :created_at
		)
	`
	now := time.Now()
	for _, e := range entries {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
	}

	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, e := range entries {
			if _, err := tx.NamedExecContext(ctx, query, e); err != nil {
				return err
			}
		}
		return nil
	})
	return r.observe("append execution logs", "execution log", err)
}

func (r *executionLogRepository) ListBySchedule(ctx context.Context, scheduleID uuid.UUID, limit int) ([]*model.ExecutionLogEntry, error) {
	query := `
		SELECT id, schedule_id, level, message, details, created_at
		FROM schedule_execution_logs
		WHERE schedule_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	var entries []*model.ExecutionLogEntry
	if err := r.db.SelectContext(ctx, &entries, query, scheduleID, limit); err != nil {
		return nil, r.observe("list execution logs", "execution log", err)
	}
	r.observe("list execution logs", "execution log", nil)
	return entries, nil
}
