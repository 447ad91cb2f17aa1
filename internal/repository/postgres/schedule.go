package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/jwalitptl/message-scheduler/internal/model"
	"github.com/jwalitptl/message-scheduler/internal/repository"
	apperrors "github.com/jwalitptl/message-scheduler/pkg/errors"
)

const scheduleColumns = `id, channel, title, description, payload, recipients, schedule_mode, status,
		scheduled_for, recurrence, next_execution_at, last_executed_at, run_count, execution_count,
		success_count, error_count, max_executions, last_error, created_by, version, created_at, updated_at`

type scheduleRow struct {
	ID              uuid.UUID      `db:"id"`
	Channel         string         `db:"channel"`
	Title           string         `db:"title"`
	Description     *string        `db:"description"`
	Payload         []byte         `db:"payload"`
	Recipients      pq.StringArray `db:"recipients"`
	ScheduleMode    string         `db:"schedule_mode"`
	Status          string         `db:"status"`
	ScheduledFor    *time.Time     `db:"scheduled_for"`
	Recurrence      []byte         `db:"recurrence"`
	NextExecutionAt *time.Time     `db:"next_execution_at"`
	LastExecutedAt  *time.Time     `db:"last_executed_at"`
	RunCount        int            `db:"run_count"`
	ExecutionCount  int            `db:"execution_count"`
	SuccessCount    int            `db:"success_count"`
	ErrorCount      int            `db:"error_count"`
	MaxExecutions   *int           `db:"max_executions"`
	LastError       *string        `db:"last_error"`
	CreatedBy       string         `db:"created_by"`
	Version         int            `db:"version"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (row *scheduleRow) toModel() (*model.MessageSchedule, error) {
	channel := model.Channel(row.Channel)
	payload, err := model.DecodePayload(channel, row.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode schedule %s payload: %w", row.ID, err)
	}

	var recurrence *model.RecurrencePattern
	if len(row.Recurrence) > 0 && string(row.Recurrence) != "null" {
		recurrence = &model.RecurrencePattern{}
		if err := json.Unmarshal(row.Recurrence, recurrence); err != nil {
			return nil, fmt.Errorf("decode schedule %s recurrence: %w", row.ID, err)
		}
	}

	return &model.MessageSchedule{
		ID:              row.ID,
		Channel:         channel,
		Title:           row.Title,
		Description:     row.Description,
		Payload:         payload,
		Recipients:      []string(row.Recipients),
		ScheduleMode:    model.ScheduleMode(row.ScheduleMode),
		Status:          model.ScheduleStatus(row.Status),
		ScheduledFor:    row.ScheduledFor,
		Recurrence:      recurrence,
		NextExecutionAt: row.NextExecutionAt,
		LastExecutedAt:  row.LastExecutedAt,
		RunCount:        row.RunCount,
		ExecutionCount:  row.ExecutionCount,
		SuccessCount:    row.SuccessCount,
		ErrorCount:      row.ErrorCount,
		MaxExecutions:   row.MaxExecutions,
		LastError:       row.LastError,
		CreatedBy:       row.CreatedBy,
		Version:         row.Version,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}, nil
}

func encodeContent(s *model.MessageSchedule) (payload, recurrence []byte, err error) {
	if s.Payload == nil {
		return nil, nil, apperrors.NewValidation("payload is required", nil)
	}
	if payload, err = json.Marshal(s.Payload); err != nil {
		return nil, nil, fmt.Errorf("encode payload: %w", err)
	}
	if s.Recurrence != nil {
		if recurrence, err = json.Marshal(s.Recurrence); err != nil {
			return nil, nil, fmt.Errorf("encode recurrence: %w", err)
		}
	}
	return payload, recurrence, nil
}

type scheduleRepository struct {
	BaseRepository
}

func NewScheduleRepository(base BaseRepository) repository.ScheduleRepository {
	return &scheduleRepository{base}
}

func (r *scheduleRepository) Create(ctx context.Context, s *model.MessageSchedule) error {
	payload, recurrence, err := encodeContent(s)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO message_schedules (` + scheduleColumns + `)
		VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22
		)
	`
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	s.Version = 1

	_, err = r.db.ExecContext(ctx, query,
		s.ID,
		s.Channel,
		s.Title,
		s.Description,
		payload,
		pq.StringArray(s.Recipients),
		s.ScheduleMode,
		s.Status,
		s.ScheduledFor,
		recurrence,
		s.NextExecutionAt,
		s.LastExecutedAt,
		s.RunCount,
		s.ExecutionCount,
		s.SuccessCount,
		s.ErrorCount,
		s.MaxExecutions,
		s.LastError,
		s.CreatedBy,
		s.Version,
		s.CreatedAt,
		s.UpdatedAt,
	)
	return r.observe("create schedule", "schedule", err)
}

func (r *scheduleRepository) Get(ctx context.Context, id uuid.UUID) (*model.MessageSchedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM message_schedules WHERE id = $1`

	var row scheduleRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, r.observe("get schedule", "schedule", err)
	}
	r.observe("get schedule", "schedule", nil)
	return row.toModel()
}

func (r *scheduleRepository) List(ctx context.Context, filter *model.ScheduleFilter) ([]*model.MessageSchedule, error) {
	if filter == nil {
		filter = &model.ScheduleFilter{}
	}
	if filter.Channels != nil && len(filter.Channels) == 0 {
		return []*model.MessageSchedule{}, nil
	}

	var (
		conditions []string
		args       []interface{}
	)
	if filter.Channel != nil {
		args = append(args, string(*filter.Channel))
		conditions = append(conditions, fmt.Sprintf("channel = $%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Channels != nil {
		channels := make([]string, len(filter.Channels))
		for i, c := range filter.Channels {
			channels[i] = string(c)
		}
		args = append(args, pq.StringArray(channels))
		conditions = append(conditions, fmt.Sprintf("channel = ANY($%d)", len(args)))
	}

	query := `SELECT ` + scheduleColumns + ` FROM message_schedules`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	return r.selectSchedules(ctx, "list schedules", query, args...)
}

func (r *scheduleRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.MessageSchedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM message_schedules
		WHERE status = 'pending'
		AND next_execution_at <= $1
		ORDER BY next_execution_at ASC
		LIMIT $2
	`
	return r.selectSchedules(ctx, "list due schedules", query, now, limit)
}

func (r *scheduleRepository) ListStale(ctx context.Context, before time.Time, limit int) ([]*model.MessageSchedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM message_schedules
		WHERE status = 'processing'
		AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`
	return r.selectSchedules(ctx, "list stale schedules", query, before, limit)
}

func (r *scheduleRepository) All(ctx context.Context) ([]*model.MessageSchedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM message_schedules`
	return r.selectSchedules(ctx, "load schedules", query)
}

func (r *scheduleRepository) Update(ctx context.Context, s *model.MessageSchedule, expectedVersion int) (*model.MessageSchedule, error) {
	payload, recurrence, err := encodeContent(s)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE message_schedules
		SET title = $1,
			description = $2,
			payload = $3,
			recipients = $4,
			status = $5,
			scheduled_for = $6,
			recurrence = $7,
			next_execution_at = $8,
			last_executed_at = $9,
			run_count = $10,
			execution_count = $11,
			success_count = $12,
			error_count = $13,
			max_executions = $14,
			last_error = $15,
			version = version + 1,
			updated_at = $16
		WHERE id = $17 AND version = $18
		RETURNING ` + scheduleColumns

	var row scheduleRow
	err = r.db.GetContext(ctx, &row, query,
		s.Title,
		s.Description,
		payload,
		pq.StringArray(s.Recipients),
		s.Status,
		s.ScheduledFor,
		recurrence,
		s.NextExecutionAt,
		s.LastExecutedAt,
		s.RunCount,
		s.ExecutionCount,
		s.SuccessCount,
		s.ErrorCount,
		s.MaxExecutions,
		s.LastError,
		time.Now(),
		s.ID,
		expectedVersion,
	)
	if errors.Is(err, sql.ErrNoRows) {
		err = r.missOrConflict(ctx, s.ID, "schedule was modified concurrently")
	}
	if err != nil {
		return nil, r.observe("update schedule", "schedule", err)
	}
	r.observe("update schedule", "schedule", nil)
	return row.toModel()
}

func (r *scheduleRepository) Claim(ctx context.Context, id uuid.UUID, now time.Time) (*model.MessageSchedule, error) {
	query := `
		UPDATE message_schedules
		SET status = 'processing', version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'pending' AND next_execution_at <= $2
		RETURNING ` + scheduleColumns
	return r.claim(ctx, id, "schedule is not due", query, id, now)
}

func (r *scheduleRepository) ClaimPending(ctx context.Context, id uuid.UUID) (*model.MessageSchedule, error) {
	query := `
		UPDATE message_schedules
		SET status = 'processing', version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + scheduleColumns
	return r.claim(ctx, id, "schedule is not pending", query, id)
}

func (r *scheduleRepository) claim(ctx context.Context, id uuid.UUID, lost, query string, args ...interface{}) (*model.MessageSchedule, error) {
	var row scheduleRow
	err := r.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		err = r.missOrConflict(ctx, id, lost)
	}
	if err != nil {
		return nil, r.observe("claim schedule", "schedule", err)
	}
	r.observe("claim schedule", "schedule", nil)
	return row.toModel()
}

func (r *scheduleRepository) Heartbeat(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE message_schedules
		SET version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id)
	if err != nil {
		return false, r.observe("heartbeat schedule", "schedule", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, r.observe("heartbeat schedule", "schedule", err)
	}
	r.observe("heartbeat schedule", "schedule", nil)
	return rows > 0, nil
}

func (r *scheduleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM message_schedules WHERE id = $1`, id)
	if err != nil {
		return r.observe("delete schedule", "schedule", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return r.observe("delete schedule", "schedule", err)
	}
	if rows == 0 {
		return r.observe("delete schedule", "schedule", sql.ErrNoRows)
	}
	return r.observe("delete schedule", "schedule", nil)
}

// missOrConflict tells a missing row apart from a conditional write that lost.
func (r *scheduleRepository) missOrConflict(ctx context.Context, id uuid.UUID, msg string) error {
	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM message_schedules WHERE id = $1)`, id); err != nil {
		return err
	}
	if !exists {
		return sql.ErrNoRows
	}
	return apperrors.NewConflict(msg, nil)
}

func (r *scheduleRepository) selectSchedules(ctx context.Context, op, query string, args ...interface{}) ([]*model.MessageSchedule, error) {
	var rows []scheduleRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, r.observe(op, "schedule", err)
	}
	r.observe(op, "schedule", nil)

	out := make([]*model.MessageSchedule, 0, len(rows))
	for i := range rows {
		s, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
