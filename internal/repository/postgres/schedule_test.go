package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/message-scheduler/internal/model"
	apperrors "github.com/jwalitptl/message-scheduler/pkg/errors"
	"github.com/jwalitptl/message-scheduler/pkg/metrics"
)

var scheduleColumnNames = []string{
	"id", "channel", "title", "description", "payload", "recipients", "schedule_mode", "status",
	"scheduled_for", "recurrence", "next_execution_at", "last_executed_at", "run_count", "execution_count",
	"success_count", "error_count", "max_executions", "last_error", "created_by", "version", "created_at", "updated_at",
}

func newMock(t *testing.T) (BaseRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewBaseRepository(sqlx.NewDb(db, "postgres"), metrics.NewNop()), mock
}

func scheduleValues(id uuid.UUID, status string, version int) []driver.Value {
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	return []driver.Value{
		id.String(), "email", "Quarterly survey reminder", nil,
		[]byte(`{"subject":"Reminder","body":"Please answer"}`), "{u1,u2}",
		"recurring", status, nil,
		[]byte(`{"frequency":"weekly","time_of_day":"09:00","days_of_week":[1,4]}`),
		now, nil, int64(0), int64(0), int64(0), int64(0), int64(3), nil, "admin-1", int64(version), now, now,
	}
}

var claimNow = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func TestScheduleClaim(t *testing.T) {
	base, mock := newMock(t)
	repo := NewScheduleRepository(base)
	id := uuid.New()

	mock.ExpectQuery(`UPDATE message_schedules\s+SET status = 'processing'.+AND next_execution_at <= \$2`).
		WithArgs(id, claimNow).
		WillReturnRows(sqlmock.NewRows(scheduleColumnNames).AddRow(scheduleValues(id, "processing", 2)...))

	s, err := repo.Claim(context.Background(), id, claimNow)
	require.NoError(t, err)
	assert.Equal(t, model.ScheduleStatusProcessing, s.Status)
	assert.Equal(t, 2, s.Version)
	assert.Equal(t, model.EmailPayload{Subject: "Reminder", Body: "Please answer"}, s.Payload)
	assert.Equal(t, []string{"u1", "u2"}, s.Recipients)
	require.NotNil(t, s.Recurrence)
	assert.Equal(t, []time.Weekday{time.Monday, time.Thursday}, s.Recurrence.DaysOfWeek)
	require.NotNil(t, s.MaxExecutions)
	assert.Equal(t, 3, *s.MaxExecutions)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScheduleClaimNotDueIsConflict(t *testing.T) {
	base, mock := newMock(t)
	repo := NewScheduleRepository(base)
	id := uuid.New()

	// A row rescheduled after the due listing no longer matches the due bound.
	mock.ExpectQuery(`UPDATE message_schedules.+next_execution_at <= \$2`).
		WithArgs(id, claimNow).
		WillReturnRows(sqlmock.NewRows(scheduleColumnNames))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := repo.Claim(context.Background(), id, claimNow)
	assert.True(t, apperrors.IsConflict(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScheduleClaimUnknownIsNotFound(t *testing.T) {
	base, mock := newMock(t)
	repo := NewScheduleRepository(base)
	id := uuid.New()

	mock.ExpectQuery(`UPDATE message_schedules`).
		WithArgs(id, claimNow).
		WillReturnRows(sqlmock.NewRows(scheduleColumnNames))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := repo.Claim(context.Background(), id, claimNow)
	assert.True(t, apperrors.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScheduleClaimPendingIgnoresDueTime(t *testing.T) {
	base, mock := newMock(t)
	repo := NewScheduleRepository(base)
	id := uuid.New()

	mock.ExpectQuery(`UPDATE message_schedules\s+SET status = 'processing'.+WHERE id = \$1 AND status = 'pending'\s+RETURNING`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(scheduleColumnNames).AddRow(scheduleValues(id, "processing", 2)...))

	s, err := repo.ClaimPending(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.ScheduleStatusProcessing, s.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScheduleClaimPendingLostIsConflict(t *testing.T) {
	base, mock := newMock(t)
	repo := NewScheduleRepository(base)
	id := uuid.New()

	mock.ExpectQuery(`UPDATE message_schedules`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(scheduleColumnNames))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := repo.ClaimPending(context.Background(), id)
	assert.True(t, apperrors.IsConflict(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScheduleHeartbeat(t *testing.T) {
	base, mock := newMock(t)
	repo := NewScheduleRepository(base)
	id := uuid.New()

	mock.ExpectExec(`UPDATE message_schedules\s+SET version = version \+ 1, updated_at = NOW\(\)\s+WHERE id = \$1 AND status = 'processing'`).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE message_schedules`).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	alive, err := repo.Heartbeat(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, alive)

	alive, err = repo.Heartbeat(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, alive)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScheduleUpdateStaleVersion(t *testing.T) {
	base, mock := newMock(t)
	repo := NewScheduleRepository(base)
	id := uuid.New()

	s := &model.MessageSchedule{
		ID:           id,
		Channel:      model.ChannelChat,
		Title:        "standup",
		Payload:      model.ChatPayload{Message: "daily standup"},
		Recipients:   []string{"u1"},
		ScheduleMode: model.ScheduleModeImmediate,
		Status:       model.ScheduleStatusCancelled,
	}

	mock.ExpectQuery(`UPDATE message_schedules`).
		WillReturnRows(sqlmock.NewRows(scheduleColumnNames))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := repo.Update(context.Background(), s, 4)
	assert.True(t, apperrors.IsConflict(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScheduleGetDriverErrorIsPersistence(t *testing.T) {
	base, mock := newMock(t)
	repo := NewScheduleRepository(base)

	mock.ExpectQuery(`(?s)SELECT .+ FROM message_schedules WHERE id = \$1`).
		WillReturnError(errors.New("connection refused"))

	_, err := repo.Get(context.Background(), uuid.New())
	assert.True(t, apperrors.IsPersistence(err))
}

func TestScheduleListBuildsFilter(t *testing.T) {
	base, mock := newMock(t)
	repo := NewScheduleRepository(base)
	id := uuid.New()

	status := model.ScheduleStatusPending
	mock.ExpectQuery(`WHERE status = \$1 AND channel = ANY\(\$2\) ORDER BY created_at DESC, id DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("pending", sqlmock.AnyArg(), 50, 10).
		WillReturnRows(sqlmock.NewRows(scheduleColumnNames).AddRow(scheduleValues(id, "pending", 1)...))

	got, err := repo.List(context.Background(), &model.ScheduleFilter{
		Status:     &status,
		Channels:   []model.Channel{model.ChannelEmail},
		Pagination: model.Pagination{Limit: 50, Offset: 10},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScheduleListWithNoVisibleChannels(t *testing.T) {
	base, mock := newMock(t)
	repo := NewScheduleRepository(base)

	got, err := repo.List(context.Background(), &model.ScheduleFilter{Channels: []model.Channel{}})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScheduleDeleteMissing(t *testing.T) {
	base, mock := newMock(t)
	repo := NewScheduleRepository(base)
	id := uuid.New()

	mock.ExpectExec(`DELETE FROM message_schedules WHERE id = \$1`).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Delete(context.Background(), id)
	assert.True(t, apperrors.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutionLogAppendRunsInTransaction(t *testing.T) {
	base, mock := newMock(t)
	repo := NewExecutionLogRepository(base)
	scheduleID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO schedule_execution_logs`).
		WithArgs(sqlmock.AnyArg(), scheduleID, "error", "recipient u2 failed", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := repo.Append(context.Background(), &model.ExecutionLogEntry{
		ScheduleID: scheduleID,
		Level:      model.LogLevelError,
		Message:    "recipient u2 failed",
		Details:    model.JSONMap{"recipient_id": "u2"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCapabilityGetProfile(t *testing.T) {
	base, mock := newMock(t)
	repo := NewCapabilityRepository(base)

	mock.ExpectQuery(`SELECT role FROM principals`).
		WithArgs("user-7").
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("operator"))
	mock.ExpectQuery(`FROM principal_capabilities`).
		WithArgs("user-7").
		WillReturnRows(sqlmock.NewRows([]string{"channel", "can_view", "can_manage"}).
			AddRow("survey", true, false).
			AddRow("email", true, true))

	profile, err := repo.GetProfile(context.Background(), "user-7")
	require.NoError(t, err)
	assert.Equal(t, "operator", profile.Role)
	assert.Equal(t, model.CapabilitySet{CanView: true}, profile.Capabilities[model.ChannelSurvey])
	assert.True(t, profile.Capabilities[model.ChannelEmail].CanManage)
	assert.NoError(t, mock.ExpectationsWereMet())
}
