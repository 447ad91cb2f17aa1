package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/message-scheduler/internal/model"
	apperrors "github.com/jwalitptl/message-scheduler/pkg/errors"
)

func newSchedule(channel model.Channel, next *time.Time) *model.MessageSchedule {
	return &model.MessageSchedule{
		Channel:         channel,
		Title:           "weekly digest",
		Payload:         model.NotificationPayload{Message: "hello"},
		Recipients:      []string{"u1", "u2"},
		ScheduleMode:    model.ScheduleModeImmediate,
		Status:          model.ScheduleStatusPending,
		NextExecutionAt: next,
		CreatedBy:       "admin-1",
	}
}

func TestConcurrentClaimHasSingleWinner(t *testing.T) {
	ctx := context.Background()
	repo := NewScheduleRepository()
	due := time.Now()
	s := newSchedule(model.ChannelNotification, &due)
	require.NoError(t, repo.Create(ctx, s))

	var wins, conflicts int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Claim(ctx, s.ID, due)
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case apperrors.IsConflict(err):
				atomic.AddInt32(&conflicts, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(15), conflicts)

	stored, err := repo.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScheduleStatusProcessing, stored.Status)
	assert.Equal(t, 2, stored.Version)
}

func TestClaimRequiresDueOccurrence(t *testing.T) {
	ctx := context.Background()
	repo := NewScheduleRepository()
	listedAt := time.Now()
	s := newSchedule(model.ChannelNotification, &listedAt)
	require.NoError(t, repo.Create(ctx, s))

	// Another worker runs the occurrence and moves it to tomorrow.
	claimed, err := repo.Claim(ctx, s.ID, listedAt)
	require.NoError(t, err)
	tomorrow := listedAt.Add(24 * time.Hour)
	claimed.Status = model.ScheduleStatusPending
	claimed.NextExecutionAt = &tomorrow
	_, err = repo.Update(ctx, claimed, claimed.Version)
	require.NoError(t, err)

	_, err = repo.Claim(ctx, s.ID, listedAt)
	assert.True(t, apperrors.IsConflict(err))

	stored, err := repo.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScheduleStatusPending, stored.Status)

	_, err = repo.Claim(ctx, s.ID, tomorrow)
	assert.NoError(t, err)
}

func TestClaimPendingRunsEarly(t *testing.T) {
	ctx := context.Background()
	repo := NewScheduleRepository()
	later := time.Now().Add(time.Hour)
	s := newSchedule(model.ChannelNotification, &later)
	require.NoError(t, repo.Create(ctx, s))

	_, err := repo.Claim(ctx, s.ID, time.Now())
	assert.True(t, apperrors.IsConflict(err))

	claimed, err := repo.ClaimPending(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScheduleStatusProcessing, claimed.Status)

	_, err = repo.ClaimPending(ctx, s.ID)
	assert.True(t, apperrors.IsConflict(err))

	_, err = repo.ClaimPending(ctx, uuid.New())
	assert.True(t, apperrors.IsNotFound(err))
}

func TestHeartbeatRefreshesProcessing(t *testing.T) {
	ctx := context.Background()
	repo := NewScheduleRepository().(*scheduleRepository)
	clock := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return clock }

	s := newSchedule(model.ChannelNotification, &clock)
	require.NoError(t, repo.Create(ctx, s))

	alive, err := repo.Heartbeat(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, alive)

	claimed, err := repo.Claim(ctx, s.ID, clock)
	require.NoError(t, err)

	clock = clock.Add(time.Minute)
	alive, err = repo.Heartbeat(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, alive)

	stale, err := repo.ListStale(ctx, clock.Add(-30*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, stale)

	stored, err := repo.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, claimed.Version+1, stored.Version)
	assert.Equal(t, clock, stored.UpdatedAt)
}

func TestUpdateRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	repo := NewScheduleRepository()
	s := newSchedule(model.ChannelEmail, nil)
	require.NoError(t, repo.Create(ctx, s))

	first, err := repo.Get(ctx, s.ID)
	require.NoError(t, err)
	first.Title = "renamed"
	updated, err := repo.Update(ctx, first, first.Version)
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Title)
	assert.Equal(t, 2, updated.Version)

	first.Title = "lost write"
	_, err = repo.Update(ctx, first, 1)
	assert.True(t, apperrors.IsConflict(err))

	_, err = repo.Update(ctx, &model.MessageSchedule{ID: uuid.New()}, 1)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestUpdateKeepsChannel(t *testing.T) {
	ctx := context.Background()
	repo := NewScheduleRepository()
	s := newSchedule(model.ChannelEmail, nil)
	require.NoError(t, repo.Create(ctx, s))

	s.Channel = model.ChannelChat
	updated, err := repo.Update(ctx, s, s.Version)
	require.NoError(t, err)
	assert.Equal(t, model.ChannelEmail, updated.Channel)
}

func TestListDueOrdersByNextExecution(t *testing.T) {
	ctx := context.Background()
	repo := NewScheduleRepository()
	now := time.Now()
	later := now.Add(-time.Minute)
	earlier := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	a := newSchedule(model.ChannelChat, &later)
	b := newSchedule(model.ChannelChat, &earlier)
	c := newSchedule(model.ChannelChat, &future)
	d := newSchedule(model.ChannelChat, nil)
	for _, s := range []*model.MessageSchedule{a, b, c, d} {
		require.NoError(t, repo.Create(ctx, s))
	}

	due, err := repo.ListDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, b.ID, due[0].ID)
	assert.Equal(t, a.ID, due[1].ID)

	due, err = repo.ListDue(ctx, now, 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestListFiltersAndPaginates(t *testing.T) {
	ctx := context.Background()
	repo := NewScheduleRepository().(*scheduleRepository)
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	var tick int
	repo.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	var ids []uuid.UUID
	for _, ch := range []model.Channel{model.ChannelEmail, model.ChannelChat, model.ChannelEmail, model.ChannelSurvey} {
		s := newSchedule(ch, nil)
		require.NoError(t, repo.Create(ctx, s))
		ids = append(ids, s.ID)
	}

	email := model.ChannelEmail
	got, err := repo.List(ctx, &model.ScheduleFilter{Channel: &email})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ids[2], got[0].ID)
	assert.Equal(t, ids[0], got[1].ID)

	got, err = repo.List(ctx, &model.ScheduleFilter{Channels: []model.Channel{model.ChannelChat, model.ChannelSurvey}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ids[3], got[0].ID)

	got, err = repo.List(ctx, &model.ScheduleFilter{Pagination: model.Pagination{Limit: 2, Offset: 1}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ids[2], got[0].ID)
	assert.Equal(t, ids[1], got[1].ID)

	got, err = repo.List(ctx, &model.ScheduleFilter{Channels: []model.Channel{}})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReturnedSchedulesAreCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewScheduleRepository()
	s := newSchedule(model.ChannelNotification, nil)
	require.NoError(t, repo.Create(ctx, s))

	got, err := repo.Get(ctx, s.ID)
	require.NoError(t, err)
	got.Recipients[0] = "mutated"

	again, err := repo.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", again.Recipients[0])
}

func TestExecutionLogsNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := NewExecutionLogRepository()
	id := uuid.New()

	require.NoError(t, repo.Append(ctx,
		&model.ExecutionLogEntry{ScheduleID: id, Level: model.LogLevelInfo, Message: "first"},
		&model.ExecutionLogEntry{ScheduleID: uuid.New(), Level: model.LogLevelInfo, Message: "other"},
		&model.ExecutionLogEntry{ScheduleID: id, Level: model.LogLevelError, Message: "second"},
	))

	entries, err := repo.ListBySchedule(ctx, id, 100)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "second", entries[0].Message)

	entries, err = repo.ListBySchedule(ctx, id, 1)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
