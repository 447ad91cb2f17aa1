package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/message-scheduler/internal/model"
	"github.com/jwalitptl/message-scheduler/internal/repository"
	apperrors "github.com/jwalitptl/message-scheduler/pkg/errors"
)

type scheduleRepository struct {
	mu        sync.RWMutex
	schedules map[uuid.UUID]*model.MessageSchedule
	now       func() time.Time
}

// NewScheduleRepository returns a process-local schedule store.
func NewScheduleRepository() repository.ScheduleRepository {
	return &scheduleRepository{
		schedules: make(map[uuid.UUID]*model.MessageSchedule),
		now:       time.Now,
	}
}

func (r *scheduleRepository) Create(ctx context.Context, schedule *model.MessageSchedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if schedule.ID == uuid.Nil {
		schedule.ID = uuid.New()
	}
	if _, exists := r.schedules[schedule.ID]; exists {
		return apperrors.NewConflict("schedule already exists", nil)
	}
	now := r.now()
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = now
	}
	schedule.UpdatedAt = now
	schedule.Version = 1
	r.schedules[schedule.ID] = schedule.Clone()
	return nil
}

func (r *scheduleRepository) Get(ctx context.Context, id uuid.UUID) (*model.MessageSchedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.schedules[id]
	if !ok {
		return nil, apperrors.NewNotFound("schedule", nil)
	}
	return s.Clone(), nil
}

func (r *scheduleRepository) List(ctx context.Context, filter *model.ScheduleFilter) ([]*model.MessageSchedule, error) {
	if filter == nil {
		filter = &model.ScheduleFilter{}
	}

	r.mu.RLock()
	var out []*model.MessageSchedule
	for _, s := range r.schedules {
		if filter.Channel != nil && s.Channel != *filter.Channel {
			continue
		}
		if filter.Status != nil && s.Status != *filter.Status {
			continue
		}
		if filter.Channels != nil && !containsChannel(filter.Channels, s.Channel) {
			continue
		}
		out = append(out, s.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() > out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	return page(out, filter.Offset, filter.Limit), nil
}

func (r *scheduleRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.MessageSchedule, error) {
	r.mu.RLock()
	var out []*model.MessageSchedule
	for _, s := range r.schedules {
		if s.Status == model.ScheduleStatusPending && s.NextExecutionAt != nil && !s.NextExecutionAt.After(now) {
			out = append(out, s.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].NextExecutionAt.Before(*out[j].NextExecutionAt)
	})
	return page(out, 0, limit), nil
}

func (r *scheduleRepository) ListStale(ctx context.Context, before time.Time, limit int) ([]*model.MessageSchedule, error) {
	r.mu.RLock()
	var out []*model.MessageSchedule
	for _, s := range r.schedules {
		if s.Status == model.ScheduleStatusProcessing && s.UpdatedAt.Before(before) {
			out = append(out, s.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return page(out, 0, limit), nil
}

func (r *scheduleRepository) All(ctx context.Context) ([]*model.MessageSchedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*model.MessageSchedule, 0, len(r.schedules))
	for _, s := range r.schedules {
		out = append(out, s.Clone())
	}
	return out, nil
}

func (r *scheduleRepository) Update(ctx context.Context, schedule *model.MessageSchedule, expectedVersion int) (*model.MessageSchedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.schedules[schedule.ID]
	if !ok {
		return nil, apperrors.NewNotFound("schedule", nil)
	}
	if stored.Version != expectedVersion {
		return nil, apperrors.NewConflict("schedule was modified concurrently", nil)
	}

	updated := schedule.Clone()
	updated.Channel = stored.Channel
	updated.CreatedAt = stored.CreatedAt
	updated.CreatedBy = stored.CreatedBy
	updated.Version = stored.Version + 1
	updated.UpdatedAt = r.now()
	r.schedules[schedule.ID] = updated
	return updated.Clone(), nil
}

func (r *scheduleRepository) Claim(ctx context.Context, id uuid.UUID, now time.Time) (*model.MessageSchedule, error) {
	return r.claim(id, func(s *model.MessageSchedule) error {
		if s.NextExecutionAt == nil || s.NextExecutionAt.After(now) {
			return apperrors.NewConflict("schedule is not due", nil)
		}
		return nil
	})
}

func (r *scheduleRepository) ClaimPending(ctx context.Context, id uuid.UUID) (*model.MessageSchedule, error) {
	return r.claim(id, nil)
}

func (r *scheduleRepository) claim(id uuid.UUID, check func(*model.MessageSchedule) error) (*model.MessageSchedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.schedules[id]
	if !ok {
		return nil, apperrors.NewNotFound("schedule", nil)
	}
	if stored.Status != model.ScheduleStatusPending {
		return nil, apperrors.NewConflict("schedule is not pending", nil)
	}
	if check != nil {
		if err := check(stored); err != nil {
			return nil, err
		}
	}

	stored.Status = model.ScheduleStatusProcessing
	stored.Version++
	stored.UpdatedAt = r.now()
	return stored.Clone(), nil
}

func (r *scheduleRepository) Heartbeat(ctx context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.schedules[id]
	if !ok || stored.Status != model.ScheduleStatusProcessing {
		return false, nil
	}
	stored.Version++
	stored.UpdatedAt = r.now()
	return true, nil
}

func (r *scheduleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.schedules[id]; !ok {
		return apperrors.NewNotFound("schedule", nil)
	}
	delete(r.schedules, id)
	return nil
}

func containsChannel(channels []model.Channel, c model.Channel) bool {
	for _, ch := range channels {
		if ch == c {
			return true
		}
	}
	return false
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	if offset > 0 {
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
