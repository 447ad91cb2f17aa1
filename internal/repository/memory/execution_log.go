package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/message-scheduler/internal/model"
	"github.com/jwalitptl/message-scheduler/internal/repository"
)

type executionLogRepository struct {
	mu      sync.RWMutex
	entries []*model.ExecutionLogEntry
}

func NewExecutionLogRepository() repository.ExecutionLogRepository {
	return &executionLogRepository{}
}

func (r *executionLogRepository) Append(ctx context.Context, entries ...*model.ExecutionLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range entries {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now()
		}
		c := *e
		r.entries = append(r.entries, &c)
	}
	return nil
}

func (r *executionLogRepository) ListBySchedule(ctx context.Context, scheduleID uuid.UUID, limit int) ([]*model.ExecutionLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.ExecutionLogEntry
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].ScheduleID != scheduleID {
			continue
		}
		c := *r.entries[i]
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
