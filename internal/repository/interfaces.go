package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/message-scheduler/internal/model"
)

// All repository interfaces in one file
type (
	// ScheduleRepository is the durable store for message schedules.
	//
	// Errors are NotFound for unknown ids, Conflict for a lost claim or a stale
	// version, and Persistence when the store is unavailable.
	ScheduleRepository interface {
		Create(ctx context.Context, schedule *model.MessageSchedule) error
		Get(ctx context.Context, id uuid.UUID) (*model.MessageSchedule, error)
		List(ctx context.Context, filter *model.ScheduleFilter) ([]*model.MessageSchedule, error)
		// ListDue returns pending schedules with next_execution_at <= now, earliest first.
		ListDue(ctx context.Context, now time.Time, limit int) ([]*model.MessageSchedule, error)
		// ListStale returns processing schedules last written before the given instant.
		ListStale(ctx context.Context, before time.Time, limit int) ([]*model.MessageSchedule, error)
		All(ctx context.Context) ([]*model.MessageSchedule, error)
		// Update writes every mutable field if the stored version equals expectedVersion
		// and returns the stored entity with its new version.
		Update(ctx context.Context, schedule *model.MessageSchedule, expectedVersion int) (*model.MessageSchedule, error)
		// Claim atomically moves a pending schedule whose next_execution_at is at or
		// before now to processing.
		Claim(ctx context.Context, id uuid.UUID, now time.Time) (*model.MessageSchedule, error)
		// ClaimPending moves a pending schedule to processing regardless of when it is due.
		ClaimPending(ctx context.Context, id uuid.UUID) (*model.MessageSchedule, error)
		// Heartbeat refreshes updated_at of a processing schedule and bumps its version.
		// It reports false when the schedule is no longer processing.
		Heartbeat(ctx context.Context, id uuid.UUID) (bool, error)
		Delete(ctx context.Context, id uuid.UUID) error
	}

	// ExecutionLogRepository stores append-only execution log entries.
	ExecutionLogRepository interface {
		Append(ctx context.Context, entries ...*model.ExecutionLogEntry) error
		// ListBySchedule returns the most recent entries first.
		ListBySchedule(ctx context.Context, scheduleID uuid.UUID, limit int) ([]*model.ExecutionLogEntry, error)
	}

	CapabilityRepository interface {
		GetProfile(ctx context.Context, principalID string) (*model.AuthorizationProfile, error)
		SaveProfile(ctx context.Context, profile *model.AuthorizationProfile) error
	}
)
