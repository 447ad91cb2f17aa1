package model

import (
	"time"

	"github.com/google/uuid"
)

type Channel string

const (
	ChannelNotification Channel = "notification"
	ChannelSurvey       Channel = "survey"
	ChannelChat         Channel = "chat"
	ChannelEmail        Channel = "email"
)

// Channels lists every supported channel.
var Channels = []Channel{ChannelNotification, ChannelSurvey, ChannelChat, ChannelEmail}

func (c Channel) Valid() bool {
	for _, known := range Channels {
		if c == known {
			return true
		}
	}
	return false
}

type ScheduleMode string

const (
	ScheduleModeImmediate   ScheduleMode = "immediate"
	ScheduleModeRecurring   ScheduleMode = "recurring"
	ScheduleModeConditional ScheduleMode = "conditional"
)

type ScheduleStatus string

const (
	ScheduleStatusPending    ScheduleStatus = "pending"
	ScheduleStatusProcessing ScheduleStatus = "processing"
	ScheduleStatusCompleted  ScheduleStatus = "completed"
	ScheduleStatusFailed     ScheduleStatus = "failed"
	ScheduleStatusCancelled  ScheduleStatus = "cancelled"
)

// Terminal reports whether no further status writes are allowed.
func (s ScheduleStatus) Terminal() bool {
	return s == ScheduleStatusCompleted || s == ScheduleStatusFailed || s == ScheduleStatusCancelled
}

// Active reports whether the schedule still counts towards active work.
func (s ScheduleStatus) Active() bool {
	return s == ScheduleStatusPending || s == ScheduleStatusProcessing
}

// MessageSchedule is a persisted definition of what to send, to whom, and when.
//
// ExecutionCount counts attempted deliveries (SuccessCount + ErrorCount once a run
// has settled) while RunCount counts runs; MaxExecutions caps RunCount.
type MessageSchedule struct {
	ID              uuid.UUID          `json:"id"`
	Channel         Channel            `json:"channel"`
	Title           string             `json:"title"`
	Description     *string            `json:"description,omitempty"`
	Payload         Payload            `json:"payload"`
	Recipients      []string           `json:"recipients"`
	ScheduleMode    ScheduleMode       `json:"schedule_mode"`
	Status          ScheduleStatus     `json:"status"`
	ScheduledFor    *time.Time         `json:"scheduled_for,omitempty"`
	Recurrence      *RecurrencePattern `json:"recurrence,omitempty"`
	NextExecutionAt *time.Time         `json:"next_execution_at,omitempty"`
	LastExecutedAt  *time.Time         `json:"last_executed_at,omitempty"`
	RunCount        int                `json:"run_count"`
	ExecutionCount  int                `json:"execution_count"`
	SuccessCount    int                `json:"success_count"`
	ErrorCount      int                `json:"error_count"`
	MaxExecutions   *int               `json:"max_executions,omitempty"`
	LastError       *string            `json:"last_error,omitempty"`
	CreatedBy       string             `json:"created_by"`
	Version         int                `json:"version"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// CapReached reports whether max_executions has been used up.
func (s *MessageSchedule) CapReached() bool {
	return s.MaxExecutions != nil && s.RunCount >= *s.MaxExecutions
}

// Clone returns a deep copy; payload variants are immutable values and are shared.
func (s *MessageSchedule) Clone() *MessageSchedule {
	if s == nil {
		return nil
	}
	c := *s
	c.Recipients = append([]string(nil), s.Recipients...)
	c.Description = cloneString(s.Description)
	c.LastError = cloneString(s.LastError)
	c.ScheduledFor = cloneTime(s.ScheduledFor)
	c.NextExecutionAt = cloneTime(s.NextExecutionAt)
	c.LastExecutedAt = cloneTime(s.LastExecutedAt)
	if s.MaxExecutions != nil {
		v := *s.MaxExecutions
		c.MaxExecutions = &v
	}
	c.Recurrence = s.Recurrence.Clone()
	return &c
}

// ScheduleView annotates a schedule for display. CanEdit and CanDelete are hints only.
type ScheduleView struct {
	*MessageSchedule
	CanEdit   bool `json:"can_edit"`
	CanDelete bool `json:"can_delete"`
}

// ScheduleFilter narrows a schedule query.
type ScheduleFilter struct {
	Channel *Channel
	Status  *ScheduleStatus
	// Channels restricts results to the given set when non-nil.
	Channels []Channel
	Pagination
}

// ScheduleStatistics is the aggregate view returned by statistics queries.
type ScheduleStatistics struct {
	ActiveSchedules int             `json:"active_schedules"`
	CompletedToday  int             `json:"completed_today"`
	FailuresToday   int             `json:"failures_today"`
	SuccessRate     float64         `json:"success_rate"`
	NextExecution   *time.Time      `json:"next_execution,omitempty"`
	TotalByChannel  map[Channel]int `json:"total_by_channel"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
