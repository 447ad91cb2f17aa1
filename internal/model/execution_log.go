package model

import (
	"time"

	"github.com/google/uuid"
)

type LogLevel string

const (
	LogLevelInfo        LogLevel = "info"
	LogLevelSuccess     LogLevel = "success"
	LogLevelWarning     LogLevel = "warning"
	LogLevelError       LogLevel = "error"
	LogLevelSystemAlert LogLevel = "system_alert"
)

// ExecutionLogEntry is an append-only record written by the execution coordinator.
type ExecutionLogEntry struct {
	ID         uuid.UUID `json:"id" db:"id"`
	ScheduleID uuid.UUID `json:"schedule_id" db:"schedule_id"`
	Level      LogLevel  `json:"level" db:"level"`
	Message    string    `json:"message" db:"message"`
	Details    JSONMap   `json:"details,omitempty" db:"details"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
