package schedule

import (
	"encoding/json"
	"time"

	"github.com/jwalitptl/message-scheduler/internal/model"
	apperrors "github.com/jwalitptl/message-scheduler/pkg/errors"
)

type CreateScheduleRequest struct {
	Channel       model.Channel            `json:"channel" validate:"required,oneof=notification survey chat email"`
	Title         string                   `json:"title" validate:"required,max=200"`
	Description   *string                  `json:"description,omitempty" validate:"omitempty,max=2000"`
	Payload       model.Payload            `json:"payload" validate:"required"`
	Recipients    []string                 `json:"recipients" validate:"required,min=1,dive,required"`
	ScheduleMode  model.ScheduleMode       `json:"schedule_mode" validate:"required,oneof=immediate recurring conditional"`
	ScheduledFor  *time.Time               `json:"scheduled_for,omitempty"`
	Recurrence    *model.RecurrencePattern `json:"recurrence,omitempty"`
	MaxExecutions *int                     `json:"max_executions,omitempty" validate:"omitempty,gt=0"`
}

// UnmarshalJSON decodes the payload into the variant named by channel.
func (r *CreateScheduleRequest) UnmarshalJSON(data []byte) error {
	type alias CreateScheduleRequest
	aux := struct {
		*alias
		Payload json.RawMessage `json:"payload"`
	}{alias: (*alias)(r)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Payload) == 0 || !r.Channel.Valid() {
		return nil
	}
	p, err := model.DecodePayload(r.Channel, aux.Payload)
	if err != nil {
		return apperrors.NewValidation(err.Error(), nil)
	}
	r.Payload = p
	return nil
}

// SchedulePatch is a partial update. Nil fields are left unchanged.
type SchedulePatch struct {
	// Version, when set, must match the stored version.
	Version     *int                  `json:"version,omitempty"`
	Channel     *model.Channel        `json:"channel,omitempty"`
	Title       *string               `json:"title,omitempty" validate:"omitempty,min=1,max=200"`
	Description *string               `json:"description,omitempty" validate:"omitempty,max=2000"`
	// Payload is decoded against the schedule's channel.
	Payload       json.RawMessage          `json:"payload,omitempty"`
	Recipients    []string                 `json:"recipients,omitempty" validate:"omitempty,min=1,dive,required"`
	Status        *model.ScheduleStatus    `json:"status,omitempty"`
	ScheduledFor  *time.Time               `json:"scheduled_for,omitempty"`
	Recurrence    *model.RecurrencePattern `json:"recurrence,omitempty"`
	MaxExecutions *int                     `json:"max_executions,omitempty" validate:"omitempty,gt=0"`
}

func (p *SchedulePatch) changesContent() bool {
	return p.Title != nil || p.Description != nil || len(p.Payload) > 0 || p.Recipients != nil ||
		p.ScheduledFor != nil || p.Recurrence != nil || p.MaxExecutions != nil
}

// QueryFilter selects schedules for listing.
type QueryFilter struct {
	Channel *model.Channel        `form:"channel"`
	Status  *model.ScheduleStatus `form:"status"`
	Limit   int                   `form:"limit"`
	Offset  int                   `form:"offset"`
}
