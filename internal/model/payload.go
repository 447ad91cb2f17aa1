package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Payload is the channel-specific content of a schedule.
type Payload interface {
	Channel() Channel
	Validate() error
}

type NotificationPayload struct {
	Message string `json:"message"`
}

func (NotificationPayload) Channel() Channel { return ChannelNotification }

func (p NotificationPayload) Validate() error {
	if strings.TrimSpace(p.Message) == "" {
		return fmt.Errorf("payload.message is required")
	}
	return nil
}

type SurveyPayload struct {
	SurveyID string `json:"survey_id"`
}

func (SurveyPayload) Channel() Channel { return ChannelSurvey }

func (p SurveyPayload) Validate() error {
	if strings.TrimSpace(p.SurveyID) == "" {
		return fmt.Errorf("payload.survey_id is required")
	}
	return nil
}

type ChatPayload struct {
	Message string `json:"message"`
}

func (ChatPayload) Channel() Channel { return ChannelChat }

func (p ChatPayload) Validate() error {
	if strings.TrimSpace(p.Message) == "" {
		return fmt.Errorf("payload.message is required")
	}
	return nil
}

type EmailPayload struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (EmailPayload) Channel() Channel { return ChannelEmail }

func (p EmailPayload) Validate() error {
	var missing []string
	if strings.TrimSpace(p.Subject) == "" {
		missing = append(missing, "payload.subject")
	}
	if strings.TrimSpace(p.Body) == "" {
		missing = append(missing, "payload.body")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s is required", strings.Join(missing, " and "))
	}
	return nil
}

// DecodePayload decodes raw JSON into the variant that belongs to channel.
func DecodePayload(channel Channel, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("payload is required")
	}

	var (
		p   Payload
		err error
	)
	switch channel {
	case ChannelNotification:
		var v NotificationPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case ChannelSurvey:
		var v SurveyPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case ChannelChat:
		var v ChatPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case ChannelEmail:
		var v EmailPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unsupported channel: %s", channel)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", channel, err)
	}
	return p, nil
}
