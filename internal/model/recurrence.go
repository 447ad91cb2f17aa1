package model

import "time"

type Frequency string

const (
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyYearly    Frequency = "yearly"
)

// RecurrencePattern describes how a recurring schedule repeats.
type RecurrencePattern struct {
	Frequency Frequency `json:"frequency"`
	// TimeOfDay is "HH:MM" in the schedule's location.
	TimeOfDay  *string        `json:"time_of_day,omitempty"`
	DaysOfWeek []time.Weekday `json:"days_of_week,omitempty"`
	DayOfMonth *int           `json:"day_of_month,omitempty"`
	Until      *time.Time     `json:"until,omitempty"`
}

func (p *RecurrencePattern) Clone() *RecurrencePattern {
	if p == nil {
		return nil
	}
	c := *p
	c.TimeOfDay = cloneString(p.TimeOfDay)
	c.DaysOfWeek = append([]time.Weekday(nil), p.DaysOfWeek...)
	if p.DayOfMonth != nil {
		v := *p.DayOfMonth
		c.DayOfMonth = &v
	}
	c.Until = cloneTime(p.Until)
	return &c
}
