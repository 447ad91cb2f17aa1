package recurrence

import (
	"fmt"
	"time"

	"github.com/jwalitptl/message-scheduler/internal/model"
)

// maxCatchUp bounds how many missed occurrences NextAfter will skip.
const maxCatchUp = 10000

// ComputeNext returns the first occurrence of p strictly after from, in from's location.
func ComputeNext(p *model.RecurrencePattern, from time.Time) (time.Time, error) {
	if p == nil {
		return time.Time{}, fmt.Errorf("recurrence pattern is required")
	}

	hour, minute, hasClock, err := clockOf(p)
	if err != nil {
		return time.Time{}, err
	}
	at := func(y int, m time.Month, d int) time.Time {
		if hasClock {
			return time.Date(y, m, d, hour, minute, 0, 0, from.Location())
		}
		return time.Date(y, m, d, from.Hour(), from.Minute(), from.Second(), from.Nanosecond(), from.Location())
	}

	y, m, d := from.Date()
	var next time.Time

	switch p.Frequency {
	case model.FrequencyDaily:
		next = at(y, m, d+1)
	case model.FrequencyWeekly:
		if len(p.DaysOfWeek) == 0 {
			next = at(y, m, d+7)
			break
		}
		for i := 1; i <= 7; i++ {
			candidate := at(y, m, d+i)
			if containsWeekday(p.DaysOfWeek, candidate.Weekday()) {
				next = candidate
				break
			}
		}
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("invalid days_of_week: %v", p.DaysOfWeek)
		}
	case model.FrequencyMonthly:
		next = addMonths(from, 1, p.DayOfMonth, at)
	case model.FrequencyQuarterly:
		next = addMonths(from, 3, p.DayOfMonth, at)
	case model.FrequencyYearly:
		next = addMonths(from, 12, p.DayOfMonth, at)
	default:
		return time.Time{}, fmt.Errorf("unsupported recurrence frequency: %q", p.Frequency)
	}

	// A DST gap can move the wall clock back onto or before from.
	for !next.After(from) {
		next = next.Add(time.Hour)
	}
	return next, nil
}

// NextAfter returns the first occurrence after now, counting from the occurrence at from.
// ok is false when the pattern has no occurrence left before its until bound.
func NextAfter(p *model.RecurrencePattern, from, now time.Time) (next time.Time, ok bool, err error) {
	next, err = ComputeNext(p, from)
	if err != nil {
		return time.Time{}, false, err
	}
	for i := 0; !next.After(now); i++ {
		if i >= maxCatchUp {
			return time.Time{}, false, fmt.Errorf("recurrence did not advance past %s", now.Format(time.RFC3339))
		}
		if next, err = ComputeNext(p, next); err != nil {
			return time.Time{}, false, err
		}
	}
	if p.Until != nil && next.After(*p.Until) {
		return time.Time{}, false, nil
	}
	return next, true, nil
}

// Validate checks that p is well formed for its frequency.
func Validate(p *model.RecurrencePattern) error {
	if p == nil {
		return fmt.Errorf("recurrence is required")
	}

	switch p.Frequency {
	case model.FrequencyDaily, model.FrequencyWeekly, model.FrequencyMonthly,
		model.FrequencyQuarterly, model.FrequencyYearly:
	default:
		return fmt.Errorf("recurrence.frequency must be one of [daily weekly monthly quarterly yearly]")
	}

	if _, _, _, err := clockOf(p); err != nil {
		return err
	}

	if len(p.DaysOfWeek) > 0 {
		if p.Frequency != model.FrequencyWeekly {
			return fmt.Errorf("recurrence.days_of_week is only allowed for weekly frequency")
		}
		for _, wd := range p.DaysOfWeek {
			if wd < time.Sunday || wd > time.Saturday {
				return fmt.Errorf("recurrence.days_of_week contains invalid day %d", wd)
			}
		}
	}

	if p.DayOfMonth != nil {
		if p.Frequency == model.FrequencyDaily || p.Frequency == model.FrequencyWeekly {
			return fmt.Errorf("recurrence.day_of_month is not allowed for %s frequency", p.Frequency)
		}
		if *p.DayOfMonth < 1 || *p.DayOfMonth > 31 {
			return fmt.Errorf("recurrence.day_of_month must be between 1 and 31")
		}
	}

	return nil
}

func clockOf(p *model.RecurrencePattern) (hour, minute int, ok bool, err error) {
	if p.TimeOfDay == nil || *p.TimeOfDay == "" {
		return 0, 0, false, nil
	}
	t, err := time.Parse("15:04", *p.TimeOfDay)
	if err != nil {
		return 0, 0, false, fmt.Errorf("recurrence.time_of_day must be HH:MM: %w", err)
	}
	return t.Hour(), t.Minute(), true, nil
}

func containsWeekday(days []time.Weekday, wd time.Weekday) bool {
	for _, d := range days {
		if d == wd {
			return true
		}
	}
	return false
}

// addMonths moves from forward by n calendar months and clamps the day to the target month.
func addMonths(from time.Time, n int, dayOfMonth *int, at func(int, time.Month, int) time.Time) time.Time {
	total := int(from.Month()) - 1 + n
	year := from.Year() + total/12
	month := time.Month(total%12 + 1)

	day := from.Day()
	if dayOfMonth != nil {
		day = *dayOfMonth
	}
	if last := daysIn(year, month); day > last {
		day = last
	}
	return at(year, month, day)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
