package statistics

import (
	"context"
	"time"

	"github.com/jwalitptl/message-scheduler/internal/model"
	"github.com/jwalitptl/message-scheduler/internal/repository"
)

// Aggregator derives statistics from the current repository snapshot. It keeps no state.
type Aggregator struct {
	schedules repository.ScheduleRepository
	loc       *time.Location
	now       func() time.Time
}

func NewAggregator(schedules repository.ScheduleRepository, loc *time.Location) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{schedules: schedules, loc: loc, now: time.Now}
}

// Compute aggregates over schedules of the given channels; nil means every channel.
// SuccessRate is a ratio in [0, 1].
func (a *Aggregator) Compute(ctx context.Context, channels []model.Channel) (*model.ScheduleStatistics, error) {
	all, err := a.schedules.All(ctx)
	if err != nil {
		return nil, err
	}

	if channels == nil {
		channels = model.Channels
	}
	included := make(map[model.Channel]bool, len(channels))
	stats := &model.ScheduleStatistics{TotalByChannel: make(map[model.Channel]int, len(channels))}
	for _, ch := range channels {
		included[ch] = true
		stats.TotalByChannel[ch] = 0
	}

	today := dayOf(a.now().In(a.loc))
	var successes, executions int

	for _, s := range all {
		if !included[s.Channel] {
			continue
		}
		stats.TotalByChannel[s.Channel]++
		successes += s.SuccessCount
		executions += s.ExecutionCount

		if s.Status.Active() {
			stats.ActiveSchedules++
		}
		if s.LastExecutedAt != nil && dayOf(s.LastExecutedAt.In(a.loc)) == today {
			switch s.Status {
			case model.ScheduleStatusCompleted:
				stats.CompletedToday++
			case model.ScheduleStatusFailed:
				stats.FailuresToday++
			}
		}
		if s.Status == model.ScheduleStatusPending && s.NextExecutionAt != nil {
			if stats.NextExecution == nil || s.NextExecutionAt.Before(*stats.NextExecution) {
				next := *s.NextExecutionAt
				stats.NextExecution = &next
			}
		}
	}

	if executions > 0 {
		stats.SuccessRate = float64(successes) / float64(executions)
	}
	return stats, nil
}

func dayOf(t time.Time) [3]int {
	y, m, d := t.Date()
	return [3]int{y, int(m), d}
}
