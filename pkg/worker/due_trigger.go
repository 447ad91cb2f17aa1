package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/jwalitptl/message-scheduler/internal/service/dispatch"
	"github.com/jwalitptl/message-scheduler/pkg/logger"
)

// DueRunner executes every schedule that is due.
type DueRunner interface {
	ExecuteDueSchedules(ctx context.Context) (dispatch.Summary, error)
}

type DueTriggerConfig struct {
	PollInterval time.Duration
	// StopTimeout bounds how long shutdown waits for a pass in flight.
	StopTimeout time.Duration
	Location    *time.Location
}

// DueTrigger fires ExecuteDueSchedules on a fixed interval. Passes never overlap:
// a tick that arrives while a pass is still running is skipped.
type DueTrigger struct {
	runner DueRunner
	config DueTriggerConfig
	logger *logger.Logger
}

func NewDueTrigger(runner DueRunner, config DueTriggerConfig, log *logger.Logger) (*DueTrigger, error) {
	if config.PollInterval <= 0 {
		return nil, errors.New("poll interval must be greater than 0")
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = 30 * time.Second
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	if log == nil {
		log = logger.Nop()
	}
	return &DueTrigger{runner: runner, config: config, logger: log}, nil
}

// Start runs the trigger until ctx is cancelled.
func (t *DueTrigger) Start(ctx context.Context) error {
	s, err := gocron.NewScheduler(
		gocron.WithLocation(t.config.Location),
		gocron.WithLogger(gocronLogger{log: t.logger}),
		gocron.WithStopTimeout(t.config.StopTimeout),
	)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	_, err = s.NewJob(
		gocron.DurationJob(t.config.PollInterval),
		gocron.NewTask(func() { _, _ = t.RunOnce(ctx) }),
		gocron.WithName("execute-due-schedules"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("failed to schedule due trigger: %w", err)
	}

	t.logger.Info("Starting due trigger", "interval", t.config.PollInterval.String())
	s.Start()

	<-ctx.Done()

	t.logger.Info("Shutting down due trigger")
	if err := s.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown scheduler: %w", err)
	}
	return nil
}

// RunOnce performs a single pass and logs its summary.
func (t *DueTrigger) RunOnce(ctx context.Context) (dispatch.Summary, error) {
	if ctx.Err() != nil {
		return dispatch.Summary{}, ctx.Err()
	}

	start := time.Now()
	summary, err := t.runner.ExecuteDueSchedules(ctx)
	if err != nil {
		t.logger.Error(err, "Failed to execute due schedules")
		return summary, err
	}

	fields := []interface{}{
		"due", summary.Due,
		"executed", summary.Executed,
		"skipped", summary.Skipped,
		"completed", summary.Completed,
		"rescheduled", summary.Rescheduled,
		"failed", summary.Failed,
		"cancelled", summary.Cancelled,
		"errors", summary.Errors,
		"recovered", summary.Recovered,
		"duration", time.Since(start).String(),
	}
	if summary.Due > 0 || summary.Recovered > 0 {
		t.logger.Info("Due pass finished", fields...)
	} else {
		t.logger.Debug("Due pass finished", fields...)
	}
	return summary, nil
}

// gocronLogger routes scheduler logs through the service logger.
type gocronLogger struct {
	log *logger.Logger
}

func (l gocronLogger) Debug(msg string, args ...any) { l.log.Debug(msg, args...) }
func (l gocronLogger) Info(msg string, args ...any) { l.log.Info(msg, args...) }
func (l gocronLogger) Warn(msg string, args ...any) { l.log.Warn(msg, args...) }

func (l gocronLogger) Error(msg string, args ...any) {
	l.log.Error(errors.New(msg), "scheduler error", args...)
}
