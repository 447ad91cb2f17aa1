package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/message-scheduler/internal/channel"
	"github.com/jwalitptl/message-scheduler/internal/model"
	"github.com/jwalitptl/message-scheduler/internal/repository"
	"github.com/jwalitptl/message-scheduler/internal/service/recurrence"
	apperrors "github.com/jwalitptl/message-scheduler/pkg/errors"
	"github.com/jwalitptl/message-scheduler/pkg/logger"
	"github.com/jwalitptl/message-scheduler/pkg/metrics"
)

const (
	errNoRecipients   = "no recipients"
	finalizeTimeout   = 15 * time.Second
	staleRecoverLimit = 100
)

// AdapterSource resolves the adapter of a channel.
type AdapterSource interface {
	Get(ch model.Channel) (channel.Adapter, bool)
}

type Config struct {
	BatchSize           int
	ScheduleConcurrency int
	SendConcurrency     int
	SendTimeout         time.Duration
	SendsPerSecond      float64
	SendBurst           int
	MaxErrorEntries     int
	FinalizeRetries     int
	StaleAfter          time.Duration
	Location            *time.Location
}

func (c *Config) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.ScheduleConcurrency <= 0 {
		c.ScheduleConcurrency = 4
	}
	if c.SendConcurrency <= 0 {
		c.SendConcurrency = 10
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.SendBurst <= 0 {
		c.SendBurst = c.SendConcurrency
	}
	if c.MaxErrorEntries <= 0 {
		c.MaxErrorEntries = 20
	}
	if c.FinalizeRetries <= 0 {
		c.FinalizeRetries = 3
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
}

// Coordinator drives schedules through claim, dispatch and finalisation.
type Coordinator struct {
	schedules repository.ScheduleRepository
	logs      repository.ExecutionLogRepository
	adapters  AdapterSource
	limiter   *rate.Limiter
	cfg       Config
	metrics   *metrics.Metrics
	logger    *logger.Logger
	now       func() time.Time
}

func NewCoordinator(
	schedules repository.ScheduleRepository,
	logs repository.ExecutionLogRepository,
	adapters AdapterSource,
	cfg Config,
	m *metrics.Metrics,
	log *logger.Logger,
) *Coordinator {
	cfg.setDefaults()
	if m == nil {
		m = metrics.NewNop()
	}
	if log == nil {
		log = logger.Nop()
	}

	limit := rate.Inf
	if cfg.SendsPerSecond > 0 {
		limit = rate.Limit(cfg.SendsPerSecond)
	}

	return &Coordinator{
		schedules: schedules,
		logs:      logs,
		adapters:  adapters,
		limiter:   rate.NewLimiter(limit, cfg.SendBurst),
		cfg:       cfg,
		metrics:   m,
		logger:    log,
		now:       time.Now,
	}
}

// RunResult describes one finished run.
type RunResult struct {
	ScheduleID      uuid.UUID            `json:"schedule_id"`
	Status          model.ScheduleStatus `json:"status"`
	Attempted       int                  `json:"attempted"`
	Succeeded       int                  `json:"succeeded"`
	Failed          int                  `json:"failed"`
	NotStarted      int                  `json:"not_started,omitempty"`
	NextExecutionAt *time.Time           `json:"next_execution_at,omitempty"`
}

// Summary aggregates one trigger pass.
type Summary struct {
	Due         int `json:"due"`
	Executed    int `json:"executed"`
	Skipped     int `json:"skipped"`
	Completed   int `json:"completed"`
	Rescheduled int `json:"rescheduled"`
	Failed      int `json:"failed"`
	Cancelled   int `json:"cancelled"`
	Errors      int `json:"errors"`
	Interrupted int `json:"interrupted"`
	Recovered   int `json:"recovered"`
}

type recipientOutcome struct {
	recipientID string
	started     bool
	outcome     channel.Outcome
}

type tally struct {
	succeeded  int
	failed     int
	notStarted int
	firstErr   string
}

func (t tally) attempted() int { return t.succeeded + t.failed }

// released reports a run that was interrupted before any send started.
func (t tally) released(runError string) bool {
	return runError == "" && t.attempted() == 0 && t.notStarted > 0
}

// Execute claims a pending schedule whether or not it is due yet and runs it.
// A lost claim is returned as a Conflict error.
func (c *Coordinator) Execute(ctx context.Context, id uuid.UUID) (*RunResult, error) {
	claimed, err := c.schedules.ClaimPending(ctx, id)
	return c.runClaimed(ctx, claimed, err)
}

// executeDue runs the schedule only if it is still due at now.
func (c *Coordinator) executeDue(ctx context.Context, id uuid.UUID, now time.Time) (*RunResult, error) {
	claimed, err := c.schedules.Claim(ctx, id, now)
	return c.runClaimed(ctx, claimed, err)
}

func (c *Coordinator) runClaimed(ctx context.Context, claimed *model.MessageSchedule, err error) (*RunResult, error) {
	if err != nil {
		if apperrors.IsConflict(err) {
			c.metrics.ClaimConflicts.Inc()
		}
		return nil, err
	}
	return c.run(ctx, claimed)
}

// ExecuteDue runs every due schedule with bounded concurrency, then recovers stale runs.
// Individual run failures are recorded on the schedules, not returned.
func (c *Coordinator) ExecuteDue(ctx context.Context) (Summary, error) {
	var summary Summary

	now := c.now()
	due, err := c.schedules.ListDue(ctx, now, c.cfg.BatchSize)
	if err != nil {
		return summary, fmt.Errorf("list due schedules: %w", err)
	}
	summary.Due = len(due)
	c.metrics.DueBatchSize.Set(float64(len(due)))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(c.cfg.ScheduleConcurrency)

	for _, s := range due {
		if ctx.Err() != nil {
			break
		}
		id := s.ID
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			res, err := c.executeDue(ctx, id, now)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case apperrors.IsConflict(err) || apperrors.IsNotFound(err):
				summary.Skipped++
			case err != nil:
				summary.Errors++
				c.logger.Error(err, "schedule run failed", "schedule_id", id.String())
			default:
				summary.Executed++
				if res.NotStarted > 0 {
					summary.Interrupted++
				}
				switch res.Status {
				case model.ScheduleStatusCompleted:
					summary.Completed++
				case model.ScheduleStatusPending:
					summary.Rescheduled++
				case model.ScheduleStatusFailed:
					summary.Failed++
				case model.ScheduleStatusCancelled:
					summary.Cancelled++
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return summary, nil
	}
	recovered, err := c.RecoverStale(ctx)
	if err != nil {
		c.logger.Error(err, "stale schedule recovery failed")
	}
	summary.Recovered = recovered

	return summary, nil
}

func (c *Coordinator) run(ctx context.Context, s *model.MessageSchedule) (*RunResult, error) {
	start := time.Now()
	log := c.logger.WithFields(map[string]interface{}{
		"schedule_id": s.ID.String(),
		"channel":     string(s.Channel),
	})

	var (
		results  []recipientOutcome
		runError string
	)
	adapter, ok := c.adapters.Get(s.Channel)
	switch {
	case len(s.Recipients) == 0:
		runError = errNoRecipients
	case !ok:
		runError = fmt.Sprintf("no adapter registered for channel %s", s.Channel)
	default:
		stop := c.heartbeat(ctx, s.ID)
		results = c.dispatch(ctx, adapter, s)
		stop()
	}

	t := tallyOutcomes(results)
	final, err := c.finalize(ctx, s, t, runError)
	if err != nil {
		log.Error(err, "failed to finalize schedule run")
		return nil, err
	}

	res := &RunResult{
		ScheduleID:      final.ID,
		Status:          final.Status,
		Attempted:       t.attempted(),
		Succeeded:       t.succeeded,
		Failed:          t.failed,
		NotStarted:      t.notStarted,
		NextExecutionAt: final.NextExecutionAt,
	}

	c.metrics.RunsTotal.WithLabelValues(string(s.Channel), string(final.Status)).Inc()
	c.metrics.RunDuration.WithLabelValues(string(s.Channel)).Observe(time.Since(start).Seconds())

	if err := c.logs.Append(context.WithoutCancel(ctx), c.runEntries(final, res, results, runError, time.Since(start))...); err != nil {
		log.Error(err, "failed to append execution log")
	}

	log.Info("schedule run finished",
		"status", string(final.Status),
		"attempted", res.Attempted,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"not_started", res.NotStarted,
	)
	return res, nil
}

// heartbeat keeps updated_at of a running schedule fresh so RecoverStale leaves
// it alone. The returned func stops it and waits for the last beat.
func (c *Coordinator) heartbeat(ctx context.Context, id uuid.UUID) func() {
	if c.cfg.StaleAfter <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(max(c.cfg.StaleAfter/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				alive, err := c.schedules.Heartbeat(ctx, id)
				if err != nil {
					if ctx.Err() == nil {
						c.logger.Error(err, "schedule heartbeat failed", "schedule_id", id.String())
					}
					continue
				}
				if !alive {
					return
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// dispatch sends the payload to every recipient and returns once all sends settled.
// Once ctx is done no further send is started; sends already in flight run to
// completion under the send timeout.
func (c *Coordinator) dispatch(ctx context.Context, adapter channel.Adapter, s *model.MessageSchedule) []recipientOutcome {
	results := make([]recipientOutcome, len(s.Recipients))

	var g errgroup.Group
	g.SetLimit(c.cfg.SendConcurrency)
	for i, recipientID := range s.Recipients {
		i, recipientID := i, recipientID
		g.Go(func() error {
			results[i] = recipientOutcome{recipientID: recipientID}
			if ctx.Err() != nil || c.limiter.Wait(ctx) != nil {
				return nil
			}
			results[i].started = true
			results[i].outcome = c.send(ctx, adapter, s.Channel, recipientID, s.Payload)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// send bounds one adapter call by the send timeout; an adapter that ignores its
// context is abandoned and counted as failed.
func (c *Coordinator) send(ctx context.Context, adapter channel.Adapter, ch model.Channel, recipientID string, payload model.Payload) channel.Outcome {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.SendTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan channel.Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- channel.Failed(fmt.Errorf("adapter panic: %v", r))
			}
		}()
		done <- adapter.Send(sendCtx, recipientID, payload)
	}()

	var out channel.Outcome
	select {
	case out = <-done:
	case <-sendCtx.Done():
		out = channel.Failed(fmt.Errorf("send timed out after %s", c.cfg.SendTimeout))
	}

	outcome := "success"
	if !out.Success {
		outcome = "failure"
	}
	c.metrics.SendsTotal.WithLabelValues(string(ch), outcome).Inc()
	c.metrics.SendLatency.WithLabelValues(string(ch)).Observe(time.Since(start).Seconds())
	return out
}

// finalize folds the run into the stored schedule with a versioned write. On a
// version conflict the row is reloaded so concurrent cancels and edits win.
func (c *Coordinator) finalize(ctx context.Context, s *model.MessageSchedule, t tally, runError string) (*model.MessageSchedule, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	current := s
	for attempt := 0; ; attempt++ {
		next, err := c.fold(current, t, runError)
		if err != nil {
			return nil, err
		}

		updated, err := c.schedules.Update(ctx, next, current.Version)
		if err == nil {
			return updated, nil
		}
		if !apperrors.IsConflict(err) || attempt >= c.cfg.FinalizeRetries {
			return nil, fmt.Errorf("finalize schedule %s: %w", s.ID, err)
		}

		if current, err = c.schedules.Get(ctx, s.ID); err != nil {
			return nil, fmt.Errorf("reload schedule %s: %w", s.ID, err)
		}
	}
}

func tallyOutcomes(results []recipientOutcome) tally {
	var t tally
	for _, r := range results {
		switch {
		case !r.started:
			t.notStarted++
		case r.outcome.Success:
			t.succeeded++
		default:
			t.failed++
			if t.firstErr == "" {
				t.firstErr = fmt.Sprintf("%s: %s", r.recipientID, r.outcome.Error)
			}
		}
	}
	return t
}

// fold applies one run's outcomes and the state transition to a copy of s.
// Timestamps are stored in UTC.
func (c *Coordinator) fold(s *model.MessageSchedule, t tally, runError string) (*model.MessageSchedule, error) {
	if t.released(runError) {
		return release(s), nil
	}

	now := c.now().In(c.cfg.Location)
	executedAt := now.UTC()
	next := s.Clone()
	succeeded, failed := t.succeeded, t.failed

	next.RunCount++
	next.ExecutionCount += succeeded + failed
	next.SuccessCount += succeeded
	next.ErrorCount += failed
	next.LastExecutedAt = &executedAt

	switch {
	case runError != "":
		next.LastError = &runError
	case failed > 0:
		msg := fmt.Sprintf("%d of %d deliveries failed; first: %s", failed, succeeded+failed, t.firstErr)
		next.LastError = &msg
	case t.notStarted > 0:
		msg := fmt.Sprintf("run interrupted: %d of %d deliveries not started", t.notStarted, t.attempted()+t.notStarted)
		next.LastError = &msg
	}

	if s.Status.Terminal() {
		// Cancelled while the run was in flight: keep the status, drop the next occurrence.
		next.NextExecutionAt = nil
		return next, nil
	}

	switch {
	case runError != "" || (failed > 0 && succeeded == 0):
		next.Status = model.ScheduleStatusFailed
		next.NextExecutionAt = nil
	case s.ScheduleMode == model.ScheduleModeRecurring && !next.CapReached():
		at, ok, err := c.nextOccurrence(s, now)
		if err != nil {
			return nil, fmt.Errorf("compute next occurrence of %s: %w", s.ID, err)
		}
		if ok {
			at = at.UTC()
			next.Status = model.ScheduleStatusPending
			next.NextExecutionAt = &at
		} else {
			next.Status = model.ScheduleStatusCompleted
			next.NextExecutionAt = nil
		}
	default:
		next.Status = model.ScheduleStatusCompleted
		next.NextExecutionAt = nil
	}
	return next, nil
}

// release hands a claimed schedule back untouched apart from its status, keeping
// the occurrence it was claimed for.
func release(s *model.MessageSchedule) *model.MessageSchedule {
	next := s.Clone()
	if s.Status.Terminal() {
		next.NextExecutionAt = nil
		return next
	}
	next.Status = model.ScheduleStatusPending
	msg := "run interrupted before any delivery started; released"
	next.LastError = &msg
	return next
}

func (c *Coordinator) nextOccurrence(s *model.MessageSchedule, now time.Time) (time.Time, bool, error) {
	// A forced run ahead of schedule keeps the upcoming occurrence.
	if s.NextExecutionAt != nil && s.NextExecutionAt.After(now) {
		return *s.NextExecutionAt, true, nil
	}
	from := now
	if s.NextExecutionAt != nil {
		from = s.NextExecutionAt.In(c.cfg.Location)
	}
	return recurrence.NextAfter(s.Recurrence, from, now)
}

func (c *Coordinator) runEntries(s *model.MessageSchedule, res *RunResult, results []recipientOutcome, runError string, took time.Duration) []*model.ExecutionLogEntry {
	details := model.JSONMap{
		"run":         s.RunCount,
		"status":      string(s.Status),
		"attempted":   res.Attempted,
		"succeeded":   res.Succeeded,
		"failed":      res.Failed,
		"duration_ms": took.Milliseconds(),
	}
	if s.NextExecutionAt != nil {
		details["next_execution_at"] = s.NextExecutionAt.UTC().Format(time.RFC3339)
	}

	if res.NotStarted > 0 {
		details["not_started"] = res.NotStarted
	}

	aggregate := &model.ExecutionLogEntry{ScheduleID: s.ID, Details: details}
	switch {
	case res.Attempted == 0 && res.NotStarted > 0 && runError == "":
		aggregate.Level = model.LogLevelWarning
		aggregate.Message = fmt.Sprintf("run interrupted before any of %d deliveries started; schedule released", res.NotStarted)
	case runError != "":
		aggregate.Level = model.LogLevelError
		aggregate.Message = fmt.Sprintf("run failed: %s", runError)
	case res.Failed > 0 && res.Succeeded == 0:
		aggregate.Level = model.LogLevelError
		aggregate.Message = fmt.Sprintf("run failed: all %d deliveries failed", res.Failed)
	case res.Failed > 0 || res.NotStarted > 0:
		aggregate.Level = model.LogLevelWarning
		aggregate.Message = fmt.Sprintf("run finished: %d of %d deliveries succeeded", res.Succeeded, res.Attempted+res.NotStarted)
	default:
		aggregate.Level = model.LogLevelSuccess
		aggregate.Message = fmt.Sprintf("run finished: %d deliveries succeeded", res.Succeeded)
	}
	if s.Status == model.ScheduleStatusCancelled {
		details["cancelled_during_run"] = true
	}

	entries := []*model.ExecutionLogEntry{aggregate}
	suppressed := 0
	for _, r := range results {
		if !r.started || r.outcome.Success {
			continue
		}
		if len(entries)-1 >= c.cfg.MaxErrorEntries {
			suppressed++
			continue
		}
		entries = append(entries, &model.ExecutionLogEntry{
			ScheduleID: s.ID,
			Level:      model.LogLevelError,
			Message:    fmt.Sprintf("delivery to %s failed: %s", r.recipientID, r.outcome.Error),
			Details: model.JSONMap{
				"recipient_id": r.recipientID,
				"error":        r.outcome.Error,
			},
		})
	}
	if suppressed > 0 {
		details["suppressed_errors"] = suppressed
	}
	return entries
}

// RecoverStale returns schedules stuck in processing longer than StaleAfter to
// pending, due immediately. Running schedules stay fresh through their heartbeat.
func (c *Coordinator) RecoverStale(ctx context.Context) (int, error) {
	if c.cfg.StaleAfter <= 0 {
		return 0, nil
	}

	now := c.now().UTC()
	stale, err := c.schedules.ListStale(ctx, now.Add(-c.cfg.StaleAfter), staleRecoverLimit)
	if err != nil {
		return 0, fmt.Errorf("list stale schedules: %w", err)
	}

	recovered := 0
	for _, s := range stale {
		stuckSince := s.UpdatedAt
		next := s.Clone()
		next.Status = model.ScheduleStatusPending
		next.NextExecutionAt = &now
		msg := "run abandoned while processing; requeued"
		next.LastError = &msg

		if _, err := c.schedules.Update(ctx, next, s.Version); err != nil {
			if !apperrors.IsConflict(err) && !apperrors.IsNotFound(err) {
				c.logger.Error(err, "failed to recover stale schedule", "schedule_id", s.ID.String())
			}
			continue
		}
		recovered++
		c.metrics.StaleRecovered.Inc()

		entry := &model.ExecutionLogEntry{
			ScheduleID: s.ID,
			Level:      model.LogLevelSystemAlert,
			Message:    "schedule stuck in processing was returned to pending",
			Details: model.JSONMap{
				"processing_since": stuckSince.UTC().Format(time.RFC3339),
				"stale_after":      c.cfg.StaleAfter.String(),
			},
		}
		if err := c.logs.Append(ctx, entry); err != nil {
			c.logger.Error(err, "failed to append stale recovery log", "schedule_id", s.ID.String())
		}
		c.logger.Warn("recovered stale schedule", "schedule_id", s.ID.String())
	}
	return recovered, nil
}
