package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/message-scheduler/internal/model"
	"github.com/jwalitptl/message-scheduler/internal/repository"
	"github.com/jwalitptl/message-scheduler/internal/service/dispatch"
	"github.com/jwalitptl/message-scheduler/internal/service/recurrence"
	apperrors "github.com/jwalitptl/message-scheduler/pkg/errors"
	"github.com/jwalitptl/message-scheduler/pkg/logger"
	"github.com/jwalitptl/message-scheduler/pkg/validator"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
	DefaultLogLimit = 100
	MaxLogLimit     = 1000
)

// Authorizer answers capability questions for a principal.
type Authorizer interface {
	Authorize(ctx context.Context, principal model.Principal, channel model.Channel, action model.Action) error
	Capabilities(ctx context.Context, principal model.Principal, channel model.Channel) (model.CapabilitySet, error)
	VisibleChannels(ctx context.Context, principal model.Principal) ([]model.Channel, error)
	IsElevated(role string) bool
}

// Executor runs schedules.
type Executor interface {
	Execute(ctx context.Context, id uuid.UUID) (*dispatch.RunResult, error)
	ExecuteDue(ctx context.Context) (dispatch.Summary, error)
}

// StatisticsSource aggregates schedule statistics over a channel set; nil means all.
type StatisticsSource interface {
	Compute(ctx context.Context, channels []model.Channel) (*model.ScheduleStatistics, error)
}

type Config struct {
	Location *time.Location
	// ExecuteImmediateOnCreate runs unscheduled immediate schedules right after creation.
	ExecuteImmediateOnCreate bool
}

// Service is the single entry point for schedule management and execution.
type Service struct {
	schedules repository.ScheduleRepository
	logs      repository.ExecutionLogRepository
	authz     Authorizer
	executor  Executor
	stats     StatisticsSource
	validator validator.Validator
	cfg       Config
	logger    *logger.Logger

	now        func() time.Time
	background sync.WaitGroup
}

func NewService(
	schedules repository.ScheduleRepository,
	logs repository.ExecutionLogRepository,
	authz Authorizer,
	executor Executor,
	stats StatisticsSource,
	cfg Config,
	log *logger.Logger,
) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		schedules: schedules,
		logs:      logs,
		authz:     authz,
		executor:  executor,
		stats:     stats,
		validator: validator.New(),
		cfg:       cfg,
		logger:    log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create validates req, checks the manage capability and persists a pending schedule.
func (s *Service) Create(ctx context.Context, principal model.Principal, req *CreateScheduleRequest) (*model.MessageSchedule, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}
	now := s.now()

	if err := validatePayload(req.Channel, req.Payload); err != nil {
		return nil, err
	}
	recipients := dedupe(req.Recipients)
	if err := validateTiming(req.ScheduleMode, req.ScheduledFor, req.Recurrence, now); err != nil {
		return nil, err
	}
	next, err := s.initialNext(req.ScheduleMode, req.ScheduledFor, req.Recurrence, now)
	if err != nil {
		return nil, err
	}

	if err := s.authz.Authorize(ctx, principal, req.Channel, model.ActionManage); err != nil {
		return nil, err
	}

	sched := &model.MessageSchedule{
		ID:              uuid.New(),
		Channel:         req.Channel,
		Title:           req.Title,
		Description:     req.Description,
		Payload:         req.Payload,
		Recipients:      recipients,
		ScheduleMode:    req.ScheduleMode,
		Status:          model.ScheduleStatusPending,
		ScheduledFor:    req.ScheduledFor,
		Recurrence:      req.Recurrence.Clone(),
		NextExecutionAt: next,
		MaxExecutions:   req.MaxExecutions,
		CreatedBy:       principal.ID,
	}
	if err := s.schedules.Create(ctx, sched); err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}
	s.logger.Info("schedule created",
		"schedule_id", sched.ID.String(),
		"channel", string(sched.Channel),
		"mode", string(sched.ScheduleMode),
		"created_by", principal.ID)

	if s.cfg.ExecuteImmediateOnCreate && sched.ScheduleMode == model.ScheduleModeImmediate && sched.ScheduledFor == nil {
		s.executeInBackground(ctx, sched.ID)
	}
	return sched, nil
}

// Update applies patch to the schedule. Channel is immutable and status may only
// move to cancelled.
func (s *Service) Update(ctx context.Context, principal model.Principal, id uuid.UUID, patch *SchedulePatch) (*model.MessageSchedule, error) {
	if err := s.validator.Validate(patch); err != nil {
		return nil, err
	}

	current, err := s.schedules.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authz.Authorize(ctx, principal, current.Channel, model.ActionManage); err != nil {
		return nil, err
	}

	if patch.Channel != nil && *patch.Channel != current.Channel {
		return nil, apperrors.NewValidation("channel cannot be changed", nil)
	}
	if patch.Status != nil && *patch.Status != model.ScheduleStatusCancelled {
		return nil, apperrors.NewValidation("status can only be set to cancelled", nil)
	}
	if patch.Version != nil && *patch.Version != current.Version {
		return nil, apperrors.NewConflict(
			fmt.Sprintf("schedule is at version %d, not %d", current.Version, *patch.Version), nil)
	}
	if current.Status.Terminal() && (patch.changesContent() || patch.Status != nil) {
		return nil, apperrors.NewConflict(fmt.Sprintf("schedule is already %s", current.Status), nil)
	}

	next := current.Clone()
	if err := s.applyContent(next, patch); err != nil {
		return nil, err
	}
	if patch.Status != nil {
		next.Status = model.ScheduleStatusCancelled
		next.NextExecutionAt = nil
	}

	updated, err := s.schedules.Update(ctx, next, current.Version)
	if err != nil {
		return nil, err
	}
	s.logger.Info("schedule updated",
		"schedule_id", id.String(),
		"status", string(updated.Status),
		"version", updated.Version)
	return updated, nil
}

func (s *Service) applyContent(next *model.MessageSchedule, patch *SchedulePatch) error {
	now := s.now()
	if patch.Title != nil {
		next.Title = *patch.Title
	}
	if patch.Description != nil {
		next.Description = patch.Description
	}
	if len(patch.Payload) > 0 {
		p, err := model.DecodePayload(next.Channel, patch.Payload)
		if err != nil {
			return apperrors.NewValidation(err.Error(), nil)
		}
		if err := validatePayload(next.Channel, p); err != nil {
			return err
		}
		next.Payload = p
	}
	if patch.Recipients != nil {
		next.Recipients = dedupe(patch.Recipients)
	}
	if patch.MaxExecutions != nil {
		next.MaxExecutions = patch.MaxExecutions
	}

	if patch.ScheduledFor == nil && patch.Recurrence == nil {
		return nil
	}
	if patch.ScheduledFor != nil {
		next.ScheduledFor = patch.ScheduledFor
	}
	if patch.Recurrence != nil {
		next.Recurrence = patch.Recurrence.Clone()
	}
	if err := validateTiming(next.ScheduleMode, patch.ScheduledFor, next.Recurrence, now); err != nil {
		return err
	}
	if next.Status != model.ScheduleStatusPending {
		return nil
	}
	at, err := s.initialNext(next.ScheduleMode, patch.ScheduledFor, next.Recurrence, now)
	if err != nil {
		return err
	}
	next.NextExecutionAt = at
	return nil
}

// Delete removes the schedule. Its execution logs are kept.
func (s *Service) Delete(ctx context.Context, principal model.Principal, id uuid.UUID) error {
	current, err := s.schedules.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.authz.Authorize(ctx, principal, current.Channel, model.ActionManage); err != nil {
		return err
	}
	if err := s.schedules.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("schedule deleted", "schedule_id", id.String(), "deleted_by", principal.ID)
	return nil
}

func (s *Service) Get(ctx context.Context, principal model.Principal, id uuid.UUID) (*model.ScheduleView, error) {
	sched, err := s.schedules.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	caps, err := s.authz.Capabilities(ctx, principal, sched.Channel)
	if err != nil {
		return nil, err
	}
	if !caps.CanView {
		return nil, apperrors.NewForbidden(fmt.Sprintf("not allowed to view %s schedules", sched.Channel))
	}
	return annotate(sched, caps), nil
}

// Query lists schedules on channels the principal can view, newest first.
func (s *Service) Query(ctx context.Context, principal model.Principal, q QueryFilter) ([]*model.ScheduleView, error) {
	limit, err := pageLimit(q.Limit, DefaultPageSize, MaxPageSize)
	if err != nil {
		return nil, err
	}
	if q.Offset < 0 {
		return nil, apperrors.NewValidation("offset must not be negative", nil)
	}
	if q.Channel != nil && !q.Channel.Valid() {
		return nil, apperrors.NewValidation(fmt.Sprintf("unknown channel %q", *q.Channel), nil)
	}
	if q.Status != nil && !validStatus(*q.Status) {
		return nil, apperrors.NewValidation(fmt.Sprintf("unknown status %q", *q.Status), nil)
	}

	visible, err := s.authz.VisibleChannels(ctx, principal)
	if err != nil {
		return nil, err
	}
	if q.Channel != nil && !containsChannel(visible, *q.Channel) {
		return nil, apperrors.NewForbidden(fmt.Sprintf("not allowed to view %s schedules", *q.Channel))
	}

	found, err := s.schedules.List(ctx, &model.ScheduleFilter{
		Channel:    q.Channel,
		Status:     q.Status,
		Channels:   visible,
		Pagination: model.Pagination{Limit: limit, Offset: q.Offset},
	})
	if err != nil {
		return nil, err
	}

	caps := make(map[model.Channel]model.CapabilitySet, len(visible))
	views := make([]*model.ScheduleView, 0, len(found))
	for _, sched := range found {
		set, ok := caps[sched.Channel]
		if !ok {
			if set, err = s.authz.Capabilities(ctx, principal, sched.Channel); err != nil {
				return nil, err
			}
			caps[sched.Channel] = set
		}
		views = append(views, annotate(sched, set))
	}
	return views, nil
}

// FetchLogs returns the newest execution log entries of a schedule. Logs of a
// deleted schedule remain readable to elevated principals.
func (s *Service) FetchLogs(ctx context.Context, principal model.Principal, id uuid.UUID, limit int) ([]*model.ExecutionLogEntry, error) {
	limit, err := pageLimit(limit, DefaultLogLimit, MaxLogLimit)
	if err != nil {
		return nil, err
	}

	sched, err := s.schedules.Get(ctx, id)
	switch {
	case apperrors.IsNotFound(err) && s.authz.IsElevated(principal.Role):
	case err != nil:
		return nil, err
	default:
		if err := s.authz.Authorize(ctx, principal, sched.Channel, model.ActionView); err != nil {
			return nil, err
		}
	}
	return s.logs.ListBySchedule(ctx, id, limit)
}

// Statistics aggregates over the channels the principal can view.
func (s *Service) Statistics(ctx context.Context, principal model.Principal) (*model.ScheduleStatistics, error) {
	if s.authz.IsElevated(principal.Role) {
		return s.stats.Compute(ctx, nil)
	}
	visible, err := s.authz.VisibleChannels(ctx, principal)
	if err != nil {
		return nil, err
	}
	return s.stats.Compute(ctx, visible)
}

// ExecuteNow runs a pending schedule immediately, regardless of its next_execution_at.
func (s *Service) ExecuteNow(ctx context.Context, principal model.Principal, id uuid.UUID) (*dispatch.RunResult, error) {
	sched, err := s.schedules.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authz.Authorize(ctx, principal, sched.Channel, model.ActionManage); err != nil {
		return nil, err
	}
	return s.executor.Execute(ctx, id)
}

// ExecuteDueSchedules is the trigger entry point used by the worker.
func (s *Service) ExecuteDueSchedules(ctx context.Context) (dispatch.Summary, error) {
	return s.executor.ExecuteDue(ctx)
}

// TriggerDue runs a due pass on behalf of an elevated principal.
func (s *Service) TriggerDue(ctx context.Context, principal model.Principal) (dispatch.Summary, error) {
	if !s.authz.IsElevated(principal.Role) {
		return dispatch.Summary{}, apperrors.NewForbidden("only administrators can trigger due schedules")
	}
	return s.executor.ExecuteDue(ctx)
}

// IsElevated reports whether role bypasses per-channel capabilities.
func (s *Service) IsElevated(role string) bool {
	return s.authz.IsElevated(role)
}

// Wait blocks until runs started in the background have finished.
func (s *Service) Wait() {
	s.background.Wait()
}

func (s *Service) executeInBackground(ctx context.Context, id uuid.UUID) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if _, err := s.executor.Execute(context.WithoutCancel(ctx), id); err != nil && !apperrors.IsConflict(err) {
			s.logger.Error(err, "immediate execution failed", "schedule_id", id.String())
		}
	}()
}

// initialNext computes next_execution_at for a freshly (re)timed schedule.
func (s *Service) initialNext(mode model.ScheduleMode, scheduledFor *time.Time, pattern *model.RecurrencePattern, now time.Time) (*time.Time, error) {
	switch mode {
	case model.ScheduleModeImmediate:
		at := now
		if scheduledFor != nil {
			at = scheduledFor.UTC()
		}
		return &at, nil
	case model.ScheduleModeRecurring:
		var at time.Time
		if scheduledFor != nil {
			at = scheduledFor.UTC()
		} else {
			next, err := recurrence.ComputeNext(pattern, now.In(s.cfg.Location))
			if err != nil {
				return nil, apperrors.NewValidation(err.Error(), nil)
			}
			at = next.UTC()
		}
		if pattern.Until != nil && at.After(*pattern.Until) {
			return nil, apperrors.NewValidation("recurrence.until is before the first occurrence", nil)
		}
		return &at, nil
	default:
		return nil, nil
	}
}

func validatePayload(channel model.Channel, p model.Payload) error {
	if p == nil {
		return apperrors.NewValidation("payload is required", nil)
	}
	if p.Channel() != channel {
		return apperrors.NewValidation(fmt.Sprintf("payload is for %s, not %s", p.Channel(), channel), nil)
	}
	if err := p.Validate(); err != nil {
		return apperrors.NewValidation(err.Error(), nil)
	}
	return nil
}

func validateTiming(mode model.ScheduleMode, scheduledFor *time.Time, pattern *model.RecurrencePattern, now time.Time) error {
	if scheduledFor != nil && !scheduledFor.After(now) {
		return apperrors.NewValidation("scheduled_for must be in the future", nil)
	}
	switch {
	case mode == model.ScheduleModeRecurring && pattern == nil:
		return apperrors.NewValidation("recurrence is required for recurring schedules", nil)
	case mode != model.ScheduleModeRecurring && pattern != nil:
		return apperrors.NewValidation("recurrence is only allowed for recurring schedules", nil)
	case pattern != nil:
		if err := recurrence.Validate(pattern); err != nil {
			return apperrors.NewValidation(err.Error(), nil)
		}
	}
	return nil
}

func annotate(sched *model.MessageSchedule, caps model.CapabilitySet) *model.ScheduleView {
	return &model.ScheduleView{
		MessageSchedule: sched,
		CanEdit:         caps.CanManage && !sched.Status.Terminal(),
		CanDelete:       caps.CanManage,
	}
}

func pageLimit(limit, def, ceiling int) (int, error) {
	switch {
	case limit == 0:
		return def, nil
	case limit < 0:
		return 0, apperrors.NewValidation("limit must be positive", nil)
	case limit > ceiling:
		return ceiling, nil
	}
	return limit, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func containsChannel(set []model.Channel, ch model.Channel) bool {
	for _, c := range set {
		if c == ch {
			return true
		}
	}
	return false
}

func validStatus(st model.ScheduleStatus) bool {
	switch st {
	case model.ScheduleStatusPending, model.ScheduleStatusProcessing, model.ScheduleStatusCompleted,
		model.ScheduleStatusFailed, model.ScheduleStatusCancelled:
		return true
	}
	return false
}
