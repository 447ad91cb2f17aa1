package capability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jwalitptl/message-scheduler/internal/model"
	"github.com/jwalitptl/message-scheduler/internal/repository"
	apperrors "github.com/jwalitptl/message-scheduler/pkg/errors"
	"github.com/jwalitptl/message-scheduler/pkg/logger"
	"github.com/jwalitptl/message-scheduler/pkg/messaging"
)

// Service is the identity provider of the engine: it stores principal roles and
// capability maps and announces every change.
type Service struct {
	repo      repository.CapabilityRepository
	publisher messaging.Publisher
	logger    *logger.Logger

	mu    sync.RWMutex
	hooks []func(model.PermissionChange)
}

// NewService creates the service; publisher may be nil when no broker is configured.
func NewService(repo repository.CapabilityRepository, publisher messaging.Publisher, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{repo: repo, publisher: publisher, logger: log}
}

func (s *Service) Profile(ctx context.Context, principalID string) (*model.AuthorizationProfile, error) {
	return s.repo.GetProfile(ctx, principalID)
}

// OnChange registers a hook that runs synchronously after every saved change.
func (s *Service) OnChange(hook func(model.PermissionChange)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// SetCapabilities replaces a principal's role and capability map.
func (s *Service) SetCapabilities(ctx context.Context, profile *model.AuthorizationProfile) error {
	if profile.PrincipalID == "" {
		return apperrors.NewValidation("principal_id is required", nil)
	}
	if profile.Role == "" {
		return apperrors.NewValidation("role is required", nil)
	}
	for ch := range profile.Capabilities {
		if !ch.Valid() {
			return apperrors.NewValidation(fmt.Sprintf("unknown channel %q", ch), nil)
		}
	}

	if err := s.repo.SaveProfile(ctx, profile); err != nil {
		return fmt.Errorf("save capabilities: %w", err)
	}

	evt := model.PermissionChange{
		PrincipalID: profile.PrincipalID,
		Role:        profile.Role,
		ChangedAt:   time.Now().UTC(),
	}

	s.mu.RLock()
	hooks := append([]func(model.PermissionChange){}, s.hooks...)
	s.mu.RUnlock()
	for _, hook := range hooks {
		hook(evt)
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, messaging.TopicPermissionsChanged, evt); err != nil {
			s.logger.Error(err, "failed to publish permission change", "principal_id", profile.PrincipalID)
		}
	}
	return nil
}
