package memory

import (
	"context"
	"sync"

	"github.com/jwalitptl/message-scheduler/internal/model"
	"github.com/jwalitptl/message-scheduler/internal/repository"
	apperrors "github.com/jwalitptl/message-scheduler/pkg/errors"
)

type capabilityRepository struct {
	mu       sync.RWMutex
	profiles map[string]*model.AuthorizationProfile
}

func NewCapabilityRepository() repository.CapabilityRepository {
	return &capabilityRepository{profiles: make(map[string]*model.AuthorizationProfile)}
}

func (r *capabilityRepository) GetProfile(ctx context.Context, principalID string) (*model.AuthorizationProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.profiles[principalID]
	if !ok {
		return nil, apperrors.NewNotFound("principal", nil)
	}
	return cloneProfile(p), nil
}

func (r *capabilityRepository) SaveProfile(ctx context.Context, profile *model.AuthorizationProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.profiles[profile.PrincipalID] = cloneProfile(profile)
	return nil
}

func cloneProfile(p *model.AuthorizationProfile) *model.AuthorizationProfile {
	c := *p
	c.Capabilities = make(map[model.Channel]model.CapabilitySet, len(p.Capabilities))
	for ch, caps := range p.Capabilities {
		c.Capabilities[ch] = caps
	}
	return &c
}
