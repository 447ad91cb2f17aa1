package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/message-scheduler/internal/model"
	apperrors "github.com/jwalitptl/message-scheduler/pkg/errors"
	"github.com/jwalitptl/message-scheduler/pkg/logger"
	"github.com/jwalitptl/message-scheduler/pkg/messaging"
	"github.com/jwalitptl/message-scheduler/pkg/metrics"
)

// IdentityProvider supplies the stored role and capability map of a principal.
type IdentityProvider interface {
	Profile(ctx context.Context, principalID string) (*model.AuthorizationProfile, error)
}

type Config struct {
	ElevatedRoles []string
	CacheTTL      time.Duration
}

// Gate decides whether a principal may view or manage schedules of a channel.
// It owns the only profile cache; callers invalidate it through the methods below.
type Gate struct {
	identity   IdentityProvider
	cache      *cache.Cache
	elevated   map[string]struct{}
	generation atomic.Uint64
	metrics    *metrics.Metrics
	logger     *logger.Logger
}

func NewGate(identity IdentityProvider, cfg Config, m *metrics.Metrics, log *logger.Logger) *Gate {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if m == nil {
		m = metrics.NewNop()
	}
	if log == nil {
		log = logger.Nop()
	}

	elevated := make(map[string]struct{}, len(cfg.ElevatedRoles))
	for _, role := range cfg.ElevatedRoles {
		elevated[role] = struct{}{}
	}

	return &Gate{
		identity: identity,
		cache:    cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		elevated: elevated,
		metrics:  m,
		logger:   log,
	}
}

// Check reports whether principal may perform action on channel. Lookup failures deny.
func (g *Gate) Check(ctx context.Context, principal model.Principal, channel model.Channel, action model.Action) bool {
	return g.Authorize(ctx, principal, channel, action) == nil
}

// Authorize returns a Forbidden error when the capability is missing and a
// Persistence error when the identity provider cannot be reached.
func (g *Gate) Authorize(ctx context.Context, principal model.Principal, channel model.Channel, action model.Action) error {
	caps, err := g.Capabilities(ctx, principal, channel)
	if err != nil {
		return err
	}
	if !caps.Allows(action) {
		return apperrors.NewForbidden(fmt.Sprintf("not allowed to %s %s schedules", action, channel))
	}
	return nil
}

// Capabilities returns the effective capability set of principal for channel.
func (g *Gate) Capabilities(ctx context.Context, principal model.Principal, channel model.Channel) (model.CapabilitySet, error) {
	if g.IsElevated(principal.Role) {
		return model.CapabilitySet{CanView: true, CanManage: true}, nil
	}
	if principal.ID == "" {
		return model.CapabilitySet{}, nil
	}

	profile, err := g.profile(ctx, principal.ID)
	if err != nil {
		return model.CapabilitySet{}, err
	}
	if g.IsElevated(profile.Role) {
		return model.CapabilitySet{CanView: true, CanManage: true}, nil
	}
	return profile.Capabilities[channel], nil
}

// VisibleChannels lists the channels principal may view.
func (g *Gate) VisibleChannels(ctx context.Context, principal model.Principal) ([]model.Channel, error) {
	visible := make([]model.Channel, 0, len(model.Channels))
	for _, ch := range model.Channels {
		caps, err := g.Capabilities(ctx, principal, ch)
		if err != nil {
			return nil, err
		}
		if caps.CanView {
			visible = append(visible, ch)
		}
	}
	return visible, nil
}

func (g *Gate) IsElevated(role string) bool {
	_, ok := g.elevated[role]
	return ok
}

// Invalidate drops the cached profile of one principal.
func (g *Gate) Invalidate(principalID string) {
	g.generation.Add(1)
	g.cache.Delete(principalID)
}

// InvalidateAll drops every cached profile.
func (g *Gate) InvalidateAll() {
	g.generation.Add(1)
	g.cache.Flush()
}

// OnPermissionChange is the hook fired when a role or capability set changes.
// A change without a principal id applies to everyone holding the role.
func (g *Gate) OnPermissionChange(evt model.PermissionChange) {
	if evt.PrincipalID == "" {
		g.logger.Info("permission change for role, flushing authorization cache", "role", evt.Role)
		g.InvalidateAll()
		return
	}
	g.logger.Debug("permission change", "principal_id", evt.PrincipalID)
	g.Invalidate(evt.PrincipalID)
}

// Subscribe feeds permission-change events published on the broker into
// OnPermissionChange until ctx is done.
func (g *Gate) Subscribe(ctx context.Context, broker messaging.Subscriber) error {
	events, err := broker.Subscribe(ctx, messaging.TopicPermissionsChanged)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", messaging.TopicPermissionsChanged, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-events:
				if !ok {
					return
				}
				var evt model.PermissionChange
				if err := json.Unmarshal(raw, &evt); err != nil {
					// Unreadable events flush everything.
					g.logger.Error(err, "invalid permission change event")
					g.InvalidateAll()
					continue
				}
				g.OnPermissionChange(evt)
			}
		}
	}()
	return nil
}

func (g *Gate) profile(ctx context.Context, principalID string) (*model.AuthorizationProfile, error) {
	if cached, ok := g.cache.Get(principalID); ok {
		g.metrics.AuthzCacheLookups.WithLabelValues("hit").Inc()
		return cached.(*model.AuthorizationProfile), nil
	}
	g.metrics.AuthzCacheLookups.WithLabelValues("miss").Inc()

	gen := g.generation.Load()
	profile, err := g.identity.Profile(ctx, principalID)
	switch {
	case apperrors.IsNotFound(err):
		profile = &model.AuthorizationProfile{PrincipalID: principalID}
	case err != nil:
		if apperrors.IsPersistence(err) {
			return nil, err
		}
		return nil, apperrors.NewPersistence("load authorization profile", err)
	}

	// Skip caching when an invalidation raced with the load.
	if g.generation.Load() == gen {
		g.cache.SetDefault(principalID, profile)
	}
	return profile, nil
}
