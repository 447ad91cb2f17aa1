package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/message-scheduler/internal/config"
	"github.com/jwalitptl/message-scheduler/internal/model"
	"github.com/jwalitptl/message-scheduler/pkg/logger"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Database: config.DatabaseConfig{Driver: "memory"},
		Scheduler: config.SchedulerConfig{
			BatchSize:           10,
			PollInterval:        time.Second,
			ScheduleConcurrency: 2,
			SendConcurrency:     2,
			SendTimeout:         time.Second,
			Timezone:            "UTC",
		},
		Authz: config.AuthzConfig{ElevatedRoles: []string{"admin"}, CacheTTL: time.Minute},
	}
}

func TestNewWithMemoryStore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, memoryConfig(), logger.Nop())
	require.NoError(t, err)
	defer a.Close()

	assert.Empty(t, a.ReadinessChecks())
	assert.True(t, a.Gate.IsElevated("admin"))

	summary, err := a.Schedules.ExecuteDueSchedules(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Due)
}

func TestPermissionChangeReachesGate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, memoryConfig(), logger.Nop())
	require.NoError(t, err)
	defer a.Close()

	operator := model.Principal{ID: "op-1", Role: "operator"}
	assert.False(t, a.Gate.Check(ctx, operator, model.ChannelChat, model.ActionView))

	require.NoError(t, a.Capabilities.SetCapabilities(ctx, &model.AuthorizationProfile{
		PrincipalID: "op-1",
		Role:        "operator",
		Capabilities: map[model.Channel]model.CapabilitySet{
			model.ChannelChat: {CanView: true},
		},
	}))

	assert.Eventually(t, func() bool {
		return a.Gate.Check(ctx, operator, model.ChannelChat, model.ActionView)
	}, time.Second, 10*time.Millisecond)
}

func TestNewRejectsUnknownTimezone(t *testing.T) {
	cfg := memoryConfig()
	cfg.Scheduler.Timezone = "Mars/Olympus"

	_, err := New(context.Background(), cfg, logger.Nop())
	assert.Error(t, err)
}
