package capability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/message-scheduler/internal/model"
	"github.com/jwalitptl/message-scheduler/internal/repository/memory"
	apperrors "github.com/jwalitptl/message-scheduler/pkg/errors"
	"github.com/jwalitptl/message-scheduler/pkg/messaging"
)

func TestSetCapabilitiesFiresHooksAndPublishes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := messaging.NewLocalBroker()
	sub, err := broker.Subscribe(ctx, messaging.TopicPermissionsChanged)
	require.NoError(t, err)

	svc := NewService(memory.NewCapabilityRepository(), broker, nil)
	var seen []model.PermissionChange
	svc.OnChange(func(evt model.PermissionChange) { seen = append(seen, evt) })

	err = svc.SetCapabilities(ctx, &model.AuthorizationProfile{
		PrincipalID: "op-1",
		Role:        "operator",
		Capabilities: map[model.Channel]model.CapabilitySet{
			model.ChannelSurvey: {CanView: true, CanManage: true},
		},
	})
	require.NoError(t, err)

	require.Len(t, seen, 1)
	assert.Equal(t, "op-1", seen[0].PrincipalID)

	select {
	case raw := <-sub:
		assert.Contains(t, string(raw), `"principal_id":"op-1"`)
	case <-time.After(time.Second):
		t.Fatal("permission change not published")
	}

	profile, err := svc.Profile(ctx, "op-1")
	require.NoError(t, err)
	assert.True(t, profile.Capabilities[model.ChannelSurvey].CanManage)
}

func TestSetCapabilitiesValidates(t *testing.T) {
	svc := NewService(memory.NewCapabilityRepository(), nil, nil)

	err := svc.SetCapabilities(context.Background(), &model.AuthorizationProfile{PrincipalID: "op-1", Role: "operator",
		Capabilities: map[model.Channel]model.CapabilitySet{"sms": {CanView: true}}})
	assert.True(t, apperrors.IsValidation(err))

	err = svc.SetCapabilities(context.Background(), &model.AuthorizationProfile{Role: "operator"})
	assert.True(t, apperrors.IsValidation(err))
}
