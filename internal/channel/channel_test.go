package channel

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/message-scheduler/internal/model"
	"github.com/jwalitptl/message-scheduler/pkg/circuitbreaker"
	"github.com/jwalitptl/message-scheduler/pkg/logger"
	"github.com/jwalitptl/message-scheduler/pkg/messaging"
)

type MockEmailService struct {
	mock.Mock
}

func (m *MockEmailService) SendCustom(ctx context.Context, to, subject, content string) error {
	return m.Called(ctx, to, subject, content).Error(0)
}

func TestBrokerAdapterPublishesToChannelTopic(t *testing.T) {
	broker := messaging.NewLocalBroker()
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := broker.Subscribe(ctx, "delivery.survey")
	require.NoError(t, err)

	adapter := NewBrokerAdapter(model.ChannelSurvey, broker)
	out := adapter.Send(ctx, "u-42", model.SurveyPayload{SurveyID: "nps-2024"})
	require.True(t, out.Success)

	select {
	case raw := <-sub:
		var msg struct {
			Type    string `json:"type"`
			Payload struct {
				Channel     string          `json:"channel"`
				RecipientID string          `json:"recipient_id"`
				Payload     json.RawMessage `json:"payload"`
			} `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(raw, &msg))
		assert.Equal(t, "delivery", msg.Type)
		assert.Equal(t, "survey", msg.Payload.Channel)
		assert.Equal(t, "u-42", msg.Payload.RecipientID)
		assert.JSONEq(t, `{"survey_id":"nps-2024"}`, string(msg.Payload.Payload))
	case <-time.After(time.Second):
		t.Fatal("delivery not published")
	}
}

func TestEmailAdapter(t *testing.T) {
	svc := &MockEmailService{}
	svc.On("SendCustom", mock.Anything, "ana@example.com", "Hi", "Body").Return(nil)
	svc.On("SendCustom", mock.Anything, "bad@example.com", "Hi", "Body").Return(errors.New("550 mailbox unavailable"))

	adapter := NewEmailAdapter(svc)
	payload := model.EmailPayload{Subject: "Hi", Body: "Body"}

	assert.True(t, adapter.Send(context.Background(), "ana@example.com", payload).Success)

	out := adapter.Send(context.Background(), "bad@example.com", payload)
	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "550")

	out = adapter.Send(context.Background(), "ana@example.com", model.ChatPayload{Message: "x"})
	assert.False(t, out.Success)
	svc.AssertExpectations(t)
}

func TestBreakerAdapterStopsCallingFailingAdapter(t *testing.T) {
	calls := 0
	failing := AdapterFunc(func(ctx context.Context, recipientID string, payload model.Payload) Outcome {
		calls++
		return Failed(errors.New("gateway unavailable"))
	})
	adapter := WithBreaker(failing, circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:        "test",
		MaxFailures: 3,
		Timeout:     time.Hour,
	}))

	for i := 0; i < 5; i++ {
		out := adapter.Send(context.Background(), "u1", model.ChatPayload{Message: "hi"})
		assert.False(t, out.Success)
		assert.NotEmpty(t, out.Error)
	}
	assert.Equal(t, 3, calls)
}

func TestDefaultRegistryCoversEveryChannel(t *testing.T) {
	r := NewDefaultRegistry(messaging.NewLocalBroker(), &MockEmailService{}, logger.Nop())
	for _, ch := range model.Channels {
		_, ok := r.Get(ch)
		assert.True(t, ok, ch)
	}
}
