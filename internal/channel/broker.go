package channel

import (
	"context"
	"time"

	"github.com/jwalitptl/message-scheduler/internal/model"
	"github.com/jwalitptl/message-scheduler/pkg/messaging"
)

// Delivery is the envelope published for channels delivered by downstream gateways.
type Delivery struct {
	Channel     model.Channel `json:"channel"`
	RecipientID string        `json:"recipient_id"`
	Payload     model.Payload `json:"payload"`
	QueuedAt    time.Time     `json:"queued_at"`
}

type brokerAdapter struct {
	channel   model.Channel
	publisher messaging.Publisher
}

// NewBrokerAdapter publishes deliveries for channel on the delivery.<channel> topic.
func NewBrokerAdapter(channel model.Channel, publisher messaging.Publisher) Adapter {
	return &brokerAdapter{channel: channel, publisher: publisher}
}

func (a *brokerAdapter) Send(ctx context.Context, recipientID string, payload model.Payload) Outcome {
	msg := messaging.Message{
		Type: "delivery",
		Payload: Delivery{
			Channel:     a.channel,
			RecipientID: recipientID,
			Payload:     payload,
			QueuedAt:    time.Now().UTC(),
		},
	}
	if err := a.publisher.Publish(ctx, messaging.DeliveryTopic(string(a.channel)), msg); err != nil {
		return Failed(err)
	}
	return Delivered()
}
