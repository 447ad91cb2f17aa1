package messaging

import (
	"context"
)

const (
	// TopicPermissionsChanged carries model.PermissionChange events.
	TopicPermissionsChanged = "permissions.changed"
	TopicDeliveryPrefix     = "delivery."
)

// DeliveryTopic is the topic downstream gateways consume for one channel.
func DeliveryTopic(channel string) string {
	return TopicDeliveryPrefix + channel
}

type Publisher interface {
	Publish(ctx context.Context, topic string, message interface{}) error
}

// Subscriber delivers raw JSON messages until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)
}

// Broker is a pub/sub transport shared by the api and worker processes.
type Broker interface {
	Publisher
	Subscriber
	Close() error
}

// Message is the envelope every published event is wrapped in.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}
