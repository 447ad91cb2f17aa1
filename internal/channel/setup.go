package channel

import (
	"time"

	"github.com/jwalitptl/message-scheduler/internal/email"
	"github.com/jwalitptl/message-scheduler/internal/model"
	"github.com/jwalitptl/message-scheduler/pkg/circuitbreaker"
	"github.com/jwalitptl/message-scheduler/pkg/logger"
	"github.com/jwalitptl/message-scheduler/pkg/messaging"
)

// NewDefaultRegistry wires email over SMTP and the other channels over the broker,
// each behind its own circuit breaker.
func NewDefaultRegistry(publisher messaging.Publisher, mail email.Service, log *logger.Logger) *Registry {
	r := NewRegistry()
	breaker := func(ch model.Channel) *circuitbreaker.CircuitBreaker {
		return circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        "channel-" + string(ch),
			MaxFailures: 20,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			OnStateChange: func(name, from, to string) {
				log.Warn("channel circuit breaker state changed", "breaker", name, "from", from, "to", to)
			},
		})
	}

	for _, ch := range []model.Channel{model.ChannelNotification, model.ChannelSurvey, model.ChannelChat} {
		r.Register(ch, WithBreaker(NewBrokerAdapter(ch, publisher), breaker(ch)))
	}
	r.Register(model.ChannelEmail, WithBreaker(NewEmailAdapter(mail), breaker(model.ChannelEmail)))
	return r
}
