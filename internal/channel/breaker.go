package channel

import (
	"context"
	"errors"

	"github.com/jwalitptl/message-scheduler/internal/model"
	"github.com/jwalitptl/message-scheduler/pkg/circuitbreaker"
)

type breakerAdapter struct {
	next Adapter
	cb   *circuitbreaker.CircuitBreaker
}

// WithBreaker stops calling next while it keeps failing.
func WithBreaker(next Adapter, cb *circuitbreaker.CircuitBreaker) Adapter {
	return &breakerAdapter{next: next, cb: cb}
}

func (a *breakerAdapter) Send(ctx context.Context, recipientID string, payload model.Payload) Outcome {
	var outcome Outcome
	err := a.cb.Execute(ctx, func(ctx context.Context) error {
		outcome = a.next.Send(ctx, recipientID, payload)
		if !outcome.Success {
			return errors.New(outcome.Error)
		}
		return nil
	})
	if err != nil && outcome.Error == "" {
		return Failed(err)
	}
	return outcome
}
