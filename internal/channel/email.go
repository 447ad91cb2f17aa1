package channel

import (
	"context"
	"fmt"

	"github.com/jwalitptl/message-scheduler/internal/email"
	"github.com/jwalitptl/message-scheduler/internal/model"
)

type emailAdapter struct {
	svc email.Service
}

// NewEmailAdapter sends email payloads; the recipient id is the address.
func NewEmailAdapter(svc email.Service) Adapter {
	return &emailAdapter{svc: svc}
}

func (a *emailAdapter) Send(ctx context.Context, recipientID string, payload model.Payload) Outcome {
	p, ok := payload.(model.EmailPayload)
	if !ok {
		return Failed(fmt.Errorf("email adapter cannot send %T", payload))
	}
	if err := a.svc.SendCustom(ctx, recipientID, p.Subject, p.Body); err != nil {
		return Failed(err)
	}
	return Delivered()
}
