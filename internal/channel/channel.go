package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/jwalitptl/message-scheduler/internal/model"
)

// Outcome is the result of delivering a payload to one recipient.
type Outcome struct {
	Success bool
	Error   string
}

func Delivered() Outcome {
	return Outcome{Success: true}
}

func Failed(err error) Outcome {
	if err == nil {
		err = fmt.Errorf("delivery failed")
	}
	return Outcome{Error: err.Error()}
}

// Adapter delivers a payload to one recipient over a single channel.
// Retrying a delivery, if wanted, is the adapter's business.
type Adapter interface {
	Send(ctx context.Context, recipientID string, payload model.Payload) Outcome
}

// AdapterFunc lets a plain function act as an Adapter.
type AdapterFunc func(ctx context.Context, recipientID string, payload model.Payload) Outcome

func (f AdapterFunc) Send(ctx context.Context, recipientID string, payload model.Payload) Outcome {
	return f(ctx, recipientID, payload)
}

// Registry maps each channel to its adapter.
type Registry struct {
	mu       sync.RWMutex
	adapters map[model.Channel]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[model.Channel]Adapter)}
}

func (r *Registry) Register(channel model.Channel, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[channel] = adapter
}

func (r *Registry) Get(channel model.Channel) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[channel]
	return a, ok
}
