// Package memory provides an in-process lifecycle event bus. It serves
// single-binary deployments where the orchestrator and the router share a
// process, and tests.
package memory

import (
	"context"
	"sync"

	"github.com/quayside/quayside/pkg/lifecycle"
)

// Bus is an in-process lifecycle transport. The same value implements
// both Producer and Consumer.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]subscription
	closed   bool
}

type subscription struct {
	ctx     context.Context
	handler lifecycle.Handler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{handlers: make(map[string][]subscription)}
}

// Subscribe implements lifecycle.Consumer.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler lifecycle.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return lifecycle.ErrConsumerClosed
	}
	b.handlers[topic] = append(b.handlers[topic], subscription{ctx: ctx, handler: handler})
	return nil
}

// Publish implements lifecycle.Producer. Delivery is synchronous and in
// subscription order; handlers whose context has been cancelled are
// skipped.
func (b *Bus) Publish(ctx context.Context, topic string, event *lifecycle.Event) error {
	if event == nil || !event.Type.Valid() {
		return lifecycle.ErrInvalidEvent
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return lifecycle.ErrProducerClosed
	}
	subs := make([]subscription, len(b.handlers[topic]))
	copy(subs, b.handlers[topic])
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.ctx.Err() != nil {
			continue
		}
		e := *event
		sub.handler(&e)
	}
	return nil
}

// Close implements both Consumer and Producer.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[string][]subscription)
	return nil
}
