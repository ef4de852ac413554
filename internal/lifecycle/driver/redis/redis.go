// Package redis provides a Redis pub/sub transport for lifecycle events.
// The orchestration collaborator publishes to a channel; every router
// replica subscribes and applies events to its local registry.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quayside/quayside/pkg/lifecycle"
	"github.com/quayside/quayside/pkg/log"
)

// Transport implements lifecycle.Consumer and lifecycle.Producer over
// Redis pub/sub.
type Transport struct {
	client *redis.Client
	logger log.Logger

	mu     sync.Mutex
	subs   []*redis.PubSub
	wg     sync.WaitGroup
	closed bool
}

// New creates a Redis lifecycle transport and verifies connectivity.
func New(config *lifecycle.Config, logger log.Logger) (*Transport, error) {
	if config == nil {
		config = lifecycle.DefaultConfig()
	}
	if config.Address == "" {
		return nil, fmt.Errorf("redis lifecycle: address is required")
	}
	if logger == nil {
		logger = log.Component("lifecycle.redis")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.Database,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis lifecycle: %w", err)
	}

	return &Transport{client: client, logger: logger}, nil
}

// Subscribe implements lifecycle.Consumer. Each subscription runs its own
// receive loop; malformed payloads are logged and dropped.
func (t *Transport) Subscribe(ctx context.Context, topic string, handler lifecycle.Handler) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return lifecycle.ErrConsumerClosed
	}
	pubsub := t.client.Subscribe(ctx, topic)
	t.subs = append(t.subs, pubsub)
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event lifecycle.Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					t.logger.Warn("dropping malformed lifecycle payload",
						log.String("topic", topic),
						log.Err(err),
					)
					continue
				}
				handler(&event)
			case <-ctx.Done():
				pubsub.Close()
				return
			}
		}
	}()
	return nil
}

// Publish implements lifecycle.Producer.
func (t *Transport) Publish(ctx context.Context, topic string, event *lifecycle.Event) error {
	if event == nil || !event.Type.Valid() {
		return lifecycle.ErrInvalidEvent
	}

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return lifecycle.ErrProducerClosed
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis lifecycle: marshal event: %w", err)
	}
	if err := t.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis lifecycle: publish: %w", err)
	}
	return nil
}

// Close terminates all subscriptions and releases the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	t.wg.Wait()
	return t.client.Close()
}
