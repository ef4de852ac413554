package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quayside/quayside/pkg/lifecycle"
)

func startedEvent(id string) *lifecycle.Event {
	return &lifecycle.Event{
		Type:        lifecycle.EventStarted,
		ContainerID: id,
		Hostname:    "app.example.com",
		Host:        "10.0.0.1",
		Port:        8080,
		Timestamp:   time.Now(),
	}
}

func TestPublishDelivers(t *testing.T) {
	b := New()
	defer b.Close()
	ctx := context.Background()

	var got []*lifecycle.Event
	if err := b.Subscribe(ctx, "events", func(e *lifecycle.Event) {
		got = append(got, e)
	}); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	if err := b.Publish(ctx, "events", startedEvent("c1")); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	if len(got) != 1 || got[0].ContainerID != "c1" {
		t.Errorf("delivered = %v, want one event for c1", got)
	}
}

func TestTopicIsolation(t *testing.T) {
	b := New()
	defer b.Close()
	ctx := context.Background()

	delivered := false
	b.Subscribe(ctx, "other", func(*lifecycle.Event) { delivered = true })
	b.Publish(ctx, "events", startedEvent("c1"))

	if delivered {
		t.Error("event crossed topics")
	}
}

func TestCancelledSubscriptionSkipped(t *testing.T) {
	b := New()
	defer b.Close()

	subCtx, cancel := context.WithCancel(context.Background())
	delivered := false
	b.Subscribe(subCtx, "events", func(*lifecycle.Event) { delivered = true })
	cancel()

	b.Publish(context.Background(), "events", startedEvent("c1"))
	if delivered {
		t.Error("cancelled subscription still received an event")
	}
}

func TestPublishInvalidEvent(t *testing.T) {
	b := New()
	defer b.Close()
	ctx := context.Background()

	if err := b.Publish(ctx, "events", nil); !errors.Is(err, lifecycle.ErrInvalidEvent) {
		t.Errorf("Publish(nil) error = %v, want ErrInvalidEvent", err)
	}
	bad := &lifecycle.Event{Type: "rebooted", ContainerID: "c1"}
	if err := b.Publish(ctx, "events", bad); !errors.Is(err, lifecycle.ErrInvalidEvent) {
		t.Errorf("Publish(bad type) error = %v, want ErrInvalidEvent", err)
	}
}

func TestClosedBus(t *testing.T) {
	b := New()
	b.Close()
	ctx := context.Background()

	if err := b.Subscribe(ctx, "events", func(*lifecycle.Event) {}); !errors.Is(err, lifecycle.ErrConsumerClosed) {
		t.Errorf("Subscribe() after Close error = %v, want ErrConsumerClosed", err)
	}
	if err := b.Publish(ctx, "events", startedEvent("c1")); !errors.Is(err, lifecycle.ErrProducerClosed) {
		t.Errorf("Publish() after Close error = %v, want ErrProducerClosed", err)
	}
}

func TestDeliveryIsCopied(t *testing.T) {
	b := New()
	defer b.Close()
	ctx := context.Background()

	var first *lifecycle.Event
	b.Subscribe(ctx, "events", func(e *lifecycle.Event) {
		if first == nil {
			first = e
			e.ContainerID = "mutated"
		}
	})
	var second *lifecycle.Event
	b.Subscribe(ctx, "events", func(e *lifecycle.Event) { second = e })

	b.Publish(ctx, "events", startedEvent("c1"))

	if second == nil || second.ContainerID != "c1" {
		t.Errorf("handler mutation leaked to other subscribers: %v", second)
	}
}
