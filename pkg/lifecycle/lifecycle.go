// Package lifecycle defines the container lifecycle event stream consumed
// by the registry. The orchestration collaborator publishes an event
// whenever a container is created, started, stopped or deleted; consuming
// these lets routing react ahead of the next catalog watch cycle.
package lifecycle

import (
	"context"
	"errors"
	"time"
)

// EventType classifies a lifecycle event.
type EventType string

const (
	EventCreated EventType = "created"
	EventStarted EventType = "started"
	EventStopped EventType = "stopped"
	EventDeleted EventType = "deleted"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventCreated, EventStarted, EventStopped, EventDeleted:
		return true
	}
	return false
}

// Event is a single container lifecycle notification.
type Event struct {
	Type        EventType `json:"event_type"`
	ContainerID string    `json:"container_id"`
	ImageID     string    `json:"image_id"`
	Hostname    string    `json:"hostname"`
	Host        string    `json:"host"`
	Port        int       `json:"port"`
	Timestamp   time.Time `json:"timestamp"`
}

// Handler processes a single lifecycle event. Handlers must not block for
// long; slow work should be handed off by the handler itself.
type Handler func(event *Event)

// Consumer subscribes to a lifecycle event topic.
type Consumer interface {
	// Subscribe registers a handler for the topic. Delivery continues until
	// ctx is cancelled or the consumer is closed.
	Subscribe(ctx context.Context, topic string, handler Handler) error

	// Close terminates all subscriptions and releases resources.
	Close() error
}

// Producer publishes lifecycle events. Only used by the orchestration
// collaborator and by tests; the routing node itself only consumes.
type Producer interface {
	Publish(ctx context.Context, topic string, event *Event) error
	Close() error
}

// Common errors.
var (
	ErrConsumerClosed = errors.New("lifecycle consumer closed")
	ErrProducerClosed = errors.New("lifecycle producer closed")
	ErrInvalidEvent   = errors.New("invalid lifecycle event")
)

// Config represents lifecycle stream configuration.
type Config struct {
	// Driver selects the transport (redis, memory).
	Driver string `yaml:"driver"`

	// Topic is the channel/topic carrying lifecycle events.
	Topic string `yaml:"topic"`

	// Address is the broker address for remote drivers.
	Address string `yaml:"address"`

	// Password authenticates against the broker, if required.
	Password string `yaml:"password"`

	// Database selects the broker database for drivers that support it.
	Database int `yaml:"database"`
}

// DefaultConfig returns a default lifecycle stream configuration.
func DefaultConfig() *Config {
	return &Config{
		Driver: "memory",
		Topic:  "quayside.lifecycle",
	}
}
