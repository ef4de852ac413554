package registry

import (
	"context"

	"github.com/quayside/quayside/internal/routing"
	"github.com/quayside/quayside/internal/types"
	"github.com/quayside/quayside/pkg/lifecycle"
	"github.com/quayside/quayside/pkg/log"
)

// ApplyLifecycleEvent consumes a container lifecycle notification and
// updates the registry synchronously, ahead of the next catalog watch
// refresh, so routing reacts quickly to explicit stop/delete.
func (r *Registry) ApplyLifecycleEvent(event *lifecycle.Event) {
	if event == nil || !event.Type.Valid() || event.ContainerID == "" {
		r.logger.Warn("dropping malformed lifecycle event", log.Any("event", event))
		return
	}

	switch event.Type {
	case lifecycle.EventCreated:
		// Created but not yet started: registered, not routable.
		r.Register(eventEndpoint(event, false), eventKeys(event))
		r.SetHealth(event.ContainerID, false)
	case lifecycle.EventStarted:
		r.Register(eventEndpoint(event, true), eventKeys(event))
		r.SetHealth(event.ContainerID, true)
	case lifecycle.EventStopped, lifecycle.EventDeleted:
		r.Deregister(event.ContainerID)
	}
}

// BindLifecycle subscribes the registry to a lifecycle event topic.
func BindLifecycle(ctx context.Context, consumer lifecycle.Consumer, topic string, r *Registry) error {
	return consumer.Subscribe(ctx, topic, func(event *lifecycle.Event) {
		r.ApplyLifecycleEvent(event)
	})
}

func eventEndpoint(event *lifecycle.Event, healthy bool) *types.Endpoint {
	return &types.Endpoint{
		ID:       event.ContainerID,
		Host:     event.Host,
		Port:     event.Port,
		ImageID:  event.ImageID,
		Hostname: event.Hostname,
		Healthy:  healthy,
	}
}

func eventKeys(event *lifecycle.Event) []string {
	var keys []string
	if event.Hostname != "" {
		keys = append(keys, routing.Normalize(event.Hostname))
	}
	if event.ImageID != "" {
		keys = append(keys, event.ImageID)
	}
	return keys
}
