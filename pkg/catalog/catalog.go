// Package catalog defines the port through which the registry consumes an
// external service catalog. Implementations live under
// internal/catalog/driver and translate a concrete backend (consul, etcd,
// static configuration) into long-pollable instance listings.
package catalog

import (
	"context"
	"errors"
	"time"
)

// Instance is one container instance as reported by the service catalog.
type Instance struct {
	// ID is the unique identifier of the instance (container ID).
	ID string `json:"id"`

	// Service is the catalog service name the instance belongs to.
	Service string `json:"service"`

	// Host is the hostname or IP address where the instance is reachable.
	Host string `json:"host"`

	// Port is the port the instance listens on.
	Port int `json:"port"`

	// ImageID identifies the container image the instance was started from.
	ImageID string `json:"image_id"`

	// Hostname is the user-facing hostname the instance serves.
	Hostname string `json:"hostname"`

	// Healthy reflects the catalog's own health view of the instance.
	Healthy bool `json:"healthy"`

	// Metadata carries additional catalog-specific key-value pairs.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Source is a long-pollable service catalog.
//
// Services blocks until the catalog's index advances past waitIndex, the
// wait duration elapses, or ctx is cancelled, and returns the full instance
// set for the service together with the new index. Indexes are
// monotonically increasing; a returned index lower than waitIndex signals
// that the backend's index rolled over and callers must discard local state
// and resynchronize from index zero.
type Source interface {
	Services(ctx context.Context, service string, waitIndex uint64, wait time.Duration) ([]*Instance, uint64, error)

	// Close releases the connection to the catalog backend.
	Close() error
}

// Common catalog errors.
var (
	// ErrSourceClosed is returned when the source has been closed.
	ErrSourceClosed = errors.New("catalog source closed")

	// ErrServiceNotFound is returned when the service name is unknown to
	// the catalog backend.
	ErrServiceNotFound = errors.New("service not found in catalog")
)

// Config represents the configuration for a catalog source.
type Config struct {
	// Driver selects the source implementation (consul, etcd, static).
	Driver string `yaml:"driver"`

	// Address is the backend address (consul agent, etcd endpoint).
	Address string `yaml:"address"`

	// Endpoints are additional backend endpoints for clustered backends.
	Endpoints []string `yaml:"endpoints"`

	// Service is the catalog service name to watch.
	Service string `yaml:"service"`

	// Prefix is the key prefix for prefix-organized backends (etcd).
	Prefix string `yaml:"prefix"`

	// Token is the backend ACL token, if any.
	Token string `yaml:"token"`

	// Wait bounds how long a single long-poll may block server-side.
	Wait time.Duration `yaml:"wait"`

	// Timeout bounds individual catalog operations client-side.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a default catalog configuration.
func DefaultConfig() *Config {
	return &Config{
		Driver:  "static",
		Service: "app",
		Prefix:  "/quayside/instances",
		Wait:    30 * time.Second,
		Timeout: 5 * time.Second,
	}
}
