package types

import (
	"fmt"
	"time"
)

// Endpoint represents one running container instance reachable at host:port.
type Endpoint struct {
	// ID is the unique endpoint identifier (the container ID).
	ID string `json:"id"`

	// Host is the address the container is reachable at.
	Host string `json:"host"`

	// Port is the container's published port.
	Port int `json:"port"`

	// ImageID identifies the image the container was started from.
	ImageID string `json:"image_id"`

	// Hostname is the user-facing hostname the container serves.
	Hostname string `json:"hostname"`

	// Healthy is mutated only by the health monitor and by lifecycle
	// event consumption, never by selection.
	Healthy bool `json:"healthy"`

	// LastCheckedAt is when the health monitor last probed the endpoint.
	LastCheckedAt time.Time `json:"last_checked_at"`
}

// Addr returns the host:port address of the endpoint.
func (e *Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Clone returns a copy of the endpoint.
func (e *Endpoint) Clone() *Endpoint {
	c := *e
	return &c
}
