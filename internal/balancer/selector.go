// Package balancer picks one endpoint out of a routing key's healthy set.
// Two strategies ship: round robin (the default) and least connections.
package balancer

import (
	"errors"

	"github.com/quayside/quayside/internal/types"
)

// Balancing algorithm names accepted in configuration.
const (
	AlgorithmRoundRobin       = "round_robin"
	AlgorithmLeastConnections = "least_connections"
)

// ErrNoHealthyEndpoint is returned when the candidate set is empty.
var ErrNoHealthyEndpoint = errors.New("no healthy endpoint available")

// Selector picks an endpoint for a routing key from the given candidates.
// Candidates arrive in registry insertion order; implementations must not
// reorder the slice.
type Selector interface {
	// Select returns one endpoint from candidates. It returns
	// ErrNoHealthyEndpoint when candidates is empty.
	Select(key string, candidates []*types.Endpoint) (*types.Endpoint, error)

	// Name returns the algorithm name.
	Name() string
}

// New returns the selector for the given algorithm name.
func New(algorithm string) (Selector, error) {
	switch algorithm {
	case AlgorithmRoundRobin, "":
		return NewRoundRobin(), nil
	case AlgorithmLeastConnections:
		return NewLeastConnections(), nil
	default:
		return nil, errors.New("unknown balancing algorithm: " + algorithm)
	}
}
