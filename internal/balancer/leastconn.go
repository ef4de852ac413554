package balancer

import (
	"sync"

	"github.com/quayside/quayside/internal/types"
)

// LeastConnections picks the endpoint with the fewest in-flight requests.
// The proxy brackets each forward with Acquire/Release so the counters
// track real concurrency. Ties break by a per-key cursor over the tied
// endpoints, keeping distribution fair under uniform load.
type LeastConnections struct {
	mu      sync.Mutex
	active  map[string]int
	cursors map[string]int
}

// NewLeastConnections creates a least connections selector.
func NewLeastConnections() *LeastConnections {
	return &LeastConnections{
		active:  make(map[string]int),
		cursors: make(map[string]int),
	}
}

// Name implements Selector.
func (lc *LeastConnections) Name() string { return AlgorithmLeastConnections }

// Select implements Selector.
func (lc *LeastConnections) Select(key string, candidates []*types.Endpoint) (*types.Endpoint, error) {
	if len(candidates) == 0 {
		return nil, ErrNoHealthyEndpoint
	}

	lc.mu.Lock()
	defer lc.mu.Unlock()

	min := -1
	var tied []*types.Endpoint
	for _, ep := range candidates {
		n := lc.active[ep.ID]
		switch {
		case min == -1 || n < min:
			min = n
			tied = tied[:0]
			tied = append(tied, ep)
		case n == min:
			tied = append(tied, ep)
		}
	}

	cursor := lc.cursors[key]
	if cursor >= len(tied) {
		cursor = 0
	}
	picked := tied[cursor]
	lc.cursors[key] = cursor + 1
	return picked, nil
}

// Acquire records the start of a request against an endpoint.
func (lc *LeastConnections) Acquire(endpointID string) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.active[endpointID]++
}

// Release records the end of a request against an endpoint.
func (lc *LeastConnections) Release(endpointID string) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.active[endpointID] > 0 {
		lc.active[endpointID]--
	}
	if lc.active[endpointID] == 0 {
		delete(lc.active, endpointID)
	}
}

// Active returns the current in-flight count for an endpoint.
func (lc *LeastConnections) Active(endpointID string) int {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.active[endpointID]
}
