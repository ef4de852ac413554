package balancer

import (
	"sync"

	"github.com/quayside/quayside/internal/types"
)

// RoundRobin distributes requests across a key's endpoints in order,
// keeping an independent cursor per routing key.
type RoundRobin struct {
	mu      sync.Mutex
	cursors map[string]int
}

// NewRoundRobin creates a round robin selector.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{cursors: make(map[string]int)}
}

// Name implements Selector.
func (rr *RoundRobin) Name() string { return AlgorithmRoundRobin }

// Select returns the endpoint at the key's cursor and advances it. A
// cursor that has run past the end of a shrunken candidate set restarts
// from the front rather than wrapping by modulo, so removals never skip
// endpoints.
func (rr *RoundRobin) Select(key string, candidates []*types.Endpoint) (*types.Endpoint, error) {
	if len(candidates) == 0 {
		return nil, ErrNoHealthyEndpoint
	}

	rr.mu.Lock()
	defer rr.mu.Unlock()

	cursor := rr.cursors[key]
	if cursor >= len(candidates) {
		cursor = 0
	}
	picked := candidates[cursor]
	rr.cursors[key] = cursor + 1
	return picked, nil
}

// Forget drops the cursor for a routing key. Called when the key leaves
// the registry so the cursor map does not grow without bound.
func (rr *RoundRobin) Forget(key string) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	delete(rr.cursors, key)
}
