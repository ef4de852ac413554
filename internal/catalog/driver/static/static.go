// Package static provides a catalog source backed by a fixed instance
// list. It serves development setups without a catalog backend and tests
// that need deterministic long-poll behavior.
package static

import (
	"context"
	"sync"
	"time"

	"github.com/quayside/quayside/pkg/catalog"
)

// Source is an in-process catalog. The instance set changes only through
// SetInstances, which advances the index and wakes blocked long-polls.
type Source struct {
	mu        sync.Mutex
	instances []*catalog.Instance
	index     uint64
	changed   chan struct{}
	closed    bool
}

// New creates a static source with an initial instance set at index 1.
func New(instances []*catalog.Instance) *Source {
	return &Source{
		instances: cloneInstances(instances),
		index:     1,
		changed:   make(chan struct{}),
	}
}

// SetInstances replaces the instance set and advances the index.
func (s *Source) SetInstances(instances []*catalog.Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.instances = cloneInstances(instances)
	s.index++
	close(s.changed)
	s.changed = make(chan struct{})
}

// Services implements catalog.Source. It returns immediately when the
// index has advanced past waitIndex, otherwise it blocks until a change,
// the wait duration, or ctx cancellation.
func (s *Source) Services(ctx context.Context, _ string, waitIndex uint64, wait time.Duration) ([]*catalog.Instance, uint64, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, 0, catalog.ErrSourceClosed
		}
		if s.index > waitIndex || wait <= 0 {
			out := cloneInstances(s.instances)
			index := s.index
			s.mu.Unlock()
			return out, index, nil
		}
		changed := s.changed
		s.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-changed:
			timer.Stop()
		case <-timer.C:
			// Long-poll timeout: return the unchanged set, like a real
			// catalog backend would.
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return nil, 0, catalog.ErrSourceClosed
			}
			out := cloneInstances(s.instances)
			index := s.index
			s.mu.Unlock()
			return out, index, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, 0, ctx.Err()
		}
	}
}

// Close implements catalog.Source.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.changed)
	}
	return nil
}

func cloneInstances(in []*catalog.Instance) []*catalog.Instance {
	out := make([]*catalog.Instance, len(in))
	for i, inst := range in {
		c := *inst
		out[i] = &c
	}
	return out
}
