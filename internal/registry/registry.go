// Package registry maintains the authoritative in-process view of which
// container endpoints are alive and which routing keys they serve. It is
// refreshed by a long-poll watch against the service catalog and by
// lifecycle events from the orchestration collaborator; the health monitor
// flips endpoint health in place.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/quayside/quayside/internal/types"
	"github.com/quayside/quayside/pkg/log"
)

// Common registry errors.
var (
	// ErrUnknownRoutingKey is returned when a routing key has never been
	// registered.
	ErrUnknownRoutingKey = errors.New("unknown routing key")

	// ErrSourceUnavailable is returned by Query while the catalog source
	// is degraded and the local snapshot can no longer be trusted.
	ErrSourceUnavailable = errors.New("registry source unavailable")
)

// ChangeCallback is invoked after an endpoint joins or leaves the registry.
type ChangeCallback func(endpoint *types.Endpoint, added bool)

// serviceEntry holds the endpoints for one routing key in insertion order.
// Order is significant: round-robin fairness depends on a stable ordering
// that only changes when membership changes.
type serviceEntry struct {
	endpoints []*types.Endpoint
}

// endpointRecord tracks an endpoint together with the keys it serves.
type endpointRecord struct {
	endpoint *types.Endpoint
	keys     []string
}

// Registry is the in-memory routing table. Reads are concurrent; mutation
// happens only through Register/Deregister/SetHealth/ApplyLifecycleEvent,
// driven by the watcher, the lifecycle consumer and the health monitor.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*serviceEntry
	byID     map[string]*endpointRecord
	degraded bool

	cbMu      sync.RWMutex
	callbacks []ChangeCallback

	logger log.Logger
}

// New creates an empty registry.
func New(logger log.Logger) *Registry {
	if logger == nil {
		logger = log.Component("registry")
	}
	return &Registry{
		entries: make(map[string]*serviceEntry),
		byID:    make(map[string]*endpointRecord),
		logger:  logger,
	}
}

// AddChangeCallback registers a callback for endpoint membership changes.
func (r *Registry) AddChangeCallback(cb ChangeCallback) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

func (r *Registry) notify(endpoint *types.Endpoint, added bool) {
	r.cbMu.RLock()
	callbacks := make([]ChangeCallback, len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.cbMu.RUnlock()

	for _, cb := range callbacks {
		cb(endpoint, added)
	}
}

// Register adds an endpoint under the given routing keys. Re-registering
// the same endpoint ID updates its metadata in place without duplicating
// list entries; keys the endpoint no longer serves are dropped.
func (r *Registry) Register(endpoint *types.Endpoint, keys []string) {
	if endpoint == nil || endpoint.ID == "" {
		return
	}

	r.mu.Lock()

	record, exists := r.byID[endpoint.ID]
	var added bool
	if exists {
		// Update metadata in place so every key list observes the change,
		// but keep health: only the monitor and lifecycle events flip it.
		healthy, checkedAt := record.endpoint.Healthy, record.endpoint.LastCheckedAt
		*record.endpoint = *endpoint
		record.endpoint.Healthy = healthy
		record.endpoint.LastCheckedAt = checkedAt

		r.removeFromKeys(record.endpoint, diffKeys(record.keys, keys))
		for _, key := range diffKeys(keys, record.keys) {
			r.appendToKey(key, record.endpoint)
		}
		record.keys = append([]string(nil), keys...)
	} else {
		added = true
		ep := endpoint.Clone()
		record = &endpointRecord{endpoint: ep, keys: append([]string(nil), keys...)}
		r.byID[endpoint.ID] = record
		for _, key := range keys {
			r.appendToKey(key, ep)
		}
	}
	notified := record.endpoint.Clone()
	r.mu.Unlock()

	if added {
		r.logger.Info("endpoint registered",
			log.String("endpoint_id", endpoint.ID),
			log.String("addr", endpoint.Addr()),
			log.Any("routing_keys", keys),
		)
		r.notify(notified, true)
	}
}

// Deregister removes the endpoint from every routing key's list. It does
// not error when the endpoint is already absent.
func (r *Registry) Deregister(endpointID string) {
	r.mu.Lock()
	record, exists := r.byID[endpointID]
	if !exists {
		r.mu.Unlock()
		return
	}
	r.removeFromKeys(record.endpoint, record.keys)
	delete(r.byID, endpointID)
	removed := record.endpoint.Clone()
	r.mu.Unlock()

	r.logger.Info("endpoint deregistered", log.String("endpoint_id", endpointID))
	r.notify(removed, false)
}

// SetHealth flips the health of an endpoint. Only the health monitor and
// lifecycle event consumption call this.
func (r *Registry) SetHealth(endpointID string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, exists := r.byID[endpointID]
	if !exists {
		return
	}
	record.endpoint.Healthy = healthy
	record.endpoint.LastCheckedAt = time.Now()
}

// Query returns the healthy endpoints for a routing key in insertion
// order. It never blocks on network I/O. While the catalog source is
// degraded Query fails so the circuit breaker can observe the outage.
// The returned endpoints are copies: a concurrent catalog refresh must
// not rewrite an endpoint the data plane is reading.
func (r *Registry) Query(key string) ([]*types.Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.degraded {
		return nil, ErrSourceUnavailable
	}

	entry, exists := r.entries[key]
	if !exists {
		return nil, ErrUnknownRoutingKey
	}

	healthy := make([]*types.Endpoint, 0, len(entry.endpoints))
	for _, ep := range entry.endpoints {
		if ep.Healthy {
			healthy = append(healthy, ep.Clone())
		}
	}
	return healthy, nil
}

// Lookup returns copies of all endpoints for a key, healthy or not, and
// whether the key has ever been registered. Pure map read, unaffected by
// degradation.
func (r *Registry) Lookup(key string) ([]*types.Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.entries[key]
	if !exists {
		return nil, false
	}
	out := make([]*types.Endpoint, len(entry.endpoints))
	for i, ep := range entry.endpoints {
		out[i] = ep.Clone()
	}
	return out, true
}

// SetDegraded marks the catalog source unavailable or recovered.
func (r *Registry) SetDegraded(degraded bool) {
	r.mu.Lock()
	changed := r.degraded != degraded
	r.degraded = degraded
	r.mu.Unlock()

	if changed {
		if degraded {
			r.logger.Warn("catalog source degraded, registry queries will fail")
		} else {
			r.logger.Info("catalog source recovered")
		}
	}
}

// Degraded reports whether the catalog source is currently unavailable.
func (r *Registry) Degraded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.degraded
}

// Endpoint returns a copy of the endpoint with the given ID, if
// registered.
func (r *Registry) Endpoint(endpointID string) (*types.Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, exists := r.byID[endpointID]
	if !exists {
		return nil, false
	}
	return record.endpoint.Clone(), true
}

// Endpoints returns copies of all registered endpoints.
func (r *Registry) Endpoints() []*types.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Endpoint, 0, len(r.byID))
	for _, record := range r.byID {
		out = append(out, record.endpoint.Clone())
	}
	return out
}

// Status returns an introspection snapshot of the routing table.
func (r *Registry) Status() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make(map[string]interface{}, len(r.entries))
	for key, entry := range r.entries {
		healthy := 0
		for _, ep := range entry.endpoints {
			if ep.Healthy {
				healthy++
			}
		}
		keys[key] = map[string]interface{}{
			"total_endpoints":   len(entry.endpoints),
			"healthy_endpoints": healthy,
		}
	}

	return map[string]interface{}{
		"degraded":       r.degraded,
		"endpoint_count": len(r.byID),
		"key_count":      len(r.entries),
		"routing_keys":   keys,
	}
}

// appendToKey appends the endpoint to the key's list, preserving insertion
// order and never duplicating. Caller holds r.mu.
func (r *Registry) appendToKey(key string, ep *types.Endpoint) {
	if key == "" {
		return
	}
	entry, exists := r.entries[key]
	if !exists {
		entry = &serviceEntry{}
		r.entries[key] = entry
	}
	for _, existing := range entry.endpoints {
		if existing.ID == ep.ID {
			return
		}
	}
	entry.endpoints = append(entry.endpoints, ep)
}

// removeFromKeys removes the endpoint from the given key lists, dropping
// entries that become empty. Caller holds r.mu.
func (r *Registry) removeFromKeys(ep *types.Endpoint, keys []string) {
	for _, key := range keys {
		entry, exists := r.entries[key]
		if !exists {
			continue
		}
		for i, existing := range entry.endpoints {
			if existing.ID == ep.ID {
				entry.endpoints = append(entry.endpoints[:i], entry.endpoints[i+1:]...)
				break
			}
		}
		if len(entry.endpoints) == 0 {
			delete(r.entries, key)
		}
	}
}

// diffKeys returns the elements of a that are not in b.
func diffKeys(a, b []string) []string {
	seen := make(map[string]struct{}, len(b))
	for _, k := range b {
		seen[k] = struct{}{}
	}
	var out []string
	for _, k := range a {
		if _, ok := seen[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}
