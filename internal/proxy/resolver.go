package proxy

import (
	"context"
	"errors"

	"github.com/quayside/quayside/internal/balancer"
	"github.com/quayside/quayside/internal/breaker"
	"github.com/quayside/quayside/internal/fallback"
	"github.com/quayside/quayside/internal/registry"
	"github.com/quayside/quayside/internal/routing"
	"github.com/quayside/quayside/internal/types"
	"github.com/quayside/quayside/pkg/log"
)

// Decision sources reported on resolved requests.
const (
	SourceLive  = "live"
	SourceCache = "cache"
)

// Resolution is the outcome of resolving a routing key to an endpoint.
type Resolution struct {
	Key      string
	Endpoint *types.Endpoint
	Source   string
}

// Resolver turns a raw routing key into a concrete endpoint, running the
// registry query and endpoint selection under a per-key circuit breaker
// and falling back to recently cached decisions when resolution fails.
type Resolver struct {
	registry *registry.Registry
	selector balancer.Selector
	breakers *breaker.Group
	cache    *fallback.Cache
	logger   log.Logger
}

// NewResolver wires the resolution pipeline.
func NewResolver(reg *registry.Registry, sel balancer.Selector, breakers *breaker.Group, cache *fallback.Cache, logger log.Logger) *Resolver {
	if logger == nil {
		logger = log.Component("resolver")
	}
	return &Resolver{
		registry: reg,
		selector: sel,
		breakers: breakers,
		cache:    cache,
		logger:   logger,
	}
}

// IsRoutingTableFact reports whether an error states a fact about the
// routing table rather than a resolution failure. These errors must not
// advance a circuit breaker's failure streak: an unknown key or an empty
// healthy set is an answer, not an outage.
func IsRoutingTableFact(err error) bool {
	return errors.Is(err, registry.ErrUnknownRoutingKey) ||
		errors.Is(err, balancer.ErrNoHealthyEndpoint)
}

// Resolve maps a raw routing key to an endpoint.
//
// The precedence is fixed: an unknown key fails immediately; a known key
// with no healthy endpoint fails immediately while the registry is
// trustworthy; otherwise resolution runs under the key's breaker, and on
// breaker rejection or resolution failure a live cached decision is
// served instead.
func (rs *Resolver) Resolve(ctx context.Context, rawKey string) (*Resolution, error) {
	key := routing.Normalize(rawKey)

	if _, known := rs.registry.Lookup(key); !known {
		return nil, registry.ErrUnknownRoutingKey
	}
	if !rs.registry.Degraded() {
		if eps, err := rs.registry.Query(key); err == nil && len(eps) == 0 {
			return nil, balancer.ErrNoHealthyEndpoint
		}
	}

	var picked *types.Endpoint
	br := rs.breakers.Get(key)
	err := br.Call(ctx, func(ctx context.Context) error {
		endpoints, err := rs.registry.Query(key)
		if err != nil {
			return err
		}
		ep, err := rs.selector.Select(key, endpoints)
		if err != nil {
			return err
		}
		picked = ep
		return nil
	})

	if err == nil {
		rs.cache.Put(ctx, key, picked)
		return &Resolution{Key: key, Endpoint: picked, Source: SourceLive}, nil
	}

	if IsRoutingTableFact(err) {
		return nil, err
	}

	// Breaker open or resolution failed: a recent decision is better than
	// an error while the registry recovers.
	if decision, ok := rs.cache.Get(ctx, key); ok {
		rs.logger.Debug("serving cached routing decision",
			log.String("routing_key", key),
			log.String("endpoint_id", decision.Endpoint.ID),
		)
		return &Resolution{Key: key, Endpoint: decision.Endpoint, Source: SourceCache}, nil
	}
	return nil, err
}
