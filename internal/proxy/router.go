package proxy

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/quayside/quayside/internal/balancer"
	"github.com/quayside/quayside/internal/breaker"
	"github.com/quayside/quayside/internal/middleware"
	"github.com/quayside/quayside/internal/registry"
	"github.com/quayside/quayside/pkg/log"
)

// Router is the data-plane HTTP handler: it derives the routing key from
// the request, resolves it to an endpoint and forwards.
type Router struct {
	resolver  *Resolver
	forwarder *Forwarder

	// leastConn is set when the configured selector tracks in-flight
	// requests; the router brackets each forward with Acquire/Release.
	leastConn *balancer.LeastConnections

	metrics    *middleware.Metrics
	pathPrefix string
	logger     log.Logger
}

// NewRouter creates the request router.
func NewRouter(resolver *Resolver, forwarder *Forwarder, sel balancer.Selector, metrics *middleware.Metrics, pathPrefix string, logger log.Logger) *Router {
	if logger == nil {
		logger = log.Component("router")
	}
	lc, _ := sel.(*balancer.LeastConnections)
	return &Router{
		resolver:   resolver,
		forwarder:  forwarder,
		leastConn:  lc,
		metrics:    metrics,
		pathPrefix: strings.TrimSuffix(pathPrefix, "/"),
		logger:     logger,
	}
}

// ServeHTTP implements http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key, ok := rt.routingKey(r)
	if !ok {
		rt.fail(w, http.StatusNotFound, CodeUnknownRoutingKey, "no routing key in request")
		return
	}

	resolution, err := rt.resolver.Resolve(r.Context(), key)
	if err != nil {
		rt.writeResolutionError(w, key, err)
		return
	}

	if resolution.Source == SourceCache && rt.metrics != nil {
		rt.metrics.ObserveFallbackServed()
	}

	endpoint := resolution.Endpoint
	if rt.leastConn != nil {
		rt.leastConn.Acquire(endpoint.ID)
		defer rt.leastConn.Release(endpoint.ID)
	}

	rt.forwarder.Forward(w, r, endpoint)
}

// routingKey derives the routing key from the request. Path-based routing
// ({prefix}/{hostname}/{rest}) takes precedence; otherwise the Host
// header, with any port stripped, is the key.
func (rt *Router) routingKey(r *http.Request) (string, bool) {
	if rt.pathPrefix != "" && strings.HasPrefix(r.URL.Path, rt.pathPrefix+"/") {
		rest := strings.TrimPrefix(r.URL.Path, rt.pathPrefix+"/")
		key, remainder, _ := strings.Cut(rest, "/")
		if key == "" {
			return "", false
		}
		r.URL.Path = "/" + remainder
		return key, true
	}

	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		return "", false
	}
	return host, true
}

func (rt *Router) writeResolutionError(w http.ResponseWriter, key string, err error) {
	switch {
	case errors.Is(err, registry.ErrUnknownRoutingKey):
		rt.fail(w, http.StatusNotFound, CodeUnknownRoutingKey, "no application registered for this hostname")
	case errors.Is(err, balancer.ErrNoHealthyEndpoint):
		rt.fail(w, http.StatusServiceUnavailable, CodeNoHealthyEndpoint, "no healthy endpoint for this hostname")
	case errors.Is(err, breaker.ErrOpen):
		rt.fail(w, http.StatusServiceUnavailable, CodeCircuitOpen, "routing temporarily suspended for this hostname")
	default:
		rt.logger.Warn("resolution failed",
			log.String("routing_key", key),
			log.Err(err),
		)
		rt.fail(w, http.StatusServiceUnavailable, CodeNoHealthyEndpoint, "endpoint resolution unavailable")
	}
}

func (rt *Router) fail(w http.ResponseWriter, status int, code, message string) {
	if rt.metrics != nil {
		rt.metrics.ObserveRoutingError(code)
	}
	writeError(w, status, code, message)
}
