package proxy

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/quayside/quayside/internal/balancer"
	"github.com/quayside/quayside/internal/breaker"
	"github.com/quayside/quayside/internal/config"
	"github.com/quayside/quayside/internal/fallback"
	"github.com/quayside/quayside/internal/registry"
	"github.com/quayside/quayside/internal/store/driver/memory"
	"github.com/quayside/quayside/internal/types"
)

// harness wires a minimal routing pipeline around a real registry.
type harness struct {
	registry *registry.Registry
	router   *Router
	breakers *breaker.Group
	cache    *fallback.Cache
}

func newHarness(t *testing.T, sel balancer.Selector) *harness {
	t.Helper()

	reg := registry.New(nil)

	st, err := memory.New(nil)
	if err != nil {
		t.Fatalf("memory.New() error: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	cache := fallback.New(st, fallback.Config{TTL: 10 * time.Second}, nil)

	breakers := breaker.NewGroup(breaker.Config{
		FailureThreshold: 3,
		Cooldown:         15 * time.Second,
		IsFailure: func(err error) bool {
			return !IsRoutingTableFact(err)
		},
	}, nil, nil)

	resolver := NewResolver(reg, sel, breakers, cache, nil)
	forwarder := NewForwarder(config.ProxyConfig{}, nil, false, nil)
	t.Cleanup(func() { forwarder.Close() })
	router := NewRouter(resolver, forwarder, sel, nil, "/apps", nil)

	return &harness{registry: reg, router: router, breakers: breakers, cache: cache}
}

// upstream starts a backend returning its own name and registers it.
func (h *harness) upstream(t *testing.T, id, key, body string) *types.Endpoint {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream-Path", r.URL.Path)
		w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)

	ep := endpointFromURL(t, id, ts.URL)
	h.registry.Register(ep, []string{key})
	return ep
}

func endpointFromURL(t *testing.T, id, rawURL string) *types.Endpoint {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse upstream url: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split upstream host: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return &types.Endpoint{ID: id, Host: host, Port: port, Healthy: true}
}

func (h *harness) request(t *testing.T, hostHeader, path string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "http://"+hostHeader+path, nil)
	r.Host = hostHeader
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, r)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) ErrorEnvelope {
	t.Helper()
	var envelope ErrorEnvelope
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode error envelope from %q: %v", w.Body.String(), err)
	}
	return envelope
}

func TestForwardsToRegisteredEndpoint(t *testing.T) {
	h := newHarness(t, balancer.NewRoundRobin())
	h.upstream(t, "c1", "app.example.com", "hello from c1")

	w := h.request(t, "app.example.com", "/")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if w.Body.String() != "hello from c1" {
		t.Errorf("body = %q, want upstream response", w.Body.String())
	}
}

func TestRoundRobinAcrossUpstreams(t *testing.T) {
	h := newHarness(t, balancer.NewRoundRobin())
	h.upstream(t, "c1", "app.example.com", "one")
	h.upstream(t, "c2", "app.example.com", "two")

	got := []string{
		h.request(t, "app.example.com", "/").Body.String(),
		h.request(t, "app.example.com", "/").Body.String(),
		h.request(t, "app.example.com", "/").Body.String(),
		h.request(t, "app.example.com", "/").Body.String(),
	}
	want := []string{"one", "two", "one", "two"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("responses = %v, want %v", got, want)
		}
	}
}

func TestUnknownHostname(t *testing.T) {
	h := newHarness(t, balancer.NewRoundRobin())

	w := h.request(t, "nothing.example.com", "/")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if envelope := decodeEnvelope(t, w); envelope.Code != CodeUnknownRoutingKey {
		t.Errorf("envelope code = %q, want %q", envelope.Code, CodeUnknownRoutingKey)
	}
}

func TestHostnameNormalization(t *testing.T) {
	h := newHarness(t, balancer.NewRoundRobin())
	h.upstream(t, "c1", "app.example.com", "ok")

	// Mixed case and an explicit port resolve to the same key.
	w := h.request(t, "App.Example.COM:8080", "/")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for equivalent hostname", w.Code)
	}
}

func TestNoHealthyEndpoint(t *testing.T) {
	h := newHarness(t, balancer.NewRoundRobin())
	ep := h.upstream(t, "c1", "app.example.com", "ok")
	h.registry.SetHealth(ep.ID, false)

	w := h.request(t, "app.example.com", "/")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if envelope := decodeEnvelope(t, w); envelope.Code != CodeNoHealthyEndpoint {
		t.Errorf("envelope code = %q, want %q", envelope.Code, CodeNoHealthyEndpoint)
	}

	// Unhealthy is not unknown: the key still resolves, so no breaker
	// failure accrues even after repeated requests.
	for i := 0; i < 5; i++ {
		h.request(t, "app.example.com", "/")
	}
	if state := h.breakers.Get("app.example.com").State(); state != breaker.StateClosed {
		t.Errorf("breaker state = %v, want closed; empty healthy set is not a failure", state)
	}
}

func TestPathBasedRouting(t *testing.T) {
	h := newHarness(t, balancer.NewRoundRobin())
	h.upstream(t, "c1", "app.example.com", "ok")

	w := h.request(t, "router.internal", "/apps/app.example.com/v1/items")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Upstream-Path"); got != "/v1/items" {
		t.Errorf("upstream path = %q, want /v1/items", got)
	}
}

func TestDegradedRegistryTripsBreakerAndServesCache(t *testing.T) {
	h := newHarness(t, balancer.NewRoundRobin())
	h.upstream(t, "c1", "app.example.com", "live answer")

	// Prime the cache with a successful resolution.
	if w := h.request(t, "app.example.com", "/"); w.Code != http.StatusOK {
		t.Fatalf("priming request status = %d", w.Code)
	}

	h.registry.SetDegraded(true)

	// Resolution now fails but the cached decision keeps serving.
	for i := 0; i < 4; i++ {
		w := h.request(t, "app.example.com", "/")
		if w.Code != http.StatusOK {
			t.Fatalf("request %d during degradation: status = %d, body = %s", i+1, w.Code, w.Body.String())
		}
	}

	// Three consecutive resolution failures opened the breaker.
	if state := h.breakers.Get("app.example.com").State(); state != breaker.StateOpen {
		t.Errorf("breaker state = %v, want open after degraded resolutions", state)
	}
}

func TestBreakerOpenCacheMiss(t *testing.T) {
	h := newHarness(t, balancer.NewRoundRobin())
	h.upstream(t, "c1", "app.example.com", "ok")
	h.registry.SetDegraded(true)

	// No cached decision exists; failures surface as 503 and trip the
	// breaker.
	for i := 0; i < 3; i++ {
		w := h.request(t, "app.example.com", "/")
		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("request %d status = %d, want 503", i+1, w.Code)
		}
	}

	w := h.request(t, "app.example.com", "/")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if envelope := decodeEnvelope(t, w); envelope.Code != CodeCircuitOpen {
		t.Errorf("envelope code = %q, want %q", envelope.Code, CodeCircuitOpen)
	}
}

func TestUpstreamConnectionError(t *testing.T) {
	h := newHarness(t, balancer.NewRoundRobin())

	// Register an endpoint nothing listens on.
	ep := &types.Endpoint{ID: "c1", Host: "127.0.0.1", Port: 1, Healthy: true}
	h.registry.Register(ep, []string{"app.example.com"})

	w := h.request(t, "app.example.com", "/")
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if envelope := decodeEnvelope(t, w); envelope.Code != CodeUpstreamConnectionError {
		t.Errorf("envelope code = %q, want %q", envelope.Code, CodeUpstreamConnectionError)
	}
}

func TestForwardedHeaders(t *testing.T) {
	var gotXFF, gotXFH string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotXFF = r.Header.Get("X-Forwarded-For")
		gotXFH = r.Header.Get("X-Forwarded-Host")
	}))
	defer ts.Close()

	h := newHarness(t, balancer.NewRoundRobin())
	h.registry.Register(endpointFromURL(t, "c1", ts.URL), []string{"app.example.com"})

	h.request(t, "app.example.com", "/")

	if gotXFF == "" {
		t.Error("X-Forwarded-For not set on upstream request")
	}
	if gotXFH != "app.example.com" {
		t.Errorf("X-Forwarded-Host = %q, want app.example.com", gotXFH)
	}
}

func TestDeregisteredMidRotation(t *testing.T) {
	h := newHarness(t, balancer.NewRoundRobin())
	h.upstream(t, "c1", "app.example.com", "one")
	h.upstream(t, "c2", "app.example.com", "two")

	// Advance the cursor past the future list length.
	h.request(t, "app.example.com", "/")
	h.request(t, "app.example.com", "/")

	h.registry.Deregister("c2")

	w := h.request(t, "app.example.com", "/")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d after deregister, want 200", w.Code)
	}
	if w.Body.String() != "one" {
		t.Errorf("body = %q, want the surviving upstream", w.Body.String())
	}
}
