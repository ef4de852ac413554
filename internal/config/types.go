package config

import (
	"time"

	"github.com/quayside/quayside/pkg/catalog"
	"github.com/quayside/quayside/pkg/lifecycle"
	"github.com/quayside/quayside/pkg/log"
	"github.com/quayside/quayside/pkg/store"
)

// Config represents the complete routing node configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Admin          AdminConfig          `yaml:"admin"`
	Proxy          ProxyConfig          `yaml:"proxy"`
	Registry       RegistryConfig       `yaml:"registry"`
	HealthCheck    HealthCheckConfig    `yaml:"health_check"`
	Balancer       BalancerConfig       `yaml:"balancer"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	FallbackCache  FallbackCacheConfig  `yaml:"fallback_cache"`
	Lifecycle      lifecycle.Config     `yaml:"lifecycle"`
	Store          store.Config         `yaml:"store"`
	Logging        log.Config           `yaml:"logging"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	Tracing        TracingConfig        `yaml:"tracing"`
}

// ServerConfig represents the proxy (data plane) HTTP server configuration.
type ServerConfig struct {
	Address        string        `yaml:"address"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
}

// AdminConfig represents the admin/introspection API server configuration.
type AdminConfig struct {
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ProxyConfig represents forwarding configuration.
type ProxyConfig struct {
	// ForwardTimeout bounds the full forwarded request; a timeout is
	// treated like a connection failure.
	ForwardTimeout time.Duration `yaml:"forward_timeout"`

	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	KeepAliveTimeout      time.Duration `yaml:"keep_alive_timeout"`
	MaxIdleConns          int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host"`
	BufferSize            int           `yaml:"buffer_size"`

	// PathPrefix enables path-based routing: requests to
	// {PathPrefix}/{hostname}/{rest} are forwarded to the endpoint
	// resolved for hostname with path {rest}.
	PathPrefix string `yaml:"path_prefix"`
}

// RegistryConfig represents service registry and catalog watch configuration.
type RegistryConfig struct {
	Catalog catalog.Config `yaml:"catalog"`

	// WatchFailureThreshold is the number of consecutive catalog watch
	// failures after which the registry reports its source unavailable.
	WatchFailureThreshold int `yaml:"watch_failure_threshold"`

	// WatchRetryInterval is the pause between failed watch attempts.
	WatchRetryInterval time.Duration `yaml:"watch_retry_interval"`
}

// HealthCheckConfig represents active health monitoring configuration.
//
// The hysteresis thresholds damp noisy health signals: a single dropped
// packet must not flap an endpoint unhealthy.
type HealthCheckConfig struct {
	Enabled bool `yaml:"enabled"`

	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`

	// UnhealthyThreshold is the number of consecutive probe failures
	// before an endpoint flips to unhealthy.
	UnhealthyThreshold int `yaml:"unhealthy_threshold"`

	// HealthyThreshold is the number of consecutive probe successes
	// before an endpoint flips back to healthy.
	HealthyThreshold int `yaml:"healthy_threshold"`
}

// BalancerConfig represents endpoint selection configuration.
type BalancerConfig struct {
	// Algorithm is "round_robin" or "least_connections".
	Algorithm string `yaml:"algorithm"`
}

// CircuitBreakerConfig represents circuit breaker configuration.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker open.
	FailureThreshold int `yaml:"failure_threshold"`

	// Cooldown is how long the breaker stays open before admitting a
	// single half-open probe.
	Cooldown time.Duration `yaml:"cooldown"`

	// CallTimeout bounds each wrapped call; a timeout counts as a failure.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// FallbackCacheConfig represents fallback cache configuration.
type FallbackCacheConfig struct {
	// TTL is how long a cached routing decision stays usable.
	TTL time.Duration `yaml:"ttl"`

	// KeyPrefix namespaces cache entries in shared store backends.
	KeyPrefix string `yaml:"key_prefix"`
}

// MetricsConfig represents Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// TracingConfig represents distributed tracing configuration.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRate  float64 `yaml:"sample_rate"`
}
