package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quayside/quayside/pkg/catalog"
	"github.com/quayside/quayside/pkg/lifecycle"
	"github.com/quayside/quayside/pkg/log"
	"github.com/quayside/quayside/pkg/store"
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:        ":8080",
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   30 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxHeaderBytes: 1 << 20,
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Proxy: ProxyConfig{
			ForwardTimeout:        30 * time.Second,
			ConnectTimeout:        5 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
			KeepAliveTimeout:      30 * time.Second,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			BufferSize:            32 * 1024,
			PathPrefix:            "/apps",
		},
		Registry: RegistryConfig{
			Catalog:               *catalog.DefaultConfig(),
			WatchFailureThreshold: 1,
			WatchRetryInterval:    time.Second,
		},
		HealthCheck: HealthCheckConfig{
			Enabled:            true,
			Interval:           10 * time.Second,
			Timeout:            2 * time.Second,
			UnhealthyThreshold: 2,
			HealthyThreshold:   1,
		},
		Balancer: BalancerConfig{
			Algorithm: "round_robin",
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 3,
			Cooldown:         15 * time.Second,
			CallTimeout:      5 * time.Second,
		},
		FallbackCache: FallbackCacheConfig{
			TTL:       10 * time.Second,
			KeyPrefix: "fallback",
		},
		Lifecycle: *lifecycle.DefaultConfig(),
		Store:     *store.DefaultConfig(),
		Logging:   *log.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "quayside",
			Subsystem: "router",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "quayside-router",
			SampleRate:  1.0,
		},
	}
}

// Load loads configuration from a YAML file layered over defaults.
// An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides for settings
// that routinely differ between deployments.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("QUAYSIDE_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("QUAYSIDE_ADMIN_ADDRESS"); v != "" {
		cfg.Admin.Address = v
	}
	if v := os.Getenv("QUAYSIDE_CATALOG_ADDRESS"); v != "" {
		cfg.Registry.Catalog.Address = v
	}
	if v := os.Getenv("QUAYSIDE_LIFECYCLE_ADDRESS"); v != "" {
		cfg.Lifecycle.Address = v
	}
	if v := os.Getenv("QUAYSIDE_STORE_ADDRESS"); v != "" {
		cfg.Store.Address = v
	}
	if v := os.Getenv("QUAYSIDE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for values that would make the node
// misbehave at runtime.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address cannot be empty")
	}
	if c.Admin.Address == "" {
		return fmt.Errorf("admin.address cannot be empty")
	}
	if c.Proxy.ForwardTimeout <= 0 {
		return fmt.Errorf("proxy.forward_timeout must be positive")
	}

	switch c.Balancer.Algorithm {
	case "round_robin", "least_connections":
	default:
		return fmt.Errorf("unsupported balancer.algorithm %q", c.Balancer.Algorithm)
	}

	switch c.Registry.Catalog.Driver {
	case "consul", "etcd", "static":
	default:
		return fmt.Errorf("unsupported registry.catalog.driver %q", c.Registry.Catalog.Driver)
	}
	if c.Registry.WatchFailureThreshold < 1 {
		return fmt.Errorf("registry.watch_failure_threshold must be at least 1")
	}

	if c.HealthCheck.Enabled {
		if c.HealthCheck.Interval <= 0 {
			return fmt.Errorf("health_check.interval must be positive")
		}
		if c.HealthCheck.UnhealthyThreshold < 1 {
			return fmt.Errorf("health_check.unhealthy_threshold must be at least 1")
		}
		if c.HealthCheck.HealthyThreshold < 1 {
			return fmt.Errorf("health_check.healthy_threshold must be at least 1")
		}
	}

	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be at least 1")
	}
	if c.CircuitBreaker.Cooldown <= 0 {
		return fmt.Errorf("circuit_breaker.cooldown must be positive")
	}

	if c.FallbackCache.TTL <= 0 {
		return fmt.Errorf("fallback_cache.ttl must be positive")
	}

	switch c.Store.Driver {
	case "memory":
	case "redis":
		if c.Store.Address == "" {
			return fmt.Errorf("store.address is required for the redis driver")
		}
	default:
		return fmt.Errorf("unsupported store.driver %q", c.Store.Driver)
	}

	switch c.Lifecycle.Driver {
	case "memory":
	case "redis":
		if c.Lifecycle.Address == "" {
			return fmt.Errorf("lifecycle.address is required for the redis driver")
		}
	default:
		return fmt.Errorf("unsupported lifecycle.driver %q", c.Lifecycle.Driver)
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}

	return nil
}
