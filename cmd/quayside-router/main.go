package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quayside/quayside/internal/admin"
	"github.com/quayside/quayside/internal/balancer"
	"github.com/quayside/quayside/internal/breaker"
	catalogconsul "github.com/quayside/quayside/internal/catalog/driver/consul"
	catalogetcd "github.com/quayside/quayside/internal/catalog/driver/etcd"
	catalogstatic "github.com/quayside/quayside/internal/catalog/driver/static"
	"github.com/quayside/quayside/internal/config"
	"github.com/quayside/quayside/internal/fallback"
	"github.com/quayside/quayside/internal/health"
	lifecyclememory "github.com/quayside/quayside/internal/lifecycle/driver/memory"
	lifecycleredis "github.com/quayside/quayside/internal/lifecycle/driver/redis"
	"github.com/quayside/quayside/internal/middleware"
	"github.com/quayside/quayside/internal/proxy"
	"github.com/quayside/quayside/internal/registry"
	storememory "github.com/quayside/quayside/internal/store/driver/memory"
	storeredis "github.com/quayside/quayside/internal/store/driver/redis"
	"github.com/quayside/quayside/internal/tracing"
	"github.com/quayside/quayside/internal/types"
	"github.com/quayside/quayside/pkg/catalog"
	"github.com/quayside/quayside/pkg/lifecycle"
	"github.com/quayside/quayside/pkg/log"
	"github.com/quayside/quayside/pkg/store"
)

var (
	configFile  = flag.String("config", "", "Configuration file path")
	showVersion = flag.Bool("version", false, "Show version information")
)

const version = "v0.3.0"

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("Quayside Router %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := log.Init(&cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	logger := log.Component("main")

	if err := run(cfg, logger); err != nil {
		logger.Fatal("router failed", log.Err(err))
	}
}

func run(cfg *config.Config, logger log.Logger) error {
	tracerProvider, err := tracing.NewTracerProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}

	cacheStore, err := newCacheStore(&cfg.Store)
	if err != nil {
		return fmt.Errorf("create cache store: %w", err)
	}
	defer cacheStore.Close()

	cache := fallback.New(cacheStore, fallback.Config{
		TTL:       cfg.FallbackCache.TTL,
		KeyPrefix: cfg.FallbackCache.KeyPrefix,
	}, nil)

	reg := registry.New(nil)

	source, err := newCatalogSource(&cfg.Registry.Catalog)
	if err != nil {
		return fmt.Errorf("create catalog source: %w", err)
	}
	defer source.Close()

	watcher := registry.NewWatcher(reg, source, registry.WatcherConfig{
		Service:          cfg.Registry.Catalog.Service,
		Wait:             cfg.Registry.Catalog.Wait,
		FailureThreshold: cfg.Registry.WatchFailureThreshold,
		RetryInterval:    cfg.Registry.WatchRetryInterval,
	}, nil)

	var metrics *middleware.Metrics
	if cfg.Metrics.Enabled {
		metrics, err = middleware.NewMetrics(cfg.Metrics, prometheus.DefaultRegisterer)
		if err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	var monitor *health.Monitor
	if cfg.HealthCheck.Enabled {
		monitor = health.NewMonitor(cfg.HealthCheck, nil)
		reg.AddChangeCallback(func(ep *types.Endpoint, added bool) {
			if added {
				monitor.Track(ep)
			} else {
				monitor.Forget(ep.ID)
			}
		})
		monitor.AddStatusCallback(func(endpointID string, healthy bool) {
			reg.SetHealth(endpointID, healthy)
			if metrics != nil {
				metrics.SetHealthyEndpoints(countHealthy(reg))
			}
		})
	}

	selector, err := balancer.New(cfg.Balancer.Algorithm)
	if err != nil {
		return err
	}

	breakers := breaker.NewGroup(breaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		Cooldown:         cfg.CircuitBreaker.Cooldown,
		CallTimeout:      cfg.CircuitBreaker.CallTimeout,
		IsFailure: func(err error) bool {
			return !proxy.IsRoutingTableFact(err)
		},
	}, func(key string, _, to breaker.State) {
		if metrics != nil {
			metrics.ObserveBreakerState(key, float64(to))
		}
	}, nil)

	resolver := proxy.NewResolver(reg, selector, breakers, cache, nil)
	forwarder := proxy.NewForwarder(cfg.Proxy, monitor, tracerProvider.Enabled(), nil)
	router := proxy.NewRouter(resolver, forwarder, selector, metrics, cfg.Proxy.PathPrefix, nil)

	proxyServer, err := proxy.NewServer(cfg.Server, router, forwarder, metrics, middleware.NewAccessLog(nil), nil)
	if err != nil {
		return fmt.Errorf("create proxy server: %w", err)
	}

	adminServer := admin.NewServer(cfg.Admin, reg, resolver, breakers, cache, monitor, prometheus.DefaultGatherer, nil)

	lifecycleCtx, cancelLifecycle := context.WithCancel(context.Background())
	defer cancelLifecycle()

	consumer, err := newLifecycleConsumer(&cfg.Lifecycle)
	if err != nil {
		return fmt.Errorf("create lifecycle consumer: %w", err)
	}
	defer consumer.Close()
	if err := registry.BindLifecycle(lifecycleCtx, consumer, cfg.Lifecycle.Topic, reg); err != nil {
		return fmt.Errorf("subscribe lifecycle events: %w", err)
	}

	if err := watcher.Start(); err != nil {
		return err
	}
	defer watcher.Stop()

	if monitor != nil {
		if err := monitor.Start(); err != nil {
			return err
		}
		defer monitor.Stop()
	}

	errCh := make(chan error, 2)
	go func() { errCh <- proxyServer.Start() }()
	go func() { errCh <- adminServer.Start() }()

	logger.Info("quayside router started",
		log.String("version", version),
		log.String("proxy_address", cfg.Server.Address),
		log.String("admin_address", cfg.Admin.Address),
		log.String("catalog_driver", cfg.Registry.Catalog.Driver),
		log.String("balancer", cfg.Balancer.Algorithm),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", log.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", log.Err(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := proxyServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("proxy server shutdown", log.Err(err))
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin server shutdown", log.Err(err))
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown", log.Err(err))
	}
	return nil
}

func newCacheStore(cfg *store.Config) (store.CacheStore, error) {
	switch cfg.Driver {
	case "redis":
		return storeredis.New(cfg)
	case "memory", "":
		return storememory.New(cfg)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

func newCatalogSource(cfg *catalog.Config) (catalog.Source, error) {
	switch cfg.Driver {
	case "consul":
		return catalogconsul.New(cfg)
	case "etcd":
		return catalogetcd.New(cfg)
	case "static", "":
		return catalogstatic.New(nil), nil
	default:
		return nil, fmt.Errorf("unsupported catalog driver %q", cfg.Driver)
	}
}

func newLifecycleConsumer(cfg *lifecycle.Config) (lifecycle.Consumer, error) {
	switch cfg.Driver {
	case "redis":
		return lifecycleredis.New(cfg, nil)
	case "memory", "":
		return lifecyclememory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported lifecycle driver %q", cfg.Driver)
	}
}

func countHealthy(reg *registry.Registry) int {
	n := 0
	for _, ep := range reg.Endpoints() {
		if ep.Healthy {
			n++
		}
	}
	return n
}
