// Package admin exposes the control-plane HTTP API: routing decision
// lookups, registry and breaker introspection, health and metrics.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quayside/quayside/internal/balancer"
	"github.com/quayside/quayside/internal/breaker"
	"github.com/quayside/quayside/internal/config"
	"github.com/quayside/quayside/internal/fallback"
	"github.com/quayside/quayside/internal/health"
	"github.com/quayside/quayside/internal/proxy"
	"github.com/quayside/quayside/internal/registry"
	"github.com/quayside/quayside/internal/routing"
	"github.com/quayside/quayside/pkg/log"
)

// Server is the admin API server.
type Server struct {
	httpServer *http.Server
	registry   *registry.Registry
	resolver   *proxy.Resolver
	breakers   *breaker.Group
	cache      *fallback.Cache
	monitor    *health.Monitor
	logger     log.Logger
}

// routeRequest is the body of POST /route.
type routeRequest struct {
	Hostname string `json:"hostname" binding:"required"`
}

// NewServer creates the admin server.
func NewServer(cfg config.AdminConfig, reg *registry.Registry, resolver *proxy.Resolver, breakers *breaker.Group, cache *fallback.Cache, monitor *health.Monitor, gatherer prometheus.Gatherer, logger log.Logger) *Server {
	if logger == nil {
		logger = log.Component("admin")
	}

	s := &Server{
		registry: reg,
		resolver: resolver,
		breakers: breakers,
		cache:    cache,
		monitor:  monitor,
		logger:   logger,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/route", s.handleRoute)
	router.GET("/services/healthy", s.handleHealthyServices)
	router.GET("/services/cache/status", s.handleCacheStatus)
	router.GET("/services/registry/status", s.handleRegistryStatus)
	router.GET("/services/breakers", s.handleBreakers)
	router.GET("/health", s.handleHealth)

	if gatherer != nil {
		handler := promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
		router.GET("/metrics", gin.WrapH(handler))
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start blocks serving the admin API.
func (s *Server) Start() error {
	s.logger.Info("admin server listening", log.String("address", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains the admin server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleRoute resolves a hostname to an endpoint without forwarding,
// running the same pipeline as the data plane.
func (s *Server) handleRoute(c *gin.Context) {
	var req routeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_REQUEST",
			"message": "hostname is required",
		})
		return
	}

	resolution, err := s.resolver.Resolve(c.Request.Context(), req.Hostname)
	if err != nil {
		status, code := resolutionStatus(err)
		c.JSON(status, gin.H{"code": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"hostname": resolution.Key,
		"endpoint": resolution.Endpoint,
		"source":   resolution.Source,
	})
}

// handleHealthyServices lists healthy endpoints, optionally filtered to
// one hostname.
func (s *Server) handleHealthyServices(c *gin.Context) {
	if hostname := c.Query("hostname"); hostname != "" {
		key := routing.Normalize(hostname)
		endpoints, err := s.registry.Query(key)
		if err != nil {
			status, code := resolutionStatus(err)
			c.JSON(status, gin.H{"code": code, "message": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"hostname":  key,
			"endpoints": endpoints,
		})
		return
	}

	healthy := make([]interface{}, 0)
	for _, ep := range s.registry.Endpoints() {
		if ep.Healthy {
			healthy = append(healthy, ep)
		}
	}
	c.JSON(http.StatusOK, gin.H{"endpoints": healthy})
}

func (s *Server) handleCacheStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.cache.Status(c.Request.Context()))
}

func (s *Server) handleRegistryStatus(c *gin.Context) {
	status := s.registry.Status()
	if s.monitor != nil {
		status["health_monitor"] = s.monitor.Status()
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, s.breakers.Snapshot())
}

// handleHealth reports the routing node's own health. The node is
// degraded, not down, while the catalog source is unavailable.
func (s *Server) handleHealth(c *gin.Context) {
	status := "healthy"
	if s.registry.Degraded() {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}

func resolutionStatus(err error) (int, string) {
	switch {
	case errors.Is(err, registry.ErrUnknownRoutingKey):
		return http.StatusNotFound, proxy.CodeUnknownRoutingKey
	case errors.Is(err, balancer.ErrNoHealthyEndpoint):
		return http.StatusServiceUnavailable, proxy.CodeNoHealthyEndpoint
	case errors.Is(err, breaker.ErrOpen):
		return http.StatusServiceUnavailable, proxy.CodeCircuitOpen
	default:
		return http.StatusServiceUnavailable, proxy.CodeNoHealthyEndpoint
	}
}
