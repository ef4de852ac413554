// Package proxy is the data plane: it resolves each incoming request's
// routing key to a healthy container endpoint and forwards the request,
// degrading to cached decisions when resolution is impaired.
package proxy

import (
	"context"
	"net/http"

	"golang.org/x/net/http2"

	"github.com/quayside/quayside/internal/config"
	"github.com/quayside/quayside/internal/middleware"
	"github.com/quayside/quayside/pkg/log"
)

// Server is the proxy HTTP server with its middleware chain.
type Server struct {
	httpServer *http.Server
	forwarder  *Forwarder
	logger     log.Logger
}

// NewServer assembles the data-plane server: access log and metrics
// middleware around the router.
func NewServer(cfg config.ServerConfig, router *Router, forwarder *Forwarder, metrics *middleware.Metrics, accessLog *middleware.AccessLog, logger log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.Component("proxy.server")
	}

	var handler http.Handler = router
	if metrics != nil {
		handler = metrics.Handler(handler)
	}
	if accessLog != nil {
		handler = accessLog.Handler(handler)
	}

	httpServer := &http.Server{
		Addr:           cfg.Address,
		Handler:        handler,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}

	// h2c is not enabled; HTTP/2 serves only future TLS listeners.
	if err := http2.ConfigureServer(httpServer, &http2.Server{}); err != nil {
		return nil, err
	}

	return &Server{
		httpServer: httpServer,
		forwarder:  forwarder,
		logger:     logger,
	}, nil
}

// Start blocks serving requests until the listener fails or the server is
// shut down.
func (s *Server) Start() error {
	s.logger.Info("proxy server listening", log.String("address", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and closes upstream connections.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.forwarder.Close()
	return err
}
