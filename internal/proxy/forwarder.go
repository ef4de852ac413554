package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/quayside/quayside/internal/config"
	"github.com/quayside/quayside/internal/health"
	"github.com/quayside/quayside/internal/types"
	"github.com/quayside/quayside/pkg/log"
)

type contextKey int

const (
	endpointContextKey contextKey = iota
	forwardErrorContextKey
)

// forwardError records why a forward failed, for the handler to report
// back into passive health checking.
type forwardError struct {
	err        error
	timeout    bool
	clientGone bool
}

// Forwarder forwards a request to a resolved endpoint over a shared
// transport. Forward failures are reported to the health monitor as
// passive signals and answered with the JSON error envelope.
type Forwarder struct {
	config    config.ProxyConfig
	transport *http.Transport
	proxy     *httputil.ReverseProxy
	monitor   *health.Monitor
	tracing   bool
	logger    log.Logger
}

// NewForwarder creates a forwarder.
func NewForwarder(cfg config.ProxyConfig, monitor *health.Monitor, tracing bool, logger log.Logger) *Forwarder {
	if logger == nil {
		logger = log.Component("forwarder")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 32 * 1024
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: cfg.KeepAliveTimeout,
		}).DialContext,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.KeepAliveTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	f := &Forwarder{
		config:    cfg,
		transport: transport,
		monitor:   monitor,
		tracing:   tracing,
		logger:    logger,
	}
	f.proxy = &httputil.ReverseProxy{
		Director:     f.director,
		Transport:    transport,
		ErrorHandler: f.errorHandler,
		BufferPool:   &bufferPool{size: cfg.BufferSize},
	}
	return f
}

// Forward proxies the request to the endpoint. It returns the forward
// error, if any, after the response has been written.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, endpoint *types.Endpoint) error {
	ctx := r.Context()
	var cancel context.CancelFunc
	if f.config.ForwardTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, f.config.ForwardTimeout)
		defer cancel()
	}

	fwdErr := &forwardError{}
	ctx = context.WithValue(ctx, endpointContextKey, endpoint)
	ctx = context.WithValue(ctx, forwardErrorContextKey, fwdErr)

	f.proxy.ServeHTTP(w, r.WithContext(ctx))

	if fwdErr.err != nil {
		// A disconnecting client says nothing about the endpoint.
		if f.monitor != nil && !fwdErr.clientGone {
			f.monitor.ReportFailure(endpoint.ID, fwdErr.err)
		}
		return fwdErr.err
	}
	if f.monitor != nil {
		f.monitor.ReportSuccess(endpoint.ID)
	}
	return nil
}

// Close releases idle upstream connections.
func (f *Forwarder) Close() error {
	f.transport.CloseIdleConnections()
	return nil
}

// director rewrites the request toward the endpoint stored in its context.
func (f *Forwarder) director(req *http.Request) {
	endpoint, ok := req.Context().Value(endpointContextKey).(*types.Endpoint)
	if !ok {
		return
	}

	req.URL.Scheme = "http"
	req.URL.Host = endpoint.Addr()

	if req.Header.Get("X-Forwarded-Host") == "" {
		req.Header.Set("X-Forwarded-Host", req.Host)
	}
	clientIP := clientIP(req)
	if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
		req.Header.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		req.Header.Set("X-Forwarded-For", clientIP)
	}
	if req.Header.Get("X-Forwarded-Proto") == "" {
		if req.TLS != nil {
			req.Header.Set("X-Forwarded-Proto", "https")
		} else {
			req.Header.Set("X-Forwarded-Proto", "http")
		}
	}
	if req.Header.Get("X-Real-IP") == "" {
		req.Header.Set("X-Real-IP", clientIP)
	}

	removeHopByHopHeaders(req.Header)

	if f.tracing {
		otel.GetTextMapPropagator().Inject(req.Context(), propagation.HeaderCarrier(req.Header))
	}
}

// errorHandler answers a failed forward with the error envelope and
// records the failure for Forward to report.
func (f *Forwarder) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	timeout := errors.Is(err, context.DeadlineExceeded)
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		timeout = true
	}
	// A Canceled context here means the client went away before the
	// forward-timeout deadline fired, not that the endpoint misbehaved.
	clientGone := !timeout && errors.Is(err, context.Canceled)

	if fwdErr, ok := r.Context().Value(forwardErrorContextKey).(*forwardError); ok {
		fwdErr.err = err
		fwdErr.timeout = timeout
		fwdErr.clientGone = clientGone
	}

	endpoint, _ := r.Context().Value(endpointContextKey).(*types.Endpoint)
	addr := ""
	if endpoint != nil {
		addr = endpoint.Addr()
	}
	f.logger.Warn("upstream request failed",
		log.String("upstream", addr),
		log.Bool("timeout", timeout),
		log.Bool("client_gone", clientGone),
		log.Err(err),
	)

	if timeout {
		writeError(w, http.StatusGatewayTimeout, CodeUpstreamTimeout, "upstream did not respond in time")
		return
	}
	writeError(w, http.StatusBadGateway, CodeUpstreamConnectionError, "upstream connection failed")
}

// clientIP extracts the originating client address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// removeHopByHopHeaders strips connection-scoped headers before
// forwarding.
func removeHopByHopHeaders(h http.Header) {
	for _, header := range []string{
		"Connection",
		"Keep-Alive",
		"Proxy-Authenticate",
		"Proxy-Authorization",
		"Te",
		"Trailers",
		"Transfer-Encoding",
		"Upgrade",
	} {
		h.Del(header)
	}
}

// bufferPool hands fixed-size copy buffers to the reverse proxy.
type bufferPool struct {
	size int
}

func (bp *bufferPool) Get() []byte  { return make([]byte, bp.size) }
func (bp *bufferPool) Put(b []byte) {}
