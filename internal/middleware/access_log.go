package middleware

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/quayside/quayside/pkg/log"
)

// AccessLog emits one structured log line per proxied request.
type AccessLog struct {
	logger log.Logger
}

// NewAccessLog creates an access log middleware.
func NewAccessLog(logger log.Logger) *AccessLog {
	if logger == nil {
		logger = log.Component("access")
	}
	return &AccessLog{logger: logger}
}

type accessLogResponseWrapper struct {
	http.ResponseWriter
	statusCode   int
	responseSize int64
	wroteHeader  bool
}

func (rw *accessLogResponseWrapper) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *accessLogResponseWrapper) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.responseSize += int64(n)
	return n, err
}

// Handler wraps next with access logging.
func (a *AccessLog) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &accessLogResponseWrapper{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		a.logger.Info("request",
			log.String("client_ip", requestClientIP(r)),
			log.String("method", r.Method),
			log.String("host", r.Host),
			log.String("path", r.URL.Path),
			log.Int("status_code", wrapper.statusCode),
			log.Int64("response_size", wrapper.responseSize),
			log.Duration("latency", time.Since(start)),
		)
	})
}

func requestClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
