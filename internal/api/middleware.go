// Package api provides the HTTP surface of the gateway: health, metrics,
// service counters and read-only machine and command views.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/nexus-edge/machine-gateway/pkg/logging"
	"github.com/rs/zerolog"
)

// Middleware wraps handlers with CORS and request logging.
type Middleware struct {
	allowedOrigins []string
	logger         zerolog.Logger
}

// NewMiddleware creates a new middleware. An empty origin list allows any origin.
func NewMiddleware(allowedOrigins []string, logger zerolog.Logger) *Middleware {
	return &Middleware{
		allowedOrigins: allowedOrigins,
		logger:         logging.WithComponent(logger, "api-middleware"),
	}
}

// CORS adds CORS headers for allowed origins and answers preflight requests.
func (m *Middleware) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		allowedOrigin := ""
		if len(m.allowedOrigins) == 0 {
			allowedOrigin = "*"
		} else {
			for _, o := range m.allowedOrigins {
				if o == "*" || o == origin {
					allowedOrigin = origin
					break
				}
			}
		}

		if allowedOrigin == "" {
			m.logger.Warn().Str("origin", origin).Msg("CORS: origin not allowed")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Max-Age", "3600")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Logger logs each request at debug with its request id, status and latency.
func (m *Middleware) Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger := logging.WithRequestContext(m.logger, middleware.GetReqID(r.Context()), r.Method, r.URL.Path)
		logger.Debug().
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("latency", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("Request served")
	})
}
