// Package httpapi wires the collector's HTTP surface: GET
// /summary/events (SSE), GET /summary/resync, GET /summary/health, and
// GET /metrics, plus the auth/allowlist/rate-limit middleware chain.
package httpapi

import (
	"net/http"
	"time"

	"github.com/g6/collector/internal/config"
	"github.com/g6/collector/internal/health"
	"github.com/g6/collector/internal/metrics"
	"github.com/g6/collector/internal/sse"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// NewRouter assembles the full chi router. metricsHandler is the
// Prometheus registry's http.Handler (internal/metrics.Registry.Handler()).
// reg/bundle let the auth/allowlist/rate-limit middleware record
// rejections against the same g6_sse_http_connections_total series the
// SSE publisher uses for accepted connections.
func NewRouter(settings *config.Settings, publisher *sse.Publisher, monitor *health.Monitor, metricsHandler http.Handler, reg *metrics.Registry, bundle *metrics.Bundle, log zerolog.Logger) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware(log))
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "X-API-Token", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/summary/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, monitor.Snapshot())
	})

	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(apiTokenAuth(settings.APIToken, reg, bundle))
		r.Use(ipAllowlist(settings.IPAllowlist, reg, bundle))
		r.Use(uaAllowlist(settings.SSEUAAllow, reg, bundle))
		r.Use(connRateLimit(settings.SSEIPConnRate, reg, bundle))

		r.Get("/summary/events", publisher.ServeHTTP)
		r.Get("/summary/resync", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, publisher.Resync())
		})
	})

	return r
}

func loggingMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration_ms", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http.request")
		})
	}
}
