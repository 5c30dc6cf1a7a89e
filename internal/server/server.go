// Package server implements the HTTP transport layer for the Lasso proxy.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	proxy "github.com/lassohq/lasso/internal"
	"github.com/lassohq/lasso/internal/audit"
	"github.com/lassohq/lasso/internal/cache"
	"github.com/lassohq/lasso/internal/events"
	"github.com/lassohq/lasso/internal/pipeline"
	"github.com/lassohq/lasso/internal/ratelimit"
	"github.com/lassohq/lasso/internal/telemetry"
	"github.com/lassohq/lasso/internal/upstream"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Pipeline     *pipeline.Pipeline
	Audit        *audit.Store
	AuditLogger  *audit.Logger
	Cache        *cache.ResponseCache
	Limiter      *ratelimit.Limiter
	Upstream     *upstream.Client
	Bus          *events.Bus
	Metrics      *telemetry.Metrics
	ReadyCheck   ReadyChecker // nil = always ready (for tests)
	Flags        pipeline.Flags
	SanitizeMode string
	Clock        proxy.Clock
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	if deps.Clock == nil {
		deps.Clock = proxy.SystemClock()
	}
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)

	// Operational endpoints
	r.Get("/health", s.handleHealth)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/ws", s.handleWS)

	// Audit log queries
	r.Get("/stats", s.handleStats)
	r.Get("/logs", s.handleLogs)
	r.Get("/logs/{action}", s.handleLogsByAction)

	// Dashboard
	r.Route("/dashboard", func(r chi.Router) {
		r.Get("/metrics", s.handleDashboardMetrics)
		r.Get("/analytics", s.handleDashboardAnalytics)
		r.Get("/rate-limits", s.handleRateLimitStats)
		r.Get("/rate-limits/{id}", s.handleRateLimitStatus)
		r.Delete("/rate-limits/{id}", s.handleRateLimitReset)
		r.Delete("/cache", s.handleCachePurge)
	})

	// Provider proxy: everything else under /<provider>/...
	r.HandleFunc("/{provider}/*", s.handleProxy)

	return r
}

type server struct {
	deps Deps
}
