package server

import (
	"net/http"
)

var endpointList = []string{
	"ALL /{provider}/*",
	"GET /health",
	"GET /readyz",
	"GET /metrics",
	"GET /ws",
	"GET /stats",
	"GET /logs",
	"GET /logs/{action}",
	"GET /dashboard/metrics",
	"GET /dashboard/analytics",
	"GET /dashboard/rate-limits",
	"GET /dashboard/rate-limits/{id}",
	"DELETE /dashboard/rate-limits/{id}",
	"DELETE /dashboard/cache",
}

// handleHealth reports feature flags, providers, and the endpoint list.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"features": map[string]bool{
			"rate_limiting":       s.deps.Flags.RateLimiting,
			"time_based_blocking": s.deps.Flags.TimeBlocking,
			"data_sanitization":   s.deps.Flags.Sanitization,
			"policy_enforcement":  s.deps.Flags.PolicyEnforcement,
			"caching":             s.deps.Flags.Caching,
		},
		"sanitization_mode": s.deps.SanitizeMode,
		"providers":         s.deps.Upstream.Providers(),
		"endpoints":         endpointList,
	})
}

// handleReadyz pings the audit store.
func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
