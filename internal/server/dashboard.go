package server

import (
	"net/http"
	"runtime"
	"strconv"

	"github.com/go-chi/chi/v5"

	proxy "github.com/lassohq/lasso/internal"
)

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 || n > 500 {
		return 50
	}
	return n
}

// handleStats returns aggregate audit counts.
func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Audit.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, proxy.CodeInternal, "stats query failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleLogs returns the newest audit records.
func (s *server) handleLogs(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.Audit.Recent(r.Context(), queryLimit(r))
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, proxy.CodeInternal, "log query failed", nil)
		return
	}
	if records == nil {
		records = []proxy.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// handleLogsByAction filters the audit log by action.
func (s *server) handleLogsByAction(w http.ResponseWriter, r *http.Request) {
	action := proxy.ParseAction(chi.URLParam(r, "action"))
	if action == "" {
		s.writeError(w, r, http.StatusBadRequest, proxy.CodeInternal, "unknown action", nil)
		return
	}
	records, err := s.deps.Audit.ByAction(r.Context(), action, queryLimit(r))
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, proxy.CodeInternal, "log query failed", nil)
		return
	}
	if records == nil {
		records = []proxy.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// handleDashboardMetrics returns a system + cache snapshot.
func (s *server) handleDashboardMetrics(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	writeJSON(w, http.StatusOK, map[string]any{
		"cache": s.deps.Cache.Stats(),
		"memory": map[string]uint64{
			"heap_used":  mem.HeapAlloc,
			"heap_total": mem.HeapSys,
		},
		"goroutines":  runtime.NumGoroutine(),
		"ws_clients":  s.deps.Bus.ClientCount(),
		"audit_queue": s.deps.AuditLogger.QueueLen(),
	})
}

// handleDashboardAnalytics aggregates request outcomes with upstream state.
func (s *server) handleDashboardAnalytics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Audit.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, proxy.CodeInternal, "stats query failed", nil)
		return
	}
	var blocked int64
	for action, n := range stats.ByAction {
		if action != string(proxy.ActionProxied) && action != string(proxy.ActionServedFromCache) {
			blocked += n
		}
	}
	var blockRate float64
	if stats.Total > 0 {
		blockRate = float64(blocked) / float64(stats.Total)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requests":   stats,
		"blocked":    blocked,
		"block_rate": blockRate,
		"cache":      s.deps.Cache.Stats(),
		"rate_limit": s.deps.Limiter.Stats(),
		"breakers":   s.deps.Upstream.BreakerStates(),
	})
}

// handleRateLimitStats returns limiter aggregates.
func (s *server) handleRateLimitStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Limiter.Stats())
}

// handleRateLimitStatus returns one identity's bucket projection.
func (s *server) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Limiter.Status(chi.URLParam(r, "id")))
}

// handleRateLimitReset drops one identity's bucket.
func (s *server) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.deps.Limiter.Reset(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "identity": id})
}

// handleCachePurge drops every cached response.
func (s *server) handleCachePurge(w http.ResponseWriter, r *http.Request) {
	s.deps.Cache.Purge()
	writeJSON(w, http.StatusOK, map[string]string{"status": "purged"})
}
