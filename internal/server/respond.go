package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	proxy "github.com/lassohq/lasso/internal"
)

// errorBody is the envelope returned for every blocked or fatal case.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message   string         `json:"message"`
	Code      proxy.Code     `json:"code"`
	Timestamp string         `json:"timestamp"`
	Path      string         `json:"path"`
	Method    string         `json:"method"`
	Details   map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response failed", "error", err)
	}
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, status int, code proxy.Code, message string, details map[string]any) {
	writeJSON(w, status, errorBody{Error: errorDetail{
		Message:   message,
		Code:      code,
		Timestamp: s.deps.Clock.Now().UTC().Format(time.RFC3339),
		Path:      r.URL.Path,
		Method:    r.Method,
		Details:   details,
	}})
}

// writeRejection maps a pipeline rejection to its structured response.
func (s *server) writeRejection(w http.ResponseWriter, r *http.Request, rej *proxy.Rejection) {
	s.writeError(w, r, rej.Status, rej.Code, rej.Message, rej.Details)
}

// faultStatus maps internal errors to HTTP status codes.
func faultStatus(err error) int {
	switch {
	case errors.Is(err, proxy.ErrUnknownProvider):
		return http.StatusNotFound
	case errors.Is(err, proxy.ErrBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
