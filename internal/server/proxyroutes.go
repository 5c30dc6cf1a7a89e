package server

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	proxy "github.com/lassohq/lasso/internal"
	"github.com/lassohq/lasso/internal/pipeline"
)

// maxBodyBytes caps buffered inbound request bodies.
const maxBodyBytes = 10 << 20

// handleProxy routes /<provider>/<upstream-path> through the pipeline.
func (s *server) handleProxy(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if _, ok := s.deps.Upstream.Binding(provider); !ok {
		http.NotFound(w, r)
		return
	}
	upstreamPath := "/" + chi.URLParam(r, "*")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, http.StatusRequestEntityTooLarge, proxy.CodeInternal, "request body too large", nil)
			return
		}
		s.writeError(w, r, http.StatusBadRequest, proxy.CodeInternal, "failed to read request body", nil)
		return
	}

	outcome := s.deps.Pipeline.Handle(r.Context(), &pipeline.Request{
		Provider: provider,
		Path:     upstreamPath,
		RawQuery: r.URL.RawQuery,
		Method:   r.Method,
		Headers:  r.Header,
		Body:     body,
		ClientID: clientIdentity(r),
	})

	switch {
	case outcome.Rejection != nil:
		s.writeRejection(w, r, outcome.Rejection)

	case outcome.Fault != nil:
		s.writeError(w, r, faultStatus(outcome.Fault), proxy.CodeInternal, "upstream request failed", nil)

	default:
		resp := outcome.Response
		for k, vals := range resp.Headers {
			w.Header()[k] = vals
		}
		w.WriteHeader(resp.Status)
		w.Write(resp.Body)
	}
}

// clientIdentity derives the rate-limit identity: first forwarded hop, then
// the real-ip header, then the peer address.
func clientIdentity(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		if ip := strings.TrimSpace(fwd); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-Ip")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
