package server

import "net/http"

// handleWS upgrades to the event channel.
func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.deps.Bus.HandleWS(w, r)
}
