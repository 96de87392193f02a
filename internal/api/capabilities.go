package api

import "net/http"

func (s *Server) handleListCapabilities(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.exec.Capabilities().List())
}
