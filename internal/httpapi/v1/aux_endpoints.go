package v1

import (
	"context"
	"net/http"
)

// readier is implemented by stores that can report backend availability.
type readier interface {
	Ready(ctx context.Context) error
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	toJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if rd, ok := s.store.(readier); ok {
		if err := rd.Ready(r.Context()); err != nil {
			s.log.Error("readiness check failed", "err", err)
			toJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	toJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
