package httpapi

import (
	"net/http"

	"github.com/ent0n29/abel/internal/observability"
	"github.com/ent0n29/abel/internal/service"
)

var availabilities = []string{
	string(service.Available),
	string(service.MockMode),
	string(service.Unavailable),
}

// RecordAvailability publishes every service of rep on the availability gauge.
func RecordAvailability(m *observability.Metrics, rep service.Report) {
	for name, a := range rep.Services {
		m.SetAvailability(name, string(a), availabilities...)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReady reads the registry snapshot; it never probes.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Readiness == nil {
		respondError(w, r, unavailable("readiness"))
		return
	}
	s.respondReport(w, s.deps.Readiness.Snapshot())
}

func (s *Server) handleReprobe(w http.ResponseWriter, r *http.Request) {
	if s.deps.Readiness == nil {
		respondError(w, r, unavailable("readiness"))
		return
	}
	rep := s.deps.Readiness.Reprobe(r.Context())
	RecordAvailability(s.deps.Metrics, rep)
	s.respondReport(w, rep)
}

func (s *Server) respondReport(w http.ResponseWriter, rep service.Report) {
	status := http.StatusOK
	if rep.Status != service.StatusReady {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, rep)
}
