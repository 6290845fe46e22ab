package httpapi

import (
	"net/http"

	"github.com/promethea/promethea/internal/fault"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) error {
	body := map[string]any{
		"ok":            true,
		"memory_active": s.memory != nil,
	}
	if s.sched != nil {
		body["scheduler"] = s.sched.Stats()
	}
	if s.registry != nil {
		body["connections"] = s.registry.ActiveCount()
	}
	return writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleDoctor(w http.ResponseWriter, r *http.Request) error {
	if s.doctor == nil {
		return fault.New(fault.KindNotFound, "diagnostics are disabled")
	}
	return writeJSON(w, http.StatusOK, map[string]any{
		"checks": s.doctor.Run(r.Context()),
	})
}

func (s *Server) handleMigrateConfig(w http.ResponseWriter, r *http.Request) error {
	if s.doctor == nil {
		return fault.New(fault.KindNotFound, "diagnostics are disabled")
	}
	report := s.doctor.MigrateConfig(r.Context())
	body := map[string]any{"status": report.Status}
	if report.Backup != "" {
		body["backup"] = report.Backup
	}
	if report.Detail != "" {
		body["detail"] = report.Detail
	}
	return writeJSON(w, http.StatusOK, body)
}
