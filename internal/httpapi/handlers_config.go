package httpapi

import (
	"net/http"

	"github.com/promethea/promethea/internal/config"
	"github.com/promethea/promethea/internal/fault"
)

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) error {
	user, _ := userFrom(r)
	snap := s.cfg.ForUser(user.ID)
	return writeJSON(w, http.StatusOK, map[string]any{
		"config": config.Public(snap),
	})
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) error {
	user, _ := userFrom(r)

	// The patch is an arbitrary config subtree, optionally wrapped in a
	// "config" envelope.
	var raw map[string]any
	if err := decodeBody(r, &raw); err != nil {
		return err
	}
	if wrapped, ok := raw["config"].(map[string]any); ok && len(raw) == 1 {
		raw = wrapped
	}
	if len(raw) == 0 {
		return fault.New(fault.KindInvalidArguments, "empty config patch")
	}

	snap, err := s.cfg.UpdateUserConfig(r.Context(), user.ID, raw)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{
		"config": config.Public(snap),
	})
}

func (s *Server) handleResetConfig(w http.ResponseWriter, r *http.Request) error {
	user, _ := userFrom(r)
	if err := s.cfg.ResetUser(r.Context(), user.ID); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
