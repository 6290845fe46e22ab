package httpapi

import (
	"net/http"
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) error {
	user, _ := userFrom(r)
	sessions, err := s.store.ListSessions(r.Context(), user.ID)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) error {
	user, _ := userFrom(r)
	sessionID := r.PathValue("id")
	sess, err := s.store.GetSession(r.Context(), user.ID, sessionID)
	if err != nil {
		return err
	}
	msgs, err := s.store.Messages(r.Context(), user.ID, sessionID, 0)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"title":      sess.Title,
		"created_at": sess.CreatedAt,
		"messages":   msgs,
	})
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) error {
	user, _ := userFrom(r)
	var body struct {
		Title string `json:"title"`
	}
	if err := decodeBody(r, &body); err != nil {
		return err
	}
	if err := s.store.RenameSession(r.Context(), user.ID, r.PathValue("id"), body.Title); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) error {
	user, _ := userFrom(r)
	if err := s.store.DeleteSession(r.Context(), user.ID, r.PathValue("id")); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
