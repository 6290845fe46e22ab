package httpapi

import (
	"net/http"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) error {
	var body struct {
		Username  string `json:"username"`
		Password  string `json:"password"`
		AgentName string `json:"agent_name"`
	}
	if err := decodeBody(r, &body); err != nil {
		return err
	}
	user, token, err := s.auth.Register(r.Context(), body.Username, body.Password)
	if err != nil {
		return err
	}
	if body.AgentName != "" {
		if err := s.store.UpdateUserProfile(r.Context(), user.ID, body.AgentName, ""); err != nil {
			s.log.Warn(r.Context(), "agent name not saved", "error", err)
		}
	}
	return writeJSON(w, http.StatusCreated, map[string]any{
		"user_id": user.ID,
		"token":   token,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) error {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		return err
	}
	user, token, err := s.auth.Login(r.Context(), body.Username, body.Password)
	if err != nil {
		return err
	}
	agentName := user.AgentName
	if agentName == "" {
		agentName = s.cfg.ForUser(user.ID).AgentName
	}
	return writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"user_id":      user.ID,
		"agent_name":   agentName,
	})
}
