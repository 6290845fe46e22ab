package httpapi

import (
	"net/http"
	"strings"
	"sync"

	"github.com/promethea/promethea/internal/conn"
	"github.com/promethea/promethea/internal/fault"
	"github.com/promethea/promethea/internal/observability"
	"github.com/promethea/promethea/internal/turn"
	"github.com/promethea/promethea/pkg/models"
)

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	Stream    *bool  `json:"stream"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) error {
	user, _ := userFrom(r)
	var body chatRequest
	if err := decodeBody(r, &body); err != nil {
		return err
	}
	if strings.TrimSpace(body.Message) == "" {
		return fault.New(fault.KindInvalidArguments, "message must not be empty")
	}

	ctx := r.Context()
	sessionID := body.SessionID
	if sessionID == "" {
		sess, err := s.store.CreateSession(ctx, user.ID, sessionTitle(body.Message))
		if err != nil {
			return err
		}
		sessionID = sess.ID
	} else if _, err := s.store.GetSession(ctx, user.ID, sessionID); err != nil {
		return err
	}
	ctx = observability.WithSessionID(ctx, sessionID)

	stream := s.cfg.ForUser(user.ID).Conversation.Stream
	if body.Stream != nil {
		stream = *body.Stream
	}
	if stream {
		return s.chatSSE(w, r.WithContext(ctx), user.ID, sessionID, body.Message)
	}
	return s.chatJSON(w, r.WithContext(ctx), user.ID, sessionID, body.Message)
}

// chatSSE streams the turn as one JSON frame per line and holds the
// connection open until the turn reaches a terminal frame.
func (s *Server) chatSSE(w http.ResponseWriter, r *http.Request, userID, sessionID, message string) error {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ctx := r.Context()
	sender := conn.NewSSESender(w)
	connID := s.registry.Bind(ctx, userID, sessionID, models.TransportSSE, sender)
	defer s.registry.Remove(ctx, connID)

	done := make(chan struct{})
	var once sync.Once
	sink := turn.SinkFunc(func(f models.Frame) error {
		err := s.registry.Send(connID, f)
		if f.Type == models.FrameDone || f.Type == models.FrameError {
			once.Do(func() { close(done) })
		}
		return err
	})

	if err := s.engine.Submit(ctx, userID, sessionID, message, sink); err != nil {
		// Nothing has been streamed yet; answer as plain JSON.
		w.Header().Set("Content-Type", "application/json")
		return err
	}

	select {
	case <-done:
	case <-ctx.Done():
		// Client went away; the scheduler aborts the turn at its next
		// suspension point.
	}
	return nil
}

// chatJSON accumulates the whole turn and answers with one object.
func (s *Server) chatJSON(w http.ResponseWriter, r *http.Request, userID, sessionID, message string) error {
	ctx := r.Context()

	type outcome struct {
		content string
		failed  bool
	}
	done := make(chan outcome, 1)
	var calls []models.Frame
	var mu sync.Mutex
	sink := turn.SinkFunc(func(f models.Frame) error {
		switch f.Type {
		case models.FrameDone:
			done <- outcome{content: f.Content}
		case models.FrameError:
			done <- outcome{content: f.Content, failed: true}
		case models.FrameToolResult, models.FrameToolError:
			mu.Lock()
			calls = append(calls, f)
			mu.Unlock()
		}
		return nil
	})

	if err := s.engine.Submit(ctx, userID, sessionID, message, sink); err != nil {
		return err
	}

	select {
	case out := <-done:
		if out.failed {
			return writeJSON(w, http.StatusBadGateway, map[string]any{
				"session_id": sessionID,
				"error":      out.content,
			})
		}
		mu.Lock()
		toolCalls := make([]map[string]any, 0, len(calls))
		for _, f := range calls {
			toolCalls = append(toolCalls, map[string]any{
				"call_id":   f.CallID,
				"tool_name": f.ToolName,
				"status":    f.Status,
				"result":    f.Result,
			})
		}
		mu.Unlock()
		resp := map[string]any{
			"session_id": sessionID,
			"content":    out.content,
		}
		if len(toolCalls) > 0 {
			resp["tool_calls"] = toolCalls
		}
		return writeJSON(w, http.StatusOK, resp)
	case <-ctx.Done():
		return fault.Wrap(fault.KindCancelled, "request cancelled", ctx.Err())
	}
}

func (s *Server) handleChatConfirm(w http.ResponseWriter, r *http.Request) error {
	user, _ := userFrom(r)
	var body struct {
		SessionID  string `json:"session_id"`
		ToolCallID string `json:"tool_call_id"`
		Action     string `json:"action"`
	}
	if err := decodeBody(r, &body); err != nil {
		return err
	}
	if err := s.engine.Confirm(r.Context(), user.ID, body.ToolCallID, body.Action); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// sessionTitle derives a short label from the opening message.
func sessionTitle(message string) string {
	title := strings.Join(strings.Fields(message), " ")
	if runes := []rune(title); len(runes) > 48 {
		title = string(runes[:48])
	}
	return title
}
