package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/promethea/promethea/internal/conn"
	"github.com/promethea/promethea/internal/fault"
	"github.com/promethea/promethea/internal/turn"
	"github.com/promethea/promethea/pkg/models"
)

// wsInbound is one client message on a websocket connection.
type wsInbound struct {
	Type       string `json:"type"` // chat | confirm
	SessionID  string `json:"session_id"`
	Message    string `json:"message"`
	ToolCallID string `json:"tool_call_id"`
	Action     string `json:"action"`
}

// handleWebsocket upgrades the connection and pumps chat and confirm
// messages through the same engine paths as the HTTP routes. Frames
// stream back over the socket.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) error {
	user, _ := userFrom(r)
	ctx := r.Context()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake failure.
		return nil
	}
	defer ws.Close()

	sessionID := r.URL.Query().Get("session_id")
	sender := conn.NewWSSender(ws)
	connID := s.registry.Bind(ctx, user.ID, sessionID, models.TransportWebsocket, sender)
	defer s.registry.Remove(ctx, connID)

	// A reconnecting client gets the result it missed.
	if sessionID != "" {
		if frames, ok := s.registry.TakeRetained(sessionID); ok {
			for _, f := range frames {
				if err := sender.WriteFrame(f); err != nil {
					return nil
				}
			}
		}
	}

	sink := turn.SinkFunc(func(f models.Frame) error {
		return s.registry.Send(connID, f)
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return nil
		}
		var in wsInbound
		if err := json.Unmarshal(data, &in); err != nil {
			s.wsError(sender, "", "malformed message")
			continue
		}

		switch in.Type {
		case "chat":
			if strings.TrimSpace(in.Message) == "" {
				s.wsError(sender, in.SessionID, "message must not be empty")
				continue
			}
			sid := in.SessionID
			if sid == "" {
				sess, err := s.store.CreateSession(ctx, user.ID, sessionTitle(in.Message))
				if err != nil {
					s.wsError(sender, "", "could not create session")
					continue
				}
				sid = sess.ID
			} else if _, err := s.store.GetSession(ctx, user.ID, sid); err != nil {
				s.wsError(sender, sid, "session not found")
				continue
			}
			if err := s.engine.Submit(ctx, user.ID, sid, in.Message, sink); err != nil {
				s.wsError(sender, sid, fault.UserMessage(err))
			}
		case "confirm":
			if err := s.engine.Confirm(ctx, user.ID, in.ToolCallID, in.Action); err != nil {
				s.wsError(sender, in.SessionID, fault.UserMessage(err))
			}
		default:
			s.wsError(sender, in.SessionID, "unknown message type")
		}
	}
}

func (s *Server) wsError(sender conn.Sender, sessionID, msg string) {
	_ = sender.WriteFrame(models.Frame{Type: models.FrameError, SessionID: sessionID, Content: msg})
}
