package conn

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/promethea/promethea/pkg/models"
)

// SSESender writes frames to an http.ResponseWriter as one JSON object
// per line, flushing after every frame.
type SSESender struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
	closed  bool
}

// NewSSESender wraps a streaming HTTP response. The caller must have
// set the SSE headers before the first write.
func NewSSESender(w http.ResponseWriter) *SSESender {
	flusher, _ := w.(http.Flusher)
	return &SSESender{w: w, flusher: flusher}
}

// WriteFrame encodes and flushes a single frame line.
func (s *SSESender) WriteFrame(frame models.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if _, err := s.w.Write(frame.Encode()); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// Close marks the sender closed. The underlying response is finished by
// the HTTP handler returning.
func (s *SSESender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// WSSender writes frames to a websocket connection as JSON text
// messages.
type WSSender struct {
	conn *websocket.Conn
}

// NewWSSender wraps an upgraded websocket connection.
func NewWSSender(conn *websocket.Conn) *WSSender {
	return &WSSender{conn: conn}
}

// WriteFrame sends the frame as one JSON text message.
func (s *WSSender) WriteFrame(frame models.Frame) error {
	return s.conn.WriteJSON(frame)
}

// Close closes the websocket.
func (s *WSSender) Close() error {
	return s.conn.Close()
}

// FuncSender adapts a function to the Sender interface. Used by channel
// adapters and tests.
type FuncSender struct {
	WriteFunc func(models.Frame) error
	CloseFunc func() error
}

func (s *FuncSender) WriteFrame(frame models.Frame) error {
	if s.WriteFunc == nil {
		return nil
	}
	return s.WriteFunc(frame)
}

func (s *FuncSender) Close() error {
	if s.CloseFunc == nil {
		return nil
	}
	return s.CloseFunc()
}
