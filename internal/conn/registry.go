// Package conn tracks live transport connections and their bound
// user/session identity, and dispatches outbound frames to them.
package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/promethea/promethea/internal/bus"
	"github.com/promethea/promethea/internal/observability"
	"github.com/promethea/promethea/pkg/models"
)

// ErrConnGone reports a write to a connection that has been removed.
// The normal disconnect sequence hits it: the transport handler
// returns, removes its binding, and the turn commits afterwards.
// Callers divert the frame into the retained-result store.
var ErrConnGone = errors.New("connection gone")

// Sender delivers frames over one transport connection. Writes are
// serialized by the registry; implementations do not need their own
// locking for WriteFrame ordering.
type Sender interface {
	WriteFrame(frame models.Frame) error
	Close() error
}

// Binding associates a connection with an authenticated identity.
type Binding struct {
	ConnectionID string
	UserID       string
	SessionID    string
	Transport    models.TransportKind
	BoundAt      time.Time
}

// retainedResult holds the final frames of a completed turn so a client
// that disconnected mid-stream can fetch the outcome once on reconnect.
type retainedResult struct {
	frames    []models.Frame
	turnIndex int
	expires   time.Time
}

// DefaultRetention is how long a completed turn's final frames are kept
// for reconnecting clients.
const DefaultRetention = 2 * time.Minute

// Registry is the connection registry. All methods are safe for
// concurrent use.
type Registry struct {
	mu       sync.Mutex
	conns    map[string]*trackedConn
	byUser   map[string]map[string]struct{}
	retained map[string]retainedResult // keyed by session_id

	events    *bus.Bus
	logger    *observability.Logger
	retention time.Duration
}

type trackedConn struct {
	binding Binding
	sender  Sender
	writeMu sync.Mutex
}

// NewRegistry creates an empty registry. The bus may be nil in tests.
func NewRegistry(events *bus.Bus, logger *observability.Logger) *Registry {
	return &Registry{
		conns:     make(map[string]*trackedConn),
		byUser:    make(map[string]map[string]struct{}),
		retained:  make(map[string]retainedResult),
		events:    events,
		logger:    logger,
		retention: DefaultRetention,
	}
}

// Bind registers a connection under an authenticated identity and
// returns its connection ID.
func (r *Registry) Bind(ctx context.Context, userID, sessionID string, transport models.TransportKind, sender Sender) string {
	id := uuid.NewString()
	tc := &trackedConn{
		binding: Binding{
			ConnectionID: id,
			UserID:       userID,
			SessionID:    sessionID,
			Transport:    transport,
			BoundAt:      time.Now(),
		},
		sender: sender,
	}

	r.mu.Lock()
	r.conns[id] = tc
	if userID != "" {
		set, ok := r.byUser[userID]
		if !ok {
			set = make(map[string]struct{})
			r.byUser[userID] = set
		}
		set[id] = struct{}{}
	}
	r.mu.Unlock()

	if r.events != nil {
		r.events.Emit(ctx, models.EventConnectionBound, map[string]any{
			"connection_id": id,
			"user_id":       userID,
			"transport":     string(transport),
		})
	}
	return id
}

// Remove unbinds and closes a connection. Removing an unknown ID is a
// no-op.
func (r *Registry) Remove(ctx context.Context, connectionID string) {
	r.mu.Lock()
	tc, ok := r.conns[connectionID]
	if ok {
		delete(r.conns, connectionID)
		if set := r.byUser[tc.binding.UserID]; set != nil {
			delete(set, connectionID)
			if len(set) == 0 {
				delete(r.byUser, tc.binding.UserID)
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	_ = tc.sender.Close()
	if r.events != nil {
		r.events.Emit(ctx, models.EventConnectionClosed, map[string]any{
			"connection_id": connectionID,
			"user_id":       tc.binding.UserID,
			"transport":     string(tc.binding.Transport),
		})
	}
}

// Send writes a frame to one connection. Sending to a removed
// connection returns ErrConnGone.
func (r *Registry) Send(connectionID string, frame models.Frame) error {
	r.mu.Lock()
	tc, ok := r.conns[connectionID]
	r.mu.Unlock()
	if !ok {
		return ErrConnGone
	}
	tc.writeMu.Lock()
	defer tc.writeMu.Unlock()
	return tc.sender.WriteFrame(frame)
}

// Broadcast writes a frame to every connection bound to the user.
func (r *Registry) Broadcast(userID string, frame models.Frame) {
	r.mu.Lock()
	targets := make([]*trackedConn, 0, 2)
	for id := range r.byUser[userID] {
		if tc, ok := r.conns[id]; ok {
			targets = append(targets, tc)
		}
	}
	r.mu.Unlock()

	for _, tc := range targets {
		tc.writeMu.Lock()
		err := tc.sender.WriteFrame(frame)
		tc.writeMu.Unlock()
		if err != nil && r.logger != nil {
			r.logger.Debug(context.Background(), "broadcast write failed",
				"connection_id", tc.binding.ConnectionID, "error", err)
		}
	}
}

// Binding returns the binding for a connection, if present.
func (r *Registry) Binding(connectionID string) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tc, ok := r.conns[connectionID]
	if !ok {
		return Binding{}, false
	}
	return tc.binding, true
}

// ActiveCount returns the number of live connections.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// RetainResult keeps the final frames of a completed turn so a
// reconnecting client can fetch them by session. A newer turn for the
// same session replaces the prior entry; entries expire after the
// retention window.
func (r *Registry) RetainResult(sessionID string, turnIndex int, frames []models.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retained[sessionID] = retainedResult{
		frames:    append([]models.Frame(nil), frames...),
		turnIndex: turnIndex,
		expires:   time.Now().Add(r.retention),
	}
}

// TakeRetained fetches and removes the retained result for a session.
// A result is delivered at most once; expired entries are discarded.
func (r *Registry) TakeRetained(sessionID string) ([]models.Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.retained[sessionID]
	if !ok {
		return nil, false
	}
	delete(r.retained, sessionID)
	if time.Now().After(res.expires) {
		return nil, false
	}
	return res.frames, true
}

// SweepRetained drops expired retained results. Called from the doctor
// maintenance path.
func (r *Registry) SweepRetained() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var removed int
	for sid, res := range r.retained {
		if now.After(res.expires) {
			delete(r.retained, sid)
			removed++
		}
	}
	return removed
}
