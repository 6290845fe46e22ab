package turn

import (
	"context"
	"sync"
	"time"

	"github.com/promethea/promethea/internal/fault"
	"github.com/promethea/promethea/internal/scheduler"
	"github.com/promethea/promethea/pkg/models"
)

// pendingConfirmation is a suspended turn awaiting a user decision on
// one tool call.
type pendingConfirmation struct {
	CallID    string
	UserID    string
	SessionID string
	Tool      string
	State     *runState
	ExpiresAt time.Time
}

type pendingTable struct {
	mu     sync.Mutex
	byCall map[string]*pendingConfirmation
	bySess map[string]string
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		byCall: make(map[string]*pendingConfirmation),
		bySess: make(map[string]string),
	}
}

func (t *pendingTable) add(p *pendingConfirmation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byCall[p.CallID] = p
	t.bySess[p.SessionID] = p.CallID
}

// take removes and returns the confirmation for a call, checking that
// the caller owns it. A foreign call ID answers the same as an unknown
// one.
func (t *pendingTable) take(userID, callID string) (*pendingConfirmation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byCall[callID]
	if !ok || p.UserID != userID {
		return nil, false
	}
	delete(t.byCall, callID)
	delete(t.bySess, p.SessionID)
	return p, true
}

func (t *pendingTable) expired(now time.Time) []*pendingConfirmation {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*pendingConfirmation
	for id, p := range t.byCall {
		if now.After(p.ExpiresAt) {
			delete(t.byCall, id)
			delete(t.bySess, p.SessionID)
			out = append(out, p)
		}
	}
	return out
}

// Confirm resolves a pending tool confirmation. The decided turn
// resumes at the head of its session queue.
func (e *Engine) Confirm(ctx context.Context, userID, callID, action string) error {
	if action != "approve" && action != "reject" {
		return fault.Newf(fault.KindInvalidArguments, "action must be approve or reject, got %q", action)
	}
	p, ok := e.pending.take(userID, callID)
	if !ok {
		return fault.New(fault.KindNotFound, "no pending confirmation for this call")
	}
	return e.resume(ctx, p, action)
}

func (e *Engine) resume(ctx context.Context, p *pendingConfirmation, action string) error {
	// The confirm request's context ends when its handler returns; the
	// resumed turn lives on and streams to the original connection.
	item := scheduler.NewItem(context.WithoutCancel(ctx), p.UserID, p.SessionID, p.State.userMessage)
	item.Turn = &p.State.turn
	item.Payload = &Job{Sink: p.State.sink, resume: p.State, decision: action}
	item.OnError = e.errorReporter(p.State.sink, p.UserID, p.SessionID)
	if err := e.sched.EnqueueHead(item); err != nil {
		// Nothing will ever resume this turn; release the reservation.
		if aerr := e.store.AbortTurn(context.WithoutCancel(ctx), p.State.turn); aerr != nil {
			e.log.Warn(ctx, "abort of unresumable turn failed", "error", aerr)
		}
		return err
	}
	return nil
}

// StartSweeper expires stale confirmations in the background; expiry
// behaves as a reject. It returns a stop function.
func (e *Engine) StartSweeper(interval time.Duration) func() {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.sweepExpired()
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop) }
}

func (e *Engine) sweepExpired() {
	ctx := context.Background()
	for _, p := range e.pending.expired(time.Now()) {
		e.log.Info(ctx, "confirmation expired, rejecting",
			"call_id", p.CallID,
			"session_id", p.SessionID,
			"tool", p.Tool)
		if err := e.resume(ctx, p, "reject"); err != nil {
			e.log.Warn(ctx, "expired confirmation resume failed", "error", err)
		}
	}
}

// PendingFor reports the pending confirmation on a session, used by
// the status surface.
func (e *Engine) PendingFor(userID, sessionID string) (models.ToolCall, bool) {
	e.pending.mu.Lock()
	defer e.pending.mu.Unlock()
	id, ok := e.pending.bySess[sessionID]
	if !ok {
		return models.ToolCall{}, false
	}
	p := e.pending.byCall[id]
	if p == nil || p.UserID != userID {
		return models.ToolCall{}, false
	}
	call := p.State.pendingCall
	return call, true
}
