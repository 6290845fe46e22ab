// Package scheduler serializes conversation work per session and
// bounds global concurrency with a fixed worker pool. Items for the
// same session run in FIFO order on one worker at a time; items for
// different sessions run in parallel up to the pool size.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/promethea/promethea/internal/config"
	"github.com/promethea/promethea/internal/fault"
	"github.com/promethea/promethea/internal/observability"
	"github.com/promethea/promethea/internal/retry"
	"github.com/promethea/promethea/internal/store"
)

// Result reports how a runner disposed of an item.
type Result int

const (
	// ResultDone means the runner finished the turn and committed it.
	ResultDone Result = iota
	// ResultSuspended means the turn is awaiting a user confirmation.
	// The turn stays open, the worker is released, and the session
	// queue is parked until a resume item arrives via EnqueueHead.
	ResultSuspended
)

// Runner executes one work item inside an open turn transaction. On
// success the runner commits the turn itself (it owns the messages to
// write). On error the runner must leave the turn open; the scheduler
// aborts it after retries are exhausted.
type Runner interface {
	Run(ctx context.Context, turn store.Turn, item *Item) (Result, error)
}

// Item is one unit of session work. Payload is opaque to the
// scheduler; the turn engine uses it to carry the stream sink and, for
// resume items, the saved mid-turn state.
type Item struct {
	UserID    string
	SessionID string
	Message   string
	Payload   any

	// Turn is nil for fresh items; resume items carry the still-open
	// reservation from the suspended run.
	Turn *store.Turn

	// OnError is invoked once when the item fails terminally.
	OnError func(ctx context.Context, err error)

	ctx    context.Context
	resume bool
}

// NewItem binds the item to the request context; cancelling it aborts
// the in-flight work after the configured grace period.
func NewItem(ctx context.Context, userID, sessionID, message string) *Item {
	return &Item{UserID: userID, SessionID: sessionID, Message: message, ctx: ctx}
}

// Context returns the request context the item was enqueued with.
func (i *Item) Context() context.Context {
	if i.ctx == nil {
		return context.Background()
	}
	return i.ctx
}

// WithContext rebinds the item, used when a resume item is driven by a
// new HTTP request.
func (i *Item) WithContext(ctx context.Context) *Item {
	i.ctx = ctx
	return i
}

type sessionState struct {
	queue     []*Item
	active    bool
	suspended bool
	idleSince time.Time
}

// Scheduler owns the per-session queues and the worker semaphore.
type Scheduler struct {
	cfg     func() config.SchedulerConfig
	store   store.Store
	runner  Runner
	log     *observability.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	sessions map[string]*sessionState
	workers  chan struct{}
	closed   bool

	wg   sync.WaitGroup
	stop chan struct{}
}

const (
	defaultWorkers     = 8
	defaultQueueDepth  = 32
	defaultAcquireWait = 2 * time.Second
	defaultIdleReap    = 60 * time.Second
	defaultAbortGrace  = 5 * time.Second
)

func New(st store.Store, runner Runner, cfg func() config.SchedulerConfig, log *observability.Logger, metrics *observability.Metrics) *Scheduler {
	workers := cfg().Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Scheduler{
		cfg:      cfg,
		store:    st,
		runner:   runner,
		log:      log,
		metrics:  metrics,
		sessions: make(map[string]*sessionState),
		workers:  make(chan struct{}, workers),
		stop:     make(chan struct{}),
	}
}

// Start launches the idle-session reaper. It returns immediately.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.reapLoop()
}

// Close stops accepting work and waits for in-flight items until ctx
// expires. Parked (suspended) sessions are not waited on.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.stop)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fault.Wrap(fault.KindCancelled, "scheduler drain interrupted", ctx.Err())
	}
}

// Enqueue submits a fresh item. It returns Busy when the session queue
// is full or no worker frees up within the acquire bound.
func (s *Scheduler) Enqueue(item *Item) error {
	return s.enqueue(item, false)
}

// EnqueueHead submits a resume item at the head of its session queue,
// unparking a session suspended for confirmation.
func (s *Scheduler) EnqueueHead(item *Item) error {
	item.resume = true
	return s.enqueue(item, true)
}

func (s *Scheduler) enqueue(item *Item, head bool) error {
	depth := s.cfg().QueueDepth
	if depth <= 0 {
		depth = defaultQueueDepth
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fault.New(fault.KindBusy, "shutting down, not accepting work")
	}
	st := s.sessions[item.SessionID]
	if st == nil {
		st = &sessionState{idleSince: time.Now()}
		s.sessions[item.SessionID] = st
	}
	if head {
		st.suspended = false
	}
	if st.active || st.suspended {
		if len(st.queue) >= depth {
			s.mu.Unlock()
			return fault.New(fault.KindBusy, "session queue is full")
		}
		if head {
			st.queue = append([]*Item{item}, st.queue...)
		} else {
			st.queue = append(st.queue, item)
		}
		s.gaugeDepthLocked()
		s.mu.Unlock()
		return nil
	}
	st.active = true
	s.mu.Unlock()

	if err := s.acquire(item.Context()); err != nil {
		// Items accepted into the queue while this admission held the
		// active flag still have to run.
		s.mu.Lock()
		s.dispatchQueued(st)
		s.mu.Unlock()
		return err
	}
	s.wg.Add(1)
	go s.work(st, item)
	return nil
}

// dispatchQueued hands the session pump to the next queued item after
// a direct admission failed to acquire a worker. Called with s.mu
// held. With nothing queued the session goes idle.
func (s *Scheduler) dispatchQueued(st *sessionState) {
	if len(st.queue) == 0 {
		st.active = false
		st.idleSince = time.Now()
		return
	}
	if s.closed {
		// Nothing will run these after shutdown; fail them out.
		for _, it := range st.queue {
			s.fail(it.Context(), it, it.Turn,
				fault.New(fault.KindBusy, "shutting down, not accepting work"))
		}
		st.queue = nil
		st.active = false
		st.idleSince = time.Now()
		s.gaugeDepthLocked()
		return
	}
	item := st.queue[0]
	st.queue = st.queue[1:]
	s.gaugeDepthLocked()
	s.wg.Add(1)
	go s.pumpQueued(st, item)
}

// pumpQueued waits for a worker with no admission deadline: the item
// was accepted, so Busy is no longer an answer. Only the item's own
// context or shutdown can still fail it.
func (s *Scheduler) pumpQueued(st *sessionState, item *Item) {
	select {
	case s.workers <- struct{}{}:
	case <-item.Context().Done():
		s.fail(item.Context(), item, item.Turn,
			fault.Wrap(fault.KindCancelled, "queued item cancelled", item.Context().Err()))
		s.mu.Lock()
		s.dispatchQueued(st)
		s.mu.Unlock()
		s.wg.Done()
		return
	case <-s.stop:
		s.fail(item.Context(), item, item.Turn,
			fault.New(fault.KindBusy, "shutting down, not accepting work"))
		s.mu.Lock()
		st.active = false
		st.idleSince = time.Now()
		s.mu.Unlock()
		s.wg.Done()
		return
	}
	s.work(st, item)
}

func (s *Scheduler) acquire(ctx context.Context) error {
	wait := s.cfg().AcquireWait
	if wait <= 0 {
		wait = defaultAcquireWait
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case s.workers <- struct{}{}:
		return nil
	case <-timer.C:
		return fault.New(fault.KindBusy, "all workers are busy")
	case <-ctx.Done():
		return fault.Wrap(fault.KindCancelled, "enqueue cancelled", ctx.Err())
	case <-s.stop:
		return fault.New(fault.KindBusy, "shutting down, not accepting work")
	}
}

// work drains one session on one worker. Session affinity keeps
// ordering: the same goroutine pops queued items until the queue is
// empty or the turn suspends.
func (s *Scheduler) work(st *sessionState, item *Item) {
	defer s.wg.Done()
	for {
		suspended := s.runItem(item)

		s.mu.Lock()
		if suspended {
			// The confirmation may already have been decided while the
			// turn was winding down; its resume item sits at the queue
			// head and keeps the worker.
			if len(st.queue) > 0 && st.queue[0].resume {
				item = st.queue[0]
				st.queue = st.queue[1:]
				s.gaugeDepthLocked()
				s.mu.Unlock()
				continue
			}
			st.suspended = true
			st.active = false
			st.idleSince = time.Now()
			s.mu.Unlock()
			<-s.workers
			return
		}
		if len(st.queue) > 0 {
			item = st.queue[0]
			st.queue = st.queue[1:]
			s.gaugeDepthLocked()
			s.mu.Unlock()
			continue
		}
		st.active = false
		st.idleSince = time.Now()
		s.mu.Unlock()
		<-s.workers
		return
	}
}

func (s *Scheduler) runItem(item *Item) (suspended bool) {
	ctx := observability.WithUserID(item.Context(), item.UserID)
	ctx = observability.WithSessionID(ctx, item.SessionID)

	turn := item.Turn
	if turn == nil {
		t, err := s.store.BeginTurn(ctx, item.UserID, item.SessionID)
		if err != nil {
			s.fail(ctx, item, nil, err)
			return false
		}
		turn = &t
		item.Turn = turn
	}

	cfg := s.cfg()
	grace := cfg.AbortGrace
	if grace <= 0 {
		grace = defaultAbortGrace
	}
	runCtx, cancel := graceContext(ctx, grace)
	defer cancel()

	var result Result
	err := retry.Do(runCtx, retry.Config{
		MaxAttempts:  cfg.MaxRetries,
		InitialDelay: cfg.RetryBase,
		Jitter:       true,
	}, func(ctx context.Context) error {
		r, err := s.runner.Run(ctx, *turn, item)
		result = r
		return err
	})
	if err != nil {
		s.fail(ctx, item, turn, err)
		return false
	}
	return result == ResultSuspended
}

func (s *Scheduler) fail(ctx context.Context, item *Item, turn *store.Turn, err error) {
	if turn != nil {
		abortCtx := context.WithoutCancel(ctx)
		if aerr := s.store.AbortTurn(abortCtx, *turn); aerr != nil {
			s.log.Warn(abortCtx, "abort turn failed", "error", aerr)
		}
		item.Turn = nil
	}
	s.log.Error(ctx, "work item failed",
		"error", err,
		"kind", string(fault.KindOf(err)))
	if item.OnError != nil {
		item.OnError(ctx, err)
	}
}

// graceContext detaches from parent cancellation but closes grace
// after the parent is done, so an in-flight item can finish its
// current step before being torn down.
func graceContext(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	go func() {
		select {
		case <-parent.Done():
			timer := time.NewTimer(grace)
			defer timer.Stop()
			select {
			case <-timer.C:
				cancel()
			case <-ctx.Done():
			}
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (s *Scheduler) reapLoop() {
	defer s.wg.Done()
	idle := s.cfg().IdleReap
	if idle <= 0 {
		idle = defaultIdleReap
	}
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.reap(idle)
		case <-s.stop:
			return
		}
	}
}

// reap drops session states that have been idle past the horizon.
// Suspended sessions are kept: their open turn is still resumable.
func (s *Scheduler) reap(horizon time.Duration) {
	cutoff := time.Now().Add(-horizon)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, st := range s.sessions {
		if !st.active && !st.suspended && len(st.queue) == 0 && st.idleSince.Before(cutoff) {
			delete(s.sessions, id)
		}
	}
}

// Stats is a point-in-time view for the status surface.
type Stats struct {
	Sessions int `json:"sessions"`
	Active   int `json:"active"`
	Queued   int `json:"queued"`
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Stats{Sessions: len(s.sessions)}
	for _, st := range s.sessions {
		if st.active {
			out.Active++
		}
		out.Queued += len(st.queue)
	}
	return out
}

func (s *Scheduler) gaugeDepthLocked() {
	if s.metrics == nil {
		return
	}
	total := 0
	for _, st := range s.sessions {
		total += len(st.queue)
	}
	s.metrics.QueueDepth.Set(float64(total))
}
