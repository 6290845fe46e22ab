package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/promethea/promethea/internal/config"
	"github.com/promethea/promethea/internal/fault"
	"github.com/promethea/promethea/internal/observability"
	"github.com/promethea/promethea/internal/store"
	"github.com/promethea/promethea/pkg/models"
)

type runnerFunc func(ctx context.Context, turn store.Turn, item *Item) (Result, error)

func (f runnerFunc) Run(ctx context.Context, turn store.Turn, item *Item) (Result, error) {
	return f(ctx, turn, item)
}

func testConfig() func() config.SchedulerConfig {
	return func() config.SchedulerConfig {
		return config.SchedulerConfig{
			Workers:     4,
			QueueDepth:  4,
			MaxRetries:  3,
			RetryBase:   time.Millisecond,
			IdleReap:    time.Minute,
			AcquireWait: 100 * time.Millisecond,
			AbortGrace:  50 * time.Millisecond,
		}
	}
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st := store.NewMemoryStore()
	if err := st.CreateUser(context.Background(), models.User{ID: "u1", Username: "alice"}); err != nil {
		t.Fatal(err)
	}
	return st
}

func newSession(t *testing.T, st store.Store) string {
	t.Helper()
	sess, err := st.CreateSession(context.Background(), "u1", "test")
	if err != nil {
		t.Fatal(err)
	}
	return sess.ID
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessionOrderIsFIFO(t *testing.T) {
	st := newTestStore(t)
	sid := newSession(t, st)

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup

	runner := runnerFunc(func(ctx context.Context, turn store.Turn, item *Item) (Result, error) {
		mu.Lock()
		order = append(order, item.Message)
		mu.Unlock()
		if err := st.CommitTurn(ctx, turn, nil); err != nil {
			return ResultDone, err
		}
		wg.Done()
		return ResultDone, nil
	})
	s := New(st, runner, testConfig(), observability.NewNopLogger(), nil)

	for _, msg := range []string{"one", "two", "three"} {
		wg.Add(1)
		if err := s.Enqueue(NewItem(context.Background(), "u1", sid, msg)); err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "one" || order[1] != "two" || order[2] != "three" {
		t.Errorf("order = %v", order)
	}
}

func TestQueueOverflowIsBusy(t *testing.T) {
	st := newTestStore(t)
	sid := newSession(t, st)

	release := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, turn store.Turn, item *Item) (Result, error) {
		<-release
		return ResultDone, st.CommitTurn(ctx, turn, nil)
	})
	cfg := testConfig()()
	cfg.QueueDepth = 1
	s := New(st, runner, func() config.SchedulerConfig { return cfg }, observability.NewNopLogger(), nil)

	if err := s.Enqueue(NewItem(context.Background(), "u1", sid, "running")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first item active", func() bool { return s.Stats().Active == 1 })
	if err := s.Enqueue(NewItem(context.Background(), "u1", sid, "queued")); err != nil {
		t.Fatal(err)
	}
	err := s.Enqueue(NewItem(context.Background(), "u1", sid, "overflow"))
	if fault.KindOf(err) != fault.KindBusy {
		t.Errorf("overflow error = %v, want busy", err)
	}
	close(release)
	waitFor(t, "drain", func() bool { st := s.Stats(); return st.Active == 0 && st.Queued == 0 })
}

func TestWorkerPoolExhaustionIsBusy(t *testing.T) {
	st := newTestStore(t)
	sidA := newSession(t, st)
	sidB := newSession(t, st)

	release := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, turn store.Turn, item *Item) (Result, error) {
		<-release
		return ResultDone, st.CommitTurn(ctx, turn, nil)
	})
	cfg := testConfig()()
	cfg.Workers = 1
	cfg.AcquireWait = 30 * time.Millisecond
	s := New(st, runner, func() config.SchedulerConfig { return cfg }, observability.NewNopLogger(), nil)

	if err := s.Enqueue(NewItem(context.Background(), "u1", sidA, "holds the worker")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "worker held", func() bool { return s.Stats().Active == 1 })
	err := s.Enqueue(NewItem(context.Background(), "u1", sidB, "no worker"))
	if fault.KindOf(err) != fault.KindBusy {
		t.Errorf("error = %v, want busy", err)
	}
	close(release)
}

// An item accepted behind a direct admission that later times out on
// the worker semaphore must still run once a worker frees up.
func TestQueuedItemRunsAfterFailedAdmission(t *testing.T) {
	st := newTestStore(t)
	sidA := newSession(t, st)
	sidB := newSession(t, st)

	release := make(chan struct{})
	var mu sync.Mutex
	var ran []string
	runner := runnerFunc(func(ctx context.Context, turn store.Turn, item *Item) (Result, error) {
		if item.Message == "slow" {
			<-release
		}
		mu.Lock()
		ran = append(ran, item.Message)
		mu.Unlock()
		return ResultDone, st.CommitTurn(ctx, turn, nil)
	})
	cfg := testConfig()()
	cfg.Workers = 1
	cfg.AcquireWait = 100 * time.Millisecond
	s := New(st, runner, func() config.SchedulerConfig { return cfg }, observability.NewNopLogger(), nil)

	if err := s.Enqueue(NewItem(context.Background(), "u1", sidA, "slow")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "worker held", func() bool { return s.Stats().Active == 1 })

	admission := make(chan error, 1)
	go func() {
		admission <- s.Enqueue(NewItem(context.Background(), "u1", sidB, "direct"))
	}()
	waitFor(t, "direct admission to start waiting", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		sb := s.sessions[sidB]
		return sb != nil && sb.active
	})

	// Accepted behind the still-blocked admission.
	if err := s.Enqueue(NewItem(context.Background(), "u1", sidB, "queued")); err != nil {
		t.Fatal(err)
	}
	if err := <-admission; fault.KindOf(err) != fault.KindBusy {
		t.Fatalf("direct admission = %v, want busy", err)
	}

	close(release)
	waitFor(t, "queued item to run", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, m := range ran {
			if m == "queued" {
				return true
			}
		}
		return false
	})
}

func TestRetriableErrorsAreRetried(t *testing.T) {
	st := newTestStore(t)
	sid := newSession(t, st)

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, turn store.Turn, item *Item) (Result, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return ResultDone, fault.New(fault.KindUpstreamUnavailable, "provider hiccup")
		}
		defer close(done)
		return ResultDone, st.CommitTurn(ctx, turn, nil)
	})
	s := New(st, runner, testConfig(), observability.NewNopLogger(), nil)

	item := NewItem(context.Background(), "u1", sid, "retry me")
	item.OnError = func(ctx context.Context, err error) {
		t.Errorf("OnError called: %v", err)
	}
	if err := s.Enqueue(item); err != nil {
		t.Fatal(err)
	}
	<-done
	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestNonRetriableErrorAbortsTurn(t *testing.T) {
	st := newTestStore(t)
	sid := newSession(t, st)

	runner := runnerFunc(func(ctx context.Context, turn store.Turn, item *Item) (Result, error) {
		return ResultDone, fault.New(fault.KindInvalidArguments, "bad request")
	})
	s := New(st, runner, testConfig(), observability.NewNopLogger(), nil)

	errs := make(chan error, 1)
	item := NewItem(context.Background(), "u1", sid, "doomed")
	item.OnError = func(ctx context.Context, err error) { errs <- err }
	if err := s.Enqueue(item); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errs:
		if fault.KindOf(err) != fault.KindInvalidArguments {
			t.Errorf("kind = %v", fault.KindOf(err))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnError never fired")
	}

	// The reservation must be released: a fresh begin succeeds.
	waitFor(t, "turn aborted", func() bool {
		turn, err := st.BeginTurn(context.Background(), "u1", sid)
		if err != nil {
			return false
		}
		_ = st.AbortTurn(context.Background(), turn)
		return true
	})
}

func TestSuspendParksSessionUntilResume(t *testing.T) {
	st := newTestStore(t)
	sid := newSession(t, st)

	var mu sync.Mutex
	var order []string
	allDone := make(chan struct{})

	runner := runnerFunc(func(ctx context.Context, turn store.Turn, item *Item) (Result, error) {
		mu.Lock()
		order = append(order, item.Message)
		n := len(order)
		mu.Unlock()
		if item.Message == "suspend me" {
			return ResultSuspended, nil
		}
		if err := st.CommitTurn(ctx, turn, nil); err != nil {
			return ResultDone, err
		}
		if n == 3 {
			close(allDone)
		}
		return ResultDone, nil
	})
	s := New(st, runner, testConfig(), observability.NewNopLogger(), nil)

	first := NewItem(context.Background(), "u1", sid, "suspend me")
	if err := s.Enqueue(first); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "suspension", func() bool { return s.Stats().Active == 0 })

	// New work while parked queues behind the eventual resume.
	if err := s.Enqueue(NewItem(context.Background(), "u1", sid, "follow-up")); err != nil {
		t.Fatal(err)
	}
	if got := s.Stats().Active; got != 0 {
		t.Fatalf("parked session started work, active = %d", got)
	}

	resume := NewItem(context.Background(), "u1", sid, "resume")
	resume.Turn = first.Turn
	if err := s.EnqueueHead(resume); err != nil {
		t.Fatal(err)
	}
	<-allDone

	mu.Lock()
	defer mu.Unlock()
	want := []string{"suspend me", "resume", "follow-up"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestCancellationAbortsInFlightTurn(t *testing.T) {
	st := newTestStore(t)
	sid := newSession(t, st)

	runner := runnerFunc(func(ctx context.Context, turn store.Turn, item *Item) (Result, error) {
		<-ctx.Done()
		return ResultDone, fault.Wrap(fault.KindCancelled, "stream cut", ctx.Err())
	})
	s := New(st, runner, testConfig(), observability.NewNopLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	item := NewItem(ctx, "u1", sid, "will be cancelled")
	item.OnError = func(ctx context.Context, err error) { errs <- err }
	if err := s.Enqueue(item); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "item running", func() bool { return s.Stats().Active == 1 })
	cancel()

	select {
	case err := <-errs:
		if fault.KindOf(err) != fault.KindCancelled {
			t.Errorf("kind = %v", fault.KindOf(err))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation never surfaced")
	}
}

func TestCloseRejectsNewWork(t *testing.T) {
	st := newTestStore(t)
	sid := newSession(t, st)

	runner := runnerFunc(func(ctx context.Context, turn store.Turn, item *Item) (Result, error) {
		return ResultDone, st.CommitTurn(ctx, turn, nil)
	})
	s := New(st, runner, testConfig(), observability.NewNopLogger(), nil)
	if err := s.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	err := s.Enqueue(NewItem(context.Background(), "u1", sid, "too late"))
	if fault.KindOf(err) != fault.KindBusy {
		t.Errorf("error = %v, want busy", err)
	}
}

func TestReapDropsIdleSessions(t *testing.T) {
	st := newTestStore(t)
	sid := newSession(t, st)

	runner := runnerFunc(func(ctx context.Context, turn store.Turn, item *Item) (Result, error) {
		return ResultDone, st.CommitTurn(ctx, turn, nil)
	})
	s := New(st, runner, testConfig(), observability.NewNopLogger(), nil)

	if err := s.Enqueue(NewItem(context.Background(), "u1", sid, "hello")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "drain", func() bool { return s.Stats().Active == 0 })
	if s.Stats().Sessions != 1 {
		t.Fatalf("sessions = %d", s.Stats().Sessions)
	}
	s.reap(0)
	if s.Stats().Sessions != 0 {
		t.Errorf("sessions after reap = %d", s.Stats().Sessions)
	}
}
