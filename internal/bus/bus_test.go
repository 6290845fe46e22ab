package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/promethea/promethea/internal/observability"
	"github.com/promethea/promethea/pkg/models"
)

func testBus(opts ...Option) *Bus {
	return New(observability.NewNopLogger(), nil, opts...)
}

func TestEmitDeliversToAllSubscribers(t *testing.T) {
	b := testBus()
	defer b.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	got := make([]string, 2)
	for i := 0; i < 2; i++ {
		i := i
		b.Subscribe(models.EventConversationStart, fmt.Sprintf("sub-%d", i), func(ctx context.Context, e models.Event) {
			got[i] = e.Payload["session_id"].(string)
			wg.Done()
		})
	}

	b.Emit(context.Background(), models.EventConversationStart, map[string]any{"session_id": "s1"})
	wg.Wait()

	for i, v := range got {
		if v != "s1" {
			t.Errorf("subscriber %d got %q, want s1", i, v)
		}
	}
}

func TestDeliveryOrderPerSubscriber(t *testing.T) {
	b := testBus()
	defer b.Close()

	const n = 100
	var mu sync.Mutex
	var seen []int
	done := make(chan struct{})

	b.Subscribe(models.EventStreamText, "ordered", func(ctx context.Context, e models.Event) {
		mu.Lock()
		seen = append(seen, e.Payload["i"].(int))
		if len(seen) == n {
			close(done)
		}
		mu.Unlock()
	})

	for i := 0; i < n; i++ {
		b.Emit(context.Background(), models.EventStreamText, map[string]any{"i": i})
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out, delivered %d of %d", len(seen), n)
	}

	for i, v := range seen {
		if v != i {
			t.Fatalf("delivery reordered at index %d: got %d", i, v)
		}
	}
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	b := testBus()
	defer b.Close()

	delivered := make(chan struct{}, 2)
	b.Subscribe(models.EventToolCallStart, "boom", func(ctx context.Context, e models.Event) {
		panic("handler failure")
	})
	b.Subscribe(models.EventToolCallStart, "ok", func(ctx context.Context, e models.Event) {
		delivered <- struct{}{}
	})

	b.Emit(context.Background(), models.EventToolCallStart, nil)
	b.Emit(context.Background(), models.EventToolCallStart, nil)

	for i := 0; i < 2; i++ {
		select {
		case <-delivered:
		case <-time.After(2 * time.Second):
			t.Fatal("sibling handler did not receive event after panic")
		}
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	b := testBus(WithMailboxSize(4))
	defer b.Close()

	release := make(chan struct{})
	var mu sync.Mutex
	var seen []int

	b.Subscribe(models.EventStreamText, "slow", func(ctx context.Context, e models.Event) {
		<-release
		mu.Lock()
		seen = append(seen, e.Payload["i"].(int))
		mu.Unlock()
	})

	// One event is consumed by the drain goroutine's blocked handler;
	// four fit in the mailbox; the rest evict the oldest queued entries.
	const n = 12
	for i := 0; i < n; i++ {
		b.Emit(context.Background(), models.EventStreamText, map[string]any{"i": i})
	}
	close(release)

	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		done := len(seen) > 0 && seen[len(seen)-1] == n-1
		mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for final event")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) >= n {
		t.Fatalf("expected drops, delivered all %d", len(seen))
	}
	// The delivered sequence must be a subsequence of the emission order.
	last := -1
	for _, v := range seen {
		if v <= last {
			t.Fatalf("delivery reordered: %v", seen)
		}
		last = v
	}
	if dropped := b.Dropped()["slow"]; dropped == 0 {
		t.Error("drop counter not incremented")
	}
}

func TestEmitAfterCloseIsNoop(t *testing.T) {
	b := testBus()
	b.Subscribe(models.EventConversationDone, "sub", func(ctx context.Context, e models.Event) {
		t.Error("handler called after close")
	})
	b.Close()
	b.Emit(context.Background(), models.EventConversationDone, nil)
	time.Sleep(50 * time.Millisecond)
}

// Close must never race an in-flight Emit onto a closed mailbox.
func TestCloseDuringEmitDoesNotPanic(t *testing.T) {
	b := testBus()
	b.Subscribe(models.EventConversationDone, "sub", func(context.Context, models.Event) {})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					b.Emit(context.Background(), models.EventConversationDone, nil)
				}
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)
	b.Close()
	close(stop)
	wg.Wait()
}

func TestSubscriberCount(t *testing.T) {
	b := testBus()
	defer b.Close()

	if got := b.SubscriberCount(models.EventMemorySaved); got != 0 {
		t.Fatalf("expected 0 subscribers, got %d", got)
	}
	b.Subscribe(models.EventMemorySaved, "a", func(context.Context, models.Event) {})
	b.Subscribe(models.EventMemorySaved, "b", func(context.Context, models.Event) {})
	if got := b.SubscriberCount(models.EventMemorySaved); got != 2 {
		t.Fatalf("expected 2 subscribers, got %d", got)
	}
}
