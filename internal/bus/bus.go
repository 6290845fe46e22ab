// Package bus implements the typed publish/subscribe fabric connecting
// the channel adapters, the conversation engine, the tool service, and
// the memory service.
//
// Delivery contract: Emit returns after the event has been placed on
// every subscriber mailbox, not after handlers complete. Order per
// (event type, subscriber) is emission order; across subscribers it is
// registration order. A slow subscriber never blocks the emitter: each
// mailbox is bounded, and on overflow the oldest queued event for that
// subscriber is dropped and counted. There is no persistence.
package bus

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/promethea/promethea/internal/observability"
	"github.com/promethea/promethea/pkg/models"
)

// Handler processes one event. Handlers run on their subscriber's own
// goroutine; a panic or error is isolated and logged, never propagated
// to the emitter or to sibling handlers.
type Handler func(ctx context.Context, event models.Event)

// DefaultMailboxSize is the per-subscriber mailbox bound.
const DefaultMailboxSize = 64

// Bus is the in-process event bus.
type Bus struct {
	mu      sync.RWMutex
	subs    map[models.EventType][]*subscriber
	logger  *observability.Logger
	metrics *observability.Metrics

	mailboxSize int
	closed      atomic.Bool
	wg          sync.WaitGroup
}

type subscriber struct {
	name    string
	mailbox chan models.Event
	handler Handler
	dropped atomic.Uint64
}

// Option configures the bus.
type Option func(*Bus)

// WithMailboxSize overrides the per-subscriber mailbox bound.
func WithMailboxSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.mailboxSize = n
		}
	}
}

// New creates a bus. Metrics may be nil.
func New(logger *observability.Logger, metrics *observability.Metrics, opts ...Option) *Bus {
	b := &Bus{
		subs:        make(map[models.EventType][]*subscriber),
		logger:      logger,
		metrics:     metrics,
		mailboxSize: DefaultMailboxSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers an asynchronous handler for one event type. The
// name identifies the subscriber in drop counters and logs.
func (b *Bus) Subscribe(eventType models.EventType, name string, handler Handler) {
	if handler == nil {
		return
	}
	sub := &subscriber{
		name:    name,
		mailbox: make(chan models.Event, b.mailboxSize),
		handler: handler,
	}

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return
	}
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.drain(eventType, sub)
}

// Emit delivers the event to every current subscriber of its type and
// returns once all deliveries have been scheduled.
func (b *Bus) Emit(ctx context.Context, eventType models.EventType, payload map[string]any) {
	b.EmitEvent(ctx, models.Event{
		Type:          eventType,
		Payload:       payload,
		Timestamp:     time.Now(),
		CorrelationID: observability.TurnID(ctx),
	})
}

// EmitEvent delivers a pre-built event.
func (b *Bus) EmitEvent(ctx context.Context, event models.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Deliver under the read lock: Close takes the write lock before
	// closing mailboxes, so a send can never hit a closed channel.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed.Load() {
		return
	}
	if b.metrics != nil {
		b.metrics.BusEventsTotal.WithLabelValues(string(event.Type)).Inc()
	}

	for _, sub := range b.subs[event.Type] {
		for {
			select {
			case sub.mailbox <- event:
			default:
				// Mailbox full: evict the oldest event and retry.
				select {
				case <-sub.mailbox:
					sub.dropped.Add(1)
					if b.metrics != nil {
						b.metrics.BusDroppedTotal.WithLabelValues(string(event.Type), sub.name).Inc()
					}
				default:
				}
				continue
			}
			break
		}
	}
}

// Dropped reports the per-subscriber drop counts, keyed by subscriber
// name. Consumed by the doctor endpoint.
func (b *Bus) Dropped() map[string]uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]uint64)
	for _, subs := range b.subs {
		for _, sub := range subs {
			out[sub.name] += sub.dropped.Load()
		}
	}
	return out
}

// SubscriberCount returns the number of subscribers for a type.
func (b *Bus) SubscriberCount(eventType models.EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType])
}

// Close stops delivery and waits for subscriber goroutines to finish
// handling their queued events.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	for _, subs := range b.subs {
		for _, sub := range subs {
			close(sub.mailbox)
		}
	}
	b.subs = make(map[models.EventType][]*subscriber)
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Bus) drain(eventType models.EventType, sub *subscriber) {
	defer b.wg.Done()
	for event := range sub.mailbox {
		b.dispatch(eventType, sub, event)
	}
}

func (b *Bus) dispatch(eventType models.EventType, sub *subscriber, event models.Event) {
	defer func() {
		if r := recover(); r != nil {
			if b.logger != nil {
				b.logger.Error(context.Background(), "event handler panicked",
					"event_type", string(eventType),
					"subscriber", sub.name,
					"panic", r,
					"stack", string(debug.Stack()))
			}
		}
	}()
	sub.handler(context.Background(), event)
}
