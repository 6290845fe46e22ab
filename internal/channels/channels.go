// Package channels bridges external messaging platforms into the
// gateway. An adapter turns platform traffic into engine submissions
// for one configured account and relays the replies back out.
package channels

import (
	"context"
	"sync"
	"time"

	"github.com/promethea/promethea/internal/observability"
)

// Adapter is one platform bridge.
type Adapter interface {
	// Start connects and begins receiving until the context ends.
	Start(ctx context.Context) error
	// Stop disconnects, waiting up to the context deadline.
	Stop(ctx context.Context) error
	// Name identifies the platform ("telegram").
	Name() string
}

// Status reports an adapter's connection state.
type Status struct {
	Connected bool      `json:"connected"`
	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since"`
}

// Registry holds the enabled adapters and manages their lifecycle.
type Registry struct {
	log *observability.Logger

	mu       sync.Mutex
	adapters []Adapter
}

func NewRegistry(log *observability.Logger) *Registry {
	if log == nil {
		log = observability.NewNopLogger()
	}
	return &Registry{log: log}
}

func (r *Registry) Add(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters = append(r.adapters, a)
}

// StartAll starts every registered adapter. A bridge that fails to
// start is logged and skipped; channels are best-effort surfaces.
func (r *Registry) StartAll(ctx context.Context) {
	r.mu.Lock()
	adapters := append([]Adapter(nil), r.adapters...)
	r.mu.Unlock()

	for _, a := range adapters {
		if err := a.Start(ctx); err != nil {
			r.log.Error(ctx, "channel adapter failed to start", "channel", a.Name(), "error", err)
			continue
		}
		r.log.Info(ctx, "channel adapter started", "channel", a.Name())
	}
}

// StopAll stops every adapter, waiting up to the context deadline for
// each.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	adapters := append([]Adapter(nil), r.adapters...)
	r.mu.Unlock()

	for _, a := range adapters {
		if err := a.Stop(ctx); err != nil {
			r.log.Warn(ctx, "channel adapter stop", "channel", a.Name(), "error", err)
		}
	}
}
