// Package doctor runs structured health checks over the running
// gateway and can self-repair a config file that no longer parses as
// strict JSON.
package doctor

import (
	"context"
	"strconv"
	"time"

	"github.com/promethea/promethea/internal/bus"
	"github.com/promethea/promethea/internal/config"
	"github.com/promethea/promethea/internal/conn"
	"github.com/promethea/promethea/internal/memory"
	"github.com/promethea/promethea/internal/observability"
	"github.com/promethea/promethea/internal/scheduler"
	"github.com/promethea/promethea/internal/store"
)

const (
	StatusOK    = "ok"
	StatusWarn  = "warn"
	StatusError = "error"
)

// Check is one named diagnostic result.
type Check struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Options wires the service to the subsystems it inspects. Nil fields
// report as skipped rather than failing.
type Options struct {
	SystemConfigPath string
	Config           *config.Service
	Store            store.Store
	Memory           *memory.Service
	Sched            *scheduler.Scheduler
	Events           *bus.Bus
	Registry         *conn.Registry
	Logger           *observability.Logger
}

type Service struct {
	opts Options
	log  *observability.Logger
}

func New(opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = observability.NewNopLogger()
	}
	return &Service{opts: opts, log: log}
}

// Run executes every check and returns them keyed by name. Run never
// fails; a broken subsystem is a failing check, not an error.
func (s *Service) Run(ctx context.Context) map[string]Check {
	checks := map[string]Check{
		"config":    s.checkConfig(),
		"storage":   s.checkStorage(ctx),
		"memory":    s.checkMemory(ctx),
		"llm":       s.checkLLM(),
		"bus":       s.checkBus(),
		"scheduler": s.checkScheduler(),
	}
	if s.opts.Registry != nil {
		checks["connections"] = Check{Status: StatusOK, Detail: plural(s.opts.Registry.ActiveCount(), "active connection")}
	}
	return checks
}

func (s *Service) checkConfig() Check {
	if s.opts.SystemConfigPath == "" {
		return Check{Status: StatusOK, Detail: "running on built-in defaults"}
	}
	if _, err := config.LoadFile(s.opts.SystemConfigPath); err != nil {
		return Check{Status: StatusError, Detail: "system config does not parse: " + err.Error()}
	}
	return Check{Status: StatusOK}
}

func (s *Service) checkStorage(ctx context.Context) Check {
	if s.opts.Store == nil {
		return Check{Status: StatusError, Detail: "no store configured"}
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	// A read against a user that cannot exist exercises the full
	// backend path without touching real data.
	if _, err := s.opts.Store.ListSessions(probeCtx, "doctor-probe"); err != nil {
		return Check{Status: StatusError, Detail: err.Error()}
	}
	return Check{Status: StatusOK}
}

func (s *Service) checkMemory(ctx context.Context) Check {
	if s.opts.Memory == nil {
		return Check{Status: StatusWarn, Detail: "memory service disabled"}
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	users, err := s.opts.Memory.Store().Users(probeCtx)
	if err != nil {
		return Check{Status: StatusError, Detail: err.Error()}
	}
	return Check{Status: StatusOK, Detail: plural(len(users), "user graph")}
}

func (s *Service) checkLLM() Check {
	if s.opts.Config == nil {
		return Check{Status: StatusWarn, Detail: "config service unavailable"}
	}
	api := s.opts.Config.Snapshot().API
	if api.Model == "" {
		return Check{Status: StatusError, Detail: "no model configured"}
	}
	if api.APIKey == "" {
		return Check{Status: StatusWarn, Detail: "no API key in environment"}
	}
	return Check{Status: StatusOK, Detail: api.Provider + "/" + api.Model}
}

func (s *Service) checkBus() Check {
	if s.opts.Events == nil {
		return Check{Status: StatusWarn, Detail: "event bus unavailable"}
	}
	var total uint64
	for _, n := range s.opts.Events.Dropped() {
		total += n
	}
	if total > 0 {
		return Check{Status: StatusWarn, Detail: plural(int(total), "dropped event")}
	}
	return Check{Status: StatusOK}
}

func (s *Service) checkScheduler() Check {
	if s.opts.Sched == nil {
		return Check{Status: StatusWarn, Detail: "scheduler unavailable"}
	}
	stats := s.opts.Sched.Stats()
	detail := plural(stats.Active, "active turn") + ", " + plural(stats.Queued, "queued item")
	return Check{Status: StatusOK, Detail: detail}
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return strconv.Itoa(n) + " " + noun + "s"
}
