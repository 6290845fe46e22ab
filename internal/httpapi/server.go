// Package httpapi exposes the gateway over HTTP: authentication,
// streamed chat, session CRUD, config management, memory inspection
// and the diagnostics surface.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/promethea/promethea/internal/auth"
	"github.com/promethea/promethea/internal/bus"
	"github.com/promethea/promethea/internal/config"
	"github.com/promethea/promethea/internal/conn"
	"github.com/promethea/promethea/internal/doctor"
	"github.com/promethea/promethea/internal/memory"
	"github.com/promethea/promethea/internal/observability"
	"github.com/promethea/promethea/internal/ratelimit"
	"github.com/promethea/promethea/internal/scheduler"
	"github.com/promethea/promethea/internal/store"
	"github.com/promethea/promethea/internal/turn"
)

// Options wires the server to the runtime it fronts.
type Options struct {
	Config   *config.Service
	Auth     *auth.Service
	Store    store.Store
	Engine   *turn.Engine
	Sched    *scheduler.Scheduler
	Memory   *memory.Service
	Registry *conn.Registry
	Events   *bus.Bus
	Doctor   *doctor.Service
	Limiter  *ratelimit.Limiter
	Logger   *observability.Logger
	Metrics  *observability.Metrics
}

type Server struct {
	cfg      *config.Service
	auth     *auth.Service
	store    store.Store
	engine   *turn.Engine
	sched    *scheduler.Scheduler
	memory   *memory.Service
	registry *conn.Registry
	events   *bus.Bus
	doctor   *doctor.Service
	limiter  *ratelimit.Limiter
	log      *observability.Logger
	metrics  *observability.Metrics

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	errCh    chan error
}

func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = observability.NewNopLogger()
	}
	return &Server{
		cfg:      opts.Config,
		auth:     opts.Auth,
		store:    opts.Store,
		engine:   opts.Engine,
		sched:    opts.Sched,
		memory:   opts.Memory,
		registry: opts.Registry,
		events:   opts.Events,
		doctor:   opts.Doctor,
		limiter:  opts.Limiter,
		log:      log,
		metrics:  opts.Metrics,
		errCh: make(chan error, 1),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The API is token-authenticated; origin policy is left to
			// the deployment's proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler builds the full route table with the middleware chain:
// request id, logging, auth (where required), per-user rate limit,
// error normalization.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	public := func(h apiHandler) http.Handler {
		return chain(s.handle(h), requestID, s.logging)
	}
	private := func(h apiHandler) http.Handler {
		return chain(s.handle(h), requestID, s.logging, s.authenticate, s.rateLimit)
	}

	mux.Handle("POST /api/auth/register", public(s.handleRegister))
	mux.Handle("POST /api/auth/login", public(s.handleLogin))

	mux.Handle("POST /api/chat", private(s.handleChat))
	mux.Handle("POST /api/chat/confirm", private(s.handleChatConfirm))

	mux.Handle("GET /api/sessions", private(s.handleListSessions))
	mux.Handle("GET /api/sessions/{id}", private(s.handleGetSession))
	mux.Handle("PUT /api/sessions/{id}", private(s.handleRenameSession))
	mux.Handle("DELETE /api/sessions/{id}", private(s.handleDeleteSession))

	mux.Handle("GET /api/config", private(s.handleGetConfig))
	mux.Handle("POST /api/config", private(s.handleUpdateConfig))
	mux.Handle("POST /api/config/update", private(s.handleUpdateConfig))
	mux.Handle("POST /api/config/reset", private(s.handleResetConfig))

	mux.Handle("GET /api/memory/graph/{sid}", private(s.handleMemoryGraph))
	mux.Handle("POST /api/memory/{op}/{sid}", private(s.handleMemoryMaintain))

	mux.Handle("GET /api/status", public(s.handleStatus))
	mux.Handle("GET /api/doctor", private(s.handleDoctor))
	mux.Handle("POST /api/doctor/migrate-config", private(s.handleMigrateConfig))

	mux.Handle("GET /api/ws", private(s.handleWebsocket))

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", handleHealthz)

	return mux
}

// Start binds the listener and serves until Shutdown. It returns an
// error only for startup failures; serve errors go to the log.
func (s *Server) Start() error {
	snap := s.cfg.Snapshot()
	addr := fmt.Sprintf("%s:%d", snap.Server.Host, snap.Server.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error(context.Background(), "http server error", "error", err)
			select {
			case s.errCh <- err:
			default:
			}
		}
	}()
	s.log.Info(context.Background(), "http server listening", "addr", addr)
	return nil
}

// Err reports an unexpected serve failure after Start returned.
func (s *Server) Err() <-chan error { return s.errCh }

// Shutdown drains in-flight requests up to the deadline carried by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
