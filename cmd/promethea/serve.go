package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/promethea/promethea/internal/auth"
	"github.com/promethea/promethea/internal/bus"
	"github.com/promethea/promethea/internal/channels"
	"github.com/promethea/promethea/internal/config"
	"github.com/promethea/promethea/internal/conn"
	"github.com/promethea/promethea/internal/doctor"
	"github.com/promethea/promethea/internal/httpapi"
	"github.com/promethea/promethea/internal/memory"
	"github.com/promethea/promethea/internal/observability"
	"github.com/promethea/promethea/internal/ratelimit"
	"github.com/promethea/promethea/internal/scheduler"
	"github.com/promethea/promethea/internal/store"
	"github.com/promethea/promethea/internal/tools"
	"github.com/promethea/promethea/internal/turn"
	"github.com/promethea/promethea/pkg/models"
)

func runServe(ctx context.Context, configPath string, debug bool) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfgSvc, err := config.NewService(configPath, usersDir(configPath), os.Environ(), nil)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	snap := cfgSvc.Snapshot()

	logCfg := observability.LogConfig{Level: snap.Logging.Level, Format: snap.Logging.Format}
	if debug {
		logCfg.Level = "debug"
	}
	log := observability.NewLogger(logCfg)
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	_, stopTracer, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName:  "promethea",
		Endpoint:     snap.Tracing.Endpoint,
		SamplingRate: snap.Tracing.SamplingRate,
		Insecure:     snap.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	events := bus.New(log, metrics)
	cfgSvc.SetEmitter(events)

	st, err := store.Open(snap.Storage.Backend, snap.Storage.Dir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	// Per-user activity trail: one dated file per user, fed off the bus
	// so the turn path never blocks on it.
	userLog := observability.NewUserLog(filepath.Join(snap.Storage.Dir, "logs"))
	for _, et := range []models.EventType{
		models.EventConversationDone,
		models.EventConversationError,
		models.EventChannelMessage,
	} {
		events.Subscribe(et, "userlog", func(ctx context.Context, ev models.Event) {
			uid, _ := ev.Payload["user_id"].(string)
			if uid == "" {
				return
			}
			payload, _ := json.Marshal(ev.Payload)
			if err := userLog.Write(uid, string(ev.Type)+" "+string(payload)); err != nil {
				log.Debug(ctx, "user activity log write failed", "error", err)
			}
		})
	}

	jwtSecret := snap.Auth.JWTSecret
	if jwtSecret == "" {
		jwtSecret = randomSecret()
		log.Warn(ctx, "AUTH__JWT_SECRET is not set; issued tokens will not survive a restart")
	}
	authSvc := auth.NewService(st, auth.NewJWTService(jwtSecret, snap.Auth.TokenExpiry))

	registry := conn.NewRegistry(events, log)

	toolReg := tools.NewRegistry()
	for _, t := range []tools.Tool{
		tools.NewDateTimeTool(),
		tools.NewHTTPFetchTool(),
		tools.NewShellTool(snap.Storage.Dir),
	} {
		if err := toolReg.Register(t); err != nil {
			return fmt.Errorf("register tool: %w", err)
		}
	}
	toolsSvc, err := tools.NewService(toolReg, log, metrics, events)
	if err != nil {
		return fmt.Errorf("tool service: %w", err)
	}

	var memSvc *memory.Service
	if snap.Memory.Enabled {
		graph, err := openMemoryBackend(ctx, snap.Memory)
		if err != nil {
			return fmt.Errorf("open memory backend: %w", err)
		}
		memSvc = memory.NewService(graph, func() config.MemoryConfig {
			return cfgSvc.Snapshot().Memory
		}, log, metrics, events)
		memSvc.Start(ctx)
	}

	engine := turn.NewEngine(st, cfgSvc, toolsSvc, memSvc, events, registry, log, metrics)
	sched := scheduler.New(st, engine, func() config.SchedulerConfig {
		return cfgSvc.Snapshot().Scheduler
	}, log, metrics)
	sched.Start()
	engine.Bind(sched)
	stopSweeper := engine.StartSweeper(30 * time.Second)

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerSecond: float64(snap.Server.RateLimitPerMinute) / 60,
		BurstSize:         snap.Server.RateLimitBurst,
		Enabled:           snap.Server.RateLimitPerMinute > 0,
	})

	doctorSvc := doctor.New(doctor.Options{
		SystemConfigPath: configPath,
		Config:           cfgSvc,
		Store:            st,
		Memory:           memSvc,
		Sched:            sched,
		Events:           events,
		Registry:         registry,
		Logger:           log,
	})

	bridges := channels.NewRegistry(log)
	if snap.Channels.Telegram.Enabled {
		bridges.Add(channels.NewTelegram(func() config.TelegramConfig {
			return cfgSvc.Snapshot().Channels.Telegram
		}, engine, st, events, log))
	}
	bridges.StartAll(ctx)

	srv := httpapi.New(httpapi.Options{
		Config:   cfgSvc,
		Auth:     authSvc,
		Store:    st,
		Engine:   engine,
		Sched:    sched,
		Memory:   memSvc,
		Registry: registry,
		Events:   events,
		Doctor:   doctorSvc,
		Limiter:  limiter,
		Logger:   log,
		Metrics:  metrics,
	})
	if err := srv.Start(); err != nil {
		return err
	}

	// Hot-reload the system config file until shutdown.
	go func() {
		if err := cfgSvc.Watch(ctx, log); err != nil && ctx.Err() == nil {
			log.Warn(ctx, "config watch stopped", "error", err)
		}
	}()

	log.Info(ctx, "promethea gateway running",
		"version", version,
		"storage", snap.Storage.Backend,
		"memory", snap.Memory.Enabled)

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info(context.Background(), "shutdown signal received")
	case serveErr = <-srv.Err():
		log.Error(context.Background(), "http server failed", "error", serveErr)
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), snap.Server.DrainDeadline)
	defer stop()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "http shutdown", "error", err)
	}
	bridges.StopAll(shutdownCtx)
	stopSweeper()
	if err := sched.Close(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "scheduler drain", "error", err)
	}
	if memSvc != nil {
		memSvc.Stop()
	}
	events.Close()
	if err := userLog.Close(); err != nil {
		log.Warn(shutdownCtx, "user log close", "error", err)
	}
	if err := st.Close(); err != nil {
		log.Warn(shutdownCtx, "store close", "error", err)
	}
	if err := stopTracer(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "tracer shutdown", "error", err)
	}
	log.Info(context.Background(), "promethea gateway stopped")
	if serveErr != nil {
		return fatalError{fmt.Errorf("http server failed: %w", serveErr)}
	}
	return nil
}

// runDoctor prints the offline checks and exits non-zero when any
// check fails.
func runDoctor(ctx context.Context, configPath string) error {
	cfgSvc, err := config.NewService(configPath, usersDir(configPath), os.Environ(), nil)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	snap := cfgSvc.Snapshot()

	st, err := store.Open(snap.Storage.Backend, snap.Storage.Dir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	svc := doctor.New(doctor.Options{
		SystemConfigPath: configPath,
		Config:           cfgSvc,
		Store:            st,
		Logger:           observability.NewNopLogger(),
	})
	checks := svc.Run(ctx)

	out, err := json.MarshalIndent(checks, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	for name, c := range checks {
		if c.Status == doctor.StatusError {
			return fmt.Errorf("check %s failed: %s", name, c.Detail)
		}
	}
	return nil
}

func openMemoryBackend(ctx context.Context, cfg config.MemoryConfig) (memory.GraphStore, error) {
	if cfg.Neo4j.Enabled {
		return memory.NewNeo4jStore(ctx, cfg.Neo4j)
	}
	return memory.NewMemStore(), nil
}

// usersDir places per-user config next to the system file, per the
// config/default.json + config/users/<user_id>/config.json layout.
func usersDir(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "users")
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
