package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/promethea/promethea/internal/auth"
	"github.com/promethea/promethea/internal/config"
	"github.com/promethea/promethea/internal/conn"
	"github.com/promethea/promethea/internal/doctor"
	"github.com/promethea/promethea/internal/llm"
	"github.com/promethea/promethea/internal/memory"
	"github.com/promethea/promethea/internal/observability"
	"github.com/promethea/promethea/internal/ratelimit"
	"github.com/promethea/promethea/internal/scheduler"
	"github.com/promethea/promethea/internal/store"
	"github.com/promethea/promethea/internal/tools"
	"github.com/promethea/promethea/internal/turn"
)

type testEnv struct {
	handler http.Handler
	store   store.Store
	sched   *scheduler.Scheduler
	opts    Options
}

// withLimiter rebuilds the handler over the same runtime with a rate
// limiter installed.
func (e *testEnv) withLimiter(cfg ratelimit.Config) *testEnv {
	opts := e.opts
	opts.Limiter = ratelimit.NewLimiter(cfg)
	return &testEnv{handler: New(opts).Handler(), store: e.store, sched: e.sched, opts: opts}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	log := observability.NewNopLogger()

	cfgSvc, err := config.NewService(filepath.Join(dir, "default.json"), filepath.Join(dir, "users"), nil, nil)
	if err != nil {
		t.Fatalf("config service: %v", err)
	}
	st := store.NewMemoryStore()
	authSvc := auth.NewService(st, auth.NewJWTService("test-secret", time.Hour))
	registry := conn.NewRegistry(nil, log)
	toolsSvc, err := tools.NewService(tools.NewRegistry(), log, nil, nil)
	if err != nil {
		t.Fatalf("tools service: %v", err)
	}
	memSvc := memory.NewService(memory.NewMemStore(), func() config.MemoryConfig {
		return cfgSvc.Snapshot().Memory
	}, log, nil, nil)

	engine := turn.NewEngine(st, cfgSvc, toolsSvc, memSvc, nil, registry, log, nil)
	sched := scheduler.New(st, engine, func() config.SchedulerConfig {
		return cfgSvc.Snapshot().Scheduler
	}, log, nil)
	engine.Bind(sched)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sched.Close(ctx)
	})

	opts := Options{
		Config:   cfgSvc,
		Auth:     authSvc,
		Store:    st,
		Engine:   engine,
		Sched:    sched,
		Memory:   memSvc,
		Registry: registry,
		Doctor: doctor.New(doctor.Options{
			Config: cfgSvc,
			Store:  st,
			Memory: memSvc,
			Sched:  sched,
		}),
		Logger: log,
	}
	return &testEnv{handler: New(opts).Handler(), store: st, sched: sched, opts: opts}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeResp(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v\n%s", err, rec.Body.String())
	}
	return out
}

// register creates an account and returns (userID, token).
func (e *testEnv) register(t *testing.T, username string) (string, string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/auth/register", "", map[string]any{
		"username": username,
		"password": "correct horse battery",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register %s: status %d: %s", username, rec.Code, rec.Body.String())
	}
	body := decodeResp(t, rec)
	return body["user_id"].(string), body["token"].(string)
}

func TestRegisterAndLogin(t *testing.T) {
	env := newTestEnv(t)
	userID, token := env.register(t, "alice")
	if userID == "" || token == "" {
		t.Fatalf("register returned empty identifiers: %q %q", userID, token)
	}

	rec := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]any{
		"username": "alice",
		"password": "correct horse battery",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: status %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeResp(t, rec)
	if body["access_token"] == "" {
		t.Error("login returned no access token")
	}
	if body["user_id"] != userID {
		t.Errorf("login user_id = %v, want %s", body["user_id"], userID)
	}

	rec = env.do(t, http.MethodPost, "/api/auth/login", "", map[string]any{
		"username": "alice",
		"password": "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad password: status %d, want 401", rec.Code)
	}
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/api/sessions", "/api/config"} {
		rec := env.do(t, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("GET %s without token: status %d, want 401", path, rec.Code)
		}
	}

	rec := env.do(t, http.MethodGet, "/api/sessions", "not-a-real-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("garbage token: status %d, want 401", rec.Code)
	}
}

func TestStatusIsPublic(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	body := decodeResp(t, rec)
	if body["ok"] != true {
		t.Errorf("ok = %v", body["ok"])
	}
	if body["memory_active"] != true {
		t.Errorf("memory_active = %v", body["memory_active"])
	}
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	userID, token := env.register(t, "alice")

	sess, err := env.store.CreateSession(context.Background(), userID, "groceries")
	if err != nil {
		t.Fatal(err)
	}

	rec := env.do(t, http.MethodGet, "/api/sessions", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d: %s", rec.Code, rec.Body.String())
	}
	sessions := decodeResp(t, rec)["sessions"].([]any)
	if len(sessions) != 1 {
		t.Fatalf("listed %d sessions, want 1", len(sessions))
	}

	rec = env.do(t, http.MethodPut, "/api/sessions/"+sess.ID, token, map[string]any{"title": "meal plan"})
	if rec.Code != http.StatusOK {
		t.Fatalf("rename: %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/sessions/"+sess.ID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}
	if got := decodeResp(t, rec)["title"]; got != "meal plan" {
		t.Errorf("title = %v after rename", got)
	}

	rec = env.do(t, http.MethodDelete, "/api/sessions/"+sess.ID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/sessions/"+sess.ID, token, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: %d, want 404", rec.Code)
	}
}

func TestForeignSessionReadsAsNotFound(t *testing.T) {
	env := newTestEnv(t)
	aliceID, _ := env.register(t, "alice")
	_, bobToken := env.register(t, "bob")

	sess, err := env.store.CreateSession(context.Background(), aliceID, "private")
	if err != nil {
		t.Fatal(err)
	}

	rec := env.do(t, http.MethodGet, "/api/sessions/"+sess.ID, bobToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("foreign get: %d, want 404", rec.Code)
	}
	rec = env.do(t, http.MethodDelete, "/api/sessions/"+sess.ID, bobToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("foreign delete: %d, want 404", rec.Code)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.register(t, "alice")

	rec := env.do(t, http.MethodPost, "/api/config/update", token, map[string]any{
		"agent_name": "Nova",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d: %s", rec.Code, rec.Body.String())
	}
	merged := decodeResp(t, rec)["config"].(map[string]any)
	if merged["agent_name"] != "Nova" {
		t.Errorf("agent_name = %v after update", merged["agent_name"])
	}

	rec = env.do(t, http.MethodGet, "/api/config", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}
	got := decodeResp(t, rec)["config"].(map[string]any)
	if got["agent_name"] != "Nova" {
		t.Errorf("agent_name = %v on read-back", got["agent_name"])
	}

	rec = env.do(t, http.MethodPost, "/api/config/reset", token, map[string]any{})
	if rec.Code != http.StatusOK {
		t.Fatalf("reset: %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/config", token, nil)
	if got := decodeResp(t, rec)["config"].(map[string]any); got["agent_name"] == "Nova" {
		t.Error("agent_name survived reset")
	}
}

func TestConfigRejectsSecretFields(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.register(t, "alice")

	rec := env.do(t, http.MethodPost, "/api/config", token, map[string]any{
		"api": map[string]any{"api_key": "sk-sneaky"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("secret patch: %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestConfigSecretsNeverLeaveTheServer(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.register(t, "alice")

	rec := env.do(t, http.MethodGet, "/api/config", token, nil)
	cfg := decodeResp(t, rec)["config"].(map[string]any)
	api := cfg["api"].(map[string]any)
	if key, ok := api["api_key"]; ok && key != "" {
		t.Errorf("api_key leaked into the response: %v", key)
	}
}

func TestChatValidation(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.register(t, "alice")

	rec := env.do(t, http.MethodPost, "/api/chat", token, map[string]any{"message": "   "})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("blank message: %d, want 400", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/chat", token, map[string]any{
		"message":    "hello",
		"session_id": "no-such-session",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown session: %d, want 404", rec.Code)
	}
}

func TestMemoryEndpoints(t *testing.T) {
	env := newTestEnv(t)
	userID, token := env.register(t, "alice")
	sess, err := env.store.CreateSession(context.Background(), userID, "memories")
	if err != nil {
		t.Fatal(err)
	}

	rec := env.do(t, http.MethodGet, "/api/memory/graph/"+sess.ID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("graph: %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeResp(t, rec)
	if _, ok := body["stats"]; !ok {
		t.Error("graph response has no stats")
	}

	for _, op := range []string{"cluster", "summarize", "decay", "cleanup"} {
		rec := env.do(t, http.MethodPost, "/api/memory/"+op+"/"+sess.ID, token, map[string]any{})
		if rec.Code != http.StatusOK {
			t.Errorf("op %s: %d: %s", op, rec.Code, rec.Body.String())
		}
	}

	rec = env.do(t, http.MethodPost, "/api/memory/scramble/"+sess.ID, token, map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown op: %d, want 400", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/memory/graph/no-such-session", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("foreign graph: %d, want 404", rec.Code)
	}
}

func TestDoctorEndpoints(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.register(t, "alice")

	rec := env.do(t, http.MethodGet, "/api/doctor", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("doctor: %d: %s", rec.Code, rec.Body.String())
	}
	checks := decodeResp(t, rec)["checks"].(map[string]any)
	if _, ok := checks["storage"]; !ok {
		t.Error("doctor response missing storage check")
	}

	rec = env.do(t, http.MethodPost, "/api/doctor/migrate-config", token, map[string]any{})
	if rec.Code != http.StatusOK {
		t.Fatalf("migrate-config: %d: %s", rec.Code, rec.Body.String())
	}
	if status := decodeResp(t, rec)["status"]; status != "ok" {
		t.Errorf("migrate status = %v, want ok for a pristine config", status)
	}
}

func TestRateLimitAppliesPerUser(t *testing.T) {
	env := newTestEnv(t)
	_, aliceToken := env.register(t, "alice")
	_, bobToken := env.register(t, "bob")

	// Rebuild the handler with a one-request bucket.
	limited := env.withLimiter(ratelimit.Config{
		RequestsPerSecond: 0.001,
		BurstSize:         1,
		Enabled:           true,
	})

	if rec := limited.do(t, http.MethodGet, "/api/sessions", aliceToken, nil); rec.Code != http.StatusOK {
		t.Fatalf("first request: %d", rec.Code)
	}
	rec := limited.do(t, http.MethodGet, "/api/sessions", aliceToken, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 without Retry-After header")
	}

	// A different user still has a full bucket.
	if rec := limited.do(t, http.MethodGet, "/api/sessions", bobToken, nil); rec.Code != http.StatusOK {
		t.Errorf("other user: %d, want 200", rec.Code)
	}
}

func TestRequestIDPropagates(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/status", "", nil)
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("no request id assigned")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("X-Request-Id", "req-42")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Request-Id"); got != "req-42" {
		t.Errorf("request id = %q, want the one supplied", got)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
}

// scriptedProvider answers every completion with fixed text chunks and
// records the requests it saw.
type scriptedProvider struct {
	mu   sync.Mutex
	reqs []*llm.Request
	text []string
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(p.text)+1)
	for _, t := range p.text {
		ch <- llm.Chunk{Text: t}
	}
	ch <- llm.Chunk{Done: true}
	close(ch)
	return ch, nil
}

func (e *testEnv) withProvider(p llm.Provider) {
	e.opts.Engine.SetProviderFactory(func(config.APIConfig) (llm.Provider, error) {
		return p, nil
	})
}

func TestChatJSONAccumulatesWholeTurn(t *testing.T) {
	env := newTestEnv(t)
	env.withProvider(&scriptedProvider{text: []string{"Tonight: ", "lentil soup."}})
	userID, token := env.register(t, "alice")

	rec := env.do(t, http.MethodPost, "/api/chat", token, map[string]any{
		"message": "what should I cook tonight?",
		"stream":  false,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("chat: %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("content type = %q, want application/json", ct)
	}
	body := decodeResp(t, rec)
	if body["content"] != "Tonight: lentil soup." {
		t.Errorf("content = %v", body["content"])
	}
	sid, _ := body["session_id"].(string)
	if sid == "" {
		t.Fatal("no session id in response")
	}

	// The accumulated turn is committed, not just streamed.
	msgs, err := env.store.Messages(context.Background(), userID, sid, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[1].Content != "Tonight: lentil soup." {
		t.Errorf("committed messages = %+v", msgs)
	}
}

func TestChatRecallsOtherSessionMemories(t *testing.T) {
	env := newTestEnv(t)
	provider := &scriptedProvider{text: []string{"Miso usually goes for salmon."}}
	env.withProvider(provider)
	userID, token := env.register(t, "alice")

	// A fact learned in an earlier conversation.
	if err := env.opts.Memory.Store().UpsertFact(context.Background(), memory.Fact{
		UserID:    userID,
		SessionID: "an-earlier-session",
		Content:   "The user's cat Miso loves salmon",
		Keywords:  []string{"miso", "salmon", "cat"},
	}); err != nil {
		t.Fatal(err)
	}

	rec := env.do(t, http.MethodPost, "/api/chat", token, map[string]any{
		"message": "what does my cat Miso like to eat?",
		"stream":  false,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("chat: %d: %s", rec.Code, rec.Body.String())
	}

	provider.mu.Lock()
	defer provider.mu.Unlock()
	if len(provider.reqs) == 0 {
		t.Fatal("provider was never called")
	}
	if sys := provider.reqs[0].System; !strings.Contains(sys, "Miso loves salmon") {
		t.Errorf("recall block missing from system prompt:\n%s", sys)
	}
}
