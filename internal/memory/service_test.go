package memory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/promethea/promethea/internal/config"
	"github.com/promethea/promethea/internal/fault"
	"github.com/promethea/promethea/internal/observability"
	"github.com/promethea/promethea/pkg/models"
)

func memoryConfig() config.MemoryConfig {
	return config.MemoryConfig{
		Enabled: true,
		Recall: config.RecallConfig{
			MinQueryLen: 6,
			TopK:        5,
			Timeout:     time.Second,
		},
		IngestBuffer: 16,
	}
}

func newTestService(t *testing.T) (*Service, *MemStore) {
	t.Helper()
	store := NewMemStore()
	cfg := memoryConfig()
	svc := NewService(store, func() config.MemoryConfig { return cfg },
		observability.NewNopLogger(), nil, nil)
	return svc, store
}

func TestUpsertRequiresUser(t *testing.T) {
	store := NewMemStore()
	err := store.UpsertFact(context.Background(), Fact{Content: "orphan"})
	if fault.KindOf(err) != fault.KindInvalidArguments {
		t.Errorf("want invalid_arguments, got %v", err)
	}
	if _, err := store.Search(context.Background(), "", SearchOptions{}); err == nil {
		t.Error("empty user search should fail closed")
	}
}

func TestSearchIsUserScoped(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	_ = store.UpsertFact(ctx, Fact{UserID: "alice", SessionID: "s1", Content: "alice likes espresso", Keywords: []string{"espresso"}})
	_ = store.UpsertFact(ctx, Fact{UserID: "bob", SessionID: "s2", Content: "bob likes espresso", Keywords: []string{"espresso"}})

	hits, err := store.Search(ctx, "alice", SearchOptions{Terms: []string{"espresso"}})
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range hits {
		if strings.Contains(f.Content, "bob") {
			t.Fatalf("cross-user leak: %+v", f)
		}
	}
	if len(hits) != 1 {
		t.Errorf("hits = %d, want 1", len(hits))
	}
}

func TestSearchExcludesCurrentSession(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	_ = store.UpsertFact(ctx, Fact{UserID: "u", SessionID: "current", Content: "espresso now", Keywords: []string{"espresso"}})
	_ = store.UpsertFact(ctx, Fact{UserID: "u", SessionID: "older", Content: "espresso before", Keywords: []string{"espresso"}})

	hits, _ := store.Search(ctx, "u", SearchOptions{Terms: []string{"espresso"}, ExcludeSession: "current"})
	if len(hits) != 1 || hits[0].SessionID != "older" {
		t.Errorf("hits = %+v", hits)
	}
}

func TestSearchWithoutTermsReturnsFacts(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	_ = store.UpsertFact(ctx, Fact{UserID: "u", SessionID: "s1", Content: "drinks espresso", Keywords: []string{"espresso"}})
	_ = store.UpsertFact(ctx, Fact{UserID: "u", SessionID: "s2", Content: "rides a bike", Keywords: []string{"bike"}})

	// The graph view browses with no terms; every fact must come back.
	hits, err := store.Search(ctx, "u", SearchOptions{TopK: 200})
	if err != nil {
		t.Fatal(err)
	}
	var facts int
	for _, f := range hits {
		if f.Layer == LayerFact {
			facts++
		}
	}
	if facts != 2 {
		t.Errorf("term-less search returned %d facts, want 2", facts)
	}
}

func TestEnqueueOverflowShedsOldest(t *testing.T) {
	store := NewMemStore()
	cfg := memoryConfig()
	cfg.IngestBuffer = 2
	svc := NewService(store, func() config.MemoryConfig { return cfg },
		observability.NewNopLogger(), nil, nil)

	// No worker running: the third enqueue must evict the first.
	for _, sid := range []string{"first", "second", "third"} {
		svc.Enqueue(models.MemoryCandidate{UserID: "u", SessionID: sid})
	}
	var kept []string
	for len(svc.ingest) > 0 {
		kept = append(kept, (<-svc.ingest).SessionID)
	}
	if len(kept) != 2 || kept[0] != "second" || kept[1] != "third" {
		t.Errorf("buffer after overflow = %v, want [second third]", kept)
	}
}

func TestIngestDedup(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	candidate := models.MemoryCandidate{
		UserID: "u", SessionID: "s",
		UserText:      "my cat is named Maple",
		AssistantText: "Noted, Maple is a lovely name.",
		Timestamp:     time.Now(),
	}
	svc.ingestOne(ctx, candidate)
	svc.ingestOne(ctx, candidate)

	hits, err := store.Search(ctx, "u", SearchOptions{Terms: []string{"maple"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 { // user fact + assistant fact, once each
		t.Errorf("facts after duplicate ingest = %d, want 2", len(hits))
	}
}

func TestRecallGating(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	_ = store.UpsertFact(ctx, Fact{UserID: "u", SessionID: "old", Content: "the user works at a bakery", Keywords: []string{"bakery"}})

	if got := svc.Recall(ctx, "u", "now", "hi"); got != "" {
		t.Errorf("short query should skip recall, got %q", got)
	}
	// Short but referential: gate must open.
	if got := svc.Recall(ctx, "u", "now", "that?"); got == "" {
		// No matching terms, so empty is fine; the gate just must not
		// have been the cause. Covered by the long-query case below.
		t.Log("referential query returned no hits")
	}
	got := svc.Recall(ctx, "u", "now", "tell me about the bakery again")
	if !strings.Contains(got, "bakery") {
		t.Errorf("recall block = %q", got)
	}
}

func TestRecallDisabled(t *testing.T) {
	store := NewMemStore()
	cfg := memoryConfig()
	cfg.Enabled = false
	svc := NewService(store, func() config.MemoryConfig { return cfg },
		observability.NewNopLogger(), nil, nil)
	_ = store.UpsertFact(context.Background(), Fact{UserID: "u", Content: "bakery facts", Keywords: []string{"bakery"}})

	if got := svc.Recall(context.Background(), "u", "s", "tell me about the bakery"); got != "" {
		t.Errorf("disabled recall returned %q", got)
	}
}

func TestClusterCreatesConcepts(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	for _, content := range []string{"espresso one", "espresso two", "espresso three"} {
		_ = store.UpsertFact(ctx, Fact{UserID: "u", SessionID: "s", Content: content, Keywords: []string{"espresso"}})
	}

	report, err := store.Cluster(ctx, "u")
	if err != nil {
		t.Fatal(err)
	}
	if report.Concepts != 1 || report.Facts != 3 {
		t.Errorf("report = %+v", report)
	}
	// A second pass finds nothing new.
	report, _ = store.Cluster(ctx, "u")
	if report.Concepts != 0 {
		t.Errorf("re-cluster = %+v", report)
	}
}

func TestSummarizeSessions(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	for _, content := range []string{"first thing", "middle thing", "last thing"} {
		_ = store.UpsertFact(ctx, Fact{UserID: "u", SessionID: "s1", Content: content, Keywords: []string{"thing"}})
	}
	report, err := store.Summarize(ctx, "u")
	if err != nil {
		t.Fatal(err)
	}
	if report.Summaries != 1 {
		t.Fatalf("report = %+v", report)
	}
	hits, _ := store.Search(ctx, "u", SearchOptions{})
	found := false
	for _, f := range hits {
		if f.Layer == LayerSummary && strings.Contains(f.Content, "first thing") && strings.Contains(f.Content, "last thing") {
			found = true
		}
	}
	if !found {
		t.Error("summary fact not found")
	}
}

func TestDecayForgetsStaleFacts(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	old := time.Now().Add(-400 * 24 * time.Hour)
	_ = store.UpsertFact(ctx, Fact{UserID: "u", SessionID: "s", Content: "ancient trivia", Importance: 0.3, CreatedAt: old})
	_ = store.UpsertFact(ctx, Fact{UserID: "u", SessionID: "s", Content: "fresh fact", Importance: 0.9})

	report, err := store.Decay(ctx, "u")
	if err != nil {
		t.Fatal(err)
	}
	if report.Forgotten != 1 {
		t.Errorf("report = %+v", report)
	}
	hits, _ := store.Search(ctx, "u", SearchOptions{Terms: []string{"ancient"}})
	if len(hits) != 0 {
		t.Errorf("forgotten fact still present: %+v", hits)
	}
}

func TestDecayCurve(t *testing.T) {
	day := 24 * time.Hour
	cases := []struct {
		age  time.Duration
		want float64
	}{
		{12 * time.Hour, 1.0},
		{5 * day, 0.9},
		{20 * day, 0.7},
		{60 * day, 0.5},
		{200 * day, 0.3},
		{500 * day, 0.2},
	}
	for _, tc := range cases {
		if got := decayFactor(tc.age); got != tc.want {
			t.Errorf("decayFactor(%v) = %v, want %v", tc.age, got, tc.want)
		}
	}
}

func TestExtractKeywords(t *testing.T) {
	got := ExtractKeywords("Tell me about the espresso machine in Berlin")
	want := map[string]bool{"espresso": true, "machine": true, "berlin": true}
	for _, kw := range got {
		if stopwords[kw] {
			t.Errorf("stopword %q extracted", kw)
		}
	}
	for w := range want {
		found := false
		for _, kw := range got {
			if kw == w {
				found = true
			}
		}
		if !found {
			t.Errorf("missing keyword %q in %v", w, got)
		}
	}
}

func TestHasAnaphora(t *testing.T) {
	if !HasAnaphora("what about that?") {
		t.Error("'that' not detected")
	}
	if HasAnaphora("weather forecast tomorrow") {
		t.Error("false positive")
	}
}
