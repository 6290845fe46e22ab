package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is the in-process GraphStore used when Neo4j is not
// configured, and by tests. Clustering and summarization degrade to
// keyword grouping and head-tail digests; the contract and scoping
// semantics are identical to the Neo4j backend.
type MemStore struct {
	mu    sync.RWMutex
	facts map[string][]*Fact // keyed by user id
	// clustered marks fact ids already absorbed into a concept.
	clustered map[string]bool
	// summarized marks session ids with an up-to-date summary.
	summarized map[string]bool

	now func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		facts:      make(map[string][]*Fact),
		clustered:  make(map[string]bool),
		summarized: make(map[string]bool),
		now:        time.Now,
	}
}

func (s *MemStore) UpsertFact(_ context.Context, f Fact) error {
	if err := requireUser(f.UserID); err != nil {
		return err
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Layer == "" {
		f.Layer = LayerFact
	}
	if f.Importance == 0 {
		f.Importance = 0.5
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now()
	}
	f.LastAccess = f.CreatedAt

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.facts[f.UserID] {
		if existing.Content == f.Content && existing.SessionID == f.SessionID {
			// Re-asserted fact: bump instead of duplicating.
			existing.AccessCount++
			existing.LastAccess = s.now()
			return nil
		}
	}
	s.facts[f.UserID] = append(s.facts[f.UserID], &f)
	// New material invalidates the session summary.
	delete(s.summarized, f.SessionID)
	return nil
}

func (s *MemStore) Search(_ context.Context, userID string, opts SearchOptions) ([]Fact, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = 5
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var cutoff time.Time
	if opts.RecentDays > 0 {
		cutoff = s.now().AddDate(0, 0, -opts.RecentDays)
	}

	perLayer := map[Layer][]Fact{}
	for _, f := range s.facts[userID] {
		if f.SessionID == opts.ExcludeSession && f.Layer == LayerFact {
			continue
		}
		if !cutoff.IsZero() && f.CreatedAt.Before(cutoff) && f.Layer == LayerFact {
			continue
		}
		if f.Layer == LayerFact && !matches(f, opts.Terms) {
			continue
		}
		perLayer[f.Layer] = append(perLayer[f.Layer], *f)
		f.AccessCount++
		f.LastAccess = s.now()
	}

	var out []Fact
	for _, layer := range []Layer{LayerSummary, LayerConcept, LayerFact} {
		hits := perLayer[layer]
		sort.Slice(hits, func(i, j int) bool {
			if hits[i].Importance != hits[j].Importance {
				return hits[i].Importance > hits[j].Importance
			}
			return hits[i].CreatedAt.After(hits[j].CreatedAt)
		})
		if len(hits) > topK {
			hits = hits[:topK]
		}
		out = append(out, hits...)
	}
	return out, nil
}

func matches(f *Fact, terms []string) bool {
	if len(terms) == 0 {
		// Term-less search is a browse: every fact qualifies. The graph
		// view depends on this to enumerate a user's fact layer.
		return true
	}
	content := strings.ToLower(f.Content)
	for _, term := range terms {
		term = strings.ToLower(term)
		if strings.Contains(content, term) {
			return true
		}
		for _, kw := range f.Keywords {
			if strings.EqualFold(kw, term) {
				return true
			}
		}
	}
	return false
}

func (s *MemStore) Cluster(_ context.Context, userID string) (ClusterReport, error) {
	if err := requireUser(userID); err != nil {
		return ClusterReport{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Group unclustered facts by their dominant keyword.
	groups := map[string][]*Fact{}
	for _, f := range s.facts[userID] {
		if f.Layer != LayerFact || s.clustered[f.ID] || len(f.Keywords) == 0 {
			continue
		}
		groups[strings.ToLower(f.Keywords[0])] = append(groups[strings.ToLower(f.Keywords[0])], f)
	}

	report := ClusterReport{}
	for topic, members := range groups {
		if len(members) < 2 {
			continue
		}
		var lines []string
		importance := 0.0
		for _, m := range members {
			lines = append(lines, m.Content)
			importance += m.Importance
			s.clustered[m.ID] = true
			report.Facts++
		}
		s.facts[userID] = append(s.facts[userID], &Fact{
			ID:         uuid.NewString(),
			UserID:     userID,
			Layer:      LayerConcept,
			Content:    fmt.Sprintf("%s: %s", topic, strings.Join(lines, "; ")),
			Keywords:   []string{topic},
			Importance: clamp(importance/float64(len(members))+0.1, 0, maxImportance),
			CreatedAt:  s.now(),
			LastAccess: s.now(),
		})
		report.Concepts++
	}
	return report, nil
}

func (s *MemStore) Summarize(_ context.Context, userID string) (SummaryReport, error) {
	if err := requireUser(userID); err != nil {
		return SummaryReport{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bySession := map[string][]*Fact{}
	for _, f := range s.facts[userID] {
		if f.Layer == LayerFact && f.SessionID != "" && !s.summarized[f.SessionID] {
			bySession[f.SessionID] = append(bySession[f.SessionID], f)
		}
	}

	report := SummaryReport{}
	for sessionID, facts := range bySession {
		report.Sessions++
		if len(facts) < 3 {
			continue
		}
		sort.Slice(facts, func(i, j int) bool { return facts[i].CreatedAt.Before(facts[j].CreatedAt) })
		digest := facts[0].Content
		if len(facts) > 1 {
			digest += " ... " + facts[len(facts)-1].Content
		}
		s.facts[userID] = append(s.facts[userID], &Fact{
			ID:         uuid.NewString(),
			UserID:     userID,
			SessionID:  sessionID,
			Layer:      LayerSummary,
			Content:    digest,
			Importance: 0.8,
			CreatedAt:  s.now(),
			LastAccess: s.now(),
		})
		s.summarized[sessionID] = true
		report.Summaries++
	}
	return report, nil
}

func (s *MemStore) Decay(_ context.Context, userID string) (DecayReport, error) {
	if err := requireUser(userID); err != nil {
		return DecayReport{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	report := DecayReport{}
	kept := s.facts[userID][:0]
	for _, f := range s.facts[userID] {
		aged := decayedImportance(f.Importance, now.Sub(f.CreatedAt), f.AccessCount)
		if aged < decayMinImportance {
			report.Forgotten++
			continue
		}
		if aged != f.Importance {
			f.Importance = aged
			report.Updated++
		}
		kept = append(kept, f)
	}
	s.facts[userID] = kept
	return report, nil
}

func (s *MemStore) Users(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]string, 0, len(s.facts))
	for id := range s.facts {
		users = append(users, id)
	}
	sort.Strings(users)
	return users, nil
}

func (s *MemStore) Close(context.Context) error { return nil }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
