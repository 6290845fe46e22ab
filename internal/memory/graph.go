// Package memory is the long-term memory service: a user-scoped graph
// of facts fed asynchronously from committed turns, recalled into
// prompts, and maintained by periodic clustering, summarization and
// decay.
package memory

import (
	"context"
	"time"

	"github.com/promethea/promethea/internal/fault"
)

// Layer orders memories by abstraction: raw facts, clustered concepts,
// session summaries.
type Layer string

const (
	LayerFact    Layer = "fact"
	LayerConcept Layer = "concept"
	LayerSummary Layer = "summary"
)

// Fact is one memory node. Subject/Predicate/Object carry the
// extracted triple when available; Content always carries the
// human-readable form.
type Fact struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Layer     Layer     `json:"layer"`
	Subject   string    `json:"subject,omitempty"`
	Predicate string    `json:"predicate,omitempty"`
	Object    string    `json:"object,omitempty"`
	Content   string    `json:"content"`
	Keywords  []string  `json:"keywords,omitempty"`

	Importance  float64   `json:"importance"`
	AccessCount int       `json:"access_count"`
	CreatedAt   time.Time `json:"created_at"`
	LastAccess  time.Time `json:"last_access"`
}

// SearchOptions bounds a recall query.
type SearchOptions struct {
	// Terms are the extracted query keywords.
	Terms []string
	// TopK bounds hits per layer.
	TopK int
	// ExcludeSession drops facts from the current session; recall
	// should surface other conversations, not echo this one.
	ExcludeSession string
	// RecentDays bounds fact age; zero means unbounded.
	RecentDays int
}

// ClusterReport is the outcome of one clustering pass.
type ClusterReport struct {
	Concepts int `json:"concepts"`
	Facts    int `json:"facts"`
}

// SummaryReport is the outcome of one summarization pass.
type SummaryReport struct {
	Sessions  int `json:"sessions"`
	Summaries int `json:"summaries"`
}

// DecayReport is the outcome of one decay pass.
type DecayReport struct {
	Updated   int `json:"updated"`
	Forgotten int `json:"forgotten"`
}

// GraphStore is the persistence contract. Every operation names the
// owning user and fails closed: an empty user_id is an error, never a
// wildcard.
type GraphStore interface {
	UpsertFact(ctx context.Context, f Fact) error
	Search(ctx context.Context, userID string, opts SearchOptions) ([]Fact, error)
	// Cluster groups a user's unclustered facts into concept nodes.
	Cluster(ctx context.Context, userID string) (ClusterReport, error)
	// Summarize writes one summary fact per eligible session.
	Summarize(ctx context.Context, userID string) (SummaryReport, error)
	// Decay ages importance and forgets what fell below threshold.
	Decay(ctx context.Context, userID string) (DecayReport, error)
	// Users lists user ids present in the graph, for maintenance.
	Users(ctx context.Context) ([]string, error)
	Close(ctx context.Context) error
}

func requireUser(userID string) error {
	if userID == "" {
		return fault.New(fault.KindInvalidArguments, "memory operations require a user_id")
	}
	return nil
}

// Decay parameters shared by backends, matching the forgetting curve
// the service was tuned with.
const (
	decayMinImportance = 0.15
	decayFloor         = 0.2
	accessBoostPer10   = 0.05
	maxImportance      = 1.0
)

// decayFactor maps age to a retention multiplier.
func decayFactor(age time.Duration) float64 {
	days := age.Hours() / 24
	switch {
	case days <= 1:
		return 1.0
	case days <= 7:
		return 0.9
	case days <= 30:
		return 0.7
	case days <= 90:
		return 0.5
	case days <= 365:
		return 0.3
	default:
		return decayFloor
	}
}

// decayedImportance applies the curve plus an access-frequency boost.
func decayedImportance(base float64, age time.Duration, accessCount int) float64 {
	v := base * decayFactor(age)
	v += float64(accessCount) / 10 * accessBoostPer10
	if v > maxImportance {
		v = maxImportance
	}
	return v
}
