package memory

import (
	"context"
	"crypto/sha256"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/promethea/promethea/internal/config"
	"github.com/promethea/promethea/internal/observability"
	"github.com/promethea/promethea/pkg/models"
)

// EventEmitter is the bus surface the service needs.
type EventEmitter interface {
	Emit(ctx context.Context, eventType models.EventType, payload map[string]any)
}

const dedupWindow = 1024

// Service is the memory front door: a write-behind ingest queue, the
// recall gate, and the periodic maintenance loop. The turn engine
// never blocks on memory; ingest is asynchronous and recall has a hard
// timeout after which the turn proceeds without it.
type Service struct {
	store   GraphStore
	cfg     func() config.MemoryConfig
	log     *observability.Logger
	metrics *observability.Metrics
	emitter EventEmitter

	ingest chan models.MemoryCandidate

	// dedup is a bounded set of recently ingested exchange hashes.
	dedupMu   sync.Mutex
	dedupSet  map[[32]byte]struct{}
	dedupRing [dedupWindow][32]byte
	dedupPos  int

	cron *cron.Cron
	wg   sync.WaitGroup
	stop context.CancelFunc
}

// NewService wires the service; Start launches its workers.
func NewService(store GraphStore, cfg func() config.MemoryConfig, log *observability.Logger, metrics *observability.Metrics, emitter EventEmitter) *Service {
	buffer := cfg().IngestBuffer
	if buffer <= 0 {
		buffer = 256
	}
	return &Service{
		store:    store,
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
		emitter:  emitter,
		ingest:   make(chan models.MemoryCandidate, buffer),
		dedupSet: make(map[[32]byte]struct{}, dedupWindow),
	}
}

// Start launches the ingest worker and the maintenance schedule.
func (s *Service) Start(ctx context.Context) {
	ctx, s.stop = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case candidate := <-s.ingest:
				s.ingestOne(ctx, candidate)
			}
		}
	}()

	interval := s.cfg().MaintainInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	s.cron = cron.New()
	s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		s.Maintain(ctx)
	}))
	s.cron.Start()
}

// Stop drains the workers. Queued candidates not yet ingested are
// dropped; memory is best-effort by contract.
func (s *Service) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	if s.stop != nil {
		s.stop()
	}
	s.wg.Wait()
}

// Enqueue hands one committed exchange to the ingest worker. Never
// blocks: when the buffer is full the oldest pending exchange is shed
// and counted, keeping the newest.
func (s *Service) Enqueue(candidate models.MemoryCandidate) {
	if !s.cfg().Enabled {
		return
	}
	for {
		select {
		case s.ingest <- candidate:
			return
		default:
		}
		select {
		case old := <-s.ingest:
			s.countIngest("dropped")
			s.log.Warn(context.Background(), "memory ingest buffer full, shedding oldest exchange",
				"session_id", old.SessionID)
		default:
			// The worker drained the buffer in the meantime; retry the send.
		}
	}
}

func (s *Service) ingestOne(ctx context.Context, candidate models.MemoryCandidate) {
	if candidate.UserID == "" {
		s.countIngest("rejected")
		return
	}
	digest := sha256.Sum256([]byte(candidate.UserID + "\x00" + candidate.UserText + "\x00" + candidate.AssistantText))
	if s.seen(digest) {
		s.countIngest("duplicate")
		return
	}

	facts := []Fact{
		{
			UserID:    candidate.UserID,
			SessionID: candidate.SessionID,
			Content:   candidate.UserText,
			Keywords:  ExtractKeywords(candidate.UserText),
			CreatedAt: candidate.Timestamp,
		},
		{
			UserID:     candidate.UserID,
			SessionID:  candidate.SessionID,
			Content:    candidate.AssistantText,
			Keywords:   ExtractKeywords(candidate.AssistantText),
			Importance: 0.4,
			CreatedAt:  candidate.Timestamp,
		},
	}
	for _, f := range facts {
		if strings.TrimSpace(f.Content) == "" {
			continue
		}
		if err := s.store.UpsertFact(ctx, f); err != nil {
			s.countIngest("error")
			s.log.Warn(ctx, "memory ingest failed", "error", err, "session_id", candidate.SessionID)
			return
		}
	}
	s.countIngest("ok")
	if s.emitter != nil {
		s.emitter.Emit(ctx, models.EventMemorySaved, map[string]any{
			"user_id":    candidate.UserID,
			"session_id": candidate.SessionID,
		})
	}
}

func (s *Service) seen(digest [32]byte) bool {
	s.dedupMu.Lock()
	defer s.dedupMu.Unlock()
	if _, dup := s.dedupSet[digest]; dup {
		return true
	}
	// Ring-evict the oldest entry once the window is full.
	old := s.dedupRing[s.dedupPos]
	if _, ok := s.dedupSet[old]; ok {
		delete(s.dedupSet, old)
	}
	s.dedupRing[s.dedupPos] = digest
	s.dedupPos = (s.dedupPos + 1) % dedupWindow
	s.dedupSet[digest] = struct{}{}
	return false
}

// Recall builds the layered memory block for a prompt, or "" when
// recall is gated off, finds nothing, or runs out of time.
func (s *Service) Recall(ctx context.Context, userID, sessionID, query string) string {
	cfg := s.cfg()
	if !cfg.Enabled {
		return ""
	}
	minLen := cfg.Recall.MinQueryLen
	if minLen <= 0 {
		minLen = 6
	}
	if len([]rune(query)) < minLen && !HasAnaphora(query) {
		return ""
	}

	timeout := cfg.Recall.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	recallCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	terms := ExtractKeywords(query)
	facts, err := s.store.Search(recallCtx, userID, SearchOptions{
		Terms:          terms,
		TopK:           cfg.Recall.TopK,
		ExcludeSession: sessionID,
		RecentDays:     recallDays(len(terms), len(query)),
	})
	if err != nil {
		s.log.Warn(ctx, "memory recall failed, continuing without", "error", err)
		return ""
	}
	if len(facts) == 0 {
		return ""
	}

	block := formatRecall(facts)
	if s.emitter != nil {
		s.emitter.Emit(ctx, models.EventMemoryRecalled, map[string]any{
			"user_id":    userID,
			"session_id": sessionID,
			"hits":       len(facts),
		})
	}
	return block
}

// recallDays widens the lookback for richer queries.
func recallDays(termCount, queryLen int) int {
	switch {
	case termCount >= 3 || queryLen > 80:
		return 14
	case termCount >= 1 || queryLen > 20:
		return 7
	default:
		return 3
	}
}

func formatRecall(facts []Fact) string {
	var sb strings.Builder
	sb.WriteString("Relevant memories from earlier conversations:\n")
	headers := map[Layer]string{
		LayerSummary: "Summaries",
		LayerConcept: "Topics",
		LayerFact:    "Details",
	}
	for _, layer := range []Layer{LayerSummary, LayerConcept, LayerFact} {
		first := true
		for _, f := range facts {
			if f.Layer != layer {
				continue
			}
			if first {
				sb.WriteString(headers[layer] + ":\n")
				first = false
			}
			sb.WriteString("- " + f.Content + "\n")
		}
	}
	return sb.String()
}

// Maintain runs one cluster/summarize/decay pass over every user in
// the graph.
func (s *Service) Maintain(ctx context.Context) {
	users, err := s.store.Users(ctx)
	if err != nil {
		s.log.Warn(ctx, "memory maintenance skipped", "error", err)
		return
	}
	for _, userID := range users {
		if ctx.Err() != nil {
			return
		}
		if report, err := s.store.Cluster(ctx, userID); err != nil {
			s.log.Warn(ctx, "memory cluster failed", "user_id", userID, "error", err)
		} else if report.Concepts > 0 && s.emitter != nil {
			s.emitter.Emit(ctx, models.EventMemoryClusterDone, map[string]any{
				"user_id": userID, "concepts": report.Concepts, "facts": report.Facts,
			})
		}
		if report, err := s.store.Summarize(ctx, userID); err != nil {
			s.log.Warn(ctx, "memory summarize failed", "user_id", userID, "error", err)
		} else if report.Summaries > 0 && s.emitter != nil {
			s.emitter.Emit(ctx, models.EventMemorySummaryDone, map[string]any{
				"user_id": userID, "summaries": report.Summaries,
			})
		}
		if _, err := s.store.Decay(ctx, userID); err != nil {
			s.log.Warn(ctx, "memory decay failed", "user_id", userID, "error", err)
		}
	}
}

func (s *Service) countIngest(outcome string) {
	if s.metrics != nil {
		s.metrics.MemoryIngestTotal.WithLabelValues(outcome).Inc()
	}
}

// Store exposes the graph for the HTTP debug surface.
func (s *Service) Store() GraphStore { return s.store }
