package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/promethea/promethea/internal/config"
)

// Neo4jStore persists the memory graph in Neo4j. Nodes carry a
// user_id property and every query filters on it; cross-user reads
// are structurally impossible.
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
	now      func() time.Time
}

func NewNeo4jStore(ctx context.Context, cfg config.Neo4jConfig) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connect: %w", err)
	}
	s := &Neo4jStore{driver: driver, database: cfg.Database, now: time.Now}
	if err := s.ensureIndexes(ctx); err != nil {
		driver.Close(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Neo4jStore) ensureIndexes(ctx context.Context) error {
	statements := []string{
		`CREATE CONSTRAINT memory_id IF NOT EXISTS FOR (m:Memory) REQUIRE m.id IS UNIQUE`,
		`CREATE INDEX memory_user IF NOT EXISTS FOR (m:Memory) ON (m.user_id)`,
		`CREATE INDEX memory_user_layer IF NOT EXISTS FOR (m:Memory) ON (m.user_id, m.layer)`,
		`CREATE CONSTRAINT graph_user_id IF NOT EXISTS FOR (u:User) REQUIRE u.id IS UNIQUE`,
	}
	for _, stmt := range statements {
		if _, err := s.run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("neo4j index: %w", err)
		}
	}
	return nil
}

func (s *Neo4jStore) run(ctx context.Context, cypher string, params map[string]any) (*neo4j.EagerResult, error) {
	return neo4j.ExecuteQuery(ctx, s.driver, cypher, params,
		neo4j.EagerResultTransformer, neo4j.ExecuteQueryWithDatabase(s.database))
}

func (s *Neo4jStore) UpsertFact(ctx context.Context, f Fact) error {
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
	now := s.now().UTC()

	_, err := s.run(ctx, `
		MERGE (u:User {id: $user_id})
		MERGE (m:Memory {user_id: $user_id, session_id: $session_id, content: $content})
		ON CREATE SET
			m.id = $id, m.layer = $layer,
			m.subject = $subject, m.predicate = $predicate, m.object = $object,
			m.keywords = $keywords, m.importance = $importance,
			m.access_count = 0, m.created_at = $now, m.last_access = $now,
			m.clustered = false
		ON MATCH SET
			m.access_count = m.access_count + 1, m.last_access = $now
		MERGE (m)-[:OWNED_BY]->(u)`,
		map[string]any{
			"id": f.ID, "user_id": f.UserID, "session_id": f.SessionID,
			"layer": string(f.Layer), "content": f.Content,
			"subject": f.Subject, "predicate": f.Predicate, "object": f.Object,
			"keywords": f.Keywords, "importance": f.Importance, "now": now,
		})
	if err != nil {
		return fmt.Errorf("upsert fact: %w", err)
	}
	return nil
}

func (s *Neo4jStore) Search(ctx context.Context, userID string, opts SearchOptions) ([]Fact, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = 5
	}
	terms := make([]string, 0, len(opts.Terms))
	for _, t := range opts.Terms {
		terms = append(terms, strings.ToLower(t))
	}

	var cutoff any
	if opts.RecentDays > 0 {
		cutoff = s.now().UTC().AddDate(0, 0, -opts.RecentDays)
	}

	result, err := s.run(ctx, `
		MATCH (m:Memory {user_id: $user_id})
		WHERE
			(m.layer <> 'fact' OR (
				m.session_id <> $exclude_session
				AND ($cutoff IS NULL OR m.created_at >= $cutoff)
				AND (
					size($terms) = 0
					OR any(t IN $terms WHERE toLower(m.content) CONTAINS t)
					OR any(t IN $terms WHERE t IN [kw IN coalesce(m.keywords, []) | toLower(kw)])
				)
			))
		SET m.access_count = m.access_count + 1, m.last_access = $now
		WITH m
		ORDER BY m.importance DESC, m.created_at DESC
		RETURN m.id AS id, m.session_id AS session_id, m.layer AS layer,
		       m.content AS content, m.keywords AS keywords,
		       m.importance AS importance, m.access_count AS access_count,
		       m.created_at AS created_at`,
		map[string]any{
			"user_id": userID, "terms": terms,
			"exclude_session": opts.ExcludeSession,
			"cutoff":          cutoff, "now": s.now().UTC(),
		})
	if err != nil {
		return nil, fmt.Errorf("memory search: %w", err)
	}

	perLayer := map[Layer]int{}
	var out []Fact
	for _, record := range result.Records {
		f := recordToFact(record, userID)
		if perLayer[f.Layer] >= topK {
			continue
		}
		perLayer[f.Layer]++
		out = append(out, f)
	}
	return out, nil
}

func recordToFact(record *neo4j.Record, userID string) Fact {
	f := Fact{UserID: userID}
	if v, ok := record.Get("id"); ok {
		f.ID, _ = v.(string)
	}
	if v, ok := record.Get("session_id"); ok {
		f.SessionID, _ = v.(string)
	}
	if v, ok := record.Get("layer"); ok {
		if layer, ok := v.(string); ok {
			f.Layer = Layer(layer)
		}
	}
	if v, ok := record.Get("content"); ok {
		f.Content, _ = v.(string)
	}
	if v, ok := record.Get("keywords"); ok {
		if kws, ok := v.([]any); ok {
			for _, kw := range kws {
				if s, ok := kw.(string); ok {
					f.Keywords = append(f.Keywords, s)
				}
			}
		}
	}
	if v, ok := record.Get("importance"); ok {
		f.Importance, _ = v.(float64)
	}
	if v, ok := record.Get("access_count"); ok {
		if n, ok := v.(int64); ok {
			f.AccessCount = int(n)
		}
	}
	if v, ok := record.Get("created_at"); ok {
		if t, ok := v.(time.Time); ok {
			f.CreatedAt = t
		}
	}
	return f
}

// Cluster groups unclustered facts sharing a leading keyword into
// concept nodes, graph-side.
func (s *Neo4jStore) Cluster(ctx context.Context, userID string) (ClusterReport, error) {
	if err := requireUser(userID); err != nil {
		return ClusterReport{}, err
	}

	result, err := s.run(ctx, `
		MATCH (m:Memory {user_id: $user_id, layer: 'fact'})
		WHERE m.clustered = false AND size(coalesce(m.keywords, [])) > 0
		WITH toLower(m.keywords[0]) AS topic, collect(m) AS members
		WHERE size(members) >= 2
		CREATE (c:Memory {
			id: randomUUID(), user_id: $user_id, session_id: '',
			layer: 'concept', content: topic + ': ' +
				reduce(acc = '', m IN members | acc + CASE acc WHEN '' THEN '' ELSE '; ' END + m.content),
			keywords: [topic],
			importance: reduce(acc = 0.0, m IN members | acc + m.importance) / size(members) + 0.1,
			access_count: 0, created_at: $now, last_access: $now, clustered: true
		})
		WITH c, members
		MERGE (u:User {id: $user_id})
		MERGE (c)-[:OWNED_BY]->(u)
		FOREACH (m IN members |
			SET m.clustered = true
			MERGE (c)-[:DERIVED_FROM]->(m))
		RETURN count(c) AS concepts, reduce(acc = 0, x IN collect(size(members)) | acc + x) AS facts`,
		map[string]any{"user_id": userID, "now": s.now().UTC()})
	if err != nil {
		return ClusterReport{}, fmt.Errorf("memory cluster: %w", err)
	}

	report := ClusterReport{}
	if len(result.Records) > 0 {
		if v, ok := result.Records[0].Get("concepts"); ok {
			if n, ok := v.(int64); ok {
				report.Concepts = int(n)
			}
		}
		if v, ok := result.Records[0].Get("facts"); ok {
			if n, ok := v.(int64); ok {
				report.Facts = int(n)
			}
		}
	}
	return report, nil
}

// Summarize digests each session with enough unsummarized facts into a
// summary node.
func (s *Neo4jStore) Summarize(ctx context.Context, userID string) (SummaryReport, error) {
	if err := requireUser(userID); err != nil {
		return SummaryReport{}, err
	}

	result, err := s.run(ctx, `
		MATCH (m:Memory {user_id: $user_id, layer: 'fact'})
		WHERE m.session_id <> '' AND NOT EXISTS {
			MATCH (sum:Memory {user_id: $user_id, layer: 'summary', session_id: m.session_id})
			WHERE sum.created_at >= m.created_at
		}
		WITH m.session_id AS sid, collect(m) AS facts
		WITH sid, facts WHERE size(facts) >= 3
		WITH sid, facts,
			[f IN facts | f.content][0] AS head,
			[f IN facts | f.content][size(facts) - 1] AS tail
		CREATE (sum:Memory {
			id: randomUUID(), user_id: $user_id, session_id: sid,
			layer: 'summary', content: head + ' ... ' + tail,
			keywords: [], importance: 0.8,
			access_count: 0, created_at: $now, last_access: $now, clustered: true
		})
		WITH sum
		MERGE (u:User {id: $user_id})
		MERGE (sum)-[:OWNED_BY]->(u)
		RETURN count(sum) AS summaries`,
		map[string]any{"user_id": userID, "now": s.now().UTC()})
	if err != nil {
		return SummaryReport{}, fmt.Errorf("memory summarize: %w", err)
	}

	report := SummaryReport{}
	if len(result.Records) > 0 {
		if v, ok := result.Records[0].Get("summaries"); ok {
			if n, ok := v.(int64); ok {
				report.Summaries = int(n)
				report.Sessions = int(n)
			}
		}
	}
	return report, nil
}

func (s *Neo4jStore) Decay(ctx context.Context, userID string) (DecayReport, error) {
	if err := requireUser(userID); err != nil {
		return DecayReport{}, err
	}
	now := s.now().UTC()

	result, err := s.run(ctx, `
		MATCH (m:Memory {user_id: $user_id})
		WITH m, duration.between(m.created_at, $now).days AS age_days
		WITH m,
			CASE
				WHEN age_days <= 1 THEN 1.0
				WHEN age_days <= 7 THEN 0.9
				WHEN age_days <= 30 THEN 0.7
				WHEN age_days <= 90 THEN 0.5
				WHEN age_days <= 365 THEN 0.3
				ELSE 0.2
			END AS factor
		WITH m, m.importance * factor + m.access_count / 10.0 * 0.05 AS raw
		WITH m, CASE WHEN raw > 1.0 THEN 1.0 ELSE raw END AS aged
		SET m.importance = aged
		WITH m WHERE m.importance < $min_importance
		DETACH DELETE m
		RETURN count(*) AS forgotten`,
		map[string]any{"user_id": userID, "now": now, "min_importance": decayMinImportance})
	if err != nil {
		return DecayReport{}, fmt.Errorf("memory decay: %w", err)
	}

	report := DecayReport{}
	if len(result.Records) > 0 {
		if v, ok := result.Records[0].Get("forgotten"); ok {
			if n, ok := v.(int64); ok {
				report.Forgotten = int(n)
			}
		}
	}
	return report, nil
}

func (s *Neo4jStore) Users(ctx context.Context) ([]string, error) {
	result, err := s.run(ctx, `MATCH (u:User) RETURN u.id AS id ORDER BY id`, nil)
	if err != nil {
		return nil, fmt.Errorf("memory users: %w", err)
	}
	users := make([]string, 0, len(result.Records))
	for _, record := range result.Records {
		if v, ok := record.Get("id"); ok {
			if id, ok := v.(string); ok {
				users = append(users, id)
			}
		}
	}
	return users, nil
}

func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}
