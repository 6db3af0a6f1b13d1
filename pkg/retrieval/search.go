package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shardforge/syncengine/internal/telemetry"
	"github.com/shardforge/syncengine/pkg/governance"
	"github.com/shardforge/syncengine/pkg/project"
	"github.com/shardforge/syncengine/pkg/shard"
)

// metricSampleEvery is the spec's "record a metric every N=100 searches".
const metricSampleEvery = 100

// overFetchFactor widens the raw vector-query limit so ACL and provenance
// filtering still has enough candidates to fill topK.
const overFetchFactor = 3

// Filter scopes a search, mirroring spec §4.8 step 2-3.
type Filter struct {
	ProjectID               *uuid.UUID
	ProjectParams           project.Params
	ShardTypeID             string
	AllowTenantWideFallback bool
}

// Citation identifies the external/source origin of a hit for RAG consumers.
type Citation struct {
	SourceID   string `json:"source_id"`
	SourceType string `json:"source_type"`
	Title      string `json:"title"`
	URL        string `json:"url,omitempty"`
	Excerpt    string `json:"excerpt"`
}

// Freshness reports how current a hit's content is.
type Freshness struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	AgeDays   int       `json:"age_days"`
}

// Hit is one scored, enriched search result.
type Hit struct {
	Shard     *shard.Shard `json:"shard"`
	Score     float64      `json:"score"`
	Citation  Citation     `json:"citation"`
	Freshness Freshness    `json:"freshness"`
}

// Engine answers semanticSearch/hybridSearch requests.
type Engine struct {
	Store      *shard.Store
	Embeddings EmbeddingProvider
	Resolver   *project.Resolver
	ACL        *governance.ACL
	Metrics    *governance.MetricsStore

	mu           sync.Mutex
	searchCount  int64
	hitCount     int64
	scoreSum     float64
	projectCount int64
}

// NewEngine constructs a retrieval Engine.
func NewEngine(store *shard.Store, embeddings EmbeddingProvider, resolver *project.Resolver, acl *governance.ACL, metrics *governance.MetricsStore) *Engine {
	return &Engine{Store: store, Embeddings: embeddings, Resolver: resolver, ACL: acl, Metrics: metrics}
}

// SemanticSearch implements spec §4.8's semanticSearch.
func (e *Engine) SemanticSearch(ctx context.Context, q shard.Querier, tenantID uuid.UUID, principal, query string, filter Filter, topK int, minScore float64) ([]Hit, error) {
	hits, err := e.search(ctx, q, tenantID, principal, query, nil, filter, topK)
	if err != nil {
		return nil, err
	}
	if minScore > 0 {
		hits = filterByMinScore(hits, minScore)
	}
	e.recordSearch(ctx, q, "semantic", filter.ProjectID != nil, hits)
	return hits, nil
}

// HybridSearch implements spec §4.8's hybridSearch: a keyword filter first,
// then vector re-ranking of the surviving set.
func (e *Engine) HybridSearch(ctx context.Context, q shard.Querier, tenantID uuid.UUID, principal, query, keywordQuery string, filter Filter, topK int) ([]Hit, error) {
	hits, err := e.search(ctx, q, tenantID, principal, query, &keywordQuery, filter, topK)
	if err != nil {
		return nil, err
	}
	e.recordSearch(ctx, q, "hybrid", filter.ProjectID != nil, hits)
	return hits, nil
}

func (e *Engine) search(ctx context.Context, q shard.Querier, tenantID uuid.UUID, principal, query string, keywordQuery *string, filter Filter, topK int) ([]Hit, error) {
	if topK <= 0 {
		topK = 10
	}

	embedding, _, _, err := e.Embeddings.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	var scopeIDs []uuid.UUID
	if filter.ProjectID != nil {
		result, err := e.Resolver.Resolve(ctx, q, tenantID, *filter.ProjectID, filter.ProjectParams)
		if err != nil {
			return nil, fmt.Errorf("resolving project scope: %w", err)
		}
		for _, m := range result.Members {
			scopeIDs = append(scopeIDs, m.ShardID)
		}
		if len(scopeIDs) == 0 && !filter.AllowTenantWideFallback {
			// Per spec §4.8: an empty project scope returns empty rather
			// than silently broadening, unless the caller opts in.
			return nil, nil
		}
	}

	rows, err := e.queryCandidates(ctx, q, tenantID, embedding, scopeIDs, filter.ShardTypeID, keywordQuery, topK*overFetchFactor)
	if err != nil {
		return nil, err
	}

	var hits []Hit
	for _, row := range rows {
		if !row.Shard.CanRead(principal) {
			continue // ACL filtering, spec §4.8 step 4
		}
		if row.Shard.ShardTypeID == "c_insight_kpi" && !row.Shard.HasProvenance() {
			continue // provenance enforcement, spec §4.8 step 5
		}
		if e.ACL != nil {
			allowed, err := e.ACL.AllowRetrieval(ctx, row.Shard)
			if err != nil {
				return nil, fmt.Errorf("evaluating governance policy: %w", err)
			}
			if !allowed {
				continue
			}
		}
		hits = append(hits, toHit(row))
		if len(hits) >= topK {
			break
		}
	}
	return hits, nil
}

type candidateRow struct {
	Shard *shard.Shard
	Score float64
}

// queryCandidates executes the DB vector query: cosine distance between the
// query embedding and vectors[*].embedding, ordered ascending, restricted
// by tenantId, status=active, and optionally a project scope / shard type /
// keyword filter (spec §4.8 step 3, and the hybrid keyword pre-filter).
func (e *Engine) queryCandidates(ctx context.Context, q shard.Querier, tenantID uuid.UUID, embedding []float32, scopeIDs []uuid.UUID, shardTypeID string, keywordQuery *string, limit int) ([]candidateRow, error) {
	var b strings.Builder
	args := []any{tenantID, embedding}
	b.WriteString(`
		SELECT s.id, s.tenant_id, s.shard_type_id, s.name, s.structured_data, s.unstructured_data,
		       s.status, s.metadata, s.internal_relationships, s.external_relationships, s.acl,
		       (v.embedding <=> $2) AS distance
		FROM shards s
		JOIN LATERAL (
			SELECT embedding FROM shard_vectors WHERE shard_id = s.id ORDER BY embedding <=> $2 LIMIT 1
		) v ON true
		WHERE s.tenant_id = $1 AND s.status = 'active'`)

	if len(scopeIDs) > 0 {
		args = append(args, scopeIDs)
		b.WriteString(fmt.Sprintf(" AND s.id = ANY($%d)", len(args)))
	}
	if shardTypeID != "" {
		args = append(args, shardTypeID)
		b.WriteString(fmt.Sprintf(" AND s.shard_type_id = $%d", len(args)))
	}
	if keywordQuery != nil && *keywordQuery != "" {
		args = append(args, "%"+*keywordQuery+"%")
		b.WriteString(fmt.Sprintf(" AND (s.name ILIKE $%d OR s.unstructured_data ILIKE $%d)", len(args), len(args)))
	}

	args = append(args, limit)
	b.WriteString(fmt.Sprintf(" ORDER BY distance ASC LIMIT $%d", len(args)))

	rows, err := q.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("querying candidates: %w", err)
	}
	defer rows.Close()

	var out []candidateRow
	for rows.Next() {
		row, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func scanCandidate(rows pgx.Rows) (candidateRow, error) {
	var s shard.Shard
	var statusStr string
	var structured, metadata, internalRel, externalRel, acl []byte
	var distance float64

	if err := rows.Scan(
		&s.ID, &s.TenantID, &s.ShardTypeID, &s.Name, &structured, &s.UnstructuredData,
		&statusStr, &metadata, &internalRel, &externalRel, &acl,
		&distance,
	); err != nil {
		return candidateRow{}, fmt.Errorf("scanning candidate: %w", err)
	}
	s.Status = shard.Status(statusStr)

	if len(structured) > 0 {
		if err := json.Unmarshal(structured, &s.StructuredData); err != nil {
			return candidateRow{}, fmt.Errorf("decoding structured_data: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &s.Metadata); err != nil {
			return candidateRow{}, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	if len(internalRel) > 0 {
		if err := json.Unmarshal(internalRel, &s.InternalRelationships); err != nil {
			return candidateRow{}, fmt.Errorf("decoding internal_relationships: %w", err)
		}
	}
	if len(externalRel) > 0 {
		if err := json.Unmarshal(externalRel, &s.ExternalRelationships); err != nil {
			return candidateRow{}, fmt.Errorf("decoding external_relationships: %w", err)
		}
	}
	if len(acl) > 0 {
		if err := json.Unmarshal(acl, &s.ACL); err != nil {
			return candidateRow{}, fmt.Errorf("decoding acl: %w", err)
		}
	}
	return candidateRow{Shard: &s, Score: 1 - distance}, nil
}

func toHit(row candidateRow) Hit {
	s := row.Shard
	sourceType, sourceID, url := "", "", ""
	if len(s.ExternalRelationships) > 0 {
		ext := s.ExternalRelationships[0]
		sourceType = ext.SystemType
		sourceID = ext.ExternalID
	}

	age := int(time.Since(s.Metadata.UpdatedAt).Hours() / 24)
	return Hit{
		Shard: s,
		Score: row.Score,
		Citation: Citation{
			SourceID:   sourceID,
			SourceType: sourceType,
			Title:      s.Name,
			URL:        url,
			Excerpt:    excerpt(s.UnstructuredData, 280),
		},
		Freshness: Freshness{
			CreatedAt: s.Metadata.CreatedAt,
			UpdatedAt: s.Metadata.UpdatedAt,
			AgeDays:   age,
		},
	}
}

func excerpt(text string, maxLen int) string {
	text = strings.TrimSpace(text)
	if len(text) <= maxLen {
		return text
	}
	return text[:maxLen] + "…"
}

func filterByMinScore(hits []Hit, minScore float64) []Hit {
	var out []Hit
	for _, h := range hits {
		if h.Score >= minScore {
			out = append(out, h)
		}
	}
	return out
}

// recordSearch updates the running counters and, every metricSampleEvery
// searches, publishes hit ratio / average score / project-scope ratio
// (spec §4.8 step 7). It also persists one retrieval_metrics row per call
// so GET /metrics and GET /metrics/aggregated (spec §6) can answer
// historical range and percentile queries the in-process gauges can't.
func (e *Engine) recordSearch(ctx context.Context, q shard.Querier, kind string, projectScoped bool, hits []Hit) {
	telemetry.RetrievalSearchesTotal.WithLabelValues(kind).Inc()

	hit := len(hits) > 0
	var score float64
	if hit {
		score = hits[0].Score
	}
	if e.Metrics != nil {
		sample := governance.MetricSample{Kind: kind, Hit: hit, Score: score, ProjectScoped: projectScoped, RecordedAt: time.Now().UTC()}
		if err := e.Metrics.Record(ctx, q, sample); err != nil {
			telemetry.RetrievalMetricWriteErrors.Inc()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.searchCount++
	if hit {
		e.hitCount++
		e.scoreSum += score
	}
	if projectScoped {
		e.projectCount++
	}

	if e.searchCount%metricSampleEvery != 0 {
		return
	}

	telemetry.RetrievalHitRatio.Set(float64(e.hitCount) / float64(e.searchCount))
	if e.hitCount > 0 {
		telemetry.RetrievalAverageScore.Set(e.scoreSum / float64(e.hitCount))
	}
	telemetry.RetrievalProjectScopeRatio.Set(float64(e.projectCount) / float64(e.searchCount))
}
