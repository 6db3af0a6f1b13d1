package governance

import (
	"context"
	"fmt"
	"time"

	"github.com/shardforge/syncengine/pkg/shard"
)

// MetricSample is one sampled retrieval search, persisted so the metrics
// API can answer historical range and percentile queries that the
// in-process Prometheus gauges can't (spec §6).
type MetricSample struct {
	Kind          string    `json:"kind"` // semantic | hybrid
	Hit           bool      `json:"hit"`
	Score         float64   `json:"score"`
	ProjectScoped bool      `json:"project_scoped"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// AggregateResult is the outcome of a percentile query over a window.
type AggregateResult struct {
	Kind       string  `json:"kind"`
	Count      int     `json:"count"`
	Percentile float64 `json:"percentile"`
	Score      float64 `json:"score"`
}

// MetricsStore persists and queries retrieval_metrics rows.
type MetricsStore struct{}

// NewMetricsStore constructs a MetricsStore.
func NewMetricsStore() *MetricsStore {
	return &MetricsStore{}
}

// Record inserts one sampled search.
func (MetricsStore) Record(ctx context.Context, q shard.Querier, s MetricSample) error {
	const stmt = `
		INSERT INTO retrieval_metrics (kind, hit, score, project_scoped, recorded_at)
		VALUES ($1,$2,$3,$4,$5)`
	_, err := q.Exec(ctx, stmt, s.Kind, s.Hit, s.Score, s.ProjectScoped, s.RecordedAt)
	if err != nil {
		return fmt.Errorf("recording retrieval metric: %w", err)
	}
	return nil
}

// Query lists samples of the given kind (all kinds if empty) recorded
// within [from, to).
func (MetricsStore) Query(ctx context.Context, q shard.Querier, kind string, from, to time.Time) ([]MetricSample, error) {
	args := []any{from, to}
	stmt := `SELECT kind, hit, score, project_scoped, recorded_at FROM retrieval_metrics WHERE recorded_at >= $1 AND recorded_at < $2`
	if kind != "" {
		args = append(args, kind)
		stmt += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	stmt += " ORDER BY recorded_at ASC"

	rows, err := q.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("querying retrieval metrics: %w", err)
	}
	defer rows.Close()

	var out []MetricSample
	for rows.Next() {
		var s MetricSample
		if err := rows.Scan(&s.Kind, &s.Hit, &s.Score, &s.ProjectScoped, &s.RecordedAt); err != nil {
			return nil, fmt.Errorf("scanning retrieval metric: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Aggregate computes the requested percentile of hit scores for kind
// within [from, to), using Postgres's percentile_cont rather than pulling
// every row and sorting in Go.
func (MetricsStore) Aggregate(ctx context.Context, q shard.Querier, kind string, percentile float64, from, to time.Time) (AggregateResult, error) {
	const stmt = `
		SELECT count(*), coalesce(percentile_cont($1) WITHIN GROUP (ORDER BY score), 0)
		FROM retrieval_metrics
		WHERE kind = $2 AND hit = true AND recorded_at >= $3 AND recorded_at < $4`
	var count int
	var score float64
	row := q.QueryRow(ctx, stmt, percentile, kind, from, to)
	if err := row.Scan(&count, &score); err != nil {
		return AggregateResult{}, fmt.Errorf("aggregating retrieval metrics: %w", err)
	}
	return AggregateResult{Kind: kind, Count: count, Percentile: percentile, Score: score}, nil
}
