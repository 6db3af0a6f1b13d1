package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shardforge/syncengine/pkg/extractor"
	"github.com/shardforge/syncengine/pkg/provider"
	"github.com/shardforge/syncengine/pkg/queue"
	"github.com/shardforge/syncengine/pkg/retrieval"
	"github.com/shardforge/syncengine/pkg/shard"
	"github.com/shardforge/syncengine/pkg/tenant"
)

// EnrichmentJob is the message enqueued by the normalization worker for
// every shard it creates or updates.
type EnrichmentJob struct {
	TenantID string `json:"tenant_id"`
	ShardID  string `json:"shard_id"`
}

// sourceTrust is the per-category confidence ceiling applied to entities
// extracted from a shard, reflecting how reliable that source category's
// text tends to be for entity extraction.
var sourceTrust = map[provider.Category]float64{
	provider.CategoryCRM:       0.9,
	provider.CategoryMessaging: 0.5,
	provider.CategoryStorage:   0.6,
	provider.CategoryCatalog:   0.6,
}

const defaultSourceTrust = 0.6

// EnrichWorker consumes enrichment-jobs, extracting entity candidates from
// a shard's text and refreshing its embedding (spec §4.6, §4.8).
type EnrichWorker struct {
	DB         *pgxpool.Pool
	Store      *shard.Store
	Extractor  extractor.Extractor
	Embeddings retrieval.EmbeddingProvider
	Queue      *queue.Queue
	Logger     *slog.Logger
}

// NewEnrichWorker constructs an EnrichWorker.
func NewEnrichWorker(db *pgxpool.Pool, store *shard.Store, ext extractor.Extractor, embeddings retrieval.EmbeddingProvider, q *queue.Queue, logger *slog.Logger) *EnrichWorker {
	return &EnrichWorker{DB: db, Store: store, Extractor: ext, Embeddings: embeddings, Queue: q, Logger: logger}
}

// Run consumes enrichment jobs until ctx is cancelled.
func (e *EnrichWorker) Run(ctx context.Context, consumerName string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := e.Queue.Consume(ctx, consumerName, 16, 5*time.Second)
		if err != nil {
			e.Logger.Error("enrich: consuming", "error", err)
			continue
		}
		for _, msg := range msgs {
			if err := e.handle(ctx, msg); err != nil {
				e.Logger.Error("enrich: handling job", "error", err)
				continue
			}
			if err := e.Queue.Ack(ctx, msg.ID); err != nil {
				e.Logger.Error("enrich: acking", "error", err)
			}
		}
	}
}

func (e *EnrichWorker) handle(ctx context.Context, msg queue.Message) error {
	var job EnrichmentJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		return fmt.Errorf("decoding enrichment job: %w", err)
	}

	tenantID, err := uuid.Parse(job.TenantID)
	if err != nil {
		return fmt.Errorf("parsing tenant id: %w", err)
	}
	shardID, err := uuid.Parse(job.ShardID)
	if err != nil {
		return fmt.Errorf("parsing shard id: %w", err)
	}

	t, err := tenant.LookupByID(ctx, e.DB, tenantID)
	if err != nil {
		return fmt.Errorf("resolving tenant %s: %w", tenantID, err)
	}

	conn, err := e.DB.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, "SET search_path = "+t.Schema+", public"); err != nil {
		return err
	}

	s, err := e.Store.FindByID(ctx, conn, tenantID, shardID)
	if err != nil {
		return fmt.Errorf("loading shard %s: %w", shardID, err)
	}

	if err := e.extractEntities(ctx, conn, s); err != nil {
		e.Logger.Error("enrich: extracting entities", "shard", s.ID, "error", err)
	}

	if err := e.refreshEmbedding(ctx, s); err != nil {
		e.Logger.Error("enrich: refreshing embedding", "shard", s.ID, "error", err)
	}

	return e.Store.Update(ctx, conn, s)
}

func (e *EnrichWorker) extractEntities(ctx context.Context, q shard.Querier, s *shard.Shard) error {
	if e.Extractor == nil {
		return nil
	}
	text := s.Name + "\n" + s.UnstructuredData
	if text == "\n" {
		return nil
	}
	candidates, err := e.Extractor.Extract(ctx, text)
	if err != nil {
		return fmt.Errorf("extracting candidates: %w", err)
	}

	sourceCategory := categoryForExternalRelationships(s.ExternalRelationships)
	trust := sourceTrust[sourceCategory]
	if trust == 0 {
		trust = defaultSourceTrust
	}

	for _, c := range candidates {
		key := shard.DedupKey{TenantID: s.TenantID, ProviderID: "extracted", ExternalType: string(c.Kind), ExternalID: c.DedupKey()}
		entity, err := e.Store.FindByExternalID(ctx, q, key)
		if err != nil && !errors.Is(err, shard.ErrNotFound) {
			return fmt.Errorf("looking up entity shard: %w", err)
		}
		if entity == nil {
			entity = &shard.Shard{
				TenantID:    s.TenantID,
				ShardTypeID: entityShardType(c.Kind),
				Name:        c.Name,
				StructuredData: c.Attributes,
				ExternalRelationships: []shard.ExternalRelationship{{
					System: "extracted", SystemType: string(c.Kind), ExternalID: c.DedupKey(),
					SyncStatus: shard.SyncSynced, SyncDirection: shard.DirectionPull,
				}},
			}
			if err := e.Store.Create(ctx, q, entity); err != nil {
				return fmt.Errorf("creating entity shard: %w", err)
			}
		}

		confidence := math.Min(trust, c.Confidence)
		s.InternalRelationships = appendRelationshipIfMissing(s.InternalRelationships, shard.InternalRelationship{
			TargetShardID: entity.ID,
			ShardTypeID:   entity.ShardTypeID,
			Kind:          shard.RelMentions,
			Confidence:    confidence,
			Source:        "extracted",
		})
	}
	return nil
}

func (e *EnrichWorker) refreshEmbedding(ctx context.Context, s *shard.Shard) error {
	if e.Embeddings == nil {
		return nil
	}
	text := s.Name + "\n" + s.UnstructuredData
	if text == "\n" {
		return nil
	}
	vec, model, dims, err := e.Embeddings.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embedding shard text: %w", err)
	}
	s.Vectors = []shard.Vector{{
		Embedding:   vec,
		Model:       model,
		Dimensions:  dims,
		GeneratedAt: time.Now().UTC(),
	}}
	return nil
}

func entityShardType(kind extractor.EntityKind) string {
	switch kind {
	case extractor.EntityContact:
		return "c_contact"
	case extractor.EntityAccount:
		return "c_account"
	default:
		return "c_entity"
	}
}

func categoryForExternalRelationships(rels []shard.ExternalRelationship) provider.Category {
	if len(rels) == 0 {
		return ""
	}
	p, ok := provider.Lookup(rels[0].System)
	if !ok {
		return ""
	}
	return p.Category
}

func appendRelationshipIfMissing(rels []shard.InternalRelationship, next shard.InternalRelationship) []shard.InternalRelationship {
	for _, r := range rels {
		if r.TargetShardID == next.TargetShardID && r.Kind == next.Kind {
			return rels
		}
	}
	return append(rels, next)
}
