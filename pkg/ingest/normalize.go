package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shardforge/syncengine/pkg/conversion"
	"github.com/shardforge/syncengine/pkg/queue"
	"github.com/shardforge/syncengine/pkg/shard"
	"github.com/shardforge/syncengine/pkg/tenant"
)

// NormalizeWorker consumes raw ingestion events, runs them through the
// conversion engine, and upserts the resulting shard (spec §4.5). Unlike
// PullWorker, it is not session-partitioned: idempotency comes from the
// dedup-keyed upsert rather than ordered delivery.
type NormalizeWorker struct {
	DB      *pgxpool.Pool
	Store   *shard.Store
	Schemas conversion.SchemaStore
	Queue   *queue.Queue // consumes ingestion-events
	Next    *queue.Queue // publishes enrichment-jobs

	Logger *slog.Logger
}

// NewNormalizeWorker constructs a NormalizeWorker.
func NewNormalizeWorker(db *pgxpool.Pool, store *shard.Store, q, next *queue.Queue, logger *slog.Logger) *NormalizeWorker {
	return &NormalizeWorker{DB: db, Store: store, Queue: q, Next: next, Logger: logger}
}

// Run consumes raw ingestion events until ctx is cancelled, skipping
// scheduled-sync trigger messages that share the same stream.
func (n *NormalizeWorker) Run(ctx context.Context, consumerName string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := n.Queue.Consume(ctx, consumerName, 16, 5*time.Second)
		if err != nil {
			n.Logger.Error("normalize: consuming", "error", err)
			continue
		}
		for _, msg := range msgs {
			if err := n.handle(ctx, msg); err != nil {
				n.Logger.Error("normalize: handling event", "error", err)
				continue
			}
			if err := n.Queue.Ack(ctx, msg.ID); err != nil {
				n.Logger.Error("normalize: acking", "error", err)
			}
		}
	}
}

func (n *NormalizeWorker) handle(ctx context.Context, msg queue.Message) error {
	var ev IngestionEvent
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		return fmt.Errorf("decoding ingestion event: %w", err)
	}
	if ev.ExternalID == "" {
		return nil // a scheduled-pull trigger message, not a raw record
	}

	tenantID, err := uuid.Parse(ev.TenantID)
	if err != nil {
		return fmt.Errorf("parsing tenant id: %w", err)
	}

	t, err := tenant.LookupByID(ctx, n.DB, tenantID)
	if err != nil {
		return fmt.Errorf("resolving tenant %s: %w", tenantID, err)
	}

	conn, err := n.DB.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, "SET search_path = "+t.Schema+", public"); err != nil {
		return err
	}

	schema, err := n.Schemas.Get(ctx, conn, ev.ProviderID, ev.Entity)
	if err != nil {
		return fmt.Errorf("loading conversion schema for %s/%s: %w", ev.ProviderID, ev.Entity, err)
	}

	lookup := func(externalType, externalID string) (string, bool) {
		s, err := n.Store.FindByExternalID(ctx, conn, shard.DedupKey{
			TenantID: tenantID, ProviderID: ev.ProviderID, ExternalType: externalType, ExternalID: externalID,
		})
		if err != nil {
			return "", false
		}
		return s.ID.String(), true
	}

	dedupKey := shard.DedupKey{TenantID: tenantID, ProviderID: ev.ProviderID, ExternalType: ev.Entity, ExternalID: ev.ExternalID}
	existing, err := n.Store.FindByExternalID(ctx, conn, dedupKey)
	if err != nil && !errors.Is(err, shard.ErrNotFound) {
		return fmt.Errorf("looking up existing shard: %w", err)
	}

	if ev.Deleted {
		if existing == nil {
			return nil
		}
		switch schema.OnMissing {
		case "delete":
			return n.Store.SoftDelete(ctx, conn, tenantID, existing.ID, "ingestion:"+ev.ProviderID)
		case "ignore":
			return nil
		default: // "archive" or unset
			existing.Status = shard.StatusArchived
			return n.Store.Update(ctx, conn, existing)
		}
	}

	result, err := conversion.Convert(schema, ev.Fields, lookup)
	if err != nil {
		return fmt.Errorf("converting %s/%s record %s: %w", ev.ProviderID, ev.Entity, ev.ExternalID, err)
	}

	binding := shard.ExternalRelationship{
		System:        ev.ProviderID,
		SystemType:    ev.Entity,
		ExternalID:    ev.ExternalID,
		LastSyncedAt:  ev.ObservedAt,
		SyncStatus:    shard.SyncSynced,
		SyncDirection: shard.DirectionPull,
	}

	var s *shard.Shard
	if existing != nil {
		existing.StructuredData = result.StructuredData
		existing.Status = shard.StatusActive
		existing.ExternalRelationships = upsertBinding(existing.ExternalRelationships, binding)
		s = existing
		if err := n.Store.Update(ctx, conn, s); err != nil {
			return fmt.Errorf("updating shard %s: %w", s.ID, err)
		}
	} else {
		s = &shard.Shard{
			TenantID:              tenantID,
			ShardTypeID:           schema.ShardTypeID,
			StructuredData:        result.StructuredData,
			ExternalRelationships: []shard.ExternalRelationship{binding},
		}
		if name, ok := result.StructuredData["name"].(string); ok {
			s.Name = name
		}
		if err := n.Store.Create(ctx, conn, s); err != nil {
			return fmt.Errorf("creating shard: %w", err)
		}
	}

	if n.Next != nil {
		job := EnrichmentJob{TenantID: tenantID.String(), ShardID: s.ID.String()}
		sessionKey := fmt.Sprintf("%s:%s", tenantID, s.ID)
		if _, err := n.Next.Publish(ctx, sessionKey, job); err != nil {
			return fmt.Errorf("enqueueing enrichment job: %w", err)
		}
	}
	return nil
}

func upsertBinding(bindings []shard.ExternalRelationship, next shard.ExternalRelationship) []shard.ExternalRelationship {
	for i, b := range bindings {
		if b.System == next.System && b.SystemType == next.SystemType && b.ExternalID == next.ExternalID {
			bindings[i] = next
			return bindings
		}
	}
	return append(bindings, next)
}
