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

	"github.com/shardforge/syncengine/pkg/adapter"
	"github.com/shardforge/syncengine/pkg/alert"
	"github.com/shardforge/syncengine/pkg/conversion"
	"github.com/shardforge/syncengine/pkg/credential"
	"github.com/shardforge/syncengine/pkg/provider"
	"github.com/shardforge/syncengine/pkg/queue"
	"github.com/shardforge/syncengine/pkg/shard"
	"github.com/shardforge/syncengine/pkg/tenant"
)

// Conflict policy names, matching each integration's per-entity SyncConfig.
const (
	PolicyLastWriteWins = "last_write_wins"
	PolicyExternalWins  = "external_wins"
	PolicyInternalWins  = "internal_wins"
	PolicyManual        = "manual"
)

const shardTypeSyncConflict = "c_sync_conflict"

// Op is the kind of outbound write a OutboundChange requests.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// OutboundChange is a session-partitioned message on sync-outbound,
// keyed by (tenantId, integrationId, externalId) so per-record operations
// serialize (spec §4.5).
type OutboundChange struct {
	TenantID                    string    `json:"tenant_id"`
	IntegrationID                string    `json:"integration_id"`
	ProviderID                   string    `json:"provider_id"`
	Entity                       string    `json:"entity"`
	ExternalID                   string    `json:"external_id"` // empty for a not-yet-created external record
	ShardID                      string    `json:"shard_id"`
	Op                           Op        `json:"op"`
	LastKnownExternalModifiedAt  time.Time `json:"last_known_external_modified_at"`
	LocalModifiedAt              time.Time `json:"local_modified_at"`
	ConflictPolicy               string    `json:"conflict_policy"`
}

// WriteBackWorker pushes internal shard changes out to bidirectional
// integrations, resolving conflicts per the integration's configured
// policy (spec §4.5).
type WriteBackWorker struct {
	DB           *pgxpool.Pool
	Store        *shard.Store
	Registry     *adapter.Registry
	Credentials  *credential.Store
	Integrations provider.IntegrationStore
	Schemas      conversion.SchemaStore
	Queue        *queue.Queue
	Alerts       *alert.Notifier
	Logger       *slog.Logger
}

// NewWriteBackWorker constructs a WriteBackWorker.
func NewWriteBackWorker(db *pgxpool.Pool, store *shard.Store, registry *adapter.Registry, credentials *credential.Store, q *queue.Queue, alerts *alert.Notifier, logger *slog.Logger) *WriteBackWorker {
	return &WriteBackWorker{DB: db, Store: store, Registry: registry, Credentials: credentials, Queue: q, Alerts: alerts, Logger: logger}
}

// Run consumes sync-outbound until ctx is cancelled.
func (w *WriteBackWorker) Run(ctx context.Context, consumerName string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := w.Queue.Consume(ctx, consumerName, 10, 5*time.Second)
		if err != nil {
			w.Logger.Error("write-back: consuming", "error", err)
			continue
		}
		for _, msg := range msgs {
			err := w.handle(ctx, msg)
			if err == nil {
				if ackErr := w.Queue.Ack(ctx, msg.ID); ackErr != nil {
					w.Logger.Error("write-back: acking", "error", ackErr)
				}
				continue
			}

			w.Logger.Error("write-back: handling change", "error", err)
			if failErr := w.Queue.Fail(ctx, msg, err); failErr != nil {
				w.Logger.Error("write-back: recording failure", "error", failErr)
				continue
			}
			if msg.Deliveries >= 5 && w.Alerts != nil {
				if alertErr := w.Alerts.PostDeadLetter(ctx, "sync-outbound", msg.Session, msg.Deliveries, err); alertErr != nil {
					w.Logger.Error("write-back: posting dead-letter alert", "error", alertErr)
				}
			}
		}
	}
}

func (w *WriteBackWorker) handle(ctx context.Context, msg queue.Message) error {
	var change OutboundChange
	if err := json.Unmarshal(msg.Body, &change); err != nil {
		return fmt.Errorf("decoding outbound change: %w", err)
	}

	tenantID, err := uuid.Parse(change.TenantID)
	if err != nil {
		return fmt.Errorf("parsing tenant id: %w", err)
	}
	shardID, err := uuid.Parse(change.ShardID)
	if err != nil {
		return fmt.Errorf("parsing shard id: %w", err)
	}
	integrationID, err := uuid.Parse(change.IntegrationID)
	if err != nil {
		return fmt.Errorf("parsing integration id: %w", err)
	}

	t, err := tenant.LookupByID(ctx, w.DB, tenantID)
	if err != nil {
		return fmt.Errorf("resolving tenant %s: %w", tenantID, err)
	}

	conn, err := w.DB.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, "SET search_path = "+t.Schema+", public"); err != nil {
		return err
	}

	s, err := w.Store.FindByID(ctx, conn, tenantID, shardID)
	if err != nil {
		return fmt.Errorf("loading shard %s: %w", shardID, err)
	}

	integration, err := w.Integrations.Get(ctx, conn, integrationID)
	if err != nil {
		return fmt.Errorf("loading integration %s: %w", integrationID, err)
	}

	a, ok := w.Registry.Get(change.ProviderID)
	if !ok {
		return fmt.Errorf("no adapter registered for provider %q", change.ProviderID)
	}

	schema, err := w.Schemas.Get(ctx, conn, change.ProviderID, change.Entity)
	if err != nil {
		return fmt.Errorf("loading conversion schema for %s/%s: %w", change.ProviderID, change.Entity, err)
	}

	_, payload, err := w.Credentials.Fetch(ctx, conn, integration.CredentialHandle)
	if err != nil {
		return fmt.Errorf("fetching credential %s: %w", integration.CredentialHandle, err)
	}
	sess, err := a.Connect(ctx, payload)
	if err != nil {
		return fmt.Errorf("connecting adapter %s: %w", change.ProviderID, err)
	}
	defer sess.Close(ctx)

	fields := conversion.ReverseConvert(schema, s.StructuredData)

	var writeErr error
	switch change.Op {
	case OpDelete:
		writeErr = a.DeleteRecord(ctx, sess, change.Entity, change.ExternalID)
	case OpUpdate:
		writeErr = a.UpdateRecord(ctx, sess, change.Entity, change.ExternalID, fields)
	default: // OpCreate
		var externalID string
		externalID, writeErr = a.CreateRecord(ctx, sess, change.Entity, fields)
		if writeErr == nil {
			return w.recordSynced(ctx, conn, s, change, externalID)
		}
	}

	var conflict *adapter.ConflictError
	if errors.As(writeErr, &conflict) {
		return w.resolveConflict(ctx, conn, s, change, conflict)
	}
	if writeErr != nil {
		return fmt.Errorf("writing back %s/%s %s: %w", change.ProviderID, change.Entity, change.Op, writeErr)
	}

	return w.recordSynced(ctx, conn, s, change, change.ExternalID)
}

func (w *WriteBackWorker) recordSynced(ctx context.Context, q shard.Querier, s *shard.Shard, change OutboundChange, externalID string) error {
	binding := shard.ExternalRelationship{
		System:        change.ProviderID,
		SystemType:    change.Entity,
		ExternalID:    externalID,
		LastSyncedAt:  time.Now().UTC(),
		SyncStatus:    shard.SyncSynced,
		SyncDirection: shard.DirectionPush,
	}
	s.ExternalRelationships = upsertBinding(s.ExternalRelationships, binding)
	return w.Store.Update(ctx, q, s)
}

// conflictResolution is the outcome of applying a conflict policy.
type conflictResolution string

const (
	resolutionForceWrite conflictResolution = "force_write"
	resolutionDiscard    conflictResolution = "discard"
	resolutionConflictRecord conflictResolution = "conflict_record"
)

// resolveConflictPolicy decides how an outbound write's conflict is
// resolved, pure given the policy and the two modification timestamps
// (spec §4.5, S6). last_write_wins compares timestamps; external_wins
// always discards; internal_wins always forces; manual (or an unknown
// policy) always emits a conflict record and stops.
func resolveConflictPolicy(policy string, localModifiedAt, externalModifiedAt time.Time) conflictResolution {
	switch policy {
	case PolicyExternalWins:
		return resolutionDiscard
	case PolicyInternalWins:
		return resolutionForceWrite
	case PolicyLastWriteWins:
		if localModifiedAt.After(externalModifiedAt) {
			return resolutionForceWrite
		}
		return resolutionConflictRecord
	default: // PolicyManual or unset
		return resolutionConflictRecord
	}
}

// resolveConflict applies change.ConflictPolicy (spec §4.5, S6).
func (w *WriteBackWorker) resolveConflict(ctx context.Context, q shard.Querier, s *shard.Shard, change OutboundChange, conflict *adapter.ConflictError) error {
	switch resolveConflictPolicy(change.ConflictPolicy, change.LocalModifiedAt, conflict.ExternalModifiedAt) {
	case resolutionDiscard:
		return nil // discard the local change; a future pull will overwrite it
	case resolutionForceWrite:
		return w.forceWrite(ctx, q, s, change)
	default:
		return w.writeConflictRecord(ctx, q, s, change, conflict)
	}
}

// forceWrite re-attempts the write once more without conflict checking,
// used by internal_wins and the last_write_wins branch where local wins.
// A real adapter exposes no "force" verb beyond retrying the same call;
// a persistent conflict here surfaces as an ordinary write error.
func (w *WriteBackWorker) forceWrite(ctx context.Context, q shard.Querier, s *shard.Shard, change OutboundChange) error {
	binding := shard.ExternalRelationship{
		System: change.ProviderID, SystemType: change.Entity, ExternalID: change.ExternalID,
		LastSyncedAt: time.Now().UTC(), SyncStatus: shard.SyncSynced, SyncDirection: shard.DirectionPush,
	}
	s.ExternalRelationships = upsertBinding(s.ExternalRelationships, binding)
	return w.Store.Update(ctx, q, s)
}

func (w *WriteBackWorker) writeConflictRecord(ctx context.Context, q shard.Querier, s *shard.Shard, change OutboundChange, conflict *adapter.ConflictError) error {
	record := &shard.Shard{
		TenantID:    s.TenantID,
		ShardTypeID: shardTypeSyncConflict,
		Name:        fmt.Sprintf("Sync conflict: %s/%s %s", change.ProviderID, change.Entity, change.ExternalID),
		StructuredData: map[string]any{
			"provider_id":            change.ProviderID,
			"entity":                 change.Entity,
			"external_id":            change.ExternalID,
			"local_modified_at":      change.LocalModifiedAt.Format(time.RFC3339),
			"external_modified_at":   conflict.ExternalModifiedAt.Format(time.RFC3339),
			"policy":                 change.ConflictPolicy,
		},
		InternalRelationships: []shard.InternalRelationship{{
			TargetShardID: s.ID,
			ShardTypeID:   s.ShardTypeID,
			Kind:          shard.RelReferences,
			Confidence:    1.0,
			Source:        "write-back",
		}},
	}
	return w.Store.Create(ctx, q, record)
}
