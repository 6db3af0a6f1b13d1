package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/shardforge/syncengine/pkg/shard"
)

// Audit implements shard.AuditSink: every create/update produces a
// system.audit_log record capturing the actor, target, event kind, and a
// compact field-level change summary.
type Audit struct{}

// ChangeEntry is one field that differed between before and after.
type ChangeEntry struct {
	Path   string `json:"path"`
	Before any    `json:"before,omitempty"`
	After  any    `json:"after,omitempty"`
}

// RecordMutation implements shard.AuditSink.
func (Audit) RecordMutation(ctx context.Context, q shard.Querier, tenantID uuid.UUID, kind string, before, after *shard.Shard) error {
	var targetID uuid.UUID
	var actor string
	if after != nil {
		targetID = after.ID
		actor = after.Metadata.UpdatedBy
	} else if before != nil {
		targetID = before.ID
		actor = before.Metadata.UpdatedBy
	}

	changes := diffShards(before, after)
	changesJSON, err := json.Marshal(changes)
	if err != nil {
		return fmt.Errorf("marshaling audit changes: %w", err)
	}

	const stmt = `
		INSERT INTO audit_log (id, tenant_id, target_shard_id, event_kind, actor, changes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err = q.Exec(ctx, stmt, uuid.New(), tenantID, targetID, kind, actor, changesJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording audit mutation: %w", err)
	}
	return nil
}

// Entry is one row of the persisted audit trail, as returned by Query.
type Entry struct {
	ID            uuid.UUID     `json:"id"`
	TenantID      uuid.UUID     `json:"tenant_id"`
	TargetShardID uuid.UUID     `json:"target_shard_id"`
	EventKind     string        `json:"event_kind"`
	Actor         string        `json:"actor"`
	Changes       []ChangeEntry `json:"changes"`
	CreatedAt     time.Time     `json:"created_at"`
}

// QueryFilter narrows an audit trail lookup; zero-valued fields are
// unfiltered.
type QueryFilter struct {
	TargetShardID uuid.UUID
	Actor         string
	From, To      time.Time
	Limit         int
}

// Query lists audit_log rows matching filter, most recent first, used by
// GET /audit-trail (spec §6).
func (Audit) Query(ctx context.Context, q shard.Querier, tenantID uuid.UUID, filter QueryFilter) ([]Entry, error) {
	args := []any{tenantID}
	stmt := `SELECT id, tenant_id, target_shard_id, event_kind, actor, changes, created_at FROM audit_log WHERE tenant_id = $1`

	if filter.TargetShardID != uuid.Nil {
		args = append(args, filter.TargetShardID)
		stmt += fmt.Sprintf(" AND target_shard_id = $%d", len(args))
	}
	if filter.Actor != "" {
		args = append(args, filter.Actor)
		stmt += fmt.Sprintf(" AND actor = $%d", len(args))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		stmt += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		stmt += fmt.Sprintf(" AND created_at < $%d", len(args))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	stmt += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := q.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit trail: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var changesJSON []byte
		if err := rows.Scan(&e.ID, &e.TenantID, &e.TargetShardID, &e.EventKind, &e.Actor, &changesJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		if len(changesJSON) > 0 {
			if err := json.Unmarshal(changesJSON, &e.Changes); err != nil {
				return nil, fmt.Errorf("decoding audit changes: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// diffShards computes a field-level diff over structuredData only;
// unstructuredData and vectors are large blobs and are omitted per the
// audit record's "compact" requirement.
func diffShards(before, after *shard.Shard) []ChangeEntry {
	var changes []ChangeEntry

	var beforeData, afterData map[string]any
	if before != nil {
		beforeData = before.StructuredData
	}
	if after != nil {
		afterData = after.StructuredData
	}

	seen := map[string]bool{}
	for k := range beforeData {
		seen[k] = true
	}
	for k := range afterData {
		seen[k] = true
	}

	for k := range seen {
		bv := beforeData[k]
		av := afterData[k]
		if !reflect.DeepEqual(bv, av) {
			changes = append(changes, ChangeEntry{Path: k, Before: bv, After: av})
		}
	}
	return changes
}
