package shard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a shard lookup matches no row.
var ErrNotFound = errors.New("shard not found")

// ErrTenantViolation is returned when an operation's tenantId does not
// match the shard's immutable tenantId.
var ErrTenantViolation = errors.New("tenant violation")

// Redactor applies the tenant's redaction policy to a shard in place
// before it is persisted, returning the list of redacted field paths and
// the policy version applied. Implemented by pkg/governance.
type Redactor interface {
	Redact(ctx context.Context, q Querier, tenantID uuid.UUID, s *Shard) (paths []string, policyVersion int, err error)
}

// AuditSink records a create/update/softDelete/restore event as an
// audit_log row. Implemented by pkg/governance.
type AuditSink interface {
	RecordMutation(ctx context.Context, conn Querier, tenantID uuid.UUID, kind string, before, after *Shard) error
}

// ChangeEvent is emitted on every mutation for change-feed subscribers.
type ChangeEvent struct {
	TenantID uuid.UUID `json:"tenant_id"`
	ShardID  uuid.UUID `json:"shard_id"`
	Kind     string    `json:"kind"` // create | update | softDelete | restore | hardDelete
	Before   *Shard    `json:"before,omitempty"`
	After    *Shard    `json:"after,omitempty"`
}

// ChangeFeed publishes change events for downstream subscribers (insight
// engine, project auto-attachment worker, retrieval cache invalidation).
type ChangeFeed interface {
	Publish(ctx context.Context, ev ChangeEvent) error
}

// Querier is satisfied by both *pgxpool.Pool and *pgxpool.Conn, letting
// store methods run either on the pool or an already tenant-scoped
// connection pulled from the request context.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists shards within a tenant's schema.
type Store struct {
	Redactor   Redactor
	Audit      AuditSink
	ChangeFeed ChangeFeed

	// SoftDeleteTTL governs how long a soft-deleted shard remains
	// addressable by id before it is eligible for hard deletion; SoftDelete
	// applies it to every shard type. DocumentTTL is set by NewStore but
	// SoftDelete does not read it.
	SoftDeleteTTL time.Duration
	DocumentTTL   time.Duration
}

// NewStore constructs a Store with the spec's default TTLs.
func NewStore(redactor Redactor, audit AuditSink, feed ChangeFeed) *Store {
	return &Store{
		Redactor:      redactor,
		Audit:         audit,
		ChangeFeed:    feed,
		SoftDeleteTTL: 90 * 24 * time.Hour,
		DocumentTTL:   30 * 24 * time.Hour,
	}
}

// Create inserts a new shard, applying redaction and writing an audit
// record atomically, then publishes a change-feed event.
func (st *Store) Create(ctx context.Context, q Querier, s *Shard) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	now := time.Now().UTC()
	s.Metadata.CreatedAt = now
	s.Metadata.UpdatedAt = now
	s.Metadata.Version = 1
	if s.Status == "" {
		s.Status = StatusActive
	}

	if st.Redactor != nil {
		paths, ver, err := st.Redactor.Redact(ctx, q, s.TenantID, s)
		if err != nil {
			return fmt.Errorf("applying redaction policy: %w", err)
		}
		s.Metadata.Redactions = paths
		s.Metadata.RedactionPolicyVersion = ver
	}

	structured, err := s.MarshalStructuredData()
	if err != nil {
		return fmt.Errorf("encoding structured_data: %w", err)
	}
	metadata, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	internalRel, err := json.Marshal(s.InternalRelationships)
	if err != nil {
		return fmt.Errorf("encoding internal_relationships: %w", err)
	}
	externalRel, err := json.Marshal(s.ExternalRelationships)
	if err != nil {
		return fmt.Errorf("encoding external_relationships: %w", err)
	}
	acl, err := json.Marshal(s.ACL)
	if err != nil {
		return fmt.Errorf("encoding acl: %w", err)
	}

	const insertShard = `
		INSERT INTO shards (
			id, tenant_id, shard_type_id, name, structured_data, unstructured_data,
			status, metadata, internal_relationships, external_relationships, acl
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	if _, err := q.Exec(ctx, insertShard,
		s.ID, s.TenantID, s.ShardTypeID, s.Name, structured, s.UnstructuredData,
		string(s.Status), metadata, internalRel, externalRel, acl,
	); err != nil {
		return fmt.Errorf("inserting shard: %w", err)
	}

	if err := st.replaceVectors(ctx, q, s); err != nil {
		return err
	}

	if st.Audit != nil {
		if err := st.Audit.RecordMutation(ctx, q, s.TenantID, "create", nil, s); err != nil {
			return fmt.Errorf("recording audit: %w", err)
		}
	}

	if st.ChangeFeed != nil {
		_ = st.ChangeFeed.Publish(ctx, ChangeEvent{TenantID: s.TenantID, ShardID: s.ID, Kind: "create", After: s})
	}

	return nil
}

// Update persists changes to an existing shard. TenantID on the incoming
// shard must match the stored row's tenantId or ErrTenantViolation is
// returned. If s carries no content change relative to the stored row, the
// update is a no-op: no version bump, no write, no audit row, no change-feed
// event. This keeps a redelivered webhook payload (same external record,
// same content) from inflating the version history.
func (st *Store) Update(ctx context.Context, q Querier, s *Shard) error {
	before, err := st.FindByID(ctx, q, s.TenantID, s.ID)
	if err != nil {
		return err
	}
	if before.TenantID != s.TenantID {
		return ErrTenantViolation
	}

	if !hasContentChange(before, s) {
		return nil
	}

	s.Metadata.CreatedAt = before.Metadata.CreatedAt
	s.Metadata.UpdatedAt = time.Now().UTC()
	s.Metadata.Version = before.Metadata.Version + 1

	if st.Redactor != nil {
		paths, ver, err := st.Redactor.Redact(ctx, q, s.TenantID, s)
		if err != nil {
			return fmt.Errorf("applying redaction policy: %w", err)
		}
		s.Metadata.Redactions = paths
		s.Metadata.RedactionPolicyVersion = ver
	}

	structured, err := s.MarshalStructuredData()
	if err != nil {
		return fmt.Errorf("encoding structured_data: %w", err)
	}
	metadata, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	internalRel, err := json.Marshal(s.InternalRelationships)
	if err != nil {
		return fmt.Errorf("encoding internal_relationships: %w", err)
	}
	externalRel, err := json.Marshal(s.ExternalRelationships)
	if err != nil {
		return fmt.Errorf("encoding external_relationships: %w", err)
	}
	acl, err := json.Marshal(s.ACL)
	if err != nil {
		return fmt.Errorf("encoding acl: %w", err)
	}

	const updateShard = `
		UPDATE shards SET
			name = $3, structured_data = $4, unstructured_data = $5, status = $6,
			metadata = $7, internal_relationships = $8, external_relationships = $9, acl = $10
		WHERE id = $1 AND tenant_id = $2`
	tag, err := q.Exec(ctx, updateShard,
		s.ID, s.TenantID, s.Name, structured, s.UnstructuredData, string(s.Status),
		metadata, internalRel, externalRel, acl,
	)
	if err != nil {
		return fmt.Errorf("updating shard: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if err := st.replaceVectors(ctx, q, s); err != nil {
		return err
	}

	if st.Audit != nil {
		if err := st.Audit.RecordMutation(ctx, q, s.TenantID, "update", before, s); err != nil {
			return fmt.Errorf("recording audit: %w", err)
		}
	}

	if st.ChangeFeed != nil {
		_ = st.ChangeFeed.Publish(ctx, ChangeEvent{TenantID: s.TenantID, ShardID: s.ID, Kind: "update", Before: before, After: s})
	}

	return nil
}

// SoftDelete marks a shard deleted; it remains addressable by id until the
// TTL window elapses.
func (st *Store) SoftDelete(ctx context.Context, q Querier, tenantID, id uuid.UUID, actor string) error {
	before, err := st.FindByID(ctx, q, tenantID, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	ttl := st.SoftDeleteTTL
	deletedAt := now.Add(ttl)

	const stmt = `UPDATE shards SET status = 'deleted', deleted_at = $3, metadata = jsonb_set(metadata, '{updated_at}', to_jsonb($3::text)) WHERE id = $1 AND tenant_id = $2`
	if _, err := q.Exec(ctx, stmt, id, tenantID, deletedAt); err != nil {
		return fmt.Errorf("soft-deleting shard: %w", err)
	}

	after := *before
	after.Status = StatusDeleted
	after.DeletedAt = &deletedAt
	after.Metadata.UpdatedBy = actor
	after.Metadata.UpdatedAt = now

	if st.Audit != nil {
		if err := st.Audit.RecordMutation(ctx, q, tenantID, "softDelete", before, &after); err != nil {
			return fmt.Errorf("recording audit: %w", err)
		}
	}
	if st.ChangeFeed != nil {
		_ = st.ChangeFeed.Publish(ctx, ChangeEvent{TenantID: tenantID, ShardID: id, Kind: "softDelete", Before: before, After: &after})
	}
	return nil
}

// HardDelete permanently removes a shard. Admin-only; callers are
// responsible for authorization.
func (st *Store) HardDelete(ctx context.Context, q Querier, tenantID, id uuid.UUID) error {
	if _, err := q.Exec(ctx, `DELETE FROM shard_vectors WHERE shard_id = $1`, id); err != nil {
		return fmt.Errorf("deleting vectors: %w", err)
	}
	tag, err := q.Exec(ctx, `DELETE FROM shards WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("hard-deleting shard: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if st.ChangeFeed != nil {
		_ = st.ChangeFeed.Publish(ctx, ChangeEvent{TenantID: tenantID, ShardID: id, Kind: "hardDelete"})
	}
	return nil
}

// FindByID loads a shard by id regardless of status (callers filter on
// Status themselves; soft-deleted shards remain addressable for recovery).
func (st *Store) FindByID(ctx context.Context, q Querier, tenantID, id uuid.UUID) (*Shard, error) {
	const stmt = `
		SELECT id, tenant_id, shard_type_id, name, structured_data, unstructured_data,
		       status, metadata, internal_relationships, external_relationships, acl, deleted_at
		FROM shards WHERE id = $1 AND tenant_id = $2`
	row := q.QueryRow(ctx, stmt, id, tenantID)
	s, err := scanShard(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	vectors, err := st.loadVectors(ctx, q, id)
	if err != nil {
		return nil, err
	}
	s.Vectors = vectors
	return s, nil
}

// Filter narrows queryByTenant results.
type Filter struct {
	ShardTypeID string
	Status      Status // empty means "active" by default
	Limit       int
}

// QueryByTenant lists shards for a tenant matching the filter, defaulting
// to active-only when Status is unset.
func (st *Store) QueryByTenant(ctx context.Context, q Querier, tenantID uuid.UUID, f Filter) ([]*Shard, error) {
	status := f.Status
	if status == "" {
		status = StatusActive
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	args := []any{tenantID, string(status)}
	stmt := `
		SELECT id, tenant_id, shard_type_id, name, structured_data, unstructured_data,
		       status, metadata, internal_relationships, external_relationships, acl, deleted_at
		FROM shards WHERE tenant_id = $1 AND status = $2`
	if f.ShardTypeID != "" {
		args = append(args, f.ShardTypeID)
		stmt += fmt.Sprintf(" AND shard_type_id = $%d", len(args))
	}
	args = append(args, limit)
	stmt += fmt.Sprintf(" ORDER BY (metadata->>'updated_at') DESC LIMIT $%d", len(args))

	rows, err := q.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("querying shards: %w", err)
	}
	defer rows.Close()

	var out []*Shard
	for rows.Next() {
		s, err := scanShard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// FindByExternalID resolves a shard by its dedup key, used by the
// normalization worker to decide upsert vs insert.
func (st *Store) FindByExternalID(ctx context.Context, q Querier, key DedupKey) (*Shard, error) {
	const stmt = `
		SELECT id, tenant_id, shard_type_id, name, structured_data, unstructured_data,
		       status, metadata, internal_relationships, external_relationships, acl, deleted_at
		FROM shards
		WHERE tenant_id = $1
		  AND external_relationships @> jsonb_build_array(jsonb_build_object(
		        'system', $2::text, 'system_type', $3::text, 'external_id', $4::text
		  ))`
	row := q.QueryRow(ctx, stmt, key.TenantID, key.ProviderID, key.ExternalType, key.ExternalID)
	s, err := scanShard(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	vectors, err := st.loadVectors(ctx, q, s.ID)
	if err != nil {
		return nil, err
	}
	s.Vectors = vectors
	return s, nil
}

// hasContentChange reports whether after differs from before in any field
// that matters to a reader or to the audit trail: name, structured data,
// unstructured data, status, or ACL. External/internal relationship
// bookkeeping (e.g. a refreshed external sync timestamp) is deliberately
// excluded, since a redelivered record refreshes those on every delivery
// regardless of whether the underlying content changed.
func hasContentChange(before, after *Shard) bool {
	if before.Name != after.Name {
		return true
	}
	if before.UnstructuredData != after.UnstructuredData {
		return true
	}
	if before.Status != after.Status {
		return true
	}
	if !reflect.DeepEqual(before.StructuredData, after.StructuredData) {
		return true
	}
	if !reflect.DeepEqual(before.ACL, after.ACL) {
		return true
	}
	return false
}

func (st *Store) replaceVectors(ctx context.Context, q Querier, s *Shard) error {
	if _, err := q.Exec(ctx, `DELETE FROM shard_vectors WHERE shard_id = $1`, s.ID); err != nil {
		return fmt.Errorf("clearing vectors: %w", err)
	}
	for _, v := range s.Vectors {
		if v.Dimensions != len(v.Embedding) {
			return fmt.Errorf("vector dimensions mismatch: declared %d, got %d", v.Dimensions, len(v.Embedding))
		}
		const stmt = `INSERT INTO shard_vectors (shard_id, embedding, model, dimensions, generated_at) VALUES ($1,$2,$3,$4,$5)`
		if _, err := q.Exec(ctx, stmt, s.ID, v.Embedding, v.Model, v.Dimensions, v.GeneratedAt); err != nil {
			return fmt.Errorf("inserting vector: %w", err)
		}
	}
	return nil
}

func (st *Store) loadVectors(ctx context.Context, q Querier, shardID uuid.UUID) ([]Vector, error) {
	rows, err := q.Query(ctx, `SELECT embedding, model, dimensions, generated_at FROM shard_vectors WHERE shard_id = $1`, shardID)
	if err != nil {
		return nil, fmt.Errorf("loading vectors: %w", err)
	}
	defer rows.Close()

	var out []Vector
	for rows.Next() {
		var v Vector
		if err := rows.Scan(&v.Embedding, &v.Model, &v.Dimensions, &v.GeneratedAt); err != nil {
			return nil, fmt.Errorf("scanning vector: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanShard(row pgx.Row) (*Shard, error) {
	var s Shard
	var statusStr string
	var structured, metadata, internalRel, externalRel, acl []byte
	err := row.Scan(
		&s.ID, &s.TenantID, &s.ShardTypeID, &s.Name, &structured, &s.UnstructuredData,
		&statusStr, &metadata, &internalRel, &externalRel, &acl, &s.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Status = Status(statusStr)

	if len(structured) > 0 {
		if err := json.Unmarshal(structured, &s.StructuredData); err != nil {
			return nil, fmt.Errorf("decoding structured_data: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &s.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	if len(internalRel) > 0 {
		if err := json.Unmarshal(internalRel, &s.InternalRelationships); err != nil {
			return nil, fmt.Errorf("decoding internal_relationships: %w", err)
		}
	}
	if len(externalRel) > 0 {
		if err := json.Unmarshal(externalRel, &s.ExternalRelationships); err != nil {
			return nil, fmt.Errorf("decoding external_relationships: %w", err)
		}
	}
	if len(acl) > 0 {
		if err := json.Unmarshal(acl, &s.ACL); err != nil {
			return nil, fmt.Errorf("decoding acl: %w", err)
		}
	}
	return &s, nil
}

// pool-level pgconn import alias kept local to this file's Querier interface.
