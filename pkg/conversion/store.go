package conversion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/shardforge/syncengine/pkg/shard"
)

// ErrSchemaNotFound is returned when no schema is configured for a
// (providerId, externalType) pair.
var ErrSchemaNotFound = errors.New("conversion schema not found")

// Querier is satisfied by *pgxpool.Pool and *pgxpool.Conn.
type Querier = shard.Querier

// SchemaStore persists per-tenant conversion schemas, keyed by
// (providerId, externalType), within a tenant's own schema.
type SchemaStore struct{}

// Upsert inserts or replaces the schema for (s.ProviderID, s.ExternalType).
func (SchemaStore) Upsert(ctx context.Context, q Querier, s Schema) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding conversion schema: %w", err)
	}
	const stmt = `
		INSERT INTO conversion_schemas (provider_id, external_type, definition)
		VALUES ($1,$2,$3)
		ON CONFLICT (provider_id, external_type) DO UPDATE SET definition = EXCLUDED.definition`
	_, err = q.Exec(ctx, stmt, s.ProviderID, s.ExternalType, body)
	if err != nil {
		return fmt.Errorf("upserting conversion schema: %w", err)
	}
	return nil
}

// Get loads the schema configured for (providerID, externalType).
func (SchemaStore) Get(ctx context.Context, q Querier, providerID, externalType string) (Schema, error) {
	const stmt = `SELECT definition FROM conversion_schemas WHERE provider_id = $1 AND external_type = $2`
	var body []byte
	err := q.QueryRow(ctx, stmt, providerID, externalType).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return Schema{}, ErrSchemaNotFound
	}
	if err != nil {
		return Schema{}, fmt.Errorf("loading conversion schema: %w", err)
	}
	var s Schema
	if err := json.Unmarshal(body, &s); err != nil {
		return Schema{}, fmt.Errorf("decoding conversion schema: %w", err)
	}
	return s, nil
}
