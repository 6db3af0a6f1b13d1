package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shardforge/syncengine/pkg/shard"
)

// Querier is satisfied by *pgxpool.Pool and *pgxpool.Conn.
type Querier = shard.Querier

// ErrIntegrationNotFound is returned when an integration lookup matches no row.
var ErrIntegrationNotFound = errors.New("integration not found")

// Frequency is how often a sync job for an integration entity is due.
// Exactly one of Interval or Cron is set.
type Frequency struct {
	Interval time.Duration `json:"interval,omitempty"`
	Cron     string        `json:"cron,omitempty"`
	Timezone string        `json:"timezone,omitempty"`
	Manual   bool          `json:"manual,omitempty"`
}

// SyncConfig is an integration's per-entity sync configuration.
type SyncConfig struct {
	Entity        string        `json:"entity"`
	Direction     SyncDirection `json:"direction"`
	Frequency     Frequency     `json:"frequency"`
	SchemaID      string        `json:"schema_id"`
	ConflictPolicy string       `json:"conflict_policy,omitempty"` // last_write_wins | external_wins | internal_wins | manual
	Filters       map[string]any `json:"filters,omitempty"`
}

// Integration is a tenant's configured use of a provider.
type Integration struct {
	ID                uuid.UUID    `json:"id"`
	TenantID          uuid.UUID    `json:"tenant_id"`
	ProviderID        string       `json:"provider_id"`
	Label             string       `json:"label"`
	CredentialHandle  string       `json:"credential_handle"`
	AllowedShardTypes []string     `json:"allowed_shard_types,omitempty"` // nil = all supported, empty slice = none
	SearchEnabled     bool         `json:"search_enabled"`
	UserScoped        bool         `json:"user_scoped"`
	SyncConfigs       []SyncConfig `json:"sync_configs"`
	Enabled           bool         `json:"enabled"`
	ConnectionStatus  string       `json:"connection_status"` // connected | expired | error
	CreatedAt         time.Time    `json:"created_at"`
}

// AllowsShardType reports whether the integration is permitted to emit
// shards of the given type.
func (in Integration) AllowsShardType(shardTypeID string) bool {
	if in.AllowedShardTypes == nil {
		return true
	}
	for _, t := range in.AllowedShardTypes {
		if t == shardTypeID {
			return true
		}
	}
	return false
}

// IntegrationStore persists integration instances in a tenant's schema.
type IntegrationStore struct{}

// Create inserts a new integration instance.
func (IntegrationStore) Create(ctx context.Context, q Querier, in *Integration) error {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	in.CreatedAt = time.Now().UTC()
	if in.ConnectionStatus == "" {
		in.ConnectionStatus = "connected"
	}

	allowed, err := json.Marshal(in.AllowedShardTypes)
	if err != nil {
		return err
	}
	syncConfigs, err := json.Marshal(in.SyncConfigs)
	if err != nil {
		return err
	}

	const stmt = `
		INSERT INTO integrations (
			id, tenant_id, provider_id, label, credential_handle, allowed_shard_types,
			search_enabled, user_scoped, sync_configs, enabled, connection_status, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err = q.Exec(ctx, stmt,
		in.ID, in.TenantID, in.ProviderID, in.Label, in.CredentialHandle, allowed,
		in.SearchEnabled, in.UserScoped, syncConfigs, in.Enabled, in.ConnectionStatus, in.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting integration: %w", err)
	}
	return nil
}

// SetConnectionStatus updates the integration's connection status (e.g. to
// "expired"). The credential refresher does not call it: on a failed
// refresh it marks the credential record expired and pauses sync jobs.
func (IntegrationStore) SetConnectionStatus(ctx context.Context, q Querier, id uuid.UUID, status string) error {
	_, err := q.Exec(ctx, `UPDATE integrations SET connection_status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("updating connection status: %w", err)
	}
	return nil
}

// Get loads one integration by id.
func (IntegrationStore) Get(ctx context.Context, q Querier, id uuid.UUID) (*Integration, error) {
	row := q.QueryRow(ctx, integrationSelectSQL+" WHERE id = $1", id)
	in, err := scanIntegration(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrIntegrationNotFound
	}
	return in, err
}

// ListEnabled lists every enabled integration in the tenant's schema, used
// by the scheduler to compute due jobs.
func (IntegrationStore) ListEnabled(ctx context.Context, q Querier) ([]*Integration, error) {
	rows, err := q.Query(ctx, integrationSelectSQL+" WHERE enabled = true")
	if err != nil {
		return nil, fmt.Errorf("listing integrations: %w", err)
	}
	defer rows.Close()

	var out []*Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

const integrationSelectSQL = `
	SELECT id, tenant_id, provider_id, label, credential_handle, allowed_shard_types,
	       search_enabled, user_scoped, sync_configs, enabled, connection_status, created_at
	FROM integrations`

func scanIntegration(row pgx.Row) (*Integration, error) {
	var in Integration
	var allowed, syncConfigs []byte
	err := row.Scan(
		&in.ID, &in.TenantID, &in.ProviderID, &in.Label, &in.CredentialHandle, &allowed,
		&in.SearchEnabled, &in.UserScoped, &syncConfigs, &in.Enabled, &in.ConnectionStatus, &in.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(allowed, &in.AllowedShardTypes)
	_ = json.Unmarshal(syncConfigs, &in.SyncConfigs)
	return &in, nil
}
