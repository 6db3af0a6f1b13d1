// Package credential manages encrypted-at-rest OAuth/API-key/basic/custom
// credentials and their periodic refresh.
package credential

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

// ErrNotFound is returned when a credential handle resolves to no record.
var ErrNotFound = errors.New("credential not found")

// Scope is who the credential belongs to.
type Scope string

const (
	ScopeSystem Scope = "system"
	ScopeTenant Scope = "tenant"
	ScopeUser   Scope = "user"
)

// Status is the credential's validity state.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
	StatusError   Status = "error"
)

// Payload is the opaque secret material an adapter understands. Kind
// disambiguates which fields are populated.
type Payload struct {
	Kind         string `json:"kind"` // oauth2 | api_key | basic | custom
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	APIKey       string `json:"api_key,omitempty"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	Custom       map[string]string `json:"custom,omitempty"`
}

// Record is the metadata envelope around an encrypted Payload.
type Record struct {
	Handle          string    `json:"handle"`
	TenantID        uuid.UUID `json:"tenant_id"`
	IntegrationID   uuid.UUID `json:"integration_id"`
	ProviderID      string    `json:"provider_id"`
	Scope           Scope     `json:"scope"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	LastValidatedAt *time.Time `json:"last_validated_at,omitempty"`
	Status          Status    `json:"status"`
	KeyID           string    `json:"key_id"`
}

// Querier is satisfied by *pgxpool.Pool and *pgxpool.Conn.
type Querier = shard.Querier

// Store persists credential metadata (never plaintext) in a tenant's
// schema; the encrypted payload itself lives alongside it in the same row,
// since this deployment has no separate secret-store collaborator wired.
type Store struct {
	Cipher *Cipher
}

// Save encrypts payload and upserts the record keyed by handle.
func (st *Store) Save(ctx context.Context, q Querier, rec Record, payload Payload) error {
	plain, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	ciphertext, err := st.Cipher.Encrypt(plain)
	if err != nil {
		return fmt.Errorf("encrypting payload: %w", err)
	}

	const stmt = `
		INSERT INTO credentials (
			handle, tenant_id, integration_id, provider_id, scope,
			expires_at, last_validated_at, status, key_id, ciphertext
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (handle) DO UPDATE SET
			expires_at = EXCLUDED.expires_at,
			last_validated_at = EXCLUDED.last_validated_at,
			status = EXCLUDED.status,
			key_id = EXCLUDED.key_id,
			ciphertext = EXCLUDED.ciphertext`
	_, err = q.Exec(ctx, stmt,
		rec.Handle, rec.TenantID, rec.IntegrationID, rec.ProviderID, string(rec.Scope),
		rec.ExpiresAt, rec.LastValidatedAt, string(rec.Status), rec.KeyID, ciphertext,
	)
	if err != nil {
		return fmt.Errorf("saving credential %s: %w", rec.Handle, err)
	}
	return nil
}

// Fetch decrypts and returns the payload for handle, never logging it.
func (st *Store) Fetch(ctx context.Context, q Querier, handle string) (Record, Payload, error) {
	const stmt = `
		SELECT handle, tenant_id, integration_id, provider_id, scope,
		       expires_at, last_validated_at, status, key_id, ciphertext
		FROM credentials WHERE handle = $1`
	row := q.QueryRow(ctx, stmt, handle)

	var rec Record
	var scope, status string
	var ciphertext []byte
	err := row.Scan(
		&rec.Handle, &rec.TenantID, &rec.IntegrationID, &rec.ProviderID, &scope,
		&rec.ExpiresAt, &rec.LastValidatedAt, &status, &rec.KeyID, &ciphertext,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, Payload{}, ErrNotFound
	}
	if err != nil {
		return Record{}, Payload{}, fmt.Errorf("fetching credential %s: %w", handle, err)
	}
	rec.Scope = Scope(scope)
	rec.Status = Status(status)

	plain, err := st.Cipher.Decrypt(ciphertext)
	if err != nil {
		return Record{}, Payload{}, fmt.Errorf("decrypting credential %s: %w", handle, err)
	}

	var payload Payload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return Record{}, Payload{}, fmt.Errorf("decoding payload %s: %w", handle, err)
	}

	return rec, payload, nil
}

// Rotate replaces payload and bumps expiry/status after a successful refresh.
func (st *Store) Rotate(ctx context.Context, q Querier, handle string, payload Payload, expiresAt time.Time) error {
	plain, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	ciphertext, err := st.Cipher.Encrypt(plain)
	if err != nil {
		return fmt.Errorf("encrypting payload: %w", err)
	}

	now := time.Now().UTC()
	const stmt = `
		UPDATE credentials SET ciphertext = $2, expires_at = $3, last_validated_at = $4, status = $5
		WHERE handle = $1`
	_, err = q.Exec(ctx, stmt, handle, ciphertext, expiresAt, now, string(StatusActive))
	if err != nil {
		return fmt.Errorf("rotating credential %s: %w", handle, err)
	}
	return nil
}

// MarkStatus transitions a credential's status (e.g. to expired after a
// failed refresh).
func (st *Store) MarkStatus(ctx context.Context, q Querier, handle string, status Status) error {
	_, err := q.Exec(ctx, `UPDATE credentials SET status = $2 WHERE handle = $1`, handle, string(status))
	if err != nil {
		return fmt.Errorf("updating credential status: %w", err)
	}
	return nil
}

// ListExpiring returns handles (with their tenant) whose expiry falls
// within window of now and whose status is active, across every tenant
// schema (callers iterate tenants and pass a tenant-scoped Querier).
func (st *Store) ListExpiring(ctx context.Context, q Querier, window time.Duration) ([]Record, error) {
	cutoff := time.Now().UTC().Add(window)
	const stmt = `
		SELECT handle, tenant_id, integration_id, provider_id, scope,
		       expires_at, last_validated_at, status, key_id
		FROM credentials
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at < $1`
	rows, err := q.Query(ctx, stmt, cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing expiring credentials: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var scope, status string
		if err := rows.Scan(&rec.Handle, &rec.TenantID, &rec.IntegrationID, &rec.ProviderID, &scope,
			&rec.ExpiresAt, &rec.LastValidatedAt, &status, &rec.KeyID); err != nil {
			return nil, fmt.Errorf("scanning credential: %w", err)
		}
		rec.Scope = Scope(scope)
		rec.Status = Status(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}
