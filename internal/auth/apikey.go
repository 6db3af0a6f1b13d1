// Package auth provides API-key based authentication for the service's
// HTTP surface. There is no end-user authentication UI; every caller
// (tenant integrations, the admin console, internal jobs) authenticates
// with a bearer API key.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidKey is returned for any malformed or unrecognised key.
var ErrInvalidKey = errors.New("invalid api key")

// Identity describes the authenticated caller attached to the request context.
type Identity struct {
	KeyID    uuid.UUID
	TenantID *uuid.UUID // nil for an admin key, which is not scoped to a tenant
	Name     string
	IsAdmin  bool
}

type contextKey string

const identityKey contextKey = "auth_identity"

// NewContext stores the identity in the context.
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the identity from the context, or nil if unauthenticated.
func FromContext(ctx context.Context) *Identity {
	v, _ := ctx.Value(identityKey).(*Identity)
	return v
}

// Store manages API key records in the public.api_keys table.
type Store struct {
	DB *pgxpool.Pool
}

// GenerateKey creates a new API key. The returned plaintext is shown to the
// caller exactly once; only its bcrypt hash is persisted.
func GenerateKey(tenantID *uuid.UUID, name string) (plaintext string, keyID uuid.UUID, err error) {
	keyID = uuid.New()

	secretBytes := make([]byte, 32)
	if _, err = rand.Read(secretBytes); err != nil {
		return "", uuid.Nil, fmt.Errorf("generating key secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)

	plaintext = fmt.Sprintf("se_%s.%s", keyID, secret)
	return plaintext, keyID, nil
}

// Create persists a new API key record and returns the one-time plaintext.
func (s *Store) Create(ctx context.Context, tenantID *uuid.UUID, name string) (string, error) {
	plaintext, keyID, err := GenerateKey(tenantID, name)
	if err != nil {
		return "", err
	}

	secret := strings.SplitN(strings.TrimPrefix(plaintext, "se_"), ".", 2)[1]
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing key secret: %w", err)
	}

	const q = `
		INSERT INTO public.api_keys (id, tenant_id, name, secret_hash, created_at)
		VALUES ($1, $2, $3, $4, now())`
	if _, err := s.DB.Exec(ctx, q, keyID, tenantID, name, hash); err != nil {
		return "", fmt.Errorf("inserting api key: %w", err)
	}

	return plaintext, nil
}

// Revoke marks an API key as revoked; a revoked key fails Authenticate from then on.
func (s *Store) Revoke(ctx context.Context, keyID uuid.UUID) error {
	const q = `UPDATE public.api_keys SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`
	tag, err := s.DB.Exec(ctx, q, keyID)
	if err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidKey
	}
	return nil
}

// Authenticate validates a plaintext API key of the form "se_<uuid>.<secret>"
// and returns the identity it resolves to.
func (s *Store) Authenticate(ctx context.Context, plaintext string) (*Identity, error) {
	rest, ok := strings.CutPrefix(plaintext, "se_")
	if !ok {
		return nil, ErrInvalidKey
	}
	parts := strings.SplitN(rest, ".", 2)
	if len(parts) != 2 {
		return nil, ErrInvalidKey
	}

	keyID, err := uuid.Parse(parts[0])
	if err != nil {
		return nil, ErrInvalidKey
	}
	secret := parts[1]

	const q = `
		SELECT tenant_id, name, secret_hash
		FROM public.api_keys
		WHERE id = $1 AND revoked_at IS NULL`
	var tenantID *uuid.UUID
	var name, hash string
	err = s.DB.QueryRow(ctx, q, keyID).Scan(&tenantID, &name, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("looking up api key: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return nil, ErrInvalidKey
	}

	go s.touchLastUsed(keyID)

	return &Identity{
		KeyID:    keyID,
		TenantID: tenantID,
		Name:     name,
		IsAdmin:  tenantID == nil,
	}, nil
}

// touchLastUsed records key usage best-effort, off the request's critical path.
func (s *Store) touchLastUsed(keyID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = s.DB.Exec(ctx, `UPDATE public.api_keys SET last_used_at = now() WHERE id = $1`, keyID)
}
