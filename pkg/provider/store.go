package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a provider lookup matches no row.
var ErrNotFound = errors.New("provider not found")

// Store persists the public, system-wide provider catalog.
type Store struct {
	DB *pgxpool.Pool
}

// Upsert inserts or updates a catalog entry, used by the seed command to
// install Catalog into public.providers.
func (s *Store) Upsert(ctx context.Context, p Provider) error {
	caps, err := json.Marshal(p.Capabilities)
	if err != nil {
		return err
	}
	dirs, err := json.Marshal(p.SyncDirections)
	if err != nil {
		return err
	}
	scopes, err := json.Marshal(p.OAuthScopes)
	if err != nil {
		return err
	}
	entities, err := json.Marshal(p.ExternalEntities)
	if err != nil {
		return err
	}

	const stmt = `
		INSERT INTO public.providers (
			id, category, capabilities, sync_directions, auth_kind,
			oauth_auth_url, oauth_token_url, oauth_scopes, external_entities,
			status, audience, rate_limit_per_second, min_sync_interval_seconds
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET
			category = EXCLUDED.category,
			capabilities = EXCLUDED.capabilities,
			sync_directions = EXCLUDED.sync_directions,
			auth_kind = EXCLUDED.auth_kind,
			oauth_auth_url = EXCLUDED.oauth_auth_url,
			oauth_token_url = EXCLUDED.oauth_token_url,
			oauth_scopes = EXCLUDED.oauth_scopes,
			external_entities = EXCLUDED.external_entities,
			status = EXCLUDED.status,
			audience = EXCLUDED.audience,
			rate_limit_per_second = EXCLUDED.rate_limit_per_second,
			min_sync_interval_seconds = EXCLUDED.min_sync_interval_seconds`
	_, err = s.DB.Exec(ctx, stmt,
		p.ID, string(p.Category), caps, dirs, string(p.AuthKind),
		p.OAuthAuthURL, p.OAuthTokenURL, scopes, entities,
		string(p.Status), string(p.Audience), p.RateLimitPerSecond, int(p.MinSyncInterval.Seconds()),
	)
	if err != nil {
		return fmt.Errorf("upserting provider %s: %w", p.ID, err)
	}
	return nil
}

// SetStatus updates the admin-controlled status of a catalog entry
// (active/beta/deprecated/disabled) without deleting the row.
func (s *Store) SetStatus(ctx context.Context, id string, status Status) error {
	tag, err := s.DB.Exec(ctx, `UPDATE public.providers SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("updating provider status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get loads one provider by id.
func (s *Store) Get(ctx context.Context, id string) (Provider, error) {
	row := s.DB.QueryRow(ctx, providerSelectSQL+" WHERE id = $1", id)
	p, err := scanProvider(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Provider{}, ErrNotFound
	}
	return p, err
}

// List returns every catalog entry.
func (s *Store) List(ctx context.Context) ([]Provider, error) {
	rows, err := s.DB.Query(ctx, providerSelectSQL+" ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("listing providers: %w", err)
	}
	defer rows.Close()

	var out []Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const providerSelectSQL = `
	SELECT id, category, capabilities, sync_directions, auth_kind,
	       oauth_auth_url, oauth_token_url, oauth_scopes, external_entities,
	       status, audience, rate_limit_per_second, min_sync_interval_seconds
	FROM public.providers`

func scanProvider(row pgx.Row) (Provider, error) {
	var p Provider
	var category, authKind, status, audience string
	var capsRaw, dirsRaw, scopesRaw, entitiesRaw []byte
	var minIntervalSeconds int

	err := row.Scan(
		&p.ID, &category, &capsRaw, &dirsRaw, &authKind,
		&p.OAuthAuthURL, &p.OAuthTokenURL, &scopesRaw, &entitiesRaw,
		&status, &audience, &p.RateLimitPerSecond, &minIntervalSeconds,
	)
	if err != nil {
		return Provider{}, err
	}

	p.Category = Category(category)
	p.AuthKind = AuthKind(authKind)
	p.Status = Status(status)
	p.Audience = Audience(audience)
	p.MinSyncInterval = time.Duration(minIntervalSeconds) * time.Second

	_ = json.Unmarshal(capsRaw, &p.Capabilities)
	_ = json.Unmarshal(dirsRaw, &p.SyncDirections)
	_ = json.Unmarshal(scopesRaw, &p.OAuthScopes)
	_ = json.Unmarshal(entitiesRaw, &p.ExternalEntities)

	return p, nil
}
