package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shardforge/syncengine/internal/platform"
)

// slugPattern restricts tenant slugs to safe identifiers for schema names.
var slugPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{1,62}$`)

// ErrNotFound is returned when a tenant lookup matches no row.
var ErrNotFound = errors.New("tenant not found")

// Provisioner handles creating and destroying tenant schemas.
type Provisioner struct {
	DB            *pgxpool.Pool
	DatabaseURL   string
	MigrationsDir string // path to tenant migration files
	Logger        *slog.Logger
}

// Provision creates a new tenant: inserts the global record, creates the
// PostgreSQL schema, and runs tenant migrations.
func (p *Provisioner) Provision(ctx context.Context, name, slug string, config json.RawMessage) (*Info, error) {
	if !slugPattern.MatchString(slug) {
		return nil, fmt.Errorf("invalid tenant slug %q: must match %s", slug, slugPattern.String())
	}

	if config == nil {
		config = json.RawMessage(`{}`)
	}

	id := uuid.New()
	const insertTenant = `
		INSERT INTO public.tenants (id, name, slug, config, created_at)
		VALUES ($1, $2, $3, $4, now())`
	if _, err := p.DB.Exec(ctx, insertTenant, id, name, slug, config); err != nil {
		return nil, fmt.Errorf("inserting tenant record: %w", err)
	}

	schema := SchemaName(slug)

	// Create the tenant schema. The slug is validated above so this is safe
	// to interpolate directly; pgx has no placeholder for identifiers.
	if _, err := p.DB.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		_, _ = p.DB.Exec(ctx, `DELETE FROM public.tenants WHERE id = $1`, id)
		return nil, fmt.Errorf("creating schema %s: %w", schema, err)
	}

	tenantURL, err := withSearchPath(p.DatabaseURL, schema)
	if err != nil {
		return nil, fmt.Errorf("building tenant database URL: %w", err)
	}

	if err := platform.RunTenantMigrations(tenantURL, p.MigrationsDir); err != nil {
		_, _ = p.DB.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema))
		_, _ = p.DB.Exec(ctx, `DELETE FROM public.tenants WHERE id = $1`, id)
		return nil, fmt.Errorf("running tenant migrations: %w", err)
	}

	p.Logger.Info("tenant provisioned",
		"tenant_id", id,
		"slug", slug,
		"schema", schema,
	)

	return &Info{
		ID:     id,
		Name:   name,
		Slug:   slug,
		Schema: schema,
	}, nil
}

// Deprovision drops the tenant schema and removes the global record.
func (p *Provisioner) Deprovision(ctx context.Context, slug string) error {
	schema := SchemaName(slug)

	if _, err := p.DB.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema)); err != nil {
		return fmt.Errorf("dropping schema %s: %w", schema, err)
	}

	tag, err := p.DB.Exec(ctx, `DELETE FROM public.tenants WHERE slug = $1`, slug)
	if err != nil {
		return fmt.Errorf("deleting tenant record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("deleting tenant %q: %w", slug, ErrNotFound)
	}

	p.Logger.Info("tenant deprovisioned", "slug", slug, "schema", schema)
	return nil
}

// Lookup resolves a tenant by slug from the public.tenants table.
func Lookup(ctx context.Context, db *pgxpool.Pool, slug string) (*Info, error) {
	const q = `SELECT id, name, slug FROM public.tenants WHERE slug = $1`
	var info Info
	err := db.QueryRow(ctx, q, slug).Scan(&info.ID, &info.Name, &info.Slug)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up tenant %q: %w", slug, err)
	}
	info.Schema = SchemaName(info.Slug)
	return &info, nil
}

// LookupByID resolves a tenant by id from the public.tenants table.
func LookupByID(ctx context.Context, db *pgxpool.Pool, id uuid.UUID) (*Info, error) {
	const q = `SELECT id, name, slug FROM public.tenants WHERE id = $1`
	var info Info
	err := db.QueryRow(ctx, q, id).Scan(&info.ID, &info.Name, &info.Slug)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up tenant %q: %w", id, err)
	}
	info.Schema = SchemaName(info.Slug)
	return &info, nil
}

// ListAll returns every provisioned tenant, used by per-tenant background loops.
func ListAll(ctx context.Context, db *pgxpool.Pool) ([]*Info, error) {
	const q = `SELECT id, name, slug FROM public.tenants ORDER BY slug`
	rows, err := db.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing tenants: %w", err)
	}
	defer rows.Close()

	var out []*Info
	for rows.Next() {
		var info Info
		if err := rows.Scan(&info.ID, &info.Name, &info.Slug); err != nil {
			return nil, fmt.Errorf("scanning tenant row: %w", err)
		}
		info.Schema = SchemaName(info.Slug)
		out = append(out, &info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tenants: %w", err)
	}
	return out, nil
}

// withSearchPath appends search_path=<schema> to a PostgreSQL connection URL.
func withSearchPath(databaseURL, schema string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing database URL: %w", err)
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
