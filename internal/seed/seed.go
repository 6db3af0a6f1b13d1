// Package seed provisions a development tenant with a sample integration so
// the sync engine is usable immediately after a fresh deploy.
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shardforge/syncengine/internal/auth"
	"github.com/shardforge/syncengine/internal/config"
	"github.com/shardforge/syncengine/pkg/credential"
	"github.com/shardforge/syncengine/pkg/provider"
	"github.com/shardforge/syncengine/pkg/tenant"
)

// demoTenantSlug is the development tenant provisioned by Run.
const demoTenantSlug = "acme"

// Run installs the provider catalog into public.providers and, if the
// "acme" development tenant does not already exist, provisions it with a
// sample Salesforce integration and a tenant-scoped API key. It is idempotent:
// re-running against an already-seeded database only refreshes the catalog.
func Run(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config, logger *slog.Logger) error {
	providers := &provider.Store{DB: pool}
	for _, p := range provider.Catalog {
		if err := providers.Upsert(ctx, p); err != nil {
			return fmt.Errorf("seeding provider catalog: %w", err)
		}
	}
	logger.Info("seed: provider catalog installed", "count", len(provider.Catalog))

	if info, err := tenant.Lookup(ctx, pool, demoTenantSlug); err == nil {
		logger.Info("seed: tenant already exists, skipping", "tenant", info.Slug)
		return nil
	} else if err != tenant.ErrNotFound {
		return fmt.Errorf("looking up seed tenant: %w", err)
	}

	prov := &tenant.Provisioner{
		DB:            pool,
		DatabaseURL:   cfg.DatabaseURL,
		MigrationsDir: cfg.MigrationsTenantDir,
		Logger:        logger,
	}
	info, err := prov.Provision(ctx, "Acme Corp", demoTenantSlug, json.RawMessage(`{"timezone":"Europe/Berlin"}`))
	if err != nil {
		return fmt.Errorf("provisioning seed tenant: %w", err)
	}
	logger.Info("seed: provisioned tenant", "tenant_id", info.ID, "slug", info.Slug)

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring tenant connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SET search_path TO "+info.Schema+", public"); err != nil {
		return fmt.Errorf("setting search_path: %w", err)
	}

	if err := seedDemoIntegration(ctx, conn, cfg, info); err != nil {
		return fmt.Errorf("seeding demo integration: %w", err)
	}

	authStore := &auth.Store{DB: pool}
	apiKey, err := authStore.Create(ctx, &info.ID, "seed admin key")
	if err != nil {
		return fmt.Errorf("creating seed API key: %w", err)
	}
	logger.Info("seed: created API key", "tenant", info.Slug, "raw_key", apiKey)

	logger.Info("seed: completed successfully", "tenant", info.Slug, "integrations", 1, "api_keys", 1)
	return nil
}

// seedDemoIntegration creates a disabled Salesforce integration with a
// placeholder credential, a starting point an operator swaps real OAuth
// tokens into rather than an empty tenant.
func seedDemoIntegration(ctx context.Context, conn *pgxpool.Conn, cfg *config.Config, info *tenant.Info) error {
	cipher, err := credential.NewCipher(cfg.CredentialKeyID, cfg.CredentialKeyHex)
	if err != nil {
		return fmt.Errorf("constructing credential cipher: %w", err)
	}
	credentials := &credential.Store{Cipher: cipher}

	integration := &provider.Integration{
		TenantID:         info.ID,
		ProviderID:       "salesforce",
		Label:            "Salesforce (demo, needs real credentials)",
		CredentialHandle: info.Slug + "-salesforce-demo",
		SearchEnabled:    true,
		Enabled:          false,
		SyncConfigs: []provider.SyncConfig{
			{
				Entity:    "Account",
				Direction: provider.DirectionPull,
				Frequency: provider.Frequency{Interval: time.Duration(cfg.MinSyncIntervalMinutes) * time.Minute},
				SchemaID:  "salesforce.account.v1",
			},
		},
	}
	if err := (provider.IntegrationStore{}).Create(ctx, conn, integration); err != nil {
		return fmt.Errorf("creating demo integration: %w", err)
	}

	record := credential.Record{
		Handle:        integration.CredentialHandle,
		TenantID:      info.ID,
		IntegrationID: integration.ID,
		ProviderID:    integration.ProviderID,
		Scope:         credential.ScopeTenant,
		Status:        credential.StatusError, // placeholder, not a usable token
		KeyID:         cfg.CredentialKeyID,
	}
	payload := credential.Payload{Kind: "oauth2"}
	if err := credentials.Save(ctx, conn, record, payload); err != nil {
		return fmt.Errorf("saving demo credential: %w", err)
	}
	return nil
}
