// Package app wires the sync-engine process together: config, database,
// queues, and the domain packages, dispatched per the configured run mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/shardforge/syncengine/internal/auth"
	"github.com/shardforge/syncengine/internal/config"
	"github.com/shardforge/syncengine/internal/httpserver"
	"github.com/shardforge/syncengine/internal/platform"
	"github.com/shardforge/syncengine/internal/seed"
	"github.com/shardforge/syncengine/internal/telemetry"
	"github.com/shardforge/syncengine/pkg/adapter"
	"github.com/shardforge/syncengine/pkg/adapter/onedrive"
	"github.com/shardforge/syncengine/pkg/adapter/salesforce"
	"github.com/shardforge/syncengine/pkg/adapter/slack"
	"github.com/shardforge/syncengine/pkg/alert"
	"github.com/shardforge/syncengine/pkg/credential"
	"github.com/shardforge/syncengine/pkg/extractor"
	"github.com/shardforge/syncengine/pkg/governance"
	"github.com/shardforge/syncengine/pkg/ingest"
	"github.com/shardforge/syncengine/pkg/insight"
	"github.com/shardforge/syncengine/pkg/project"
	"github.com/shardforge/syncengine/pkg/provider"
	"github.com/shardforge/syncengine/pkg/queue"
	"github.com/shardforge/syncengine/pkg/retrieval"
	"github.com/shardforge/syncengine/pkg/scheduler"
	"github.com/shardforge/syncengine/pkg/shard"
	"github.com/shardforge/syncengine/pkg/tenant"
)

// Run starts the process in the mode named by cfg.Mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("starting syncengine", "mode", cfg.Mode)

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() { _ = rdb.Close() }()

	if err := platform.RunGlobalMigrations(cfg.DatabaseURL, cfg.MigrationsGlobalDir); err != nil {
		return fmt.Errorf("running global migrations: %w", err)
	}
	logger.Info("global migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg)
	case "scheduler":
		return runScheduler(ctx, cfg, logger, db, rdb)
	case "ingest-pull":
		return runIngestPull(ctx, cfg, logger, db, rdb)
	case "ingest-normalize":
		return runIngestNormalize(ctx, cfg, logger, db, rdb)
	case "ingest-enrich":
		return runIngestEnrich(ctx, cfg, logger, db, rdb)
	case "ingest-writeback":
		return runIngestWriteback(ctx, cfg, logger, db, rdb)
	case "refresher":
		return runRefresher(ctx, cfg, logger, db)
	case "background":
		return runBackground(ctx, cfg, logger, db, rdb)
	case "seed":
		return seed.Run(ctx, db, cfg, logger)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// newShardStore builds the process-wide shard.Store. Redactor and Audit
// are stateless — every call takes the tenant-scoped connection it runs
// against — so one Store instance is safe to share across every tenant's
// requests and workers.
func newShardStore(feed shard.ChangeFeed) *shard.Store {
	return shard.NewStore(governance.Redactor{}, governance.Audit{}, feed)
}

// newAdapterRegistry registers every adapter this deployment has
// credentials configured for, so the registry only reports providers it
// can actually reach.
func newAdapterRegistry(cfg *config.Config) *adapter.Registry {
	reg := adapter.NewRegistry()

	if cfg.SalesforceClientID != "" && cfg.SalesforceClientSecret != "" {
		reg.Register(salesforce.New(cfg.SalesforceClientID, cfg.SalesforceClientSecret))
	}
	if cfg.SlackSigningSecret != "" {
		reg.Register(slack.New(cfg.SlackSigningSecret))
	}
	if cfg.OneDriveClientID != "" && cfg.OneDriveClientSecret != "" {
		reg.Register(onedrive.New(cfg.OneDriveTenantID, cfg.OneDriveClientID, cfg.OneDriveClientSecret))
	}

	return reg
}

func newCredentialStore(cfg *config.Config) (*credential.Store, error) {
	cipher, err := credential.NewCipher(cfg.CredentialKeyID, cfg.CredentialKeyHex)
	if err != nil {
		return nil, fmt.Errorf("constructing credential cipher: %w", err)
	}
	return &credential.Store{Cipher: cipher}, nil
}

func newSchedulerLimits(cfg *config.Config) scheduler.Limits {
	return scheduler.Limits{
		MaxTotalConcurrent: cfg.MaxTotalConcurrentSyncs,
		MaxPerTenant:       cfg.MaxConcurrentSyncsPerTenant,
		DefaultMinInterval: time.Duration(cfg.MinSyncIntervalMinutes) * time.Minute,
		LeaseDuration:      time.Duration(cfg.SyncLeaseMinutes) * time.Minute,
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	authStore := &auth.Store{DB: db}
	authMw := auth.Middleware(authStore, cfg.AdminAPIKey)
	tenantMw := tenant.Middleware(db)

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg, authMw, tenantMw, auth.RequireAuth)

	// Webhook ingestion is unauthenticated (external providers calling in)
	// and so is mounted on the bare Router, never on the tenant-scoped,
	// authenticated APIRouter.
	adapterRegistry := newAdapterRegistry(cfg)
	ingestionQueue := queue.New(rdb, queue.IngestionEvents, queue.Options{Group: "webhook"})
	webhookHandler := ingest.NewWebhookHandler(db, adapterRegistry, ingestionQueue, logger)
	webhookHandler.Mount(srv.Router)

	changeFeed := shard.NewRedisChangeFeed(rdb)
	store := newShardStore(changeFeed)

	embeddings := retrieval.NewHTTPEmbeddingProvider(cfg.EmbeddingEndpoint, cfg.EmbeddingModel)
	resolver := project.NewResolver(store, rdb)
	acl, err := governance.NewACL(ctx, cfg.RequireProvenanceForDerived)
	if err != nil {
		return fmt.Errorf("compiling governance policy: %w", err)
	}
	metricsStore := governance.NewMetricsStore()
	engine := retrieval.NewEngine(store, embeddings, resolver, acl, metricsStore)

	srv.APIRouter.Mount("/search", retrieval.NewHandler(engine).Routes())
	srv.APIRouter.Mount("/projects", project.NewHandler(resolver, store).Routes())
	srv.APIRouter.Mount("/", governance.NewHandler(metricsStore).Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runScheduler(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) error {
	q := queue.New(rdb, queue.IngestionEvents, queue.Options{Group: "scheduler"})
	if err := q.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("ensuring ingestion-events group: %w", err)
	}

	dispatcher := scheduler.NewDispatcher(db, &scheduler.Store{}, q, logger, newSchedulerLimits(cfg))
	return dispatcher.Run(ctx)
}

func runIngestPull(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) error {
	registry := newAdapterRegistry(cfg)
	credentials, err := newCredentialStore(cfg)
	if err != nil {
		return err
	}
	jobs := &scheduler.Store{}

	q := queue.New(rdb, queue.IngestionEvents, queue.Options{Group: "pull-workers"})
	if err := q.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("ensuring ingestion-events group: %w", err)
	}

	worker := ingest.NewPullWorker(db, registry, credentials, jobs, q, logger)
	return worker.Run(ctx, "ingest-pull")
}

func runIngestNormalize(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) error {
	changeFeed := shard.NewRedisChangeFeed(rdb)
	store := newShardStore(changeFeed)

	in := queue.New(rdb, queue.IngestionEvents, queue.Options{Group: "normalize-workers"})
	out := queue.New(rdb, queue.EnrichmentJobs, queue.Options{Group: "normalize-workers"})
	if err := in.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("ensuring ingestion-events group: %w", err)
	}
	if err := out.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("ensuring enrichment-jobs group: %w", err)
	}

	worker := ingest.NewNormalizeWorker(db, store, in, out, logger)
	return worker.Run(ctx, "ingest-normalize")
}

func runIngestEnrich(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) error {
	changeFeed := shard.NewRedisChangeFeed(rdb)
	store := newShardStore(changeFeed)
	ext := extractor.NewHTTPExtractor(cfg.ExtractorEndpoint)
	embeddings := retrieval.NewHTTPEmbeddingProvider(cfg.EmbeddingEndpoint, cfg.EmbeddingModel)

	q := queue.New(rdb, queue.EnrichmentJobs, queue.Options{Group: "enrich-workers"})
	if err := q.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("ensuring enrichment-jobs group: %w", err)
	}

	worker := ingest.NewEnrichWorker(db, store, ext, embeddings, q, logger)
	return worker.Run(ctx, "ingest-enrich")
}

func runIngestWriteback(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) error {
	changeFeed := shard.NewRedisChangeFeed(rdb)
	store := newShardStore(changeFeed)
	registry := newAdapterRegistry(cfg)
	credentials, err := newCredentialStore(cfg)
	if err != nil {
		return err
	}
	notifier := alert.NewNotifier(cfg.AlertSlackBotToken, cfg.AlertSlackChannel, logger)

	q := queue.New(rdb, queue.SyncOutbound, queue.Options{Group: "writeback-workers"})
	if err := q.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("ensuring sync-outbound group: %w", err)
	}

	worker := ingest.NewWriteBackWorker(db, store, registry, credentials, q, notifier, logger)
	return worker.Run(ctx, "ingest-writeback")
}

func runRefresher(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool) error {
	credStore, err := newCredentialStore(cfg)
	if err != nil {
		return err
	}
	registry := newAdapterRegistry(cfg)

	refreshers := map[string]credential.Refresher{}
	for _, a := range registry.All() {
		if r, ok := a.(credential.Refresher); ok {
			refreshers[a.ProviderID()] = r
		}
	}

	pauser := &scheduler.Store{}
	manager := credential.NewManager(db, credStore, refreshers, pauser, logger)
	return manager.Run(ctx)
}

// runBackground runs the tenant-agnostic project auto-attachment consumer
// plus one goroutine per tenant for the insight-recompute and project
// cache-invalidation subscribers, reconciling the tenant set on a fixed
// poll interval so newly provisioned tenants get picked up without a
// restart.
func runBackground(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) error {
	changeFeed := shard.NewRedisChangeFeed(rdb)
	store := newShardStore(changeFeed)
	resolver := project.NewResolver(store, rdb)

	attachQueue := queue.New(rdb, queue.ShardCreated, queue.Options{Group: "auto-attachment"})
	if err := attachQueue.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("ensuring shard-created group: %w", err)
	}
	attacher := project.NewAutoAttacher(db, store, attachQueue, logger)

	invalidator := project.NewCacheInvalidator(resolver, store, changeFeed, logger)
	insightWorker := insight.NewWorker(store, changeFeed, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := attacher.Run(ctx, "background"); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("auto-attachment: %w", err)
		}
	}()

	supervised := map[string]context.CancelFunc{}
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	reconcile := func() {
		tenants, err := tenant.ListAll(ctx, db)
		if err != nil {
			logger.Error("background: listing tenants", "error", err)
			return
		}
		seen := map[string]bool{}
		for _, t := range tenants {
			slug := t.Slug
			seen[slug] = true
			if _, ok := supervised[slug]; ok {
				continue
			}
			tenantCtx, cancel := context.WithCancel(ctx)
			supervised[slug] = cancel
			go runTenantBackgroundLoop(tenantCtx, db, t, invalidator, insightWorker, logger)
		}
		for slug, cancel := range supervised {
			if !seen[slug] {
				cancel()
				delete(supervised, slug)
			}
		}
	}

	reconcile()
	for {
		select {
		case <-ctx.Done():
			return <-errCh
		case err := <-errCh:
			return err
		case <-ticker.C:
			reconcile()
		}
	}
}

// runTenantBackgroundLoop runs one tenant's cache-invalidation subscriber,
// insight-recompute subscriber, and nightly KPI batch until ctx is
// cancelled (the tenant was deprovisioned or the process is shutting
// down).
func runTenantBackgroundLoop(ctx context.Context, db *pgxpool.Pool, t *tenant.Info, invalidator *project.CacheInvalidator, insightWorker *insight.Worker, logger *slog.Logger) {
	conn, err := db.Acquire(ctx)
	if err != nil {
		logger.Error("background: acquiring tenant connection", "tenant", t.Slug, "error", err)
		return
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, "SET search_path = "+t.Schema+", public"); err != nil {
		logger.Error("background: setting search_path", "tenant", t.Slug, "error", err)
		return
	}

	go func() {
		if err := invalidator.Run(ctx, t.ID.String(), conn); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("background: cache invalidation", "tenant", t.Slug, "error", err)
		}
	}()

	go func() {
		if err := insightWorker.Run(ctx, t, conn); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("background: insight recompute", "tenant", t.Slug, "error", err)
		}
	}()

	nightly := time.NewTicker(24 * time.Hour)
	defer nightly.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-nightly.C:
			if err := insightWorker.NightlyBatch(ctx, conn, t.ID); err != nil {
				logger.Error("background: nightly KPI batch", "tenant", t.Slug, "error", err)
			}
		}
	}
}

// newProviderCatalog returns a provider.Store over the global provider
// catalog. The seed command builds its own provider.Store and does not
// call this function.
func newProviderCatalog(db *pgxpool.Pool) *provider.Store {
	return &provider.Store{DB: db}
}
