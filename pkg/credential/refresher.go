package credential

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/singleflight"

	"github.com/shardforge/syncengine/pkg/tenant"
)

// Refresher exchanges an expiring payload for a fresh one. Implemented by
// each OAuth2-capable adapter.
type Refresher interface {
	Refresh(ctx context.Context, payload Payload) (Payload, time.Time, error)
}

// IntegrationPauser pauses sync jobs for an integration whose credential
// could not be refreshed. Implemented by pkg/scheduler.
type IntegrationPauser interface {
	PauseIntegration(ctx context.Context, q Querier, integrationID string) error
}

// Manager runs the periodic credential refresh loop described in spec §4.1:
// wake on a timer, find credentials expiring within the buffer window,
// refresh them, coalescing concurrent refreshes of the same handle.
type Manager struct {
	DB        *pgxpool.Pool
	Store     *Store
	Refreshers map[string]Refresher // keyed by providerID
	Pauser    IntegrationPauser
	Logger    *slog.Logger

	Interval       time.Duration
	Buffer         time.Duration

	group singleflight.Group
}

// NewManager constructs a Manager with the spec's default interval (1h)
// and refresh buffer (2h).
func NewManager(db *pgxpool.Pool, store *Store, refreshers map[string]Refresher, pauser IntegrationPauser, logger *slog.Logger) *Manager {
	return &Manager{
		DB:         db,
		Store:      store,
		Refreshers: refreshers,
		Pauser:     pauser,
		Logger:     logger,
		Interval:   time.Hour,
		Buffer:     2 * time.Hour,
	}
}

// Run blocks, waking every m.Interval to scan for and refresh expiring
// credentials across every tenant schema, until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	m.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	tenants, err := tenant.ListAll(ctx, m.DB)
	if err != nil {
		m.Logger.Error("refresher: listing tenants", "error", err)
		return
	}

	for _, t := range tenants {
		if err := m.refreshTenant(ctx, t); err != nil {
			m.Logger.Error("refresher: processing tenant", "tenant", t.Slug, "error", err)
		}
	}
}

func (m *Manager) refreshTenant(ctx context.Context, t *tenant.Info) error {
	conn, err := m.DB.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SET search_path = "+t.Schema+", public"); err != nil {
		return err
	}

	expiring, err := m.Store.ListExpiring(ctx, conn, m.Buffer)
	if err != nil {
		return err
	}

	for _, rec := range expiring {
		rec := rec
		_, _, _ = m.group.Do(rec.Handle, func() (any, error) {
			m.refreshOne(ctx, conn, rec)
			return nil, nil
		})
	}
	return nil
}

func (m *Manager) refreshOne(ctx context.Context, conn *pgxpool.Conn, rec Record) {
	refresher, ok := m.Refreshers[rec.ProviderID]
	if !ok {
		return
	}

	_, payload, err := m.Store.Fetch(ctx, conn, rec.Handle)
	if err != nil {
		m.Logger.Error("refresher: fetching credential", "handle", rec.Handle, "error", err)
		return
	}

	newPayload, expiresAt, err := refresher.Refresh(ctx, payload)
	if err != nil {
		m.Logger.Warn("refresher: refresh failed, marking credential expired",
			"handle", rec.Handle, "provider", rec.ProviderID, "error", err)
		if err := m.Store.MarkStatus(ctx, conn, rec.Handle, StatusExpired); err != nil {
			m.Logger.Error("refresher: marking credential expired", "handle", rec.Handle, "error", err)
		}
		if m.Pauser != nil {
			if err := m.Pauser.PauseIntegration(ctx, conn, rec.IntegrationID.String()); err != nil {
				m.Logger.Error("refresher: pausing integration", "integration", rec.IntegrationID, "error", err)
			}
		}
		return
	}

	if err := m.Store.Rotate(ctx, conn, rec.Handle, newPayload, expiresAt); err != nil {
		m.Logger.Error("refresher: rotating credential", "handle", rec.Handle, "error", err)
		return
	}

	m.Logger.Info("refresher: credential refreshed", "handle", rec.Handle, "provider", rec.ProviderID, "expires_at", expiresAt)
}
