package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shardforge/syncengine/pkg/adapter"
	"github.com/shardforge/syncengine/pkg/credential"
	"github.com/shardforge/syncengine/pkg/provider"
	"github.com/shardforge/syncengine/pkg/queue"
	"github.com/shardforge/syncengine/pkg/scheduler"
	"github.com/shardforge/syncengine/pkg/tenant"
)

// defaultMaxRecordsPerSync mirrors MAX_RECORDS_PER_SYNC's documented
// default; PullWorker.MaxRecordsPerSync overrides it from config.
const defaultMaxRecordsPerSync = 1000

// PullWorker consumes scheduler.ScheduledSync messages and pages through
// an adapter's fetchRecords until done or MAX_RECORDS_PER_SYNC is reached
// (spec §4.5).
type PullWorker struct {
	DB           *pgxpool.Pool
	Registry     *adapter.Registry
	Credentials  *credential.Store
	Integrations provider.IntegrationStore
	Jobs         *scheduler.Store
	Queue        *queue.Queue
	Logger       *slog.Logger

	MaxRecordsPerSync int
}

// NewPullWorker constructs a PullWorker with the spec's default page cap.
func NewPullWorker(db *pgxpool.Pool, registry *adapter.Registry, credentials *credential.Store, jobs *scheduler.Store, q *queue.Queue, logger *slog.Logger) *PullWorker {
	return &PullWorker{
		DB:                db,
		Registry:          registry,
		Credentials:       credentials,
		Jobs:              jobs,
		Queue:             q,
		Logger:            logger,
		MaxRecordsPerSync: defaultMaxRecordsPerSync,
	}
}

// Run consumes scheduled-sync messages until ctx is cancelled. Messages
// that aren't a scheduled sync (e.g. webhook-origin ingestion events
// sharing the same stream) are acked and skipped untouched.
func (p *PullWorker) Run(ctx context.Context, consumerName string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := p.Queue.Consume(ctx, consumerName, 10, 5*time.Second)
		if err != nil {
			p.Logger.Error("scheduled-pull: consuming", "error", err)
			continue
		}
		for _, msg := range msgs {
			if err := p.handle(ctx, msg); err != nil {
				p.Logger.Error("scheduled-pull: handling message", "error", err)
				continue
			}
			if err := p.Queue.Ack(ctx, msg.ID); err != nil {
				p.Logger.Error("scheduled-pull: acking", "error", err)
			}
		}
	}
}

func effectiveMax(configured int) int {
	if configured <= 0 {
		return defaultMaxRecordsPerSync
	}
	return configured
}

func (p *PullWorker) handle(ctx context.Context, msg queue.Message) error {
	var sync scheduler.ScheduledSync
	if err := json.Unmarshal(msg.Body, &sync); err != nil {
		return fmt.Errorf("decoding scheduled sync: %w", err)
	}
	if sync.JobID == "" {
		return nil // not a scheduled-pull message
	}

	tenantID, err := uuid.Parse(sync.TenantID)
	if err != nil {
		return fmt.Errorf("parsing tenant id: %w", err)
	}
	integrationID, err := uuid.Parse(sync.IntegrationID)
	if err != nil {
		return fmt.Errorf("parsing integration id: %w", err)
	}
	jobID, err := uuid.Parse(sync.JobID)
	if err != nil {
		return fmt.Errorf("parsing job id: %w", err)
	}

	t, err := tenant.LookupByID(ctx, p.DB, tenantID)
	if err != nil {
		return fmt.Errorf("resolving tenant %s: %w", tenantID, err)
	}

	conn, err := p.DB.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, "SET search_path = "+t.Schema+", public"); err != nil {
		return err
	}

	integration, err := p.Integrations.Get(ctx, conn, integrationID)
	if err != nil {
		return fmt.Errorf("loading integration %s: %w", integrationID, err)
	}

	a, ok := p.Registry.Get(sync.ProviderID)
	if !ok {
		return fmt.Errorf("no adapter registered for provider %q", sync.ProviderID)
	}

	_, payload, err := p.Credentials.Fetch(ctx, conn, integration.CredentialHandle)
	if err != nil {
		return fmt.Errorf("fetching credential %s: %w", integration.CredentialHandle, err)
	}

	sess, err := a.Connect(ctx, payload)
	if err != nil {
		return fmt.Errorf("connecting adapter %s: %w", sync.ProviderID, err)
	}
	defer sess.Close(ctx)

	max := effectiveMax(p.MaxRecordsPerSync)

	cursor := sync.Cursor
	total := 0
	for total < max {
		records, nextCursor, done, err := a.FetchRecords(ctx, sess, sync.Entity, cursor, nil)
		if err != nil {
			return fmt.Errorf("fetching records for %s/%s: %w", sync.ProviderID, sync.Entity, err)
		}
		if len(records) == 0 {
			break
		}

		for _, rec := range records {
			msg := IngestionEvent{
				TenantID:      tenantID.String(),
				IntegrationID: integrationID.String(),
				ProviderID:    sync.ProviderID,
				Entity:        rec.ExternalType,
				ExternalID:    rec.ExternalID,
				ObservedAt:    rec.ObservedAt,
				Fields:        rec.Fields,
				Source:        "scheduled",
			}
			sessionKey := fmt.Sprintf("%s:%s:%s", tenantID, integrationID, rec.ExternalID)
			if _, err := p.Queue.Publish(ctx, sessionKey, msg); err != nil {
				return fmt.Errorf("enqueueing ingestion event: %w", err)
			}
		}
		total += len(records)

		cursor = nextCursor
		if err := p.Jobs.UpdateCursor(ctx, conn, jobID, cursor); err != nil {
			p.Logger.Error("scheduled-pull: persisting cursor", "job", jobID, "error", err)
		}

		if done {
			break
		}
	}
	return nil
}
