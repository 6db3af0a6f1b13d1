package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"

	"github.com/shardforge/syncengine/pkg/provider"
	"github.com/shardforge/syncengine/pkg/queue"
	"github.com/shardforge/syncengine/pkg/tenant"
)

// ScheduledSync is the message enqueued onto ingestion-events for a
// scheduler-initiated pull, keyed by (tenantId, integrationId, entity) so
// the scheduled-pull worker can session-partition it.
type ScheduledSync struct {
	TenantID      string `json:"tenant_id"`
	IntegrationID string `json:"integration_id"`
	ProviderID    string `json:"provider_id"`
	Entity        string `json:"entity"`
	Cursor        string `json:"cursor"`
	JobID         string `json:"job_id"`
}

// Limits are the process-wide concurrency caps (spec §4.4). The same
// values apply to every tenant; no per-tenant override is read.
type Limits struct {
	MaxTotalConcurrent  int
	MaxPerTenant        int
	DefaultMinInterval  time.Duration
	LeaseDuration       time.Duration
}

// Dispatcher wakes on a fixed tick to admit and lease due jobs.
type Dispatcher struct {
	DB     *pgxpool.Pool
	Store  *Store
	Queue  *queue.Queue
	Logger *slog.Logger
	Limits Limits

	TickInterval time.Duration
}

// NewDispatcher constructs a Dispatcher with the spec's default tick (60s).
func NewDispatcher(db *pgxpool.Pool, store *Store, q *queue.Queue, logger *slog.Logger, limits Limits) *Dispatcher {
	return &Dispatcher{
		DB:           db,
		Store:        store,
		Queue:        q,
		Logger:       logger,
		Limits:       limits,
		TickInterval: 60 * time.Second,
	}
}

// Run blocks, ticking every d.TickInterval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.TickInterval)
	defer ticker.Stop()

	d.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	tenants, err := tenant.ListAll(ctx, d.DB)
	if err != nil {
		d.Logger.Error("scheduler: listing tenants", "error", err)
		return
	}

	globalRunning, _, err := d.countGlobalRunning(ctx, tenants)
	if err != nil {
		d.Logger.Error("scheduler: counting running jobs", "error", err)
		return
	}

	for _, t := range tenants {
		if globalRunning >= d.Limits.MaxTotalConcurrent {
			d.Logger.Warn("scheduler: global concurrency cap reached, deferring remaining tenants")
			return
		}
		admitted := d.tickTenant(ctx, t, d.Limits.MaxTotalConcurrent-globalRunning)
		globalRunning += admitted
	}
}

func (d *Dispatcher) countGlobalRunning(ctx context.Context, tenants []*tenant.Info) (int, map[string]int, error) {
	total := 0
	perTenant := map[string]int{}
	now := time.Now().UTC()

	for _, t := range tenants {
		conn, err := d.DB.Acquire(ctx)
		if err != nil {
			return 0, nil, err
		}
		if _, err := conn.Exec(ctx, "SET search_path = "+t.Schema+", public"); err != nil {
			conn.Release()
			return 0, nil, err
		}
		_, byTenant, err := d.Store.CountRunning(ctx, conn, now)
		conn.Release()
		if err != nil {
			return 0, nil, err
		}
		for _, count := range byTenant {
			total += count
			perTenant[t.Slug] += count
		}
	}
	return total, perTenant, nil
}

// tickTenant admits and leases due jobs for one tenant, bounded by
// remainingGlobalCapacity and the per-tenant cap, returning how many jobs
// it admitted.
func (d *Dispatcher) tickTenant(ctx context.Context, t *tenant.Info, remainingGlobalCapacity int) int {
	conn, err := d.DB.Acquire(ctx)
	if err != nil {
		d.Logger.Error("scheduler: acquiring connection", "tenant", t.Slug, "error", err)
		return 0
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SET search_path = "+t.Schema+", public"); err != nil {
		d.Logger.Error("scheduler: setting search_path", "tenant", t.Slug, "error", err)
		return 0
	}

	now := time.Now().UTC()
	jobs, err := d.Store.DueJobs(ctx, conn, now)
	if err != nil {
		d.Logger.Error("scheduler: querying due jobs", "tenant", t.Slug, "error", err)
		return 0
	}

	_, byTenant, err := d.Store.CountRunning(ctx, conn, now)
	if err != nil {
		d.Logger.Error("scheduler: counting running jobs", "tenant", t.Slug, "error", err)
		return 0
	}
	tenantRunning := byTenant[t.ID]

	admitted := 0
	for _, job := range jobs {
		if admitted >= remainingGlobalCapacity {
			break
		}
		if tenantRunning+admitted >= d.Limits.MaxPerTenant {
			break
		}
		if !d.minIntervalElapsed(job, now) {
			continue // provider floor not yet elapsed since last success
		}

		ok, err := d.Store.AcquireLease(ctx, conn, job.ID, now, d.Limits.LeaseDuration)
		if err != nil {
			d.Logger.Error("scheduler: acquiring lease", "job", job.ID, "error", err)
			continue
		}
		if !ok {
			continue // another tick (or worker) beat us to it
		}

		if err := d.enqueue(ctx, t, job); err != nil {
			d.Logger.Error("scheduler: enqueueing scheduled sync", "job", job.ID, "error", err)
			continue
		}

		nextRunAt := computeNextRunAt(job.Frequency, now)
		if err := d.Store.Complete(ctx, conn, job.ID, true, "", job.Cursor, nextRunAt); err != nil {
			d.Logger.Error("scheduler: recording schedule", "job", job.ID, "error", err)
		}

		admitted++
	}
	return admitted
}

// minIntervalElapsed enforces the third admission gate from spec §4.4 step
// 2: a job may not be dispatched more often than its provider's floor
// (spec §6's per-provider table), nor faster than the operator-configured
// default, whichever is larger. A job that has never completed a run is
// always eligible; this also covers a lease reclaimed after a failed
// attempt, which must still respect the floor rather than retrying
// immediately.
func (d *Dispatcher) minIntervalElapsed(job *Job, now time.Time) bool {
	if job.LastSuccessAt == nil {
		return true
	}
	minInterval := d.Limits.DefaultMinInterval
	if p, ok := provider.Lookup(job.ProviderID); ok && p.MinSyncInterval > minInterval {
		minInterval = p.MinSyncInterval
	}
	if minInterval <= 0 {
		return true
	}
	return now.Sub(*job.LastSuccessAt) >= minInterval
}

func (d *Dispatcher) enqueue(ctx context.Context, t *tenant.Info, job *Job) error {
	msg := ScheduledSync{
		TenantID:      t.ID.String(),
		IntegrationID: job.IntegrationID.String(),
		ProviderID:    job.ProviderID,
		Entity:        job.Entity,
		Cursor:        job.Cursor,
		JobID:         job.ID.String(),
	}
	sessionKey := fmt.Sprintf("%s:%s:%s", t.ID, job.IntegrationID, job.Entity)
	_, err := d.Queue.Publish(ctx, sessionKey, msg)
	return err
}

// computeNextRunAt evaluates the job's frequency spec against its
// declared timezone (cron schedules) or a fixed interval. Manual
// schedules never re-enqueue from the dispatcher.
func computeNextRunAt(freq Frequency, now time.Time) time.Time {
	if freq.Manual {
		return now.Add(24 * time.Hour * 365) // effectively never, until manually re-triggered
	}
	if freq.Cron != "" {
		loc, err := time.LoadLocation(freq.Timezone)
		if err != nil {
			loc = time.UTC
		}
		schedule, err := cron.ParseStandard(freq.Cron)
		if err != nil {
			return now.Add(defaultInterval(freq))
		}
		return schedule.Next(now.In(loc))
	}
	return now.Add(defaultInterval(freq))
}

func defaultInterval(freq Frequency) time.Duration {
	minutes := freq.IntervalMinutes
	if minutes <= 0 {
		minutes = 60
	}
	return time.Duration(minutes) * time.Minute
}
