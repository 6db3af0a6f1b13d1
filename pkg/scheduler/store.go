package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shardforge/syncengine/pkg/shard"
)

// ErrNotFound is returned when a sync job id does not resolve.
var ErrNotFound = errors.New("sync job not found")

// Querier is satisfied by *pgxpool.Pool and *pgxpool.Conn.
type Querier = shard.Querier

// Store persists sync job records in a tenant's schema.
type Store struct{}

const jobSelectSQL = `
	SELECT id, tenant_id, integration_id, provider_id, entity, status, cursor,
	       next_run_at, last_success_at, last_error, retry_count, lease_expires_at,
	       frequency_interval_minutes, frequency_cron, frequency_timezone, frequency_manual
	FROM sync_jobs`

// Create inserts a new job in status=active with nextRunAt computed by the caller.
func (st *Store) Create(ctx context.Context, q Querier, j *Job) error {
	const stmt = `
		INSERT INTO sync_jobs (
			id, tenant_id, integration_id, provider_id, entity, status, cursor, next_run_at,
			frequency_interval_minutes, frequency_cron, frequency_timezone, frequency_manual
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err := q.Exec(ctx, stmt,
		j.ID, j.TenantID, j.IntegrationID, j.ProviderID, j.Entity, string(StatusActive), j.Cursor, j.NextRunAt,
		j.Frequency.IntervalMinutes, j.Frequency.Cron, j.Frequency.Timezone, j.Frequency.Manual,
	)
	if err != nil {
		return fmt.Errorf("creating sync job: %w", err)
	}
	return nil
}

// DueJobs returns active, unleased jobs whose nextRunAt has passed, or
// whose lease has expired (a worker crashed mid-run).
func (st *Store) DueJobs(ctx context.Context, q Querier, now time.Time) ([]*Job, error) {
	const stmt = jobSelectSQL + `
		WHERE status IN ('active', 'running')
		  AND next_run_at <= $1
		  AND (lease_expires_at IS NULL OR lease_expires_at < $1)
		ORDER BY COALESCE(last_success_at, 'epoch'::timestamptz) ASC`
	rows, err := q.Query(ctx, stmt, now)
	if err != nil {
		return nil, fmt.Errorf("querying due jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// AcquireLease atomically takes the lease on a job, incrementing retryCount
// if it had a prior expired lease. Returns false if another worker beat us
// to it (lease already held and unexpired).
func (st *Store) AcquireLease(ctx context.Context, q Querier, jobID uuid.UUID, now time.Time, leaseDuration time.Duration) (bool, error) {
	const stmt = `
		UPDATE sync_jobs
		SET status = 'running',
		    lease_expires_at = $2,
		    retry_count = CASE WHEN lease_expires_at IS NOT NULL AND lease_expires_at < $3 THEN retry_count + 1 ELSE retry_count END
		WHERE id = $1
		  AND (lease_expires_at IS NULL OR lease_expires_at < $3)`
	tag, err := q.Exec(ctx, stmt, jobID, now.Add(leaseDuration), now)
	if err != nil {
		return false, fmt.Errorf("acquiring lease for job %s: %w", jobID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Complete releases the lease, records success/failure, and computes the
// next run time from cursor/frequency.
func (st *Store) Complete(ctx context.Context, q Querier, jobID uuid.UUID, success bool, syncErr string, nextCursor string, nextRunAt time.Time) error {
	status := string(StatusActive)
	now := time.Now().UTC()

	const stmt = `
		UPDATE sync_jobs
		SET status = $2, cursor = $3, next_run_at = $4, last_error = $5,
		    last_success_at = CASE WHEN $6 THEN $7 ELSE last_success_at END,
		    lease_expires_at = NULL
		WHERE id = $1`
	_, err := q.Exec(ctx, stmt, jobID, status, nextCursor, nextRunAt, syncErr, success, now)
	if err != nil {
		return fmt.Errorf("completing sync job %s: %w", jobID, err)
	}
	return nil
}

// UpdateCursor persists a page cursor mid-pull, independent of Complete,
// so a pull interrupted mid-page resumes from the last persisted cursor
// rather than restarting the entity from scratch.
func (st *Store) UpdateCursor(ctx context.Context, q Querier, jobID uuid.UUID, cursor string) error {
	_, err := q.Exec(ctx, `UPDATE sync_jobs SET cursor = $2 WHERE id = $1`, jobID, cursor)
	if err != nil {
		return fmt.Errorf("persisting cursor for job %s: %w", jobID, err)
	}
	return nil
}

// Pause transitions a job (e.g. all jobs for an integration whose
// credential could not be refreshed) out of the active rotation.
func (st *Store) Pause(ctx context.Context, q Querier, integrationID uuid.UUID) error {
	_, err := q.Exec(ctx, `UPDATE sync_jobs SET status = 'paused' WHERE integration_id = $1`, integrationID)
	if err != nil {
		return fmt.Errorf("pausing sync jobs for integration %s: %w", integrationID, err)
	}
	return nil
}

// PauseIntegration implements credential.IntegrationPauser.
func (st *Store) PauseIntegration(ctx context.Context, q Querier, integrationID string) error {
	id, err := uuid.Parse(integrationID)
	if err != nil {
		return fmt.Errorf("parsing integration id: %w", err)
	}
	return st.Pause(ctx, q, id)
}

// CountRunning returns how many jobs currently hold an unexpired lease,
// tenant-wide and for the given tenant, used to enforce concurrency caps.
func (st *Store) CountRunning(ctx context.Context, q Querier, now time.Time) (total int, byTenant map[uuid.UUID]int, err error) {
	const stmt = `
		SELECT tenant_id, count(*) FROM sync_jobs
		WHERE status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at >= $1
		GROUP BY tenant_id`
	rows, qerr := q.Query(ctx, stmt, now)
	if qerr != nil {
		return 0, nil, fmt.Errorf("counting running jobs: %w", qerr)
	}
	defer rows.Close()

	byTenant = map[uuid.UUID]int{}
	for rows.Next() {
		var tenantID uuid.UUID
		var count int
		if err := rows.Scan(&tenantID, &count); err != nil {
			return 0, nil, err
		}
		byTenant[tenantID] = count
		total += count
	}
	return total, byTenant, rows.Err()
}

func scanJob(row pgx.Rows) (*Job, error) {
	var j Job
	var status string
	var cursor, lastError *string
	var freqCron, freqTZ *string
	if err := row.Scan(
		&j.ID, &j.TenantID, &j.IntegrationID, &j.ProviderID, &j.Entity, &status, &cursor,
		&j.NextRunAt, &j.LastSuccessAt, &lastError, &j.RetryCount, &j.LeaseExpiresAt,
		&j.Frequency.IntervalMinutes, &freqCron, &freqTZ, &j.Frequency.Manual,
	); err != nil {
		return nil, fmt.Errorf("scanning sync job: %w", err)
	}
	j.Status = Status(status)
	if cursor != nil {
		j.Cursor = *cursor
	}
	if lastError != nil {
		j.LastError = *lastError
	}
	if freqCron != nil {
		j.Frequency.Cron = *freqCron
	}
	if freqTZ != nil {
		j.Frequency.Timezone = *freqTZ
	}
	return &j, nil
}
