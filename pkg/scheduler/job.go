// Package scheduler dispatches due sync jobs onto the ingestion pipeline,
// enforcing global and per-tenant concurrency limits and per-provider
// minimum sync intervals.
package scheduler

import (
	"time"

	"github.com/google/uuid"
)

// Status is a sync job's lifecycle state.
type Status string

const (
	StatusActive  Status = "active"
	StatusPaused  Status = "paused"
	StatusRunning Status = "running"
)

// Job is a scheduled unit of work for one integration's one entity.
type Job struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	IntegrationID uuid.UUID
	ProviderID    string
	Entity        string

	Status         Status
	Cursor         string
	NextRunAt      time.Time
	LastSuccessAt  *time.Time
	LastError      string
	RetryCount     int
	LeaseExpiresAt *time.Time

	Frequency Frequency
}

// Frequency mirrors provider.Frequency without importing pkg/provider,
// keeping the scheduler's persistence model self-contained.
type Frequency struct {
	IntervalMinutes int
	Cron            string
	Timezone        string
	Manual          bool
}

// Leased reports whether the job currently holds an unexpired lease.
func (j *Job) Leased(now time.Time) bool {
	return j.LeaseExpiresAt != nil && j.LeaseExpiresAt.After(now)
}
