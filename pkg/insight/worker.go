package insight

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shardforge/syncengine/pkg/shard"
	"github.com/shardforge/syncengine/pkg/tenant"
)

// ChangeSubscriber is implemented by shard.RedisChangeFeed.
type ChangeSubscriber interface {
	Subscribe(ctx context.Context, tenantID string) (<-chan shard.ChangeEvent, func(), error)
}

// Worker recomputes KPI shards on CRM-category change events and on a
// nightly batch schedule (spec §4.9).
type Worker struct {
	Store  *shard.Store
	Feed   ChangeSubscriber
	Logger *slog.Logger
}

// NewWorker constructs a Worker.
func NewWorker(store *shard.Store, feed ChangeSubscriber, logger *slog.Logger) *Worker {
	return &Worker{Store: store, Feed: feed, Logger: logger}
}

// Run subscribes to tenantID's change feed and recomputes on any event
// touching an opportunity or account shard, until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, t *tenant.Info, q shard.Querier) error {
	events, unsubscribe, err := w.Feed.Subscribe(ctx, t.ID.String())
	if err != nil {
		return err
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if !isCRMEvent(ev) {
				continue
			}
			if err := w.Recompute(ctx, q, t.ID, "incremental"); err != nil {
				w.Logger.Error("insight: recomputing KPIs", "tenant", t.Slug, "error", err)
			}
		}
	}
}

func isCRMEvent(ev shard.ChangeEvent) bool {
	s := ev.After
	if s == nil {
		s = ev.Before
	}
	if s == nil {
		return false
	}
	return s.ShardTypeID == ShardTypeOpportunity || s.ShardTypeID == ShardTypeAccount
}

// NightlyBatch recomputes KPIs for every tenant, closing gaps left by any
// missed change-feed events. It never deletes an existing KPI shard; the
// new recomputation supersedes the prior one by version.
func (w *Worker) NightlyBatch(ctx context.Context, q shard.Querier, tenantID uuid.UUID) error {
	return w.Recompute(ctx, q, tenantID, "nightly")
}

// Recompute loads the tenant's current opportunities, computes the KPI
// set, and persists a new c_insight_kpi shard linked to every source
// shard via a provenance relationship, archiving the shard it supersedes.
func (w *Worker) Recompute(ctx context.Context, q shard.Querier, tenantID uuid.UUID, trigger string) error {
	opportunities, err := w.Store.QueryByTenant(ctx, q, tenantID, shard.Filter{ShardTypeID: ShardTypeOpportunity, Limit: 5000})
	if err != nil {
		return fmt.Errorf("loading opportunities: %w", err)
	}

	set := computeKPIs(opportunities)

	provenance := make([]shard.InternalRelationship, 0, len(opportunities))
	for _, opp := range opportunities {
		provenance = append(provenance, shard.InternalRelationship{
			TargetShardID: opp.ID,
			ShardTypeID:   opp.ShardTypeID,
			Kind:          shard.RelProvenance,
			Confidence:    1.0,
			Source:        "derived",
		})
	}

	previous, err := w.findCurrentKPIShard(ctx, q, tenantID)
	if err != nil {
		return fmt.Errorf("finding current KPI shard: %w", err)
	}

	next := &shard.Shard{
		TenantID:    tenantID,
		ShardTypeID: ShardTypeInsightKPI,
		Name:        "CRM KPI summary",
		StructuredData: map[string]any{
			"total_deal_value":   set.TotalDealValue,
			"win_rate":           set.WinRate,
			"avg_cycle_time_days": set.AvgCycleTimeDays,
			"close_probability":  set.CloseProbability,
			"opportunity_count":  set.OpportunityCount,
			"computed_at":        time.Now().UTC().Format(time.RFC3339),
			"trigger":            trigger,
		},
		InternalRelationships: provenance,
	}
	if err := w.Store.Create(ctx, q, next); err != nil {
		return fmt.Errorf("creating KPI shard: %w", err)
	}

	if previous != nil {
		previous.Status = shard.StatusArchived
		if err := w.Store.Update(ctx, q, previous); err != nil {
			return fmt.Errorf("archiving superseded KPI shard: %w", err)
		}
	}
	return nil
}

func (w *Worker) findCurrentKPIShard(ctx context.Context, q shard.Querier, tenantID uuid.UUID) (*shard.Shard, error) {
	existing, err := w.Store.QueryByTenant(ctx, q, tenantID, shard.Filter{ShardTypeID: ShardTypeInsightKPI, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		return nil, nil
	}
	return existing[0], nil
}
