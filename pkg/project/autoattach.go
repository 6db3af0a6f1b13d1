package project

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shardforge/syncengine/pkg/queue"
	"github.com/shardforge/syncengine/pkg/shard"
	"github.com/shardforge/syncengine/pkg/tenant"
)

// overlapWindow is the "activity within 30 days" time-overlap signal.
const overlapWindow = 30 * 24 * time.Hour

// AutoAttacher subscribes to shard-created events and evaluates overlap
// rules against every open project in the tenant, auto-adding an internal
// relationship from project to shard when overlap is strong enough.
type AutoAttacher struct {
	DB     *pgxpool.Pool
	Store  *shard.Store
	Queue  *queue.Queue
	Logger *slog.Logger
}

// NewAutoAttacher constructs an AutoAttacher consuming q (expected to be
// the shard-created stream).
func NewAutoAttacher(db *pgxpool.Pool, store *shard.Store, q *queue.Queue, logger *slog.Logger) *AutoAttacher {
	return &AutoAttacher{DB: db, Store: store, Queue: q, Logger: logger}
}

// Run consumes shard-created events until ctx is cancelled.
func (a *AutoAttacher) Run(ctx context.Context, consumerName string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := a.Queue.Consume(ctx, consumerName, 10, 5*time.Second)
		if err != nil {
			a.Logger.Error("auto-attachment: consuming shard-created", "error", err)
			continue
		}
		for _, msg := range msgs {
			if err := a.handle(ctx, msg); err != nil {
				a.Logger.Error("auto-attachment: handling event", "error", err)
				continue
			}
			if err := a.Queue.Ack(ctx, msg.ID); err != nil {
				a.Logger.Error("auto-attachment: acking", "error", err)
			}
		}
	}
}

func (a *AutoAttacher) handle(ctx context.Context, msg queue.Message) error {
	var ev shard.ChangeEvent
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		return fmt.Errorf("decoding shard-created event: %w", err)
	}
	if ev.After == nil {
		return nil
	}

	conn, err := a.DB.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	t, err := tenant.LookupByID(ctx, a.DB, ev.TenantID)
	if err != nil {
		return fmt.Errorf("resolving tenant %s: %w", ev.TenantID, err)
	}
	if _, err := conn.Exec(ctx, "SET search_path = "+t.Schema+", public"); err != nil {
		return err
	}

	projects, err := a.Store.QueryByTenant(ctx, conn, ev.TenantID, shard.Filter{ShardTypeID: ShardTypeProject, Limit: 500})
	if err != nil {
		return fmt.Errorf("listing open projects: %w", err)
	}

	for _, proj := range projects {
		signals, confidence := evaluateOverlap(proj, ev.After)
		if !strongOverlap(signals) {
			continue
		}
		if alreadyLinked(proj, ev.After.ID) {
			continue
		}
		proj.InternalRelationships = append(proj.InternalRelationships, shard.InternalRelationship{
			TargetShardID: ev.After.ID,
			ShardTypeID:   ev.After.ShardTypeID,
			Kind:          shard.RelReferences,
			Confidence:    confidence,
			Source:        "auto",
		})
		if err := a.Store.Update(ctx, conn, proj); err != nil {
			a.Logger.Error("auto-attachment: updating project", "project", proj.ID, "error", err)
		}
	}
	return nil
}

// overlapSignals tracks which of the four overlap rules fired.
type overlapSignals struct {
	entity, actor, time, explicitReference bool
}

func (s overlapSignals) count() int {
	n := 0
	for _, v := range []bool{s.entity, s.actor, s.time, s.explicitReference} {
		if v {
			n++
		}
	}
	return n
}

// strongOverlap implements spec §4.7's auto-attachment trigger: any two
// signals, or one explicit reference.
func strongOverlap(s overlapSignals) bool {
	return s.explicitReference || s.count() >= 2
}

func evaluateOverlap(proj, candidate *shard.Shard) (overlapSignals, float64) {
	s := overlapSignals{
		entity:            entityOverlap(proj, candidate),
		actor:             actorOverlap(proj, candidate),
		time:              timeOverlap(proj, candidate),
		explicitReference: explicitReference(proj, candidate),
	}

	// Aggregated confidence scales with how many independent signals
	// agree; an explicit reference alone is treated as high-confidence.
	switch {
	case s.explicitReference:
		return s, 0.85
	case s.count() >= 3:
		return s, 0.9
	case s.count() == 2:
		return s, 0.75
	default:
		return s, 0.0
	}
}

// entityOverlap reports whether candidate shares a linked entity (target of
// an internal relationship) with proj.
func entityOverlap(proj, candidate *shard.Shard) bool {
	projEntities := map[uuid.UUID]bool{}
	for _, rel := range proj.InternalRelationships {
		projEntities[rel.TargetShardID] = true
	}
	for _, rel := range candidate.InternalRelationships {
		if projEntities[rel.TargetShardID] {
			return true
		}
	}
	return false
}

// actorOverlap reports whether candidate shares a participant with proj,
// read from the conventional "participants" structuredData field.
func actorOverlap(proj, candidate *shard.Shard) bool {
	projActors := stringSetField(proj, "participants")
	if len(projActors) == 0 {
		return false
	}
	for _, a := range stringSetField(candidate, "participants") {
		if projActors[strings.ToLower(a)] {
			return true
		}
	}
	return false
}

// timeOverlap reports whether candidate's activity falls within 30 days of
// the project's last update.
func timeOverlap(proj, candidate *shard.Shard) bool {
	delta := candidate.Metadata.UpdatedAt.Sub(proj.Metadata.UpdatedAt)
	if delta < 0 {
		delta = -delta
	}
	return delta <= overlapWindow
}

// explicitReference reports whether the candidate's text mentions the
// project's id or name.
func explicitReference(proj, candidate *shard.Shard) bool {
	haystack := strings.ToLower(candidate.Name + " " + candidate.UnstructuredData)
	if proj.Name != "" && strings.Contains(haystack, strings.ToLower(proj.Name)) {
		return true
	}
	return strings.Contains(haystack, strings.ToLower(proj.ID.String()))
}

func stringSetField(s *shard.Shard, field string) map[string]bool {
	raw, ok := s.StructuredData[field]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := map[string]bool{}
	for _, v := range list {
		if str, ok := v.(string); ok {
			out[strings.ToLower(str)] = true
		}
	}
	return out
}

func alreadyLinked(proj *shard.Shard, shardID uuid.UUID) bool {
	for _, rel := range proj.InternalRelationships {
		if rel.TargetShardID == shardID {
			return true
		}
	}
	return false
}
