package project

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shardforge/syncengine/pkg/shard"
)

func TestStrongOverlapRequiresTwoSignalsOrOneExplicitReference(t *testing.T) {
	cases := []struct {
		name string
		s    overlapSignals
		want bool
	}{
		{"none", overlapSignals{}, false},
		{"single entity", overlapSignals{entity: true}, false},
		{"entity+actor", overlapSignals{entity: true, actor: true}, true},
		{"explicit alone", overlapSignals{explicitReference: true}, true},
	}
	for _, c := range cases {
		if got := strongOverlap(c.s); got != c.want {
			t.Errorf("%s: strongOverlap = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestEntityOverlap(t *testing.T) {
	shared := uuid.New()
	proj := &shard.Shard{InternalRelationships: []shard.InternalRelationship{{TargetShardID: shared}}}
	candidate := &shard.Shard{InternalRelationships: []shard.InternalRelationship{{TargetShardID: shared}}}
	if !entityOverlap(proj, candidate) {
		t.Error("expected entity overlap")
	}

	other := &shard.Shard{InternalRelationships: []shard.InternalRelationship{{TargetShardID: uuid.New()}}}
	if entityOverlap(proj, other) {
		t.Error("expected no entity overlap")
	}
}

func TestActorOverlap(t *testing.T) {
	proj := &shard.Shard{StructuredData: map[string]any{"participants": []any{"Alice", "Bob"}}}
	candidate := &shard.Shard{StructuredData: map[string]any{"participants": []any{"bob", "Carol"}}}
	if !actorOverlap(proj, candidate) {
		t.Error("expected actor overlap (case-insensitive)")
	}

	noOverlap := &shard.Shard{StructuredData: map[string]any{"participants": []any{"Dave"}}}
	if actorOverlap(proj, noOverlap) {
		t.Error("expected no actor overlap")
	}
}

func TestTimeOverlap(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	proj := &shard.Shard{Metadata: shard.Metadata{UpdatedAt: base}}

	within := &shard.Shard{Metadata: shard.Metadata{UpdatedAt: base.Add(10 * 24 * time.Hour)}}
	if !timeOverlap(proj, within) {
		t.Error("expected time overlap within 30 days")
	}

	outside := &shard.Shard{Metadata: shard.Metadata{UpdatedAt: base.Add(60 * 24 * time.Hour)}}
	if timeOverlap(proj, outside) {
		t.Error("expected no time overlap beyond 30 days")
	}
}

func TestExplicitReference(t *testing.T) {
	proj := &shard.Shard{Name: "Acme Renewal"}
	candidate := &shard.Shard{UnstructuredData: "Follow-up call about the Acme Renewal timeline."}
	if !explicitReference(proj, candidate) {
		t.Error("expected explicit reference match on project name")
	}

	noMatch := &shard.Shard{UnstructuredData: "Unrelated note."}
	if explicitReference(proj, noMatch) {
		t.Error("expected no explicit reference match")
	}
}

func TestAlreadyLinked(t *testing.T) {
	id := uuid.New()
	proj := &shard.Shard{InternalRelationships: []shard.InternalRelationship{{TargetShardID: id}}}
	if !alreadyLinked(proj, id) {
		t.Error("expected already linked")
	}
	if alreadyLinked(proj, uuid.New()) {
		t.Error("expected not linked")
	}
}

func TestEvaluateOverlapConfidenceScalesWithSignalCount(t *testing.T) {
	shared := uuid.New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	proj := &shard.Shard{
		Name:                  "Acme Renewal",
		Metadata:              shard.Metadata{UpdatedAt: base},
		InternalRelationships: []shard.InternalRelationship{{TargetShardID: shared}},
		StructuredData:        map[string]any{"participants": []any{"Alice"}},
	}
	candidate := &shard.Shard{
		Metadata:              shard.Metadata{UpdatedAt: base.Add(time.Hour)},
		InternalRelationships: []shard.InternalRelationship{{TargetShardID: shared}},
		StructuredData:        map[string]any{"participants": []any{"alice"}},
	}

	signals, confidence := evaluateOverlap(proj, candidate)
	if !strongOverlap(signals) {
		t.Fatal("expected strong overlap")
	}
	if confidence <= 0 {
		t.Error("expected positive confidence for overlapping shard")
	}
}
