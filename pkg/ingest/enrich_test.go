package ingest

import (
	"testing"

	"github.com/google/uuid"

	"github.com/shardforge/syncengine/pkg/extractor"
	"github.com/shardforge/syncengine/pkg/shard"
)

func TestEntityShardType(t *testing.T) {
	cases := []struct {
		kind extractor.EntityKind
		want string
	}{
		{extractor.EntityContact, "c_contact"},
		{extractor.EntityAccount, "c_account"},
		{extractor.EntityLocation, "c_entity"},
	}
	for _, c := range cases {
		if got := entityShardType(c.kind); got != c.want {
			t.Errorf("entityShardType(%s) = %q, want %q", c.kind, got, c.want)
		}
	}
}

func TestCategoryForExternalRelationshipsEmpty(t *testing.T) {
	if got := categoryForExternalRelationships(nil); got != "" {
		t.Errorf("expected empty category for no relationships, got %q", got)
	}
}

func TestCategoryForExternalRelationshipsUnknownSystem(t *testing.T) {
	rels := []shard.ExternalRelationship{{System: "not-a-real-provider"}}
	if got := categoryForExternalRelationships(rels); got != "" {
		t.Errorf("expected empty category for unknown system, got %q", got)
	}
}

func TestAppendRelationshipIfMissingDeduplicates(t *testing.T) {
	target := uuid.New()
	rels := []shard.InternalRelationship{{TargetShardID: target, Kind: shard.RelMentions, Confidence: 0.5}}
	rels = appendRelationshipIfMissing(rels, shard.InternalRelationship{TargetShardID: target, Kind: shard.RelMentions, Confidence: 0.9})
	if len(rels) != 1 {
		t.Fatalf("expected dedup to keep one relationship, got %d", len(rels))
	}

	other := uuid.New()
	rels = appendRelationshipIfMissing(rels, shard.InternalRelationship{TargetShardID: other, Kind: shard.RelMentions, Confidence: 0.6})
	if len(rels) != 2 {
		t.Fatalf("expected a new target to be appended, got %d entries", len(rels))
	}
}
