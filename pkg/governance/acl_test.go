package governance

import (
	"context"
	"testing"

	"github.com/shardforge/syncengine/pkg/shard"
)

func TestACLAllowRetrievalNonInsightAlwaysAllowed(t *testing.T) {
	ctx := context.Background()
	acl, err := NewACL(ctx, false)
	if err != nil {
		t.Fatalf("NewACL: %v", err)
	}

	s := &shard.Shard{ShardTypeID: "c_account"}
	ok, err := acl.AllowRetrieval(ctx, s)
	if err != nil {
		t.Fatalf("AllowRetrieval: %v", err)
	}
	if !ok {
		t.Error("expected non-insight shard to be allowed without provenance")
	}
}

func TestACLAllowRetrievalInsightRequiresProvenance(t *testing.T) {
	ctx := context.Background()
	acl, err := NewACL(ctx, false)
	if err != nil {
		t.Fatalf("NewACL: %v", err)
	}

	bare := &shard.Shard{ShardTypeID: "c_insight_kpi"}
	ok, err := acl.AllowRetrieval(ctx, bare)
	if err != nil {
		t.Fatalf("AllowRetrieval: %v", err)
	}
	if ok {
		t.Error("expected insight shard without provenance to be denied")
	}

	withProvenance := &shard.Shard{
		ShardTypeID: "c_insight_kpi",
		InternalRelationships: []shard.InternalRelationship{
			{Kind: shard.RelProvenance},
		},
	}
	ok, err = acl.AllowRetrieval(ctx, withProvenance)
	if err != nil {
		t.Fatalf("AllowRetrieval: %v", err)
	}
	if !ok {
		t.Error("expected insight shard with provenance to be allowed")
	}
}

func TestACLRequireProvenanceForDerivedAppliesToNonInsightDerivedShards(t *testing.T) {
	ctx := context.Background()
	acl, err := NewACL(ctx, true)
	if err != nil {
		t.Fatalf("NewACL: %v", err)
	}

	derived := &shard.Shard{
		ShardTypeID:           "c_opportunity_forecast",
		InternalRelationships: []shard.InternalRelationship{{Kind: shard.RelDerivedFrom}},
	}
	ok, err := acl.AllowRetrieval(ctx, derived)
	if err != nil {
		t.Fatalf("AllowRetrieval: %v", err)
	}
	if ok {
		t.Error("expected derived shard without provenance to be denied when tenant requires provenance for all derived shards")
	}

	derived.InternalRelationships = append(derived.InternalRelationships, shard.InternalRelationship{Kind: shard.RelProvenance})
	ok, err = acl.AllowRetrieval(ctx, derived)
	if err != nil {
		t.Fatalf("AllowRetrieval: %v", err)
	}
	if !ok {
		t.Error("expected derived shard with provenance to be allowed")
	}
}

func TestACLRequireProvenanceForDerivedDoesNotAffectOrdinaryShards(t *testing.T) {
	ctx := context.Background()
	acl, err := NewACL(ctx, true)
	if err != nil {
		t.Fatalf("NewACL: %v", err)
	}

	s := &shard.Shard{ShardTypeID: "c_account"}
	ok, err := acl.AllowRetrieval(ctx, s)
	if err != nil {
		t.Fatalf("AllowRetrieval: %v", err)
	}
	if !ok {
		t.Error("expected ordinary non-derived shard to be allowed even when tenant requires provenance for all derived shards")
	}
}
