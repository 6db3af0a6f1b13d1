package ingest

import (
	"testing"
	"time"

	"github.com/shardforge/syncengine/pkg/shard"
)

func TestUpsertBindingReplacesMatchingBinding(t *testing.T) {
	first := shard.ExternalRelationship{System: "salesforce", SystemType: "Opportunity", ExternalID: "006x1", SyncStatus: shard.SyncPending}
	bindings := []shard.ExternalRelationship{first}

	updated := first
	updated.SyncStatus = shard.SyncSynced
	updated.LastSyncedAt = time.Now()

	bindings = upsertBinding(bindings, updated)
	if len(bindings) != 1 {
		t.Fatalf("expected in-place replacement, got %d bindings", len(bindings))
	}
	if bindings[0].SyncStatus != shard.SyncSynced {
		t.Errorf("SyncStatus = %v, want synced", bindings[0].SyncStatus)
	}
}

func TestUpsertBindingAppendsNewBinding(t *testing.T) {
	bindings := []shard.ExternalRelationship{{System: "salesforce", SystemType: "Opportunity", ExternalID: "006x1"}}
	bindings = upsertBinding(bindings, shard.ExternalRelationship{System: "hubspot", SystemType: "deal", ExternalID: "42"})
	if len(bindings) != 2 {
		t.Fatalf("expected append for distinct binding, got %d", len(bindings))
	}
}
