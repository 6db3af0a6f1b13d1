package shard

import (
	"testing"

	"github.com/google/uuid"
)

func TestCanRead(t *testing.T) {
	s := &Shard{}
	if !s.CanRead("user:anyone") {
		t.Error("empty ACL should default to tenant-visible")
	}

	s.ACL = []ACLEntry{{Principal: "user:alice", Permission: "read"}}
	if s.CanRead("user:bob") {
		t.Error("bob should not be able to read alice-only shard")
	}
	if !s.CanRead("user:alice") {
		t.Error("alice should be able to read her own shard")
	}

	s.ACL = append(s.ACL, ACLEntry{Principal: "tenant:*", Permission: "read"})
	if !s.CanRead("user:bob") {
		t.Error("tenant:* entry should open read to everyone")
	}
}

func TestHasProvenance(t *testing.T) {
	s := &Shard{}
	if s.HasProvenance() {
		t.Error("shard with no relationships should have no provenance")
	}

	s.InternalRelationships = []InternalRelationship{
		{TargetShardID: uuid.New(), Kind: RelMentions},
	}
	if s.HasProvenance() {
		t.Error("mentions relationship should not count as provenance")
	}

	s.InternalRelationships = append(s.InternalRelationships, InternalRelationship{
		TargetShardID: uuid.New(), Kind: RelProvenance,
	})
	if !s.HasProvenance() {
		t.Error("provenance relationship should be detected")
	}
}
