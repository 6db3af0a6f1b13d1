// Package shard implements the canonical record envelope every ingested,
// enriched, and derived piece of tenant content is stored as.
package shard

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a shard.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusDeleted  Status = "deleted"
)

// RelationshipKind enumerates the recognized internal relationship kinds.
type RelationshipKind string

const (
	RelReferences  RelationshipKind = "references"
	RelDerivedFrom RelationshipKind = "derivedFrom"
	RelMentions    RelationshipKind = "mentions"
	RelPartOf      RelationshipKind = "partOf"
	RelProvenance  RelationshipKind = "provenance"
)

// SyncStatus is the state of an external relationship's last sync attempt.
type SyncStatus string

const (
	SyncSynced  SyncStatus = "synced"
	SyncPending SyncStatus = "pending"
	SyncError   SyncStatus = "error"
)

// SyncDirection mirrors the integration's configured direction for a binding.
type SyncDirection string

const (
	DirectionPull          SyncDirection = "pull"
	DirectionPush          SyncDirection = "push"
	DirectionBidirectional SyncDirection = "bidirectional"
)

// Vector is one embedding generation attached to a shard.
type Vector struct {
	Embedding   []float32 `json:"embedding"`
	Model       string    `json:"model"`
	Dimensions  int       `json:"dimensions"`
	GeneratedAt time.Time `json:"generated_at"`
}

// InternalRelationship is a directed, confidence-weighted edge to another
// shard within the same tenant.
type InternalRelationship struct {
	TargetShardID uuid.UUID        `json:"target_shard_id"`
	ShardTypeID   string           `json:"shard_type_id"`
	Kind          RelationshipKind `json:"kind"`
	Confidence    float64          `json:"confidence"`
	Source        string           `json:"source"` // extracted | derived | write-back | manual | auto
}

// ExternalRelationship binds a shard to a record in an external system.
type ExternalRelationship struct {
	System       string        `json:"system"`
	SystemType   string        `json:"system_type"`
	ExternalID   string        `json:"external_id"`
	LastSyncedAt time.Time     `json:"last_synced_at"`
	SyncStatus   SyncStatus    `json:"sync_status"`
	SyncDirection SyncDirection `json:"sync_direction"`
}

// ACLEntry grants one principal a permission on a shard.
type ACLEntry struct {
	Principal  string `json:"principal"` // "user:<id>" | "tenant:*" | "role:<name>"
	Permission string `json:"permission"` // "read" | "write"
}

// Metadata carries bookkeeping fields separate from the shard's content.
type Metadata struct {
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	CreatedBy     string    `json:"created_by"`
	UpdatedBy     string    `json:"updated_by"`
	SchemaVersion int       `json:"schema_version"`
	Version       int       `json:"version"`
	Redactions    []string  `json:"redactions,omitempty"`
	RedactionPolicyVersion int `json:"redaction_policy_version,omitempty"`
}

// Shard is the sole persisted unit of tenant content.
type Shard struct {
	ID                    uuid.UUID               `json:"id"`
	TenantID              uuid.UUID               `json:"tenant_id"`
	ShardTypeID           string                  `json:"shard_type_id"`
	Name                  string                  `json:"name"`
	StructuredData        map[string]any          `json:"structured_data"`
	UnstructuredData      string                  `json:"unstructured_data"`
	Status                Status                  `json:"status"`
	Metadata              Metadata                `json:"metadata"`
	Vectors               []Vector                `json:"vectors,omitempty"`
	InternalRelationships []InternalRelationship  `json:"internal_relationships,omitempty"`
	ExternalRelationships []ExternalRelationship  `json:"external_relationships,omitempty"`
	ACL                   []ACLEntry              `json:"acl,omitempty"`
	DeletedAt             *time.Time              `json:"deleted_at,omitempty"`
}

// MarshalStructuredData returns the JSON encoding of StructuredData for
// storage in a jsonb column.
func (s *Shard) MarshalStructuredData() ([]byte, error) {
	if s.StructuredData == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s.StructuredData)
}

// CanRead reports whether principal may read the shard per its ACL. An
// empty ACL means tenant-visible (the default for system-originated shards).
func (s *Shard) CanRead(principal string) bool {
	if len(s.ACL) == 0 {
		return true
	}
	for _, e := range s.ACL {
		if e.Principal == principal || e.Principal == "tenant:*" {
			return true
		}
	}
	return false
}

// HasProvenance reports whether the shard carries at least one provenance
// relationship, used to gate insight-type shards from retrieval.
func (s *Shard) HasProvenance() bool {
	for _, r := range s.InternalRelationships {
		if r.Kind == RelProvenance {
			return true
		}
	}
	return false
}

// IsDerived reports whether the shard was computed from other shards rather
// than sourced directly from an external system or manual entry: insight/KPI
// shards, and any shard carrying a derivedFrom relationship. Ordinary CRM,
// messaging, and enrichment-entity shards are not derived even though they
// may reference or mention other shards.
func (s *Shard) IsDerived() bool {
	if s.ShardTypeID == "c_insight_kpi" {
		return true
	}
	for _, r := range s.InternalRelationships {
		if r.Kind == RelDerivedFrom {
			return true
		}
	}
	return false
}

// DedupKey identifies the external-relationship dedup key for a shard
// originating from provider providerID with the given external type/id.
type DedupKey struct {
	TenantID     uuid.UUID
	ProviderID   string
	ExternalType string
	ExternalID   string
}
