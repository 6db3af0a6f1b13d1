// Package conversion implements the pure declarative mapping engine that
// turns one external entity shape into one canonical shard.
package conversion

import "fmt"

// FieldKind is the kind of field mapping a schema entry declares.
type FieldKind string

const (
	KindDirect      FieldKind = "direct"
	KindTransform   FieldKind = "transform"
	KindConditional FieldKind = "conditional"
	KindDefault     FieldKind = "default"
	KindComposite   FieldKind = "composite"
	KindFlatten     FieldKind = "flatten"
	KindLookup      FieldKind = "lookup"
)

// TransformOp is one primitive transform in a transform mapping's pipeline.
type TransformOp struct {
	Op       string         `json:"op"`
	Args     map[string]any `json:"args,omitempty"`
}

// Condition is one branch of a conditional mapping.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"` // eq|neq|gt|gte|lt|lte|contains|starts_with|ends_with|in|not_in|exists
	Value    any    `json:"value,omitempty"`
	Then     any    `json:"then"`
}

// DedupStrategy is how the normalization worker resolves an existing shard
// for a source record.
type DedupStrategy string

const (
	DedupExternalID DedupStrategy = "external_id"
	DedupFieldMatch DedupStrategy = "field_match"
	DedupComposite  DedupStrategy = "composite"
)

// FieldMapping maps one canonical target field (dot path into
// structuredData) from one or more source fields.
type FieldMapping struct {
	Target string    `json:"target"`
	Kind   FieldKind `json:"kind"`

	// direct / flatten
	Source string `json:"source,omitempty"`

	// transform
	Transforms []TransformOp `json:"transforms,omitempty"`

	// conditional
	Conditions []Condition `json:"conditions,omitempty"`
	Default    any         `json:"default,omitempty"`

	// default
	Value string `json:"value,omitempty"` // may contain ${field} templating

	// composite
	Sources   []string `json:"sources,omitempty"`
	Separator string   `json:"separator,omitempty"`
	Template  string   `json:"template,omitempty"`

	// lookup
	LookupExternalType string `json:"lookup_external_type,omitempty"`

	Required bool `json:"required,omitempty"`
}

// Schema declaratively maps one external entity to one canonical shard type.
type Schema struct {
	ProviderID     string          `json:"provider_id"`
	ExternalType   string          `json:"external_type"`
	ShardTypeID    string          `json:"shard_type_id"`
	FieldMappings  []FieldMapping  `json:"field_mappings"`
	Dedup          DedupStrategy   `json:"dedup"`
	DedupFields    []string        `json:"dedup_fields,omitempty"`
	OnMissing      string          `json:"on_missing,omitempty"` // ignore|archive|delete
}

// ValidationError reports that a required target field was absent after
// transformation.
type ValidationError struct {
	Target string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("conversion: required field %q missing: %s", e.Target, e.Reason)
}

// TransformError reports a type mismatch encountered while applying a
// transform pipeline.
type TransformError struct {
	Target string
	Op     string
	Reason string
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("conversion: transform %q on field %q failed: %s", e.Op, e.Target, e.Reason)
}
