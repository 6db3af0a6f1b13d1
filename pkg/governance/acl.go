package governance

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/shardforge/syncengine/pkg/shard"
)

// defaultPolicy governs two additional checks beyond a shard's own acl[]
// membership test (which the store/retrieval layer does directly):
// provenance enforcement for insight-type shards, and a kill-switch that
// lets an admin require provenance for every derived shard, not just
// insights. A shard that is not derived (ordinary CRM, messaging, and
// enrichment-entity shards) is never subject to the provenance requirement,
// regardless of the kill-switch.
const defaultPolicy = `
package governance

default allow_insight = false

allow_insight if {
	input.shard_type_id != "c_insight_kpi"
}

allow_insight if {
	input.shard_type_id == "c_insight_kpi"
	input.has_provenance == true
}

default allow_derived = false

allow_derived if {
	not input.is_derived
}

allow_derived if {
	input.is_derived
	not input.require_provenance_for_derived
}

allow_derived if {
	input.is_derived
	input.require_provenance_for_derived
	input.has_provenance == true
}
`

// ACL evaluates the governance policy (provenance enforcement on top of a
// shard's own acl[] membership, which callers check separately via
// shard.CanRead). RequireProvenanceForDerived applies to every shard the
// ACL evaluates, whatever its tenant.
type ACL struct {
	RequireProvenanceForDerived bool

	query rego.PreparedEvalQuery
}

// NewACL compiles the governance policy once; it is stateless thereafter
// and safe for concurrent use.
func NewACL(ctx context.Context, requireProvenanceForDerived bool) (*ACL, error) {
	r := rego.New(
		rego.Query("data.governance"),
		rego.Module("governance.rego", defaultPolicy),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("preparing governance policy: %w", err)
	}
	return &ACL{RequireProvenanceForDerived: requireProvenanceForDerived, query: query}, nil
}

// AllowRetrieval reports whether s may appear in a retrieval result,
// enforcing provenance for insight-type shards (spec §4.8 step 5) and,
// if configured, for any derived (non-provenance-free) shard.
func (a *ACL) AllowRetrieval(ctx context.Context, s *shard.Shard) (bool, error) {
	input := map[string]any{
		"shard_type_id":                  s.ShardTypeID,
		"has_provenance":                 s.HasProvenance(),
		"is_derived":                     s.IsDerived(),
		"require_provenance_for_derived": a.RequireProvenanceForDerived,
	}

	results, err := a.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("evaluating governance policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}

	doc, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return false, nil
	}

	allowInsight, _ := doc["allow_insight"].(bool)
	allowDerived, _ := doc["allow_derived"].(bool)
	return allowInsight && allowDerived, nil
}
