// Package governance implements the write-time redaction, audit logging to
// a dedicated audit_log table, and policy-evaluated access control that
// wrap every shard store
// mutation and retrieval.
package governance

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/shardforge/syncengine/pkg/shard"
)

// RedactionRule is one configured field path to mask.
type RedactionRule struct {
	Path     string // dot notation over structuredData
	Sentinel string
}

// RedactionConfig is a tenant's versioned redaction policy.
type RedactionConfig struct {
	PolicyVersion int
	Rules         []RedactionRule
}

// Redactor loads a tenant's current redaction config and applies it,
// implementing shard.Redactor. It holds no state of its own: every method
// takes the tenant-scoped connection it should run against, so a single
// Redactor{} value can be shared by the process-wide shard.Store across
// every tenant's requests.
type Redactor struct{}

// Querier is satisfied by *pgxpool.Pool and *pgxpool.Conn.
type Querier = shard.Querier

// Redact implements shard.Redactor: it loads the tenant's active
// redaction config, masks matching structuredData paths in place, and
// returns the list of masked paths plus the policy version applied.
func (Redactor) Redact(ctx context.Context, q Querier, tenantID uuid.UUID, s *shard.Shard) ([]string, int, error) {
	cfg, err := loadRedactionConfig(ctx, q)
	if err != nil {
		return nil, 0, err
	}
	if len(cfg.Rules) == 0 {
		return nil, cfg.PolicyVersion, nil
	}

	var redacted []string
	for _, rule := range cfg.Rules {
		if maskPath(s.StructuredData, rule.Path, rule.Sentinel) {
			redacted = append(redacted, rule.Path)
		}
	}
	return redacted, cfg.PolicyVersion, nil
}

// GetConfig returns the tenant's currently active redaction config, used
// by the GET /redaction/config endpoint.
func (Redactor) GetConfig(ctx context.Context, q Querier) (RedactionConfig, error) {
	return loadRedactionConfig(ctx, q)
}

// PutConfig replaces the tenant's active redaction policy: it deactivates
// every existing rule and inserts the new set as the next policy version,
// so Redact (which reads active=true) picks it up on the next call.
func (Redactor) PutConfig(ctx context.Context, q Querier, rules []RedactionRule) (RedactionConfig, error) {
	current, err := loadRedactionConfig(ctx, q)
	if err != nil {
		return RedactionConfig{}, err
	}
	version := current.PolicyVersion + 1

	if _, err := q.Exec(ctx, `UPDATE redaction_rules SET active = false WHERE active = true`); err != nil {
		return RedactionConfig{}, fmt.Errorf("deactivating prior redaction rules: %w", err)
	}

	const stmt = `INSERT INTO redaction_rules (policy_version, field_path, sentinel, active) VALUES ($1,$2,$3,true)`
	for _, rule := range rules {
		if _, err := q.Exec(ctx, stmt, version, rule.Path, rule.Sentinel); err != nil {
			return RedactionConfig{}, fmt.Errorf("inserting redaction rule %q: %w", rule.Path, err)
		}
	}
	return RedactionConfig{PolicyVersion: version, Rules: rules}, nil
}

// DeleteConfig deactivates every redaction rule, leaving the tenant with
// no masking until a new config is PUT.
func (Redactor) DeleteConfig(ctx context.Context, q Querier) error {
	if _, err := q.Exec(ctx, `UPDATE redaction_rules SET active = false WHERE active = true`); err != nil {
		return fmt.Errorf("clearing redaction rules: %w", err)
	}
	return nil
}

func loadRedactionConfig(ctx context.Context, q Querier) (RedactionConfig, error) {
	const stmt = `SELECT policy_version, field_path, sentinel FROM redaction_rules WHERE active = true ORDER BY field_path`
	rows, err := q.Query(ctx, stmt)
	if err != nil {
		return RedactionConfig{}, fmt.Errorf("loading redaction config: %w", err)
	}
	defer rows.Close()

	cfg := RedactionConfig{}
	for rows.Next() {
		var version int
		var path, sentinel string
		if err := rows.Scan(&version, &path, &sentinel); err != nil {
			return RedactionConfig{}, err
		}
		cfg.PolicyVersion = version
		cfg.Rules = append(cfg.Rules, RedactionRule{Path: path, Sentinel: sentinel})
	}
	return cfg, rows.Err()
}

// maskPath replaces the value at a dot-separated path within data with
// sentinel, returning true if a field was masked.
func maskPath(data map[string]any, path, sentinel string) bool {
	parts := splitPath(path)
	if len(parts) == 0 {
		return false
	}

	cur := data
	for i, p := range parts {
		if i == len(parts)-1 {
			if _, ok := cur[p]; !ok {
				return false
			}
			cur[p] = sentinel
			return true
		}
		next, ok := cur[p].(map[string]any)
		if !ok {
			return false
		}
		cur = next
	}
	return false
}

func splitPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			parts = append(parts, path[start:i])
			start = i + 1
		}
	}
	parts = append(parts, path[start:])
	return parts
}
