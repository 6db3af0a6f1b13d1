package project

import (
	"testing"

	"github.com/google/uuid"
)

func TestParamsWithDefaults(t *testing.T) {
	p := Params{}.WithDefaults()
	if p.MinConfidence != 0.6 {
		t.Errorf("MinConfidence = %v, want 0.6", p.MinConfidence)
	}
	if p.MaxShards != 200 {
		t.Errorf("MaxShards = %v, want 200", p.MaxShards)
	}
	if p.MaxDepth != 3 {
		t.Errorf("MaxDepth = %v, want 3", p.MaxDepth)
	}
}

func TestParamsWithDefaultsPreservesExplicitValues(t *testing.T) {
	p := Params{MinConfidence: 0.8, MaxShards: 50, MaxDepth: 1}.WithDefaults()
	if p.MinConfidence != 0.8 || p.MaxShards != 50 || p.MaxDepth != 1 {
		t.Errorf("WithDefaults overrode explicit values: %+v", p)
	}
}

func TestCacheKeyStableForSameParams(t *testing.T) {
	tenantID := uuid.New()
	projectID := uuid.New()
	params := Params{MinConfidence: 0.6, MaxShards: 200, MaxDepth: 3}

	k1 := cacheKey(tenantID, projectID, params)
	k2 := cacheKey(tenantID, projectID, params)
	if k1 != k2 {
		t.Errorf("cacheKey not stable: %s != %s", k1, k2)
	}

	k3 := cacheKey(tenantID, projectID, Params{MinConfidence: 0.9, MaxShards: 200, MaxDepth: 3})
	if k1 == k3 {
		t.Error("expected different cache key for different params")
	}
}

func TestMembershipKeyScopedByTenantAndProject(t *testing.T) {
	t1, t2 := uuid.New(), uuid.New()
	p1, p2 := uuid.New(), uuid.New()

	if membershipKey(t1, p1) == membershipKey(t2, p1) {
		t.Error("expected membership key to vary by tenant")
	}
	if membershipKey(t1, p1) == membershipKey(t1, p2) {
		t.Error("expected membership key to vary by project")
	}
}
