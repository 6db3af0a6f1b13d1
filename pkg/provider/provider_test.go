package provider

import "testing"

func TestLookup(t *testing.T) {
	p, ok := Lookup("salesforce")
	if !ok {
		t.Fatal("expected salesforce in catalog")
	}
	if p.RateLimitPerSecond != 25 {
		t.Errorf("salesforce rate limit = %d, want 25", p.RateLimitPerSecond)
	}

	if _, ok := Lookup("does-not-exist"); ok {
		t.Error("expected lookup miss for unknown provider")
	}
}

func TestHasCapability(t *testing.T) {
	p, _ := Lookup("onedrive")
	if p.HasCapability(CapabilityWrite) {
		t.Error("onedrive should not declare write capability")
	}
	if !p.HasCapability(CapabilityRead) {
		t.Error("onedrive should declare read capability")
	}
}

func TestAllowsShardType(t *testing.T) {
	in := Integration{}
	if !in.AllowsShardType("c_opportunity") {
		t.Error("nil AllowedShardTypes should allow everything")
	}

	in.AllowedShardTypes = []string{"c_opportunity"}
	if !in.AllowsShardType("c_opportunity") {
		t.Error("explicitly allowed type should be allowed")
	}
	if in.AllowsShardType("c_account") {
		t.Error("type not in allow-list should be rejected")
	}
}
