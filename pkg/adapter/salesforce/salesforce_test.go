package salesforce

import "testing"

func TestTenantFromFilters(t *testing.T) {
	if got := tenantFromFilters(map[string]any{"tenant_id": "t1"}); got != "t1" {
		t.Errorf("got %q, want t1", got)
	}
	if got := tenantFromFilters(map[string]any{}); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestTenantFromFields(t *testing.T) {
	if got := tenantFromFields(map[string]any{"__tenant_id": "t2"}); got != "t2" {
		t.Errorf("got %q, want t2", got)
	}
}

func TestNewAdapterCapabilities(t *testing.T) {
	a := New("client-id", "client-secret")
	caps := a.Capabilities()
	if len(caps) != 3 {
		t.Fatalf("expected 3 capabilities, got %d", len(caps))
	}
	if a.APIVersion != "v59.0" {
		t.Errorf("APIVersion = %q, want v59.0", a.APIVersion)
	}
}
