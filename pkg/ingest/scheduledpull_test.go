package ingest

import "testing"

func TestEffectiveMaxDefaultsWhenUnset(t *testing.T) {
	if got := effectiveMax(0); got != defaultMaxRecordsPerSync {
		t.Errorf("effectiveMax(0) = %d, want %d", got, defaultMaxRecordsPerSync)
	}
	if got := effectiveMax(-5); got != defaultMaxRecordsPerSync {
		t.Errorf("effectiveMax(-5) = %d, want %d", got, defaultMaxRecordsPerSync)
	}
}

func TestEffectiveMaxPreservesConfiguredValue(t *testing.T) {
	if got := effectiveMax(250); got != 250 {
		t.Errorf("effectiveMax(250) = %d, want 250", got)
	}
}
