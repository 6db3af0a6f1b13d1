package ingest

import (
	"testing"
	"time"
)

func TestResolveConflictPolicyExternalWinsAlwaysDiscards(t *testing.T) {
	now := time.Now()
	if got := resolveConflictPolicy(PolicyExternalWins, now, now.Add(-time.Hour)); got != resolutionDiscard {
		t.Errorf("got %v, want discard", got)
	}
}

func TestResolveConflictPolicyInternalWinsAlwaysForces(t *testing.T) {
	now := time.Now()
	if got := resolveConflictPolicy(PolicyInternalWins, now.Add(-time.Hour), now); got != resolutionForceWrite {
		t.Errorf("got %v, want force_write", got)
	}
}

func TestResolveConflictPolicyLastWriteWinsComparesTimestamps(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	local := base.Add(time.Hour)
	externalNewer := base.Add(2 * time.Hour)
	externalOlder := base.Add(30 * time.Minute)

	if got := resolveConflictPolicy(PolicyLastWriteWins, local, externalNewer); got != resolutionConflictRecord {
		t.Errorf("external newer: got %v, want conflict_record", got)
	}
	if got := resolveConflictPolicy(PolicyLastWriteWins, local, externalOlder); got != resolutionForceWrite {
		t.Errorf("local newer: got %v, want force_write", got)
	}
}

func TestResolveConflictPolicyManualAlwaysEmitsConflictRecord(t *testing.T) {
	now := time.Now()
	if got := resolveConflictPolicy(PolicyManual, now, now); got != resolutionConflictRecord {
		t.Errorf("got %v, want conflict_record", got)
	}
	if got := resolveConflictPolicy("", now, now); got != resolutionConflictRecord {
		t.Errorf("unknown policy: got %v, want conflict_record", got)
	}
}
