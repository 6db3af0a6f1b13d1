package scheduler

import (
	"testing"
	"time"
)

func TestComputeNextRunAtInterval(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	freq := Frequency{IntervalMinutes: 15}
	next := computeNextRunAt(freq, now)
	if !next.Equal(now.Add(15 * time.Minute)) {
		t.Errorf("next = %v, want %v", next, now.Add(15*time.Minute))
	}
}

func TestComputeNextRunAtDefaultInterval(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	next := computeNextRunAt(Frequency{}, now)
	if !next.Equal(now.Add(time.Hour)) {
		t.Errorf("next = %v, want default 1h", next)
	}
}

func TestComputeNextRunAtManualNeverReschedules(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	next := computeNextRunAt(Frequency{Manual: true}, now)
	if !next.After(now.Add(30 * 24 * time.Hour)) {
		t.Error("manual schedule should defer far into the future")
	}
}

func TestComputeNextRunAtCron(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	freq := Frequency{Cron: "0 13 * * *", Timezone: "UTC"}
	next := computeNextRunAt(freq, now)
	want := time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestJobLeased(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Minute)
	past := now.Add(-time.Minute)

	j := &Job{LeaseExpiresAt: &future}
	if !j.Leased(now) {
		t.Error("expected leased")
	}

	j2 := &Job{LeaseExpiresAt: &past}
	if j2.Leased(now) {
		t.Error("expected not leased (expired)")
	}

	j3 := &Job{}
	if j3.Leased(now) {
		t.Error("expected not leased (nil)")
	}
}
