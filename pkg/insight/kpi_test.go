package insight

import (
	"testing"
	"time"

	"github.com/shardforge/syncengine/pkg/shard"
)

func opp(amount float64, stage string, probability float64, created, closed time.Time) *shard.Shard {
	return &shard.Shard{
		ShardTypeID: ShardTypeOpportunity,
		Metadata:    shard.Metadata{CreatedAt: created},
		StructuredData: map[string]any{
			"amount":      amount,
			"stage":       stage,
			"probability": probability,
			"createdDate": created.Format(time.RFC3339),
			"closeDate":   closed.Format(time.RFC3339),
		},
	}
}

func TestComputeKPIsEmpty(t *testing.T) {
	set := computeKPIs(nil)
	if set.OpportunityCount != 0 || set.TotalDealValue != 0 {
		t.Errorf("expected zero-value KPISet, got %+v", set)
	}
}

func TestComputeKPIsAggregates(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	opps := []*shard.Shard{
		opp(1000, stageWon, 1.0, base, base.Add(10*24*time.Hour)),
		opp(2000, stageLost, 0.0, base, base.Add(20*24*time.Hour)),
		opp(500, "open", 0.4, base, base.Add(5*24*time.Hour)),
	}

	set := computeKPIs(opps)
	if set.OpportunityCount != 3 {
		t.Errorf("OpportunityCount = %d, want 3", set.OpportunityCount)
	}
	if set.TotalDealValue != 3500 {
		t.Errorf("TotalDealValue = %v, want 3500", set.TotalDealValue)
	}
	if set.WinRate != 0.5 {
		t.Errorf("WinRate = %v, want 0.5 (1 won of 2 closed)", set.WinRate)
	}
	wantCycle := (10.0 + 20.0 + 5.0) / 3
	if set.AvgCycleTimeDays != wantCycle {
		t.Errorf("AvgCycleTimeDays = %v, want %v", set.AvgCycleTimeDays, wantCycle)
	}
}

func TestComputeKPIsIgnoresMissingFields(t *testing.T) {
	bare := &shard.Shard{ShardTypeID: ShardTypeOpportunity, StructuredData: map[string]any{}}
	set := computeKPIs([]*shard.Shard{bare})
	if set.OpportunityCount != 1 {
		t.Errorf("OpportunityCount = %d, want 1", set.OpportunityCount)
	}
	if set.TotalDealValue != 0 || set.WinRate != 0 || set.AvgCycleTimeDays != 0 {
		t.Errorf("expected zero aggregates for a bare opportunity, got %+v", set)
	}
}

func TestCycleTimeDaysFallsBackToMetadataCreatedAt(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	closed := created.Add(7 * 24 * time.Hour)
	s := &shard.Shard{
		Metadata: shard.Metadata{CreatedAt: created},
		StructuredData: map[string]any{
			"closeDate": closed.Format(time.RFC3339),
		},
	}
	days, ok := cycleTimeDays(s)
	if !ok {
		t.Fatal("expected cycle time to be computable")
	}
	if days != 7 {
		t.Errorf("days = %v, want 7", days)
	}
}
