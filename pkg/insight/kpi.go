// Package insight computes CRM KPI shards from the current set of
// opportunity/account records, incrementally on change-feed events and in
// a nightly batch that closes missed-event gaps (spec §4.9).
package insight

import (
	"time"

	"github.com/shardforge/syncengine/pkg/shard"
)

// ShardTypeOpportunity and ShardTypeAccount are the CRM-category shard
// types this package watches.
const (
	ShardTypeOpportunity = "c_opportunity"
	ShardTypeAccount     = "c_account"
	ShardTypeInsightKPI  = "c_insight_kpi"
)

// Opportunity stage conventions read from structuredData; adapters/
// conversion schemas normalize vendor-specific stage names onto these.
const (
	stageWon  = "won"
	stageLost = "lost"
)

// KPISet is the computed metric bundle for one recomputation.
type KPISet struct {
	TotalDealValue   float64 `json:"total_deal_value"`
	WinRate          float64 `json:"win_rate"`
	AvgCycleTimeDays float64 `json:"avg_cycle_time_days"`
	CloseProbability float64 `json:"close_probability"`
	OpportunityCount int     `json:"opportunity_count"`
}

// computeKPIs aggregates deal value, win rate, cycle time, and close
// probability over opportunities (spec §4.9).
func computeKPIs(opportunities []*shard.Shard) KPISet {
	var set KPISet
	set.OpportunityCount = len(opportunities)
	if len(opportunities) == 0 {
		return set
	}

	var closedWon, closedTotal int
	var cycleDaysSum float64
	var cycleCount int
	var probabilitySum float64
	var probabilityCount int

	for _, opp := range opportunities {
		if amount, ok := floatField(opp, "amount"); ok {
			set.TotalDealValue += amount
		}

		stage, _ := opp.StructuredData["stage"].(string)
		switch stage {
		case stageWon:
			closedWon++
			closedTotal++
		case stageLost:
			closedTotal++
		}

		if days, ok := cycleTimeDays(opp); ok {
			cycleDaysSum += days
			cycleCount++
		}

		if p, ok := floatField(opp, "probability"); ok {
			probabilitySum += p
			probabilityCount++
		}
	}

	if closedTotal > 0 {
		set.WinRate = float64(closedWon) / float64(closedTotal)
	}
	if cycleCount > 0 {
		set.AvgCycleTimeDays = cycleDaysSum / float64(cycleCount)
	}
	if probabilityCount > 0 {
		set.CloseProbability = probabilitySum / float64(probabilityCount)
	}
	return set
}

func floatField(s *shard.Shard, field string) (float64, bool) {
	raw, ok := s.StructuredData[field]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func cycleTimeDays(s *shard.Shard) (float64, bool) {
	created, ok := timeField(s, "createdDate")
	if !ok {
		created = s.Metadata.CreatedAt
	}
	closed, ok := timeField(s, "closeDate")
	if !ok {
		return 0, false
	}
	return closed.Sub(created).Hours() / 24, true
}

func timeField(s *shard.Shard, field string) (time.Time, bool) {
	raw, ok := s.StructuredData[field].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
