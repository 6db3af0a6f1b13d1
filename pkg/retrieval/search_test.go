package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/shardforge/syncengine/pkg/shard"
)

func TestExcerptTruncatesLongText(t *testing.T) {
	text := ""
	for i := 0; i < 400; i++ {
		text += "a"
	}
	got := excerpt(text, 280)
	if len(got) <= 280 {
		t.Error("expected truncation marker to extend length past the cutoff")
	}
}

func TestExcerptLeavesShortTextUnchanged(t *testing.T) {
	if got := excerpt("  hello world  ", 280); got != "hello world" {
		t.Errorf("excerpt = %q, want trimmed original", got)
	}
}

func TestFilterByMinScore(t *testing.T) {
	hits := []Hit{{Score: 0.9}, {Score: 0.4}, {Score: 0.65}}
	got := filterByMinScore(hits, 0.6)
	if len(got) != 2 {
		t.Errorf("len(got) = %d, want 2", len(got))
	}
}

func TestToHitComputesFreshnessAndCitation(t *testing.T) {
	updated := time.Now().Add(-48 * time.Hour)
	s := &shard.Shard{
		Name:             "Acme Renewal",
		UnstructuredData: "Discussed renewal terms.",
		Metadata:         shard.Metadata{UpdatedAt: updated, CreatedAt: updated},
		ExternalRelationships: []shard.ExternalRelationship{
			{System: "salesforce", SystemType: "crm", ExternalID: "006abc"},
		},
	}
	hit := toHit(candidateRow{Shard: s, Score: 0.82})

	if hit.Citation.SourceID != "006abc" || hit.Citation.SourceType != "crm" {
		t.Errorf("unexpected citation: %+v", hit.Citation)
	}
	if hit.Freshness.AgeDays != 2 {
		t.Errorf("AgeDays = %d, want 2", hit.Freshness.AgeDays)
	}
	if hit.Score != 0.82 {
		t.Errorf("Score = %v, want 0.82", hit.Score)
	}
}

func TestEngineRecordSearchSamplesEveryHundred(t *testing.T) {
	e := NewEngine(nil, nil, nil, nil, nil)
	for i := 0; i < 99; i++ {
		e.recordSearch(context.Background(), nil, "semantic", false, []Hit{{Score: 0.5}})
	}
	if e.searchCount != 99 {
		t.Fatalf("searchCount = %d, want 99", e.searchCount)
	}
	// The 100th call crosses the sampling boundary; it must not panic even
	// though no Prometheus registry is wired in this test.
	e.recordSearch(context.Background(), nil, "semantic", true, []Hit{{Score: 0.9}})
	if e.searchCount != 100 {
		t.Fatalf("searchCount = %d, want 100", e.searchCount)
	}
}
