package ingest

import (
	"testing"
	"time"

	"github.com/shardforge/syncengine/pkg/adapter"
)

func TestBuildIngestionEventFromWebhook(t *testing.T) {
	observed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ev := adapter.WebhookEvent{
		ExternalID:   "006x1",
		ExternalType: "Opportunity",
		ObservedAt:   observed,
		Record:       adapter.Record{Fields: map[string]any{"Amount": 1000}},
		Deleted:      false,
	}

	msg, sessionKey := buildIngestionEvent("tenant-1", "integ-1", "salesforce", ev)

	if msg.TenantID != "tenant-1" || msg.IntegrationID != "integ-1" || msg.ProviderID != "salesforce" {
		t.Errorf("unexpected identity fields: %+v", msg)
	}
	if msg.Entity != "Opportunity" || msg.ExternalID != "006x1" {
		t.Errorf("unexpected record fields: %+v", msg)
	}
	if !msg.ObservedAt.Equal(observed) {
		t.Errorf("ObservedAt = %v, want %v", msg.ObservedAt, observed)
	}
	if msg.Source != "webhook" {
		t.Errorf("Source = %q, want webhook", msg.Source)
	}
	if msg.Fields["Amount"] != 1000 {
		t.Errorf("Fields not carried through: %+v", msg.Fields)
	}

	wantSession := "tenant-1:integ-1:006x1"
	if sessionKey != wantSession {
		t.Errorf("sessionKey = %q, want %q", sessionKey, wantSession)
	}
}

func TestBuildIngestionEventCarriesDeletedFlag(t *testing.T) {
	ev := adapter.WebhookEvent{ExternalID: "x", Deleted: true}
	msg, _ := buildIngestionEvent("t", "i", "p", ev)
	if !msg.Deleted {
		t.Error("expected Deleted to propagate")
	}
}
