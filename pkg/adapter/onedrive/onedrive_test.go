package onedrive

import (
	"testing"

	"github.com/microsoftgraph/msgraph-sdk-go/models"
)

func TestDriveItemToRecord(t *testing.T) {
	item := models.NewDriveItem()
	id := "item-1"
	name := "report.pdf"
	item.SetId(&id)
	item.SetName(&name)

	rec := driveItemToRecord(item)
	if rec.ExternalID != id {
		t.Errorf("ExternalID = %q, want %q", rec.ExternalID, id)
	}
	if rec.ExternalType != "drive_item" {
		t.Errorf("ExternalType = %q, want drive_item", rec.ExternalType)
	}
	if rec.Fields["name"] != name {
		t.Errorf("Fields[name] = %v, want %q", rec.Fields["name"], name)
	}
}

func TestNewAdapterDeclaresReadOnly(t *testing.T) {
	a := New("tenant", "client", "secret")
	caps := a.Capabilities()
	if len(caps) != 1 {
		t.Fatalf("expected exactly 1 capability, got %d", len(caps))
	}
}
