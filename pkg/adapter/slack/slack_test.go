package slack

import (
	"testing"
	"time"

	"github.com/shardforge/syncengine/pkg/adapter"
)

func TestParseSlackTimestamp(t *testing.T) {
	got := parseSlackTimestamp("1620000000.000100")
	want := time.Unix(1620000000, 100000)
	if !got.Equal(want) {
		t.Errorf("parseSlackTimestamp() = %v, want %v", got, want)
	}
}

func TestParseSlackTimestampInvalid(t *testing.T) {
	if got := parseSlackTimestamp("not-a-timestamp"); !got.IsZero() {
		t.Errorf("expected zero time for invalid input, got %v", got)
	}
}

func TestTargetAndText(t *testing.T) {
	target, text, err := targetAndText(map[string]any{"channel": "C123", "text": "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target != "C123" || text != "hello" {
		t.Errorf("got (%q, %q)", target, text)
	}
}

func TestTargetAndTextMissingText(t *testing.T) {
	if _, _, err := targetAndText(map[string]any{"channel": "C123"}); err == nil {
		t.Error("expected error when text is missing")
	}
}

func TestTargetAndTextMissingTarget(t *testing.T) {
	if _, _, err := targetAndText(map[string]any{"text": "hello"}); err == nil {
		t.Error("expected error when neither channel nor user is set")
	}
}

func TestNewAdapterCapabilities(t *testing.T) {
	a := New("secret")
	caps := a.Capabilities()
	if len(caps) != 2 {
		t.Fatalf("expected 2 capabilities, got %d", len(caps))
	}
	for _, c := range caps {
		if c != adapter.CapabilityRead && c != adapter.CapabilityWrite {
			t.Errorf("unexpected capability %v", c)
		}
	}
}
