package extractor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCandidateDedupKeyContact(t *testing.T) {
	c := Candidate{Kind: EntityContact, Name: "Jane Doe", Attributes: map[string]any{"email": "jane@example.com"}}
	if c.DedupKey() != "jane@example.com" {
		t.Errorf("DedupKey = %q, want email", c.DedupKey())
	}
}

func TestCandidateDedupKeyAccount(t *testing.T) {
	c := Candidate{Kind: EntityAccount, Name: "Acme Corp", Attributes: map[string]any{"domain": "acme.com"}}
	if c.DedupKey() != "acme.com" {
		t.Errorf("DedupKey = %q, want domain", c.DedupKey())
	}
}

func TestCandidateDedupKeyFallsBackToName(t *testing.T) {
	c := Candidate{Kind: EntityLocation, Name: "San Francisco"}
	if c.DedupKey() != "San Francisco" {
		t.Errorf("DedupKey = %q, want name fallback", c.DedupKey())
	}
}

func TestHTTPExtractorExtract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req extractRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Text != "call John at Acme tomorrow" {
			t.Errorf("unexpected request text: %q", req.Text)
		}
		_ = json.NewEncoder(w).Encode(extractResponse{
			Entities: []Candidate{{Kind: EntityContact, Name: "John", Confidence: 0.8}},
		})
	}))
	defer srv.Close()

	e := NewHTTPExtractor(srv.URL)
	candidates, err := e.Extract(context.Background(), "call John at Acme tomorrow")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(candidates) != 1 || candidates[0].Name != "John" {
		t.Errorf("unexpected candidates: %+v", candidates)
	}
}

func TestHTTPExtractorNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	e := NewHTTPExtractor(srv.URL)
	if _, err := e.Extract(context.Background(), "text"); err == nil {
		t.Error("expected error on non-200 response")
	}
}
