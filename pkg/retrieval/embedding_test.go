package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPEmbeddingProviderEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "text-embedding-default" {
			t.Errorf("unexpected model: %q", req.Model)
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	p := NewHTTPEmbeddingProvider(srv.URL, "text-embedding-default")
	vec, model, dims, err := p.Embed(context.Background(), "renewal discussion")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if dims != 3 || model != "text-embedding-default" || len(vec) != 3 {
		t.Errorf("unexpected embed result: vec=%v model=%q dims=%d", vec, model, dims)
	}
}

func TestHTTPEmbeddingProviderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewHTTPEmbeddingProvider(srv.URL, "m")
	if _, _, _, err := p.Embed(context.Background(), "text"); err == nil {
		t.Error("expected error on non-200 response")
	}
}
