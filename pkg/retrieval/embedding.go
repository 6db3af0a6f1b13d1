// Package retrieval implements project-scoped semantic and hybrid search
// over the shard store, with ACL filtering, provenance enforcement, and
// citation/freshness enrichment (spec §4.8).
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// EmbeddingProvider is the text→float-vector collaborator (spec §1).
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) (vector []float32, model string, dimensions int, err error)
}

// HTTPEmbeddingProvider calls an out-of-process embedding endpoint, the
// default wiring for EmbeddingProvider.
type HTTPEmbeddingProvider struct {
	Endpoint   string
	Model      string
	HTTPClient *http.Client
}

// NewHTTPEmbeddingProvider constructs an HTTPEmbeddingProvider.
func NewHTTPEmbeddingProvider(endpoint, model string) *HTTPEmbeddingProvider {
	return &HTTPEmbeddingProvider{
		Endpoint:   endpoint,
		Model:      model,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type embedRequest struct {
	Text  string `json:"text"`
	Model string `json:"model"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed implements EmbeddingProvider.
func (p *HTTPEmbeddingProvider) Embed(ctx context.Context, text string) ([]float32, string, int, error) {
	body, err := json.Marshal(embedRequest{Text: text, Model: p.Model})
	if err != nil {
		return nil, "", 0, fmt.Errorf("encoding embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, "", 0, fmt.Errorf("building embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return nil, "", 0, fmt.Errorf("calling embedding provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, "", 0, fmt.Errorf("embedding provider returned %d: %s", resp.StatusCode, payload)
	}

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, "", 0, fmt.Errorf("decoding embed response: %w", err)
	}
	return decoded.Embedding, p.Model, len(decoded.Embedding), nil
}
