// Package extractor defines the LLM entity-extraction collaborator (spec
// §1: "a text→structured-entities function") and a default HTTP client
// implementation used by the enrichment worker.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// EntityKind enumerates the candidate entity kinds the extractor returns
// (spec §4.6: "contacts, accounts, organizations, locations, dates").
type EntityKind string

const (
	EntityContact      EntityKind = "contact"
	EntityAccount      EntityKind = "account"
	EntityOrganization EntityKind = "organization"
	EntityLocation     EntityKind = "location"
	EntityDate         EntityKind = "date"
)

// Candidate is one extracted entity mention with the extractor's own
// confidence in the extraction (distinct from the source-trust weighting
// the enrichment worker applies on top, per spec §4.6).
type Candidate struct {
	Kind       EntityKind     `json:"kind"`
	Name       string         `json:"name"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Confidence float64        `json:"confidence"`
}

// DedupKey returns the stable key the enrichment worker upserts this
// candidate's entity shard by: email for contacts, domain for accounts,
// the normalized name otherwise.
func (c Candidate) DedupKey() string {
	switch c.Kind {
	case EntityContact:
		if email, ok := c.Attributes["email"].(string); ok && email != "" {
			return email
		}
	case EntityAccount:
		if domain, ok := c.Attributes["domain"].(string); ok && domain != "" {
			return domain
		}
	}
	return c.Name
}

// Extractor produces candidate entities from free text.
type Extractor interface {
	Extract(ctx context.Context, text string) ([]Candidate, error)
}

// HTTPExtractor calls an out-of-process LLM extraction endpoint, the
// default wiring for Extractor.
type HTTPExtractor struct {
	Endpoint   string
	HTTPClient *http.Client
}

// NewHTTPExtractor constructs an HTTPExtractor posting to endpoint with a
// 30s timeout, consistent with the adapter framework's per-call budget.
func NewHTTPExtractor(endpoint string) *HTTPExtractor {
	return &HTTPExtractor{
		Endpoint:   endpoint,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type extractRequest struct {
	Text string `json:"text"`
}

type extractResponse struct {
	Entities []Candidate `json:"entities"`
}

// Extract implements Extractor.
func (e *HTTPExtractor) Extract(ctx context.Context, text string) ([]Candidate, error) {
	body, err := json.Marshal(extractRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("encoding extract request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building extract request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling extractor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("extractor returned %d: %s", resp.StatusCode, payload)
	}

	var decoded extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding extract response: %w", err)
	}
	return decoded.Entities, nil
}
