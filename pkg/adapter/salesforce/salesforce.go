// Package salesforce implements the CRM adapter: OAuth2, cursor-paginated
// REST pulls, and bidirectional write-back against the Salesforce REST API.
package salesforce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/shardforge/syncengine/pkg/adapter"
	"github.com/shardforge/syncengine/pkg/credential"
)

const providerID = "salesforce"

// Adapter implements adapter.Adapter and credential.Refresher for Salesforce.
type Adapter struct {
	*adapter.Base
	ClientID     string
	ClientSecret string
	APIVersion   string
}

// New constructs the Salesforce adapter.
func New(clientID, clientSecret string) *Adapter {
	return &Adapter{
		Base:         adapter.NewBase(providerID),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		APIVersion:   "v59.0",
	}
}

func (a *Adapter) ProviderID() string { return providerID }

func (a *Adapter) Capabilities() []adapter.Capability {
	return []adapter.Capability{adapter.CapabilityRead, adapter.CapabilityWrite, adapter.CapabilityDelete}
}

// session holds the per-connect Salesforce instance URL and access token.
type session struct {
	instanceURL string
	accessToken string
}

func (s *session) Close(context.Context) error { return nil }

func (a *Adapter) Connect(ctx context.Context, payload credential.Payload) (adapter.Session, error) {
	if payload.Kind != "oauth2" || payload.AccessToken == "" {
		return nil, fmt.Errorf("salesforce: credential payload missing access token")
	}
	instanceURL, _ := payload.Custom["instance_url"]
	if instanceURL == "" {
		return nil, fmt.Errorf("salesforce: credential payload missing instance_url")
	}
	return &session{instanceURL: instanceURL, accessToken: payload.AccessToken}, nil
}

func (a *Adapter) TestConnection(ctx context.Context, sess adapter.Session) error {
	s := sess.(*session)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.instanceURL+"/services/oauth2/userinfo", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.accessToken)

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return adapter.Classify(adapter.ErrorRetryable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return adapter.Classify(adapter.ClassifyHTTPStatus(resp.StatusCode), fmt.Errorf("userinfo returned %d", resp.StatusCode))
	}
	return nil
}

// soqlPageSize bounds each query page; combined with the cursor (last seen
// SystemModstamp) this implements incremental pull via SOQL ORDER BY.
const soqlPageSize = 200

// FetchRecords pulls entity records modified since the cursor, ordered by
// SystemModstamp so the returned nextCursor is resumable.
func (a *Adapter) FetchRecords(ctx context.Context, sess adapter.Session, entity, cursor string, filters map[string]any) ([]adapter.Record, string, bool, error) {
	s := sess.(*session)

	since := "1970-01-01T00:00:00Z"
	if cursor != "" {
		since = cursor
	}

	soql := fmt.Sprintf(
		"SELECT Id, SystemModstamp, Name FROM %s WHERE SystemModstamp > %s ORDER BY SystemModstamp ASC LIMIT %d",
		entity, since, soqlPageSize,
	)

	var records []adapter.Record
	var lastModstamp string

	err := a.Do(ctx, tenantFromFilters(filters), 25, func(ctx context.Context) error {
		records, lastModstamp = nil, ""

		endpoint := fmt.Sprintf("%s/services/data/%s/query?q=%s", s.instanceURL, a.APIVersion, url.QueryEscape(soql))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+s.accessToken)

		resp, err := a.HTTPClient.Do(req)
		if err != nil {
			return adapter.Classify(adapter.ErrorRetryable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return adapter.Classify(adapter.ClassifyHTTPStatus(resp.StatusCode), fmt.Errorf("query returned %d", resp.StatusCode))
		}

		var body struct {
			Records []map[string]any `json:"records"`
			Done    bool             `json:"done"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return adapter.Classify(adapter.ErrorFatal, fmt.Errorf("decoding query response: %w", err))
		}

		for _, rec := range body.Records {
			id, _ := rec["Id"].(string)
			modstamp, _ := rec["SystemModstamp"].(string)
			observedAt, _ := time.Parse(time.RFC3339, modstamp)
			records = append(records, adapter.Record{
				ExternalID:   id,
				ExternalType: entity,
				ObservedAt:   observedAt,
				Fields:       rec,
			})
			lastModstamp = modstamp
		}
		return nil
	})
	if err != nil {
		return nil, cursor, false, err
	}

	nextCursor := cursor
	if lastModstamp != "" {
		nextCursor = lastModstamp
	}
	done := len(records) < soqlPageSize
	return records, nextCursor, done, nil
}

func (a *Adapter) CreateRecord(ctx context.Context, sess adapter.Session, entity string, fields map[string]any) (string, error) {
	s := sess.(*session)
	body, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}

	var externalID string
	err = a.Do(ctx, tenantFromFields(fields), 25, func(ctx context.Context) error {
		endpoint := fmt.Sprintf("%s/services/data/%s/sobjects/%s", s.instanceURL, a.APIVersion, entity)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+s.accessToken)
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.HTTPClient.Do(req)
		if err != nil {
			return adapter.Classify(adapter.ErrorRetryable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusCreated {
			return adapter.Classify(adapter.ClassifyHTTPStatus(resp.StatusCode), fmt.Errorf("create returned %d", resp.StatusCode))
		}

		var created struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
			return adapter.Classify(adapter.ErrorFatal, err)
		}
		externalID = created.ID
		return nil
	})
	return externalID, err
}

func (a *Adapter) UpdateRecord(ctx context.Context, sess adapter.Session, entity, externalID string, fields map[string]any) error {
	s := sess.(*session)
	body, err := json.Marshal(fields)
	if err != nil {
		return err
	}

	return a.Do(ctx, tenantFromFields(fields), 25, func(ctx context.Context) error {
		endpoint := fmt.Sprintf("%s/services/data/%s/sobjects/%s/%s", s.instanceURL, a.APIVersion, entity, externalID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+s.accessToken)
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.HTTPClient.Do(req)
		if err != nil {
			return adapter.Classify(adapter.ErrorRetryable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusConflict {
			return adapter.Classify(adapter.ErrorFatal, errConflict)
		}
		if resp.StatusCode != http.StatusNoContent {
			return adapter.Classify(adapter.ClassifyHTTPStatus(resp.StatusCode), fmt.Errorf("update returned %d", resp.StatusCode))
		}
		return nil
	})
}

func (a *Adapter) DeleteRecord(ctx context.Context, sess adapter.Session, entity, externalID string) error {
	s := sess.(*session)
	return a.Do(ctx, "", 25, func(ctx context.Context) error {
		endpoint := fmt.Sprintf("%s/services/data/%s/sobjects/%s/%s", s.instanceURL, a.APIVersion, entity, externalID)
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+s.accessToken)

		resp, err := a.HTTPClient.Do(req)
		if err != nil {
			return adapter.Classify(adapter.ErrorRetryable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusNoContent {
			return adapter.Classify(adapter.ClassifyHTTPStatus(resp.StatusCode), fmt.Errorf("delete returned %d", resp.StatusCode))
		}
		return nil
	})
}

// VerifyWebhook is unimplemented: Salesforce outbound messages are not
// wired for this deployment's webhook endpoint (it relies on scheduled
// pull); declaring no realtime capability documents this.
func (a *Adapter) VerifyWebhook(rawBody []byte, headers http.Header) (bool, []adapter.WebhookEvent, error) {
	return false, nil, fmt.Errorf("salesforce: webhook verification not supported")
}

// Refresh implements credential.Refresher using the OAuth2 refresh_token grant.
func (a *Adapter) Refresh(ctx context.Context, payload credential.Payload) (credential.Payload, time.Time, error) {
	cfg := &oauth2.Config{
		ClientID:     a.ClientID,
		ClientSecret: a.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: "https://login.salesforce.com/services/oauth2/token",
		},
	}

	token := &oauth2.Token{RefreshToken: payload.RefreshToken}
	src := cfg.TokenSource(ctx, token)
	newToken, err := src.Token()
	if err != nil {
		return credential.Payload{}, time.Time{}, fmt.Errorf("refreshing salesforce token: %w", err)
	}

	out := payload
	out.AccessToken = newToken.AccessToken
	if newToken.RefreshToken != "" {
		out.RefreshToken = newToken.RefreshToken
	}
	if instanceURL := newToken.Extra("instance_url"); instanceURL != nil {
		if out.Custom == nil {
			out.Custom = map[string]string{}
		}
		if s, ok := instanceURL.(string); ok {
			out.Custom["instance_url"] = s
		}
	}

	expiresAt := newToken.Expiry
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(2 * time.Hour)
	}
	return out, expiresAt, nil
}

var errConflict = fmt.Errorf("salesforce: record modified concurrently")

func tenantFromFilters(filters map[string]any) string {
	if v, ok := filters["tenant_id"].(string); ok {
		return v
	}
	return ""
}

func tenantFromFields(fields map[string]any) string {
	if v, ok := fields["__tenant_id"].(string); ok {
		return v
	}
	return ""
}

