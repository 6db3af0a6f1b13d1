// Package slack implements the messaging adapter: signature-verified
// inbound webhooks, channel history pull, and DM-based write-back.
package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	goslack "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/shardforge/syncengine/pkg/adapter"
	"github.com/shardforge/syncengine/pkg/credential"
)

const providerID = "slack"

// Adapter implements adapter.Adapter for Slack. Slack declares no delete
// capability: messages are edited or left in place, never removed.
type Adapter struct {
	*adapter.Base
	SigningSecret string
}

// New constructs the Slack adapter with the app-level signing secret used
// to verify inbound Events API deliveries.
func New(signingSecret string) *Adapter {
	return &Adapter{
		Base:          adapter.NewBase(providerID),
		SigningSecret: signingSecret,
	}
}

func (a *Adapter) ProviderID() string { return providerID }

func (a *Adapter) Capabilities() []adapter.Capability {
	return []adapter.Capability{adapter.CapabilityRead, adapter.CapabilityWrite}
}

type session struct {
	client *goslack.Client
}

func (s *session) Close(context.Context) error { return nil }

func (a *Adapter) Connect(ctx context.Context, payload credential.Payload) (adapter.Session, error) {
	if payload.AccessToken == "" {
		return nil, fmt.Errorf("slack: credential payload missing bot access token")
	}
	return &session{client: goslack.New(payload.AccessToken)}, nil
}

func (a *Adapter) TestConnection(ctx context.Context, sess adapter.Session) error {
	s := sess.(*session)
	_, err := s.client.AuthTestContext(ctx)
	if err != nil {
		return adapter.Classify(adapter.ErrorAuth, err)
	}
	return nil
}

// FetchRecords pulls a page of messages from a channel (entity = channel
// ID). cursor is Slack's own conversations.history cursor token.
func (a *Adapter) FetchRecords(ctx context.Context, sess adapter.Session, entity, cursor string, filters map[string]any) ([]adapter.Record, string, bool, error) {
	s := sess.(*session)

	var records []adapter.Record
	var nextCursor string
	var hasMore bool

	err := a.Do(ctx, tenantFromFilters(filters), 10, func(ctx context.Context) error {
		records, nextCursor, hasMore = nil, "", false

		resp, err := s.client.GetConversationHistoryContext(ctx, &goslack.GetConversationHistoryParameters{
			ChannelID: entity,
			Cursor:    cursor,
			Limit:     200,
		})
		if err != nil {
			return classifySlackErr(err)
		}

		for _, msg := range resp.Messages {
			observedAt := parseSlackTimestamp(msg.Timestamp)
			records = append(records, adapter.Record{
				ExternalID:   msg.Timestamp,
				ExternalType: entity,
				ObservedAt:   observedAt,
				Fields: map[string]any{
					"channel": entity,
					"user":    msg.User,
					"text":    msg.Text,
					"ts":      msg.Timestamp,
					"thread_ts": msg.ThreadTimestamp,
				},
			})
		}
		if resp.ResponseMetaData.NextCursor != "" {
			nextCursor = resp.ResponseMetaData.NextCursor
			hasMore = true
		}
		return nil
	})
	if err != nil {
		return nil, cursor, false, err
	}
	return records, nextCursor, !hasMore, nil
}

// CreateRecord posts a DM to fields["user"] (or a channel message if
// fields["channel"] is set instead), returning the message timestamp as
// the external id.
func (a *Adapter) CreateRecord(ctx context.Context, sess adapter.Session, entity string, fields map[string]any) (string, error) {
	s := sess.(*session)

	target, text, err := targetAndText(fields)
	if err != nil {
		return "", err
	}

	var ts string
	err = a.Do(ctx, tenantFromFields(fields), 10, func(ctx context.Context) error {
		_, sentTS, sendErr := s.client.PostMessageContext(ctx, target, goslack.MsgOptionText(text, false))
		if sendErr != nil {
			return classifySlackErr(sendErr)
		}
		ts = sentTS
		return nil
	})
	return ts, err
}

// UpdateRecord edits a previously posted message, identified by its
// timestamp (externalID), in the channel named by fields["channel"].
func (a *Adapter) UpdateRecord(ctx context.Context, sess adapter.Session, entity, externalID string, fields map[string]any) error {
	s := sess.(*session)

	channel, _ := fields["channel"].(string)
	if channel == "" {
		return fmt.Errorf("slack: update requires fields[\"channel\"]")
	}
	text, _ := fields["text"].(string)

	return a.Do(ctx, tenantFromFields(fields), 10, func(ctx context.Context) error {
		_, _, _, err := s.client.UpdateMessageContext(ctx, channel, externalID, goslack.MsgOptionText(text, false))
		if err != nil {
			return classifySlackErr(err)
		}
		return nil
	})
}

// DeleteRecord is unsupported: Slack declares no delete capability.
func (a *Adapter) DeleteRecord(ctx context.Context, sess adapter.Session, entity, externalID string) error {
	return fmt.Errorf("slack: delete capability not declared")
}

// VerifyWebhook authenticates an inbound Events API delivery using the
// app's signing secret and normalizes message events.
func (a *Adapter) VerifyWebhook(rawBody []byte, headers http.Header) (bool, []adapter.WebhookEvent, error) {
	if a.SigningSecret == "" {
		return false, nil, fmt.Errorf("slack: signing secret not configured")
	}

	sv, err := goslack.NewSecretsVerifier(headers, a.SigningSecret)
	if err != nil {
		return false, nil, fmt.Errorf("slack: invalid signature headers: %w", err)
	}
	if _, err := sv.Write(rawBody); err != nil {
		return false, nil, fmt.Errorf("slack: writing signature body: %w", err)
	}
	if err := sv.Ensure(); err != nil {
		return false, nil, nil
	}

	// The url_verification handshake has no InnerEvent to normalize.
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(rawBody, &envelope); err == nil && envelope.Type == "url_verification" {
		return true, nil, nil
	}

	evt, err := slackevents.ParseEvent(rawBody, slackevents.OptionNoVerifyToken())
	if err != nil {
		return true, nil, fmt.Errorf("slack: parsing event: %w", err)
	}

	var events []adapter.WebhookEvent
	if evt.Type == slackevents.CallbackEvent {
		if msgEvent, ok := evt.InnerEvent.Data.(*slackevents.MessageEvent); ok {
			observedAt := parseSlackTimestamp(msgEvent.TimeStamp)
			events = append(events, adapter.WebhookEvent{
				ExternalID:   msgEvent.TimeStamp,
				ExternalType: msgEvent.Channel,
				ObservedAt:   observedAt,
				Record: adapter.Record{
					ExternalID:   msgEvent.TimeStamp,
					ExternalType: msgEvent.Channel,
					ObservedAt:   observedAt,
					Fields: map[string]any{
						"channel": msgEvent.Channel,
						"user":    msgEvent.User,
						"text":    msgEvent.Text,
						"ts":      msgEvent.TimeStamp,
					},
				},
			})
		}
	}
	return true, events, nil
}

func parseSlackTimestamp(ts string) time.Time {
	var sec, nsec int64
	_, err := fmt.Sscanf(ts, "%d.%d", &sec, &nsec)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, nsec*1000)
}

func targetAndText(fields map[string]any) (target string, text string, err error) {
	text, _ = fields["text"].(string)
	if text == "" {
		return "", "", fmt.Errorf("slack: create requires fields[\"text\"]")
	}
	if channel, ok := fields["channel"].(string); ok && channel != "" {
		return channel, text, nil
	}
	if user, ok := fields["user"].(string); ok && user != "" {
		return user, text, nil
	}
	return "", "", fmt.Errorf("slack: create requires fields[\"channel\"] or fields[\"user\"]")
}

func classifySlackErr(err error) error {
	if rateLimited, ok := err.(*goslack.RateLimitedError); ok {
		_ = rateLimited
		return adapter.Classify(adapter.ErrorRetryable, err)
	}
	return adapter.Classify(adapter.ErrorFatal, err)
}

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
