// Package alert posts operational alerts (dead-lettered jobs, exhausted
// retries) to Slack.
package alert

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// Notifier posts admin alerts to a single Slack channel. If botToken is
// empty the notifier is a noop (logging only), so local/dev runs never
// need real Slack credentials.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewNotifier constructs a Notifier.
func NewNotifier(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether the notifier has a real Slack client.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// PostDeadLetter alerts on a message that exhausted its retry budget and
// moved to a queue's dead-letter stream.
func (n *Notifier) PostDeadLetter(ctx context.Context, queueName, sessionKey string, deliveries int64, lastErr error) error {
	text := fmt.Sprintf(":rotating_light: dead-lettered on %s (session %s) after %d deliveries: %v",
		queueName, sessionKey, deliveries, lastErr)

	if !n.IsEnabled() {
		n.logger.Warn("alert: dead letter (notifier disabled)", "queue", queueName, "session", sessionKey, "deliveries", deliveries, "error", lastErr)
		return nil
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("posting dead-letter alert: %w", err)
	}
	return nil
}
