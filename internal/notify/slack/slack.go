// Package slack escalates presented critical alerts to a Slack incoming
// webhook so a facility back-office sees them even when no worker is looking
// at the device.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/medwatch/internal/notification"
)

const (
	maxMessageLen = 3000
	httpTimeout   = 10 * time.Second
)

// Notifier posts alert escalations to a Slack webhook. It satisfies the
// triage presentation sink, so every alert that takes the stage is escalated.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Notify escalates asynchronously. Delivery failures are logged, never
// surfaced; escalation must not block or fail triage.
func (n *Notifier) Notify(alert notification.Notification) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), httpTimeout)
		defer cancel()
		if err := n.Send(ctx, alert); err != nil {
			n.logger.Error(context.Background(), err, "escalation webhook failed", "notification_id", alert.ID)
		}
	}()
}

// Send posts an alert to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, alert notification.Notification) error {
	if n.webhookURL == "" {
		return nil
	}

	msg := buildMessage(alert)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(alert notification.Notification) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(alert),
			{"type": "divider"},
			fieldsBlock(alert),
			{"type": "divider"},
			messageBlock(alert),
			{"type": "divider"},
			contextBlock(alert),
		},
	}
}

func headerBlock(alert notification.Notification) map[string]any {
	text := fmt.Sprintf("%s Critical Alert: %s", priorityEmoji(alert.Priority), alert.Title)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(alert notification.Notification) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Priority:* %s", alert.Priority),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Type:* %s", alert.Type),
		},
	}
	if mid := alert.MotherID(); mid != "" {
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Mother:* %s", mid),
		})
	}
	if aid := alert.AssessmentID(); aid != "" {
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Assessment:* %s", aid),
		})
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func messageBlock(alert notification.Notification) map[string]any {
	text := truncate(alert.Message, maxMessageLen)
	if text == "" {
		text = "_No detail provided._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": text,
		},
	}
}

func contextBlock(alert notification.Notification) map[string]any {
	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("medwatch • notification %s • %s", alert.ID, alert.Timestamp.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func priorityEmoji(p notification.Priority) string {
	switch p {
	case notification.PriorityCritical:
		return "\U0001f534" // red circle
	case notification.PriorityHigh:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
