// Package gateway persists read/acknowledge/triage decisions to the backend
// REST API and fetches the notification history snapshot used for hydration.
// Calls are best-effort from the caller's point of view: failures are returned,
// never retried here, and local state is only updated on confirmed success.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/medwatch/internal/identity"
	"github.com/linnemanlabs/medwatch/internal/notification"
)

const httpTimeout = 10 * time.Second

// Client talks to the backend notification REST API.
type Client struct {
	baseURL    string
	cred       *identity.Credential
	httpClient *http.Client
	logger     log.Logger
}

// New creates a gateway client rooted at baseURL (e.g. "https://api.example.org").
func New(baseURL string, cred *identity.Credential, logger log.Logger) *Client {
	if logger == nil {
		logger = log.Nop()
	}
	return &Client{
		baseURL:    baseURL,
		cred:       cred,
		httpClient: &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// History fetches the backend's notification snapshot, newest first. Used once
// at session start to recover anything delivered while disconnected.
func (c *Client) History(ctx context.Context) ([]notification.Notification, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/notifications", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway: fetch history: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("fetch history", resp)
	}

	var out struct {
		Notifications []notification.Notification `json:"notifications"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("gateway: decode history: %w", err)
	}
	return out.Notifications, nil
}

// Read marks the notification read server-side.
func (c *Client) Read(ctx context.Context, id string) error {
	return c.post(ctx, "mark read", notificationPath(id, "read"), nil)
}

// Acknowledge marks the notification acknowledged server-side. This is the
// weakest triage action and the fallback when richer actions fail.
func (c *Client) Acknowledge(ctx context.Context, id string) error {
	return c.post(ctx, "acknowledge", notificationPath(id, "acknowledge"), nil)
}

// Accept records that actor has taken clinical responsibility for the alert.
func (c *Client) Accept(ctx context.Context, id, actor string) error {
	return c.post(ctx, "accept", notificationPath(id, "accept"), actorBody(actor))
}

// RecommendReferral records an urgent-referral recommendation by actor.
func (c *Client) RecommendReferral(ctx context.Context, id, actor string) error {
	return c.post(ctx, "recommend referral", notificationPath(id, "recommend"), actorBody(actor))
}

func (c *Client) post(ctx context.Context, op, path string, body any) error {
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gateway: marshal %s: %w", op, err)
		}
		payload = bytes.NewReader(b)
	}

	req, err := c.newRequest(ctx, http.MethodPost, path, payload)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: %s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(op, resp)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("gateway: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cred != nil {
		req.Header.Set("Authorization", "Bearer "+c.cred.Token())
	}
	return req, nil
}

func notificationPath(id, action string) string {
	return "/api/v1/notifications/" + url.PathEscape(id) + "/" + action
}

func actorBody(actor string) map[string]string {
	return map[string]string{"actor_id": actor}
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("gateway: %s returned %d: %s", op, resp.StatusCode, string(body))
}
