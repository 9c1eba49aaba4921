// Package channel maintains the persistent websocket connection that delivers
// realtime notifications. It owns the single connection and the single retry
// timer, recovers from transient failures with exponential backoff, and never
// retries identity failures. Transport errors are never surfaced to consumers;
// they only ever observe status and ingested notifications.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/medwatch/internal/identity"
	"github.com/linnemanlabs/medwatch/internal/notification"
)

// Status is the connection lifecycle state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// Application close codes the backend uses to reject an identity. Both are
// terminal: the session must re-authenticate before connecting again.
const (
	CloseIdentityRejected = 4001
	CloseIdentityMismatch = 4003
)

// Ingestor receives decoded notifications. Satisfied by *store.Store.
type Ingestor interface {
	Ingest(n notification.Notification) bool
}

// Options configures the connection manager.
type Options struct {
	// URL is the backend websocket base, e.g. "wss://api.example.org".
	URL string

	// BaseDelay and MaxDelay bound the reconnect backoff series
	// min(BaseDelay * 2^attempt, MaxDelay).
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// MaxAttempts is the retry ceiling. Once reached, retries stop
	// permanently and the session is marked unavailable.
	MaxAttempts int

	// StabilizationDelay is how long to wait after open before sending the
	// first heartbeat ping.
	StabilizationDelay time.Duration

	// HandshakeTimeout bounds a single dial attempt.
	HandshakeTimeout time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.BaseDelay <= 0 {
		out.BaseDelay = time.Second
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = 30 * time.Second
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 10
	}
	if out.StabilizationDelay <= 0 {
		out.StabilizationDelay = time.Second
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = 10 * time.Second
	}
	return out
}

// Snapshot is a point-in-time view of the connection for status surfaces.
type Snapshot struct {
	Status      Status `json:"status"`
	SessionID   string `json:"session_id,omitempty"`
	Attempt     int    `json:"reconnect_attempt"`
	Unavailable bool   `json:"unavailable"`
}

// Manager owns one logical realtime connection per authenticated session.
type Manager struct {
	opts    Options
	store   Ingestor
	logger  log.Logger
	metrics *Metrics

	mu         sync.Mutex
	cred       *identity.Credential
	status     Status
	conn       *websocket.Conn
	sessionID  string
	attempt    int
	retryTimer *time.Timer
	heartbeat  *time.Timer
	exhausted  bool
	delays     *backoff.ExponentialBackOff

	writeMu sync.Mutex
}

// NewManager creates a connection manager. cred may be nil; Connect is then a
// logged no-op until SetCredential provides an identity.
func NewManager(opts Options, cred *identity.Credential, store Ingestor, logger log.Logger, metrics *Metrics) *Manager {
	if logger == nil {
		logger = log.Nop()
	}
	o := opts.withDefaults()
	return &Manager{
		opts:    o,
		store:   store,
		logger:  logger,
		metrics: metrics,
		cred:    cred,
		status:  StatusDisconnected,
		delays:  newDelays(o),
	}
}

func newDelays(o Options) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.BaseDelay
	b.MaxInterval = o.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// SetCredential installs a fresh identity after re-authentication and clears
// the unavailable state so Connect may be called again.
func (m *Manager) SetCredential(cred *identity.Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = cred
	m.exhausted = false
	m.attempt = 0
	m.delays.Reset()
}

// Status returns the connection state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Snapshot returns the connection state for status surfaces.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Status:      m.status,
		SessionID:   m.sessionID,
		Attempt:     m.attempt,
		Unavailable: m.exhausted,
	}
}

// Connect opens the channel. It is a no-op when no valid identity is
// available, when a connection is already open or opening, or after the retry
// ceiling was reached. Dial failures follow the transient-close retry path;
// Connect itself never returns an error.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.status != StatusDisconnected {
		m.mu.Unlock()
		return
	}
	if m.exhausted {
		m.mu.Unlock()
		m.logger.Warn(ctx, "realtime updates unavailable, not connecting")
		return
	}
	cred := m.cred
	if cred == nil || cred.Expired(time.Now()) {
		m.mu.Unlock()
		m.logger.Warn(ctx, "no valid identity, not connecting")
		return
	}
	m.status = StatusConnecting
	m.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: m.opts.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, m.endpoint(cred), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		m.logger.Warn(ctx, "channel dial failed", "error", err)
		if m.metrics != nil {
			m.metrics.Connects.WithLabelValues("error").Inc()
		}
		m.mu.Lock()
		if m.status != StatusConnecting {
			// Disconnect ran while the dial was in flight; no retry
			m.mu.Unlock()
			return
		}
		m.status = StatusDisconnected
		m.scheduleRetryLocked()
		m.mu.Unlock()
		return
	}

	sessionID := ulid.Make().String()

	m.mu.Lock()
	if m.status != StatusConnecting {
		// Disconnect ran while the dial was in flight
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.status = StatusConnected
	m.sessionID = sessionID
	m.attempt = 0
	m.delays.Reset()
	m.heartbeat = time.AfterFunc(m.opts.StabilizationDelay, func() {
		m.SendMessage(map[string]string{"type": "ping"})
	})
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.Connects.WithLabelValues("ok").Inc()
	}
	m.logger.Info(ctx, "channel connected",
		"session_id", sessionID,
		"user_id", cred.UserID(),
	)

	go m.readLoop(conn, sessionID)
}

func (m *Manager) endpoint(cred *identity.Credential) string {
	return m.opts.URL + "/ws/" + url.PathEscape(cred.UserID()) + "?token=" + url.QueryEscape(cred.Token())
}

// Disconnect cancels any pending retry, closes the channel with a normal
// closure, and leaves the manager disconnected. Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
	conn := m.conn
	m.conn = nil
	m.status = StatusDisconnected
	m.mu.Unlock()

	if conn != nil {
		m.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		m.writeMu.Unlock()
		_ = conn.Close()
	}
}

// SendMessage serializes and transmits a payload. A no-op with a logged
// warning when not connected; transport failures are logged, never returned.
func (m *Manager) SendMessage(payload any) {
	m.mu.Lock()
	conn := m.conn
	connected := m.status == StatusConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		m.logger.Warn(context.Background(), "send skipped, channel not connected")
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error(context.Background(), err, "send skipped, payload not serializable")
		return
	}

	m.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	m.writeMu.Unlock()
	if err != nil {
		m.logger.Warn(context.Background(), "channel write failed", "error", err)
	}
}

// HintRead tells the backend over the channel that a notification was read.
// Best effort alongside the gateway call; correctness never depends on it.
func (m *Manager) HintRead(notificationID string) {
	m.SendMessage(map[string]string{
		"type":            "mark_notification_read",
		"notification_id": notificationID,
	})
}

func (m *Manager) readLoop(conn *websocket.Conn, sessionID string) {
	ctx := context.Background()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(conn, sessionID, err)
			return
		}
		m.handleFrame(ctx, data)
	}
}

func (m *Manager) handleFrame(ctx context.Context, data []byte) {
	var n notification.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		m.logger.Warn(ctx, "dropping malformed frame", "error", err)
		if m.metrics != nil {
			m.metrics.Frames.WithLabelValues("malformed").Inc()
		}
		return
	}

	if n.Type.IsControl() {
		if n.Type == notification.TypeError {
			m.logger.Warn(ctx, "server error frame", "message", n.Message)
		}
		if m.metrics != nil {
			m.metrics.Frames.WithLabelValues("control").Inc()
		}
		return
	}

	// a notification needs at least an id, a type, a priority, and a timestamp
	if n.ID == "" || n.Type == "" || n.Priority == "" || n.Timestamp.IsZero() {
		m.logger.Warn(ctx, "dropping incomplete notification frame", "notification_id", n.ID)
		if m.metrics != nil {
			m.metrics.Frames.WithLabelValues("malformed").Inc()
		}
		return
	}

	added := m.store.Ingest(n)
	if m.metrics != nil {
		if added {
			m.metrics.Frames.WithLabelValues("notification").Inc()
		} else {
			m.metrics.Frames.WithLabelValues("duplicate").Inc()
		}
	}
}

func (m *Manager) handleClose(conn *websocket.Conn, sessionID string, err error) {
	_ = conn.Close()

	m.mu.Lock()
	if m.conn != conn {
		// a newer connection superseded this one; nothing to do
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.status = StatusDisconnected
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}

	ctx := context.Background()
	if terminal, code := closeClass(err); terminal {
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.Closes.WithLabelValues("terminal").Inc()
		}
		m.logger.Warn(ctx, "channel closed, not retrying",
			"session_id", sessionID,
			"close_code", code,
			"error", err,
		)
		return
	}
	m.scheduleRetryLocked()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.Closes.WithLabelValues("transient").Inc()
	}
	m.logger.Warn(ctx, "channel closed, retry scheduled",
		"session_id", sessionID,
		"error", err,
	)
}

// closeClass reports whether the close reason is terminal and the close code
// if one was present. Normal closure and identity rejections are terminal;
// everything else, including abnormal closure and dial errors, is transient.
func closeClass(err error) (terminal bool, code int) {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false, 0
	}
	switch ce.Code {
	case websocket.CloseNormalClosure, CloseIdentityRejected, CloseIdentityMismatch:
		return true, ce.Code
	}
	return false, ce.Code
}

// scheduleRetryLocked arms the single retry timer. Caller holds m.mu. Any
// pending timer is canceled first, so at most one retry is ever pending.
func (m *Manager) scheduleRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.attempt >= m.opts.MaxAttempts {
		m.exhausted = true
		if m.metrics != nil {
			m.metrics.Exhausted.Inc()
		}
		m.logger.Warn(context.Background(), "reconnect ceiling reached, realtime updates unavailable",
			"attempts", m.attempt,
		)
		return
	}

	delay := m.delays.NextBackOff()
	m.attempt++
	if m.metrics != nil {
		m.metrics.Retries.Inc()
	}
	m.logger.Info(context.Background(), "reconnect scheduled",
		"attempt", m.attempt,
		"delay", delay.String(),
	)
	m.retryTimer = time.AfterFunc(delay, func() {
		m.Connect(context.Background())
	})
}
