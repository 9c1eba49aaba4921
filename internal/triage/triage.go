// Package triage drives the critical-alert triage lifecycle: it selects the
// single alert to present, consumes triage actions from the presentation
// layer, persists decisions through the acknowledgment gateway, and only then
// mutates local state. An alert cannot be dismissed without an explicit
// action; on gateway failure it stays presented and re-offers its actions.
package triage

import (
	"context"
	"errors"
	"sync"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/medwatch/internal/notification"
)

// State is the machine's presentation state.
type State string

const (
	// StateIdle means no critical alert is being presented.
	StateIdle State = "idle"

	// StatePresenting means exactly one unacknowledged critical alert is shown.
	StatePresenting State = "presenting"

	// StateProcessing means an action for the presented alert is in flight.
	StateProcessing State = "processing"
)

// ActionKind names a triage response to a critical alert.
type ActionKind string

const (
	// ActionAcknowledge dismisses the alert without further handling.
	ActionAcknowledge ActionKind = "acknowledge"

	// ActionView acknowledges and navigates to the referenced record.
	ActionView ActionKind = "view"

	// ActionAccept records clinical responsibility, then navigates.
	ActionAccept ActionKind = "accept"

	// ActionRefer records an urgent-referral recommendation, then navigates.
	ActionRefer ActionKind = "refer"
)

// Action is a triage command issued by the presentation layer.
type Action struct {
	Kind           ActionKind `json:"kind"`
	NotificationID string     `json:"notification_id"`
	Actor          string     `json:"actor,omitempty"`
}

var (
	ErrNoAlert       = errors.New("no critical alert presented")
	ErrWrongAlert    = errors.New("action targets a different alert")
	ErrBusy          = errors.New("an action is already in flight")
	ErrUnknownAction = errors.New("unknown action kind")
)

// Gateway persists triage decisions server-side.
type Gateway interface {
	Acknowledge(ctx context.Context, id string) error
	Accept(ctx context.Context, id, actor string) error
	RecommendReferral(ctx context.Context, id, actor string) error
}

// Store is the slice of the notification store the machine needs.
type Store interface {
	CriticalAlerts() []notification.Notification
	MarkAcknowledged(id string) bool
}

// RecordRef points at the external record a notification references.
type RecordRef struct {
	AssessmentID string
	MotherID     string
}

// Navigator requests navigation to an external record view. The machine does
// not own that view; implementations are free to ignore empty refs.
type Navigator interface {
	OpenRecord(ctx context.Context, ref RecordRef)
}

// Sink observes presentation changes so a platform layer can raise popups or
// audio cues. The core calls it but never implements it.
type Sink interface {
	Notify(n notification.Notification)
}

// Machine is the critical-alert triage state machine. Wire Recompute to the
// store's mutation events so selection tracks the critical view.
type Machine struct {
	store   Store
	gw      Gateway
	nav     Navigator
	sink    Sink
	actor   string
	logger  log.Logger
	metrics *Metrics

	mu      sync.Mutex
	state   State
	current *notification.Notification
}

// Option customizes a Machine.
type Option func(*Machine)

// WithNavigator sets the navigation collaborator.
func WithNavigator(nav Navigator) Option {
	return func(m *Machine) { m.nav = nav }
}

// WithSink sets the presentation sink.
func WithSink(sink Sink) Option {
	return func(m *Machine) { m.sink = sink }
}

// WithMetrics sets the metric set.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Machine) { m.metrics = metrics }
}

// NewMachine creates a triage machine. actor is the session user recorded on
// accept/refer actions that do not carry their own.
func NewMachine(store Store, gw Gateway, actor string, logger log.Logger, opts ...Option) *Machine {
	if logger == nil {
		logger = log.Nop()
	}
	m := &Machine{
		store:  store,
		gw:     gw,
		actor:  actor,
		logger: logger,
		state:  StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the machine's current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns a copy of the presented alert, if any.
func (m *Machine) Current() (notification.Notification, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return notification.Notification{}, false
	}
	return *m.current, true
}

// Recompute re-evaluates selection against the store's critical view. Call it
// whenever the store mutates. The stage always tracks the head of the view,
// so a newer critical arrival takes over from the presented alert; the
// backlog drains newest-first as each is resolved. While an action is in
// flight the machine holds its position; the action's resolution recomputes.
func (m *Machine) Recompute() {
	m.mu.Lock()
	if m.state == StateProcessing {
		m.mu.Unlock()
		return
	}

	crit := m.store.CriticalAlerts()
	if len(crit) == 0 {
		m.state = StateIdle
		m.current = nil
		m.mu.Unlock()
		return
	}

	head := crit[0]
	if m.current != nil && m.current.ID == head.ID {
		m.current = &head
		m.mu.Unlock()
		return
	}
	m.state = StatePresenting
	m.current = &head
	m.mu.Unlock()

	m.logger.Info(context.Background(), "presenting critical alert",
		"notification_id", head.ID,
		"type", head.Type,
		"queued", len(crit)-1,
	)
	if m.metrics != nil {
		m.metrics.Presented.Inc()
	}
	if m.sink != nil {
		m.sink.Notify(head)
	}
}

// Dispatch executes a triage action against the presented alert. It blocks
// until the gateway confirms or definitively fails. On success the alert is
// acknowledged locally and the machine advances to the next candidate; on
// total failure the alert stays presented and the error is returned.
func (m *Machine) Dispatch(ctx context.Context, a Action) error {
	m.mu.Lock()
	switch {
	case m.state == StateProcessing:
		m.mu.Unlock()
		return ErrBusy
	case m.state != StatePresenting || m.current == nil:
		m.mu.Unlock()
		return ErrNoAlert
	case a.NotificationID != m.current.ID:
		m.mu.Unlock()
		return ErrWrongAlert
	}
	alert := *m.current
	m.state = StateProcessing
	m.mu.Unlock()

	actor := a.Actor
	if actor == "" {
		actor = m.actor
	}

	outcome, err := m.resolve(ctx, a.Kind, alert, actor)
	if m.metrics != nil {
		m.metrics.Actions.WithLabelValues(string(a.Kind), outcome).Inc()
	}
	if err != nil {
		// leave the alert presented so its actions can be retried, then
		// resync in case the store moved while the action was in flight
		m.mu.Lock()
		m.state = StatePresenting
		m.mu.Unlock()
		m.logger.Error(ctx, err, "triage action failed, alert retained",
			"notification_id", alert.ID,
			"kind", a.Kind,
		)
		m.Recompute()
		return err
	}

	// gateway confirmed at least the fallback: acknowledge locally, then
	// advance. MarkAcknowledged fires Recompute via the store listener, which
	// no-ops while we are still Processing.
	m.store.MarkAcknowledged(alert.ID)

	m.mu.Lock()
	m.state = StateIdle
	m.current = nil
	m.mu.Unlock()

	m.logger.Info(ctx, "critical alert triaged",
		"notification_id", alert.ID,
		"kind", a.Kind,
		"outcome", outcome,
	)

	m.Recompute()
	return nil
}

// resolve runs the gateway call sequence for the action. Accept and refer
// fall back to plain acknowledge on failure so the alert is never stranded by
// a partial backend outage; navigation only happens when the richer action
// was recorded.
func (m *Machine) resolve(ctx context.Context, kind ActionKind, alert notification.Notification, actor string) (outcome string, err error) {
	switch kind {
	case ActionAcknowledge:
		if err := m.gw.Acknowledge(ctx, alert.ID); err != nil {
			return "failed", err
		}
		return "resolved", nil

	case ActionView:
		if err := m.gw.Acknowledge(ctx, alert.ID); err != nil {
			return "failed", err
		}
		m.navigate(ctx, alert)
		return "resolved", nil

	case ActionAccept:
		if err := m.gw.Accept(ctx, alert.ID, actor); err != nil {
			return m.fallback(ctx, alert, err)
		}
		m.navigate(ctx, alert)
		return "resolved", nil

	case ActionRefer:
		if err := m.gw.RecommendReferral(ctx, alert.ID, actor); err != nil {
			return m.fallback(ctx, alert, err)
		}
		m.navigate(ctx, alert)
		return "resolved", nil
	}
	return "failed", ErrUnknownAction
}

func (m *Machine) fallback(ctx context.Context, alert notification.Notification, cause error) (string, error) {
	m.logger.Warn(ctx, "triage action failed, falling back to acknowledge",
		"notification_id", alert.ID,
		"error", cause,
	)
	if err := m.gw.Acknowledge(ctx, alert.ID); err != nil {
		return "failed", errors.Join(cause, err)
	}
	return "fallback", nil
}

func (m *Machine) navigate(ctx context.Context, alert notification.Notification) {
	if m.nav == nil {
		return
	}
	ref := RecordRef{
		AssessmentID: alert.AssessmentID(),
		MotherID:     alert.MotherID(),
	}
	if ref.AssessmentID == "" && ref.MotherID == "" {
		return
	}
	m.nav.OpenRecord(ctx, ref)
}
