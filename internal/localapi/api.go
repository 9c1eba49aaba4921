// Package localapi is the HTTP surface the presentation layer consumes: the
// notification list and summary, the currently presented critical alert, and
// the triage action dispatch. It owns no state; everything is read from the
// store, the triage machine, and the connection manager.
package localapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/medwatch/internal/channel"
	"github.com/linnemanlabs/medwatch/internal/notification"
	"github.com/linnemanlabs/medwatch/internal/triage"
)

// Notifications is the slice of the store the API reads and marks.
type Notifications interface {
	List() []notification.Notification
	UnreadCount() int
	CriticalAlerts() []notification.Notification
	MarkRead(id string) bool
}

// Reader persists read marks to the backend.
type Reader interface {
	Read(ctx context.Context, id string) error
}

// Triage is the slice of the triage machine the API drives.
type Triage interface {
	Current() (notification.Notification, bool)
	State() triage.State
	Dispatch(ctx context.Context, a triage.Action) error
}

// Connection reports realtime channel health for the connectivity banner and
// carries best-effort read hints back over the channel.
type Connection interface {
	Snapshot() channel.Snapshot
	HintRead(notificationID string)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	store  Notifications
	triage Triage
	reader Reader
	conn   Connection
}

// New creates a new API handler.
func New(logger log.Logger, store Notifications, tr Triage, reader Reader, conn Connection) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if store == nil {
		panic(xerrors.New("notification store is required"))
	}
	if tr == nil {
		panic(xerrors.New("triage machine is required"))
	}
	if reader == nil {
		panic(xerrors.New("read gateway is required"))
	}
	if conn == nil {
		panic(xerrors.New("connection manager is required"))
	}
	return &API{
		logger: logger,
		store:  store,
		triage: tr,
		reader: reader,
		conn:   conn,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/notifications", a.handleListNotifications)
		r.Get("/notifications/summary", a.handleSummary)
		r.Post("/notifications/{id}/read", a.handleMarkRead)
		r.Get("/triage/current", a.handleCurrentAlert)
		r.Post("/triage/{id}/action", a.handleTriageAction)
	})
}

func (a *API) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	list := a.store.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": list,
		"count":         len(list),
	})
}

func (a *API) handleSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"unread":                  a.store.UnreadCount(),
		"critical_unacknowledged": len(a.store.CriticalAlerts()),
		"connection":              a.conn.Snapshot(),
	})
}

func (a *API) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if !a.store.MarkRead(id) {
		http.Error(w, `{"error":"unknown notification"}`, http.StatusNotFound)
		return
	}

	// Persistence is best effort and must not block the local mutation.
	a.conn.HintRead(id)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.reader.Read(ctx, id); err != nil {
			a.logger.Warn(ctx, "read persistence failed", "notification_id", id, "error", err)
		}
	}()

	writeJSON(w, http.StatusOK, map[string]any{"read": true})
}

func (a *API) handleCurrentAlert(w http.ResponseWriter, r *http.Request) {
	cur, ok := a.triage.Current()
	if !ok {
		http.Error(w, `{"error":"no critical alert presented"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state": a.triage.State(),
		"alert": cur,
	})
}

func (a *API) handleTriageAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("medwatch.notification.id", id))

	var body struct {
		Kind  triage.ActionKind `json:"kind"`
		Actor string            `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	span.SetAttributes(attribute.String("medwatch.triage.kind", string(body.Kind)))

	err := a.triage.Dispatch(r.Context(), triage.Action{
		Kind:           body.Kind,
		NotificationID: id,
		Actor:          body.Actor,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"resolved": true})
	case errors.Is(err, triage.ErrUnknownAction):
		http.Error(w, `{"error":"unknown action kind"}`, http.StatusBadRequest)
	case errors.Is(err, triage.ErrNoAlert):
		http.Error(w, `{"error":"no critical alert presented"}`, http.StatusNotFound)
	case errors.Is(err, triage.ErrWrongAlert), errors.Is(err, triage.ErrBusy):
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusConflict)
	default:
		// gateway failure: the alert stays presented, the client may retry
		a.logger.Error(r.Context(), err, "triage action failed", "notification_id", id)
		http.Error(w, `{"error":"triage action not persisted"}`, http.StatusBadGateway)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
