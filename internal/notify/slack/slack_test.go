package slack

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/medwatch/internal/notification"
)

func testAlert() notification.Notification {
	return notification.Notification{
		ID:        "n1",
		Type:      notification.TypeHighRiskAlert,
		Title:     "High risk mother detected",
		Message:   "SpO2 below threshold, immediate review required",
		Priority:  notification.PriorityCritical,
		Timestamp: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		Data: map[string]any{
			"mother_id":     "m-42",
			"assessment_id": "as-7",
		},
	}
}

func TestSend_PostsBlocks(t *testing.T) {
	t.Parallel()

	var payload []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type = %q, want application/json", ct)
		}
		payload, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, nil)
	if err := n.Send(context.Background(), testAlert()); err != nil {
		t.Fatalf("Send() = %v, want nil", err)
	}

	var msg struct {
		Blocks []map[string]any `json:"blocks"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if len(msg.Blocks) != 7 {
		t.Fatalf("blocks = %d, want 7", len(msg.Blocks))
	}

	body := string(payload)
	for _, want := range []string{"High risk mother detected", "m-42", "as-7", "critical", "notification n1"} {
		if !strings.Contains(body, want) {
			t.Errorf("payload missing %q", want)
		}
	}
}

func TestSend_EmptyURL_NoOp(t *testing.T) {
	t.Parallel()

	n := New("", nil)
	if err := n.Send(context.Background(), testAlert()); err != nil {
		t.Fatalf("Send() with empty URL = %v, want nil", err)
	}
}

func TestSend_WebhookError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid_payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	n := New(srv.URL, nil)
	err := n.Send(context.Background(), testAlert())
	if err == nil {
		t.Fatal("Send() = nil, want error for 400 response")
	}
	if !strings.Contains(err.Error(), "400") {
		t.Errorf("error = %q, want mention of status 400", err)
	}
}

func TestNotify_DeliversAsync(t *testing.T) {
	t.Parallel()

	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, nil)
	n.Notify(testAlert())

	select {
	case body := <-got:
		if !strings.Contains(body, "High risk mother detected") {
			t.Errorf("payload missing alert title")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not called within 2s")
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", maxMessageLen+100)
	got := truncate(long, maxMessageLen)
	if len(got) != maxMessageLen {
		t.Errorf("len = %d, want %d", len(got), maxMessageLen)
	}
	if !strings.HasSuffix(got, "...") {
		t.Error("truncated text should end with ellipsis")
	}

	short := "unchanged"
	if truncate(short, maxMessageLen) != short {
		t.Error("short text should pass through unchanged")
	}
}
