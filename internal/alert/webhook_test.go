package alert

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func init() { defaultSender.Backoff = time.Millisecond }

func countingServer(t *testing.T, called *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDispatchMatchesEvents(t *testing.T) {
	var called atomic.Int32
	srv := countingServer(t, &called)

	d := NewDispatcher([]AlertConfig{
		{URL: srv.URL, Format: "generic", Events: []string{EventBlocked}},
	}, quiet)

	d.Dispatch(AlertEvent{Type: EventBlocked, AppUserID: "alice", Score: 95})
	d.Wait()

	if called.Load() != 1 {
		t.Errorf("expected 1 call, got %d", called.Load())
	}
}

func TestDispatchSkipsNonMatching(t *testing.T) {
	var called atomic.Int32
	srv := countingServer(t, &called)

	d := NewDispatcher([]AlertConfig{
		{URL: srv.URL, Format: "generic", Events: []string{EventBlocked}},
	}, quiet)

	d.Dispatch(AlertEvent{Type: EventLevelChanged, FromLevel: "NORMAL", ToLevel: "OBSERVATION"})
	d.Wait()

	if called.Load() != 0 {
		t.Errorf("expected 0 calls for non-matching event, got %d", called.Load())
	}
}

func TestDispatchMultipleWebhooks(t *testing.T) {
	var called atomic.Int32
	srv1 := countingServer(t, &called)
	srv2 := countingServer(t, &called)

	d := NewDispatcher([]AlertConfig{
		{URL: srv1.URL, Format: "generic", Events: []string{EventAuditDegraded}},
		{URL: srv2.URL, Format: "slack", Events: []string{EventBlocked, EventAuditDegraded}},
	}, quiet)

	d.Dispatch(AlertEvent{Type: EventAuditDegraded, Sink: "primary", Reason: "disk full"})
	d.Wait()

	if called.Load() != 2 {
		t.Errorf("expected 2 calls (both webhooks match), got %d", called.Load())
	}
}

func TestDispatchDropsWhenSaturated(t *testing.T) {
	var called atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	d := newDispatcher([]AlertConfig{
		{URL: srv.URL, Format: "generic", Events: []string{EventBlocked}},
	}, quiet, 1)

	d.Dispatch(AlertEvent{Type: EventBlocked, AppUserID: "alice"})
	d.Dispatch(AlertEvent{Type: EventBlocked, AppUserID: "bob"})
	close(release)
	d.Wait()

	if called.Load() != 1 {
		t.Errorf("expected the second alert to be dropped, got %d calls", called.Load())
	}

	d.Dispatch(AlertEvent{Type: EventBlocked, AppUserID: "carol"})
	d.Wait()
	if called.Load() != 2 {
		t.Errorf("expected a freed slot to be reused, got %d calls", called.Load())
	}
}

func TestNilDispatcherDrops(t *testing.T) {
	var d *Dispatcher
	d.Dispatch(AlertEvent{Type: EventBlocked})
	d.Wait()
}

func TestRetryOnServerError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := Send(context.Background(), AlertConfig{URL: srv.URL, Format: "generic"}, AlertEvent{Type: EventBlocked})
	if err != nil {
		t.Errorf("expected success after retries, got: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := Send(context.Background(), AlertConfig{URL: srv.URL, Format: "generic"}, AlertEvent{Type: EventBlocked})
	if err == nil {
		t.Error("expected error on 400, got nil")
	}
	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt (no retry on 4xx), got %d", attempts.Load())
	}
}

func TestHeadersForwarded(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := AlertConfig{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer x"}}
	if err := Send(context.Background(), cfg, AlertEvent{Type: EventBlocked}); err != nil {
		t.Fatal(err)
	}
	if h := <-got; h != "Bearer x" {
		t.Errorf("expected Authorization header, got %q", h)
	}
}

func TestFormatGenericJSON(t *testing.T) {
	event := AlertEvent{
		Timestamp: "2026-01-15T14:00:00.000Z",
		Type:      EventBlocked,
		AppUserID: "alice",
		TraceID:   "t-123",
		ToLevel:   "BLOCKED",
		Score:     101,
		Reason:    "score crossed block threshold",
	}

	data, err := FormatPayload("generic", event)
	if err != nil {
		t.Fatal(err)
	}

	var parsed AlertEvent
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("generic format is not valid JSON: %v", err)
	}
	if parsed != event {
		t.Errorf("generic payload mismatch: %+v", parsed)
	}
}

func TestFormatSlackBlockKit(t *testing.T) {
	event := AlertEvent{
		Type:      EventLevelChanged,
		AppUserID: "alice",
		FromLevel: "NORMAL",
		ToLevel:   "OBSERVATION",
		Score:     61,
		Reason:    "score crossed observation threshold",
	}

	data, err := FormatPayload("slack", event)
	if err != nil {
		t.Fatal(err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("slack format is not valid JSON: %v", err)
	}

	blocks, ok := parsed["blocks"].([]any)
	if !ok || len(blocks) < 2 {
		t.Fatalf("expected at least 2 blocks, got %v", parsed["blocks"])
	}

	header, _ := blocks[0].(map[string]any)
	if header["type"] != "header" {
		t.Errorf("expected header block, got %s", header["type"])
	}

	section, _ := blocks[1].(map[string]any)
	fields, ok := section["fields"].([]any)
	if !ok || len(fields) != 4 {
		t.Errorf("expected 4 fields in section, got %v", fields)
	}
}

func TestFormatPagerDutySeverity(t *testing.T) {
	tests := []struct {
		event AlertEvent
		want  string
	}{
		{AlertEvent{Type: EventBlocked, AppUserID: "alice"}, "critical"},
		{AlertEvent{Type: EventLevelChanged, ToLevel: "BLOCKED"}, "critical"},
		{AlertEvent{Type: EventLevelChanged, ToLevel: "OBSERVATION"}, "warning"},
		{AlertEvent{Type: EventAuditDegraded, Sink: "journal"}, "error"},
	}
	for _, tt := range tests {
		data, err := FormatPayload("pagerduty", tt.event)
		if err != nil {
			t.Fatal(err)
		}
		var parsed map[string]any
		if err := json.Unmarshal(data, &parsed); err != nil {
			t.Fatalf("pagerduty format is not valid JSON: %v", err)
		}
		if parsed["event_action"] != "trigger" {
			t.Errorf("expected event_action trigger, got %v", parsed["event_action"])
		}
		payload, _ := parsed["payload"].(map[string]any)
		if payload["severity"] != tt.want {
			t.Errorf("%s/%s: expected severity %s, got %v", tt.event.Type, tt.event.ToLevel, tt.want, payload["severity"])
		}
		if payload["source"] != "deepaudit" {
			t.Errorf("expected source deepaudit, got %v", payload["source"])
		}
	}
}

func TestNewDispatcherNilOnEmpty(t *testing.T) {
	if d := NewDispatcher(nil, quiet); d != nil {
		t.Error("expected nil dispatcher for empty configs")
	}
	if d := NewDispatcher([]AlertConfig{}, quiet); d != nil {
		t.Error("expected nil dispatcher for zero-length configs")
	}
}

func TestSendStopsOnCancelledContext(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := &Sender{Client: srv.Client(), Attempts: 5, Backoff: time.Hour}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := s.Send(ctx, AlertConfig{URL: srv.URL}, AlertEvent{Type: EventBlocked})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt before backoff was cut short, got %d", attempts.Load())
	}
}
