package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type recordingSink struct {
	events []Event
	err    error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Notify(ctx context.Context, event Event) error {
	s.events = append(s.events, event)
	return s.err
}

func TestEmitFansOutToAllSinks(t *testing.T) {
	n := NewNotifier()
	first := &recordingSink{}
	second := &recordingSink{err: errors.New("sink down")}
	third := &recordingSink{}
	n.AddSink(first)
	n.AddSink(second)
	n.AddSink(third)

	n.Emit(context.Background(), NewEvent(EventWorkflowStuck, "warning", "wf-1", nil))

	// A failing sink never blocks the rest.
	for i, s := range []*recordingSink{first, second, third} {
		if len(s.events) != 1 {
			t.Errorf("sink %d received %d events, want 1", i, len(s.events))
		}
	}
	if first.events[0].Type != EventWorkflowStuck || first.events[0].Subject != "wf-1" {
		t.Errorf("event = %+v", first.events[0])
	}
}

func TestWebhookSinkPostsJSON(t *testing.T) {
	var got Event
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("Decode() error = %v", err)
		}
	}))
	defer ts.Close()

	sink := NewWebhookSink(ts.URL)
	event := NewEvent(EventAgentLost, "critical", "agent-7", map[string]interface{}{"last_seen": "5m"})
	if err := sink.Notify(context.Background(), event); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if got.Type != EventAgentLost || got.Subject != "agent-7" {
		t.Errorf("webhook received %+v", got)
	}
}
