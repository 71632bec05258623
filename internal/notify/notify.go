// Package notify dispatches coordination events that need eyes on them —
// human-intervention conflict rejections, stuck workflows, lost agents,
// security-role overrides — to registered sinks.
//
// OSS ships two sinks: LogSink (structured log line) and WebhookSink
// (best-effort JSON POST). Sinks are registered at wiring time.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ── Event types ─────────────────────────────────────────────

// EventType describes what happened.
type EventType string

const (
	EventHumanIntervention EventType = "human_intervention"
	EventWorkflowStuck     EventType = "workflow_stuck"
	EventAgentLost         EventType = "agent_lost"
	EventSecurityOverride  EventType = "security_override"
	EventConflictEscalated EventType = "conflict_escalated"
)

// Event is one notification payload.
type Event struct {
	Type      EventType              `json:"type"`
	Severity  string                 `json:"severity"` // info, warning, critical
	Subject   string                 `json:"subject"`  // key, workflow id, agent id
	Detail    map[string]interface{} `json:"detail,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewEvent creates an Event stamped with the current time.
func NewEvent(eventType EventType, severity, subject string, detail map[string]interface{}) Event {
	return Event{
		Type:      eventType,
		Severity:  severity,
		Subject:   subject,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
}

// ── Sinks ────────────────────────────────────────────────────

// Sink receives events. Implementations must not block indefinitely.
type Sink interface {
	Notify(ctx context.Context, event Event) error
	Name() string
}

// LogSink writes events as structured log lines.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Notify(ctx context.Context, event Event) error {
	ev := log.Warn()
	if event.Severity == "critical" {
		ev = log.Error()
	}
	ev.
		Str("event", string(event.Type)).
		Str("severity", event.Severity).
		Str("subject", event.Subject).
		Interface("detail", event.Detail).
		Msg("🚨 Escalation event")
	return nil
}

// WebhookSink POSTs events as JSON to a fixed URL. Best effort.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

// NewWebhookSink creates a webhook sink with a bounded request timeout.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		URL:    url,
		Client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (w *WebhookSink) Name() string { return "webhook" }

func (w *WebhookSink) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// ── Notifier ─────────────────────────────────────────────────

// Notifier fans events out to all registered sinks.
type Notifier struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewNotifier creates a Notifier with the built-in log sink.
func NewNotifier() *Notifier {
	return &Notifier{sinks: []Sink{LogSink{}}}
}

// AddSink registers an additional sink.
func (n *Notifier) AddSink(s Sink) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sinks = append(n.sinks, s)
	log.Info().Str("sink", s.Name()).Msg("Registered notification sink")
}

// Emit delivers the event to every sink. Sink failures are logged, not
// propagated; an escalation must never fail the operation that raised it.
func (n *Notifier) Emit(ctx context.Context, event Event) {
	n.mu.RLock()
	sinks := make([]Sink, len(n.sinks))
	copy(sinks, n.sinks)
	n.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Notify(ctx, event); err != nil {
			log.Warn().Err(err).Str("sink", s.Name()).Str("event", string(event.Type)).
				Msg("Notification sink failed")
		}
	}
}
