// Package bus implements the reliable message bus between agents:
// validation, priority-aware delivery, retry with exponential backoff,
// a dead-letter set, and pub/sub event broadcast. Every message is
// persisted for 24 hours for audit, delivered or not.
package bus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agenthub/agenthub/internal/kv"
	"github.com/agenthub/agenthub/pkg/models"
)

const (
	auditKeyPrefix      = "message:"
	deadLetterKeyPrefix = "dead_letter:"

	// AuditRetention is how long message audit records and dead letters
	// are kept.
	AuditRetention = 24 * time.Hour

	// DefaultMaxRetries is the retry budget for messages that do not set
	// their own.
	DefaultMaxRetries = 3

	// DefaultHandlerTimeout bounds one handler invocation.
	DefaultHandlerTimeout = 30 * time.Second

	queueCapacity = 1024
)

// Outcome values returned by Send.
const (
	OutcomeDelivered = "delivered"
	OutcomeQueued    = "queued"
	OutcomeRejected  = "rejected"
)

// Bus routes messages between registered handlers.
type Bus struct {
	store kv.KV

	mu       sync.RWMutex
	handlers map[string]Handler
	subs     map[string]map[string]struct{} // event type -> agent ids

	queue chan *models.Message

	handlerTimeout time.Duration
	maxRetries     int

	// backoffBase scales retry delays: delay = backoffBase << retryCount.
	// One second in production, shrunk in tests.
	backoffBase time.Duration

	sent, delivered, failed, rejected, deadLettered atomic.Int64
}

// New creates a message bus over the given durable store.
func New(store kv.KV) *Bus {
	return &Bus{
		store:          store,
		handlers:       make(map[string]Handler),
		subs:           make(map[string]map[string]struct{}),
		queue:          make(chan *models.Message, queueCapacity),
		handlerTimeout: DefaultHandlerTimeout,
		maxRetries:     DefaultMaxRetries,
		backoffBase:    time.Second,
	}
}

// SetHandlerTimeout overrides the per-delivery handler timeout.
func (b *Bus) SetHandlerTimeout(d time.Duration) {
	if d > 0 {
		b.handlerTimeout = d
	}
}

// SetMaxRetries overrides the default retry budget for messages that do
// not set their own.
func (b *Bus) SetMaxRetries(n int) {
	if n > 0 {
		b.maxRetries = n
	}
}

// ── Handler registry ─────────────────────────────────────────

// RegisterHandler binds an agent id to its Handler. Re-registering
// replaces the previous handler.
func (b *Bus) RegisterHandler(agentID string, h Handler) {
	b.mu.Lock()
	b.handlers[agentID] = h
	b.mu.Unlock()
	log.Info().Str("agent", agentID).Msg("Handler registered")
}

// UnregisterHandler removes an agent's handler and its subscriptions.
func (b *Bus) UnregisterHandler(agentID string) {
	b.mu.Lock()
	delete(b.handlers, agentID)
	for _, agents := range b.subs {
		delete(agents, agentID)
	}
	b.mu.Unlock()
}

func (b *Bus) handler(agentID string) (Handler, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.handlers[agentID]
	return h, ok
}

// ── Send & broadcast ─────────────────────────────────────────

// Send validates and dispatches a message. Critical messages are
// delivered synchronously inline; all other priorities are enqueued FIFO.
// Rejected messages never enter any queue.
func (b *Bus) Send(ctx context.Context, msg *models.Message) (string, error) {
	b.fillDefaults(msg)
	b.sent.Add(1)

	if err := b.validate(msg); err != nil {
		b.rejected.Add(1)
		b.audit(ctx, msg, OutcomeRejected, err.Error())
		return OutcomeRejected, err
	}

	if msg.Priority == models.PriorityCritical {
		// Inline delivery, but retries must outlive the caller's context.
		if err := b.deliver(context.WithoutCancel(ctx), msg); err != nil {
			return "", err
		}
		return OutcomeDelivered, nil
	}

	select {
	case b.queue <- msg:
		b.audit(ctx, msg, OutcomeQueued, "")
		return OutcomeQueued, nil
	default:
		b.rejected.Add(1)
		err := &ValidationError{Field: "queue", Reason: "full"}
		b.audit(ctx, msg, OutcomeRejected, err.Error())
		return OutcomeRejected, err
	}
}

// Request delivers msg synchronously and returns the handler's reply.
// No retry is attempted; the caller decides what a failure means. Used
// by the workflow engine and coordination fan-out, where the reply is
// the point.
func (b *Bus) Request(ctx context.Context, msg *models.Message) (*models.Message, error) {
	b.fillDefaults(msg)
	b.sent.Add(1)

	if err := b.validate(msg); err != nil {
		b.rejected.Add(1)
		b.audit(ctx, msg, OutcomeRejected, err.Error())
		return nil, err
	}

	// Look up again rather than trusting validate: the handler can be
	// unregistered between the two, e.g. by a concurrent deregister.
	h, ok := b.handler(msg.To)
	if !ok {
		b.failed.Add(1)
		err := &DeliveryError{MessageID: msg.ID, Reason: "no registered handler"}
		b.audit(ctx, msg, "failed", err.Reason)
		return nil, err
	}
	hctx, cancel := context.WithTimeout(ctx, b.handlerTimeout)
	reply, err := h.Handle(hctx, msg)
	cancel()
	if err != nil {
		b.failed.Add(1)
		b.audit(ctx, msg, "failed", err.Error())
		return nil, &DeliveryError{MessageID: msg.ID, Reason: err.Error()}
	}
	b.delivered.Add(1)
	b.audit(ctx, msg, OutcomeDelivered, "")
	if reply != nil && reply.InReplyTo == "" {
		reply.InReplyTo = msg.ID
	}
	return reply, nil
}

// Subscribe registers agentID for broadcast events of the given types.
func (b *Bus) Subscribe(agentID string, eventTypes ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, et := range eventTypes {
		if b.subs[et] == nil {
			b.subs[et] = make(map[string]struct{})
		}
		b.subs[et][agentID] = struct{}{}
	}
}

// Broadcast fans an event out to every subscriber of eventType and
// returns how many messages were accepted for delivery.
func (b *Bus) Broadcast(ctx context.Context, eventType string, payload map[string]interface{}, fromAgent string) (int, error) {
	b.mu.RLock()
	targets := make([]string, 0, len(b.subs[eventType]))
	for agentID := range b.subs[eventType] {
		if agentID != fromAgent {
			targets = append(targets, agentID)
		}
	}
	b.mu.RUnlock()

	count := 0
	for _, target := range targets {
		msg := &models.Message{
			From:     fromAgent,
			To:       target,
			Type:     models.MessageEvent,
			Action:   eventType,
			Payload:  payload,
			Priority: models.PriorityMedium,
		}
		if _, err := b.Send(ctx, msg); err != nil {
			log.Warn().Err(err).Str("event", eventType).Str("to", target).Msg("Broadcast send failed")
			continue
		}
		count++
	}
	return count, nil
}

// ── Queue consumer & delivery ────────────────────────────────

// Run consumes the FIFO queue until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) {
	log.Info().Msg("📬 Message queue consumer started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Message queue consumer stopped")
			return
		case msg := <-b.queue:
			if err := b.deliver(ctx, msg); err != nil {
				log.Debug().Err(err).Str("message", msg.ID).Msg("Delivery attempt failed")
			}
		}
	}
}

// deliver attempts one delivery, scheduling a retry or dead-lettering
// on failure.
func (b *Bus) deliver(ctx context.Context, msg *models.Message) error {
	// A message that comes back with its budget spent goes to the
	// dead-letter set; this is the only transition into it.
	if msg.RetryCount > 0 && !msg.CanRetry() {
		return b.deadLetter(ctx, msg, "retry budget exhausted")
	}
	if msg.Expired(time.Now()) {
		b.rejected.Add(1)
		err := &ValidationError{Field: "expires_at", Reason: "already passed"}
		b.audit(ctx, msg, OutcomeRejected, err.Error())
		return err
	}

	h, ok := b.handler(msg.To)
	if !ok {
		return b.deliveryFailed(ctx, msg, "no registered handler")
	}

	hctx, cancel := context.WithTimeout(ctx, b.handlerTimeout)
	reply, err := h.Handle(hctx, msg)
	cancel()
	if err != nil {
		return b.deliveryFailed(ctx, msg, err.Error())
	}

	b.delivered.Add(1)
	b.audit(ctx, msg, OutcomeDelivered, "")
	if reply != nil {
		if reply.InReplyTo == "" {
			reply.InReplyTo = msg.ID
		}
		if reply.CorrelationID == "" {
			reply.CorrelationID = msg.CorrelationID
		}
		if _, err := b.Send(ctx, reply); err != nil {
			log.Warn().Err(err).Str("in_reply_to", msg.ID).Msg("Reply send failed")
		}
	}
	return nil
}

// deliveryFailed increments the retry count and requeues after
// 2^retry_count seconds. The delay for the final failure still runs;
// the message is dead-lettered when it resurfaces, so a delivery past
// the budget never happens.
func (b *Bus) deliveryFailed(ctx context.Context, msg *models.Message, reason string) error {
	b.failed.Add(1)
	if msg.RetryCount < msg.MaxRetries {
		msg.RetryCount++
	}
	delay := b.retryDelay(msg.RetryCount)
	log.Warn().Str("message", msg.ID).Str("to", msg.To).Str("reason", reason).
		Int("retry_count", msg.RetryCount).Dur("backoff", delay).Msg("Delivery failed")

	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(delay):
			select {
			case b.queue <- msg:
			default:
				if err := b.deadLetter(context.WithoutCancel(ctx), msg, "queue full on retry"); err != nil {
					log.Error().Err(err).Str("message", msg.ID).Msg("Dead-letter store failed")
				}
			}
		}
	}()
	return &DeliveryError{MessageID: msg.ID, Reason: reason}
}

// retryDelay is the backoff before requeueing a message on its
// retryCount-th failure: base << retryCount, so 2s, 4s, 8s at the
// one-second production base.
func (b *Bus) retryDelay(retryCount int) time.Duration {
	return b.backoffBase << retryCount
}

// deadLetter parks the message under dead_letter:{id} for manual replay.
func (b *Bus) deadLetter(ctx context.Context, msg *models.Message, reason string) error {
	b.deadLettered.Add(1)
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := b.store.Set(ctx, deadLetterKeyPrefix+msg.ID, data, AuditRetention); err != nil {
		return err
	}
	b.audit(ctx, msg, "dead_lettered", reason)
	log.Error().Str("message", msg.ID).Str("from", msg.From).Str("to", msg.To).
		Str("action", msg.Action).Str("reason", reason).Msg("💀 Message dead-lettered")
	return &DeadLetteredError{MessageID: msg.ID}
}

// DeadLetters lists the parked messages.
func (b *Bus) DeadLetters(ctx context.Context) ([]models.Message, error) {
	keys, err := b.store.Keys(ctx, deadLetterKeyPrefix)
	if err != nil {
		return nil, err
	}
	msgs := make([]models.Message, 0, len(keys))
	for _, k := range keys {
		raw, err := b.store.Get(ctx, k)
		if err != nil {
			continue
		}
		var m models.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Replay resubmits a dead-lettered message with a fresh retry budget and
// removes it from the dead-letter set.
func (b *Bus) Replay(ctx context.Context, messageID string) error {
	raw, err := b.store.Get(ctx, deadLetterKeyPrefix+messageID)
	if err != nil {
		if kv.IsNotFound(err) {
			return &DeliveryError{MessageID: messageID, Reason: "not in dead-letter set"}
		}
		return err
	}
	var msg models.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return err
	}
	if err := b.store.Delete(ctx, deadLetterKeyPrefix+messageID); err != nil {
		return err
	}
	msg.RetryCount = 0
	_, err = b.Send(ctx, &msg)
	return err
}

// Metrics returns a snapshot of the bus counters.
func (b *Bus) Metrics() models.BusMetrics {
	return models.BusMetrics{
		Sent:         b.sent.Load(),
		Delivered:    b.delivered.Load(),
		Failed:       b.failed.Load(),
		Rejected:     b.rejected.Load(),
		DeadLettered: b.deadLettered.Load(),
		QueueDepth:   len(b.queue),
	}
}

// ── Internals ────────────────────────────────────────────────

func (b *Bus) fillDefaults(msg *models.Message) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.Priority == "" {
		msg.Priority = models.PriorityMedium
	}
	if msg.Type == "" {
		msg.Type = models.MessageRequest
	}
	if msg.MaxRetries == 0 {
		msg.MaxRetries = b.maxRetries
	}
}

func (b *Bus) validate(msg *models.Message) error {
	if msg.From == "" {
		return &ValidationError{Field: "from", Reason: "is empty"}
	}
	if msg.To == "" {
		return &ValidationError{Field: "to", Reason: "is empty"}
	}
	if msg.Action == "" {
		return &ValidationError{Field: "action", Reason: "is empty"}
	}
	if !msg.Priority.Valid() {
		return &ValidationError{Field: "priority", Reason: "unknown value " + string(msg.Priority)}
	}
	if msg.Expired(time.Now()) {
		return &ValidationError{Field: "expires_at", Reason: "already passed"}
	}
	if _, ok := b.handler(msg.To); !ok {
		return &ValidationError{Field: "to", Reason: "has no registered handler"}
	}
	return nil
}

// audit persists the message's outcome for manual inspection.
func (b *Bus) audit(ctx context.Context, msg *models.Message, outcome, detail string) {
	rec := models.AuditRecord{
		Message:    *msg,
		Outcome:    outcome,
		Detail:     detail,
		RecordedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := b.store.Set(ctx, auditKeyPrefix+msg.ID, data, AuditRetention); err != nil {
		log.Warn().Err(err).Str("message", msg.ID).Msg("Audit record store failed")
	}
}
