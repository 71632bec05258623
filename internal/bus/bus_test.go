package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agenthub/agenthub/internal/kv"
	"github.com/agenthub/agenthub/pkg/models"
)

// newTestBus returns a bus with millisecond backoff and its consumer
// running until the test ends.
func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b := New(kv.NewMemoryKV())
	b.backoffBase = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Run(ctx)
	return b
}

func echoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, msg *models.Message) (*models.Message, error) {
		return nil, nil
	})
}

// ─── Validation ──────────────────────────────────────────────

func TestSendRejectsInvalidMessages(t *testing.T) {
	ctx := context.Background()
	b := newTestBus(t)
	b.RegisterHandler("receiver", echoHandler())

	past := time.Now().Add(-time.Minute)
	tests := []struct {
		name string
		msg  *models.Message
	}{
		{"empty from", &models.Message{To: "receiver", Action: "do"}},
		{"empty to", &models.Message{From: "sender", Action: "do"}},
		{"empty action", &models.Message{From: "sender", To: "receiver"}},
		{"no handler", &models.Message{From: "sender", To: "nobody", Action: "do"}},
		{"expired", &models.Message{From: "sender", To: "receiver", Action: "do", ExpiresAt: &past}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, err := b.Send(ctx, tt.msg)
			if outcome != OutcomeRejected {
				t.Errorf("Send() outcome = %q, want rejected", outcome)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("Send() error = %v, want ValidationError", err)
			}
		})
	}
	if depth := b.Metrics().QueueDepth; depth != 0 {
		t.Errorf("queue depth after rejections = %d, want 0 (rejected messages never enqueue)", depth)
	}
}

// ─── Delivery paths ──────────────────────────────────────────

func TestCriticalDeliveredInline(t *testing.T) {
	ctx := context.Background()
	b := New(kv.NewMemoryKV()) // consumer deliberately not running

	var handled sync.WaitGroup
	handled.Add(1)
	b.RegisterHandler("responder", HandlerFunc(func(ctx context.Context, msg *models.Message) (*models.Message, error) {
		handled.Done()
		return nil, nil
	}))

	outcome, err := b.Send(ctx, &models.Message{
		From: "caller", To: "responder", Action: "halt", Priority: models.PriorityCritical,
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if outcome != OutcomeDelivered {
		t.Errorf("Send() outcome = %q, want delivered (critical bypasses the queue)", outcome)
	}
	handled.Wait()
}

func TestQueuedDeliveryFIFO(t *testing.T) {
	ctx := context.Background()
	b := newTestBus(t)

	var (
		mu    sync.Mutex
		order []string
		done  = make(chan struct{})
	)
	b.RegisterHandler("worker", HandlerFunc(func(ctx context.Context, msg *models.Message) (*models.Message, error) {
		mu.Lock()
		order = append(order, msg.Action)
		n := len(order)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
		return nil, nil
	}))

	for _, action := range []string{"first", "second", "third"} {
		if outcome, err := b.Send(ctx, &models.Message{From: "caller", To: "worker", Action: action}); err != nil || outcome != OutcomeQueued {
			t.Fatalf("Send(%s) = %q, %v", action, outcome, err)
		}
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"first", "second", "third"} {
		if order[i] != want {
			t.Fatalf("delivery order = %v, want FIFO", order)
		}
	}
}

func TestReplyRoutedBack(t *testing.T) {
	ctx := context.Background()
	b := newTestBus(t)

	got := make(chan *models.Message, 1)
	b.RegisterHandler("caller", HandlerFunc(func(ctx context.Context, msg *models.Message) (*models.Message, error) {
		got <- msg
		return nil, nil
	}))
	b.RegisterHandler("oracle", HandlerFunc(func(ctx context.Context, msg *models.Message) (*models.Message, error) {
		return &models.Message{
			From: "oracle", To: msg.From, Type: models.MessageResponse, Action: "answer",
		}, nil
	}))

	sent := &models.Message{From: "caller", To: "oracle", Action: "ask", CorrelationID: "corr-1"}
	if _, err := b.Send(ctx, sent); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	select {
	case reply := <-got:
		if reply.InReplyTo != sent.ID {
			t.Errorf("reply.InReplyTo = %q, want %q", reply.InReplyTo, sent.ID)
		}
		if reply.CorrelationID != "corr-1" {
			t.Errorf("reply.CorrelationID = %q, want corr-1", reply.CorrelationID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
}

// ─── Retry & dead letter ─────────────────────────────────────

func TestRetryExhaustionDeadLettersOnce(t *testing.T) {
	ctx := context.Background()
	b := newTestBus(t)

	var (
		mu       sync.Mutex
		attempts int
	)
	b.RegisterHandler("flaky", HandlerFunc(func(ctx context.Context, msg *models.Message) (*models.Message, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, errors.New("boom")
	}))

	msg := &models.Message{From: "caller", To: "flaky", Action: "work", MaxRetries: 3}
	if _, err := b.Send(ctx, msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		dead, err := b.DeadLetters(ctx)
		if err != nil {
			t.Fatalf("DeadLetters() error = %v", err)
		}
		if len(dead) == 1 {
			if dead[0].ID != msg.ID {
				t.Errorf("dead letter id = %s, want %s", dead[0].ID, msg.ID)
			}
			if dead[0].RetryCount != dead[0].MaxRetries {
				t.Errorf("retry_count = %d, want %d", dead[0].RetryCount, dead[0].MaxRetries)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("message never dead-lettered (dead letters: %d)", len(dead))
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Settle, then confirm no delivery past the retry budget and no
	// duplicate dead-letter record.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	finalAttempts := attempts
	mu.Unlock()
	if finalAttempts != 3 {
		t.Errorf("delivery attempts = %d, want exactly max_retries = 3", finalAttempts)
	}
	dead, _ := b.DeadLetters(ctx)
	if len(dead) != 1 {
		t.Errorf("dead letter count = %d, want exactly 1", len(dead))
	}
}

func TestRetryCountNeverExceedsMax(t *testing.T) {
	ctx := context.Background()
	b := newTestBus(t)

	b.RegisterHandler("flaky", HandlerFunc(func(ctx context.Context, msg *models.Message) (*models.Message, error) {
		return nil, errors.New("boom")
	}))
	msg := &models.Message{From: "caller", To: "flaky", Action: "work", MaxRetries: 2}
	if _, err := b.Send(ctx, msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		dead, _ := b.DeadLetters(ctx)
		if len(dead) == 1 {
			if dead[0].RetryCount > dead[0].MaxRetries {
				t.Errorf("retry_count = %d exceeds max_retries = %d", dead[0].RetryCount, dead[0].MaxRetries)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("message never dead-lettered")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestReplayResubmitsDeadLetter(t *testing.T) {
	ctx := context.Background()
	b := newTestBus(t)

	fail := true
	var mu sync.Mutex
	delivered := make(chan struct{}, 1)
	b.RegisterHandler("flaky", HandlerFunc(func(ctx context.Context, msg *models.Message) (*models.Message, error) {
		mu.Lock()
		failing := fail
		mu.Unlock()
		if failing {
			return nil, errors.New("down")
		}
		delivered <- struct{}{}
		return nil, nil
	}))

	msg := &models.Message{From: "caller", To: "flaky", Action: "work", MaxRetries: 1}
	if _, err := b.Send(ctx, msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	deadline := time.After(3 * time.Second)
	for {
		dead, _ := b.DeadLetters(ctx)
		if len(dead) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("message never dead-lettered")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	fail = false
	mu.Unlock()
	if err := b.Replay(ctx, msg.ID); err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("replayed message never delivered")
	}
	if dead, _ := b.DeadLetters(ctx); len(dead) != 0 {
		t.Errorf("dead letters after replay = %d, want 0", len(dead))
	}
}

func TestRetryDelayDoublesPerAttempt(t *testing.T) {
	b := New(kv.NewMemoryKV()) // production one-second base

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := b.retryDelay(i + 1); got != w {
			t.Errorf("retryDelay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

// ─── Synchronous requests ────────────────────────────────────

func TestRequestAfterUnregisterFailsCleanly(t *testing.T) {
	ctx := context.Background()
	b := newTestBus(t)

	// Handlers come and go while requests are in flight. Every request
	// must either reach a handler or fail with an error, never panic.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			b.RegisterHandler("transient", echoHandler())
			b.UnregisterHandler("transient")
		}
	}()
	for i := 0; i < 500; i++ {
		_, err := b.Request(ctx, &models.Message{From: "caller", To: "transient", Action: "ping"})
		if err == nil {
			continue
		}
		var verr *ValidationError
		var derr *DeliveryError
		if !errors.As(err, &verr) && !errors.As(err, &derr) {
			t.Fatalf("Request() error = %v, want ValidationError or DeliveryError", err)
		}
	}
	wg.Wait()

	b.UnregisterHandler("transient")
	b.RegisterHandler("transient", echoHandler())
	if _, err := b.Request(ctx, &models.Message{From: "caller", To: "transient", Action: "ping"}); err != nil {
		t.Fatalf("Request() after re-register error = %v", err)
	}
}

// ─── Broadcast ───────────────────────────────────────────────

func TestBroadcastReachesSubscribersOnly(t *testing.T) {
	ctx := context.Background()
	b := newTestBus(t)

	var (
		mu       sync.Mutex
		received = map[string]int{}
		wg       sync.WaitGroup
	)
	mkHandler := func(id string) Handler {
		return HandlerFunc(func(ctx context.Context, msg *models.Message) (*models.Message, error) {
			mu.Lock()
			received[id]++
			mu.Unlock()
			wg.Done()
			return nil, nil
		})
	}
	for _, id := range []string{"sub-a", "sub-b", "bystander"} {
		b.RegisterHandler(id, mkHandler(id))
	}
	b.Subscribe("sub-a", "price_alert")
	b.Subscribe("sub-b", "price_alert")
	b.Subscribe("bystander", "other_event")

	wg.Add(2)
	count, err := b.Broadcast(ctx, "price_alert", map[string]interface{}{"symbol": "ETH"}, "market_watcher")
	if err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if count != 2 {
		t.Errorf("Broadcast() count = %d, want 2", count)
	}
	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	if received["bystander"] != 0 {
		t.Error("unsubscribed agent received the broadcast")
	}
}
