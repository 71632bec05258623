package kv

import (
	"context"
	"strings"
	"sync"
	"time"
)

// entry is one stored value with its optional expiry.
type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryKV is an in-process KV with lazy TTL expiry and per-channel
// subscriber fan-out. It is the default backend and the one tests use.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string]entry

	subMu sync.Mutex
	subs  map[string][]chan []byte
}

// NewMemoryKV creates an empty in-memory store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		data: make(map[string]entry),
		subs: make(map[string][]chan []byte),
	}
}

func (m *MemoryKV) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	e, ok := m.data[key]
	m.mu.RUnlock()
	if !ok || e.expired(time.Now()) {
		if ok {
			// Lazy expiry: drop the stale entry.
			m.mu.Lock()
			if cur, still := m.data[key]; still && cur.expired(time.Now()) {
				delete(m.data, key)
			}
			m.mu.Unlock()
		}
		return nil, &ErrKeyNotFound{Key: key}
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *MemoryKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	v := make([]byte, len(value))
	copy(v, value)
	e := entry{value: v}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.mu.Lock()
	m.data[key] = e
	m.mu.Unlock()
	return nil
}

func (m *MemoryKV) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.data[key]; ok && !cur.expired(time.Now()) {
		return false, nil
	}
	v := make([]byte, len(value))
	copy(v, value)
	e := entry{value: v}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.data[key] = e
	return true, nil
}

func (m *MemoryKV) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	now := time.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k, e := range m.data {
		if strings.HasPrefix(k, prefix) && !e.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *MemoryKV) Publish(ctx context.Context, channel string, payload []byte) error {
	// Sends happen under subMu so an unsubscribing channel cannot be
	// closed mid-publish. The sends are non-blocking, so holding the
	// lock here cannot deadlock against a slow subscriber.
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for _, ch := range m.subs[channel] {
		p := make([]byte, len(payload))
		copy(p, payload)
		select {
		case ch <- p:
		default:
			// Slow subscriber: drop rather than block the publisher.
		}
	}
	return nil
}

func (m *MemoryKV) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 64)
	m.subMu.Lock()
	m.subs[channel] = append(m.subs[channel], ch)
	m.subMu.Unlock()

	go func() {
		<-ctx.Done()
		// Remove and close under the same critical section; Publish
		// holds subMu across its sends, so after this unlocks no send
		// can hit the closed channel.
		m.subMu.Lock()
		subs := m.subs[channel]
		for i, c := range subs {
			if c == ch {
				m.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
		m.subMu.Unlock()
	}()
	return ch, nil
}

func (m *MemoryKV) Close() error {
	return nil
}

var _ KV = (*MemoryKV)(nil)
