// Package kv abstracts the durable key-value store beneath the coordination
// plane. Locks depend on SetNX being atomic; everything else is plain
// get/set with optional TTL plus pub/sub change channels.
//
// Two implementations ship: MemoryKV (default, zero configuration) and
// RedisKV (shared durable backend for multi-process deployments).
package kv

import (
	"context"
	"fmt"
	"time"
)

// KV is the durable store contract. Values are opaque byte slices;
// callers JSON-encode their own types.
type KV interface {
	// Get returns the value for key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX atomically stores value only if key is absent, with expiry.
	// Returns true if the value was stored. This is the lock primitive.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns all keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Publish sends payload to all subscribers of channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe returns a channel of payloads published to channel.
	// The channel closes when ctx is cancelled.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)

	// Close releases the store's resources.
	Close() error
}

// ErrKeyNotFound is returned by Get for a missing or expired key.
type ErrKeyNotFound struct {
	Key string
}

func (e *ErrKeyNotFound) Error() string {
	return fmt.Sprintf("kv: key not found: %s", e.Key)
}

// IsNotFound reports whether err is a missing-key error.
func IsNotFound(err error) bool {
	_, ok := err.(*ErrKeyNotFound)
	return ok
}
