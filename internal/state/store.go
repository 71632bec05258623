// Package state implements the distributed state store: versioned scoped
// key-values with pluggable conflict resolution, lease-based locks, and
// cooperative two-phase-commit transactions, all on top of the abstract
// durable KV store.
package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agenthub/agenthub/internal/kv"
	"github.com/agenthub/agenthub/internal/notify"
	"github.com/agenthub/agenthub/pkg/models"
)

const (
	stateKeyPrefix      = "state:"
	checkpointKeyPrefix = "checkpoint:"

	// StateChangeChannelPrefix is the pub/sub channel prefix for cache
	// invalidation events; the scope name is appended.
	StateChangeChannelPrefix = "state_changes:"

	// DefaultMonitorInterval is how often cached checksums are re-verified.
	DefaultMonitorInterval = 300 * time.Second

	// strongLockLease bounds how long a strong read/write may pin a key.
	strongLockLease = 30 * time.Second
)

// SetOptions tunes one Set call. Zero values mean eventual consistency,
// no TTL, last-writer-wins.
type SetOptions struct {
	Consistency  models.ConsistencyLevel
	Strategy     models.ConflictStrategy
	Type         models.StateType
	TTL          time.Duration
	Dependencies []string
	Metadata     map[string]interface{}
}

// Store is the versioned state store. The durable KV is authoritative;
// the in-memory cache serves eventual/weak reads and is advisory only.
type Store struct {
	store    kv.KV
	locks    *LockManager
	notifier *notify.Notifier

	mu    sync.RWMutex
	cache map[string]*models.StateEntry // fullKey -> entry

	resolvers       map[models.ConflictStrategy]resolverFunc
	monitorInterval time.Duration
}

// NewStore creates a state store over the given KV and lock manager.
func NewStore(store kv.KV, locks *LockManager, notifier *notify.Notifier) *Store {
	s := &Store{
		store:           store,
		locks:           locks,
		notifier:        notifier,
		cache:           make(map[string]*models.StateEntry),
		monitorInterval: DefaultMonitorInterval,
	}
	s.resolvers = s.conflictResolvers()
	return s
}

// SetMonitorInterval overrides how often cached checksums are verified.
func (s *Store) SetMonitorInterval(d time.Duration) {
	if d > 0 {
		s.monitorInterval = d
	}
}

// ── Core operations ──────────────────────────────────────────

// Set writes value under (key, scope) on behalf of owner. If a prior
// version exists the configured conflict strategy runs first; a rejected
// write returns WriteRejectedError and leaves the entry untouched.
// Accepted writes bump the version by exactly 1.
func (s *Store) Set(ctx context.Context, key string, value interface{}, scope models.StateScope, owner string, opts SetOptions) (*models.StateEntry, error) {
	if opts.Consistency == "" {
		opts.Consistency = models.ConsistencyEventual
	}
	if opts.Strategy == "" {
		opts.Strategy = models.StrategyLastWriterWins
	}
	if opts.Type == "" {
		opts.Type = models.StateConfiguration
	}
	fullKey := string(scope) + ":" + key

	if opts.Consistency == models.ConsistencyStrong {
		if _, err := s.locks.Acquire(ctx, fullKey, models.LockExclusive, owner, strongLockLease); err != nil {
			return nil, err
		}
		defer func() {
			if err := s.locks.Release(context.WithoutCancel(ctx), fullKey, owner); err != nil {
				log.Warn().Err(err).Str("key", fullKey).Msg("Strong write lock release failed")
			}
		}()
	}

	existing, err := s.loadEntry(ctx, fullKey)
	if err != nil && !isNotFound(err) {
		return nil, err
	}

	now := time.Now().UTC()
	finalValue := value
	var version int64 = 1
	createdAt := now
	if existing != nil {
		resolver, ok := s.resolvers[opts.Strategy]
		if !ok {
			resolver = s.resolveLastWriterWins
		}
		resolved, accepted := resolver(ctx, existing, value, owner)
		if !accepted {
			return nil, &WriteRejectedError{Key: fullKey, Agent: owner, Strategy: string(opts.Strategy)}
		}
		finalValue = resolved
		version = existing.Version + 1
		createdAt = existing.CreatedAt
	}

	entry := &models.StateEntry{
		Key:          key,
		Value:        finalValue,
		Scope:        scope,
		Type:         opts.Type,
		OwnerAgent:   owner,
		Version:      version,
		CreatedAt:    createdAt,
		UpdatedAt:    now,
		Consistency:  opts.Consistency,
		Checksum:     Checksum(finalValue),
		Dependencies: opts.Dependencies,
		Metadata:     opts.Metadata,
	}
	if opts.TTL > 0 {
		exp := now.Add(opts.TTL)
		entry.ExpiresAt = &exp
	}

	if err := s.persist(ctx, entry, opts.TTL); err != nil {
		return nil, err
	}

	// Strong writes bypass the cache entirely; the next strong read goes
	// back to the store.
	s.mu.Lock()
	if opts.Consistency == models.ConsistencyStrong {
		delete(s.cache, fullKey)
	} else {
		s.cache[fullKey] = entry
	}
	s.mu.Unlock()

	s.publishChange(ctx, "updated", entry)
	return entry, nil
}

// Get returns the value for (key, scope) under the given consistency
// level, or ErrNotFound. Strong reads take an exclusive lock and bypass
// the cache; eventual and weak reads are served from cache when possible.
func (s *Store) Get(ctx context.Context, key string, scope models.StateScope, consistency models.ConsistencyLevel) (interface{}, error) {
	entry, err := s.GetEntry(ctx, key, scope, consistency)
	if err != nil {
		return nil, err
	}
	return entry.Value, nil
}

// GetEntry is Get with the full versioned entry.
func (s *Store) GetEntry(ctx context.Context, key string, scope models.StateScope, consistency models.ConsistencyLevel) (*models.StateEntry, error) {
	fullKey := string(scope) + ":" + key

	if consistency == models.ConsistencyStrong {
		reader := "reader:" + uuid.New().String()
		if _, err := s.locks.AcquireWithBackoff(ctx, fullKey, models.LockExclusive, reader, strongLockLease, 2*time.Second); err != nil {
			return nil, err
		}
		defer func() {
			if err := s.locks.Release(context.WithoutCancel(ctx), fullKey, reader); err != nil {
				log.Warn().Err(err).Str("key", fullKey).Msg("Strong read lock release failed")
			}
		}()
		return s.loadEntry(ctx, fullKey)
	}

	s.mu.RLock()
	cached, ok := s.cache[fullKey]
	s.mu.RUnlock()
	if ok && (cached.ExpiresAt == nil || time.Now().Before(*cached.ExpiresAt)) {
		return cached, nil
	}

	entry, err := s.loadEntry(ctx, fullKey)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[fullKey] = entry
	s.mu.Unlock()
	return entry, nil
}

// Delete removes (key, scope) on behalf of owner.
func (s *Store) Delete(ctx context.Context, key string, scope models.StateScope, owner string) error {
	fullKey := string(scope) + ":" + key
	entry, err := s.loadEntry(ctx, fullKey)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, stateKeyPrefix+fullKey); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.cache, fullKey)
	s.mu.Unlock()

	s.publishChange(ctx, "deleted", &models.StateEntry{
		Key: key, Scope: scope, Type: entry.Type, OwnerAgent: owner, Version: entry.Version,
	})
	return nil
}

// ListScope returns every live entry in a scope.
func (s *Store) ListScope(ctx context.Context, scope models.StateScope) ([]models.StateEntry, error) {
	keys, err := s.store.Keys(ctx, stateKeyPrefix+string(scope)+":")
	if err != nil {
		return nil, err
	}
	entries := make([]models.StateEntry, 0, len(keys))
	for _, k := range keys {
		raw, err := s.store.Get(ctx, k)
		if err != nil {
			continue // expired between Keys and Get
		}
		var e models.StateEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			log.Warn().Err(err).Str("key", k).Msg("Skipping undecodable state entry")
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ── Background loops ─────────────────────────────────────────

// Run starts the cache-invalidation subscribers and the checksum
// consistency monitor, blocking until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	for _, scope := range models.Scopes {
		ch, err := s.store.Subscribe(ctx, StateChangeChannelPrefix+string(scope))
		if err != nil {
			log.Warn().Err(err).Str("scope", string(scope)).Msg("State change subscription failed")
			continue
		}
		go s.consumeChanges(ch)
	}

	ticker := time.NewTicker(s.monitorInterval)
	defer ticker.Stop()
	log.Info().Dur("interval", s.monitorInterval).Msg("🧭 State consistency monitor started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("State consistency monitor stopped")
			return
		case <-ticker.C:
			s.verifyCache(ctx)
		}
	}
}

func (s *Store) consumeChanges(ch <-chan []byte) {
	for raw := range ch {
		var ev models.StateChangeEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}
		fullKey := string(ev.Scope) + ":" + ev.Key
		s.mu.Lock()
		cached, ok := s.cache[fullKey]
		// Keep the cache entry when it already reflects this change;
		// evict stale or deleted entries.
		if ok && (ev.Operation == "deleted" || cached.Version != ev.Version) {
			delete(s.cache, fullKey)
		}
		s.mu.Unlock()
	}
}

// verifyCache recomputes checksums for cached entries and repairs
// mismatches from the store, evicting when the store copy is gone too.
func (s *Store) verifyCache(ctx context.Context) {
	s.mu.RLock()
	snapshot := make(map[string]*models.StateEntry, len(s.cache))
	for k, v := range s.cache {
		snapshot[k] = v
	}
	s.mu.RUnlock()

	repaired, evicted := 0, 0
	for fullKey, entry := range snapshot {
		if Checksum(entry.Value) == entry.Checksum {
			continue
		}
		violation := &ConsistencyError{Key: entry.Key, Scope: string(entry.Scope)}
		fresh, err := s.loadEntry(ctx, fullKey)
		s.mu.Lock()
		if err == nil {
			s.cache[fullKey] = fresh
			repaired++
		} else {
			delete(s.cache, fullKey)
			evicted++
		}
		s.mu.Unlock()
		log.Warn().Err(violation).Bool("repaired", err == nil).Msg("Checksum mismatch in state cache")
	}
	if repaired > 0 || evicted > 0 {
		log.Info().Int("repaired", repaired).Int("evicted", evicted).Msg("🧭 Consistency cycle finished")
	}
}

// ── Internals ────────────────────────────────────────────────

func (s *Store) loadEntry(ctx context.Context, fullKey string) (*models.StateEntry, error) {
	raw, err := s.store.Get(ctx, stateKeyPrefix+fullKey)
	if err != nil {
		if kv.IsNotFound(err) {
			return nil, &ErrNotFound{Entity: "state entry", Key: fullKey}
		}
		return nil, err
	}
	var entry models.StateEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Store) persist(ctx context.Context, entry *models.StateEntry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, stateKeyPrefix+entry.FullKey(), data, ttl)
}

// putEntry writes an entry verbatim, preserving its version and
// timestamps. Used by checkpoint restore.
func (s *Store) putEntry(ctx context.Context, entry *models.StateEntry) error {
	var ttl time.Duration
	if entry.ExpiresAt != nil {
		ttl = time.Until(*entry.ExpiresAt)
		if ttl <= 0 {
			return nil // already expired; nothing to restore
		}
	}
	if err := s.persist(ctx, entry, ttl); err != nil {
		return err
	}
	s.mu.Lock()
	s.cache[entry.FullKey()] = entry
	s.mu.Unlock()
	s.publishChange(ctx, "updated", entry)
	return nil
}

func (s *Store) publishChange(ctx context.Context, operation string, entry *models.StateEntry) {
	ev := models.StateChangeEvent{
		Operation:  operation,
		Key:        entry.Key,
		Scope:      entry.Scope,
		StateType:  entry.Type,
		OwnerAgent: entry.OwnerAgent,
		Version:    entry.Version,
		Timestamp:  time.Now().UTC(),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.store.Publish(ctx, StateChangeChannelPrefix+string(entry.Scope), payload); err != nil {
		log.Warn().Err(err).Str("scope", string(entry.Scope)).Msg("State change publish failed")
	}
}

func isNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}

// Checksum returns the hex sha256 of the value's canonical JSON form.
// Map keys sort deterministically under encoding/json, so equal values
// always hash equal.
func Checksum(value interface{}) string {
	data, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
