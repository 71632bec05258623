package state

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agenthub/agenthub/internal/kv"
	"github.com/agenthub/agenthub/pkg/models"
)

const (
	lockKeyPrefix = "lock:"

	// DefaultLockSweepInterval is how often expired leases are reclaimed.
	DefaultLockSweepInterval = 30 * time.Second
)

// lockRecord is the durable representation of all leases on one key.
// Exclusive leases have exactly one holder; shared leases may have many.
// Intent marks an upcoming exclusive acquisition and stops new shared
// holders from piling on.
type lockRecord struct {
	Type    models.LockType      `json:"type"`
	Intent  bool                 `json:"intent"`
	Holders map[string]time.Time `json:"holders"` // owner -> lease expiry
}

func (r *lockRecord) live(now time.Time) bool {
	for _, exp := range r.Holders {
		if now.Before(exp) {
			return true
		}
	}
	return false
}

func (r *lockRecord) maxExpiry() time.Time {
	var max time.Time
	for _, exp := range r.Holders {
		if exp.After(max) {
			max = exp
		}
	}
	return max
}

func (r *lockRecord) anyHolder() string {
	for owner := range r.Holders {
		return owner
	}
	return ""
}

// LockManager hands out lease-based locks backed by the durable store's
// set-if-absent primitive. The store is the source of truth for
// exclusivity; the manager only adds lease bookkeeping on top.
type LockManager struct {
	store         kv.KV
	sweepInterval time.Duration

	// mu serializes read-modify-write of lock records. SetNX alone
	// guarantees exclusivity for fresh keys; joining or releasing a
	// shared record rewrites it whole, and two concurrent rewrites
	// would drop one holder.
	mu sync.Mutex
}

// NewLockManager creates a lock manager over the given store.
func NewLockManager(store kv.KV) *LockManager {
	return &LockManager{store: store, sweepInterval: DefaultLockSweepInterval}
}

// SetSweepInterval overrides how often expired leases are reclaimed.
func (lm *LockManager) SetSweepInterval(d time.Duration) {
	if d > 0 {
		lm.sweepInterval = d
	}
}

// Acquire attempts to take a lease of the given type on key for duration.
// It returns LockContentionError if an incompatible lease is held.
func (lm *LockManager) Acquire(ctx context.Context, key string, lockType models.LockType, owner string, duration time.Duration) (*models.Lock, error) {
	now := time.Now().UTC()
	expiry := now.Add(duration)
	storeKey := lockKeyPrefix + key

	fresh := &lockRecord{
		Type:    lockType,
		Intent:  lockType == models.LockIntent,
		Holders: map[string]time.Time{owner: expiry},
	}
	data, err := json.Marshal(fresh)
	if err != nil {
		return nil, err
	}

	// Fast path: nobody holds the key. SetNX is atomic, so two exclusive
	// claimants can never both win here.
	ok, err := lm.store.SetNX(ctx, storeKey, data, duration)
	if err != nil {
		return nil, err
	}
	if ok {
		return lm.grant(key, lockType, owner, now, expiry), nil
	}

	// Somebody holds it. Load the record and decide compatibility.
	lm.mu.Lock()
	defer lm.mu.Unlock()
	raw, err := lm.store.Get(ctx, storeKey)
	if err != nil {
		if kv.IsNotFound(err) {
			// Holder vanished between SetNX and Get; one retry.
			if ok, err := lm.store.SetNX(ctx, storeKey, data, duration); err != nil {
				return nil, err
			} else if ok {
				return lm.grant(key, lockType, owner, now, expiry), nil
			}
		}
		return nil, &LockContentionError{Key: key}
	}
	var rec lockRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}

	// All leases lapsed: reclaim regardless of original owner.
	if !rec.live(now) {
		if err := lm.store.Delete(ctx, storeKey); err != nil {
			return nil, err
		}
		if ok, err := lm.store.SetNX(ctx, storeKey, data, duration); err != nil {
			return nil, err
		} else if ok {
			return lm.grant(key, lockType, owner, now, expiry), nil
		}
		return nil, &LockContentionError{Key: key, Holder: rec.anyHolder()}
	}

	// Exclusive blocks everything, and everything blocks exclusive.
	if rec.Type == models.LockExclusive || lockType == models.LockExclusive {
		return nil, &LockContentionError{Key: key, Holder: rec.anyHolder()}
	}

	// Shared may not join once an intent holder is waiting.
	if lockType == models.LockShared && rec.Intent {
		return nil, &LockContentionError{Key: key, Holder: rec.anyHolder()}
	}

	// Joining rewrites the record whole. mu serializes local acquirers;
	// a writer on another instance of a shared store can still clobber
	// the entry, so write, read back, and rejoin on top of theirs if
	// our holder vanished.
	for attempt := 0; attempt < 5; attempt++ {
		rec.Holders[owner] = expiry
		if lockType == models.LockIntent {
			rec.Intent = true
		}
		if err := lm.put(ctx, storeKey, &rec, now); err != nil {
			return nil, err
		}

		raw, err := lm.store.Get(ctx, storeKey)
		if err != nil {
			if kv.IsNotFound(err) {
				// Every other holder released; the key is free.
				if ok, err := lm.store.SetNX(ctx, storeKey, data, duration); err != nil {
					return nil, err
				} else if ok {
					return lm.grant(key, lockType, owner, now, expiry), nil
				}
			}
			return nil, &LockContentionError{Key: key}
		}
		var check lockRecord
		if err := json.Unmarshal(raw, &check); err != nil {
			return nil, err
		}
		if exp, held := check.Holders[owner]; held && exp.Equal(expiry) {
			return lm.grant(key, lockType, owner, now, expiry), nil
		}
		if lockType == models.LockShared && check.Intent {
			return nil, &LockContentionError{Key: key, Holder: check.anyHolder()}
		}
		rec = check
	}
	return nil, &LockContentionError{Key: key, Holder: rec.anyHolder()}
}

// Release drops owner's lease on key. Only the recorded owner may release.
func (lm *LockManager) Release(ctx context.Context, key, owner string) error {
	storeKey := lockKeyPrefix + key
	lm.mu.Lock()
	defer lm.mu.Unlock()
	raw, err := lm.store.Get(ctx, storeKey)
	if err != nil {
		if kv.IsNotFound(err) {
			return &ErrNotFound{Entity: "lock", Key: key}
		}
		return err
	}
	var rec lockRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return err
	}
	if _, held := rec.Holders[owner]; !held {
		return &LockContentionError{Key: key, Holder: rec.anyHolder()}
	}
	delete(rec.Holders, owner)
	if len(rec.Holders) == 0 {
		return lm.store.Delete(ctx, storeKey)
	}
	return lm.put(ctx, storeKey, &rec, time.Now().UTC())
}

// Renew extends owner's lease on key by duration from now.
func (lm *LockManager) Renew(ctx context.Context, key, owner string, duration time.Duration) error {
	storeKey := lockKeyPrefix + key
	lm.mu.Lock()
	defer lm.mu.Unlock()
	raw, err := lm.store.Get(ctx, storeKey)
	if err != nil {
		if kv.IsNotFound(err) {
			return &ErrNotFound{Entity: "lock", Key: key}
		}
		return err
	}
	var rec lockRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return err
	}
	if _, held := rec.Holders[owner]; !held {
		return &LockContentionError{Key: key, Holder: rec.anyHolder()}
	}
	rec.Holders[owner] = time.Now().UTC().Add(duration)
	return lm.put(ctx, storeKey, &rec, time.Now().UTC())
}

// AcquireWithBackoff retries Acquire under exponential backoff until the
// lease is granted, maxElapsed passes, or ctx is cancelled.
func (lm *LockManager) AcquireWithBackoff(ctx context.Context, key string, lockType models.LockType, owner string, duration, maxElapsed time.Duration) (*models.Lock, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = maxElapsed

	var lock *models.Lock
	op := func() error {
		var err error
		lock, err = lm.Acquire(ctx, key, lockType, owner, duration)
		if err != nil {
			if _, contended := err.(*LockContentionError); contended {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return lock, nil
}

// Run sweeps expired leases until ctx is cancelled. Expiry is enforced
// here, not by client cooperation.
func (lm *LockManager) Run(ctx context.Context) {
	ticker := time.NewTicker(lm.sweepInterval)
	defer ticker.Stop()
	log.Info().Dur("interval", lm.sweepInterval).Msg("🔒 Lock expiry sweep started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Lock expiry sweep stopped")
			return
		case <-ticker.C:
			lm.sweepExpired(ctx)
		}
	}
}

func (lm *LockManager) sweepExpired(ctx context.Context) {
	keys, err := lm.store.Keys(ctx, lockKeyPrefix)
	if err != nil {
		log.Warn().Err(err).Msg("Lock sweep: listing keys failed")
		return
	}
	now := time.Now().UTC()
	reclaimed := 0
	for _, k := range keys {
		lm.mu.Lock()
		raw, err := lm.store.Get(ctx, k)
		if err != nil {
			lm.mu.Unlock()
			continue
		}
		var rec lockRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			lm.mu.Unlock()
			continue
		}
		if !rec.live(now) {
			if err := lm.store.Delete(ctx, k); err == nil {
				reclaimed++
			}
		}
		lm.mu.Unlock()
	}
	if reclaimed > 0 {
		log.Info().Int("reclaimed", reclaimed).Msg("🔒 Expired leases reclaimed")
	}
}

func (lm *LockManager) put(ctx context.Context, storeKey string, rec *lockRecord, now time.Time) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ttl := rec.maxExpiry().Sub(now)
	if ttl <= 0 {
		return lm.store.Delete(ctx, storeKey)
	}
	return lm.store.Set(ctx, storeKey, data, ttl)
}

func (lm *LockManager) grant(key string, lockType models.LockType, owner string, now, expiry time.Time) *models.Lock {
	return &models.Lock{
		ID:         uuid.New().String(),
		Key:        key,
		Type:       lockType,
		Owner:      owner,
		AcquiredAt: now,
		ExpiresAt:  expiry,
		Renewable:  true,
	}
}
