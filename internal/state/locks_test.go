package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agenthub/agenthub/internal/kv"
	"github.com/agenthub/agenthub/pkg/models"
)

func newTestLockManager(t *testing.T) *LockManager {
	t.Helper()
	return NewLockManager(kv.NewMemoryKV())
}

// ─── Exclusive locks ─────────────────────────────────────────

func TestExclusiveLockExcludesAll(t *testing.T) {
	ctx := context.Background()
	lm := newTestLockManager(t)

	if _, err := lm.Acquire(ctx, "global:cfg", models.LockExclusive, "agent-a", time.Minute); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	for _, lt := range []models.LockType{models.LockExclusive, models.LockShared, models.LockIntent} {
		if _, err := lm.Acquire(ctx, "global:cfg", lt, "agent-b", time.Minute); err == nil {
			t.Errorf("Acquire(%s) succeeded against a held exclusive lock", lt)
		} else if _, ok := err.(*LockContentionError); !ok {
			t.Errorf("Acquire(%s) error = %v, want LockContentionError", lt, err)
		}
	}
}

func TestExclusiveLockSingleWinner(t *testing.T) {
	ctx := context.Background()
	lm := newTestLockManager(t)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []string
	)
	for _, owner := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			if _, err := lm.Acquire(ctx, "global:hot", models.LockExclusive, owner, time.Minute); err == nil {
				mu.Lock()
				wins = append(wins, owner)
				mu.Unlock()
			}
		}(owner)
	}
	wg.Wait()
	if len(wins) != 1 {
		t.Errorf("exclusive winners = %v, want exactly one", wins)
	}
}

// ─── Shared & intent locks ──────────────────────────────────

func TestSharedLocksCoexist(t *testing.T) {
	ctx := context.Background()
	lm := newTestLockManager(t)

	if _, err := lm.Acquire(ctx, "global:doc", models.LockShared, "reader-1", time.Minute); err != nil {
		t.Fatalf("Acquire(shared) error = %v", err)
	}
	if _, err := lm.Acquire(ctx, "global:doc", models.LockShared, "reader-2", time.Minute); err != nil {
		t.Fatalf("second Acquire(shared) error = %v", err)
	}
	if _, err := lm.Acquire(ctx, "global:doc", models.LockExclusive, "writer", time.Minute); err == nil {
		t.Error("Acquire(exclusive) succeeded against shared holders")
	}
}

func TestConcurrentSharedAcquirersAllRecorded(t *testing.T) {
	ctx := context.Background()
	lm := newTestLockManager(t)

	// Seed one holder so every goroutine takes the join path.
	if _, err := lm.Acquire(ctx, "global:doc", models.LockShared, "seed", time.Minute); err != nil {
		t.Fatalf("Acquire(seed) error = %v", err)
	}

	// Joining readers rewrite the same record; each granted lease must
	// survive the others' writes so its Release still finds the holder.
	owners := []string{"r1", "r2", "r3", "r4", "r5", "r6", "r7", "r8"}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted []string
	)
	for _, owner := range owners {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			if _, err := lm.Acquire(ctx, "global:doc", models.LockShared, owner, time.Minute); err == nil {
				mu.Lock()
				granted = append(granted, owner)
				mu.Unlock()
			}
		}(owner)
	}
	wg.Wait()

	if len(granted) != len(owners) {
		t.Fatalf("granted = %d shared leases, want %d", len(granted), len(owners))
	}
	for _, owner := range granted {
		if err := lm.Release(ctx, "global:doc", owner); err != nil {
			t.Errorf("Release(%s) error = %v (holder entry lost)", owner, err)
		}
	}
}

func TestIntentBlocksNewShared(t *testing.T) {
	ctx := context.Background()
	lm := newTestLockManager(t)

	if _, err := lm.Acquire(ctx, "global:doc", models.LockShared, "reader-1", time.Minute); err != nil {
		t.Fatalf("Acquire(shared) error = %v", err)
	}
	if _, err := lm.Acquire(ctx, "global:doc", models.LockIntent, "writer", time.Minute); err != nil {
		t.Fatalf("Acquire(intent) error = %v", err)
	}
	if _, err := lm.Acquire(ctx, "global:doc", models.LockShared, "reader-2", time.Minute); err == nil {
		t.Error("Acquire(shared) succeeded while intent pending")
	}
}

// ─── Release & lease expiry ─────────────────────────────────

func TestReleaseOwnerOnly(t *testing.T) {
	ctx := context.Background()
	lm := newTestLockManager(t)

	if _, err := lm.Acquire(ctx, "global:cfg", models.LockExclusive, "owner", time.Minute); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := lm.Release(ctx, "global:cfg", "intruder"); err == nil {
		t.Fatal("Release() by non-owner succeeded")
	}
	if err := lm.Release(ctx, "global:cfg", "owner"); err != nil {
		t.Fatalf("Release() by owner error = %v", err)
	}
	// Key is free again.
	if _, err := lm.Acquire(ctx, "global:cfg", models.LockExclusive, "next", time.Minute); err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
}

func TestExpiredLeaseReclaimable(t *testing.T) {
	ctx := context.Background()
	lm := newTestLockManager(t)

	if _, err := lm.Acquire(ctx, "global:cfg", models.LockExclusive, "sleeper", 20*time.Millisecond); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := lm.Acquire(ctx, "global:cfg", models.LockExclusive, "claimant", time.Minute); err != nil {
		t.Fatalf("Acquire() after lease expiry error = %v", err)
	}
}

func TestRenewExtendsLease(t *testing.T) {
	ctx := context.Background()
	lm := newTestLockManager(t)

	if _, err := lm.Acquire(ctx, "global:cfg", models.LockExclusive, "owner", 40*time.Millisecond); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := lm.Renew(ctx, "global:cfg", "owner", time.Minute); err != nil {
		t.Fatalf("Renew() error = %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if _, err := lm.Acquire(ctx, "global:cfg", models.LockExclusive, "claimant", time.Minute); err == nil {
		t.Error("Acquire() succeeded against a renewed lease")
	}
}

func TestAcquireWithBackoffWaitsForRelease(t *testing.T) {
	ctx := context.Background()
	lm := newTestLockManager(t)

	if _, err := lm.Acquire(ctx, "global:cfg", models.LockExclusive, "first", time.Minute); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	go func() {
		time.Sleep(100 * time.Millisecond)
		lm.Release(ctx, "global:cfg", "first")
	}()
	lock, err := lm.AcquireWithBackoff(ctx, "global:cfg", models.LockExclusive, "second", time.Minute, 2*time.Second)
	if err != nil {
		t.Fatalf("AcquireWithBackoff() error = %v", err)
	}
	if lock.Owner != "second" {
		t.Errorf("lock owner = %s, want second", lock.Owner)
	}
}
