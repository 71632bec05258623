package state

import (
	"context"
	"testing"

	"github.com/agenthub/agenthub/internal/kv"
	"github.com/agenthub/agenthub/internal/notify"
	"github.com/agenthub/agenthub/pkg/models"
)

func newTestStore(t *testing.T) (*Store, *Coordinator) {
	t.Helper()
	backend := kv.NewMemoryKV()
	locks := NewLockManager(backend)
	store := NewStore(backend, locks, notify.NewNotifier())
	return store, NewCoordinator(store, locks)
}

// ─── Versioning ──────────────────────────────────────────────

func TestSetVersionIncrementsByOne(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	for want := int64(1); want <= 3; want++ {
		entry, err := s.Set(ctx, "counter", map[string]interface{}{"n": want}, models.ScopeGlobal, "agent-a", SetOptions{})
		if err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		if entry.Version != want {
			t.Errorf("version = %d, want %d", entry.Version, want)
		}
	}
}

func TestRejectedWriteLeavesVersionUnchanged(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	if _, err := s.Set(ctx, "policy", "strict", models.ScopeGlobal, "security_validator", SetOptions{}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	_, err := s.Set(ctx, "policy", "loose", models.ScopeGlobal, "research_agent", SetOptions{
		Strategy: models.StrategyAgentPriority,
	})
	if _, ok := err.(*WriteRejectedError); !ok {
		t.Fatalf("Set() error = %v, want WriteRejectedError", err)
	}

	entry, err := s.GetEntry(ctx, "policy", models.ScopeGlobal, models.ConsistencyEventual)
	if err != nil {
		t.Fatalf("GetEntry() error = %v", err)
	}
	if entry.Version != 1 {
		t.Errorf("version after rejected write = %d, want 1", entry.Version)
	}
	if entry.Value != "strict" {
		t.Errorf("value after rejected write = %v, want strict", entry.Value)
	}
}

// ─── Conflict strategies ─────────────────────────────────────

func TestAgentPriorityRejectsLowerRankRegardlessOfOrder(t *testing.T) {
	ctx := context.Background()

	// High-priority writer first, then low: low is rejected.
	s, _ := newTestStore(t)
	if _, err := s.Set(ctx, "k", "high", models.ScopeGlobal, "security_validator", SetOptions{Strategy: models.StrategyAgentPriority}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, err := s.Set(ctx, "k", "low", models.ScopeGlobal, "product_architect", SetOptions{Strategy: models.StrategyAgentPriority}); err == nil {
		t.Error("low-priority overwrite of high-priority owner succeeded")
	}

	// Low-priority writer first, then high: high wins.
	s2, _ := newTestStore(t)
	if _, err := s2.Set(ctx, "k", "low", models.ScopeGlobal, "product_architect", SetOptions{Strategy: models.StrategyAgentPriority}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	entry, err := s2.Set(ctx, "k", "high", models.ScopeGlobal, "security_validator", SetOptions{Strategy: models.StrategyAgentPriority})
	if err != nil {
		t.Fatalf("high-priority overwrite error = %v", err)
	}
	if entry.Value != "high" || entry.Version != 2 {
		t.Errorf("entry = (%v, v%d), want (high, v2)", entry.Value, entry.Version)
	}
}

func TestMergeStrategyIsShallow(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	old := map[string]interface{}{
		"kept":   "yes",
		"nested": map[string]interface{}{"a": 1, "b": 2},
	}
	if _, err := s.Set(ctx, "cfg", old, models.ScopeWorkflow, "agent-a", SetOptions{}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	update := map[string]interface{}{
		"nested": map[string]interface{}{"c": 3},
		"added":  true,
	}
	entry, err := s.Set(ctx, "cfg", update, models.ScopeWorkflow, "agent-b", SetOptions{Strategy: models.StrategyMerge})
	if err != nil {
		t.Fatalf("Set(merge) error = %v", err)
	}

	merged, ok := entry.Value.(map[string]interface{})
	if !ok {
		t.Fatalf("merged value is %T, want map", entry.Value)
	}
	if merged["kept"] != "yes" || merged["added"] != true {
		t.Errorf("merged top-level keys wrong: %v", merged)
	}
	// Nested maps are replaced wholesale, not deep-merged.
	nested := merged["nested"].(map[string]interface{})
	if _, survived := nested["a"]; survived {
		t.Error("nested key deep-merged; merge must be shallow")
	}
}

func TestHumanInterventionAlwaysRejects(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	if _, err := s.Set(ctx, "manual", 1, models.ScopeGlobal, "agent-a", SetOptions{}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	_, err := s.Set(ctx, "manual", 2, models.ScopeGlobal, "security_validator", SetOptions{
		Strategy: models.StrategyHumanIntervention,
	})
	if _, ok := err.(*WriteRejectedError); !ok {
		t.Fatalf("Set() error = %v, want WriteRejectedError", err)
	}
}

func TestVersionVectorFallsBackToLastWriterWins(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	if _, err := s.Set(ctx, "vv", "first", models.ScopeGlobal, "agent-a", SetOptions{}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	entry, err := s.Set(ctx, "vv", "second", models.ScopeGlobal, "agent-b", SetOptions{Strategy: models.StrategyVersionVector})
	if err != nil {
		t.Fatalf("Set(version_vector) error = %v", err)
	}
	if entry.Value != "second" {
		t.Errorf("value = %v, want second", entry.Value)
	}
}

// ─── Reads, deletes, consistency levels ─────────────────────

func TestGetMissingKey(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	if _, err := s.Get(ctx, "ghost", models.ScopeGlobal, models.ConsistencyEventual); err == nil {
		t.Fatal("Get(missing) succeeded")
	} else if _, ok := err.(*ErrNotFound); !ok {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestStrongReadBypassesCache(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	if _, err := s.Set(ctx, "k", "v1", models.ScopeGlobal, "agent-a", SetOptions{}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	// Poison the cache behind the store's back.
	s.mu.Lock()
	s.cache["global:k"].Value = "stale"
	s.mu.Unlock()

	got, err := s.Get(ctx, "k", models.ScopeGlobal, models.ConsistencyStrong)
	if err != nil {
		t.Fatalf("Get(strong) error = %v", err)
	}
	if got != "v1" {
		t.Errorf("Get(strong) = %v, want v1 from the store", got)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	if _, err := s.Set(ctx, "k", "v", models.ScopeUser, "agent-a", SetOptions{}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Delete(ctx, "k", models.ScopeUser, "agent-a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(ctx, "k", models.ScopeUser, models.ConsistencyEventual); err == nil {
		t.Error("Get() after Delete succeeded")
	}
	if err := s.Delete(ctx, "k", models.ScopeUser, "agent-a"); err == nil {
		t.Error("Delete() of missing key succeeded")
	}
}

// ─── Checksum repair ─────────────────────────────────────────

func TestVerifyCacheRepairsCorruptEntry(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	if _, err := s.Set(ctx, "k", "good", models.ScopeGlobal, "agent-a", SetOptions{}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	s.mu.Lock()
	s.cache["global:k"].Value = "corrupt"
	s.mu.Unlock()

	s.verifyCache(ctx)

	got, err := s.Get(ctx, "k", models.ScopeGlobal, models.ConsistencyEventual)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "good" {
		t.Errorf("value after repair = %v, want good", got)
	}
}

// ─── Checkpoint / restore ────────────────────────────────────

func TestCheckpointRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, txns := newTestStore(t)

	if _, err := s.Set(ctx, "a", "one", models.ScopeWorkflow, "agent-a", SetOptions{}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, err := s.Set(ctx, "b", "two", models.ScopeWorkflow, "agent-a", SetOptions{}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	// Bump "a" so its version differs from the snapshot's.
	if _, err := s.Set(ctx, "a", "one-v2", models.ScopeWorkflow, "agent-a", SetOptions{}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	if _, err := s.Checkpoint(ctx, models.ScopeWorkflow, "before"); err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}
	want := map[string]struct {
		value   interface{}
		version int64
	}{
		"a": {"one-v2", 2},
		"b": {"two", 1},
	}

	// Mutate the scope: overwrite, add, delete.
	if _, err := s.Set(ctx, "a", "mutated", models.ScopeWorkflow, "agent-b", SetOptions{}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, err := s.Set(ctx, "c", "extra", models.ScopeWorkflow, "agent-b", SetOptions{}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Delete(ctx, "b", models.ScopeWorkflow, "agent-b"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if err := s.Restore(ctx, txns, models.ScopeWorkflow, "before"); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	entries, err := s.ListScope(ctx, models.ScopeWorkflow)
	if err != nil {
		t.Fatalf("ListScope() error = %v", err)
	}
	if len(entries) != len(want) {
		t.Fatalf("ListScope() returned %d entries, want %d", len(entries), len(want))
	}
	for _, e := range entries {
		w, ok := want[e.Key]
		if !ok {
			t.Errorf("unexpected key %s after restore", e.Key)
			continue
		}
		if e.Value != w.value || e.Version != w.version {
			t.Errorf("entry %s = (%v, v%d), want (%v, v%d)", e.Key, e.Value, e.Version, w.value, w.version)
		}
	}
}
