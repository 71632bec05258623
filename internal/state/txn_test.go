package state

import (
	"context"
	"testing"
	"time"

	"github.com/agenthub/agenthub/pkg/models"
)

func TestCommitAppliesOperations(t *testing.T) {
	ctx := context.Background()
	s, txns := newTestStore(t)

	txnID, err := txns.Begin(ctx, "intent_router", []string{"intent_router", "audit_agent"}, time.Minute)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	ops := []models.TxnOperation{
		{Type: models.TxnOpSet, Key: "balance", Scope: models.ScopeGlobal, Value: 100, Agent: "intent_router"},
		{Type: models.TxnOpSet, Key: "audit", Scope: models.ScopeGlobal, Value: "set", Agent: "audit_agent"},
	}
	for _, op := range ops {
		if err := txns.AddOperation(ctx, txnID, op); err != nil {
			t.Fatalf("AddOperation() error = %v", err)
		}
	}

	status, err := txns.Commit(ctx, txnID)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if status != models.TxnCommitted {
		t.Fatalf("Commit() status = %s, want committed", status)
	}

	if _, err := s.Get(ctx, "balance", models.ScopeGlobal, models.ConsistencyEventual); err != nil {
		t.Errorf("Get(balance) after commit error = %v", err)
	}
	txn, err := txns.Get(txnID)
	if err != nil {
		t.Fatalf("Get(txn) error = %v", err)
	}
	for _, p := range txn.Participants {
		if txn.Votes[p] != "commit" {
			t.Errorf("vote for %s = %q, want commit", p, txn.Votes[p])
		}
	}
}

func TestCommitIdempotentOnTerminal(t *testing.T) {
	ctx := context.Background()
	s, txns := newTestStore(t)

	txnID, err := txns.Begin(ctx, "intent_router", []string{"intent_router"}, time.Minute)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	op := models.TxnOperation{Type: models.TxnOpSet, Key: "n", Scope: models.ScopeGlobal, Value: 1, Agent: "intent_router"}
	if err := txns.AddOperation(ctx, txnID, op); err != nil {
		t.Fatalf("AddOperation() error = %v", err)
	}
	if _, err := txns.Commit(ctx, txnID); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	entry, err := s.GetEntry(ctx, "n", models.ScopeGlobal, models.ConsistencyEventual)
	if err != nil {
		t.Fatalf("GetEntry() error = %v", err)
	}
	v1 := entry.Version

	// Second commit and a rollback are no-ops: nothing replays.
	status, err := txns.Commit(ctx, txnID)
	if err != nil || status != models.TxnCommitted {
		t.Fatalf("second Commit() = %s, %v, want committed, nil", status, err)
	}
	status, err = txns.Rollback(ctx, txnID)
	if err != nil || status != models.TxnCommitted {
		t.Fatalf("Rollback() on committed = %s, %v, want committed, nil", status, err)
	}

	entry, err = s.GetEntry(ctx, "n", models.ScopeGlobal, models.ConsistencyEventual)
	if err != nil {
		t.Fatalf("GetEntry() error = %v", err)
	}
	if entry.Version != v1 {
		t.Errorf("version after repeated Commit = %d, want %d (no replay)", entry.Version, v1)
	}
}

func TestRollbackIsTerminal(t *testing.T) {
	ctx := context.Background()
	s, txns := newTestStore(t)

	txnID, err := txns.Begin(ctx, "intent_router", []string{"intent_router"}, time.Minute)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	op := models.TxnOperation{Type: models.TxnOpSet, Key: "never", Scope: models.ScopeGlobal, Value: 1, Agent: "intent_router"}
	if err := txns.AddOperation(ctx, txnID, op); err != nil {
		t.Fatalf("AddOperation() error = %v", err)
	}

	if status, err := txns.Rollback(ctx, txnID); status != models.TxnAborted {
		t.Fatalf("Rollback() = %s, %v, want aborted", status, err)
	}
	// Commit after rollback does not apply anything.
	status, err := txns.Commit(ctx, txnID)
	if err != nil || status != models.TxnAborted {
		t.Fatalf("Commit() after rollback = %s, %v, want aborted, nil", status, err)
	}
	if _, err := s.Get(ctx, "never", models.ScopeGlobal, models.ConsistencyEventual); err == nil {
		t.Error("aborted transaction's operation was applied")
	}
	if err := txns.AddOperation(ctx, txnID, op); err == nil {
		t.Error("AddOperation() on aborted transaction succeeded")
	}
}

func TestCommitAbortsOnLockedKey(t *testing.T) {
	ctx := context.Background()
	s, txns := newTestStore(t)

	// Another owner holds one of the keys the transaction needs.
	if _, err := s.locks.Acquire(ctx, "global:contested", models.LockExclusive, "someone_else", time.Minute); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	txnID, err := txns.Begin(ctx, "intent_router", []string{"intent_router"}, time.Minute)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	ops := []models.TxnOperation{
		{Type: models.TxnOpSet, Key: "free", Scope: models.ScopeGlobal, Value: 1, Agent: "intent_router"},
		{Type: models.TxnOpSet, Key: "contested", Scope: models.ScopeGlobal, Value: 2, Agent: "intent_router"},
	}
	for _, op := range ops {
		if err := txns.AddOperation(ctx, txnID, op); err != nil {
			t.Fatalf("AddOperation() error = %v", err)
		}
	}

	status, err := txns.Commit(ctx, txnID)
	if status != models.TxnAborted {
		t.Fatalf("Commit() status = %s, want aborted", status)
	}
	if _, ok := err.(*TxnAbortedError); !ok {
		t.Fatalf("Commit() error = %v, want TxnAbortedError", err)
	}
	// Prepare failed, so neither operation was applied.
	if _, err := s.Get(ctx, "free", models.ScopeGlobal, models.ConsistencyEventual); err == nil {
		t.Error("operation applied despite aborted prepare")
	}
}

func TestTimeoutSweepAbortsPending(t *testing.T) {
	ctx := context.Background()
	_, txns := newTestStore(t)

	txnID, err := txns.Begin(ctx, "intent_router", []string{"intent_router"}, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	txns.sweepTimeouts(ctx)

	txn, err := txns.Get(txnID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if txn.Status != models.TxnAborted {
		t.Errorf("status after sweep = %s, want aborted", txn.Status)
	}
}

func TestTimeoutSweepLeavesPreparingAlone(t *testing.T) {
	ctx := context.Background()
	s, txns := newTestStore(t)

	// A commit past its deadline but already preparing must not be
	// aborted out from under the applying goroutine: that would report
	// aborted for a transaction whose changes land anyway.
	txnID, err := txns.Begin(ctx, "intent_router", []string{"intent_router"}, time.Minute)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	op := models.TxnOperation{Type: models.TxnOpSet, Key: "slow", Scope: models.ScopeGlobal, Value: 1, Agent: "intent_router"}
	if err := txns.AddOperation(ctx, txnID, op); err != nil {
		t.Fatalf("AddOperation() error = %v", err)
	}

	txns.mu.Lock()
	txns.txns[txnID].Status = models.TxnPreparing
	txns.txns[txnID].TimeoutAt = time.Now().Add(-time.Second)
	txns.mu.Unlock()

	txns.sweepTimeouts(ctx)

	txn, err := txns.Get(txnID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if txn.Status != models.TxnPreparing {
		t.Fatalf("status after sweep = %s, want preparing untouched", txn.Status)
	}

	// The in-flight commit finishes and the operation lands.
	txns.mu.Lock()
	txns.txns[txnID].Status = models.TxnPending
	txns.txns[txnID].TimeoutAt = time.Now().Add(time.Minute)
	txns.mu.Unlock()
	status, err := txns.Commit(ctx, txnID)
	if err != nil || status != models.TxnCommitted {
		t.Fatalf("Commit() = %s, %v, want committed, nil", status, err)
	}
	if _, err := s.Get(ctx, "slow", models.ScopeGlobal, models.ConsistencyEventual); err != nil {
		t.Errorf("Get(slow) after commit error = %v", err)
	}
}
