package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agenthub/agenthub/pkg/models"
)

const (
	// DefaultTxnSweepInterval is how often timed-out transactions are
	// auto-aborted.
	DefaultTxnSweepInterval = 60 * time.Second

	// DefaultTxnTimeout bounds a transaction that never commits.
	DefaultTxnTimeout = 60 * time.Second

	txnLockLease = 30 * time.Second
)

// Coordinator runs cooperative two-phase commit over the state store.
// Participants are trusted in-process agents; they vote implicitly by
// their prepare step not failing.
type Coordinator struct {
	store *Store
	locks *LockManager

	mu   sync.RWMutex
	txns map[string]*models.Transaction

	sweepInterval time.Duration
}

// NewCoordinator creates a transaction coordinator.
func NewCoordinator(store *Store, locks *LockManager) *Coordinator {
	return &Coordinator{
		store:         store,
		locks:         locks,
		txns:          make(map[string]*models.Transaction),
		sweepInterval: DefaultTxnSweepInterval,
	}
}

// SetSweepInterval overrides how often timed-out transactions are swept.
func (c *Coordinator) SetSweepInterval(d time.Duration) {
	if d > 0 {
		c.sweepInterval = d
	}
}

// Begin opens a transaction and returns its id. timeout <= 0 uses the
// default; the sweep guarantees no transaction outlives its timeout in
// pending state.
func (c *Coordinator) Begin(ctx context.Context, coordinator string, participants []string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultTxnTimeout
	}
	now := time.Now().UTC()
	txn := &models.Transaction{
		ID:           uuid.New().String(),
		Coordinator:  coordinator,
		Participants: participants,
		Status:       models.TxnPending,
		Votes:        make(map[string]string),
		CreatedAt:    now,
		TimeoutAt:    now.Add(timeout),
	}
	c.mu.Lock()
	c.txns[txn.ID] = txn
	c.mu.Unlock()

	log.Info().Str("txn", txn.ID).Str("coordinator", coordinator).
		Int("participants", len(participants)).Msg("Transaction started")
	return txn.ID, nil
}

// AddOperation queues a set or delete on a pending transaction.
func (c *Coordinator) AddOperation(ctx context.Context, txnID string, op models.TxnOperation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	txn, ok := c.txns[txnID]
	if !ok {
		return &ErrNotFound{Entity: "transaction", Key: txnID}
	}
	if txn.Status != models.TxnPending {
		return &TxnAbortedError{TxnID: txnID, Reason: fmt.Sprintf("cannot add operation in status %s", txn.Status)}
	}
	txn.Operations = append(txn.Operations, op)
	return nil
}

// Commit runs prepare then applies the queued operations. Any failure in
// either phase aborts. Calling Commit on a terminal transaction returns
// its terminal status without replaying anything.
func (c *Coordinator) Commit(ctx context.Context, txnID string) (models.TxnStatus, error) {
	c.mu.Lock()
	txn, ok := c.txns[txnID]
	if !ok {
		c.mu.Unlock()
		return "", &ErrNotFound{Entity: "transaction", Key: txnID}
	}
	if txn.Terminal() {
		status := txn.Status
		c.mu.Unlock()
		return status, nil
	}
	if time.Now().After(txn.TimeoutAt) {
		c.mu.Unlock()
		return c.abort(ctx, txnID, "timed out before commit")
	}
	txn.Status = models.TxnPreparing
	ops := make([]models.TxnOperation, len(txn.Operations))
	copy(ops, txn.Operations)
	participants := txn.Participants
	c.mu.Unlock()

	// Prepare: lock every touched key. A lock we cannot get is a
	// participant voting abort.
	lockOwner := "txn:" + txnID
	var held []string
	releaseAll := func() {
		for _, k := range held {
			if err := c.locks.Release(context.WithoutCancel(ctx), k, lockOwner); err != nil {
				log.Warn().Err(err).Str("key", k).Msg("Transaction lock release failed")
			}
		}
	}
	for _, op := range ops {
		fullKey := string(op.Scope) + ":" + op.Key
		if _, err := c.locks.Acquire(ctx, fullKey, models.LockExclusive, lockOwner, txnLockLease); err != nil {
			releaseAll()
			return c.abort(ctx, txnID, fmt.Sprintf("prepare failed on %s: %v", fullKey, err))
		}
		held = append(held, fullKey)
	}
	c.mu.Lock()
	for _, p := range participants {
		txn.Votes[p] = "commit"
	}
	c.mu.Unlock()

	// Commit phase: apply every operation. A failure here aborts too —
	// cooperative 2PC, not a WAL; partial effects are surfaced, not hidden.
	for _, op := range ops {
		if err := c.apply(ctx, op); err != nil {
			releaseAll()
			return c.abort(ctx, txnID, fmt.Sprintf("apply %s %s failed: %v", op.Type, op.Key, err))
		}
	}
	releaseAll()

	c.mu.Lock()
	if txn.Status != models.TxnPreparing {
		// The timeout sweep aborted us mid-flight.
		status := txn.Status
		c.mu.Unlock()
		return status, &TxnAbortedError{TxnID: txnID, Reason: "aborted during commit"}
	}
	txn.Status = models.TxnCommitted
	c.mu.Unlock()
	log.Info().Str("txn", txnID).Int("operations", len(ops)).Msg("✅ Transaction committed")
	return models.TxnCommitted, nil
}

// Rollback aborts a transaction. Idempotent on terminal transactions.
func (c *Coordinator) Rollback(ctx context.Context, txnID string) (models.TxnStatus, error) {
	c.mu.RLock()
	txn, ok := c.txns[txnID]
	if !ok {
		c.mu.RUnlock()
		return "", &ErrNotFound{Entity: "transaction", Key: txnID}
	}
	if txn.Terminal() {
		status := txn.Status
		c.mu.RUnlock()
		return status, nil
	}
	c.mu.RUnlock()
	return c.abort(ctx, txnID, "rolled back by coordinator")
}

// Get returns a copy of the transaction record.
func (c *Coordinator) Get(txnID string) (*models.Transaction, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	txn, ok := c.txns[txnID]
	if !ok {
		return nil, &ErrNotFound{Entity: "transaction", Key: txnID}
	}
	cp := *txn
	return &cp, nil
}

// Run auto-aborts timed-out pending transactions until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	log.Info().Dur("interval", c.sweepInterval).Msg("⏱️ Transaction timeout sweep started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Transaction timeout sweep stopped")
			return
		case <-ticker.C:
			c.sweepTimeouts(ctx)
		}
	}
}

func (c *Coordinator) sweepTimeouts(ctx context.Context) {
	now := time.Now()
	c.mu.RLock()
	var expired []string
	for id, txn := range c.txns {
		// Only pending transactions are swept. A preparing one has a
		// live Commit call applying operations; aborting it here would
		// report aborted after the changes already landed. Commit does
		// its own timeout check before it starts preparing.
		if txn.Status == models.TxnPending && now.After(txn.TimeoutAt) {
			expired = append(expired, id)
		}
	}
	c.mu.RUnlock()
	for _, id := range expired {
		if _, err := c.abort(ctx, id, "timed out"); err != nil {
			log.Warn().Err(err).Str("txn", id).Msg("Timeout abort failed")
		}
	}
}

func (c *Coordinator) abort(ctx context.Context, txnID, reason string) (models.TxnStatus, error) {
	c.mu.Lock()
	txn, ok := c.txns[txnID]
	if !ok {
		c.mu.Unlock()
		return "", &ErrNotFound{Entity: "transaction", Key: txnID}
	}
	if txn.Terminal() {
		status := txn.Status
		c.mu.Unlock()
		return status, nil
	}
	txn.Status = models.TxnAborted
	c.mu.Unlock()

	log.Warn().Str("txn", txnID).Str("reason", reason).Msg("Transaction aborted")
	return models.TxnAborted, &TxnAbortedError{TxnID: txnID, Reason: reason}
}

func (c *Coordinator) apply(ctx context.Context, op models.TxnOperation) error {
	switch op.Type {
	case models.TxnOpSet:
		// Checkpoint restore queues full entries to preserve versions;
		// plain sets go through normal conflict-checked writes.
		if entry, ok := op.Value.(*models.StateEntry); ok {
			return c.store.putEntry(ctx, entry)
		}
		_, err := c.store.Set(ctx, op.Key, op.Value, op.Scope, op.Agent, SetOptions{})
		return err
	case models.TxnOpDelete:
		err := c.store.Delete(ctx, op.Key, op.Scope, op.Agent)
		if isNotFound(err) {
			return nil
		}
		return err
	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
}
