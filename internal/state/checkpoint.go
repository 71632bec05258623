package state

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agenthub/agenthub/internal/kv"
	"github.com/agenthub/agenthub/pkg/models"
)

// checkpointAgent owns checkpoint/restore writes in transaction logs.
const checkpointAgent = "state_manager"

// Checkpoint snapshots every entry in scope under checkpoint:{scope}:{name}.
func (s *Store) Checkpoint(ctx context.Context, scope models.StateScope, name string) (*models.Checkpoint, error) {
	entries, err := s.ListScope(ctx, scope)
	if err != nil {
		return nil, err
	}
	cp := &models.Checkpoint{
		Name:      name,
		Scope:     scope,
		Entries:   entries,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, err
	}
	key := checkpointKeyPrefix + string(scope) + ":" + name
	if err := s.store.Set(ctx, key, data, 0); err != nil {
		return nil, err
	}
	log.Info().Str("scope", string(scope)).Str("name", name).
		Int("entries", len(entries)).Msg("📸 Checkpoint created")
	return cp, nil
}

// GetCheckpoint loads a stored checkpoint.
func (s *Store) GetCheckpoint(ctx context.Context, scope models.StateScope, name string) (*models.Checkpoint, error) {
	key := checkpointKeyPrefix + string(scope) + ":" + name
	raw, err := s.store.Get(ctx, key)
	if err != nil {
		if kv.IsNotFound(err) {
			return nil, &ErrNotFound{Entity: "checkpoint", Key: string(scope) + ":" + name}
		}
		return nil, err
	}
	var cp models.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// Restore replaces the scope's contents with a checkpoint's entries,
// preserving each entry's version and timestamps. The whole restore runs
// as one transaction: clear the scope, bulk-insert the snapshot. An
// aborted restore leaves the prior state intact in the durable store.
func (s *Store) Restore(ctx context.Context, txns *Coordinator, scope models.StateScope, name string) error {
	cp, err := s.GetCheckpoint(ctx, scope, name)
	if err != nil {
		return err
	}

	current, err := s.ListScope(ctx, scope)
	if err != nil {
		return err
	}

	txnID, err := txns.Begin(ctx, checkpointAgent, []string{checkpointAgent}, DefaultTxnTimeout)
	if err != nil {
		return err
	}
	for _, e := range current {
		op := models.TxnOperation{Type: models.TxnOpDelete, Key: e.Key, Scope: scope, Agent: checkpointAgent}
		if err := txns.AddOperation(ctx, txnID, op); err != nil {
			return err
		}
	}
	for i := range cp.Entries {
		entry := cp.Entries[i]
		op := models.TxnOperation{
			Type:  models.TxnOpSet,
			Key:   entry.Key,
			Scope: scope,
			Value: &entry,
			Agent: checkpointAgent,
		}
		if err := txns.AddOperation(ctx, txnID, op); err != nil {
			return err
		}
	}

	status, err := txns.Commit(ctx, txnID)
	if err != nil {
		return err
	}
	if status != models.TxnCommitted {
		return &TxnAbortedError{TxnID: txnID, Reason: "restore did not commit"}
	}

	// Any cached entries for the scope are stale now.
	s.mu.Lock()
	prefix := string(scope) + ":"
	for k := range s.cache {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(s.cache, k)
		}
	}
	s.mu.Unlock()

	log.Info().Str("scope", string(scope)).Str("name", name).
		Int("entries", len(cp.Entries)).Msg("📸 Checkpoint restored")
	return nil
}
