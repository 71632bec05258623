package state

import "fmt"

// ErrNotFound indicates a missing entity (state entry, transaction,
// checkpoint, lock).
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.Key)
}

// LockContentionError indicates the lease is held by another owner.
// Callers should retry with backoff or give up.
type LockContentionError struct {
	Key    string
	Holder string
}

func (e *LockContentionError) Error() string {
	return fmt.Sprintf("lock contention on %s (held by %s)", e.Key, e.Holder)
}

// TxnAbortedError is terminal: the transaction's operations were not
// applied and never will be.
type TxnAbortedError struct {
	TxnID  string
	Reason string
}

func (e *TxnAbortedError) Error() string {
	return fmt.Sprintf("transaction %s aborted: %s", e.TxnID, e.Reason)
}

// WriteRejectedError indicates the conflict strategy refused the write.
// The stored entry and its version are unchanged.
type WriteRejectedError struct {
	Key      string
	Agent    string
	Strategy string
}

func (e *WriteRejectedError) Error() string {
	return fmt.Sprintf("write to %s by %s rejected by %s strategy", e.Key, e.Agent, e.Strategy)
}

// ConsistencyError indicates a checksum mismatch between an entry's value
// and its recorded hash. The monitor repairs these from the store.
type ConsistencyError struct {
	Key   string
	Scope string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s:%s", e.Scope, e.Key)
}
