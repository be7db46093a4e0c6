// Package timeframe implements the Budget Key Timeframe Manager: the
// per-key cache of hourly token buckets grouped by day, journaled on
// every mutation and evicted to the NoSQL row on expiry (spec.md §4.3).
package timeframe

import (
	"sync"

	"github.com/google/uuid"
)

// KMaxToken is the initial/refilled balance for a freshly created
// hour, spec.md §3's kMaxToken (24 tokens per day by default).
const KMaxToken int64 = 24

// Snapshot is an immutable copy of a Timeframe's state at one instant.
type Snapshot struct {
	TimeBucket          int
	TokenCount          int64
	ActiveTokenCount    int64
	ActiveTransactionID uuid.UUID
}

// LockResult is the outcome of a compare-and-set lock attempt on a
// Timeframe's active_transaction_id.
type LockResult int

const (
	// LockAcquired means active_transaction_id transitioned 0 → T.
	LockAcquired LockResult = iota
	// LockAlreadyHeld means active_transaction_id was already T
	// (idempotent re-commit).
	LockAlreadyHeld
	// LockHeldByOther means a different non-zero transaction holds it.
	LockHeldByOther
)

// Timeframe is one hour's token bucket. Its active_transaction_id acts
// as the implicit per-timeframe critical section spec.md §5 describes:
// no other lock is held across I/O, and callers serialize through
// TryLock before dispatching a journal-backed Update.
type Timeframe struct {
	mu sync.Mutex

	timeBucket          int
	tokenCount          int64
	activeTokenCount    int64
	activeTransactionID uuid.UUID
}

// NewTimeframe constructs a freshly created timeframe per spec.md §3:
// token_count = kMaxToken, active_token_count = 0, active_transaction_id = 0.
func NewTimeframe(bucket int) *Timeframe {
	return &Timeframe{timeBucket: bucket, tokenCount: KMaxToken}
}

// NewTimeframeFromSnapshot installs a Timeframe with caller-supplied
// state, used when replaying or loading an existing row.
func NewTimeframeFromSnapshot(s Snapshot) *Timeframe {
	return &Timeframe{
		timeBucket:          s.TimeBucket,
		tokenCount:          s.TokenCount,
		activeTokenCount:    s.ActiveTokenCount,
		activeTransactionID: s.ActiveTransactionID,
	}
}

// Snapshot returns a point-in-time copy of the timeframe's state.
func (t *Timeframe) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		TimeBucket:          t.timeBucket,
		TokenCount:          t.tokenCount,
		ActiveTokenCount:    t.activeTokenCount,
		ActiveTransactionID: t.activeTransactionID,
	}
}

// TryLock attempts to transition active_transaction_id to txn,
// implementing spec.md §4.4.2 step 1's CAS: 0 → T and T → T both
// succeed (the latter idempotently); any other non-zero value fails.
func (t *Timeframe) TryLock(txn uuid.UUID) LockResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.activeTransactionID {
	case uuid.Nil:
		t.activeTransactionID = txn
		return LockAcquired
	case txn:
		return LockAlreadyHeld
	default:
		return LockHeldByOther
	}
}

// Unlock clears active_transaction_id if and only if it is currently
// held by txn, used to release a CAS-acquired lock when a batch commit
// must roll back before ever calling Update (so no journal record was
// written for this timeframe).
func (t *Timeframe) Unlock(txn uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.activeTransactionID == txn {
		t.activeTransactionID = uuid.Nil
	}
}

// Apply overwrites the timeframe's full state. Callers (the Manager's
// Update path) must only call this after the corresponding journal
// record is durable, per spec.md §5's "mutations visible in memory
// only after the corresponding journal record is durable."
func (t *Timeframe) Apply(s Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokenCount = s.TokenCount
	t.activeTokenCount = s.ActiveTokenCount
	t.activeTransactionID = s.ActiveTransactionID
}

// IsLocked reports whether any transaction currently holds this
// timeframe.
func (t *Timeframe) IsLocked() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeTransactionID != uuid.Nil
}
