package txn

import (
	"context"

	"github.com/google/uuid"

	"github.com/privacybudget/pbs-core/internal/asyncctx"
	"github.com/privacybudget/pbs-core/internal/metrics"
	"github.com/privacybudget/pbs-core/internal/pbserrors"
	"github.com/privacybudget/pbs-core/internal/timeframe"
)

// Commit locks are acquired in request order via each Timeframe's
// active_transaction_id CAS; any conflict releases every lock this call
// acquired and fails retryable. Once every lock is held, the
// per-timeframe budget is checked; on success a single Update call
// journals the new {active_token_count, token_count,
// active_transaction_id} for every addressed timeframe.
func (p *Protocol) Commit(ctx context.Context, txnID uuid.UUID, cs []Consumption) (*asyncctx.Context[struct{}], *pbserrors.Error) {
	metrics.BatchTransactionSize.Observe(float64(len(cs)))
	if verr := validateTransactionID(txnID); verr != nil {
		return nil, verr
	}
	if verr := validateNonEmpty(cs); verr != nil {
		return nil, verr
	}
	if verr := validateCommitOrder(cs); verr != nil {
		return nil, verr
	}

	tfs, perr := p.loadTimeframes(ctx, cs)
	if perr != nil {
		return nil, perr
	}

	out := asyncctx.New[struct{}]()

	acquired := make([]*timeframe.Timeframe, 0, len(tfs))
	for _, tf := range tfs {
		switch tf.TryLock(txnID) {
		case timeframe.LockAcquired:
			acquired = append(acquired, tf)
		case timeframe.LockAlreadyHeld:
			// Idempotent re-commit: already ours, nothing new to release
			// on rollback.
		case timeframe.LockHeldByOther:
			releaseAll(acquired, txnID)
			out.FinishError(pbserrors.New(pbserrors.CodeActiveTransactionInProgress,
				"timeframe locked by another transaction"))
			return out, nil
		}
	}

	var failedIdx []int
	for i, tf := range tfs {
		if cs[i].TokenCount > tf.Snapshot().TokenCount {
			failedIdx = append(failedIdx, i)
		}
	}
	if len(failedIdx) > 0 {
		releaseAll(acquired, txnID)
		out.FinishError(pbserrors.New(pbserrors.CodeInsufficientBudget, "insufficient budget").WithFailedIndices(failedIdx))
		return out, nil
	}

	entries := make([]timeframe.UpdateEntry, len(tfs))
	for i, tf := range tfs {
		snap := tf.Snapshot()
		entries[i] = timeframe.UpdateEntry{
			TimeBucket:          snap.TimeBucket,
			TokenCount:          snap.TokenCount,
			ActiveTokenCount:    cs[i].TokenCount,
			ActiveTransactionID: txnID,
		}
	}

	updCtx, perr := p.manager.Update(ctx, timeGroupOf(cs), entries)
	if perr != nil {
		releaseAll(acquired, txnID)
		out.FinishError(perr)
		return out, nil
	}

	go func() {
		res := updCtx.Wait()
		if !res.Succeeded() {
			releaseAll(acquired, txnID)
		}
		out.Finish(res)
	}()
	return out, nil
}

func releaseAll(tfs []*timeframe.Timeframe, txnID uuid.UUID) {
	for _, tf := range tfs {
		tf.Unlock(txnID)
	}
}
