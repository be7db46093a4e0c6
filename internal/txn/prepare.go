package txn

import (
	"context"

	"github.com/google/uuid"

	"github.com/privacybudget/pbs-core/internal/asyncctx"
	"github.com/privacybudget/pbs-core/internal/pbserrors"
)

// Prepare implements spec.md §4.4.1: a read-only check. No lock is
// acquired and no timeframe is mutated. If any addressed timeframe is
// locked by a different transaction, the whole call fails retryable.
// Otherwise, any entry whose requested token_count exceeds the
// timeframe's token_count is collected into
// failed_budget_consumption_indices and the call fails with
// CONSUME_BUDGET_INSUFFICIENT_BUDGET.
func (p *Protocol) Prepare(ctx context.Context, txnID uuid.UUID, cs []Consumption) (*asyncctx.Context[struct{}], *pbserrors.Error) {
	if verr := validateTransactionID(txnID); verr != nil {
		return nil, verr
	}
	if verr := validateNonEmpty(cs); verr != nil {
		return nil, verr
	}

	tfs, perr := p.loadTimeframes(ctx, cs)
	if perr != nil {
		return nil, perr
	}

	out := asyncctx.New[struct{}]()

	var failedIdx []int
	for i, tf := range tfs {
		snap := tf.Snapshot()
		if snap.ActiveTransactionID != uuid.Nil && snap.ActiveTransactionID != txnID {
			out.FinishError(pbserrors.New(pbserrors.CodeActiveTransactionInProgress,
				"timeframe locked by another transaction"))
			return out, nil
		}
		if cs[i].TokenCount > snap.TokenCount {
			failedIdx = append(failedIdx, i)
		}
	}
	if len(failedIdx) > 0 {
		out.FinishError(pbserrors.New(pbserrors.CodeInsufficientBudget, "insufficient budget").WithFailedIndices(failedIdx))
		return out, nil
	}

	out.FinishSuccess(struct{}{})
	return out, nil
}
