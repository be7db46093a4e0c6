package txn

import (
	"context"

	"github.com/google/uuid"

	"github.com/privacybudget/pbs-core/internal/asyncctx"
	"github.com/privacybudget/pbs-core/internal/metrics"
	"github.com/privacybudget/pbs-core/internal/pbserrors"
	"github.com/privacybudget/pbs-core/internal/timeframe"
)

// Notify converts tentative consumption into a committed debit.
// Timeframes not currently locked by txnID are skipped silently
// (idempotent / late notify, never an error).
func (p *Protocol) Notify(ctx context.Context, txnID uuid.UUID, cs []Consumption) (*asyncctx.Context[struct{}], *pbserrors.Error) {
	metrics.TransactionsNotified.Inc()
	metrics.BatchTransactionSize.Observe(float64(len(cs)))
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

	var entries []timeframe.UpdateEntry
	for _, tf := range tfs {
		snap := tf.Snapshot()
		if snap.ActiveTransactionID != txnID {
			continue
		}
		entries = append(entries, timeframe.UpdateEntry{
			TimeBucket:          snap.TimeBucket,
			TokenCount:          snap.TokenCount - snap.ActiveTokenCount,
			ActiveTokenCount:    0,
			ActiveTransactionID: uuid.Nil,
		})
	}

	if len(entries) == 0 {
		out := asyncctx.New[struct{}]()
		out.FinishSuccess(struct{}{})
		return out, nil
	}

	return p.manager.Update(ctx, timeGroupOf(cs), entries)
}

// Abort is symmetric to Notify but leaves token_count unchanged,
// clearing only active_token_count and active_transaction_id.
// Timeframes not locked by txnID are skipped silently — an abort sent
// to a timeframe locked by a different transaction succeeds as a noop.
func (p *Protocol) Abort(ctx context.Context, txnID uuid.UUID, cs []Consumption) (*asyncctx.Context[struct{}], *pbserrors.Error) {
	metrics.TransactionsAborted.Inc()
	metrics.BatchTransactionSize.Observe(float64(len(cs)))
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

	var entries []timeframe.UpdateEntry
	for _, tf := range tfs {
		snap := tf.Snapshot()
		if snap.ActiveTransactionID != txnID {
			continue
		}
		entries = append(entries, timeframe.UpdateEntry{
			TimeBucket:          snap.TimeBucket,
			TokenCount:          snap.TokenCount,
			ActiveTokenCount:    0,
			ActiveTransactionID: uuid.Nil,
		})
	}

	if len(entries) == 0 {
		out := asyncctx.New[struct{}]()
		out.FinishSuccess(struct{}{})
		return out, nil
	}

	return p.manager.Update(ctx, timeGroupOf(cs), entries)
}
