package txn

import (
	"context"

	"github.com/google/uuid"

	"github.com/privacybudget/pbs-core/internal/asyncctx"
	"github.com/privacybudget/pbs-core/internal/pbserrors"
)

// PrepareSingle, CommitSingle, NotifySingle, AbortSingle are the
// single-timeframe specialization spec.md §4.4.5 names: identical
// semantics restricted to one timeframe per call. The shared
// implementation already satisfies every single-variant nuance
// (Prepare acquires no lock; Commit re-logs on an idempotent re-commit;
// Abort against a different transaction's lock is a noop) for a
// one-element request, so these simply forward.
func (p *Protocol) PrepareSingle(ctx context.Context, txnID uuid.UUID, c Consumption) (*asyncctx.Context[struct{}], *pbserrors.Error) {
	return p.Prepare(ctx, txnID, []Consumption{c})
}

func (p *Protocol) CommitSingle(ctx context.Context, txnID uuid.UUID, c Consumption) (*asyncctx.Context[struct{}], *pbserrors.Error) {
	return p.Commit(ctx, txnID, []Consumption{c})
}

func (p *Protocol) NotifySingle(ctx context.Context, txnID uuid.UUID, c Consumption) (*asyncctx.Context[struct{}], *pbserrors.Error) {
	return p.Notify(ctx, txnID, []Consumption{c})
}

func (p *Protocol) AbortSingle(ctx context.Context, txnID uuid.UUID, c Consumption) (*asyncctx.Context[struct{}], *pbserrors.Error) {
	return p.Abort(ctx, txnID, []Consumption{c})
}
