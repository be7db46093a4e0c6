// Package txn implements the consume-budget transaction protocols
// (spec.md §4.4): a four-phase state machine — Prepare, Commit,
// Notify, Abort — layered over a Budget Key Timeframe Manager. The
// batch variant is the general form; Single is its size-1
// specialization, sharing the same implementation since a one-element
// batch already satisfies the single variant's relaxed ordering rule.
package txn

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/privacybudget/pbs-core/internal/asyncctx"
	"github.com/privacybudget/pbs-core/internal/pbserrors"
	"github.com/privacybudget/pbs-core/internal/timeframe"
)

// Consumption is one {time_bucket, token_count} entry in a request.
// ReportingTime determines the time bucket via timeframe.TimeBucketOf;
// every entry in one call must resolve to the same TimeGroup.
type Consumption struct {
	ReportingTime time.Time
	TokenCount    int64
}

// Protocol is the consume-budget transaction protocol bound to a
// single Budget Key's Timeframe Manager (spec.md §4.4). The same type
// serves both the single-timeframe and batch variants: Single is a
// convenience wrapper that calls through with a one-element slice.
type Protocol struct {
	manager *timeframe.Manager
}

// New binds a Protocol to manager.
func New(manager *timeframe.Manager) *Protocol {
	return &Protocol{manager: manager}
}

func validateTransactionID(id uuid.UUID) *pbserrors.Error {
	if id == uuid.Nil {
		return pbserrors.New(pbserrors.CodeInvalidTransactionID, "transaction_id must be non-zero")
	}
	return nil
}

func validateNonEmpty(cs []Consumption) *pbserrors.Error {
	if len(cs) == 0 {
		return pbserrors.New(pbserrors.CodeEmptyRequest, "budget_consumptions must be nonempty")
	}
	return nil
}

// validateCommitOrder enforces spec.md §4.4's "must be sorted by
// time_bucket ascending on Commit calls" rule. A single-element slice
// trivially satisfies it, so this covers both variants.
func validateCommitOrder(cs []Consumption) *pbserrors.Error {
	prev := -1
	for _, c := range cs {
		b := timeframe.TimeBucketOf(c.ReportingTime)
		if b <= prev {
			return pbserrors.New(pbserrors.CodeBatchRequestInvalidOrder,
				"budget_consumptions must be sorted by time_bucket ascending")
		}
		prev = b
	}
	return nil
}

func reportingTimes(cs []Consumption) []time.Time {
	out := make([]time.Time, len(cs))
	for i, c := range cs {
		out[i] = c.ReportingTime
	}
	return out
}

// loadTimeframes resolves one *timeframe.Timeframe per consumption,
// loading the backing group first (spec.md §4.4: "Load the relevant
// timeframes").
func (p *Protocol) loadTimeframes(ctx context.Context, cs []Consumption) ([]*timeframe.Timeframe, *pbserrors.Error) {
	loadCtx, perr := p.manager.Load(ctx, reportingTimes(cs))
	if perr != nil {
		return nil, perr
	}
	res := loadCtx.Wait()
	if !res.Succeeded() {
		return nil, res.Err
	}
	return res.Value, nil
}

func timeGroupOf(cs []Consumption) uint64 {
	return timeframe.TimeGroupOf(cs[0].ReportingTime)
}
