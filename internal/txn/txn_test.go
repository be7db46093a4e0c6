package txn

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/privacybudget/pbs-core/internal/journal"
	"github.com/privacybudget/pbs-core/internal/nosql"
	"github.com/privacybudget/pbs-core/internal/timeframe"
)

func newTestProtocol(t *testing.T) *Protocol {
	t.Helper()
	js := journal.NewMemoryService()
	np := nosql.NewMemoryProvider()
	m := timeframe.NewManager(uuid.New(), "example.com", nosql.DefaultTableName, js, np)
	t.Cleanup(func() { m.Stop(context.Background()) })
	return New(m)
}

func hour(h int) time.Time {
	return time.Unix(int64(h)*timeframe.SecondsPerHour, 0).UTC()
}

func TestCommitPrepareNotify_HappyPath(t *testing.T) {
	p := newTestProtocol(t)
	txnID := uuid.New()
	cs := []Consumption{{ReportingTime: hour(0), TokenCount: 3}}

	prepCtx, perr := p.Prepare(context.Background(), txnID, cs)
	if perr != nil {
		t.Fatalf("prepare: %v", perr)
	}
	if res := prepCtx.Wait(); !res.Succeeded() {
		t.Fatalf("expected prepare success, got %+v", res.Err)
	}

	commitCtx, perr := p.Commit(context.Background(), txnID, cs)
	if perr != nil {
		t.Fatalf("commit: %v", perr)
	}
	if res := commitCtx.Wait(); !res.Succeeded() {
		t.Fatalf("expected commit success, got %+v", res.Err)
	}

	notifyCtx, perr := p.Notify(context.Background(), txnID, cs)
	if perr != nil {
		t.Fatalf("notify: %v", perr)
	}
	if res := notifyCtx.Wait(); !res.Succeeded() {
		t.Fatalf("expected notify success, got %+v", res.Err)
	}

	loadCtx, _ := p.manager.Load(context.Background(), []time.Time{hour(0)})
	res := loadCtx.Wait()
	snap := res.Value[0].Snapshot()
	if snap.TokenCount != timeframe.KMaxToken-3 {
		t.Fatalf("expected token_count %d, got %d", timeframe.KMaxToken-3, snap.TokenCount)
	}
	if snap.ActiveTokenCount != 0 || snap.ActiveTransactionID != uuid.Nil {
		t.Fatalf("expected unlocked post-notify state, got %+v", snap)
	}
}

func TestCommit_InsufficientBudgetReportsIndices(t *testing.T) {
	p := newTestProtocol(t)
	txnID := uuid.New()
	cs := []Consumption{{ReportingTime: hour(0), TokenCount: timeframe.KMaxToken + 1}}

	commitCtx, perr := p.Commit(context.Background(), txnID, cs)
	if perr != nil {
		t.Fatalf("commit: %v", perr)
	}
	res := commitCtx.Wait()
	if res.Succeeded() {
		t.Fatal("expected commit to fail on insufficient budget")
	}
	if res.Err.Code.String() != "CONSUME_BUDGET_INSUFFICIENT_BUDGET" {
		t.Fatalf("expected insufficient budget, got %v", res.Err.Code)
	}
	if len(res.Err.FailedBudgetConsumptionIndices) != 1 || res.Err.FailedBudgetConsumptionIndices[0] != 0 {
		t.Fatalf("expected failed index [0], got %v", res.Err.FailedBudgetConsumptionIndices)
	}
}

func TestCommit_ConflictingTransactionIsRetryable(t *testing.T) {
	p := newTestProtocol(t)
	cs := []Consumption{{ReportingTime: hour(0), TokenCount: 1}}

	first := uuid.New()
	firstCtx, perr := p.Commit(context.Background(), first, cs)
	if perr != nil {
		t.Fatalf("first commit: %v", perr)
	}
	if res := firstCtx.Wait(); !res.Succeeded() {
		t.Fatalf("expected first commit to succeed, got %+v", res.Err)
	}

	second := uuid.New()
	secondCtx, perr := p.Commit(context.Background(), second, cs)
	if perr != nil {
		t.Fatalf("second commit: %v", perr)
	}
	res := secondCtx.Wait()
	if res.Succeeded() {
		t.Fatal("expected second commit to be rejected")
	}
	if res.Err.Code.String() != "ACTIVE_TRANSACTION_IN_PROGRESS" {
		t.Fatalf("expected ACTIVE_TRANSACTION_IN_PROGRESS, got %v", res.Err.Code)
	}
}

func TestCommit_IdempotentReCommitBySameTransaction(t *testing.T) {
	p := newTestProtocol(t)
	txnID := uuid.New()
	cs := []Consumption{{ReportingTime: hour(0), TokenCount: 2}}

	first, _ := p.Commit(context.Background(), txnID, cs)
	if res := first.Wait(); !res.Succeeded() {
		t.Fatalf("expected first commit success, got %+v", res.Err)
	}

	second, perr := p.Commit(context.Background(), txnID, cs)
	if perr != nil {
		t.Fatalf("second commit: %v", perr)
	}
	if res := second.Wait(); !res.Succeeded() {
		t.Fatalf("expected idempotent re-commit to succeed, got %+v", res.Err)
	}
}

func TestAbort_ClearsLockWithoutChangingTokenCount(t *testing.T) {
	p := newTestProtocol(t)
	txnID := uuid.New()
	cs := []Consumption{{ReportingTime: hour(0), TokenCount: 4}}

	commitCtx, _ := p.Commit(context.Background(), txnID, cs)
	commitCtx.Wait()

	abortCtx, perr := p.Abort(context.Background(), txnID, cs)
	if perr != nil {
		t.Fatalf("abort: %v", perr)
	}
	if res := abortCtx.Wait(); !res.Succeeded() {
		t.Fatalf("expected abort success, got %+v", res.Err)
	}

	loadCtx, _ := p.manager.Load(context.Background(), []time.Time{hour(0)})
	snap := loadCtx.Wait().Value[0].Snapshot()
	if snap.TokenCount != timeframe.KMaxToken {
		t.Fatalf("expected token_count unchanged at %d, got %d", timeframe.KMaxToken, snap.TokenCount)
	}
	if snap.ActiveTransactionID != uuid.Nil {
		t.Fatalf("expected unlocked after abort, got %+v", snap)
	}
}

func TestAbort_NoopWhenLockedByDifferentTransaction(t *testing.T) {
	p := newTestProtocol(t)
	holder := uuid.New()
	cs := []Consumption{{ReportingTime: hour(0), TokenCount: 1}}

	commitCtx, _ := p.Commit(context.Background(), holder, cs)
	commitCtx.Wait()

	other := uuid.New()
	abortCtx, perr := p.Abort(context.Background(), other, cs)
	if perr != nil {
		t.Fatalf("abort: %v", perr)
	}
	if res := abortCtx.Wait(); !res.Succeeded() {
		t.Fatalf("expected noop abort to report success, got %+v", res.Err)
	}

	loadCtx, _ := p.manager.Load(context.Background(), []time.Time{hour(0)})
	snap := loadCtx.Wait().Value[0].Snapshot()
	if snap.ActiveTransactionID != holder {
		t.Fatalf("expected original holder's lock untouched, got %+v", snap)
	}
}

func TestCommit_BatchOutOfOrderIsRejected(t *testing.T) {
	p := newTestProtocol(t)
	txnID := uuid.New()
	cs := []Consumption{
		{ReportingTime: hour(1), TokenCount: 1},
		{ReportingTime: hour(0), TokenCount: 1},
	}
	_, perr := p.Commit(context.Background(), txnID, cs)
	if perr == nil || perr.Code.String() != "BATCH_REQUEST_HAS_INVALID_ORDER" {
		t.Fatalf("expected BATCH_REQUEST_HAS_INVALID_ORDER, got %v", perr)
	}
}

func TestPrepare_ZeroTransactionIDIsInvalid(t *testing.T) {
	p := newTestProtocol(t)
	_, perr := p.Prepare(context.Background(), uuid.Nil, []Consumption{{ReportingTime: hour(0), TokenCount: 1}})
	if perr == nil || perr.Code.String() != "INVALID_TRANSACTION_ID" {
		t.Fatalf("expected INVALID_TRANSACTION_ID, got %v", perr)
	}
}
