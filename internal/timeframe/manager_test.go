package timeframe

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/privacybudget/pbs-core/internal/journal"
	"github.com/privacybudget/pbs-core/internal/nosql"
)

func newTestManager(t *testing.T) (*Manager, *journal.MemoryService, *nosql.MemoryProvider) {
	t.Helper()
	js := journal.NewMemoryService()
	np := nosql.NewMemoryProvider()
	m := NewManager(uuid.New(), "example.com", nosql.DefaultTableName, js, np)
	t.Cleanup(func() { m.Stop(context.Background()) })
	return m, js, np
}

func dayZero(hour int) time.Time {
	return time.Unix(int64(hour)*SecondsPerHour, 0).UTC()
}

func TestLoad_FreshKeyGetsMaxTokenEverywhere(t *testing.T) {
	m, _, _ := newTestManager(t)

	ctx, perr := m.Load(context.Background(), []time.Time{dayZero(0), dayZero(1)})
	if perr != nil {
		t.Fatalf("load: %v", perr)
	}
	res := ctx.Wait()
	if !res.Succeeded() {
		t.Fatalf("expected success, got %+v", res.Err)
	}
	if len(res.Value) != 2 {
		t.Fatalf("expected 2 timeframes, got %d", len(res.Value))
	}
	for _, tf := range res.Value {
		if tf.Snapshot().TokenCount != KMaxToken {
			t.Fatalf("expected fresh timeframe at kMaxToken, got %d", tf.Snapshot().TokenCount)
		}
	}
}

func TestLoad_EmptyRequestIsValidationError(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, perr := m.Load(context.Background(), nil)
	if perr == nil || perr.Code.String() != "EMPTY_REQUEST" {
		t.Fatalf("expected EMPTY_REQUEST, got %v", perr)
	}
}

func TestLoad_MultipleTimeGroupsRejected(t *testing.T) {
	m, _, _ := newTestManager(t)
	other := dayZero(0).Add(48 * time.Hour)
	_, perr := m.Load(context.Background(), []time.Time{dayZero(0), other})
	if perr == nil || perr.Code.String() != "MULTIPLE_TIMEFRAME_GROUPS" {
		t.Fatalf("expected MULTIPLE_TIMEFRAME_GROUPS, got %v", perr)
	}
}

func TestLoad_RepeatedTimeBucketsRejected(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, perr := m.Load(context.Background(), []time.Time{dayZero(3), dayZero(3)})
	if perr == nil || perr.Code.String() != "REPEATED_TIMEBUCKETS" {
		t.Fatalf("expected REPEATED_TIMEBUCKETS, got %v", perr)
	}
}

func TestUpdate_AppliesAfterLogSuccess(t *testing.T) {
	m, _, _ := newTestManager(t)
	loadCtx, _ := m.Load(context.Background(), []time.Time{dayZero(0)})
	loadCtx.Wait()

	txn := uuid.New()
	updCtx, perr := m.Update(context.Background(), 0, []UpdateEntry{
		{TimeBucket: 0, TokenCount: KMaxToken, ActiveTokenCount: 5, ActiveTransactionID: txn},
	})
	if perr != nil {
		t.Fatalf("update: %v", perr)
	}
	res := updCtx.Wait()
	if !res.Succeeded() {
		t.Fatalf("expected success, got %+v", res.Err)
	}

	group, ok := m.groups.Get(0)
	if !ok {
		t.Fatal("expected group 0 to be cached")
	}
	tf, ok := group.Get(0)
	if !ok {
		t.Fatal("expected bucket 0 to exist")
	}
	snap := tf.Snapshot()
	if snap.ActiveTokenCount != 5 || snap.ActiveTransactionID != txn {
		t.Fatalf("update did not apply: %+v", snap)
	}
}

func TestUpdate_UnknownGroupIsEntryDoesNotExist(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, perr := m.Update(context.Background(), 999, []UpdateEntry{{TimeBucket: 0, TokenCount: KMaxToken}})
	if perr == nil || perr.Code.String() != "ENTRY_DOES_NOT_EXIST" {
		t.Fatalf("expected ENTRY_DOES_NOT_EXIST, got %v", perr)
	}
}

func TestEviction_UpsertsCommittedRowThenRemoves(t *testing.T) {
	m, _, np := newTestManager(t)

	loadCtx, _ := m.Load(context.Background(), []time.Time{dayZero(0)})
	loadCtx.Wait()
	updCtx, _ := m.Update(context.Background(), 0, []UpdateEntry{
		{TimeBucket: 0, TokenCount: KMaxToken - 1},
	})
	updCtx.Wait()

	group, _ := m.groups.Get(0)
	veto := m.onBeforeGroupEvicted(0, group)
	if veto {
		t.Fatal("expected eviction to proceed for an unlocked group")
	}

	item, perr := np.GetItem(context.Background(), nosql.GetItemRequest{Key: "example.com", DayIndex: 0})
	if perr != nil {
		t.Fatalf("get item: %v", perr)
	}
	if item == nil {
		t.Fatal("expected upserted row")
	}
	if item.TokenCount[0] != KMaxToken-1 {
		t.Fatalf("expected bucket 0 = %d, got %d", KMaxToken-1, item.TokenCount[0])
	}
	for i := 1; i < nosql.TokensPerDay; i++ {
		if item.TokenCount[i] != KMaxToken {
			t.Fatalf("expected bucket %d = %d, got %d", i, KMaxToken, item.TokenCount[i])
		}
	}
}

func TestEviction_VetoedWhileTransactionActive(t *testing.T) {
	m, _, _ := newTestManager(t)
	loadCtx, _ := m.Load(context.Background(), []time.Time{dayZero(0)})
	loadCtx.Wait()
	updCtx, _ := m.Update(context.Background(), 0, []UpdateEntry{
		{TimeBucket: 0, TokenCount: KMaxToken, ActiveTokenCount: 1, ActiveTransactionID: uuid.New()},
	})
	updCtx.Wait()

	group, _ := m.groups.Get(0)
	if veto := m.onBeforeGroupEvicted(0, group); !veto {
		t.Fatal("expected eviction to be vetoed while a transaction is active")
	}
}

func TestJournalReplay_RebuildsManagerState(t *testing.T) {
	js := journal.NewMemoryService()
	np := nosql.NewMemoryProvider()
	id := uuid.New()

	// Seed the day's row so Load takes the found-in-NoSQL path, which
	// journals an INSERT_TIMEGROUP_INTO_CACHE record ahead of the UPDATE
	// below. A not-found load journals nothing, and replaying an UPDATE
	// for a group that no INSERT created fails with ENTRY_DOES_NOT_EXIST.
	var counts [nosql.TokensPerDay]int64
	for i := range counts {
		counts[i] = KMaxToken
	}
	if perr := np.UpsertItem(context.Background(), nosql.UpsertItemRequest{
		TableName: nosql.DefaultTableName,
		Item:      nosql.Item{Key: "example.com", DayIndex: 0, TokenCount: counts},
	}); perr != nil {
		t.Fatalf("seed row: %v", perr)
	}

	m1 := NewManager(id, "example.com", nosql.DefaultTableName, js, np)
	loadCtx, _ := m1.Load(context.Background(), []time.Time{dayZero(0)})
	loadCtx.Wait()
	txn := uuid.New()
	updCtx, _ := m1.Update(context.Background(), 0, []UpdateEntry{
		{TimeBucket: 0, TokenCount: KMaxToken - 2, ActiveTokenCount: 2, ActiveTransactionID: txn},
	})
	updCtx.Wait()
	if err := m1.Stop(context.Background()); err != nil {
		t.Fatalf("stop manager: %v", err)
	}

	// A fresh manager over the same journal component id, replaying
	// from scratch, should converge to the same bucket-0 state.
	m2 := NewManager(id, "example.com", nosql.DefaultTableName, js, np)
	defer m2.Stop(context.Background())
	if _, perr := js.Recover(context.Background()); perr != nil {
		t.Fatalf("recover: %v", perr)
	}

	group, ok := m2.groups.Get(0)
	if !ok {
		t.Fatal("expected replay to recreate group 0")
	}
	tf, ok := group.Get(0)
	if !ok {
		t.Fatal("expected replay to recreate bucket 0")
	}
	snap := tf.Snapshot()
	if snap.TokenCount != KMaxToken-2 || snap.ActiveTokenCount != 2 || snap.ActiveTransactionID != txn {
		t.Fatalf("replay did not converge: %+v", snap)
	}
}

func TestCanUnload_FalseWhileLocked(t *testing.T) {
	m, _, _ := newTestManager(t)
	loadCtx, _ := m.Load(context.Background(), []time.Time{dayZero(0)})
	loadCtx.Wait()

	if !m.CanUnload() {
		t.Fatal("expected CanUnload true for a freshly loaded, unlocked group")
	}

	updCtx, _ := m.Update(context.Background(), 0, []UpdateEntry{
		{TimeBucket: 0, TokenCount: KMaxToken, ActiveTokenCount: 1, ActiveTransactionID: uuid.New()},
	})
	updCtx.Wait()

	if m.CanUnload() {
		t.Fatal("expected CanUnload false while a transaction is active")
	}
}
