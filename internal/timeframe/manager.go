package timeframe

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/privacybudget/pbs-core/internal/asyncctx"
	"github.com/privacybudget/pbs-core/internal/expiringmap"
	"github.com/privacybudget/pbs-core/internal/journal"
	"github.com/privacybudget/pbs-core/internal/metrics"
	"github.com/privacybudget/pbs-core/internal/nosql"
	"github.com/privacybudget/pbs-core/internal/pbserrors"
	"github.com/privacybudget/pbs-core/internal/retry"
)

// DefaultGroupTTL and DefaultSweepInterval implement spec.md §6's
// "Timeframe-group auto-expire: 100 s, lifetime extended on access."
const (
	DefaultGroupTTL      = 100 * time.Second
	DefaultSweepInterval = 10 * time.Second
)

// UpdateEntry is the proposed new state for one timeframe, as spec.md
// §4.3.3 describes: "the proposed {active_token_count,
// active_transaction_id, token_count} for a given reporting time."
type UpdateEntry struct {
	TimeBucket          int
	TokenCount          int64
	ActiveTokenCount    int64
	ActiveTransactionID uuid.UUID
}

// Manager is the Budget Key Timeframe Manager (spec.md §4.3): an
// auto-expiring map of TimeGroup → Group, backed by the journal for
// tentative-state durability and by the NoSQL row for committed
// token_count durability.
type Manager struct {
	id            uuid.UUID // this manager's own journal component id
	budgetKeyName string
	tableName     string

	journalSvc journal.Service
	nosqlProv  nosql.Provider

	groups *expiringmap.Map[uint64, *Group]
}

// NewManager constructs a Manager, subscribes it to journal replay for
// id, and starts its auto-expiring group cache.
func NewManager(id uuid.UUID, budgetKeyName, tableName string, journalSvc journal.Service, nosqlProv nosql.Provider) *Manager {
	m := &Manager{
		id:            id,
		budgetKeyName: budgetKeyName,
		tableName:     tableName,
		journalSvc:    journalSvc,
		nosqlProv:     nosqlProv,
	}
	m.groups = expiringmap.New[uint64, *Group](DefaultGroupTTL, DefaultSweepInterval, m.onBeforeGroupEvicted)
	journalSvc.Subscribe(id, journal.SubscriberFunc(m.onLogRecord))
	return m
}

// ID returns the journal component id this manager replays under.
func (m *Manager) ID() uuid.UUID { return m.id }

// Stop flushes one last Checkpoint record for every live group, then
// halts the background eviction sweep. The checkpoint journal append is
// the one durability operation Stop can actually fail on; that failure
// is returned to the caller rather than silently dropped, so a failed
// flush is visible all the way up through Key.Stop/Provider.Stop.
func (m *Manager) Stop(ctx context.Context) error {
	perr := m.Checkpoint(ctx)
	m.groups.Stop()
	if perr != nil {
		return perr
	}
	return nil
}

func validateReportingTimes(times []time.Time) (uint64, []int, *pbserrors.Error) {
	if len(times) == 0 {
		return 0, nil, pbserrors.New(pbserrors.CodeEmptyRequest, "reporting_times must be nonempty")
	}
	group := TimeGroupOf(times[0])
	buckets := make([]int, len(times))
	seen := make(map[int]bool, len(times))
	for i, t := range times {
		if TimeGroupOf(t) != group {
			return 0, nil, pbserrors.New(pbserrors.CodeMultipleTimeframeGroups,
				"all reporting_times must belong to the same time group")
		}
		b := TimeBucketOf(t)
		if seen[b] {
			return 0, nil, pbserrors.New(pbserrors.CodeRepeatedTimebuckets,
				"reporting_times must address distinct time buckets")
		}
		seen[b] = true
		buckets[i] = b
	}
	return group, buckets, nil
}

// Load implements spec.md §4.3.1/§4.3.2: insert-or-lookup the group,
// return immediately if every requested bucket is cached, otherwise
// become the loader (or return retryable ENTRY_IS_LOADING if someone
// else already is) and fetch the day's row from NoSQL.
func (m *Manager) Load(ctx context.Context, reportingTimes []time.Time) (*asyncctx.Context[[]*Timeframe], *pbserrors.Error) {
	timeGroup, buckets, verr := validateReportingTimes(reportingTimes)
	if verr != nil {
		return nil, verr
	}

	group, loaded := m.groups.LoadOrStore(timeGroup, NewGroup(timeGroup))
	if !loaded {
		metrics.TimeframeGroupsLoaded.Inc()
	}

	if group.AllPresent(buckets) {
		return resolvedTimeframes(group, buckets), nil
	}

	if !group.TryBecomeLoader() {
		return nil, pbserrors.New(pbserrors.CodeEntryIsLoading, "timeframe group is already being loaded")
	}

	out := asyncctx.New[[]*Timeframe]()
	go m.runNoSQLLoad(ctx, group, buckets, out)
	return out, nil
}

func resolvedTimeframes(group *Group, buckets []int) *asyncctx.Context[[]*Timeframe] {
	out := asyncctx.New[[]*Timeframe]()
	tfs := make([]*Timeframe, len(buckets))
	for i, b := range buckets {
		tf, _ := group.Get(b)
		tfs[i] = tf
	}
	out.FinishSuccess(tfs)
	return out
}

func (m *Manager) runNoSQLLoad(ctx context.Context, group *Group, buckets []int, out *asyncctx.Context[[]*Timeframe]) {
	defer group.FinishLoading()

	day := int64(group.TimeGroup())
	var item *nosql.Item
	var perr *pbserrors.Error
	if err := retry.Do(ctx, "timeframe_nosql_get_item", retry.Policy{}, func() error {
		item, perr = m.nosqlProv.GetItem(ctx, nosql.GetItemRequest{
			TableName: m.tableName,
			Key:       m.budgetKeyName,
			DayIndex:  day,
		})
		if perr != nil {
			return perr
		}
		return nil
	}); err != nil {
		out.FinishError(perr)
		return
	}

	var items []journal.BudgetKeyTimeframeLog_1_0
	if item == nil {
		for b := 0; b < HoursPerDay; b++ {
			items = append(items, journal.BudgetKeyTimeframeLog_1_0{TimeBucket: b, TokenCount: KMaxToken})
		}
	} else {
		for b := 0; b < HoursPerDay; b++ {
			items = append(items, journal.BudgetKeyTimeframeLog_1_0{TimeBucket: b, TokenCount: item.TokenCount[b]})
		}

		body, err := journal.EncodeEnvelope(journal.BudgetKeyTimeframeManagerLog_1_0{
			TimeGroup:     group.TimeGroup(),
			OperationType: journal.OpInsertTimegroupIntoCache,
			Body:          mustMarshalGroupLog(items),
		})
		if err != nil {
			out.FinishError(pbserrors.Newf(pbserrors.CodeInvalidLog, "%v", err))
			return
		}
		if _, perr := m.journalSvc.Append(ctx, m.id, body); perr != nil {
			out.FinishError(perr)
			return
		}
	}

	for _, it := range items {
		group.Install(it.TimeBucket, NewTimeframeFromSnapshot(Snapshot{TimeBucket: it.TimeBucket, TokenCount: it.TokenCount}))
	}
	group.MarkLoaded(true)

	tfs := make([]*Timeframe, len(buckets))
	for i, b := range buckets {
		tf, _ := group.Get(b)
		tfs[i] = tf
	}
	out.FinishSuccess(tfs)
}

// Update implements spec.md §4.3.3: journal the proposed new state for
// each target timeframe (single or batch), and on log success apply it
// in memory.
func (m *Manager) Update(ctx context.Context, timeGroup uint64, entries []UpdateEntry) (*asyncctx.Context[struct{}], *pbserrors.Error) {
	if len(entries) == 0 {
		return nil, pbserrors.New(pbserrors.CodeEmptyRequest, "timeframes_to_update must be nonempty")
	}
	seen := make(map[int]bool, len(entries))
	for _, e := range entries {
		if seen[e.TimeBucket] {
			return nil, pbserrors.New(pbserrors.CodeRepeatedTimebuckets,
				"timeframes_to_update must address distinct time buckets")
		}
		seen[e.TimeBucket] = true
	}

	group, ok := m.groups.Get(timeGroup)
	if !ok {
		return nil, pbserrors.New(pbserrors.CodeEntryDoesNotExist, "timeframe group not loaded")
	}
	targets := make([]*Timeframe, len(entries))
	for i, e := range entries {
		tf, ok := group.Get(e.TimeBucket)
		if !ok {
			return nil, pbserrors.New(pbserrors.CodeEntryDoesNotExist, "timeframe bucket not present")
		}
		targets[i] = tf
	}

	items := make([]journal.BudgetKeyTimeframeLog_1_0, len(entries))
	for i, e := range entries {
		items[i] = journal.BudgetKeyTimeframeLog_1_0{
			TimeBucket:          e.TimeBucket,
			TokenCount:          e.TokenCount,
			ActiveTokenCount:    e.ActiveTokenCount,
			ActiveTransactionID: e.ActiveTransactionID,
		}
	}

	var opType journal.TimeframeManagerOperationType
	var innerBody []byte
	var err error
	if len(items) == 1 {
		opType = journal.OpUpdateTimeframeRecord
		innerBody, err = marshalJSON(items[0])
	} else {
		opType = journal.OpBatchUpdateTimeframeRecordsOfTimegroup
		innerBody, err = marshalJSON(journal.BatchBudgetKeyTimeframeLog_1_0{Items: items})
	}
	if err != nil {
		return nil, pbserrors.Newf(pbserrors.CodeInvalidLog, "%v", err)
	}

	body, err := journal.EncodeEnvelope(journal.BudgetKeyTimeframeManagerLog_1_0{
		TimeGroup:     timeGroup,
		OperationType: opType,
		Body:          innerBody,
	})
	if err != nil {
		return nil, pbserrors.Newf(pbserrors.CodeInvalidLog, "%v", err)
	}

	out := asyncctx.New[struct{}]()
	go func() {
		if _, perr := m.journalSvc.Append(ctx, m.id, body); perr != nil {
			out.FinishError(perr)
			return
		}
		for i, tf := range targets {
			tf.Apply(Snapshot{
				TimeBucket:          entries[i].TimeBucket,
				TokenCount:          entries[i].TokenCount,
				ActiveTokenCount:    entries[i].ActiveTokenCount,
				ActiveTransactionID: entries[i].ActiveTransactionID,
			})
		}
		out.FinishSuccess(struct{}{})
	}()
	return out, nil
}

// onBeforeGroupEvicted implements spec.md §4.3.4: refuse eviction while
// any timeframe is locked; otherwise upsert the committed row and emit
// REMOVE_TIMEGROUP_FROM_CACHE.
func (m *Manager) onBeforeGroupEvicted(_ uint64, group *Group) bool {
	if !group.CanUnload() {
		return true // veto: keep it
	}

	var counts [nosql.TokensPerDay]int64
	for i := range counts {
		counts[i] = KMaxToken
	}
	for _, s := range group.Snapshot() {
		if s.TimeBucket >= 0 && s.TimeBucket < nosql.TokensPerDay {
			counts[s.TimeBucket] = s.TokenCount
		}
	}

	ctx := context.Background()
	if err := retry.Do(ctx, "timeframe_nosql_upsert_item", retry.Policy{}, func() error {
		if perr := m.nosqlProv.UpsertItem(ctx, nosql.UpsertItemRequest{
			TableName: m.tableName,
			Item:      nosql.Item{Key: m.budgetKeyName, DayIndex: int64(group.TimeGroup()), TokenCount: counts},
		}); perr != nil {
			return perr
		}
		return nil
	}); err != nil {
		return true // veto: upsert failed/retry
	}

	body, err := journal.EncodeEnvelope(journal.BudgetKeyTimeframeManagerLog_1_0{
		TimeGroup:     group.TimeGroup(),
		OperationType: journal.OpRemoveTimegroupFromCache,
	})
	if err != nil {
		return true
	}
	if _, perr := m.journalSvc.Append(ctx, m.id, body); perr != nil {
		return true
	}
	metrics.TimeframeGroupsLoaded.Dec()
	return false // allow deletion
}

// Checkpoint implements spec.md §4.3.6: append one journal record per
// live group, deserialization-equivalent to what replay would consume
// to recreate it.
func (m *Manager) Checkpoint(ctx context.Context) *pbserrors.Error {
	for _, g := range m.liveGroups() {
		items := g.Snapshot()
		raw, err := marshalJSON(journal.BudgetKeyTimeframeGroupLog_1_0{Items: toLogItems(items)})
		if err != nil {
			return pbserrors.Newf(pbserrors.CodeInvalidLog, "%v", err)
		}
		body, err := journal.EncodeEnvelope(journal.BudgetKeyTimeframeManagerLog_1_0{
			TimeGroup:     g.TimeGroup(),
			OperationType: journal.OpInsertTimegroupIntoCache,
			Body:          raw,
		})
		if err != nil {
			return pbserrors.Newf(pbserrors.CodeInvalidLog, "%v", err)
		}
		if _, perr := m.journalSvc.Append(ctx, m.id, body); perr != nil {
			return perr
		}
	}
	return nil
}

// CanUnload implements spec.md §4.3.7: success iff every live group's
// timeframes are all unlocked.
func (m *Manager) CanUnload() bool {
	for _, g := range m.liveGroups() {
		if !g.CanUnload() {
			return false
		}
	}
	return true
}

func (m *Manager) liveGroups() []*Group {
	return m.groups.Values()
}

func toLogItems(s []Snapshot) []journal.BudgetKeyTimeframeLog_1_0 {
	out := make([]journal.BudgetKeyTimeframeLog_1_0, len(s))
	for i, v := range s {
		out[i] = journal.BudgetKeyTimeframeLog_1_0{
			TimeBucket:          v.TimeBucket,
			TokenCount:          v.TokenCount,
			ActiveTokenCount:    v.ActiveTokenCount,
			ActiveTransactionID: v.ActiveTransactionID,
		}
	}
	return out
}

func mustMarshalGroupLog(items []journal.BudgetKeyTimeframeLog_1_0) []byte {
	raw, err := marshalJSON(journal.BudgetKeyTimeframeGroupLog_1_0{Items: items})
	if err != nil {
		// items is always a freshly built, directly-marshalable slice;
		// a failure here indicates a programming error, not a runtime
		// fault a caller could react to.
		panic(err)
	}
	return raw
}

func marshalJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
