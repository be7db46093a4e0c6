package timeframe

import (
	"context"
	"encoding/json"

	"github.com/privacybudget/pbs-core/internal/journal"
	"github.com/privacybudget/pbs-core/internal/pbserrors"
)

// onLogRecord implements spec.md §4.3.5's journal replay semantics for
// BudgetKeyTimeframeManagerLog records.
func (m *Manager) onLogRecord(_ context.Context, rec journal.Record) *pbserrors.Error {
	body, verr := journal.DecodeEnvelope(rec.Body)
	if verr != nil {
		return verr
	}
	var outer journal.BudgetKeyTimeframeManagerLog_1_0
	if err := json.Unmarshal(body, &outer); err != nil {
		return pbserrors.Newf(pbserrors.CodeProtoDeserializationFailed, "%v", err)
	}

	switch outer.OperationType {
	case journal.OpInsertTimegroupIntoCache:
		return m.replayInsert(outer)
	case journal.OpRemoveTimegroupFromCache:
		m.groups.Delete(outer.TimeGroup)
		return nil
	case journal.OpUpdateTimeframeRecord:
		return m.replayUpdate(outer)
	case journal.OpBatchUpdateTimeframeRecordsOfTimegroup:
		return m.replayBatchUpdate(outer)
	default:
		return pbserrors.Newf(pbserrors.CodeInvalidLog, "unknown timeframe manager operation type %d", outer.OperationType)
	}
}

func (m *Manager) replayInsert(outer journal.BudgetKeyTimeframeManagerLog_1_0) *pbserrors.Error {
	if len(outer.Body) == 0 {
		return pbserrors.New(pbserrors.CodeCorruptedKeyMetadata, "INSERT_TIMEGROUP_INTO_CACHE with empty body")
	}
	var inner journal.BudgetKeyTimeframeGroupLog_1_0
	if err := json.Unmarshal(outer.Body, &inner); err != nil {
		return pbserrors.Newf(pbserrors.CodeProtoDeserializationFailed, "%v", err)
	}
	group, _ := m.groups.LoadOrStore(outer.TimeGroup, NewGroup(outer.TimeGroup))
	for _, it := range inner.Items {
		group.Install(it.TimeBucket, NewTimeframeFromSnapshot(Snapshot{
			TimeBucket:          it.TimeBucket,
			TokenCount:          it.TokenCount,
			ActiveTokenCount:    it.ActiveTokenCount,
			ActiveTransactionID: it.ActiveTransactionID,
		}))
	}
	group.MarkLoaded(true)
	return nil
}

func (m *Manager) replayUpdate(outer journal.BudgetKeyTimeframeManagerLog_1_0) *pbserrors.Error {
	group, ok := m.groups.Get(outer.TimeGroup)
	if !ok {
		return pbserrors.New(pbserrors.CodeEntryDoesNotExist, "UPDATE_TIMEFRAME_RECORD for unknown time group")
	}
	var item journal.BudgetKeyTimeframeLog_1_0
	if err := json.Unmarshal(outer.Body, &item); err != nil {
		return pbserrors.Newf(pbserrors.CodeProtoDeserializationFailed, "%v", err)
	}
	group.GetOrCreate(item.TimeBucket).Apply(Snapshot{
		TimeBucket:          item.TimeBucket,
		TokenCount:          item.TokenCount,
		ActiveTokenCount:    item.ActiveTokenCount,
		ActiveTransactionID: item.ActiveTransactionID,
	})
	return nil
}

func (m *Manager) replayBatchUpdate(outer journal.BudgetKeyTimeframeManagerLog_1_0) *pbserrors.Error {
	group, ok := m.groups.Get(outer.TimeGroup)
	if !ok {
		return pbserrors.New(pbserrors.CodeEntryDoesNotExist, "BATCH_UPDATE_TIMEFRAME_RECORDS_OF_TIMEGROUP for unknown time group")
	}
	var batch journal.BatchBudgetKeyTimeframeLog_1_0
	if err := json.Unmarshal(outer.Body, &batch); err != nil {
		return pbserrors.Newf(pbserrors.CodeProtoDeserializationFailed, "%v", err)
	}
	for _, item := range batch.Items {
		group.GetOrCreate(item.TimeBucket).Apply(Snapshot{
			TimeBucket:          item.TimeBucket,
			TokenCount:          item.TokenCount,
			ActiveTokenCount:    item.ActiveTokenCount,
			ActiveTransactionID: item.ActiveTransactionID,
		})
	}
	return nil
}
