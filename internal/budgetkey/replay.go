package budgetkey

import (
	"context"
	"encoding/json"

	"github.com/privacybudget/pbs-core/internal/journal"
	"github.com/privacybudget/pbs-core/internal/pbserrors"
)

// onLogRecord implements spec.md §4.1's two log-replay rules for
// BudgetKeyProviderLog_1_0 records: LOAD_INTO_CACHE inserts (or
// idempotently confirms) a pair, DELETE_FROM_CACHE removes one.
//
// On journal.BoltService, Subscribe replays a component's history
// synchronously, so this handler — installed by NewProvider's own
// Subscribe call — is what drives the entire budget-key hierarchy's
// recovery: each LOAD_INTO_CACHE record it processes here subscribes
// the matching Key, which (by the same mechanism) installs its
// Timeframe Manager and cascades one level further.
func (p *Provider) onLogRecord(_ context.Context, rec journal.Record) *pbserrors.Error {
	body, verr := journal.DecodeEnvelope(rec.Body)
	if verr != nil {
		return verr
	}
	var outer journal.BudgetKeyProviderLog_1_0
	if err := json.Unmarshal(body, &outer); err != nil {
		return pbserrors.Newf(pbserrors.CodeProtoDeserializationFailed, "%v", err)
	}

	switch outer.OperationType {
	case journal.OpLoadIntoCache:
		return p.replayLoadIntoCache(outer)
	case journal.OpDeleteFromCache:
		p.pairs.Delete(outer.BudgetKeyName)
		return nil
	default:
		return pbserrors.Newf(pbserrors.CodeInvalidLog, "unknown provider operation type %d", outer.OperationType)
	}
}

func (p *Provider) replayLoadIntoCache(outer journal.BudgetKeyProviderLog_1_0) *pbserrors.Error {
	if existing, ok := p.pairs.Get(outer.BudgetKeyName); ok {
		existing.mu.Lock()
		sameID := existing.key != nil && existing.key.id == outer.ID
		existing.mu.Unlock()
		if sameID {
			return nil
		}
		return pbserrors.Newf(pbserrors.CodeConflict,
			"budget key %q already cached under a different id", outer.BudgetKeyName)
	}

	k := newUnloaded(outer.ID, outer.BudgetKeyName, p.journal, p.nosql, p.tableName)
	k.subscribeForReplay()

	loaded := k.Manager() != nil
	pr := &pair{key: k, isLoaded: loaded, needsLoader: !loaded}
	p.pairs.Store(outer.BudgetKeyName, pr)
	return nil
}
