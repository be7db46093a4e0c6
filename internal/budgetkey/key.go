// Package budgetkey implements the Budget Key façade and the Budget Key
// Provider cache described in spec.md §4.1/§4.2: a thin per-name wrapper
// around a Timeframe Manager plus the batch/single transaction-protocol
// objects bound to it, held in an auto-expiring, journal-backed cache
// keyed by budget key name.
package budgetkey

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/privacybudget/pbs-core/internal/journal"
	"github.com/privacybudget/pbs-core/internal/nosql"
	"github.com/privacybudget/pbs-core/internal/pbserrors"
	"github.com/privacybudget/pbs-core/internal/timeframe"
	"github.com/privacybudget/pbs-core/internal/txn"
)

// Key is the façade spec.md §4.2 names "Budget Key": it owns exactly one
// Timeframe Manager and the transaction-protocol object bound to it. Its
// id is the journal component id under which its own BudgetKeyLog_1_0
// records are appended — the same id the Budget Key Provider minted for
// this name's cache entry (spec.md §4.1's LOAD_INTO_CACHE{id, name}).
type Key struct {
	id        uuid.UUID
	name      string
	journal   journal.Service
	nosql     nosql.Provider
	tableName string

	mu       sync.Mutex
	manager  *timeframe.Manager
	protocol *txn.Protocol
}

// newUnloaded returns a Key with no Timeframe Manager yet constructed.
// Callers must call LoadBudgetKey (fresh) or subscribeForReplay
// (recovery) before Manager()/Protocol() are usable.
func newUnloaded(id uuid.UUID, name string, js journal.Service, np nosql.Provider, tableName string) *Key {
	return &Key{id: id, name: name, journal: js, nosql: np, tableName: tableName}
}

// subscribeForReplay registers the Key under its own journal component
// id. On journal backends that replay history synchronously on
// Subscribe (see journal.BoltService), this is what cascades recovery
// down into the bound Timeframe Manager: this call's own replayed
// BudgetKeyLog_1_0 record installs the manager, whose constructor in
// turn subscribes itself and cascades one level further.
func (k *Key) subscribeForReplay() {
	k.journal.Subscribe(k.id, journal.SubscriberFunc(k.onLogRecord))
}

// onLogRecord implements spec.md §4.2 "On journal replay": deserialize
// BudgetKeyLog, validate its version, then install the Timeframe
// Manager named by it. A repeat record naming the manager already
// installed is idempotent; a record naming a different manager id is a
// conflict, since a Budget Key is bound to exactly one Timeframe
// Manager for its lifetime.
func (k *Key) onLogRecord(_ context.Context, rec journal.Record) *pbserrors.Error {
	body, verr := journal.DecodeEnvelope(rec.Body)
	if verr != nil {
		return verr
	}
	var inner journal.BudgetKeyLog_1_0
	if err := json.Unmarshal(body, &inner); err != nil {
		return pbserrors.Newf(pbserrors.CodeProtoDeserializationFailed, "%v", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.manager != nil {
		if k.manager.ID() != inner.TimeframeManagerID {
			return pbserrors.Newf(pbserrors.CodeConflict,
				"budget key %q already bound to a different timeframe manager", k.name)
		}
		return nil
	}
	k.manager = timeframe.NewManager(inner.TimeframeManagerID, k.name, k.tableName, k.journal, k.nosql)
	k.protocol = txn.New(k.manager)
	return nil
}

// LoadBudgetKey implements spec.md §4.2: emit a BudgetKeyLog_1_0 record
// naming a freshly-minted Timeframe Manager id, then construct the
// manager and register it with the journal. On retryable log failure the
// error propagates as retry; on hard failure no manager is constructed.
func (k *Key) LoadBudgetKey(ctx context.Context) *pbserrors.Error {
	managerID := uuid.New()
	body, err := journal.EncodeEnvelope(journal.BudgetKeyLog_1_0{TimeframeManagerID: managerID})
	if err != nil {
		return pbserrors.Newf(pbserrors.CodeProtoDeserializationFailed, "%v", err)
	}

	k.subscribeForReplay()
	if _, perr := k.journal.Append(ctx, k.id, body); perr != nil {
		return perr
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.manager == nil {
		k.manager = timeframe.NewManager(managerID, k.name, k.tableName, k.journal, k.nosql)
		k.protocol = txn.New(k.manager)
	}
	return nil
}

// Manager returns the bound Timeframe Manager. Nil until loaded.
func (k *Key) Manager() *timeframe.Manager {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.manager
}

// Protocol returns the bound transaction-protocol object. Nil until
// loaded.
func (k *Key) Protocol() *txn.Protocol {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.protocol
}

// Name returns the budget key's name.
func (k *Key) Name() string { return k.name }

// GetBudget implements spec.md §4.2: delegate to the Timeframe Manager
// with a single reporting time and translate the result into a token
// count.
func (k *Key) GetBudget(ctx context.Context, reportingTime time.Time) (int64, *pbserrors.Error) {
	manager := k.Manager()
	loadCtx, perr := manager.Load(ctx, []time.Time{reportingTime})
	if perr != nil {
		return 0, perr
	}
	res := loadCtx.Wait()
	if !res.Succeeded() {
		return 0, res.Err
	}
	return res.Value[0].Snapshot().TokenCount, nil
}

// Checkpoint implements spec.md §4.2: append a synthesized
// BudgetKeyLog_1_0 describing the current manager id, then delegate to
// the Timeframe Manager's own Checkpoint.
func (k *Key) Checkpoint(ctx context.Context) *pbserrors.Error {
	manager := k.Manager()
	body, err := journal.EncodeEnvelope(journal.BudgetKeyLog_1_0{TimeframeManagerID: manager.ID()})
	if err != nil {
		return pbserrors.Newf(pbserrors.CodeProtoDeserializationFailed, "%v", err)
	}
	if _, perr := k.journal.Append(ctx, k.id, body); perr != nil {
		return perr
	}
	return manager.Checkpoint(ctx)
}

// CanUnload implements spec.md §4.2: a key may unload only when every
// timeframe group its manager holds may unload.
func (k *Key) CanUnload() bool {
	return k.Manager().CanUnload()
}

// Stop releases the key's Timeframe Manager background resources,
// propagating any failure the manager's final checkpoint flush hit.
func (k *Key) Stop(ctx context.Context) error {
	if manager := k.Manager(); manager != nil {
		return manager.Stop(ctx)
	}
	return nil
}
