package budgetkey

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/privacybudget/pbs-core/internal/expiringmap"
	"github.com/privacybudget/pbs-core/internal/journal"
	"github.com/privacybudget/pbs-core/internal/metrics"
	"github.com/privacybudget/pbs-core/internal/nosql"
	"github.com/privacybudget/pbs-core/internal/pbserrors"
)

// DefaultPairTTL/DefaultSweepInterval mirror internal/timeframe's group
// cache lifetimes; a Budget Key is a coarser-grained object so it is
// allowed to sit idle longer before the provider considers evicting it.
const (
	DefaultPairTTL       = 10 * time.Minute
	DefaultSweepInterval = 30 * time.Second
)

// pair is the cached BudgetKeyProviderPair{budget_key, is_loaded,
// needs_loader} spec.md §4.1 names.
type pair struct {
	mu          sync.Mutex
	key         *Key
	isLoaded    bool
	loaderBusy  bool
	needsLoader bool
}

// Provider implements spec.md §4.1, the Budget Key Provider: a
// write-through, journal-backed cache mapping budget key name to Key.
type Provider struct {
	id        uuid.UUID
	journal   journal.Service
	nosql     nosql.Provider
	tableName string

	pairs *expiringmap.Map[string, *pair]
}

// NewProvider constructs a Provider identified by id (its own journal
// component id for BudgetKeyProviderLog records) and subscribes it to
// that id for replay.
func NewProvider(id uuid.UUID, js journal.Service, np nosql.Provider, tableName string) *Provider {
	p := &Provider{id: id, journal: js, nosql: np, tableName: tableName}
	p.pairs = expiringmap.New[string, *pair](DefaultPairTTL, DefaultSweepInterval, p.onBeforeGC)
	js.Subscribe(id, journal.SubscriberFunc(p.onLogRecord))
	return p
}

// ID returns the provider's own journal component id.
func (p *Provider) ID() uuid.UUID { return p.id }

// GetBudgetKey implements spec.md §4.1's GetBudgetKey(name) state
// machine.
func (p *Provider) GetBudgetKey(ctx context.Context, name string) (*Key, *pbserrors.Error) {
	if p.pairs.IsBeingDeleted(name) {
		return nil, pbserrors.New(pbserrors.CodeEntryBeingDeleted, "budget key is being deleted")
	}

	candidate := &pair{}
	actual, existed := p.pairs.LoadOrStore(name, candidate)
	if !existed {
		metrics.BudgetKeyCacheMisses.Inc()
		return p.insertAndLoad(ctx, name, actual)
	}
	metrics.BudgetKeyCacheHits.Inc()
	return p.resumeExisting(ctx, actual)
}

// insertAndLoad implements step 1: log LOAD_INTO_CACHE, then trigger an
// asynchronous LoadBudgetKey. The caller is handed the (not-yet-loaded)
// Key immediately on log success.
func (p *Provider) insertAndLoad(ctx context.Context, name string, pr *pair) (*Key, *pbserrors.Error) {
	id := uuid.New()
	k := newUnloaded(id, name, p.journal, p.nosql, p.tableName)

	body, err := journal.EncodeEnvelope(journal.BudgetKeyProviderLog_1_0{
		ID:            id,
		BudgetKeyName: name,
		OperationType: journal.OpLoadIntoCache,
	})
	if err != nil {
		p.pairs.Delete(name)
		return nil, pbserrors.Newf(pbserrors.CodeProtoDeserializationFailed, "%v", err)
	}
	if _, perr := p.journal.Append(ctx, p.id, body); perr != nil {
		p.pairs.Delete(name)
		return nil, perr
	}

	pr.mu.Lock()
	pr.key = k
	pr.loaderBusy = true
	pr.mu.Unlock()

	go p.runLoader(pr, k)

	metrics.BudgetKeysLoaded.Inc()
	return k, nil
}

// resumeExisting implements steps 2-4 of GetBudgetKey for an
// already-cached pair.
func (p *Provider) resumeExisting(ctx context.Context, pr *pair) (*Key, *pbserrors.Error) {
	pr.mu.Lock()
	if pr.isLoaded {
		k := pr.key
		pr.mu.Unlock()
		return k, nil
	}
	if pr.loaderBusy {
		pr.mu.Unlock()
		return nil, pbserrors.New(pbserrors.CodeEntryIsLoading, "budget key is loading")
	}
	pr.needsLoader = false
	pr.loaderBusy = true
	k := pr.key
	pr.mu.Unlock()

	go p.runLoader(pr, k)
	return k, nil
}

func (p *Provider) runLoader(pr *pair, k *Key) {
	perr := k.LoadBudgetKey(context.Background())
	pr.mu.Lock()
	pr.loaderBusy = false
	if perr == nil {
		pr.isLoaded = true
	} else {
		pr.isLoaded = false
		pr.needsLoader = true
	}
	pr.mu.Unlock()
}

// Keys returns every currently-loaded Key in the cache, for callers
// (the checkpoint cycle) that need to walk the whole provider.
func (p *Provider) Keys() []*Key {
	var out []*Key
	for _, pr := range p.pairs.Values() {
		pr.mu.Lock()
		if pr.isLoaded && pr.key != nil {
			out = append(out, pr.key)
		}
		pr.mu.Unlock()
	}
	return out
}

// Run implements spec.md §4.1's startup sweep: schedule a background
// LoadBudgetKey for every cached pair that replay left unloaded.
func (p *Provider) Run() {
	for _, pr := range p.pairs.Values() {
		pr.mu.Lock()
		needsLoad := !pr.isLoaded && !pr.loaderBusy
		if needsLoad {
			pr.loaderBusy = true
		}
		k := pr.key
		pr.mu.Unlock()
		if needsLoad {
			go p.runLoader(pr, k)
		}
	}
}

// Stop halts the pair sweep and stops every referenced Budget Key's
// Timeframe Manager, aggregating every Key.Stop failure via multierr so
// the caller sees every manager that failed to flush its final
// checkpoint, not just the first.
func (p *Provider) Stop(ctx context.Context) error {
	p.pairs.Stop()
	var errs error
	for _, pr := range p.pairs.Values() {
		pr.mu.Lock()
		k := pr.key
		pr.mu.Unlock()
		if k != nil {
			errs = multierr.Append(errs, k.Stop(ctx))
		}
	}
	return errs
}

// onBeforeGC implements spec.md §4.1's on-before-garbage-collection
// callback. Returning true vetoes eviction (matching
// internal/expiringmap's convention); the cache entry is kept alive.
func (p *Provider) onBeforeGC(name string, pr *pair) bool {
	pr.mu.Lock()
	k := pr.key
	loaded := pr.isLoaded
	pr.mu.Unlock()

	if !loaded || k == nil {
		return true // still loading: never evict mid-load
	}
	if !k.CanUnload() {
		return true
	}

	body, err := journal.EncodeEnvelope(journal.BudgetKeyProviderLog_1_0{
		ID:            k.id,
		BudgetKeyName: name,
		OperationType: journal.OpDeleteFromCache,
	})
	if err != nil {
		return true
	}
	if _, perr := p.journal.Append(context.Background(), p.id, body); perr != nil {
		pr.mu.Lock()
		pr.isLoaded = false
		pr.needsLoader = true
		pr.mu.Unlock()
		return true
	}

	if err := k.Stop(context.Background()); err != nil {
		// The DELETE_FROM_CACHE record is already durably appended, so
		// this eviction is committed regardless; a failed final
		// checkpoint flush is logged rather than vetoing it.
		zap.L().Warn("budget key stop failed during eviction", zap.String("budget_key", name), zap.Error(err))
	}
	metrics.BudgetKeyCacheEvictions.Inc()
	metrics.BudgetKeysLoaded.Dec()
	return false
}
