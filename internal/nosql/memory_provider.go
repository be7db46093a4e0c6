package nosql

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/privacybudget/pbs-core/internal/metrics"
	"github.com/privacybudget/pbs-core/internal/pbserrors"
)

// MemoryProvider is an in-process Provider backed by
// github.com/patrickmn/go-cache, used in tests and when the configured
// NoSQL backend is "memory" (the default). Rows never expire here — go-cache's TTL
// machinery is used purely as a concurrency-safe map, with
// cache.NoExpiration on every entry, since this Provider models a
// durable row store, not a cache.
type MemoryProvider struct {
	c *gocache.Cache
}

// NewMemoryProvider returns an empty MemoryProvider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{c: gocache.New(gocache.NoExpiration, gocache.NoExpiration)}
}

func rowKey(key string, day int64) string {
	return key + "#" + dayIndexString(day)
}

func (p *MemoryProvider) GetItem(_ context.Context, req GetItemRequest) (*Item, *pbserrors.Error) {
	start := time.Now()
	v, ok := p.c.Get(rowKey(req.Key, req.DayIndex))
	if !ok {
		metrics.RecordNoSQLRequest("get_item", "not_found", time.Since(start).Seconds())
		return nil, nil
	}
	item, ok := v.(Item)
	if !ok {
		metrics.RecordNoSQLRequest("get_item", "error", time.Since(start).Seconds())
		return nil, pbserrors.New(pbserrors.CodeCorruptedKeyMetadata, "memory provider row has unexpected type")
	}
	out := item
	metrics.RecordNoSQLRequest("get_item", "ok", time.Since(start).Seconds())
	return &out, nil
}

func (p *MemoryProvider) UpsertItem(_ context.Context, req UpsertItemRequest) *pbserrors.Error {
	start := time.Now()
	p.c.Set(rowKey(req.Item.Key, req.Item.DayIndex), req.Item, gocache.NoExpiration)
	metrics.RecordNoSQLRequest("upsert_item", "ok", time.Since(start).Seconds())
	return nil
}
