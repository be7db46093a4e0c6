// Package expiringmap implements the auto-expiring concurrent cache
// spec.md §3/§4 requires of both the Budget Key Provider and the
// Budget Key Timeframe Manager: entries extend their lifetime on every
// access, and a background sweep offers each expired entry's owner a
// veto (OnBeforeGarbageCollection) before actually evicting it — the
// owner is expected to say no when the entry is mid-transaction.
//
// The design is adapted from the teacher's session.Manager local cache
// (internal/session/manager.go): a map of entries plus a periodic
// sweep goroutine that walks expired keys. patrickmn/go-cache was
// considered (it already backs internal/nosql's in-memory provider)
// but its OnEvicted callback cannot veto eviction or block a concurrent
// reader while a decision is pending, both of which this package's
// callers require, so this type is hand-rolled instead.
package expiringmap

import (
	"sync"
	"time"
)

// OnBeforeGarbageCollection decides whether an expired entry may
// actually be evicted. Returning true vetoes the eviction (the entry's
// lifetime is extended instead); returning false allows it.
type OnBeforeGarbageCollection[K comparable, V any] func(key K, value V) (veto bool)

type entry[V any] struct {
	mu           sync.Mutex
	cond         *sync.Cond
	value        V
	expiresAt    time.Time
	beingDeleted bool
	deleted      bool
}

// Map is a generic auto-expiring concurrent cache. Zero value is not
// usable; construct with New.
type Map[K comparable, V any] struct {
	mu    sync.Mutex
	items map[K]*entry[V]

	ttl        time.Duration
	sweepEvery time.Duration
	onBeforeGC OnBeforeGarbageCollection[K, V]

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New starts a Map whose entries expire ttl after their last access,
// swept every sweepEvery. onBeforeGC may be nil, in which case expired
// entries are always evicted.
func New[K comparable, V any](ttl, sweepEvery time.Duration, onBeforeGC OnBeforeGarbageCollection[K, V]) *Map[K, V] {
	if onBeforeGC == nil {
		onBeforeGC = func(K, V) bool { return false }
	}
	m := &Map[K, V]{
		items:      make(map[K]*entry[V]),
		ttl:        ttl,
		sweepEvery: sweepEvery,
		onBeforeGC: onBeforeGC,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Stop halts the background sweep goroutine. Safe to call more than
// once.
func (m *Map[K, V]) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

func (m *Map[K, V]) sweepLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepOnce(time.Now())
		}
	}
}

func (m *Map[K, V]) sweepOnce(now time.Time) {
	m.mu.Lock()
	keys := make([]K, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	for _, k := range keys {
		m.mu.Lock()
		e, ok := m.items[k]
		m.mu.Unlock()
		if !ok {
			continue
		}

		e.mu.Lock()
		if e.deleted || e.beingDeleted || now.Before(e.expiresAt) {
			e.mu.Unlock()
			continue
		}
		e.beingDeleted = true
		value := e.value
		e.mu.Unlock()

		veto := m.onBeforeGC(k, value)

		e.mu.Lock()
		if veto {
			e.beingDeleted = false
			e.expiresAt = now.Add(m.ttl)
			e.cond.Broadcast()
			e.mu.Unlock()
			continue
		}
		e.deleted = true
		e.beingDeleted = false
		e.cond.Broadcast()
		e.mu.Unlock()

		m.mu.Lock()
		if cur, ok := m.items[k]; ok && cur == e {
			delete(m.items, k)
		}
		m.mu.Unlock()
	}
}

// Get returns the value for key, extending its lifetime by ttl. It
// blocks while the entry is mid-eviction-decision (ENTRY_BEING_DELETED
// in caller terms) and reports false if the entry does not exist or
// was just deleted.
func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.Lock()
	e, ok := m.items[key]
	m.mu.Unlock()
	var zero V
	if !ok {
		return zero, false
	}

	e.mu.Lock()
	for e.beingDeleted && !e.deleted {
		e.cond.Wait()
	}
	if e.deleted {
		e.mu.Unlock()
		return zero, false
	}
	e.expiresAt = time.Now().Add(m.ttl)
	v := e.value
	e.mu.Unlock()
	return v, true
}

// IsBeingDeleted reports whether key is currently mid-eviction-decision,
// without blocking or extending its lifetime.
func (m *Map[K, V]) IsBeingDeleted(key K) bool {
	m.mu.Lock()
	e, ok := m.items[key]
	m.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.beingDeleted && !e.deleted
}

// LoadOrStore returns the existing value for key if present (extending
// its lifetime), otherwise stores value and returns it.
func (m *Map[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	now := time.Now()
	m.mu.Lock()
	if e, ok := m.items[key]; ok {
		m.mu.Unlock()
		e.mu.Lock()
		for e.beingDeleted && !e.deleted {
			e.cond.Wait()
		}
		if !e.deleted {
			e.expiresAt = now.Add(m.ttl)
			v := e.value
			e.mu.Unlock()
			return v, true
		}
		e.mu.Unlock()
		// fall through: the entry we saw was deleted between the map
		// lookup and now; insert fresh below.
		m.mu.Lock()
	}
	e := &entry[V]{value: value, expiresAt: now.Add(m.ttl)}
	e.cond = sync.NewCond(&e.mu)
	m.items[key] = e
	m.mu.Unlock()
	return value, false
}

// Store unconditionally sets key's value, extending its lifetime.
// Equivalent to the spec's "insert or replace" cache-write path.
func (m *Map[K, V]) Store(key K, value V) {
	now := time.Now()
	m.mu.Lock()
	e, ok := m.items[key]
	if !ok {
		e = &entry[V]{expiresAt: now.Add(m.ttl)}
		e.cond = sync.NewCond(&e.mu)
		m.items[key] = e
	}
	m.mu.Unlock()

	e.mu.Lock()
	e.value = value
	e.deleted = false
	e.expiresAt = now.Add(m.ttl)
	e.mu.Unlock()
}

// Delete forcibly removes key regardless of OnBeforeGarbageCollection,
// unblocking any Get waiting on it. Used for explicit
// delete-from-cache operations, which are never vetoed.
func (m *Map[K, V]) Delete(key K) {
	m.mu.Lock()
	e, ok := m.items[key]
	if ok {
		delete(m.items, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.deleted = true
	e.cond.Broadcast()
	e.mu.Unlock()
}

// Len returns the current entry count, including entries mid-eviction.
func (m *Map[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Values returns every live (not-yet-deleted) value currently cached.
// Used by callers that need to walk the whole cache (e.g. a checkpoint
// sweep), where a transient race against a concurrent eviction is
// acceptable since eviction itself is driven by the same invariants
// the caller is inspecting.
func (m *Map[K, V]) Values() []V {
	m.mu.Lock()
	entries := make([]*entry[V], 0, len(m.items))
	for _, e := range m.items {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	out := make([]V, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted {
			out = append(out, e.value)
		}
		e.mu.Unlock()
	}
	return out
}
