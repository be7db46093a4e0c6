package journal

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/privacybudget/pbs-core/internal/metrics"
	"github.com/privacybudget/pbs-core/internal/pbserrors"
)

// MemoryService is an in-process Service backed by a plain slice per
// component id. It is used by package tests that want journal replay
// semantics without a bbolt file on disk.
type MemoryService struct {
	mu          sync.Mutex
	nextLogID   uint64
	records     map[uuid.UUID][]Record
	subscribers map[uuid.UUID][]Subscriber
}

// NewMemoryService returns an empty MemoryService.
func NewMemoryService() *MemoryService {
	return &MemoryService{
		records:     make(map[uuid.UUID][]Record),
		subscribers: make(map[uuid.UUID][]Subscriber),
	}
}

func (m *MemoryService) Append(ctx context.Context, componentID uuid.UUID, body []byte) (uint64, *pbserrors.Error) {
	start := time.Now()
	m.mu.Lock()
	m.nextLogID++
	id := m.nextLogID
	rec := Record{ComponentID: componentID, LogID: id, Body: append([]byte(nil), body...)}
	m.records[componentID] = append(m.records[componentID], rec)
	subs := append([]Subscriber(nil), m.subscribers[componentID]...)
	m.mu.Unlock()

	for _, s := range subs {
		if err := s.OnLogRecord(ctx, rec); err != nil {
			metrics.RecordJournalAppend("error", time.Since(start).Seconds())
			return id, err
		}
	}
	metrics.RecordJournalAppend("ok", time.Since(start).Seconds())
	return id, nil
}

func (m *MemoryService) Subscribe(componentID uuid.UUID, sub Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers[componentID] = append(m.subscribers[componentID], sub)
}

func (m *MemoryService) Recover(ctx context.Context) (uint64, *pbserrors.Error) {
	start := time.Now()
	m.mu.Lock()
	componentIDs := make([]uuid.UUID, 0, len(m.records))
	for id := range m.records {
		componentIDs = append(componentIDs, id)
	}
	sort.Slice(componentIDs, func(i, j int) bool {
		return componentIDs[i].String() < componentIDs[j].String()
	})

	var allRecs []Record
	for _, id := range componentIDs {
		subs := m.subscribers[id]
		if len(subs) == 0 {
			continue
		}
		allRecs = append(allRecs, m.records[id]...)
	}
	subscribers := m.subscribers
	m.mu.Unlock()

	if len(allRecs) == 0 {
		return 0, pbserrors.New(pbserrors.CodeNoLogsToProcess, "journal is empty")
	}

	sort.Slice(allRecs, func(i, j int) bool { return allRecs[i].LogID < allRecs[j].LogID })

	var last uint64
	for _, rec := range allRecs {
		for _, s := range subscribers[rec.ComponentID] {
			if err := s.OnLogRecord(ctx, rec); err != nil {
				metrics.JournalRecoverDuration.Observe(time.Since(start).Seconds())
				return last, err
			}
		}
		last = rec.LogID
	}
	metrics.JournalRecordsRecovered.Add(float64(len(allRecs)))
	metrics.JournalRecoverDuration.Observe(time.Since(start).Seconds())
	return last, nil
}

func (m *MemoryService) Close() error { return nil }
