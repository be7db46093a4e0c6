package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/privacybudget/pbs-core/internal/metrics"
	"github.com/privacybudget/pbs-core/internal/pbserrors"
)

// bucketLog is the single bbolt bucket backing the durable write-ahead
// log: keys are 8-byte big-endian global log ids assigned by the
// bucket's own NextSequence, values are JSON-encoded storedRecord. This
// mirrors the bucket-per-concern, sortable-key approach used elsewhere
// in the pack's bbolt storage layers, simplified to a single bucket
// since every record here shares one schema.
var bucketLog = []byte("log")

// storedRecord is the on-disk shape of a Record; ComponentID travels
// alongside Body so a single bucket can serve every component.
type storedRecord struct {
	ComponentID uuid.UUID `json:"component_id"`
	Body        []byte    `json:"body"`
}

// BoltService is the durable Service implementation backed by
// go.etcd.io/bbolt. One process owns the underlying *bolt.DB file;
// Append blocks until fsynced.
type BoltService struct {
	db *bolt.DB

	mu          sync.Mutex
	subscribers map[uuid.UUID][]Subscriber
}

// OpenBoltService opens (creating if absent) a bbolt-backed journal at
// path.
func OpenBoltService(path string) (*BoltService, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketLog)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &BoltService{db: db, subscribers: make(map[uuid.UUID][]Subscriber)}, nil
}

func logKey(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)
	return k
}

func logID(key []byte) uint64 {
	return binary.BigEndian.Uint64(key)
}

func (s *BoltService) Append(ctx context.Context, componentID uuid.UUID, body []byte) (uint64, *pbserrors.Error) {
	start := time.Now()
	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLog)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = seq
		val, err := json.Marshal(storedRecord{ComponentID: componentID, Body: body})
		if err != nil {
			return err
		}
		return b.Put(logKey(seq), val)
	})
	if err != nil {
		metrics.RecordJournalAppend("error", time.Since(start).Seconds())
		return 0, pbserrors.Newf(pbserrors.CodeInvalidLog, "journal append failed: %v", err)
	}
	metrics.RecordJournalAppend("ok", time.Since(start).Seconds())

	s.mu.Lock()
	subs := append([]Subscriber(nil), s.subscribers[componentID]...)
	s.mu.Unlock()

	rec := Record{ComponentID: componentID, LogID: id, Body: body}
	for _, sub := range subs {
		if perr := sub.OnLogRecord(ctx, rec); perr != nil {
			return id, perr
		}
	}
	return id, nil
}

// Subscribe registers sub and immediately replays every record already
// durable for componentID, in ascending LogID order, so a late
// subscriber observes the same history an early one would have seen
// live.
func (s *BoltService) Subscribe(componentID uuid.UUID, sub Subscriber) {
	s.mu.Lock()
	s.subscribers[componentID] = append(s.subscribers[componentID], sub)
	s.mu.Unlock()

	existing, err := s.recordsFor(componentID)
	if err != nil {
		return
	}
	for _, rec := range existing {
		_ = sub.OnLogRecord(context.Background(), rec)
	}
}

func (s *BoltService) recordsFor(componentID uuid.UUID) ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLog)
		return b.ForEach(func(k, v []byte) error {
			var sr storedRecord
			if err := json.Unmarshal(v, &sr); err != nil {
				return err
			}
			if sr.ComponentID != componentID {
				return nil
			}
			out = append(out, Record{ComponentID: sr.ComponentID, LogID: logID(k), Body: sr.Body})
			return nil
		})
	})
	return out, err
}

// Recover replays every durable record, across all component ids with a
// registered subscriber, in global LogID order.
func (s *BoltService) Recover(ctx context.Context) (uint64, *pbserrors.Error) {
	start := time.Now()
	s.mu.Lock()
	hasSub := make(map[uuid.UUID]bool, len(s.subscribers))
	for id := range s.subscribers {
		hasSub[id] = true
	}
	s.mu.Unlock()

	var all []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLog)
		return b.ForEach(func(k, v []byte) error {
			var sr storedRecord
			if err := json.Unmarshal(v, &sr); err != nil {
				return err
			}
			if !hasSub[sr.ComponentID] {
				return nil
			}
			all = append(all, Record{ComponentID: sr.ComponentID, LogID: logID(k), Body: sr.Body})
			return nil
		})
	})
	if err != nil {
		return 0, pbserrors.Newf(pbserrors.CodeInvalidLog, "journal recover failed: %v", err)
	}
	if len(all) == 0 {
		return 0, pbserrors.New(pbserrors.CodeNoLogsToProcess, "journal is empty")
	}

	sort.Slice(all, func(i, j int) bool { return all[i].LogID < all[j].LogID })

	s.mu.Lock()
	subscribers := s.subscribers
	s.mu.Unlock()

	var last uint64
	for _, rec := range all {
		for _, sub := range subscribers[rec.ComponentID] {
			if perr := sub.OnLogRecord(ctx, rec); perr != nil {
				metrics.JournalRecoverDuration.Observe(time.Since(start).Seconds())
				return last, perr
			}
		}
		last = rec.LogID
	}
	metrics.JournalRecordsRecovered.Add(float64(len(all)))
	metrics.JournalRecoverDuration.Observe(time.Since(start).Seconds())
	return last, nil
}

func (s *BoltService) Close() error {
	return s.db.Close()
}
