// Package checkpoint implements the Checkpoint Service: a periodic
// cycle that recovers the journal, walks every cached Budget Key
// collecting a compaction record per key, and persists the result to a
// blob store so a future Recover pass has less journal history to
// replay.
package checkpoint

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/privacybudget/pbs-core/internal/blobstore"
	"github.com/privacybudget/pbs-core/internal/budgetkey"
	"github.com/privacybudget/pbs-core/internal/journal"
	"github.com/privacybudget/pbs-core/internal/metrics"
	"github.com/privacybudget/pbs-core/internal/pbserrors"
)

// LogStatus reports whether a single Budget Key's compaction step
// succeeded during a checkpoint cycle.
type LogStatus int

const (
	LogStatusOK LogStatus = iota + 1
	LogStatusFailed
)

func (s LogStatus) String() string {
	if s == LogStatusFailed {
		return "FAILED"
	}
	return "OK"
}

// Log is a CheckpointLog{component_id, log_id, log_status,
// bytes_buffer} entry: one per Budget Key walked this cycle,
// SequenceNumber monotonic within the cycle.
type Log struct {
	ComponentID    uuid.UUID       `json:"component_id"`
	SequenceNumber uint64          `json:"sequence_number"`
	LogStatus      LogStatus       `json:"log_status"`
	BytesBuffer    json.RawMessage `json:"bytes_buffer,omitempty"`
}

// Metadata is the full body persisted under a checkpoint blob: the
// manifest of every key walked, plus the journal id the cycle
// recovered up to.
type Metadata struct {
	LastProcessedJournalID uint64 `json:"last_processed_journal_id"`
	Logs                   []Log  `json:"logs"`
}

// Service runs the Bootstrap/Recover/Checkpoint/Store/Shutdown cycle on
// a fixed cadence, grounded on internal/health's Manager: a started
// flag, a stopCh-driven background ticker, and zap logging throughout.
type Service struct {
	journal   journal.Service
	provider  *budgetkey.Provider
	blobs     blobstore.Store
	partition string
	interval  time.Duration
	logger    *zap.Logger

	mu           sync.Mutex
	started      bool
	stopCh       chan struct{}
	wg           sync.WaitGroup
	nextID       uint64
	bootstrapped bool
}

// Option configures a Service at construction time.
type Option func(*Service)

// WithInterval overrides the default checkpoint cadence.
func WithInterval(d time.Duration) Option {
	return func(s *Service) { s.interval = d }
}

// DefaultInterval is how often RunCycle fires once Start is called.
const DefaultInterval = 5 * time.Minute

// NewService wires a checkpoint cycle over journal, the Budget Key
// Provider whose cached keys it walks, and the blob store it persists
// to under partition.
func NewService(js journal.Service, provider *budgetkey.Provider, blobs blobstore.Store, partition string, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		journal:   js,
		provider:  provider,
		blobs:     blobs,
		partition: partition,
		interval:  DefaultInterval,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bootstrap confirms the blob location is reachable and resumes
// numbering checkpoint ids after the last one written, if any.
func (s *Service) Bootstrap(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.blobs.ReadLastCheckpoint(ctx, s.partition)
	if err != nil {
		s.logger.Error("checkpoint bootstrap failed to read last checkpoint pointer", zap.Error(err))
		return err
	}
	if meta != nil {
		s.nextID = meta.CheckpointID + 1
	}
	s.bootstrapped = true
	s.logger.Info("checkpoint service bootstrapped",
		zap.String("partition", s.partition),
		zap.Uint64("next_checkpoint_id", s.nextID),
	)
	return nil
}

// Recover replays the journal. A NO_LOGS_TO_PROCESS result is logged
// and treated as success, not a hard failure, since an empty journal is
// the expected state on first boot.
func (s *Service) Recover(ctx context.Context) (uint64, error) {
	lastID, perr := s.journal.Recover(ctx)
	if perr != nil {
		if perr.Code == pbserrors.CodeNoLogsToProcess {
			s.logger.Info("checkpoint recover found no logs to process")
			return 0, nil
		}
		s.logger.Error("checkpoint recover failed", zap.Error(perr))
		return 0, perr
	}
	return lastID, nil
}

// RunCycle recovers the journal, checkpoints every loaded Budget Key,
// and stores the resulting blob and pointer, then returns. It does not
// itself stop the journal/provider — callers decide whether a cycle is
// the service's last (see Shutdown).
func (s *Service) RunCycle(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	if !s.bootstrapped {
		s.mu.Unlock()
		if err := s.Bootstrap(ctx); err != nil {
			metrics.RecordCheckpointCycle("error", time.Since(start).Seconds(), 0)
			return err
		}
	} else {
		s.mu.Unlock()
	}

	lastProcessed, err := s.Recover(ctx)
	if err != nil {
		metrics.RecordCheckpointCycle("error", time.Since(start).Seconds(), 0)
		return err
	}

	keys := s.provider.Keys()
	logs := make([]Log, 0, len(keys))
	var seq uint64
	for _, k := range keys {
		seq++
		entry := Log{ComponentID: k.Manager().ID(), SequenceNumber: seq, LogStatus: LogStatusOK}
		if perr := k.Checkpoint(ctx); perr != nil {
			entry.LogStatus = LogStatusFailed
			s.logger.Warn("checkpoint failed for budget key",
				zap.String("budget_key", k.Name()),
				zap.Error(perr),
			)
		}
		logs = append(logs, entry)
	}

	meta := Metadata{LastProcessedJournalID: lastProcessed, Logs: logs}
	body, jsonErr := json.Marshal(meta)
	if jsonErr != nil {
		metrics.RecordCheckpointCycle("error", time.Since(start).Seconds(), len(logs))
		return jsonErr
	}

	s.mu.Lock()
	id := s.nextID
	s.mu.Unlock()

	if err := s.blobs.WriteCheckpoint(ctx, s.partition, id, body); err != nil {
		s.logger.Error("checkpoint store failed", zap.Uint64("checkpoint_id", id), zap.Error(err))
		metrics.RecordCheckpointCycle("error", time.Since(start).Seconds(), len(logs))
		return err
	}
	if err := s.blobs.WriteLastCheckpoint(ctx, s.partition, blobstore.LastCheckpointMetadata{
		LastProcessedJournalID: lastProcessed,
		CheckpointID:           id,
	}); err != nil {
		s.logger.Error("checkpoint pointer update failed", zap.Uint64("checkpoint_id", id), zap.Error(err))
		metrics.RecordCheckpointCycle("error", time.Since(start).Seconds(), len(logs))
		return err
	}

	s.mu.Lock()
	s.nextID = id + 1
	s.mu.Unlock()

	s.logger.Info("checkpoint cycle complete",
		zap.Uint64("checkpoint_id", id),
		zap.Uint64("last_processed_journal_id", lastProcessed),
		zap.Int("budget_keys_checkpointed", len(logs)),
	)
	metrics.RecordCheckpointCycle("ok", time.Since(start).Seconds(), len(logs))
	return nil
}

// Start begins the periodic checkpoint cycle on a fixed cadence.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.backgroundLoop(ctx)

	s.logger.Info("checkpoint service started", zap.Duration("interval", s.interval))
	return nil
}

func (s *Service) backgroundLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.RunCycle(ctx); err != nil {
				s.logger.Error("checkpoint cycle failed", zap.Error(err))
			}
		}
	}
}

// Shutdown halts the periodic cycle and stops the journal and Budget
// Key Provider resources this cycle used, aggregating both failures via
// multierr so neither one silently masks the other.
func (s *Service) Shutdown() error {
	s.mu.Lock()
	if s.started {
		close(s.stopCh)
		s.started = false
	}
	s.mu.Unlock()
	s.wg.Wait()

	err := multierr.Append(s.provider.Stop(context.Background()), s.journal.Close())
	s.logger.Info("checkpoint service shut down")
	return err
}
