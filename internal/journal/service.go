package journal

import (
	"context"

	"github.com/google/uuid"

	"github.com/privacybudget/pbs-core/internal/pbserrors"
)

// Record is one durable, ordered log entry belonging to a single
// component (a Budget Key Provider, a Budget Key, or a Budget Key
// Timeframe Manager, each identified by its own uuid.UUID).
type Record struct {
	ComponentID uuid.UUID
	LogID       uint64
	Body        []byte // a version-stamped Envelope, per record.go
}

// Subscriber receives replayed Records for a single component id, in
// ascending LogID order, both during Recover and for any Append that
// happens after the subscriber registered. It must be idempotent:
// Recover may redeliver a record a subscriber already applied before a
// crash.
type Subscriber interface {
	OnLogRecord(ctx context.Context, rec Record) *pbserrors.Error
}

// SubscriberFunc adapts a plain function to the Subscriber interface.
type SubscriberFunc func(ctx context.Context, rec Record) *pbserrors.Error

func (f SubscriberFunc) OnLogRecord(ctx context.Context, rec Record) *pbserrors.Error {
	return f(ctx, rec)
}

// Service is the write-ahead log every stateful component depends on:
// appends are durable before Append returns, and Recover replays every
// record written so far, per component, in the order it was appended.
type Service interface {
	// Append durably writes body under componentID and returns its
	// assigned LogID. body must already be a version-stamped Envelope
	// (see EncodeEnvelope).
	Append(ctx context.Context, componentID uuid.UUID, body []byte) (uint64, *pbserrors.Error)

	// Subscribe registers sub to receive every future Append for
	// componentID. BoltService additionally replays every record already
	// durable for componentID at the time Subscribe is called (in LogID
	// order); MemoryService does not, and its history reaches a
	// subscriber only through Recover. Subscribe does not itself
	// constitute a full Recover pass; see Recover.
	Subscribe(componentID uuid.UUID, sub Subscriber)

	// Recover replays every durable record, across all component ids,
	// to their subscribers in per-component LogID order, and returns the
	// highest LogID processed. A component id with no subscriber
	// registered is skipped; callers are expected to Subscribe before
	// calling Recover. CodeNoLogsToProcess is returned (not treated as a
	// hard failure) when the journal is empty.
	Recover(ctx context.Context) (uint64, *pbserrors.Error)

	// Close releases any underlying storage handle.
	Close() error
}
