package journal

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/privacybudget/pbs-core/internal/pbserrors"
)

func TestDecodeEnvelope_RejectsBadVersion(t *testing.T) {
	raw, err := json.Marshal(Envelope{Version: Version{Major: 2, Minor: 0}, Body: json.RawMessage("{}")})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	_, perr := DecodeEnvelope(raw)
	if perr == nil {
		t.Fatal("expected VERSION_IS_INVALID, got nil")
	}
	if perr.Code.String() != "VERSION_IS_INVALID" {
		t.Fatalf("expected VERSION_IS_INVALID, got %v", perr.Code)
	}
}

func TestEncodeDecodeEnvelope_RoundTrip(t *testing.T) {
	in := BudgetKeyProviderLog_1_0{
		ID:            uuid.New(),
		BudgetKeyName: "example.com",
		OperationType: OpLoadIntoCache,
	}
	raw, err := EncodeEnvelope(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	body, perr := DecodeEnvelope(raw)
	if perr != nil {
		t.Fatalf("decode: %v", perr)
	}
	var out BudgetKeyProviderLog_1_0
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

type collectingSubscriber struct {
	records []Record
}

func (c *collectingSubscriber) OnLogRecord(_ context.Context, rec Record) *pbserrors.Error {
	c.records = append(c.records, rec)
	return nil
}

func TestMemoryService_AppendDeliversLiveAndRecoverReplays(t *testing.T) {
	svc := NewMemoryService()
	componentID := uuid.New()

	live := &collectingSubscriber{}
	svc.Subscribe(componentID, live)

	ctx := context.Background()
	body1, _ := EncodeEnvelope(BudgetKeyLog_1_0{TimeframeManagerID: uuid.New()})
	body2, _ := EncodeEnvelope(BudgetKeyLog_1_0{TimeframeManagerID: uuid.New()})

	id1, perr := svc.Append(ctx, componentID, body1)
	if perr != nil {
		t.Fatalf("append 1: %v", perr)
	}
	id2, perr := svc.Append(ctx, componentID, body2)
	if perr != nil {
		t.Fatalf("append 2: %v", perr)
	}
	if id2 <= id1 {
		t.Fatalf("expected strictly increasing log ids, got %d then %d", id1, id2)
	}
	if len(live.records) != 2 {
		t.Fatalf("expected live subscriber to see 2 records, got %d", len(live.records))
	}

	replay := &collectingSubscriber{}
	svc.Subscribe(componentID, replay)
	last, perr := svc.Recover(ctx)
	if perr != nil {
		t.Fatalf("recover: %v", perr)
	}
	if last != id2 {
		t.Fatalf("expected last log id %d, got %d", id2, last)
	}
	if len(replay.records) != 2 {
		t.Fatalf("expected replay subscriber to see 2 records, got %d", len(replay.records))
	}
}

func TestMemoryService_RecoverEmptyYieldsNoLogsToProcess(t *testing.T) {
	svc := NewMemoryService()
	svc.Subscribe(uuid.New(), &collectingSubscriber{})
	_, perr := svc.Recover(context.Background())
	if perr == nil || perr.Code.String() != "NO_LOGS_TO_PROCESS" {
		t.Fatalf("expected NO_LOGS_TO_PROCESS, got %v", perr)
	}
}

func TestBoltService_AppendPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.db")

	componentID := uuid.New()
	body, _ := EncodeEnvelope(BudgetKeyLog_1_0{TimeframeManagerID: uuid.New()})

	svc, err := OpenBoltService(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, perr := svc.Append(context.Background(), componentID, body); perr != nil {
		t.Fatalf("append: %v", perr)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, statErr := os.Stat(path); statErr != nil {
		t.Fatalf("expected journal file on disk: %v", statErr)
	}

	reopened, err := OpenBoltService(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	replay := &collectingSubscriber{}
	reopened.Subscribe(componentID, replay)
	last, perr := reopened.Recover(context.Background())
	if perr != nil {
		t.Fatalf("recover after reopen: %v", perr)
	}
	if last == 0 {
		t.Fatal("expected nonzero last log id after reopen")
	}
	if len(replay.records) != 1 {
		t.Fatalf("expected 1 replayed record after reopen, got %d", len(replay.records))
	}
}
