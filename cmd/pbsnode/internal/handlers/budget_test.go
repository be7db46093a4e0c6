package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/privacybudget/pbs-core/internal/budgetkey"
	"github.com/privacybudget/pbs-core/internal/journal"
	"github.com/privacybudget/pbs-core/internal/nosql"
	"github.com/privacybudget/pbs-core/internal/timeframe"
)

func newTestHandler(t *testing.T) *BudgetHandler {
	t.Helper()
	js := journal.NewMemoryService()
	np := nosql.NewMemoryProvider()
	provider := budgetkey.NewProvider(uuid.New(), js, np, nosql.DefaultTableName)
	t.Cleanup(func() { provider.Stop(context.Background()) })
	return NewBudgetHandler(provider, zap.NewNop())
}

func waitForLoaded(t *testing.T, h *BudgetHandler, key string) {
	t.Helper()
	k, perr := h.provider.GetBudgetKey(context.Background(), key)
	if perr != nil {
		t.Fatalf("GetBudgetKey: %v", perr)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if k.Manager() != nil {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for budget key to load")
}

func mustRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	var r *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		r = httptest.NewRequest(method, target, bytes.NewReader(b))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	return r
}

func TestCommit_HappyPath(t *testing.T) {
	h := newTestHandler(t)
	waitForLoaded(t, h, "example.com")

	req := mustRequest(t, http.MethodPost, "/v1/budget-keys/example.com/consume", transactionRequest{
		TransactionID: uuid.New().String(),
		Consumptions:  []consumptionDTO{{ReportingTime: time.Unix(0, 0).UTC(), TokenCount: 5}},
	})
	req.SetPathValue("key", "example.com")
	w := httptest.NewRecorder()

	h.Commit(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCommit_InvalidTransactionIDReturnsBadRequest(t *testing.T) {
	h := newTestHandler(t)
	waitForLoaded(t, h, "example.com")

	req := mustRequest(t, http.MethodPost, "/v1/budget-keys/example.com/consume", transactionRequest{
		TransactionID: "not-a-uuid",
		Consumptions:  []consumptionDTO{{ReportingTime: time.Unix(0, 0).UTC(), TokenCount: 5}},
	})
	req.SetPathValue("key", "example.com")
	w := httptest.NewRecorder()

	h.Commit(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestCommit_ExhaustedBudgetReturnsPaymentRequired(t *testing.T) {
	h := newTestHandler(t)
	waitForLoaded(t, h, "example.com")

	req := mustRequest(t, http.MethodPost, "/v1/budget-keys/example.com/consume", transactionRequest{
		TransactionID: uuid.New().String(),
		Consumptions:  []consumptionDTO{{ReportingTime: time.Unix(0, 0).UTC(), TokenCount: timeframe.KMaxToken + 1}},
	})
	req.SetPathValue("key", "example.com")
	w := httptest.NewRecorder()

	h.Commit(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetBudget_ReturnsFullBudgetBeforeAnyConsumption(t *testing.T) {
	h := newTestHandler(t)
	waitForLoaded(t, h, "example.com")

	req := mustRequest(t, http.MethodGet, "/v1/budget-keys/example.com/budget?reporting_time=1970-01-01T00:00:00Z", nil)
	req.SetPathValue("key", "example.com")
	w := httptest.NewRecorder()

	h.GetBudget(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]int64
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["remaining_tokens"] != timeframe.KMaxToken {
		t.Fatalf("expected %d remaining tokens, got %d", timeframe.KMaxToken, resp["remaining_tokens"])
	}
}

func TestGetBudget_InvalidReportingTimeReturnsBadRequest(t *testing.T) {
	h := newTestHandler(t)
	waitForLoaded(t, h, "example.com")

	req := mustRequest(t, http.MethodGet, "/v1/budget-keys/example.com/budget?reporting_time=not-a-time", nil)
	req.SetPathValue("key", "example.com")
	w := httptest.NewRecorder()

	h.GetBudget(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
