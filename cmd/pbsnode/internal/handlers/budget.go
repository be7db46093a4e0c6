// Package handlers implements the minimal HTTP control surface pbsnode
// exposes over the Budget Key Provider, for local and integration use.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/privacybudget/pbs-core/internal/asyncctx"
	"github.com/privacybudget/pbs-core/internal/budgetkey"
	"github.com/privacybudget/pbs-core/internal/metrics"
	"github.com/privacybudget/pbs-core/internal/pbserrors"
	"github.com/privacybudget/pbs-core/internal/txn"
)

// BudgetHandler serves the consume-budget transaction protocol and
// budget-read endpoints over the Budget Key Provider.
type BudgetHandler struct {
	provider *budgetkey.Provider
	logger   *zap.Logger
}

func NewBudgetHandler(provider *budgetkey.Provider, logger *zap.Logger) *BudgetHandler {
	return &BudgetHandler{provider: provider, logger: logger}
}

type consumptionDTO struct {
	ReportingTime time.Time `json:"reporting_time"`
	TokenCount    int64     `json:"token_count"`
}

type transactionRequest struct {
	TransactionID string           `json:"transaction_id"`
	Consumptions  []consumptionDTO `json:"budget_consumptions"`
}

type transactionResponse struct {
	Status                         string `json:"status"`
	Code                           string `json:"code,omitempty"`
	Message                        string `json:"message,omitempty"`
	FailedBudgetConsumptionIndices []int  `json:"failed_budget_consumption_indices,omitempty"`
}

func toConsumptions(dtos []consumptionDTO) []txn.Consumption {
	out := make([]txn.Consumption, len(dtos))
	for i, d := range dtos {
		out[i] = txn.Consumption{ReportingTime: d.ReportingTime, TokenCount: d.TokenCount}
	}
	return out
}

// Commit handles POST /v1/budget-keys/{key}/consume.
func (h *BudgetHandler) Commit(w http.ResponseWriter, r *http.Request) {
	h.runPhase(w, r, true, func(p *txn.Protocol, txnID uuid.UUID, cs []txn.Consumption) (*asyncctx.Context[struct{}], *pbserrors.Error) {
		return p.Commit(r.Context(), txnID, cs)
	})
}

// Notify handles POST /v1/budget-keys/{key}/notify.
func (h *BudgetHandler) Notify(w http.ResponseWriter, r *http.Request) {
	h.runPhase(w, r, false, func(p *txn.Protocol, txnID uuid.UUID, cs []txn.Consumption) (*asyncctx.Context[struct{}], *pbserrors.Error) {
		return p.Notify(r.Context(), txnID, cs)
	})
}

// Abort handles POST /v1/budget-keys/{key}/abort.
func (h *BudgetHandler) Abort(w http.ResponseWriter, r *http.Request) {
	h.runPhase(w, r, false, func(p *txn.Protocol, txnID uuid.UUID, cs []txn.Consumption) (*asyncctx.Context[struct{}], *pbserrors.Error) {
		return p.Abort(r.Context(), txnID, cs)
	})
}

type phaseFunc func(p *txn.Protocol, txnID uuid.UUID, cs []txn.Consumption) (*asyncctx.Context[struct{}], *pbserrors.Error)

// runPhase decodes the request, runs phase against the key's protocol and
// writes the response; recordCommit is set only for the commit phase, so
// that notify and abort outcomes are not counted as commits.
func (h *BudgetHandler) runPhase(w http.ResponseWriter, r *http.Request, recordCommit bool, phase phaseFunc) {
	keyName := r.PathValue("key")

	var req transactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, pbserrors.New(pbserrors.CodeEmptyRequest, "malformed request body"))
		return
	}
	txnID, err := uuid.Parse(req.TransactionID)
	if err != nil {
		writeError(w, pbserrors.New(pbserrors.CodeInvalidTransactionID, "transaction_id is not a valid UUID"))
		return
	}

	k, perr := h.provider.GetBudgetKey(r.Context(), keyName)
	if perr != nil {
		writeError(w, perr)
		return
	}

	asyncCtx, perr := phase(k.Protocol(), txnID, toConsumptions(req.Consumptions))
	if perr != nil {
		writeError(w, perr)
		return
	}

	res := asyncCtx.Wait()
	if !res.Succeeded() {
		if recordCommit {
			switch res.Kind {
			case asyncctx.BudgetDenial:
				metrics.RecordCommit("insufficient_budget")
			case asyncctx.Retry:
				metrics.RecordCommit("conflict")
			}
		}
		writeError(w, res.Err)
		return
	}
	if recordCommit {
		metrics.RecordCommit("success")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(transactionResponse{Status: "ok"})
}

// GetBudget handles GET /v1/budget-keys/{key}/budget?reporting_time=RFC3339.
func (h *BudgetHandler) GetBudget(w http.ResponseWriter, r *http.Request) {
	keyName := r.PathValue("key")

	reportingTime := time.Now().UTC()
	if raw := r.URL.Query().Get("reporting_time"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, pbserrors.New(pbserrors.CodeEmptyRequest, "reporting_time must be RFC3339"))
			return
		}
		reportingTime = t
	}

	k, perr := h.provider.GetBudgetKey(r.Context(), keyName)
	if perr != nil {
		writeError(w, perr)
		return
	}

	tokens, perr := k.GetBudget(r.Context(), reportingTime)
	if perr != nil {
		writeError(w, perr)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]int64{"remaining_tokens": tokens})
}

func writeError(w http.ResponseWriter, perr *pbserrors.Error) {
	status := http.StatusInternalServerError
	switch perr.Kind {
	case pbserrors.KindValidation:
		status = http.StatusBadRequest
	case pbserrors.KindRetry:
		status = http.StatusConflict
	case pbserrors.KindBudgetDenial:
		status = http.StatusPaymentRequired
	case pbserrors.KindFailure:
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(transactionResponse{
		Status:                         "error",
		Code:                           perr.Code.String(),
		Message:                        perr.Message,
		FailedBudgetConsumptionIndices: perr.FailedBudgetConsumptionIndices,
	})
}
