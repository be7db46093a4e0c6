// Package pbserrors defines the closed set of error codes the budget core
// surfaces to callers, and the Kind that tells a caller (or the retry
// dispatcher) how to react to them.
package pbserrors

import "fmt"

// Kind classifies how an Error should be handled by a caller or by
// internal/retry.
type Kind int

const (
	// KindValidation is a caller error: the request itself was malformed.
	// Never retried.
	KindValidation Kind = iota
	// KindRetry is a transient conflict; the caller (or internal/retry)
	// may retry the same request.
	KindRetry
	// KindBudgetDenial means the request was well-formed and durable state
	// was consulted, but the budget does not allow it.
	KindBudgetDenial
	// KindFailure is a durability or data fault. Never auto-retried.
	KindFailure
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindRetry:
		return "retry"
	case KindBudgetDenial:
		return "budget_denial"
	case KindFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Code is the closed set of error codes named across spec §4 and §7.
type Code int

const (
	CodeUnspecified Code = iota
	CodeInvalidTransactionID
	CodeEmptyRequest
	CodeMultipleTimeframeGroups
	CodeRepeatedTimebuckets
	CodeBatchRequestLessBudgets
	CodeBatchRequestInvalidOrder
	CodeEntryIsLoading
	CodeEntryBeingDeleted
	CodeActiveTransactionInProgress
	CodeInsufficientBudget
	CodeVersionIsInvalid
	CodeProtoDeserializationFailed
	CodeCorruptedKeyMetadata
	CodeInvalidLog
	CodeEntryDoesNotExist
	CodeConflict
	CodeNoLogsToProcess
)

var codeNames = map[Code]string{
	CodeUnspecified:                 "UNSPECIFIED",
	CodeInvalidTransactionID:        "INVALID_TRANSACTION_ID",
	CodeEmptyRequest:                "EMPTY_REQUEST",
	CodeMultipleTimeframeGroups:     "MULTIPLE_TIMEFRAME_GROUPS",
	CodeRepeatedTimebuckets:         "REPEATED_TIMEBUCKETS",
	CodeBatchRequestLessBudgets:     "BATCH_REQUEST_HAS_LESS_BUDGETS_TO_CONSUME",
	CodeBatchRequestInvalidOrder:    "BATCH_REQUEST_HAS_INVALID_ORDER",
	CodeEntryIsLoading:              "ENTRY_IS_LOADING",
	CodeEntryBeingDeleted:           "ENTRY_BEING_DELETED",
	CodeActiveTransactionInProgress: "ACTIVE_TRANSACTION_IN_PROGRESS",
	CodeInsufficientBudget:          "CONSUME_BUDGET_INSUFFICIENT_BUDGET",
	CodeVersionIsInvalid:            "VERSION_IS_INVALID",
	CodeProtoDeserializationFailed:  "PROTO_DESERIALIZATION_FAILED",
	CodeCorruptedKeyMetadata:        "CORRUPTED_KEY_METADATA",
	CodeInvalidLog:                  "INVALID_LOG",
	CodeEntryDoesNotExist:           "ENTRY_DOES_NOT_EXIST",
	CodeConflict:                    "CONFLICT",
	CodeNoLogsToProcess:             "NO_LOGS_TO_PROCESS",
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return "UNKNOWN_CODE"
}

// Error is the error type every public operation in this module returns or
// completes an asyncctx.Context with.
type Error struct {
	Code    Code
	Kind    Kind
	Message string

	// FailedBudgetConsumptionIndices is populated only for
	// CodeInsufficientBudget, naming which request entries could not be
	// satisfied.
	FailedBudgetConsumptionIndices []int
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an Error with the default Kind for its Code.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Kind: defaultKind(code), Message: msg}
}

// Newf builds an Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// WithFailedIndices attaches failed_budget_consumption_indices to an
// existing Error (used for CONSUME_BUDGET_INSUFFICIENT_BUDGET).
func (e *Error) WithFailedIndices(idx []int) *Error {
	e.FailedBudgetConsumptionIndices = idx
	return e
}

func defaultKind(code Code) Kind {
	switch code {
	case CodeInvalidTransactionID, CodeEmptyRequest, CodeMultipleTimeframeGroups,
		CodeRepeatedTimebuckets, CodeBatchRequestLessBudgets, CodeBatchRequestInvalidOrder:
		return KindValidation
	case CodeEntryIsLoading, CodeEntryBeingDeleted, CodeActiveTransactionInProgress, CodeConflict:
		return KindRetry
	case CodeInsufficientBudget:
		return KindBudgetDenial
	default:
		return KindFailure
	}
}

// IsRetry reports whether err is a *Error classified KindRetry.
func IsRetry(err error) bool {
	var e *Error
	if as(err, &e) {
		return e.Kind == KindRetry
	}
	return false
}

// as is a tiny errors.As wrapper kept local to avoid importing errors
// just for this one call site's type assertion needs in callers that
// don't already import it.
func as(err error, target **Error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = e
	return true
}
