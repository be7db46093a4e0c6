// Package journal implements the write-ahead log protocol described in
// spec.md §4.5/§6: a two-level versioned envelope wrapping an opaque
// inner body, appended in global serial order per component id and
// replayed in that same order during recovery.
package journal

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/privacybudget/pbs-core/internal/pbserrors"
)

// Version is the {major, minor} pair spec.md §6 requires on every
// envelope. Only {1, 0} is accepted anywhere in this module.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

// V1_0 is the only version this module's replay paths accept.
var V1_0 = Version{Major: 1, Minor: 0}

// Validate rejects any version other than V1_0, per spec.md §6/§8.
func (v Version) Validate() *pbserrors.Error {
	if v != V1_0 {
		return pbserrors.Newf(pbserrors.CodeVersionIsInvalid,
			"unsupported envelope version {%d,%d}", v.Major, v.Minor)
	}
	return nil
}

// Envelope is the outer framing for every journal record body: an
// explicit version plus an opaque inner payload. The inner payload's
// shape depends on which of the three envelope families (§6) this is.
type Envelope struct {
	Version Version         `json:"version"`
	Body    json.RawMessage `json:"body"`
}

// EncodeEnvelope marshals inner into a version-stamped Envelope.
func EncodeEnvelope(inner interface{}) ([]byte, error) {
	body, err := json.Marshal(inner)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Version: V1_0, Body: body})
}

// DecodeEnvelope unmarshals raw into an Envelope and validates its
// version, returning the inner body bytes on success.
func DecodeEnvelope(raw []byte) (json.RawMessage, *pbserrors.Error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, pbserrors.Newf(pbserrors.CodeProtoDeserializationFailed, "%v", err)
	}
	if verr := env.Version.Validate(); verr != nil {
		return nil, verr
	}
	return env.Body, nil
}

// ---- BudgetKeyLog family (spec §6) ----

// BudgetKeyLog_1_0 is the inner body of a BudgetKeyLog envelope: it
// announces which Timeframe Manager id a Budget Key is bound to.
type BudgetKeyLog_1_0 struct {
	TimeframeManagerID uuid.UUID `json:"timeframe_manager_id"`
}

// ---- BudgetKeyProviderLog family (spec §6) ----

// ProviderOperationType enumerates the two operations a Budget Key
// Provider journals about its cache.
type ProviderOperationType int

const (
	OpLoadIntoCache ProviderOperationType = iota + 1
	OpDeleteFromCache
)

// BudgetKeyProviderLog_1_0 is the inner body for provider cache
// lifecycle events.
type BudgetKeyProviderLog_1_0 struct {
	ID            uuid.UUID             `json:"id"`
	BudgetKeyName string                `json:"budget_key_name"`
	OperationType ProviderOperationType `json:"operation_type"`
}

// ---- BudgetKeyTimeframeManagerLog family (spec §6) ----

// TimeframeManagerOperationType enumerates the four timeframe-manager
// journal operation types.
type TimeframeManagerOperationType int

const (
	OpInsertTimegroupIntoCache TimeframeManagerOperationType = iota + 1
	OpRemoveTimegroupFromCache
	OpUpdateTimeframeRecord
	OpBatchUpdateTimeframeRecordsOfTimegroup
)

// BudgetKeyTimeframeManagerLog_1_0 is the inner body wrapping a
// time-group-scoped operation; its own Body field is, depending on
// OperationType, empty, a BudgetKeyTimeframeLog_1_0, a
// BatchBudgetKeyTimeframeLog_1_0, or a BudgetKeyTimeframeGroupLog_1_0
// (all JSON-encoded).
type BudgetKeyTimeframeManagerLog_1_0 struct {
	TimeGroup     uint64                         `json:"time_group"`
	OperationType TimeframeManagerOperationType  `json:"operation_type"`
	Body          json.RawMessage                `json:"log_body,omitempty"`
}

// BudgetKeyTimeframeLog_1_0 is a single timeframe's full state, used both
// for UPDATE_TIMEFRAME_RECORD bodies and as an element of a batch/group
// body.
type BudgetKeyTimeframeLog_1_0 struct {
	TimeBucket          int       `json:"time_bucket"`
	TokenCount          int64     `json:"token_count"`
	ActiveTokenCount    int64     `json:"active_token_count"`
	ActiveTransactionID uuid.UUID `json:"active_transaction_id"`
}

// BatchBudgetKeyTimeframeLog_1_0 is the body for
// BATCH_UPDATE_TIMEFRAME_RECORDS_OF_TIMEGROUP.
type BatchBudgetKeyTimeframeLog_1_0 struct {
	Items []BudgetKeyTimeframeLog_1_0 `json:"items"`
}

// BudgetKeyTimeframeGroupLog_1_0 is the body for
// INSERT_TIMEGROUP_INTO_CACHE: the entire day's worth of timeframes, as
// produced either by a fresh NoSQL load or by a Checkpoint.
type BudgetKeyTimeframeGroupLog_1_0 struct {
	Items []BudgetKeyTimeframeLog_1_0 `json:"items"`
}
