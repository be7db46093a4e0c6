// Package nosql implements the Budget Key Provider's durable-row
// collaborator: a partition/sort-keyed get/upsert interface over the
// literal DynamoDB-shaped schema spec.md §6 names — partition key
// `Budget_Key`, sort key `Timeframe` (a day index as decimal string),
// data attribute `TokenCount` (24 space-separated decimal integers).
package nosql

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/privacybudget/pbs-core/internal/pbserrors"
)

// TokensPerDay is the fixed width of a TokenCount row: one slot per
// hour of the day.
const TokensPerDay = 24

// PartitionKeyAttr and SortKeyAttr name the two key attributes exactly
// as spec.md §6 requires, so a Provider built against a real DynamoDB
// table uses the same attribute names a hand-written AWS console query
// would.
const (
	PartitionKeyAttr = "Budget_Key"
	SortKeyAttr      = "Timeframe"
	TokenCountAttr   = "TokenCount"
)

// DefaultTableName is spec.md §6's configured default, kBudgetKeyTableName.
const DefaultTableName = "PBS_BudgetKeys"

// GetItemRequest addresses a single day's row for one budget key.
type GetItemRequest struct {
	TableName string
	Key       string // Budget_Key
	DayIndex  int64  // Timeframe, rendered as decimal
}

// Item is a single day's 24-hour token row.
type Item struct {
	Key        string
	DayIndex   int64
	TokenCount [TokensPerDay]int64
}

// UpsertItemRequest writes (or overwrites) a full day row.
type UpsertItemRequest struct {
	TableName string
	Item      Item
}

// Provider is the NoSQL collaborator interface the Timeframe Manager
// depends on. GetItem returns (nil, nil) when the row does not exist —
// callers distinguish "not found" from "found" by checking the
// returned *Item, not by inspecting the error, matching spec.md
// §4.3.2's three-outcome GetDatabaseItem contract (found / not found /
// error; an error is either CORRUPTED_KEY_METADATA for a malformed row
// or a retryable CONFLICT when the underlying store call fails).
type Provider interface {
	GetItem(ctx context.Context, req GetItemRequest) (*Item, *pbserrors.Error)
	UpsertItem(ctx context.Context, req UpsertItemRequest) *pbserrors.Error
}

// EncodeTokenCount renders a 24-slot row the way spec.md §6's
// TokenCount attribute is stored: space-separated decimal integers.
func EncodeTokenCount(counts [TokensPerDay]int64) string {
	parts := make([]string, TokensPerDay)
	for i, c := range counts {
		parts[i] = strconv.FormatInt(c, 10)
	}
	return strings.Join(parts, " ")
}

// DecodeTokenCount parses a TokenCount attribute value, enforcing
// exactly 24 space-separated non-negative integers. Any other shape —
// wrong count, non-numeric, negative — yields CORRUPTED_KEY_METADATA
// per spec.md §4.3.2/§8.
func DecodeTokenCount(s string) ([TokensPerDay]int64, *pbserrors.Error) {
	var out [TokensPerDay]int64
	fields := strings.Fields(s)
	if len(fields) != TokensPerDay {
		return out, pbserrors.Newf(pbserrors.CodeCorruptedKeyMetadata,
			"TokenCount has %d fields, want %d", len(fields), TokensPerDay)
	}
	for i, f := range fields {
		n, err := strconv.ParseInt(f, 10, 64)
		if err != nil || n < 0 {
			return out, pbserrors.Newf(pbserrors.CodeCorruptedKeyMetadata,
				"TokenCount field %d is not a non-negative integer: %q", i, f)
		}
		out[i] = n
	}
	return out, nil
}

// dayIndexString renders a day index exactly as spec.md §6's sort key
// example ("19218"): plain decimal, no leading zeros, no sign for the
// (always non-negative) day count.
func dayIndexString(day int64) string {
	return fmt.Sprintf("%d", day)
}
