// Package retry wraps calls in the operation dispatcher's exponential
// backoff policy: 31ms base delay, 12 attempts, retrying only on
// pbserrors.KindRetry results. Its callers are the Timeframe Manager's
// NoSQL get and upsert calls; journal appends are not wrapped by it.
package retry

import (
	"context"
	"time"

	retrygo "github.com/avast/retry-go"

	"github.com/privacybudget/pbs-core/internal/metrics"
	"github.com/privacybudget/pbs-core/internal/pbserrors"
)

// DefaultBaseDelay and DefaultAttempts are the dispatcher's default
// backoff policy.
const (
	DefaultBaseDelay = 31 * time.Millisecond
	DefaultAttempts  = uint(12)
)

// Policy configures the backoff; zero value yields the package defaults.
type Policy struct {
	BaseDelay time.Duration
	Attempts  uint
}

func (p Policy) resolved() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.Attempts == 0 {
		p.Attempts = DefaultAttempts
	}
	return p
}

// Do runs fn under operation name, retrying with exponential backoff only
// while fn returns a *pbserrors.Error classified KindRetry. Any other
// error (including KindValidation/KindFailure/KindBudgetDenial) is
// returned immediately without retry: no validation or durability fault
// is ever auto-retried.
func Do(ctx context.Context, operation string, policy Policy, fn func() error) error {
	p := policy.resolved()
	err := retrygo.Do(
		fn,
		retrygo.Context(ctx),
		retrygo.Attempts(p.Attempts),
		retrygo.Delay(p.BaseDelay),
		retrygo.DelayType(retrygo.BackOffDelay),
		retrygo.LastErrorOnly(true),
		retrygo.RetryIf(func(err error) bool {
			return pbserrors.IsRetry(err)
		}),
		retrygo.OnRetry(func(n uint, err error) {
			metrics.RecordRetryAttempt(operation)
		}),
	)
	if err != nil && pbserrors.IsRetry(err) {
		metrics.RecordRetryExhausted(operation)
	}
	return err
}
