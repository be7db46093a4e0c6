// Package asyncctx implements the single-fire future type that stands in
// for the C++ source's `*_context` continuation-passing objects (see
// SPEC_FULL.md §5 / spec.md §9 "Coroutine control flow"). A Context[T] is
// completed exactly once, either synchronously by a caller that rejected
// the request outright, or asynchronously by a worker goroutine once the
// underlying journal/NoSQL call lands.
package asyncctx

import (
	"sync"

	"github.com/privacybudget/pbs-core/internal/pbserrors"
)

// ResultKind classifies a Result: Success, which has no corresponding
// error, or Retry/BudgetDenial/Failure for pbserrors.KindRetry,
// KindBudgetDenial and KindFailure. There is no separate validation kind;
// a KindValidation error resolves as Failure.
type ResultKind int

const (
	Success ResultKind = iota
	Retry
	BudgetDenial
	Failure
)

// Result is what a Context[T] resolves to.
type Result[T any] struct {
	Kind  ResultKind
	Value T
	Err   *pbserrors.Error // nil iff Kind == Success
}

// Context is a single-fire future. Zero value is not usable; use New.
type Context[T any] struct {
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	result Result[T]
}

// New returns a fresh, unresolved Context.
func New[T any]() *Context[T] {
	return &Context[T]{done: make(chan struct{})}
}

// Finish completes the context exactly once. Subsequent calls are no-ops,
// matching the spec's "callbacks fire exactly once" contract.
func (c *Context[T]) Finish(r Result[T]) {
	c.once.Do(func() {
		c.mu.Lock()
		c.result = r
		c.mu.Unlock()
		close(c.done)
	})
}

// FinishSuccess is a convenience wrapper around Finish for the common case.
func (c *Context[T]) FinishSuccess(v T) {
	c.Finish(Result[T]{Kind: Success, Value: v})
}

// FinishError completes the context with a typed failure, translating the
// error's Kind into the matching ResultKind.
func (c *Context[T]) FinishError(err *pbserrors.Error) {
	kind := Failure
	switch err.Kind {
	case pbserrors.KindRetry:
		kind = Retry
	case pbserrors.KindBudgetDenial:
		kind = BudgetDenial
	case pbserrors.KindValidation, pbserrors.KindFailure:
		kind = Failure
	}
	c.Finish(Result[T]{Kind: kind, Err: err})
}

// Done returns a channel that closes when the context is resolved.
func (c *Context[T]) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the context resolves and returns its result. Intended
// for tests and for synchronous call sites; production call sites should
// select on Done() alongside their own ctx.Done().
func (c *Context[T]) Wait() Result[T] {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// Succeeded reports whether the result (once resolved) was a success.
func (r Result[T]) Succeeded() bool {
	return r.Kind == Success
}
