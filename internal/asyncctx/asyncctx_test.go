package asyncctx

import (
	"testing"
	"time"

	"github.com/privacybudget/pbs-core/internal/pbserrors"
)

func TestFinishSuccess_ResolvesWithValue(t *testing.T) {
	c := New[int]()
	c.FinishSuccess(42)

	res := c.Wait()
	if !res.Succeeded() {
		t.Fatal("expected success")
	}
	if res.Value != 42 {
		t.Fatalf("expected value 42, got %d", res.Value)
	}
}

func TestFinishError_TranslatesKindToResultKind(t *testing.T) {
	cases := []struct {
		kind pbserrors.Kind
		want ResultKind
	}{
		{pbserrors.KindRetry, Retry},
		{pbserrors.KindBudgetDenial, BudgetDenial},
		{pbserrors.KindValidation, Failure},
		{pbserrors.KindFailure, Failure},
	}
	for _, c := range cases {
		ctx := New[struct{}]()
		err := &pbserrors.Error{Kind: c.kind, Code: pbserrors.CodeConflict}
		ctx.FinishError(err)

		res := ctx.Wait()
		if res.Kind != c.want {
			t.Errorf("kind %v: got ResultKind %v, want %v", c.kind, res.Kind, c.want)
		}
		if res.Succeeded() {
			t.Errorf("kind %v: expected failure, got success", c.kind)
		}
		if res.Err != err {
			t.Errorf("kind %v: expected Err to be the original error", c.kind)
		}
	}
}

func TestFinish_FiresExactlyOnce(t *testing.T) {
	c := New[int]()
	c.FinishSuccess(1)
	c.FinishSuccess(2)

	if got := c.Wait().Value; got != 1 {
		t.Fatalf("expected the first Finish to win, got %d", got)
	}
}

func TestDone_ClosesOnFinish(t *testing.T) {
	c := New[int]()
	select {
	case <-c.Done():
		t.Fatal("expected Done() to block before Finish")
	case <-time.After(10 * time.Millisecond):
	}

	c.FinishSuccess(7)

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("expected Done() to close after Finish")
	}
}
