package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewAndKindOf(t *testing.T) {
	err := New(KindInsufficientAvailable, "not enough")
	k, ok := KindOf(err)
	if !ok || k != KindInsufficientAvailable {
		t.Fatalf("KindOf() = %v, %v", k, ok)
	}
}

func TestKindOfNonAppError(t *testing.T) {
	_, ok := KindOf(errors.New("plain"))
	if ok {
		t.Fatal("expected ok=false for a non-apperr error")
	}
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("network down")
	err := Wrap(KindTransientNetwork, "submit failed", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find the wrapped cause")
	}
}

func TestWrapThroughFmtErrorf(t *testing.T) {
	err := Wrap(KindValidation, "bad amount", nil)
	outer := fmt.Errorf("operation failed: %w", err)
	if !Is(outer, KindValidation) {
		t.Fatal("expected Is to see through fmt.Errorf wrapping")
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{KindTransientNetwork, true},
		{KindConcurrentConflict, true},
		{KindDeterministicChain, false},
		{KindValidation, false},
		{KindNotFound, false},
	}
	for _, c := range cases {
		if got := Retryable(New(c.kind, "x")); got != c.want {
			t.Errorf("Retryable(%s) = %v, want %v", c.kind, got, c.want)
		}
	}
	if Retryable(errors.New("plain")) {
		t.Error("Retryable should be false for a non-apperr error")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindNotFound:              404,
		KindAlreadyExists:         409,
		KindInsufficientAvailable: 400,
		KindInsufficientLocked:    400,
		KindInvariantViolation:    400,
		KindValidation:            400,
		KindConcurrentConflict:    409,
		KindDuplicateIdempotency:  409,
		KindRateLimited:           429,
		KindTransientNetwork:      502,
		KindDeterministicChain:    502,
		Kind("unknown"):           500,
	}
	for kind, want := range cases {
		if got := HTTPStatus(kind); got != want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", kind, got, want)
		}
	}
}
