// Package apperr defines the error taxonomy shared by every vault component.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error the way a caller needs to branch on it: retry,
// surface to the client, or page an operator.
type Kind string

const (
	KindNotFound               Kind = "not_found"
	KindAlreadyExists          Kind = "already_exists"
	KindInsufficientAvailable  Kind = "insufficient_available"
	KindInsufficientLocked     Kind = "insufficient_locked"
	KindInvariantViolation     Kind = "invariant_violation"
	KindConcurrentConflict     Kind = "concurrent_conflict"
	KindDuplicateIdempotency   Kind = "duplicate_idempotency_key"
	KindTransientNetwork       Kind = "transient_network"
	KindDeterministicChain     Kind = "deterministic_chain_error"
	KindValidation             Kind = "validation_error"
	KindRateLimited            Kind = "rate_limited"
)

// Error is the concrete error type every component returns for expected
// failure modes. Unexpected failures are wrapped with KindDeterministicChain
// or left as plain errors, per call site.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error wrapping cause, following the fmt.Errorf("%w", err)
// idiom used elsewhere in the tree, but keeping Kind queryable via errors.As.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, ok=false if err is not an *Error.
func KindOf(err error) (Kind, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return "", false
}

// Retryable reports whether the caller should retry the operation that
// produced err — true only for transient, non-deterministic failures.
func Retryable(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return false
	}
	return k == KindTransientNetwork || k == KindConcurrentConflict
}

// HTTPStatus maps a Kind to the status code the illustrative HTTP ingress
// returns.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return 404
	case KindAlreadyExists:
		return 409
	case KindInsufficientAvailable, KindInsufficientLocked, KindInvariantViolation,
		KindValidation:
		return 400
	case KindConcurrentConflict:
		return 409
	case KindDuplicateIdempotency:
		return 409
	case KindRateLimited:
		return 429
	case KindTransientNetwork, KindDeterministicChain:
		return 502
	default:
		return 500
	}
}
