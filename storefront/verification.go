package storefront

import "github.com/pkg/errors"

// ErrVerificationFailed indicates a transaction payload could be parsed but
// its signature did not verify. Content guarded by the payload must not be
// delivered.
var ErrVerificationFailed = errors.New("transaction failed verification")

// VerificationResult is the tagged verified/unverified wrapper produced by
// storefront adapters. The payload is carried on both tags so callers that
// need it for logging or diagnostics never have to re-verify.
type VerificationResult[T any] struct {
	payload  T
	verified bool
	cause    error
}

func Verified[T any](payload T) VerificationResult[T] {
	return VerificationResult[T]{payload: payload, verified: true}
}

func Unverified[T any](payload T, cause error) VerificationResult[T] {
	return VerificationResult[T]{payload: payload, cause: cause}
}

func (r VerificationResult[T]) IsVerified() bool {
	return r.verified
}

// Err returns nil for a verified result, and ErrVerificationFailed (annotated
// with the adapter's cause, if any) otherwise.
func (r VerificationResult[T]) Err() error {
	if r.verified {
		return nil
	}
	if r.cause != nil {
		return errors.WithMessage(ErrVerificationFailed, r.cause.Error())
	}
	return ErrVerificationFailed
}

// Payload returns the wrapped payload without enforcing verification.
func (r VerificationResult[T]) Payload() T {
	return r.payload
}

// PayloadValue is the verification gate: it returns the payload for a
// verified result and ErrVerificationFailed otherwise.
func (r VerificationResult[T]) PayloadValue() (T, error) {
	if err := r.Err(); err != nil {
		var zero T
		return zero, err
	}
	return r.payload, nil
}
