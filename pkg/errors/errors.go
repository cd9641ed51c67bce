package apperrors

import (
	"context"
	"errors"
)

// Standardized Venue Errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrOrderNotFound         = errors.New("order not found")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
	ErrMalformedResponse     = errors.New("malformed venue response")
)

// Engine Errors
var (
	ErrNoFill           = errors.New("order not filled")
	ErrPositionNotFound = errors.New("position not reported by venue")
	ErrStillOpen        = errors.New("position still open")
	ErrPositionMismatch = errors.New("venue position does not match the order")
)

// IsTransient reports whether err is worth retrying. Network trouble, rate
// limits, clock skew and malformed payloads are transient; rejections and
// authentication failures are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrRateLimitExceeded) ||
		errors.Is(err, ErrTimestampOutOfBounds) ||
		errors.Is(err, ErrSystemOverload) ||
		errors.Is(err, ErrMalformedResponse)
}

// IsAlreadyConsumed reports whether a cancellation failed only because the
// order no longer rests on the venue.
func IsAlreadyConsumed(err error) bool {
	return errors.Is(err, ErrOrderNotFound)
}
