// Package verr defines the error taxonomy shared by the gateway core and
// every venue adapter. Adapters map venue-specific failures into one of the
// kinds below before returning; the core decides retry eligibility purely
// from the kind.
package verr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindAuth                   Kind = "AUTH_ERROR"
	KindInsufficientBalance    Kind = "INSUFFICIENT_BALANCE"
	KindInvalidOrderParams     Kind = "INVALID_ORDER_PARAMS"
	KindRateLimited            Kind = "RATE_LIMITED"
	KindVenueUnavailable       Kind = "VENUE_UNAVAILABLE"
	KindTimeout                Kind = "TIMEOUT"
	KindNotFound               Kind = "NOT_FOUND"
	KindProtocol               Kind = "PROTOCOL_ERROR"
	KindReconciliationMismatch Kind = "RECONCILIATION_MISMATCH"
	KindDuplicateAccount       Kind = "DUPLICATE_ACCOUNT"
	KindUnknownAccount         Kind = "UNKNOWN_ACCOUNT"
	KindDuplicateOrder         Kind = "DUPLICATE_ORDER"
)

// Error is a typed failure with a human-readable detail and the originating
// venue's raw error payload attached for diagnostics.
type Error struct {
	Kind   Kind
	Venue  string
	Detail string
	Raw    string // raw venue payload, if any
	Err    error  // wrapped cause
}

func (e *Error) Error() string {
	if e.Venue != "" {
		return fmt.Sprintf("%s: %s: %s", e.Venue, e.Kind, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a taxonomy error without a cause.
func New(kind Kind, venue, detail string) *Error {
	return &Error{Kind: kind, Venue: venue, Detail: detail}
}

// Newf builds a taxonomy error with a formatted detail.
func Newf(kind Kind, venue, format string, args ...any) *Error {
	return &Error{Kind: kind, Venue: venue, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a taxonomy kind to an underlying cause.
func Wrap(kind Kind, venue string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Venue: venue, Detail: err.Error(), Err: err}
}

// KindOf extracts the taxonomy kind from err. Context deadline expiry is
// normalized to Timeout; anything untyped is a ProtocolError because an
// adapter let an unclassified failure escape.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindProtocol
}

// IsRetryable reports whether the governor may retry the failed call.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindVenueUnavailable, KindTimeout:
		return true
	default:
		return false
	}
}

// HasKind reports whether err carries the given kind.
func HasKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
