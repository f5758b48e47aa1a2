package common

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies scheduler errors into the codes surfaced to RPC callers.
type Kind string

const (
	KindUnauthenticated        Kind = "UNAUTHENTICATED"
	KindUnauthorized           Kind = "UNAUTHORIZED"
	KindUnknownBackend         Kind = "UNKNOWN_BACKEND"
	KindBackendUnavailable     Kind = "BACKEND_UNAVAILABLE"
	KindQuotaExceeded          Kind = "QUOTA_EXCEEDED"
	KindPayloadTooLarge        Kind = "PAYLOAD_TOO_LARGE"
	KindResourceExhausted      Kind = "RESOURCE_EXHAUSTED"
	KindNotFound               Kind = "NOT_FOUND"
	KindAlreadyTerminal        Kind = "ALREADY_TERMINAL"
	KindIllegalTransition      Kind = "ILLEGAL_TRANSITION"
	KindConcurrentModification Kind = "CONCURRENT_MODIFICATION"
	KindInternal               Kind = "INTERNAL"
)

// Error is the scheduler's error type: a Kind for the caller plus a message
// and optional wrapped cause for the logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E creates an Error with the given kind and message.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Ef creates an Error with a formatted message.
func Ef(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapErr annotates a cause with a kind and message.
func WrapErr(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from err. Errors that never got classified are
// reported as INTERNAL.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// detailCatalog maps each kind to its operator-facing status message.
var detailCatalog = map[Kind]string{
	KindUnauthenticated:        "Invalid or expired token.",
	KindUnauthorized:           "Token does not own this job.",
	KindUnknownBackend:         "Unknown backend.",
	KindBackendUnavailable:     "Backend is not accepting jobs.",
	KindQuotaExceeded:          "Too many active jobs for this role.",
	KindPayloadTooLarge:        "Program exceeds the size limit for this role.",
	KindResourceExhausted:      "Job queue is full.",
	KindNotFound:               "Job not found.",
	KindAlreadyTerminal:        "Job already finished.",
	KindIllegalTransition:      "Operation not valid in the job's current state.",
	KindConcurrentModification: "Job record was modified concurrently.",
	KindInternal:               "Internal server error.",
}

// DefaultDetail returns the status message for a kind, suitable for
// status_detail fields and RPC error payloads.
func DefaultDetail(kind Kind) string {
	if msg, ok := detailCatalog[kind]; ok {
		return msg
	}
	return detailCatalog[KindInternal]
}

// RetryOnce runs fn, and on failure runs it one more time unless the context
// is already done. External I/O gets exactly one local retry; anything beyond
// that is the caller's problem to surface.
func RetryOnce(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || ctx.Err() != nil {
		return err
	}
	time.Sleep(50 * time.Millisecond)
	return fn()
}
