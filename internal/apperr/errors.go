// Package apperr holds the typed failures an upload can end in. Every error
// that leaves the pipeline is an *Error, so callers can switch on Kind and
// render a retry affordance without parsing messages.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/dustin/go-humanize"
)

// Kind is a machine-readable failure class.
type Kind string

const (
	KindTooLarge           Kind = "TooLarge"
	KindUnsupportedType    Kind = "UnsupportedType"
	KindInvalidPayload     Kind = "InvalidPayload"
	KindUnauthenticated    Kind = "Unauthenticated"
	KindGrantDenied        Kind = "GrantDenied"
	KindNetwork            Kind = "NetworkError"
	KindTimeout            Kind = "Timeout"
	KindTransferRejected   Kind = "TransferRejected"
	KindConfirmationFailed Kind = "ConfirmationFailed"
	KindCancelled          Kind = "Cancelled"
)

// Error is the unified upload failure.
type Error struct {
	// Kind is the failure class.
	Kind Kind `json:"kind"`
	// Message is a human-readable description.
	Message string `json:"message"`
	// Retryable reports whether repeating the failed step may succeed.
	Retryable bool `json:"retryable"`
	// Status is the HTTP status returned by the remote side, if any.
	Status int `json:"status,omitempty"`
	// Target is the URL the failing request was sent to, if any.
	Target string `json:"target,omitempty"`
	// Value is the offending value for validation failures.
	Value interface{} `json:"value,omitempty"`
	// Cause is the underlying error.
	Cause error `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error by Kind, so errors.Is(err, apperr.Timeout("")) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// WithCause sets the underlying cause and returns the receiver.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// New creates an Error with retryability derived from kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: IsRetryableKind(kind)}
}

// IsRetryableKind reports whether a failure of this kind may succeed when
// the failed step is repeated without caller intervention.
func IsRetryableKind(kind Kind) bool {
	switch kind {
	case KindNetwork, KindTimeout, KindConfirmationFailed:
		return true
	default:
		return false
	}
}

// --- constructors ---

func TooLarge(size, ceiling int64) *Error {
	return &Error{
		Kind: KindTooLarge,
		Message: fmt.Sprintf("file is %s, the limit is %s",
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(ceiling))),
		Value: size,
	}
}

func UnsupportedType(contentType, category string) *Error {
	return &Error{
		Kind:    KindUnsupportedType,
		Message: fmt.Sprintf("content type %q is not allowed for %s", contentType, category),
		Value:   contentType,
	}
}

// InvalidPayload is a file descriptor that cannot be read, such as a
// missing handle for a non-empty file.
func InvalidPayload(message string) *Error {
	return New(KindInvalidPayload, message)
}

func Unauthenticated(message string) *Error {
	return New(KindUnauthenticated, message)
}

func GrantDenied(status int, message string) *Error {
	e := New(KindGrantDenied, message)
	e.Status = status
	return e
}

func Network(op string, cause error) *Error {
	return New(KindNetwork, op+" failed").WithCause(cause)
}

func Timeout(op string) *Error {
	return New(KindTimeout, op+" timed out")
}

func TransferRejected(status int, target string) *Error {
	e := New(KindTransferRejected, fmt.Sprintf("storage rejected transfer with status %d", status))
	e.Status = status
	e.Target = target
	return e
}

// ConfirmationFailed is retryable unless the server answered with a 4xx
// that will not change on resend. 404 (object not yet visible), 408 and 429
// stay retryable.
func ConfirmationFailed(status int, message string) *Error {
	e := New(KindConfirmationFailed, message)
	e.Status = status
	if status >= 400 && status < 500 {
		switch status {
		case http.StatusNotFound, http.StatusRequestTimeout, http.StatusTooManyRequests:
		default:
			e.Retryable = false
		}
	}
	return e
}

func Cancelled(op string) *Error {
	return New(KindCancelled, op+" cancelled").WithCause(context.Canceled)
}

// --- inspection ---

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err or "" if err is not an *Error.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is an *Error marked retryable.
func IsRetryable(err error) bool {
	e, ok := As(err)
	return ok && e.Retryable
}

// IsValidation reports whether err was raised before any network activity.
func IsValidation(err error) bool {
	k := KindOf(err)
	return k == KindTooLarge || k == KindUnsupportedType || k == KindInvalidPayload
}
