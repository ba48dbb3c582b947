package apperr

import (
	"context"
	"errors"
	"net"
)

// FromTransport classifies an error returned by an HTTP round trip. ctx is
// the caller's context, before any per-step deadline was applied, so a
// caller who walked away is told apart from a step that ran out of time.
func FromTransport(ctx context.Context, op string, err error) *Error {
	if e, ok := As(err); ok {
		return e
	}
	if ctx != nil && errors.Is(ctx.Err(), context.Canceled) {
		return Cancelled(op)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(op).WithCause(err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Timeout(op).WithCause(err)
	}
	return Network(op, err)
}
