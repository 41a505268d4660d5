package pbd

import (
	"fmt"

	"github.com/pkg/errors"
)

// IoError is returned for any filesystem error, directory-usability
// problem, inconsistent segment-id sequence, oversized offer, or operation
// attempted after Close (ErrClosed is itself an *IoError). It always wraps
// an underlying cause, so
// errors.Cause/errors.Unwrap still reach the original *os.PathError or
// sentinel, when there is one.
type IoError struct {
	cause error
}

// ioErrorf builds an IoError carrying msg as its message. When cause is
// non-nil it is wrapped so errors.Cause/errors.Unwrap can reach it;
// errors.Wrapf returns nil given a nil cause, so that case is built
// directly from the formatted message instead.
func ioErrorf(cause error, format string, args ...interface{}) error {
	if cause == nil {
		return &IoError{cause: errors.New(fmt.Sprintf(format, args...))}
	}
	return &IoError{cause: errors.Wrapf(cause, format, args...)}
}

func (e *IoError) Error() string { return e.cause.Error() }
func (e *IoError) Unwrap() error { return e.cause }
func (e *IoError) Cause() error  { return e.cause }

// ErrEmpty is returned by Poll when no segment has an unread record.
var ErrEmpty = errors.New("pbd: deque is empty")

// ErrClosed is returned by Offer, OfferWithCompression, OfferDeferred, Push,
// Poll, Sync and ParseAndTruncate once Close or CloseAndDelete has run.
var ErrClosed error = &IoError{cause: errors.New("pbd: deque is closed")}
