// Package transport defines how an encoded envelope leaves the process and
// how delivery failures are classified.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Sender delivers one envelope to a collector.
//
// Send is called synchronously by a single dispatcher, but a Sender may be
// shared by several reporters, so implementations must be safe for concurrent
// use and must bound their own in-flight requests.
type Sender interface {
	// Send transmits the payload and returns nil on success or an error that
	// Classify can map to a Reason
	Send(ctx context.Context, payload []byte) error

	// MessageMaxBytes is the largest payload Send accepts
	MessageMaxBytes() int

	// Close releases connections. Send must not be called afterwards.
	Close() error
}

// Reason classifies the outcome of one send attempt.
type Reason int

const (
	ReasonSuccess Reason = iota
	// ReasonConnection covers dial failures, resets and refused connections
	ReasonConnection
	// ReasonTimeout means the attempt ran out of time
	ReasonTimeout
	// ReasonServerError means the collector was reachable but unavailable
	ReasonServerError
	// ReasonRejected means the collector refused the payload itself
	ReasonRejected
)

// String returns the label used in logs and metrics.
func (r Reason) String() string {
	switch r {
	case ReasonSuccess:
		return "success"
	case ReasonConnection:
		return "connection"
	case ReasonTimeout:
		return "timeout"
	case ReasonServerError:
		return "server_error"
	case ReasonRejected:
		return "rejected"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// Retryable reports whether resending the same payload may succeed.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonConnection, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

var (
	// ErrTooManyRequests is returned when the in-flight limit is reached and
	// the sender is configured to fail fast
	ErrTooManyRequests = errors.New("too many in-flight requests")
	// ErrMessageTooLarge is returned for payloads over MessageMaxBytes
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
	// ErrClosed is returned by Send after Close
	ErrClosed = errors.New("sender is closed")
)

// Error is a classified send failure.
type Error struct {
	Reason     Reason
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Reason, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a reason.
func NewError(reason Reason, err error) *Error {
	return &Error{Reason: reason, Err: err}
}

// Classify maps a Send result to a Reason. Unknown errors are treated as
// connection failures so they are retried.
func Classify(err error) Reason {
	if err == nil {
		return ReasonSuccess
	}

	var te *Error
	if errors.As(err, &te) {
		return te.Reason
	}

	switch {
	case errors.Is(err, ErrMessageTooLarge), errors.Is(err, ErrClosed):
		return ReasonRejected
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ReasonTimeout
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return ReasonConnection
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ReasonTimeout
	}
	return ReasonConnection
}
