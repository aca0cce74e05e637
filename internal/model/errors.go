package model

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies sync failures. Kinds are strings so they serialize
// naturally into the queue table and event payloads.
type ErrorKind string

const (
	// KindNetwork is a transient transport failure, always retryable.
	KindNetwork ErrorKind = "network"

	// KindAuth means credentials were rejected or expired.
	KindAuth ErrorKind = "auth"

	// KindProtocol is a malformed or unexpected server response.
	KindProtocol ErrorKind = "protocol"

	// KindConflict means the target item changed or vanished remotely.
	KindConflict ErrorKind = "conflict"

	// KindStaleState means a folder cursor was invalidated repeatedly.
	KindStaleState ErrorKind = "stale_state"

	// KindQueueExhausted means an operation exceeded its retry ceiling.
	KindQueueExhausted ErrorKind = "queue_exhausted"
)

// Retryable reports whether the scheduler may retry a failure of this kind
// on its own.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindNetwork, KindProtocol, KindStaleState:
		return true
	default:
		return false
	}
}

var (
	// ErrInvalidated is returned by FetchDelta when the folder validity token
	// no longer matches the server.
	ErrInvalidated = errors.New("folder validity token changed")

	// ErrCredentialExpired is returned by credential suppliers.
	ErrCredentialExpired = errors.New("credential expired")

	// ErrCycleInProgress is returned when a cycle for the same account is
	// already running.
	ErrCycleInProgress = errors.New("sync cycle already in progress")

	// ErrUnknownAccount is returned for account ids the scheduler does not own.
	ErrUnknownAccount = errors.New("unknown account")

	// ErrUnknownOperation is returned for queue ids that do not exist or are
	// not in the expected state.
	ErrUnknownOperation = errors.New("unknown operation")
)

// Error carries an ErrorKind along with the failing operation.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// NetworkError wraps err as a transient network failure.
func NetworkError(op string, err error) error { return NewError(KindNetwork, op, err) }

// AuthError wraps err as an authentication failure.
func AuthError(op string, err error) error { return NewError(KindAuth, op, err) }

// ProtocolError wraps err as a protocol failure.
func ProtocolError(op string, err error) error { return NewError(KindProtocol, op, err) }

// ConflictError wraps err as a remote conflict.
func ConflictError(op string, err error) error { return NewError(KindConflict, op, err) }

// KindOf classifies err. Errors without an explicit kind are mapped by their
// cause: deadlines and net errors are network failures, expired credentials
// are auth failures, anything else is a protocol failure.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	if errors.Is(err, ErrCredentialExpired) {
		return KindAuth
	}
	if errors.Is(err, ErrInvalidated) {
		return KindStaleState
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	return KindProtocol
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// HasKind reports whether err, or any error joined into it, classifies as
// kind.
func HasKind(err error, kind ErrorKind) bool {
	if err == nil {
		return false
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if HasKind(e, kind) {
				return true
			}
		}
		return false
	}
	return KindOf(err) == kind
}
