// Package xerrors implements the error-kind taxonomy shared by every
// splinter component: InvalidInput, ProtocolViolation, TransientIo,
// PersistentIo, Timeout, Conflict, and Internal. Components construct an
// *Error with the kind that matches the failure so callers up the stack
// (dispatcher, connection manager, scabbard coordinator) can decide whether
// to retry, surface, or shut down without string-matching error text.
package xerrors

import (
	"fmt"

	goerrors "github.com/go-errors/errors"
)

// Kind classifies why an operation failed, independent of which component
// raised it.
type Kind int

const (
	// InvalidInput marks malformed bytes, schema violations, or an empty
	// required field. Never retried; surfaced to the caller.
	InvalidInput Kind = iota

	// ProtocolViolation marks an unexpected state transition, version
	// mismatch, or signature failure. The connection is dropped.
	ProtocolViolation

	// TransientIo marks a would-block read/write or a temporary
	// disconnect. Retried with backoff by transport/connmgr.
	TransientIo

	// PersistentIo marks a storage failure on a write path.
	PersistentIo

	// Timeout marks an elapsed wait, e.g. the coordinator's vote window.
	Timeout

	// Conflict marks a duplicate identity/endpoint on insert.
	Conflict

	// Internal marks a lock poisoning or unreachable invariant; the
	// owning component shuts down.
	Internal
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid_input"
	case ProtocolViolation:
		return "protocol_violation"
	case TransientIo:
		return "transient_io"
	case PersistentIo:
		return "persistent_io"
	case Timeout:
		return "timeout"
	case Conflict:
		return "conflict"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with the kind and the operation that
// failed, e.g. &Error{Kind: Conflict, Op: "registry.AddNode", Err: err}.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Internalf builds an Internal-kind error with a captured stack trace, for
// invariant violations a supervising component must react to by shutting
// down rather than retrying.
func Internalf(op, format string, args ...interface{}) *Error {
	return &Error{
		Kind: Internal,
		Op:   op,
		Err:  goerrors.Errorf(format, args...),
	}
}

// Is reports whether err (or any error it wraps) is an *Error of kind k.
func Is(err error, k Kind) bool {
	var xe *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			xe = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return xe != nil && xe.Kind == k
}
