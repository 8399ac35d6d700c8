// Package apperr defines the closed set of failure kinds surfaced by the
// drive: structural lookups, remote readiness, part transfers, local
// persistence and remote deletion.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNotFound is an unknown folder or file id.
	KindNotFound
	// KindUnready means the remote gateway is not connected or not authorized.
	KindUnready
	// KindPartTransfer is any part upload/download failure; it aborts the transfer.
	KindPartTransfer
	// KindPersistence is a failed write (or read) of the local snapshot.
	KindPersistence
	// KindRemoteDeletion is a failed remote delete. Never fatal.
	KindRemoteDeletion
	// KindInvalid is a rejected argument.
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindUnready:
		return "unready"
	case KindPartTransfer:
		return "part_transfer_failure"
	case KindPersistence:
		return "persistence_failure"
	case KindRemoteDeletion:
		return "remote_deletion_failure"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. An *Error matches the sentinel of its kind.
var (
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrUnready        = &Error{Kind: KindUnready}
	ErrPartTransfer   = &Error{Kind: KindPartTransfer}
	ErrPersistence    = &Error{Kind: KindPersistence}
	ErrRemoteDeletion = &Error{Kind: KindRemoteDeletion}
	ErrInvalid        = &Error{Kind: KindInvalid}
)

// Error carries a Kind, the operation that failed and the cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New builds an *Error. err may be nil.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error whose cause is a formatted message.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
