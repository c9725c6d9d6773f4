// Package bridgeerr defines the closed set of error kinds every core
// component returns. Callers match on Kind instead of comparing against
// sentinel values or doing string matching on error text.
package bridgeerr

import "fmt"

// Kind is a tag identifying the category of failure, per spec §7.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindAlreadyExists    Kind = "already_exists"
	KindNameInUse        Kind = "name_in_use"
	KindAlreadyAllocated Kind = "already_allocated"
	KindAlreadyConnected Kind = "already_connected"
	KindAlreadyRunning   Kind = "already_running"
	KindInvalidArgument  Kind = "invalid_argument"
	KindStateConflict    Kind = "state_conflict"
	KindExhausted        Kind = "exhausted"
	KindRemoteFailure    Kind = "remote_failure"
	KindDependencyFailed Kind = "dependency_failure"
	KindDatabase         Kind = "database_error"
	KindCancelled        Kind = "cancelled"
)

// Error is the concrete error type returned by core operations. It carries
// a Kind for programmatic dispatch, an Op naming the failing operation, and
// an optional wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target carries the same Kind, so callers can write
// `errors.Is(err, bridgeerr.NotFound)`-style sentinels built with New.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Err != nil || t.Msg != "" {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs a bare sentinel of the given kind, usable with errors.Is.
func New(kind Kind) *Error { return &Error{Kind: kind} }

// Newf builds a new tagged error with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error with a Kind and an operation name.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from err, returning "" if err is not (or does
// not wrap) a *Error.
func KindOf(err error) Kind {
	var e *Error
	for err != nil {
		if ee, ok := err.(*Error); ok {
			e = ee
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return ""
	}
	return e.Kind
}

var (
	NotFound         = New(KindNotFound)
	AlreadyExists    = New(KindAlreadyExists)
	NameInUse        = New(KindNameInUse)
	AlreadyAllocated = New(KindAlreadyAllocated)
	AlreadyConnected = New(KindAlreadyConnected)
	AlreadyRunning   = New(KindAlreadyRunning)
	InvalidArgument  = New(KindInvalidArgument)
	StateConflict    = New(KindStateConflict)
	Exhausted        = New(KindExhausted)
	RemoteFailure    = New(KindRemoteFailure)
	DependencyFailed = New(KindDependencyFailed)
	Database         = New(KindDatabase)
	Cancelled        = New(KindCancelled)
)
