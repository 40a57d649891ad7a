// Package errdefs defines the error kinds shared by every layer of eeval.
// Kinds are stable across the wire: the transport encodes them in the
// gRPC status details and restores them on the client side.
package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind string

const (
	KindUnknown         Kind = ""
	KindNotFound        Kind = "NOT_FOUND"
	KindDeserialization Kind = "DESERIALIZATION_ERROR"
	KindInvalidContext  Kind = "INVALID_CONTEXT"
	KindEvaluation      Kind = "EVALUATION_ERROR"
	KindInvalidArgument Kind = "INVALID_ARGUMENT"
	KindConnectivity    Kind = "CONNECTIVITY_FAILURE"
	KindInternal        Kind = "INTERNAL_FAULT"
)

var kinds = []Kind{
	KindNotFound,
	KindDeserialization,
	KindInvalidContext,
	KindEvaluation,
	KindInvalidArgument,
	KindConnectivity,
	KindInternal,
}

// ParseKind returns the Kind named by s, or KindUnknown.
func ParseKind(s string) Kind {
	for _, k := range kinds {
		if string(k) == s {
			return k
		}
	}
	return KindUnknown
}

// Error wraps an underlying error with its kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string // Operation that failed
	Err  error  // Underlying error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind with no operation
// or message of its own, so that errors.Is(err, errdefs.ErrNotFound) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == sentinel
}

var sentinel = errors.New("")

// Sentinels usable with errors.Is.
var (
	ErrNotFound        = &Error{Kind: KindNotFound, Err: sentinel}
	ErrDeserialization = &Error{Kind: KindDeserialization, Err: sentinel}
	ErrInvalidContext  = &Error{Kind: KindInvalidContext, Err: sentinel}
	ErrEvaluation      = &Error{Kind: KindEvaluation, Err: sentinel}
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument, Err: sentinel}
	ErrConnectivity    = &Error{Kind: KindConnectivity, Err: sentinel}
	ErrInternal        = &Error{Kind: KindInternal, Err: sentinel}
)

// New returns an error of the given kind.
func New(kind Kind, op string, format string, args ...interface{}) error {
	return &Error{
		Kind: kind,
		Op:   op,
		Err:  fmt.Errorf(format, args...),
	}
}

// Wrap attaches a kind to err. A nil err stays nil. If err already carries a
// kind it is returned unchanged.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindUnknown {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// NotFound reports an unknown model, version, context or dataset.
func NotFound(op, format string, args ...interface{}) error {
	return New(KindNotFound, op, format, args...)
}

// InvalidArgument reports a malformed request.
func InvalidArgument(op, format string, args ...interface{}) error {
	return New(KindInvalidArgument, op, format, args...)
}

// InvalidContext reports a context lacking the keys an operation needs.
func InvalidContext(op, format string, args ...interface{}) error {
	return New(KindInvalidContext, op, format, args...)
}

// Deserialization reports a context or vector that could not be parsed.
func Deserialization(op string, err error) error {
	return &Error{Kind: KindDeserialization, Op: op, Err: err}
}

// Evaluation reports a failure while computing on ciphertexts.
func Evaluation(op string, err error) error {
	return &Error{Kind: KindEvaluation, Op: op, Err: err}
}

// Internal reports a server-side fault unrelated to the request.
func Internal(op string, err error) error {
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

// Connectivity reports that the server could not be reached.
func Connectivity(op string, err error) error {
	return &Error{Kind: KindConnectivity, Op: op, Err: err}
}
