// Package errs defines the error kinds propagated across the public API:
// SchemaInvalid, NotFound, TypeMismatch, TransportFailure, StreamLost and
// Canceled, as named in the component design.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an Error so callers can branch on failure category without
// string matching.
type Kind int

const (
	// Unknown is the zero value; it should not appear on a wrapped Error
	// produced by this package.
	Unknown Kind = iota
	// SchemaInvalid marks a fatal introspection failure: a missing document
	// id, an ambiguous annotation or a cyclic record graph. Raised only at
	// registration time, never at runtime.
	SchemaInvalid
	// NotFound marks a strict get on an absent record.
	NotFound
	// TypeMismatch marks a decoded value that does not fit the declared
	// shape, or a dotted path that traverses through a non-document value.
	TypeMismatch
	// TransportFailure marks a storage-gateway failure: timeout, network,
	// auth, or a deadline elapsing.
	TransportFailure
	// StreamLost marks a change-stream pump that exhausted its retry
	// ceiling; fatal to the affected collection's coherence until the host
	// restarts the pump.
	StreamLost
	// Canceled marks cooperative cancellation of an in-flight operation.
	Canceled
)

func (k Kind) String() string {
	switch k {
	case SchemaInvalid:
		return "SchemaInvalid"
	case NotFound:
		return "NotFound"
	case TypeMismatch:
		return "TypeMismatch"
	case TransportFailure:
		return "TransportFailure"
	case StreamLost:
		return "StreamLost"
	case Canceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying error with a Kind so callers can classify it via
// errors.As/errors.Is without depending on sentinel values for every case.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind, so callers can
// write errors.Is(err, errs.New(errs.NotFound, nil)) as a category check.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New wraps err with the given Kind. A nil err is allowed, producing an
// Error whose message is just the Kind's name.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Wrap is a convenience for New that returns nil when err is nil, so call
// sites can write `return errs.Wrap(errs.TransportFailure, err)` unconditionally.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		kind = Canceled
	}
	return New(kind, err)
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

var (
	// ErrNotFound is a sentinel matching errs.Is(err, errs.NotFound) for
	// callers that prefer a plain comparable value, mirroring the teacher's
	// package-level ErrNotFound sentinel.
	ErrNotFound = New(NotFound, errors.New("not found"))
)
