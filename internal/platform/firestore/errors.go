package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrVersionMismatch is returned inside transactions when the stored version differs from the
// caller's expectation. WrapError classifies it as a conflict.
var ErrVersionMismatch = status.Error(codes.Aborted, "firestore: version mismatch")

type errorKind uint8

const (
	kindOther errorKind = iota
	kindNotFound
	kindConflict
	kindUnavailable
)

func (k errorKind) String() string {
	switch k {
	case kindNotFound:
		return "not_found"
	case kindConflict:
		return "conflict"
	case kindUnavailable:
		return "unavailable"
	default:
		return "other"
	}
}

func classify(err error) errorKind {
	switch status.Code(err) {
	case codes.NotFound:
		return kindNotFound
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted:
		return kindConflict
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.DeadlineExceeded:
		return kindUnavailable
	default:
		return kindOther
	}
}

// Error carries the operation name and a coarse classification used by the service layer
// to pick NotFound, Conflict or Unavailable.
type Error struct {
	op   string
	kind errorKind
	err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.op == "" {
		return fmt.Sprintf("%v (%s)", e.err, e.kind)
	}
	return fmt.Sprintf("%s: %v (%s)", e.op, e.err, e.kind)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// Op names the repository operation that failed.
func (e *Error) Op() string {
	if e == nil {
		return ""
	}
	return e.op
}

func (e *Error) IsNotFound() bool    { return e != nil && e.kind == kindNotFound }
func (e *Error) IsConflict() bool    { return e != nil && e.kind == kindConflict }
func (e *Error) IsUnavailable() bool { return e != nil && e.kind == kindUnavailable }

// WrapError annotates a Firestore error with repository semantics. Context cancellation is
// returned as is, and an error already wrapped keeps its classification.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if status.Code(err) == codes.Canceled {
		return context.Canceled
	}

	var existing *Error
	if errors.As(err, &existing) {
		if existing.op == "" {
			existing.op = op
		}
		return existing
	}
	return &Error{op: op, kind: classify(err), err: err}
}
