// Package apperr defines the relay error taxonomy. Every pipeline stage
// returns *Error so callers can count and report failures by Kind.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindClassification Kind = "classification"
	KindTooLarge       Kind = "too_large"
	KindMalformed      Kind = "malformed"
	KindDecode         Kind = "decode"
	KindEncode         Kind = "encode"
	KindTransport      Kind = "transport"
	KindConfig         Kind = "config"
	KindUnknown        Kind = "unknown"
)

// Kinds lists every kind that is counted in statistics.
var Kinds = []Kind{
	KindClassification,
	KindTooLarge,
	KindMalformed,
	KindDecode,
	KindEncode,
	KindTransport,
	KindConfig,
}

type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error of the same Kind, so sentinel-style checks work:
// errors.Is(err, &apperr.Error{Kind: apperr.KindDecode}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

func New(kind Kind, op, message string) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: message,
	}
}

// Wrap attaches kind and op to err. An err that already carries an *Error
// is returned as-is so the innermost classification wins.
func Wrap(kind Kind, op, message string, err error) *Error {
	if err == nil {
		return nil
	}

	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}

	return &Error{
		Kind:    kind,
		Op:      op,
		Message: message,
		Cause:   err,
	}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindUnknown
}

// IsKind checks whether any error in the chain matches the provided kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
