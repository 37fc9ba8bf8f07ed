package interop

import (
	"errors"
	"fmt"
)

// Kind classifies a dispatch failure.
type Kind string

const (
	KindEmptyIdentifier       Kind = "EmptyIdentifier"
	KindNotFound              Kind = "NotFound"
	KindArityMismatch         Kind = "ArityMismatch"
	KindMalformedPayload      Kind = "MalformedPayload"
	KindTypeMismatch          Kind = "TypeMismatch"
	KindCapabilityMismatch    Kind = "CapabilityMismatch"
	KindUnknownReference      Kind = "UnknownReference"
	KindInvalidTarget         Kind = "InvalidTarget"
	KindTargetFault           Kind = "TargetFault"
	KindSessionAborted        Kind = "SessionAborted"
	KindDuplicateRegistration Kind = "DuplicateRegistration"
	KindRegistryFrozen        Kind = "RegistryFrozen"
)

var (
	ErrEmptyIdentifier       = errors.New("interop: empty identifier")
	ErrNotFound              = errors.New("interop: method not found")
	ErrArityMismatch         = errors.New("interop: arity mismatch")
	ErrMalformedPayload      = errors.New("interop: malformed payload")
	ErrTypeMismatch          = errors.New("interop: type mismatch")
	ErrCapabilityMismatch    = errors.New("interop: capability mismatch")
	ErrUnknownReference      = errors.New("interop: unknown reference")
	ErrInvalidTarget         = errors.New("interop: invalid target")
	ErrTargetFault           = errors.New("interop: target fault")
	ErrSessionAborted        = errors.New("interop: session aborted")
	ErrDuplicateRegistration = errors.New("interop: duplicate registration")
	ErrRegistryFrozen        = errors.New("interop: registry frozen")
	ErrDuplicateCompletion   = errors.New("interop: duplicate completion")
)

var sentinels = map[Kind]error{
	KindEmptyIdentifier:       ErrEmptyIdentifier,
	KindNotFound:              ErrNotFound,
	KindArityMismatch:         ErrArityMismatch,
	KindMalformedPayload:      ErrMalformedPayload,
	KindTypeMismatch:          ErrTypeMismatch,
	KindCapabilityMismatch:    ErrCapabilityMismatch,
	KindUnknownReference:      ErrUnknownReference,
	KindInvalidTarget:         ErrInvalidTarget,
	KindTargetFault:           ErrTargetFault,
	KindSessionAborted:        ErrSessionAborted,
	KindDuplicateRegistration: ErrDuplicateRegistration,
	KindRegistryFrozen:        ErrRegistryFrozen,
}

// Error is a classified dispatch failure. Error() is the diagnostic sent to
// the caller in a failure completion; Public overrides it when the internal
// kind must not be disclosed.
type Error struct {
	Kind   Kind
	Detail string
	Public string
	Cause  error
}

// Errorf builds an *Error of kind with a formatted detail.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Diagnostic is the caller-facing message.
func (e *Error) Diagnostic() string {
	if e.Public != "" {
		return e.Public
	}
	return e.Error()
}

// Unwrap exposes the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if s, ok := sentinels[e.Kind]; ok {
		out = append(out, s)
	}
	if e.Cause != nil {
		out = append(out, e.Cause)
	}
	return out
}

// WithCause attaches an underlying error and returns e.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// KindOf returns the kind of err, or KindTargetFault for unclassified errors.
func KindOf(err error) Kind {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindTargetFault
}

// Diagnostic renders any error as a caller-facing message.
func Diagnostic(err error) string {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Diagnostic()
	}
	return err.Error()
}
