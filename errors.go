package xmlsec

import (
	"errors"
	"fmt"
)

// ErrorKind identifies which stage of the signature or encryption
// pipeline produced an error.
type ErrorKind int

const (
	// ErrMarshal covers structural problems reading or writing an
	// element: missing required children, malformed attributes, or an
	// exceeded transform cap.
	ErrMarshal ErrorKind = iota + 1

	// ErrAlgorithmUnsupported is returned for algorithm URIs that are
	// not registered, or that are forbidden under secure validation.
	ErrAlgorithmUnsupported

	// ErrTransform is returned when a transform fails.
	ErrTransform

	// ErrCanonicalization is returned when a canonicalizer fails.
	ErrCanonicalization

	// ErrDigest, ErrSignature, ErrEncryption and ErrKeyResolution wrap
	// primitive failures at the respective boundary.
	ErrDigest
	ErrSignature
	ErrEncryption
	ErrKeyResolution

	// ErrInvalidState is returned when an operation is invoked on an
	// object in the wrong mode or lifecycle phase.
	ErrInvalidState

	// ErrInvalidInput is returned for nil or empty required inputs.
	ErrInvalidInput
)

func (k ErrorKind) String() string {
	switch k {
	case ErrMarshal:
		return "marshal"
	case ErrAlgorithmUnsupported:
		return "algorithm unsupported"
	case ErrTransform:
		return "transform"
	case ErrCanonicalization:
		return "canonicalization"
	case ErrDigest:
		return "digest"
	case ErrSignature:
		return "signature"
	case ErrEncryption:
		return "encryption"
	case ErrKeyResolution:
		return "key resolution"
	case ErrInvalidState:
		return "invalid state"
	case ErrInvalidInput:
		return "invalid input"
	}
	return "unknown"
}

// Error is the error type produced by this module. Kind partitions the
// failure space; Cause carries the underlying primitive or parser error
// when there is one.
type Error struct {
	Kind  ErrorKind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Msg + ": " + e.Cause.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds an *Error with a formatted message. The message should
// already carry its package prefix.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError builds an *Error around a cause.
func WrapError(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// IsKind reports whether any error in err's chain is an *Error of the
// given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// ErrAlreadyInitialized is returned when registering against a registry
// that has already served a lookup.
var ErrAlreadyInitialized = errors.New("xmlsec: registry already initialized")

func newErr(kind ErrorKind, format string, args ...interface{}) *Error {
	return NewError(kind, "xmlsec: "+format, args...)
}

func wrapErr(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	return WrapError(kind, cause, "xmlsec: "+format, args...)
}
