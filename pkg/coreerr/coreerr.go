// Package coreerr defines the error taxonomy shared by every control-plane
// component. Components never return bare errors across a public boundary;
// they wrap the underlying cause in a *Error tagged with a Kind so callers
// (the dispatcher, the HTTP edge, background loops) can classify failures
// without string-matching messages.
package coreerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure the way the invocation and lifecycle surfaces
// need to report it to callers.
type Kind string

const (
	BadInput    Kind = "bad-input"
	NotFound    Kind = "not-found"
	Forbidden   Kind = "forbidden"
	Conflict    Kind = "conflict"
	InUse       Kind = "in-use"
	Unavailable Kind = "unavailable"
	Timeout     Kind = "timeout"
	Overloaded  Kind = "overloaded"
	External    Kind = "external"
	Internal    Kind = "internal"
)

// Error is the standard error shape returned at every component boundary.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a new Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a new Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetails returns a copy of the error with details attached.
func (e *Error) WithDetails(details map[string]any) *Error {
	return &Error{Kind: e.Kind, Message: e.Message, Details: details, cause: e.cause}
}

// KindOf extracts the Kind from err, defaulting to Internal when err is not
// (or does not wrap) a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
