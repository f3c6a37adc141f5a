// Package errs classifies failures raised while accepting and running a
// submission so that transports can decide what reaches the user.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the failure category of an Error.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation covers missing quizzes, problems, testcases and
	// sources without a detectable entry point.
	KindValidation
	// KindResource covers workspace allocation and filesystem failures.
	KindResource
	// KindSandbox covers failures to start or talk to the sandbox runtime.
	KindSandbox
	// KindTransport covers rejected handshakes and bad tokens.
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindResource:
		return "resource"
	case KindSandbox:
		return "sandbox"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Error carries a user-facing message plus the underlying cause.
// Msg must never contain host filesystem paths.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Validation returns a KindValidation error with the given message.
func Validation(msg string) error {
	return &Error{Kind: KindValidation, Msg: msg}
}

// Resource wraps err as a KindResource error.
func Resource(msg string, err error) error {
	return &Error{Kind: KindResource, Msg: msg, Err: err}
}

// Sandbox wraps err as a KindSandbox error.
func Sandbox(msg string, err error) error {
	return &Error{Kind: KindSandbox, Msg: msg, Err: err}
}

// Transport returns a KindTransport error.
func Transport(msg string) error {
	return &Error{Kind: KindTransport, Msg: msg}
}

// KindOf reports the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Message returns the user-facing message of err, or fallback when err
// is not an *Error.
func Message(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	return fallback
}
