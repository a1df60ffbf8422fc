package model

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable machine-readable code for model layer errors.
type ErrorCode string

const (
	// ErrorCodeConfig marks an unknown profile, a missing active profile or a
	// credential stored in the wrong place.
	ErrorCodeConfig ErrorCode = "ERR_CONFIG"
	// ErrorCodeAuth marks a missing credential. Callers render it as a warning.
	ErrorCodeAuth ErrorCode = "ERR_AUTH"
	// ErrorCodeBackend marks upstream HTTP failures, malformed frames and
	// schema-conformance failures.
	ErrorCodeBackend ErrorCode = "ERR_BACKEND"
	// ErrorCodeMalformedData is only ever logged; malformed tool arguments
	// are absorbed where they are parsed.
	ErrorCodeMalformedData ErrorCode = "ERR_MALFORMED_DATA"
)

// CodedError exposes a stable code for programmatic handling.
type CodedError interface {
	error
	Code() ErrorCode
}

// Error is the concrete CodedError returned by this package and the
// backends.
type Error struct {
	code  ErrorCode
	msg   string
	cause error
}

func (e *Error) Error() string {
	switch {
	case e.cause == nil:
		return e.msg
	case e.msg == "":
		return e.cause.Error()
	default:
		return e.msg + ": " + e.cause.Error()
	}
}

func (e *Error) Unwrap() error   { return e.cause }
func (e *Error) Code() ErrorCode { return e.code }

// NewCodedError formats a message under code.
func NewCodedError(code ErrorCode, format string, args ...any) error {
	return &Error{code: code, msg: fmt.Sprintf(format, args...)}
}

// WrapCodedError attaches code and a message to cause. A nil cause yields a
// plain coded error.
func WrapCodedError(code ErrorCode, cause error, format string, args ...any) error {
	return &Error{code: code, msg: fmt.Sprintf(format, args...), cause: cause}
}

// ErrorCodeOf returns the code of the outermost CodedError in err's chain.
func ErrorCodeOf(err error) ErrorCode {
	var coded CodedError
	if !errors.As(err, &coded) {
		return ""
	}
	return coded.Code()
}

func IsConfigError(err error) bool  { return ErrorCodeOf(err) == ErrorCodeConfig }
func IsAuthError(err error) bool    { return ErrorCodeOf(err) == ErrorCodeAuth }
func IsBackendError(err error) bool { return ErrorCodeOf(err) == ErrorCodeBackend }
