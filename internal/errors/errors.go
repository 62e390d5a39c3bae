// Package errors provides a structured error type with codes for the
// synthesis engine. Import it as perr.
package errors

import (
	stderrs "errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies failures across the engine
type ErrorCode uint16

const (
	// ErrorCodeUnknown is for unclassified errors
	ErrorCodeUnknown ErrorCode = iota

	// ErrorCodeInvalidArgument is for malformed fragments and bad parameters
	ErrorCodeInvalidArgument

	// ErrorCodeNotFound is for missing reports or signatures
	ErrorCodeNotFound

	// ErrorCodeBusy is returned while another synthesis run is active
	ErrorCodeBusy

	// ErrorCodeTooSoon is returned inside the minimum interval between runs
	ErrorCodeTooSoon

	// ErrorCodeThermalEmergency is for runs refused or aborted by the thermal controller
	ErrorCodeThermalEmergency

	// ErrorCodeCancelled is for runs aborted by an external cancellation
	ErrorCodeCancelled

	// ErrorCodePersistence is for storage failures
	ErrorCodePersistence

	// ErrorCodeQuota is for storage quota exhaustion
	ErrorCodeQuota
)

var codeNames = map[ErrorCode]string{
	ErrorCodeUnknown:          "unknown",
	ErrorCodeInvalidArgument:  "invalid_argument",
	ErrorCodeNotFound:         "not_found",
	ErrorCodeBusy:             "busy",
	ErrorCodeTooSoon:          "too_soon",
	ErrorCodeThermalEmergency: "thermal_emergency",
	ErrorCodeCancelled:        "cancelled",
	ErrorCodePersistence:      "persistence",
	ErrorCodeQuota:            "quota",
}

// String returns the stable name of the code
func (c ErrorCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return "unknown"
}

// HTTPStatusCode turns an ErrorCode into an http status code
func HTTPStatusCode(c ErrorCode) int {
	switch c {
	case ErrorCodeInvalidArgument:
		return http.StatusUnprocessableEntity
	case ErrorCodeNotFound:
		return http.StatusNotFound
	case ErrorCodeBusy:
		return http.StatusConflict
	case ErrorCodeTooSoon:
		return http.StatusTooManyRequests
	case ErrorCodeThermalEmergency, ErrorCodeQuota:
		return http.StatusServiceUnavailable
	case ErrorCodeCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Error is the structured error type
// msg is developer facing; code is machine facing; op names the operation
type Error struct {
	orig error
	msg  string
	code ErrorCode
	op   string
}

// Wire is the JSON-serializable form returned by the API
type Wire struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.orig != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.orig)
	}
	return e.msg
}

// Unwrap returns the wrapped error, if any
func (e *Error) Unwrap() error { return e.orig }

// Code returns the error code
func (e *Error) Code() ErrorCode { return e.code }

// Op returns the operation label, if set
func (e *Error) Op() string { return e.op }

// WireFrom converts any error into a Wire payload
func WireFrom(err error) Wire {
	if err == nil {
		return Wire{}
	}
	if e, ok := As(err); ok {
		return Wire{Code: e.code.String(), Message: e.Error()}
	}
	return Wire{Code: ErrorCodeUnknown.String(), Message: err.Error()}
}

// Root returns the deepest wrapped cause
func Root(err error) error {
	for err != nil {
		u := stderrs.Unwrap(err)
		if u == nil {
			return err
		}
		err = u
	}
	return nil
}

// CodeOf extracts an ErrorCode from any error, defaulting to Unknown
func CodeOf(err error) ErrorCode {
	if e, ok := As(err); ok {
		return e.code
	}
	return ErrorCodeUnknown
}

// IsCode reports whether err has the given code
func IsCode(err error, code ErrorCode) bool { return err != nil && CodeOf(err) == code }

// HTTPStatus returns the mapped HTTP status for any error
func HTTPStatus(err error) int { return HTTPStatusCode(CodeOf(err)) }

// As unwraps and returns (*Error, true) if err is one of ours
func As(err error) (*Error, bool) {
	var e *Error
	if stderrs.As(err, &e) {
		return e, true
	}
	return nil, false
}

// WithOp attaches an operation label (copy-on-write). Foreign errors are returned unchanged
func WithOp(err error, op string) error {
	if e, ok := As(err); ok {
		c := *e
		c.op = op
		return &c
	}
	return err
}

// New returns a new *Error with the given code and message
func New(code ErrorCode, msg string) error { return &Error{code: code, msg: msg} }

// Newf returns a new *Error with code and formatted message
func Newf(code ErrorCode, format string, a ...any) error {
	return &Error{code: code, msg: fmt.Sprintf(format, a...)}
}

// Wrap returns a new *Error that wraps orig with code and message
func Wrap(orig error, code ErrorCode, msg string) error {
	return &Error{code: code, msg: msg, orig: orig}
}

// Wrapf returns a new *Error that wraps orig with code and formatted message
func Wrapf(orig error, code ErrorCode, format string, a ...any) error {
	return &Error{code: code, msg: fmt.Sprintf(format, a...), orig: orig}
}

// WrapIf wraps only when err != nil
func WrapIf(err error, code ErrorCode, msg string) error {
	if err == nil {
		return nil
	}
	return Wrap(err, code, msg)
}

// InvalidArgf returns an invalid argument error
func InvalidArgf(format string, a ...any) error { return Newf(ErrorCodeInvalidArgument, format, a...) }

// NotFoundf returns a not found error
func NotFoundf(format string, a ...any) error { return Newf(ErrorCodeNotFound, format, a...) }

// Persistencef wraps a storage failure
func Persistencef(orig error, format string, a ...any) error {
	return Wrapf(orig, ErrorCodePersistence, format, a...)
}

// ErrBusy is returned when a synthesis run is already active
var ErrBusy = New(ErrorCodeBusy, "synthesis already running")

// ErrThermalEmergency is the cancellation cause used by the thermal controller
var ErrThermalEmergency = New(ErrorCodeThermalEmergency, "critical thermal state")
