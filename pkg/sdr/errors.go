package sdr

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failures so control-surface callers can map them
// to responses without string matching.
type ErrorCode string

const (
	CodeConfigInvalid     ErrorCode = "config_invalid"
	CodeBusy              ErrorCode = "busy"
	CodeDeviceUnavailable ErrorCode = "device_unavailable"
	CodeNotStreaming      ErrorCode = "not_streaming"
	CodeAcquisitionFault  ErrorCode = "acquisition_fault"
	CodeTransformError    ErrorCode = "transform_error"
	CodeQueueOverflow     ErrorCode = "queue_overflow"
)

// ErrReadTimeout is returned by Device.ReadBlock when the bounded wait
// expires before a full block arrives. The acquisition loop treats it as
// retryable; every other read error is fatal to the session.
var ErrReadTimeout = errors.New("sdr: read timeout")

// Error carries a taxonomy code alongside the failing operation.
type Error struct {
	Code ErrorCode
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds a coded error with a formatted cause.
func Errorf(code ErrorCode, op, format string, args ...interface{}) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a code and operation to an underlying error. A nil err
// yields a bare coded error.
func Wrap(code ErrorCode, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf extracts the taxonomy code from err, unwrapping as needed.
// Errors produced outside this package report as acquisition faults.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeAcquisitionFault
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
