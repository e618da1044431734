package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatFatal            ErrorCategory = "fatal"             // Native library reported a definitive error
	ErrCatTimeout          ErrorCategory = "timeout"           // Bounded wait exceeded
	ErrCatDuplicateSegment ErrorCategory = "duplicate_segment" // Segment already registered
	ErrCatNotRegistered    ErrorCategory = "not_registered"    // Segment was never registered
	ErrCatInvalidUsage     ErrorCategory = "invalid_usage"     // Unsupported by the resolved capabilities
	ErrCatAborted          ErrorCategory = "aborted"           // Handle already torn down
	ErrCatInternal         ErrorCategory = "internal"          // Unexpected internal error
)

// Error is the structured error returned by communicator and policy operations.
type Error struct {
	Category ErrorCategory
	Code     string
	Message  string
	// Reason is the caller-supplied failure reason (for example a watchdog
	// timeout), distinct from the native error text.
	Reason string
	// Result is the native result name, when one was involved.
	Result string
	Cause  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
	if e.Reason != "" {
		msg += fmt.Sprintf(" (reason: %s)", e.Reason)
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(" (%v)", e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error on category and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithReason attaches a caller-supplied failure reason.
func (e *Error) WithReason(reason string) *Error {
	e.Reason = reason
	return e
}

// Error codes.
const (
	CodeNativeError       = "NATIVE_ERROR"
	CodeTimeout           = "TIMEOUT"
	CodeDuplicateSegment  = "DUPLICATE_SEGMENT"
	CodeNotRegistered     = "NOT_REGISTERED"
	CodeInvalidUsage      = "INVALID_USAGE"
	CodeAborted           = "COMM_ABORTED"
	CodeWriterRegistered  = "WRITER_ALREADY_REGISTERED"
	CodeBorrowedEventUsed = "BORROWED_EVENT_CLEARED"
)

// Sentinels usable with errors.Is.
var (
	ErrTimeoutSentinel          = &Error{Category: ErrCatTimeout, Code: CodeTimeout}
	ErrDuplicateSegmentSentinel = &Error{Category: ErrCatDuplicateSegment, Code: CodeDuplicateSegment}
	ErrNotRegisteredSentinel    = &Error{Category: ErrCatNotRegistered, Code: CodeNotRegistered}
	ErrInvalidUsageSentinel     = &Error{Category: ErrCatInvalidUsage, Code: CodeInvalidUsage}
	ErrAbortedSentinel          = &Error{Category: ErrCatAborted, Code: CodeAborted}
	ErrWriterRegisteredSentinel = &Error{Category: ErrCatInvalidUsage, Code: CodeWriterRegistered}
)

// ErrFatal creates a fatal error for a non-success native result.
func ErrFatal(result, message string) *Error {
	return &Error{
		Category: ErrCatFatal,
		Code:     CodeNativeError,
		Message:  message,
		Result:   result,
	}
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string) *Error {
	return &Error{
		Category: ErrCatTimeout,
		Code:     CodeTimeout,
		Message:  message,
	}
}

// ErrDuplicateSegment creates an error for a segment registered twice.
func ErrDuplicateSegment(addr uintptr, comm string) *Error {
	return &Error{
		Category: ErrCatDuplicateSegment,
		Code:     CodeDuplicateSegment,
		Message:  fmt.Sprintf("segment with ptr %#x has already been registered on comm %s", addr, comm),
	}
}

// ErrNotRegistered creates an error for deregistering an unknown segment.
func ErrNotRegistered(addr uintptr, comm string) *Error {
	return &Error{
		Category: ErrCatNotRegistered,
		Code:     CodeNotRegistered,
		Message:  fmt.Sprintf("segment with ptr %#x is not registered on comm %s", addr, comm),
	}
}

// ErrInvalidUsage creates an error for an operation the resolved
// capabilities do not support.
func ErrInvalidUsage(op string) *Error {
	return &Error{
		Category: ErrCatInvalidUsage,
		Code:     CodeInvalidUsage,
		Message:  fmt.Sprintf("%s is not supported by the native library", op),
		Result:   "ncclInvalidUsage",
	}
}

// ErrAborted creates an error for operations on an aborted handle.
func ErrAborted(op string) *Error {
	return &Error{
		Category: ErrCatAborted,
		Code:     CodeAborted,
		Message:  fmt.Sprintf("cannot %s: communicator was aborted", op),
	}
}

// IsRetryable reports whether a higher layer may abort-and-retry.
// Only timeouts qualify.
func IsRetryable(err error) bool {
	return GetCategory(err) == ErrCatTimeout
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}
