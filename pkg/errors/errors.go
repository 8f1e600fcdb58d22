// Package errors provides the structured error type used across placesync, with codes, categories and context.
package errors

import (
	"encoding/json"
	stderr "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode identifies a class of failure.
type ErrorCode string

const (
	// Configuration errors fail the process at startup.
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeMissingConfig ErrorCode = "MISSING_CONFIG"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave    ErrorCode = "CONFIG_SAVE"

	// Transient network errors. Retryable.
	ErrCodeConnectionFailed  ErrorCode = "CONNECTION_FAILED"
	ErrCodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeNetworkError      ErrorCode = "NETWORK_ERROR"
	ErrCodeRemoteUnavailable ErrorCode = "REMOTE_UNAVAILABLE"
	ErrCodeOperationTimeout  ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"

	// Data errors. Treated as a miss by readers.
	ErrCodeMalformedPayload ErrorCode = "MALFORMED_PAYLOAD"
	ErrCodeEntryNotFound    ErrorCode = "ENTRY_NOT_FOUND"
	ErrCodeFlagNotFound     ErrorCode = "FLAG_NOT_FOUND"

	// Local store errors.
	ErrCodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	ErrCodeStoreWrite       ErrorCode = "STORE_WRITE"
	ErrCodeStoreRead        ErrorCode = "STORE_READ"

	// Request errors.
	ErrCodeInvalidKey        ErrorCode = "INVALID_KEY"
	ErrCodeInvalidMutation   ErrorCode = "INVALID_MUTATION"
	ErrCodeRemoteRejected    ErrorCode = "REMOTE_REJECTED"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"

	// State errors.
	ErrCodeComponentStopped ErrorCode = "COMPONENT_STOPPED"
	ErrCodeInternalError    ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory groups codes by how callers react to them.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryTransient     ErrorCategory = "transient"
	CategoryData          ErrorCategory = "data"
	CategoryStorage       ErrorCategory = "storage"
	CategoryRequest       ErrorCategory = "request"
	CategoryExhausted     ErrorCategory = "exhausted"
	CategoryInternal      ErrorCategory = "internal"
)

// SyncError is a structured error with context and handling hints.
type SyncError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	Retryable  bool `json:"retryable"`
	HTTPStatus int  `json:"http_status,omitempty"`
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, msg)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is matches on Code so that errors.Is(err, New(code, "")) works.
func (e *SyncError) Is(target error) bool {
	if t, ok := target.(*SyncError); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed representation for logging.
func (e *SyncError) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("SyncError{%s}", strings.Join(parts, ", "))
}

// New creates an error with the defaults for its code.
func New(code ErrorCode, message string) *SyncError {
	return &SyncError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Context:    make(map[string]string),
		Retryable:  IsRetryableByDefault(code),
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// Newf is New with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *SyncError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates an error of the given code caused by err.
func Wrap(err error, code ErrorCode, message string) *SyncError {
	return New(code, message).WithCause(err)
}

// GetCategory determines the category of a code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeMissingConfig, ErrCodeConfigLoad, ErrCodeConfigSave:
		return CategoryConfiguration
	case ErrCodeConnectionFailed, ErrCodeConnectionTimeout, ErrCodeNetworkError,
		ErrCodeRemoteUnavailable, ErrCodeOperationTimeout, ErrCodeCircuitOpen:
		return CategoryTransient
	case ErrCodeMalformedPayload, ErrCodeEntryNotFound, ErrCodeFlagNotFound:
		return CategoryData
	case ErrCodeStoreUnavailable, ErrCodeStoreWrite, ErrCodeStoreRead:
		return CategoryStorage
	case ErrCodeInvalidKey, ErrCodeInvalidMutation, ErrCodeRemoteRejected, ErrCodeOperationCanceled:
		return CategoryRequest
	case ErrCodeRetryExhausted:
		return CategoryExhausted
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault reports whether a code describes a transient failure.
func IsRetryableByDefault(code ErrorCode) bool {
	return GetCategory(code) == CategoryTransient
}

// GetDefaultHTTPStatus maps a code to the status the control API reports.
func GetDefaultHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeInvalidKey, ErrCodeInvalidMutation:
		return 400
	case ErrCodeEntryNotFound, ErrCodeFlagNotFound:
		return 404
	case ErrCodeRemoteRejected:
		return 422
	case ErrCodeRemoteUnavailable, ErrCodeCircuitOpen, ErrCodeStoreUnavailable, ErrCodeComponentStopped:
		return 503
	case ErrCodeOperationTimeout, ErrCodeConnectionTimeout:
		return 504
	case ErrCodeNetworkError, ErrCodeConnectionFailed:
		return 502
	default:
		return 500
	}
}

// WithContext adds a context key/value.
func (e *SyncError) WithContext(key, value string) *SyncError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds a detail value.
func (e *SyncError) WithDetail(key string, value interface{}) *SyncError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component.
func (e *SyncError) WithComponent(component string) *SyncError {
	e.Component = component
	return e
}

// WithOperation sets the operation.
func (e *SyncError) WithOperation(operation string) *SyncError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause.
func (e *SyncError) WithCause(cause error) *SyncError {
	e.Cause = cause
	return e
}

// WithRetryable overrides the retryable hint.
func (e *SyncError) WithRetryable(retryable bool) *SyncError {
	e.Retryable = retryable
	return e
}

// IsRetryable reports whether err, or anything it wraps, is a retryable SyncError.
func IsRetryable(err error) bool {
	var se *SyncError
	if stderr.As(err, &se) {
		return se.Retryable
	}
	return false
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	var se *SyncError
	if stderr.As(err, &se) {
		return se.Code == code
	}
	return false
}

// CodeOf returns the code of err, or ErrCodeInternalError for foreign errors.
func CodeOf(err error) ErrorCode {
	var se *SyncError
	if stderr.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternalError
}
