package errors

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strings"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// Query and lookup errors
	ErrorTypeNotFound       ErrorType = "NOT_FOUND"
	ErrorTypeTooManyResults ErrorType = "TOO_MANY_RESULTS"

	// Compilation errors
	ErrorTypeUnsupported ErrorType = "UNSUPPORTED_OPERATION"
	ErrorTypeValidation  ErrorType = "VALIDATION"

	// Write errors
	ErrorTypeConflict     ErrorType = "OPTIMISTIC_LOCK_CONFLICT"
	ErrorTypePartialBatch ErrorType = "PARTIAL_BATCH_FAILURE"
	ErrorTypeAccessDenied ErrorType = "ACCESS_DENIED"

	// Infrastructure errors
	ErrorTypeStorage  ErrorType = "STORAGE_FAILURE"
	ErrorTypeInternal ErrorType = "INTERNAL"
)

// AppError represents an application-specific error
type AppError struct {
	Type       ErrorType              `json:"type"`
	Message    string                 `json:"message"`
	Code       string                 `json:"code,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	StackTrace string                 `json:"-"`
	HTTPStatus int                    `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithCode adds an error code
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// WithDetail adds a single detail entry
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithDetails adds error details
func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	for k, v := range details {
		e.WithDetail(k, v)
	}
	return e
}

// WithCause wraps an underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Cause = err
	return e
}

// captureStackTrace captures the current stack trace
func captureStackTrace() string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack strings.Builder
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&stack, "%s:%d %s\n", frame.File, frame.Line, frame.Function)
		if !more {
			break
		}
	}
	return stack.String()
}

// Constructor functions for common error types

// NewNotFoundError creates a not found error for a single-item lookup with zero matches
func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
		StackTrace: captureStackTrace(),
	}
}

// NewTooManyResultsError creates an error for a unique lookup that matched more than one item
func NewTooManyResultsError(resource string, matched int) *AppError {
	return &AppError{
		Type:       ErrorTypeTooManyResults,
		Message:    fmt.Sprintf("%s: expected a unique result, matched at least %d", resource, matched),
		HTTPStatus: http.StatusConflict,
		StackTrace: captureStackTrace(),
	}
}

// NewUnsupportedError creates an error for an operator or projection that has no
// mapping on the target backend
func NewUnsupportedError(operation, backend string) *AppError {
	return &AppError{
		Type:       ErrorTypeUnsupported,
		Message:    fmt.Sprintf("operation %s is not supported by backend %s", operation, backend),
		Details:    map[string]interface{}{"operation": operation, "backend": backend},
		HTTPStatus: http.StatusBadRequest,
		StackTrace: captureStackTrace(),
	}
}

// NewArityError creates an error for a condition with the wrong operand count
func NewArityError(operator string, want string, got int) *AppError {
	return &AppError{
		Type:       ErrorTypeUnsupported,
		Code:       "ARITY",
		Message:    fmt.Sprintf("operator %s takes %s operand(s), got %d", operator, want, got),
		Details:    map[string]interface{}{"operation": operator, "operands": got},
		HTTPStatus: http.StatusBadRequest,
		StackTrace: captureStackTrace(),
	}
}

// NewValidationError creates a validation error
func NewValidationError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
		StackTrace: captureStackTrace(),
	}
}

// NewConflictError creates an optimistic lock conflict error
func NewConflictError(resource string, expected, actual int64) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Message:    fmt.Sprintf("%s was modified concurrently: expected version %d, found %d", resource, expected, actual),
		Details:    map[string]interface{}{"expected_version": expected, "actual_version": actual},
		HTTPStatus: http.StatusConflict,
		StackTrace: captureStackTrace(),
	}
}

// NewAlreadyExistsError creates a conflict error for an insert-if-absent collision
func NewAlreadyExistsError(resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       "ALREADY_EXISTS",
		Message:    fmt.Sprintf("%s already exists", resource),
		HTTPStatus: http.StatusConflict,
		StackTrace: captureStackTrace(),
	}
}

// NewAccessDeniedError creates an access denied error
func NewAccessDeniedError(resource, operation string) *AppError {
	return &AppError{
		Type:       ErrorTypeAccessDenied,
		Message:    fmt.Sprintf("%s on %s denied", operation, resource),
		HTTPStatus: http.StatusForbidden,
		StackTrace: captureStackTrace(),
	}
}

// NewUnauthorizedError creates an access denied error for a request without
// valid credentials
func NewUnauthorizedError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeAccessDenied,
		Code:       "UNAUTHORIZED",
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
		StackTrace: captureStackTrace(),
	}
}

// NewStorageError wraps an opaque backend error without interpreting it
func NewStorageError(operation string, err error) *AppError {
	return &AppError{
		Type:       ErrorTypeStorage,
		Message:    fmt.Sprintf("storage operation '%s' failed", operation),
		Cause:      err,
		HTTPStatus: http.StatusBadGateway,
		StackTrace: captureStackTrace(),
	}
}

// NewInternalError creates an internal error
func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		StackTrace: captureStackTrace(),
	}
}

// BatchError reports the individual failures of a batch whose other items were still attempted.
type BatchError struct {
	Operation string
	Attempted int
	Failures  map[string]error
}

// Error implements the error interface
func (e *BatchError) Error() string {
	ids := e.FailedIDs()
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %v", id, e.Failures[id]))
	}
	return fmt.Sprintf("%s: %s failed for %d of %d item(s): %s",
		ErrorTypePartialBatch, e.Operation, len(e.Failures), e.Attempted, strings.Join(parts, "; "))
}

// FailedIDs returns the failed identifiers in sorted order
func (e *BatchError) FailedIDs() []string {
	ids := make([]string, 0, len(e.Failures))
	for id := range e.Failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NewBatchError returns nil when failures is empty so callers can return it directly.
func NewBatchError(operation string, attempted int, failures map[string]error) error {
	if len(failures) == 0 {
		return nil
	}
	return &BatchError{Operation: operation, Attempted: attempted, Failures: failures}
}

// Helper functions

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts AppError from an error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// GetBatchError extracts BatchError from an error chain
func GetBatchError(err error) *BatchError {
	var batchErr *BatchError
	if errors.As(err, &batchErr) {
		return batchErr
	}
	return nil
}

// IsType checks if an error is of a specific type
func IsType(err error, errType ErrorType) bool {
	if errType == ErrorTypePartialBatch {
		return GetBatchError(err) != nil
	}
	appErr := GetAppError(err)
	return appErr != nil && appErr.Type == errType
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	return IsType(err, ErrorTypeNotFound)
}

// IsTooManyResults checks if an error is a too many results error
func IsTooManyResults(err error) bool {
	return IsType(err, ErrorTypeTooManyResults)
}

// IsUnsupported checks if an error is an unsupported operation error
func IsUnsupported(err error) bool {
	return IsType(err, ErrorTypeUnsupported)
}

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool {
	return IsType(err, ErrorTypeValidation)
}

// IsConflict checks if an error is an optimistic lock conflict
func IsConflict(err error) bool {
	return IsType(err, ErrorTypeConflict)
}

// IsPartialBatch checks if an error is a partial batch failure
func IsPartialBatch(err error) bool {
	return IsType(err, ErrorTypePartialBatch)
}

// IsAccessDenied checks if an error is an access denied error
func IsAccessDenied(err error) bool {
	return IsType(err, ErrorTypeAccessDenied)
}

// IsStorage checks if an error is a wrapped backend failure
func IsStorage(err error) bool {
	return IsType(err, ErrorTypeStorage)
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	// If it's already an AppError, add context to message
	if appErr := GetAppError(err); appErr != nil {
		appErr.Message = fmt.Sprintf("%s: %s", message, appErr.Message)
		return appErr
	}

	// Otherwise create a new internal error
	return NewInternalError(message).WithCause(err)
}
