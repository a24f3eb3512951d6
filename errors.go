package objectbase

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeForbidden    ErrorType = "forbidden"
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	ErrorTypeConflict     ErrorType = "conflict"
	ErrorTypeExecution    ErrorType = "execution"
	ErrorTypeUpstream     ErrorType = "upstream"
	ErrorTypeInternal     ErrorType = "internal"
)

// Error is the structured error returned by every objectbase service.
type Error struct {
	Type    ErrorType      `json:"type"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Field   string         `json:"field,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s:%s] field '%s': %s", e.Type, e.Code, e.Field, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Type, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a single detail to an Error
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause adds a cause to an Error
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithField adds field context to an Error
func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

const (
	ErrCodeValidationFailed      = "VALIDATION_FAILED"
	ErrCodeRequiredFieldMissing  = "REQUIRED_FIELD_MISSING"
	ErrCodeInvalidAPIName        = "INVALID_API_NAME"
	ErrCodeDuplicateAPIName      = "DUPLICATE_API_NAME"
	ErrCodeInvalidFieldOptions   = "INVALID_FIELD_OPTIONS"
	ErrCodeTypeMismatch          = "TYPE_MISMATCH"
	ErrCodeInvalidFilter         = "INVALID_FILTER"
	ErrCodeInvalidPage           = "INVALID_PAGE"
	ErrCodeSystemFieldImmutable  = "SYSTEM_FIELD_IMMUTABLE"
	ErrCodeSystemObjectImmutable = "SYSTEM_OBJECT_IMMUTABLE"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeForbidden             = "FORBIDDEN"
	ErrCodeUnauthenticated       = "UNAUTHENTICATED"
	ErrCodeInvalidTransition     = "INVALID_SESSION_TRANSITION"
	ErrCodeLinkExpired           = "LINK_EXPIRED"
	ErrCodeLinkInactive          = "LINK_INACTIVE"
	ErrCodeUpstreamFailed        = "UPSTREAM_FAILED"
	ErrCodeQueryFailed           = "QUERY_FAILED"
	ErrCodeTransactionFailed     = "TRANSACTION_FAILED"
	ErrCodeInternalError         = "INTERNAL_ERROR"
)

// NewError creates a new Error
func NewError(errorType ErrorType, code, message string) *Error {
	return &Error{
		Type:    errorType,
		Code:    code,
		Message: message,
	}
}

// NewValidationError creates a validation error
func NewValidationError(field, message string) *Error {
	return &Error{
		Type:    ErrorTypeValidation,
		Code:    ErrCodeValidationFailed,
		Message: message,
		Field:   field,
	}
}

// NewNotFoundError creates a not found error for the named resource.
func NewNotFoundError(resource, id string) *Error {
	return &Error{
		Type:    ErrorTypeNotFound,
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s %s not found", resource, id),
		Details: map[string]any{"resource": resource, "id": id},
	}
}

// NewForbiddenError creates a forbidden error
func NewForbiddenError(code, message string) *Error {
	return &Error{
		Type:    ErrorTypeForbidden,
		Code:    code,
		Message: message,
	}
}

// NewUnauthenticatedError is returned when an operation needs a signed-in user.
func NewUnauthenticatedError() *Error {
	return &Error{
		Type:    ErrorTypeUnauthorized,
		Code:    ErrCodeUnauthenticated,
		Message: "authentication required",
	}
}

// NewConflictError creates a conflict error
func NewConflictError(code, message string) *Error {
	return &Error{
		Type:    ErrorTypeConflict,
		Code:    code,
		Message: message,
	}
}

// NewQueryError wraps a backend rejection.
func NewQueryError(message string, cause error) *Error {
	return &Error{
		Type:    ErrorTypeExecution,
		Code:    ErrCodeQueryFailed,
		Message: message,
		Cause:   cause,
	}
}

// NewTransactionError creates a transaction error
func NewTransactionError(message string, cause error) *Error {
	return &Error{
		Type:    ErrorTypeExecution,
		Code:    ErrCodeTransactionFailed,
		Message: message,
		Cause:   cause,
	}
}

// NewUpstreamError creates an error for failed calls to external services.
func NewUpstreamError(message string, cause error) *Error {
	return &Error{
		Type:    ErrorTypeUpstream,
		Code:    ErrCodeUpstreamFailed,
		Message: message,
		Cause:   cause,
	}
}

// NewInternalError creates an internal error
func NewInternalError(message string, cause error) *Error {
	return &Error{
		Type:    ErrorTypeInternal,
		Code:    ErrCodeInternalError,
		Message: message,
		Cause:   cause,
	}
}

// IsValidationError checks if error is a validation error
func IsValidationError(err error) bool {
	return hasType(err, ErrorTypeValidation)
}

// IsNotFoundError checks if error is a not found error
func IsNotFoundError(err error) bool {
	return hasType(err, ErrorTypeNotFound)
}

// IsForbiddenError checks if error is a forbidden error
func IsForbiddenError(err error) bool {
	return hasType(err, ErrorTypeForbidden)
}

// ErrorCode returns the code of the first *Error in err's chain, or "".
func ErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func hasType(err error, t ErrorType) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == t
	}
	return false
}
