package errors

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for entity operations
type ErrorCode int

const (
	ErrCodeOK ErrorCode = 0

	// Caller errors
	ErrCodeInvalidArgument      ErrorCode = 1000
	ErrCodeNotFound             ErrorCode = 1001
	ErrCodeRevisionMismatch     ErrorCode = 1002
	ErrCodeForbiddenWrite       ErrorCode = 1003
	ErrCodeDanglingLinks        ErrorCode = 1004
	ErrCodeUnsupportedOperation ErrorCode = 1005
	ErrCodeMultipleResults      ErrorCode = 1006

	// Backend errors
	ErrCodeInternal           ErrorCode = 2000
	ErrCodeBackendUnavailable ErrorCode = 2001
	ErrCodeRetryExhausted     ErrorCode = 2002
)

// EntityError represents a structured error with code and context
type EntityError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *EntityError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *EntityError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts EntityError to gRPC status
func (e *EntityError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *EntityError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument:
		return codes.InvalidArgument
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeRevisionMismatch:
		return codes.Aborted
	case ErrCodeForbiddenWrite:
		return codes.PermissionDenied
	case ErrCodeDanglingLinks, ErrCodeMultipleResults:
		return codes.FailedPrecondition
	case ErrCodeUnsupportedOperation:
		return codes.Unimplemented
	case ErrCodeBackendUnavailable, ErrCodeRetryExhausted:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// NewEntityError creates a new EntityError
func NewEntityError(code ErrorCode, message string, cause error) *EntityError {
	return &EntityError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *EntityError) WithDetail(key string, value interface{}) *EntityError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *EntityError {
	return NewEntityError(ErrCodeInvalidArgument, message, cause)
}

func NotFound(entityType, id string) *EntityError {
	return NewEntityError(ErrCodeNotFound, fmt.Sprintf("entity not found: %s:%s", entityType, id), nil).
		WithDetail("type", entityType).
		WithDetail("id", id)
}

func RevisionMismatch(entityType, id string, revision int64, cause error) *EntityError {
	return NewEntityError(ErrCodeRevisionMismatch,
		fmt.Sprintf("revision mismatch for %s:%s at revision %d", entityType, id, revision), cause).
		WithDetail("type", entityType).
		WithDetail("id", id).
		WithDetail("revision", revision)
}

func ForbiddenWrite(entityType, id string) *EntityError {
	return NewEntityError(ErrCodeForbiddenWrite, fmt.Sprintf("write not allowed for %s:%s", entityType, id), nil).
		WithDetail("type", entityType).
		WithDetail("id", id)
}

func DanglingLinks(entityType, id string) *EntityError {
	return NewEntityError(ErrCodeDanglingLinks,
		fmt.Sprintf("deleting %s:%s would leave dangling links", entityType, id), nil).
		WithDetail("type", entityType).
		WithDetail("id", id)
}

func Unsupported(operation, entityType string) *EntityError {
	return NewEntityError(ErrCodeUnsupportedOperation,
		fmt.Sprintf("%s is not supported for hashed type %s", operation, entityType), nil).
		WithDetail("operation", operation).
		WithDetail("type", entityType)
}

func MultipleResults(entityType string, count int) *EntityError {
	return NewEntityError(ErrCodeMultipleResults,
		fmt.Sprintf("expected single linkage for %s, found %d", entityType, count), nil).
		WithDetail("type", entityType).
		WithDetail("count", count)
}

func InternalError(message string, cause error) *EntityError {
	return NewEntityError(ErrCodeInternal, message, cause)
}

func BackendUnavailable(message string, cause error) *EntityError {
	return NewEntityError(ErrCodeBackendUnavailable, message, cause)
}

func RetryExhausted(operation string, attempts int, cause error) *EntityError {
	return NewEntityError(ErrCodeRetryExhausted,
		fmt.Sprintf("%s failed after %d attempts", operation, attempts), cause).
		WithDetail("operation", operation).
		WithDetail("attempts", attempts)
}

// IsEntityError checks if an error is, or wraps, an EntityError
func IsEntityError(err error) bool {
	var ee *EntityError
	return errors.As(err, &ee)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var ee *EntityError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ErrCodeInternal
}

// ToGRPCStatus maps any error onto a gRPC status.
func ToGRPCStatus(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	var ee *EntityError
	if errors.As(err, &ee) {
		return ee.ToGRPCStatus()
	}
	return status.New(codes.Internal, err.Error())
}

func IsRevisionMismatch(err error) bool { return GetCode(err) == ErrCodeRevisionMismatch }

func IsForbiddenWrite(err error) bool { return GetCode(err) == ErrCodeForbiddenWrite }

func IsDanglingLinks(err error) bool { return GetCode(err) == ErrCodeDanglingLinks }

func IsUnsupported(err error) bool { return GetCode(err) == ErrCodeUnsupportedOperation }

// IsRetryable reports whether the caller should re-read and try again.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case ErrCodeRevisionMismatch, ErrCodeBackendUnavailable:
		return true
	default:
		return false
	}
}
