// Package llmerrors defines the typed error kinds shared across the
// orchestration core. Components return *TypedError so callers can branch
// on Code without string matching.
package llmerrors

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a failure for retry and propagation decisions.
type ErrorCode string

const (
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeToolLimit        ErrorCode = "TOOL_LIMIT"
	CodeTokenLimit       ErrorCode = "TOKEN_LIMIT"
	CodeCostLimit        ErrorCode = "COST_LIMIT"
	CodeModelError       ErrorCode = "MODEL_ERROR"
	CodeToolError        ErrorCode = "TOOL_ERROR"
	CodeWorkflowError    ErrorCode = "WORKFLOW_ERROR"
	CodeContextError     ErrorCode = "CONTEXT_ERROR"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeRateLimited      ErrorCode = "RATE_LIMITED"
	CodeBudgetExceeded   ErrorCode = "BUDGET_EXCEEDED"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeQuotaExceeded    ErrorCode = "QUOTA_EXCEEDED"
)

// TypedError carries a stable code alongside the underlying cause.
type TypedError struct {
	Code    ErrorCode
	Message string
	cause   error
}

// New creates a TypedError with the given code and message.
func New(code ErrorCode, message string) *TypedError {
	return &TypedError{Code: code, Message: message}
}

// Newf creates a TypedError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *TypedError {
	return &TypedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an existing error, preserving the chain.
func Wrap(code ErrorCode, message string, cause error) *TypedError {
	return &TypedError{Code: code, Message: message, cause: cause}
}

func (e *TypedError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *TypedError) Unwrap() error { return e.cause }

// CodeOf extracts the ErrorCode from an error chain, or "" if untyped.
func CodeOf(err error) ErrorCode {
	var te *TypedError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// Is lets errors.Is match two TypedErrors by code.
func (e *TypedError) Is(target error) bool {
	var te *TypedError
	if errors.As(target, &te) {
		return te.Code == e.Code
	}
	return false
}

// UserFacingMessage maps an internal failure to text safe to show an end
// user. Provider error strings are never passed through verbatim.
func UserFacingMessage(err error) string {
	switch CodeOf(err) {
	case CodeTimeout:
		return "The request took too long to complete. Please try again, or break the task into smaller steps."
	case CodeToolLimit:
		return "This task required more tool operations than allowed. Please decompose it into smaller requests."
	case CodeBudgetExceeded, CodeCostLimit:
		return "This request would exceed your current usage budget."
	case CodeContextError:
		return "The assistant could not assemble the context for this request."
	case CodePermissionDenied:
		return "You don't have permission to use that capability."
	case CodeRateLimited, CodeQuotaExceeded:
		return "The system is handling too many requests right now. Please try again shortly."
	case CodeToolError, CodeWorkflowError:
		return "A tool step failed; the assistant is proceeding without that information."
	default:
		return "Something went wrong while processing your request. Please try again."
	}
}
