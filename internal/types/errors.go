package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. Handlers and services use these constants instead of
// hardcoded strings so the API layer can map them to HTTP statuses uniformly.
const (
	// Validation (400)
	ErrCodeValidationBatchSize    ErrorCode = "validation_batch_size_out_of_range"
	ErrCodeValidationMissingField ErrorCode = "validation_missing_required_field"
	ErrCodeValidationContent      ErrorCode = "validation_content_invalid"

	// Not Found (404)
	ErrCodeNotFoundPlannedMessage ErrorCode = "not_found_planned_message"
	ErrCodeNotFoundConversation   ErrorCode = "not_found_conversation"
	ErrCodeNotFoundUser           ErrorCode = "not_found_user"

	// Conflict (409)
	ErrCodeConflictAlreadyPromoted  ErrorCode = "conflict_already_promoted"
	ErrCodeConflictAlreadyDelivered ErrorCode = "conflict_already_delivered"
	ErrCodeConflictCycleRunning     ErrorCode = "conflict_cycle_already_running"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
	ErrCodeBrokerUnavailable  ErrorCode = "upstream_broker_unavailable"
	ErrCodeUpstreamSearch     ErrorCode = "upstream_search_unavailable"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the structured application error used across service and
// repository boundaries. It wraps an underlying cause (never exposed to API
// clients) together with a stable code and a client-safe message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
	Details map[string]any
}

// NewAppError creates an AppError wrapping the given cause. cause may be nil.
func NewAppError(code ErrorCode, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Err: cause}
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/errors.As chains.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status implied by the error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails attaches structured detail fields and returns the error for
// chaining.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}
