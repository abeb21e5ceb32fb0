// Package errors provides standardized error responses for the certification service.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the certification service.
type ErrorCode string

const (
	// Validation errors
	SKV_VALIDATION       ErrorCode = "SKV_VALIDATION"       // General validation error
	SKV_BAD_REQUEST      ErrorCode = "SKV_BAD_REQUEST"      // Bad request
	SKV_INVALID_DURATION ErrorCode = "SKV_INVALID_DURATION" // Non-positive media duration
	SKV_INVALID_CODE     ErrorCode = "SKV_INVALID_CODE"     // Malformed access code
	SKV_INCOMPLETE       ErrorCode = "SKV_INCOMPLETE"       // Course not completed

	// Authentication/Authorization errors
	SKV_AUTHN       ErrorCode = "SKV_AUTHN"       // Authentication failed
	SKV_AUTHZ       ErrorCode = "SKV_AUTHZ"       // Authorization failed
	SKV_JWT_INVALID ErrorCode = "SKV_JWT_INVALID" // Invalid JWT
	SKV_JWT_EXPIRED ErrorCode = "SKV_JWT_EXPIRED" // Expired JWT

	// Resource errors
	SKV_NOT_FOUND          ErrorCode = "SKV_NOT_FOUND"          // Resource not found
	SKV_UNKNOWN_COURSE     ErrorCode = "SKV_UNKNOWN_COURSE"     // Course missing from catalog
	SKV_CONFLICT           ErrorCode = "SKV_CONFLICT"           // Resource conflict
	SKV_INVALID_TRANSITION ErrorCode = "SKV_INVALID_TRANSITION" // Certificate transition not allowed
	SKV_ALREADY_USED       ErrorCode = "SKV_ALREADY_USED"       // Access code already redeemed

	// Server errors
	SKV_INTERNAL    ErrorCode = "SKV_INTERNAL"    // Internal server error
	SKV_UNAVAILABLE ErrorCode = "SKV_UNAVAILABLE" // Service unavailable
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case SKV_VALIDATION, SKV_BAD_REQUEST, SKV_INVALID_DURATION, SKV_INVALID_CODE:
		return http.StatusBadRequest
	case SKV_INCOMPLETE:
		return http.StatusUnprocessableEntity
	case SKV_AUTHZ:
		return http.StatusForbidden
	case SKV_AUTHN, SKV_JWT_INVALID, SKV_JWT_EXPIRED:
		return http.StatusUnauthorized
	case SKV_NOT_FOUND, SKV_UNKNOWN_COURSE:
		return http.StatusNotFound
	case SKV_CONFLICT, SKV_INVALID_TRANSITION, SKV_ALREADY_USED:
		return http.StatusConflict
	case SKV_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
