// Package errors defines the typed errors shared across uniauth components.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error types
const (
	// ErrInvalidRequest is returned when a request is malformed or missing required fields
	ErrInvalidRequest = "invalid_request"

	// ErrInvalidCredentials is returned when the presented credentials do not match
	ErrInvalidCredentials = "invalid_credentials"

	// ErrInvalidToken is returned when a token fails verification
	ErrInvalidToken = "invalid_token"

	// ErrTokenExpired is returned when a token or code is past its expiry
	ErrTokenExpired = "token_expired"

	// ErrRateLimited is returned when the cooldown window rejects an operation
	ErrRateLimited = "rate_limited"

	// ErrDailyLimitExceeded is returned when the daily quota rejects an operation
	ErrDailyLimitExceeded = "daily_limit_exceeded"

	// ErrNotFound is returned when a requested entity does not exist
	ErrNotFound = "not_found"

	// ErrConflict is returned when a uniqueness constraint is violated
	ErrConflict = "conflict"

	// ErrForbidden is returned when the caller is not allowed to perform an operation
	ErrForbidden = "forbidden"

	// ErrSuspended is returned when the owning user account is suspended
	ErrSuspended = "suspended"

	// ErrUnsupportedGrant is returned for unknown grant_type values
	ErrUnsupportedGrant = "unsupported_grant_type"

	// ErrInvalidScope is returned when a requested scope exceeds what is permitted
	ErrInvalidScope = "invalid_scope"

	// ErrInvalidGrant is returned when a code or refresh token cannot be redeemed
	ErrInvalidGrant = "invalid_grant"

	// ErrInvalidClient is returned when client authentication fails
	ErrInvalidClient = "invalid_client"

	// ErrRedirectURIMismatch is returned when a redirect URI is not registered for the client
	ErrRedirectURIMismatch = "redirect_uri_mismatch"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error

	// RetryAfter is the number of seconds the caller should wait before
	// retrying. Only set for rate-limit errors.
	RetryAfter int
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewInvalidRequestError creates a new invalid request error
func NewInvalidRequestError(message string, cause error) *Error {
	return NewError(ErrInvalidRequest, message, cause)
}

// NewInvalidCredentialsError creates a new invalid credentials error
func NewInvalidCredentialsError(message string, cause error) *Error {
	return NewError(ErrInvalidCredentials, message, cause)
}

// NewInvalidTokenError creates a new invalid token error
func NewInvalidTokenError(message string, cause error) *Error {
	return NewError(ErrInvalidToken, message, cause)
}

// NewTokenExpiredError creates a new token expired error
func NewTokenExpiredError(message string, cause error) *Error {
	return NewError(ErrTokenExpired, message, cause)
}

// NewRateLimitedError creates a new rate limited error carrying the number of
// seconds until the cooldown window opens again.
func NewRateLimitedError(retryAfter int, cause error) *Error {
	return &Error{
		Type:       ErrRateLimited,
		Message:    fmt.Sprintf("rate limited, retry after %d seconds", retryAfter),
		Cause:      cause,
		RetryAfter: retryAfter,
	}
}

// NewDailyLimitExceededError creates a new daily limit exceeded error carrying
// the number of seconds until the quota resets at UTC midnight.
func NewDailyLimitExceededError(retryAfter int, cause error) *Error {
	return &Error{
		Type:       ErrDailyLimitExceeded,
		Message:    "daily limit exceeded",
		Cause:      cause,
		RetryAfter: retryAfter,
	}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *Error {
	return NewError(ErrNotFound, message, cause)
}

// NewConflictError creates a new conflict error
func NewConflictError(message string, cause error) *Error {
	return NewError(ErrConflict, message, cause)
}

// NewForbiddenError creates a new forbidden error
func NewForbiddenError(message string, cause error) *Error {
	return NewError(ErrForbidden, message, cause)
}

// NewSuspendedError creates a new suspended error
func NewSuspendedError(message string, cause error) *Error {
	return NewError(ErrSuspended, message, cause)
}

// NewUnsupportedGrantError creates a new unsupported grant error
func NewUnsupportedGrantError(message string, cause error) *Error {
	return NewError(ErrUnsupportedGrant, message, cause)
}

// NewInvalidScopeError creates a new invalid scope error
func NewInvalidScopeError(message string, cause error) *Error {
	return NewError(ErrInvalidScope, message, cause)
}

// NewInvalidGrantError creates a new invalid grant error
func NewInvalidGrantError(message string, cause error) *Error {
	return NewError(ErrInvalidGrant, message, cause)
}

// NewInvalidClientError creates a new invalid client error
func NewInvalidClientError(message string, cause error) *Error {
	return NewError(ErrInvalidClient, message, cause)
}

// NewRedirectURIMismatchError creates a new redirect URI mismatch error
func NewRedirectURIMismatchError(message string, cause error) *Error {
	return NewError(ErrRedirectURIMismatch, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// is reports whether err carries the given error type anywhere in its chain.
func is(err error, errorType string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errorType
}

// IsInvalidRequest checks if the error is an invalid request error
func IsInvalidRequest(err error) bool {
	return is(err, ErrInvalidRequest)
}

// IsInvalidCredentials checks if the error is an invalid credentials error
func IsInvalidCredentials(err error) bool {
	return is(err, ErrInvalidCredentials)
}

// IsInvalidToken checks if the error is an invalid token error
func IsInvalidToken(err error) bool {
	return is(err, ErrInvalidToken)
}

// IsTokenExpired checks if the error is a token expired error
func IsTokenExpired(err error) bool {
	return is(err, ErrTokenExpired)
}

// IsRateLimited checks if the error is a rate limited error
func IsRateLimited(err error) bool {
	return is(err, ErrRateLimited)
}

// IsDailyLimitExceeded checks if the error is a daily limit exceeded error
func IsDailyLimitExceeded(err error) bool {
	return is(err, ErrDailyLimitExceeded)
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return is(err, ErrNotFound)
}

// IsConflict checks if the error is a conflict error
func IsConflict(err error) bool {
	return is(err, ErrConflict)
}

// IsForbidden checks if the error is a forbidden error
func IsForbidden(err error) bool {
	return is(err, ErrForbidden)
}

// IsSuspended checks if the error is a suspended error
func IsSuspended(err error) bool {
	return is(err, ErrSuspended)
}

// IsUnsupportedGrant checks if the error is an unsupported grant error
func IsUnsupportedGrant(err error) bool {
	return is(err, ErrUnsupportedGrant)
}

// IsInvalidScope checks if the error is an invalid scope error
func IsInvalidScope(err error) bool {
	return is(err, ErrInvalidScope)
}

// IsInvalidGrant checks if the error is an invalid grant error
func IsInvalidGrant(err error) bool {
	return is(err, ErrInvalidGrant)
}

// IsInvalidClient checks if the error is an invalid client error
func IsInvalidClient(err error) bool {
	return is(err, ErrInvalidClient)
}

// IsRedirectURIMismatch checks if the error is a redirect URI mismatch error
func IsRedirectURIMismatch(err error) bool {
	return is(err, ErrRedirectURIMismatch)
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return is(err, ErrInternal)
}

// HTTPStatus maps an error to the HTTP status code of the application
// error envelope. Unknown errors map to 500.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Type {
	case ErrInvalidRequest, ErrUnsupportedGrant, ErrInvalidScope, ErrInvalidGrant, ErrRedirectURIMismatch:
		return http.StatusBadRequest
	case ErrInvalidCredentials, ErrInvalidToken, ErrTokenExpired, ErrInvalidClient:
		return http.StatusUnauthorized
	case ErrForbidden, ErrSuspended:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrRateLimited, ErrDailyLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the application error code for the envelope, or "internal"
// for unrecognized errors.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrInternal
}

// RetryAfter returns the retry hint carried by a rate-limit error, or zero.
func RetryAfter(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
