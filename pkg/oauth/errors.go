package oauth

import (
	"errors"
	"net/http"

	uaerrors "github.com/uniauth/uniauth/pkg/errors"
)

// ErrorResponse is the OAuth error envelope: {error, error_description}
// per RFC 6749 section 5.2.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// WireError maps an engine error onto the OAuth envelope and its HTTP
// status. Error kinds that already are RFC codes pass through, bearer
// token failures collapse to invalid_token, and anything unexpected
// becomes server_error with a generic description so internals never
// reach the wire.
func WireError(err error) (int, *ErrorResponse) {
	code := uaerrors.Code(err)

	switch code {
	case uaerrors.ErrInvalidRequest,
		uaerrors.ErrInvalidClient,
		uaerrors.ErrInvalidGrant,
		uaerrors.ErrUnsupportedGrant,
		uaerrors.ErrInvalidScope,
		uaerrors.ErrRedirectURIMismatch:
		return uaerrors.HTTPStatus(err), &ErrorResponse{Error: code, ErrorDescription: wireDescription(err)}
	case uaerrors.ErrInvalidToken, uaerrors.ErrTokenExpired:
		return http.StatusUnauthorized, &ErrorResponse{Error: "invalid_token", ErrorDescription: wireDescription(err)}
	case uaerrors.ErrForbidden, uaerrors.ErrSuspended:
		return http.StatusForbidden, &ErrorResponse{Error: "access_denied", ErrorDescription: wireDescription(err)}
	default:
		return http.StatusInternalServerError, &ErrorResponse{
			Error:            "server_error",
			ErrorDescription: "an internal error occurred",
		}
	}
}

// wireDescription extracts the error message without the wrapped cause,
// which may carry internals.
func wireDescription(err error) string {
	var typed *uaerrors.Error
	if errors.As(err, &typed) {
		return typed.Message
	}
	return ""
}
