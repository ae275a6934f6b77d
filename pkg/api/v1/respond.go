package v1

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"

	uaerrors "github.com/uniauth/uniauth/pkg/errors"
	"github.com/uniauth/uniauth/pkg/logger"
	"github.com/uniauth/uniauth/pkg/storage"
)

// maxBodyBytes caps request bodies on the JSON surface. Nothing this API
// accepts legitimately approaches it.
const maxBodyBytes = 1 << 20

// envelope is the uniform application-surface response shape. The OAuth
// endpoints do not use it; they speak the RFC 6749 wire format instead.
type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// respondData writes a success envelope.
func respondData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data}); err != nil {
		logger.Errorf("failed to encode response: %v", err)
	}
}

// respondError maps an error onto the application envelope. Internal errors
// are logged with full detail and returned as an opaque message so storage
// and provider internals never reach the wire.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	// Storage sentinels that reach this point untyped still deserve their
	// natural status, not a 500.
	switch {
	case errors.Is(err, storage.ErrNotFound):
		err = uaerrors.NewNotFoundError("resource not found", err)
	case errors.Is(err, storage.ErrAlreadyExists):
		err = uaerrors.NewConflictError("resource already exists", err)
	}

	status := uaerrors.HTTPStatus(err)
	code := uaerrors.Code(err)
	message := err.Error()

	if status >= http.StatusInternalServerError {
		logger.Errorw("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		message = "internal server error"
	}
	if retryAfter := uaerrors.RetryAfter(err); retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encodeErr := json.NewEncoder(w).Encode(envelope{
		Success: false,
		Error:   &errorBody{Code: code, Message: message},
	})
	if encodeErr != nil {
		logger.Errorf("failed to encode error response: %v", encodeErr)
	}
}

// decodeJSON reads a JSON request body into v. A missing body is reported
// the same way as a malformed one.
func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return uaerrors.NewInvalidRequestError("request body is required", err)
		}
		return uaerrors.NewInvalidRequestError("invalid JSON body", err)
	}
	return nil
}
