// Package errors maps domain errors onto the JSON error envelope returned by
// the HTTP API.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/3leaps/runnerhub/internal/observability"
	"github.com/3leaps/runnerhub/pkg/api"
	"github.com/3leaps/runnerhub/pkg/auth"
	"github.com/3leaps/runnerhub/pkg/blobstore"
	"github.com/3leaps/runnerhub/pkg/formats"
	"github.com/3leaps/runnerhub/pkg/jobs"
	"github.com/3leaps/runnerhub/pkg/runners"
)

// HTTPErrorResponse is the body of every non-2xx response.
type HTTPErrorResponse = api.ErrorResponse

// HTTPError is an error with an HTTP status and API error code.
type HTTPError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// New returns an HTTPError without a cause.
func New(status int, code, message string) *HTTPError {
	return &HTTPError{Status: status, Code: code, Message: message}
}

// WithDetails attaches details to the envelope and returns e.
func (e *HTTPError) WithDetails(details map[string]any) *HTTPError {
	e.Details = details
	return e
}

func BadRequest(message string, err error) *HTTPError {
	return &HTTPError{Status: http.StatusBadRequest, Code: api.CodeInvalidArgument, Message: message, Err: err}
}

func NotFound(message string) *HTTPError {
	return New(http.StatusNotFound, api.CodeNotFound, message)
}

func Unauthorized() *HTTPError {
	return New(http.StatusUnauthorized, api.CodeUnauthorized, "missing or invalid bearer token")
}

func MethodNotAllowed() *HTTPError {
	return New(http.StatusMethodNotAllowed, api.CodeMethodNotAllowed, "method not allowed")
}

func TooLarge(limit int64) *HTTPError {
	return New(http.StatusRequestEntityTooLarge, api.CodeTooLarge,
		fmt.Sprintf("request body exceeds %d bytes", limit)).
		WithDetails(map[string]any{"limit_bytes": limit})
}

func Unavailable(message string) *HTTPError {
	return New(http.StatusServiceUnavailable, api.CodeUnavailable, message)
}

// FromError classifies err. HTTPErrors pass through; known domain sentinels
// map to their status; anything else becomes a 500 with a generic message.
func FromError(err error) *HTTPError {
	var he *HTTPError
	if errors.As(err, &he) {
		return he
	}
	var mbe *http.MaxBytesError
	switch {
	case errors.As(err, &mbe):
		e := TooLarge(mbe.Limit)
		e.Err = err
		return e
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, blobstore.ErrNotFound):
		return &HTTPError{Status: http.StatusNotFound, Code: api.CodeNotFound, Message: err.Error(), Err: err}
	case errors.Is(err, jobs.ErrForbidden):
		return &HTTPError{Status: http.StatusForbidden, Code: api.CodeForbidden, Message: "job belongs to another tenant", Err: err}
	case errors.Is(err, auth.ErrUnauthorized):
		e := Unauthorized()
		e.Err = err
		return e
	case errors.Is(err, jobs.ErrInvalidStatus),
		errors.Is(err, jobs.ErrInvalidJob),
		errors.Is(err, runners.ErrInvalidRegistration),
		errors.Is(err, formats.ErrUnknownFormat),
		errors.Is(err, blobstore.ErrInvalidKey):
		return BadRequest(err.Error(), err)
	default:
		return &HTTPError{Status: http.StatusInternalServerError, Code: api.CodeInternal, Message: "internal server error", Err: err}
	}
}

// RespondWithError writes err as the JSON envelope. 5xx responses are logged
// at error, 403 at warn and 404 at info.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	he := FromError(err)
	requestID := middleware.GetReqID(r.Context())

	fields := []zap.Field{
		zap.String("request_id", requestID),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", he.Status),
		zap.String("code", he.Code),
	}
	if he.Err != nil {
		fields = append(fields, zap.Error(he.Err))
	}
	switch {
	case he.Status >= 500:
		observability.ServerLogger.Error("Request failed", fields...)
	case he.Status == http.StatusForbidden:
		observability.ServerLogger.Warn("Forbidden request", fields...)
	default:
		observability.ServerLogger.Info("Request rejected", fields...)
	}

	WriteJSON(w, he.Status, HTTPErrorResponse{Error: api.ErrorBody{
		Code:      he.Code,
		Message:   he.Message,
		RequestID: requestID,
		Details:   he.Details,
	}})
}

// WriteJSON writes v with status. Encoding failures after the header is sent
// are logged only.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		observability.ServerLogger.Warn("Failed to encode response", zap.Error(err))
	}
}
