package api

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrorResponse is the error envelope of every API failure
type ErrorResponse struct {
	Status    int    `json:"status"`
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorCode is the machine-readable half of an ErrorResponse
type ErrorCode string

const (
	ErrCodeBadRequest       ErrorCode = "BAD_REQUEST"
	ErrCodeUnauthorised     ErrorCode = "UNAUTHORISED"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeMethodNotAllowed ErrorCode = "METHOD_NOT_ALLOWED"
	ErrCodeValidation       ErrorCode = "VALIDATION_ERROR"
	ErrCodeTooLarge         ErrorCode = "REQUEST_TOO_LARGE"
	ErrCodeRateLimit        ErrorCode = "RATE_LIMIT_EXCEEDED"

	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// internalMessage replaces the detail of server errors in responses
const internalMessage = "Internal server error"

// WriteError responds with err. Server errors are reported to Sentry and their
// detail stays in the logs.
func WriteError(w http.ResponseWriter, r *http.Request, err error, status int, code ErrorCode) {
	logger := loggerWithRequest(r)
	levelFor(&logger, status).
		Err(err).
		Int("status", status).
		Str("code", string(code)).
		Msg("API error response")

	message := err.Error()
	if status >= http.StatusInternalServerError {
		hub := sentry.CurrentHub().Clone()
		hub.Scope().SetTag("request_id", GetRequestID(r))
		hub.Scope().SetTag("path", r.URL.Path)
		hub.CaptureException(err)
		message = internalMessage
	}
	writeEnvelope(w, r, message, status, code)
}

// WriteErrorMessage responds with a message meant for the caller
func WriteErrorMessage(w http.ResponseWriter, r *http.Request, message string, status int, code ErrorCode) {
	logger := loggerWithRequest(r)
	levelFor(&logger, status).
		Int("status", status).
		Str("code", string(code)).
		Str("message", message).
		Msg("API error response")

	writeEnvelope(w, r, message, status, code)
}

func levelFor(logger *zerolog.Logger, status int) *zerolog.Event {
	if status >= http.StatusInternalServerError {
		return logger.Error()
	}
	return logger.Warn()
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, message string, status int, code ErrorCode) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(ErrorResponse{
		Status:    status,
		Message:   message,
		Code:      string(code),
		RequestID: GetRequestID(r),
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

func BadRequest(w http.ResponseWriter, r *http.Request, message string) {
	WriteErrorMessage(w, r, message, http.StatusBadRequest, ErrCodeBadRequest)
}

// ValidationError is a 422 for a well-formed request the crawler cannot run
func ValidationError(w http.ResponseWriter, r *http.Request, err error) {
	WriteErrorMessage(w, r, err.Error(), http.StatusUnprocessableEntity, ErrCodeValidation)
}

func NotFound(w http.ResponseWriter, r *http.Request, message string) {
	WriteErrorMessage(w, r, message, http.StatusNotFound, ErrCodeNotFound)
}

func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteErrorMessage(w, r, "Method not allowed", http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed)
}

func RequestTooLarge(w http.ResponseWriter, r *http.Request, message string) {
	WriteErrorMessage(w, r, message, http.StatusRequestEntityTooLarge, ErrCodeTooLarge)
}

func InternalError(w http.ResponseWriter, r *http.Request, err error) {
	WriteError(w, r, err, http.StatusInternalServerError, ErrCodeInternal)
}

func ServiceUnavailable(w http.ResponseWriter, r *http.Request, message string) {
	WriteErrorMessage(w, r, message, http.StatusServiceUnavailable, ErrCodeServiceUnavailable)
}

// TooManyRequests responds with a 429 and a Retry-After of at least one second,
// three when retryAfter is unknown
func TooManyRequests(w http.ResponseWriter, r *http.Request, message string, retryAfter time.Duration) {
	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds <= 0 {
		seconds = 3
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	WriteErrorMessage(w, r, message, http.StatusTooManyRequests, ErrCodeRateLimit)
}
