package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// SuccessResponse represents a standardised success response
type SuccessResponse struct {
	Status    string `json:"status"`
	Data      any    `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, r *http.Request, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().
			Err(err).
			Str("request_id", GetRequestID(r)).
			Msg("Failed to encode JSON response")
	}
}

// WriteSuccess writes a standardised success response
func WriteSuccess(w http.ResponseWriter, r *http.Request, data any, message string) {
	WriteJSON(w, r, SuccessResponse{
		Status:    "success",
		Data:      data,
		Message:   message,
		RequestID: GetRequestID(r),
	}, http.StatusOK)
}

// WriteNoContent writes a 204 No Content response
func WriteNoContent(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Service   string `json:"service"`
	Version   string `json:"version,omitempty"`
	Sessions  int    `json:"sessions"`
}

// WriteHealthy writes a standardised health check response
func WriteHealthy(w http.ResponseWriter, r *http.Request, service, version string, sessions int) {
	WriteJSON(w, r, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
		Service:   service,
		Version:   version,
		Sessions:  sessions,
	}, http.StatusOK)
}

// ndjsonWriter streams one JSON document per line and flushes after each so
// clients see results as they complete
type ndjsonWriter struct {
	enc  *json.Encoder
	ctrl *http.ResponseController
}

func newNDJSONWriter(w http.ResponseWriter) *ndjsonWriter {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return &ndjsonWriter{enc: json.NewEncoder(w), ctrl: http.NewResponseController(w)}
}

func (n *ndjsonWriter) Write(v any) error {
	if err := n.enc.Encode(v); err != nil {
		return err
	}
	// Writers that cannot flush still deliver the body when the handler returns
	if err := n.ctrl.Flush(); err != nil && err != http.ErrNotSupported {
		return err
	}
	return nil
}
