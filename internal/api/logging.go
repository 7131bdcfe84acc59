package api

import (
	"context"
	"net/http"

	"github.com/Harvey-AU/nectar/internal/auth"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// loggerWithRequest returns a logger carrying the request's correlation fields
func loggerWithRequest(r *http.Request) zerolog.Logger {
	if r == nil {
		return log.With().Logger()
	}

	builder := log.With().
		Str("request_id", GetRequestID(r)).
		Str("method", r.Method).
		Str("path", r.URL.Path)

	if user, ok := auth.GetUserFromContext(r.Context()); ok && user.Subject != "" {
		builder = builder.Str("user_id", user.Subject)
	}

	return builder.Logger()
}

// loggerFromContext is loggerWithRequest for code that only holds the context
func loggerFromContext(ctx context.Context) zerolog.Logger {
	builder := log.With()
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		builder = builder.Str("request_id", id)
	}
	return builder.Logger()
}
