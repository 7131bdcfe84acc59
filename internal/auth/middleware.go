// Package auth verifies bearer JWTs on API requests
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/getsentry/sentry-go"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// AuthClient defines the interface for authentication operations
type AuthClient interface {
	ValidateToken(ctx context.Context, token string) (*UserClaims, error)
	ExtractTokenFromRequest(r *http.Request) (string, error)
	SetUserInContext(r *http.Request, user *UserClaims) *http.Request
}

// UserContextKey is the key used to store user claims in the request context
type UserContextKey string

const (
	UserKey UserContextKey = "user"
)

// UserClaims represents the JWT claims the API relies on
type UserClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// JWTAuthClient validates tokens with a shared secret or a JWKS endpoint
type JWTAuthClient struct {
	cfg Config

	jwksOnce    sync.Once
	jwks        keyfunc.Keyfunc
	jwksInitErr error
}

// NewJWTAuthClient creates a client for cfg
func NewJWTAuthClient(cfg Config) (*JWTAuthClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &JWTAuthClient{cfg: cfg}, nil
}

// ErrNoToken means the request carried no bearer token
var ErrNoToken = errors.New("missing or invalid Authorization header")

// ErrKeySource means signing keys could not be fetched, which is a server fault
var ErrKeySource = errors.New("signing keys unavailable")

// ExtractTokenFromRequest reads a bearer token from the Authorization header.
// The scheme is matched case-insensitively.
func (c *JWTAuthClient) ExtractTokenFromRequest(r *http.Request) (string, error) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// SetUserInContext adds user claims to the request context
func (c *JWTAuthClient) SetUserInContext(r *http.Request, user *UserClaims) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), UserKey, user))
}

// getJWKS returns the cached JWKS client, creating it on first use
func (c *JWTAuthClient) getJWKS() (keyfunc.Keyfunc, error) {
	c.jwksOnce.Do(func() {
		override := keyfunc.Override{
			Client:          &http.Client{Timeout: 5 * time.Second},
			HTTPTimeout:     5 * time.Second,
			RefreshInterval: 10 * time.Minute,
			RefreshErrorHandlerFunc: func(url string) func(ctx context.Context, err error) {
				return func(ctx context.Context, err error) {
					log.Error().Err(err).Str("jwks_url", url).Msg("JWKS refresh failed")
				}
			},
		}

		childCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		c.jwks, c.jwksInitErr = keyfunc.NewDefaultOverrideCtx(childCtx, []string{c.cfg.JWKSURL}, override)
	})

	if c.jwksInitErr != nil {
		return nil, c.jwksInitErr
	}
	return c.jwks, nil
}

// ValidateToken parses and verifies a token
func (c *JWTAuthClient) ValidateToken(ctx context.Context, tokenString string) (*UserClaims, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("request context cancelled: %w", ctx.Err())
	default:
	}

	var (
		keyFunc jwt.Keyfunc
		methods []string
	)
	if c.cfg.Secret != "" {
		secret := []byte(c.cfg.Secret)
		keyFunc = func(*jwt.Token) (any, error) { return secret, nil }
		methods = []string{jwt.SigningMethodHS256.Name}
	} else {
		jwks, err := c.getJWKS()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrKeySource, err)
		}
		keyFunc = jwks.Keyfunc
		methods = []string{jwt.SigningMethodRS256.Name, jwt.SigningMethodES256.Name}
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods(methods)}
	if c.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.cfg.Issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &UserClaims{}, keyFunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*UserClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	if c.cfg.Audience != "" {
		audiences, err := claims.GetAudience()
		if err != nil {
			return nil, fmt.Errorf("failed to read audience: %w", err)
		}
		if !slices.Contains(audiences, c.cfg.Audience) {
			return nil, fmt.Errorf("token has unexpected audience: %v", audiences)
		}
	}

	return claims, nil
}

// AuthMiddlewareWithClient rejects requests without a valid bearer token and
// passes the token's claims on in the request context
func AuthMiddlewareWithClient(authClient AuthClient) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := authClient.ExtractTokenFromRequest(r)
			if err != nil {
				writeAuthError(w, "Missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := authClient.ValidateToken(r.Context(), tokenString)
			if err != nil {
				log.Warn().Err(err).Str("token_prefix", tokenString[:min(10, len(tokenString))]).Msg("JWT validation failed")
				message, status := classifyAuthError(err)
				writeAuthError(w, message, status)
				return
			}

			next.ServeHTTP(w, authClient.SetUserInContext(r, claims))
		})
	}
}

// classifyAuthError maps a validation failure to the caller-facing message and
// status. Bad signatures and key failures are reported to Sentry.
func classifyAuthError(err error) (string, int) {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Authentication token has expired", http.StatusUnauthorized
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		sentry.CaptureException(err)
		return "Invalid token signature", http.StatusUnauthorized
	case errors.Is(err, ErrKeySource):
		sentry.CaptureException(err)
		return "Authentication service misconfigured", http.StatusInternalServerError
	default:
		return "Invalid authentication token", http.StatusUnauthorized
	}
}

// GetUserFromContext extracts user claims from the request context
func GetUserFromContext(ctx context.Context) (*UserClaims, bool) {
	user, ok := ctx.Value(UserKey).(*UserClaims)
	return user, ok
}

// writeAuthError writes a standardised authentication error response
func writeAuthError(w http.ResponseWriter, message string, statusCode int) {
	code := "UNAUTHORISED"
	if statusCode >= 500 {
		code = "INTERNAL_ERROR"
	}

	w.Header().Set("Content-Type", "application/json")
	if statusCode == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="nectar"`)
	}
	w.WriteHeader(statusCode)

	response := map[string]any{
		"status":     statusCode,
		"message":    message,
		"code":       code,
		"request_id": w.Header().Get("X-Request-ID"),
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode unauthorised response")
	}
}
