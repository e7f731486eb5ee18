// Package auth provides bearer-token authentication for the streamable HTTP
// endpoint and scope-based authorization inside tool handlers.
//
// Verification is pluggable through TokenVerifier. The verified AccessToken
// travels on the context and is also serialized into the durable handler
// envelope, so a handler resumed on another process still sees the token of
// the request that started it.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrUnauthorized indicates a missing or unverifiable bearer token.
var ErrUnauthorized = errors.New("unauthorized")

// AccessToken is the verified identity of a request.
type AccessToken struct {
	Token     string     `json:"token"`
	ClientId  string     `json:"client_id,omitempty"`
	Scopes    []string   `json:"scopes,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// HasScope reports whether the token carries scope.
func (t *AccessToken) HasScope(scope string) bool {
	if t == nil {
		return false
	}
	for _, candidate := range t.Scopes {
		if candidate == scope {
			return true
		}
	}
	return false
}

// RequireScopes fails with a PermissionError naming the first missing scope.
func (t *AccessToken) RequireScopes(scopes ...string) error {
	for _, scope := range scopes {
		if !t.HasScope(scope) {
			return &PermissionError{Scope: scope}
		}
	}
	return nil
}

// PermissionError indicates the access token lacks a required scope.
type PermissionError struct {
	Scope string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: missing required scope %q", e.Scope)
}

// TokenVerifier validates a raw bearer token and resolves it to an
// AccessToken.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*AccessToken, error)
}

// VerifierFunc adapts a function to the TokenVerifier interface.
type VerifierFunc func(ctx context.Context, token string) (*AccessToken, error)

func (f VerifierFunc) Verify(ctx context.Context, token string) (*AccessToken, error) {
	return f(ctx, token)
}

type contextKey struct{}

// WithAccessToken binds token to ctx.
func WithAccessToken(ctx context.Context, token *AccessToken) context.Context {
	return context.WithValue(ctx, contextKey{}, token)
}

// AccessTokenFrom returns the token bound to ctx, if any.
func AccessTokenFrom(ctx context.Context) (*AccessToken, bool) {
	token, ok := ctx.Value(contextKey{}).(*AccessToken)
	return token, ok
}

// Middleware enforces bearer authentication before any request handling. A
// missing or invalid token is rejected with 401; on success the verified
// token is attached to the request context. A nil verifier disables
// authentication.
func Middleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if verifier == nil {
			return next
		}
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			raw, ok := bearerToken(request)
			if !ok {
				unauthorized(writer, "missing bearer token")
				return
			}
			token, err := verifier.Verify(request.Context(), raw)
			if err != nil {
				unauthorized(writer, "invalid bearer token")
				return
			}
			next.ServeHTTP(writer, request.WithContext(WithAccessToken(request.Context(), token)))
		})
	}
}

func bearerToken(request *http.Request) (string, bool) {
	header := request.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func unauthorized(writer http.ResponseWriter, message string) {
	writer.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(writer, message, http.StatusUnauthorized)
}
