package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTVerifier verifies JWT bearer tokens with a caller-supplied key
// function, e.g. a static HMAC secret or a JWKS lookup.
type JWTVerifier struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience string
}

// JWTOption customises a JWTVerifier.
type JWTOption func(*JWTVerifier)

// WithIssuer requires the "iss" claim to match issuer.
func WithIssuer(issuer string) JWTOption {
	return func(v *JWTVerifier) {
		v.issuer = issuer
	}
}

// WithAudience requires the "aud" claim to contain audience.
func WithAudience(audience string) JWTOption {
	return func(v *JWTVerifier) {
		v.audience = audience
	}
}

// NewJWTVerifier creates a verifier using keyFunc to resolve signing keys.
func NewJWTVerifier(keyFunc jwt.Keyfunc, opts ...JWTOption) *JWTVerifier {
	verifier := &JWTVerifier{keyFunc: keyFunc}
	for _, opt := range opts {
		opt(verifier)
	}
	return verifier
}

// Verify parses and validates raw, mapping its claims to an AccessToken.
// Scopes come from the space-separated "scope" claim or a "scopes" array;
// the client id from "client_id", "azp" or "sub", in that order.
func (v *JWTVerifier) Verify(_ context.Context, raw string) (*AccessToken, error) {
	options := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.issuer != "" {
		options = append(options, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		options = append(options, jwt.WithAudience(v.audience))
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, v.keyFunc, options...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !token.Valid {
		return nil, ErrUnauthorized
	}
	access := &AccessToken{Token: raw, Scopes: scopesFromClaims(claims)}
	for _, claim := range []string{"client_id", "azp", "sub"} {
		if value, ok := claims[claim].(string); ok && value != "" {
			access.ClientId = value
			break
		}
	}
	if expiry, err := claims.GetExpirationTime(); err == nil && expiry != nil {
		expiresAt := expiry.Time.UTC().Truncate(time.Second)
		access.ExpiresAt = &expiresAt
	}
	return access, nil
}

func scopesFromClaims(claims jwt.MapClaims) []string {
	if scope, ok := claims["scope"].(string); ok && scope != "" {
		return strings.Fields(scope)
	}
	if values, ok := claims["scopes"].([]any); ok {
		scopes := make([]string, 0, len(values))
		for _, value := range values {
			if scope, ok := value.(string); ok {
				scopes = append(scopes, scope)
			}
		}
		return scopes
	}
	return nil
}
