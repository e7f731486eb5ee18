package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
)

func allowVerifier(token *AccessToken) TokenVerifier {
	return VerifierFunc(func(ctx context.Context, raw string) (*AccessToken, error) {
		if raw != token.Token {
			return nil, ErrUnauthorized
		}
		return token, nil
	})
}

func TestMiddleware_MissingToken(t *testing.T) {
	handler := Middleware(allowVerifier(&AccessToken{Token: "good"}))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/mcp", nil))
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	assert.Equal(t, "Bearer", recorder.Header().Get("WWW-Authenticate"))
}

func TestMiddleware_InvalidToken(t *testing.T) {
	handler := Middleware(allowVerifier(&AccessToken{Token: "good"}))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))
	request := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	request.Header.Set("Authorization", "Bearer bad")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestMiddleware_BindsTokenToContext(t *testing.T) {
	expected := &AccessToken{Token: "good", ClientId: "client-1", Scopes: []string{"read"}}
	var seen *AccessToken
	handler := Middleware(allowVerifier(expected))(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		seen, _ = AccessTokenFrom(request.Context())
	}))
	request := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	request.Header.Set("Authorization", "Bearer good")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, expected, seen)
}

func TestMiddleware_NilVerifierDisablesAuth(t *testing.T) {
	called := false
	handler := Middleware(nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/mcp", nil))
	assert.True(t, called)
}

func TestRequireScopes(t *testing.T) {
	token := &AccessToken{Scopes: []string{"read", "write"}}
	assert.Nil(t, token.RequireScopes("read"))
	assert.Nil(t, token.RequireScopes("read", "write"))

	err := token.RequireScopes("admin")
	permission := &PermissionError{}
	assert.True(t, errors.As(err, &permission))
	assert.Contains(t, err.Error(), "admin")
}

func TestJWTVerifier(t *testing.T) {
	secret := []byte("test-secret")
	keyFunc := func(*jwt.Token) (interface{}, error) { return secret, nil }

	claims := jwt.MapClaims{
		"sub":       "user-1",
		"client_id": "client-1",
		"scope":     "read write",
		"exp":       time.Now().Add(time.Hour).Unix(),
		"iss":       "test-issuer",
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	assert.Nil(t, err)

	verifier := NewJWTVerifier(keyFunc, WithIssuer("test-issuer"))
	token, err := verifier.Verify(context.Background(), raw)
	assert.Nil(t, err)
	assert.Equal(t, "client-1", token.ClientId)
	assert.Equal(t, []string{"read", "write"}, token.Scopes)
	assert.NotNil(t, token.ExpiresAt)

	_, err = verifier.Verify(context.Background(), raw+"tampered")
	assert.True(t, errors.Is(err, ErrUnauthorized))
}

func TestJWTVerifier_Expired(t *testing.T) {
	secret := []byte("test-secret")
	keyFunc := func(*jwt.Token) (interface{}, error) { return secret, nil }

	claims := jwt.MapClaims{"exp": time.Now().Add(-time.Hour).Unix()}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	assert.Nil(t, err)

	_, err = NewJWTVerifier(keyFunc).Verify(context.Background(), raw)
	assert.True(t, errors.Is(err, ErrUnauthorized))
}
