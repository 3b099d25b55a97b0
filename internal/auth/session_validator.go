package auth

import (
	"errors"
	"net/http"
	"strings"
)

const accessTokenQueryParam = "access_token"

var (
	ErrMissingSessionToken   = errors.New("session validator: token required")
	ErrInvalidSessionToken   = errors.New("session validator: invalid token")
	ErrExpiredSessionToken   = errors.New("session validator: token expired")
	ErrMissingSessionSubject = errors.New("session validator: subject required")
)

// TokenValidator resolves a session token into a principal.
type TokenValidator interface {
	ValidateToken(token string) (Principal, error)
}

// TokenFromHeader extracts a bearer token from the Authorization header.
func TokenFromHeader(r *http.Request) string {
	if r == nil {
		return ""
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// TokenFromRequest extracts a bearer token from the Authorization header, falling back to the
// access_token query parameter used by websocket clients that cannot set headers. Only the
// websocket upgrade reads tokens this way.
func TokenFromRequest(r *http.Request) string {
	if token := TokenFromHeader(r); token != "" {
		return token
	}
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get(accessTokenQueryParam))
}

// ValidateRequest validates the bearer token in the Authorization header. A request without one
// yields ErrMissingSessionToken; query parameters are never consulted.
func ValidateRequest(validator TokenValidator, r *http.Request) (Principal, error) {
	token := TokenFromHeader(r)
	if token == "" {
		return Principal{}, ErrMissingSessionToken
	}
	return validator.ValidateToken(token)
}
