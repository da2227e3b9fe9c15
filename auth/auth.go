// Package auth guards the kiosk API's operator surfaces.
//
// Catalog mutations require an admin key in X-Admin-Key, and /metrics can be
// protected with a bearer token. Both compare against a static key set in
// constant time.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/nhalm/canonlog"
	"github.com/nhalm/smartmirror/wrapper"
)

type contextKey string

const (
	apiKeyContextKey contextKey = "api_key"
	bearerTokenKey   contextKey = "bearer_token"
)

// AdminKeyHeader is the default header APIKey reads.
const AdminKeyHeader = "X-Admin-Key"

// Validator reports whether a presented credential is valid.
type Validator func(key string) bool

// StaticKeys returns a Validator accepting any of keys. Empty keys are ignored,
// so StaticKeys() and StaticKeys("") reject everything.
func StaticKeys(keys ...string) Validator {
	allowed := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			allowed = append(allowed, []byte(k))
		}
	}

	return func(key string) bool {
		presented := []byte(key)
		ok := 0
		for _, a := range allowed {
			ok |= subtle.ConstantTimeCompare(presented, a)
		}
		return ok == 1
	}
}

// APIKeyConfig configures the APIKey middleware.
type APIKeyConfig struct {
	Header    string
	Validator Validator
}

// APIKey returns middleware that validates API keys from a header.
// Returns 401 if the key is missing or invalid.
func APIKey(validator Validator, opts ...APIKeyOption) func(http.Handler) http.Handler {
	config := APIKeyConfig{
		Header:    AdminKeyHeader,
		Validator: validator,
	}

	for _, opt := range opts {
		opt(&config)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(config.Header)

			if key == "" {
				deny(w, r, "Missing API key")
				return
			}

			if !config.Validator(key) {
				deny(w, r, "Invalid API key")
				return
			}

			ctx := context.WithValue(r.Context(), apiKeyContextKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// APIKeyOption configures APIKey middleware.
type APIKeyOption func(*APIKeyConfig)

// WithAPIKeyHeader sets the header to read the API key from.
func WithAPIKeyHeader(header string) APIKeyOption {
	return func(c *APIKeyConfig) {
		c.Header = header
	}
}

// APIKeyFromContext retrieves the API key from the request context.
func APIKeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(apiKeyContextKey).(string)
	return key, ok
}

// BearerToken returns middleware that validates bearer tokens from the
// Authorization header. Returns 401 if the token is missing or invalid.
func BearerToken(validator Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				deny(w, r, "Missing authorization header")
				return
			}

			token, found := strings.CutPrefix(header, "Bearer ")
			if !found {
				deny(w, r, "Invalid authorization format")
				return
			}
			if token == "" {
				deny(w, r, "Empty bearer token")
				return
			}
			if !validator(token) {
				deny(w, r, "Invalid bearer token")
				return
			}

			ctx := context.WithValue(r.Context(), bearerTokenKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerTokenFromContext retrieves the bearer token from the request context.
func BearerTokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(bearerTokenKey).(string)
	return token, ok
}

func deny(w http.ResponseWriter, r *http.Request, msg string) {
	ctx := r.Context()
	if _, ok := canonlog.TryGetLogger(ctx); ok {
		canonlog.InfoAdd(ctx, "auth_denied", msg)
	}
	if wrapper.HasState(ctx) {
		wrapper.SetError(r, wrapper.ErrUnauthorized.With(msg))
		return
	}
	http.Error(w, msg, http.StatusUnauthorized)
}
