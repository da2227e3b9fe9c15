// Package headers copies request header values into context.
//
// The kiosk frontend identifies itself with X-Kiosk-ID. Kiosk stores the
// validated ID in context and the canonical log line records it as kiosk_id.
// The value is client supplied, so it is never used as a rate limit identity.
//
//	r.Use(headers.Kiosk())
//	...
//	id := headers.KioskID(r.Context())
package headers

import (
	"context"
	"errors"
	"net/http"
	"regexp"

	"github.com/nhalm/canonlog"
	"github.com/nhalm/smartmirror/wrapper"
)

type contextKey string

// KioskHeader is the header the kiosk frontend sends on every request.
const KioskHeader = "X-Kiosk-ID"

const kioskKey = "kiosk_id"

var kioskIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// HeaderToContext extracts a header value and stores it in the request context.
type HeaderToContext struct {
	header    string
	ctxKey    contextKey
	validator func(string) (any, error)
	logField  string
}

// Option configures a HeaderToContext middleware.
type Option func(*HeaderToContext)

// WithValidator provides a custom validator that can transform the header value.
// The validator should return an error if the value is invalid.
func WithValidator(fn func(string) (any, error)) Option {
	return func(h *HeaderToContext) {
		h.validator = fn
	}
}

// WithLogField adds the raw header value to the canonical log line under name.
func WithLogField(name string) Option {
	return func(h *HeaderToContext) {
		h.logField = name
	}
}

// New creates middleware that extracts a header and stores it in context.
// Missing headers pass through. Validator failures return 400, through the
// wrapper when it is active.
func New(header, ctxKey string, opts ...Option) func(http.Handler) http.Handler {
	h := &HeaderToContext{
		header: header,
		ctxKey: contextKey(ctxKey),
	}

	for _, opt := range opts {
		opt(h)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			val := r.Header.Get(h.header)

			if val == "" {
				next.ServeHTTP(w, r)
				return
			}

			var contextVal any = val
			if h.validator != nil {
				var err error
				contextVal, err = h.validator(val)
				if err != nil {
					fail(w, r, wrapper.ErrBadRequest.WithParam("Invalid "+h.header+" header: "+err.Error(), h.header))
					return
				}
			}

			ctx := r.Context()
			if h.logField != "" {
				if _, ok := canonlog.TryGetLogger(ctx); ok {
					canonlog.InfoAdd(ctx, h.logField, val)
				}
			}

			ctx = context.WithValue(ctx, h.ctxKey, contextVal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func fail(w http.ResponseWriter, r *http.Request, err *wrapper.Error) {
	if wrapper.HasState(r.Context()) {
		wrapper.SetError(r, err)
		return
	}
	http.Error(w, err.Message, err.Status)
}

// Kiosk extracts X-Kiosk-ID. IDs must be 1 to 64 letters, digits, '-' or '_'.
func Kiosk(opts ...Option) func(http.Handler) http.Handler {
	base := []Option{WithValidator(validateKioskID), WithLogField(kioskKey)}
	return New(KioskHeader, kioskKey, append(base, opts...)...)
}

func validateKioskID(val string) (any, error) {
	if !kioskIDPattern.MatchString(val) {
		return nil, errors.New("must be 1-64 characters of [A-Za-z0-9_-]")
	}
	return val, nil
}

// KioskID returns the kiosk ID stored by Kiosk, or "".
func KioskID(ctx context.Context) string {
	val, ok := FromContext(ctx, kioskKey)
	if !ok {
		return ""
	}
	id, _ := val.(string)
	return id
}

// FromContext retrieves a value from the request context.
func FromContext(ctx context.Context, key string) (any, bool) {
	val := ctx.Value(contextKey(key))
	if val == nil {
		return nil, false
	}
	return val, true
}

