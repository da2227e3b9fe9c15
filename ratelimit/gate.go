package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/nhalm/canonlog"
	"github.com/nhalm/smartmirror/wrapper"
)

// RetryAfterSeconds is the fixed retry hint sent with every rejection.
const RetryAfterSeconds = 60

// RejectionMessage is the human-readable text of a rejection.
const RejectionMessage = "Rate limit exceeded. Please try again later."

// HeaderMode controls when RateLimit-* headers are included in responses.
// Retry-After is always sent on 429.
type HeaderMode int

const (
	// HeadersAlways includes RateLimit-Limit and RateLimit-Remaining on all
	// limited responses (default).
	HeadersAlways HeaderMode = iota

	// HeadersOnLimitExceeded includes rate limit headers only on 429 responses.
	HeadersOnLimitExceeded

	// HeadersNever never includes rate limit headers.
	HeadersNever
)

// IdentityFunc resolves the caller of a request. Returning "" lets the request
// through without limiting.
type IdentityFunc func(*http.Request) string

// Rejection is the payload of a 429 response.
type Rejection struct {
	Message           string `json:"message"`
	Remaining         int64  `json:"remaining"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

type gate struct {
	scope      string
	limit      int
	identity   IdentityFunc
	headerMode HeaderMode
}

// GateOption configures a Gate.
type GateOption func(*gate)

// WithScope sets the key prefix. It defaults to the gate name.
func WithScope(scope string) GateOption {
	return func(g *gate) {
		g.scope = scope
	}
}

// WithLimit overrides the limiter default for this gate.
func WithLimit(limit int) GateOption {
	return func(g *gate) {
		g.limit = limit
	}
}

// WithIdentity replaces the RemoteIP identity resolver.
func WithIdentity(fn IdentityFunc) GateOption {
	return func(g *gate) {
		g.identity = fn
	}
}

// WithHeaderMode configures when RateLimit-* headers are included in responses.
func WithHeaderMode(mode HeaderMode) GateOption {
	return func(g *gate) {
		g.headerMode = mode
	}
}

// Gate returns middleware that limits each caller of the wrapped handler.
// The store key is "scope:name:caller". Rejected requests get 429 with
// Retry-After: 60 and a Rejection body, placed in the wrapper error details
// when the wrapper middleware is active and written as plain JSON otherwise.
func (l *Limiter) Gate(name string, opts ...GateOption) func(http.Handler) http.Handler {
	g := &gate{
		scope:      name,
		identity:   RemoteIP,
		headerMode: HeadersAlways,
	}
	for _, opt := range opts {
		opt(g)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := g.identity(r)
			if caller == "" {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			key := g.key(name, caller)
			d := l.Check(ctx, key, g.limit)

			if _, ok := canonlog.TryGetLogger(ctx); ok {
				canonlog.InfoAddMany(ctx, map[string]any{
					"ratelimit_key":    key,
					"ratelimit_count":  d.Count,
					"ratelimit_result": result(d),
				})
			}

			useWrapper := wrapper.HasState(ctx)
			setHeader := func(k, v string) {
				if useWrapper {
					wrapper.SetHeader(r, k, v)
				} else {
					w.Header().Set(k, v)
				}
			}

			// A failed-open decision says nothing about the real budget.
			if !d.FailedOpen && (g.headerMode == HeadersAlways || (g.headerMode == HeadersOnLimitExceeded && !d.Allowed)) {
				setHeader("RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
				setHeader("RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
			}

			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			rej := Rejection{
				Message:           RejectionMessage,
				Remaining:         l.remaining(ctx, key, d.Limit),
				RetryAfterSeconds: RetryAfterSeconds,
			}
			setHeader("Retry-After", strconv.Itoa(RetryAfterSeconds))

			if useWrapper {
				wrapper.SetError(r, wrapper.ErrRateLimited.With(rej.Message).WithDetails(rej))
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(rej)
		})
	}
}

func (g *gate) key(name, caller string) string {
	var b strings.Builder
	b.Grow(len(g.scope) + len(name) + len(caller) + 2)
	b.WriteString(g.scope)
	b.WriteByte(':')
	b.WriteString(name)
	b.WriteByte(':')
	b.WriteString(caller)
	return b.String()
}

func result(d Decision) string {
	switch {
	case d.FailedOpen:
		return resultFailedOpen
	case d.Allowed:
		return resultAllowed
	default:
		return resultRejected
	}
}

// RemoteIP identifies the caller by the connection address, without the port.
func RemoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// RealIP prefers the first X-Forwarded-For entry, then X-Real-IP, then the
// connection address. Use it only behind a proxy that sets these headers.
func RealIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(xri) != nil {
		return xri
	}
	return RemoteIP(r)
}
