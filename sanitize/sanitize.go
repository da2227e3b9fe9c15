// Package sanitize scrubs error responses before they leave the kiosk API.
//
// Error bodies (4xx/5xx) are buffered and stripped of stack traces, Go file
// paths and any configured secrets, such as the vendor API keys the try-on and
// weather clients hold. Success responses stream through untouched.
//
//	r.Use(sanitize.New(
//		sanitize.WithSecrets(cfg.KolorsSecretKey, cfg.OpenWeatherAPIKey),
//	))
//
// Example transformation:
//   - Before: "panic: runtime error at /app/internal/handler.go:42"
//   - After:  "Internal Server Error"
package sanitize

import (
	"bufio"
	"bytes"
	"net"
	"net/http"
	"regexp"
	"strings"
)

var (
	// stackTracePattern matches common stack trace formats from Go panics and error libraries
	stackTracePattern = regexp.MustCompile(`(?m)^\s*at\s+.*$|^\s*goroutine\s+\d+.*$|^\s*\S+\.go:\d+.*$`)

	// filePathPattern matches absolute file paths (Unix and Windows) with line numbers
	filePathPattern = regexp.MustCompile(`(/[a-zA-Z0-9_\-./]+\.go:\d+)|([A-Z]:\\[a-zA-Z0-9_\-\\./]+\.go:\d+)`)
)

// Config configures the sanitization middleware.
type Config struct {
	// StripStackTraces removes stack trace lines from error responses (default: true)
	StripStackTraces bool

	// StripFilePaths removes file paths and line numbers from error responses (default: true)
	StripFilePaths bool

	// ReplacementMsg is shown when all content is stripped (default: "Internal Server Error")
	ReplacementMsg string

	// Secrets are literal values replaced with "[REDACTED]" in error responses
	Secrets []string
}

const redacted = "[REDACTED]"

type sanitizeWriter struct {
	http.ResponseWriter
	config       Config
	buf          *bytes.Buffer
	statusCode   int
	wroteHeader  bool
	shouldBuffer bool
}

func (sw *sanitizeWriter) WriteHeader(code int) {
	if sw.wroteHeader {
		return
	}
	sw.statusCode = code
	sw.wroteHeader = true
	sw.shouldBuffer = code >= 400
	if !sw.shouldBuffer {
		sw.ResponseWriter.WriteHeader(code)
	}
}

func (sw *sanitizeWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.WriteHeader(http.StatusOK)
	}

	if !sw.shouldBuffer {
		return sw.ResponseWriter.Write(b)
	}

	return sw.buf.Write(b)
}

func (sw *sanitizeWriter) Flush() {
	if !sw.shouldBuffer {
		if f, ok := sw.ResponseWriter.(http.Flusher); ok {
			f.Flush()
		}
		return
	}

	body := sw.buf.String()

	if sw.config.StripStackTraces {
		body = stackTracePattern.ReplaceAllString(body, "")
	}

	if sw.config.StripFilePaths {
		body = filePathPattern.ReplaceAllString(body, sw.config.ReplacementMsg)
	}

	for _, secret := range sw.config.Secrets {
		body = strings.ReplaceAll(body, secret, redacted)
	}

	body = strings.TrimSpace(body)
	if body == "" && sw.config.ReplacementMsg != "" {
		body = sw.config.ReplacementMsg
	}

	sw.ResponseWriter.Header().Del("Content-Length")
	sw.ResponseWriter.WriteHeader(sw.statusCode)
	sw.ResponseWriter.Write([]byte(body))
}

func (sw *sanitizeWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return sw.ResponseWriter.(http.Hijacker).Hijack()
}

// New returns middleware that sanitizes error responses. By default it strips
// both stack traces and file paths.
func New(opts ...Option) func(http.Handler) http.Handler {
	config := Config{
		StripStackTraces: true,
		StripFilePaths:   true,
		ReplacementMsg:   "Internal Server Error",
	}

	for _, opt := range opts {
		opt(&config)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &sanitizeWriter{
				ResponseWriter: w,
				config:         config,
				buf:            &bytes.Buffer{},
				statusCode:     http.StatusOK,
			}

			defer sw.Flush()
			next.ServeHTTP(sw, r)
		})
	}
}

// Option configures the sanitization middleware.
type Option func(*Config)

// WithStackTraces controls whether stack traces are stripped (default: true).
// Set to false only in development environments where debugging information is needed.
// NEVER disable in production.
func WithStackTraces(strip bool) Option {
	return func(c *Config) {
		c.StripStackTraces = strip
	}
}

// WithFilePaths controls whether file paths are stripped (default: true).
// Set to false only in development environments where debugging information is needed.
// NEVER disable in production.
func WithFilePaths(strip bool) Option {
	return func(c *Config) {
		c.StripFilePaths = strip
	}
}

// WithReplacementMessage sets the message to use when all content is stripped.
// This message is shown when sanitization removes all error content, providing
// a safe, generic error message to clients. Default: "Internal Server Error".
func WithReplacementMessage(msg string) Option {
	return func(c *Config) {
		c.ReplacementMsg = msg
	}
}

// WithSecrets redacts each non-empty value from error responses.
func WithSecrets(secrets ...string) Option {
	return func(c *Config) {
		for _, s := range secrets {
			if s != "" {
				c.Secrets = append(c.Secrets, s)
			}
		}
	}
}
