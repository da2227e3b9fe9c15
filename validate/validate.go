// Package validate provides request hygiene middleware for the kiosk API.
//
// MaxBodySize rejects oversized uploads up front when Content-Length is known
// and caps the body reader otherwise. SafeQuery rejects query strings carrying
// control characters or markup. NewHeaders enforces per-header allow and deny
// lists, such as the JSON content type on catalog writes.
//
//	r.Use(validate.MaxBodySize(10_000_000))
//	r.Use(validate.SafeQuery())
//	r.With(validate.NewHeaders(
//		validate.WithHeader("Content-Type", validate.WithRequired(), validate.WithAllowList("application/json")),
//	)).Post("/products", createProduct)
package validate

import (
	"fmt"
	"math"
	"mime"
	"net/http"
	"strings"

	"github.com/nhalm/smartmirror/wrapper"
)

// bodySizeConfig holds configuration for MaxBodySize middleware.
type bodySizeConfig struct {
	maxBytes int64
}

// BodySizeOption configures MaxBodySize middleware.
type BodySizeOption func(*bodySizeConfig)

// BodySizeDetails is attached to 413 errors.
type BodySizeDetails struct {
	MaxSizeMB      float64 `json:"max_size_mb"`
	ReceivedSizeMB float64 `json:"received_size_mb"`
}

// MaxBodySize returns middleware that limits request body size.
//
// Requests declaring a Content-Length above maxBytes are rejected with 413
// before the handler runs. Bodies without a usable Content-Length, such as
// chunked uploads, are wrapped with http.MaxBytesReader; bind.JSON and the
// multipart handlers map the resulting *http.MaxBytesError to 413.
func MaxBodySize(maxBytes int64, opts ...BodySizeOption) func(http.Handler) http.Handler {
	cfg := &bodySizeConfig{
		maxBytes: maxBytes,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > cfg.maxBytes {
				err := wrapper.ErrPayloadTooLarge.With("Request body too large").WithDetails(BodySizeDetails{
					MaxSizeMB:      megabytes(cfg.maxBytes),
					ReceivedSizeMB: megabytes(r.ContentLength),
				})
				if wrapper.HasState(r.Context()) {
					wrapper.SetError(r, err)
				} else {
					http.Error(w, err.Message, err.Status)
				}
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, cfg.maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

func megabytes(n int64) float64 {
	return math.Round(float64(n)/(1024*1024)*100) / 100
}

// SafeQuery returns middleware that rejects query strings containing
// non-printable ASCII or any of < > ' " with 400.
func SafeQuery() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for key, values := range r.URL.Query() {
				for _, v := range append([]string{key}, values...) {
					if !safeQueryValue(v) {
						err := wrapper.ErrBadRequest.WithParam("Invalid characters in query parameter", key)
						if wrapper.HasState(r.Context()) {
							wrapper.SetError(r, err)
						} else {
							http.Error(w, err.Message, err.Status)
						}
						return
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func safeQueryValue(v string) bool {
	for _, c := range v {
		if c > 0x7f {
			continue
		}
		if c < 0x20 || c == 0x7f || strings.ContainsRune(`<>'"`, c) {
			return false
		}
	}
	return true
}

// HeaderConfig defines validation rules for a header.
type HeaderConfig struct {
	// Name is the HTTP header name to validate
	Name string

	// Required indicates whether the header must be present
	Required bool

	// AllowedList is a list of allowed values (empty means any value is allowed)
	AllowedList []string

	// DeniedList is a list of denied values
	DeniedList []string

	// CaseSensitive determines whether value comparisons are case-sensitive (default: false)
	CaseSensitive bool

	// MediaType compares only the media type, dropping parameters such as charset
	MediaType bool
}

// headersConfig holds the configuration for NewHeaders middleware.
type headersConfig struct {
	rules []HeaderConfig
}

// HeadersOption configures NewHeaders middleware.
type HeadersOption func(*headersConfig)

// WithHeader adds a header validation rule with the given name and options.
func WithHeader(name string, opts ...HeaderOption) HeadersOption {
	return func(cfg *headersConfig) {
		rule := HeaderConfig{Name: name}
		for _, opt := range opts {
			opt(&rule)
		}
		cfg.rules = append(cfg.rules, rule)
	}
}

// NewHeaders returns middleware that validates request headers according to the given rules.
// For each rule, checks if the header is present (when required), validates against
// allow/deny lists, and enforces case sensitivity settings. Returns 400 (Bad Request)
// for all validation failures.
//
// Example:
//
//	r.Use(validate.NewHeaders(
//		validate.WithHeader("Content-Type",
//			validate.WithRequired(),
//			validate.WithAllowList("application/json", "application/xml")),
//		validate.WithHeader("X-Custom-Header",
//			validate.WithDenyList("forbidden-value")),
//	))
func NewHeaders(opts ...HeadersOption) func(http.Handler) http.Handler {
	cfg := &headersConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			useWrapper := wrapper.HasState(r.Context())

			for i := range cfg.rules {
				if err := validateHeader(r, &cfg.rules[i]); err != nil {
					if useWrapper {
						wrapper.SetError(r, err)
					} else {
						http.Error(w, err.Message, err.Status)
					}
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func validateHeader(r *http.Request, rule *HeaderConfig) *wrapper.Error {
	value := r.Header.Get(rule.Name)
	if rule.MediaType && value != "" {
		if mt, _, err := mime.ParseMediaType(value); err == nil {
			value = mt
		}
	}

	if value == "" {
		if rule.Required {
			return &wrapper.Error{
				Type:    "validation_error",
				Code:    "missing_header",
				Message: fmt.Sprintf("Missing required header: %s", rule.Name),
				Param:   rule.Name,
				Status:  http.StatusBadRequest,
			}
		}
		return nil
	}

	checkValue := value
	if !rule.CaseSensitive {
		checkValue = strings.ToLower(value)
	}

	if err := checkAllowList(rule, checkValue); err != nil {
		return err
	}

	return checkDenyList(rule, checkValue)
}

func checkAllowList(rule *HeaderConfig, checkValue string) *wrapper.Error {
	if len(rule.AllowedList) == 0 {
		return nil
	}

	for _, a := range rule.AllowedList {
		compareVal := a
		if !rule.CaseSensitive {
			compareVal = strings.ToLower(a)
		}
		if checkValue == compareVal {
			return nil
		}
	}

	return &wrapper.Error{
		Type:    "validation_error",
		Code:    "invalid_header",
		Message: fmt.Sprintf("Header %s value not in allowed list", rule.Name),
		Param:   rule.Name,
		Status:  http.StatusBadRequest,
	}
}

func checkDenyList(rule *HeaderConfig, checkValue string) *wrapper.Error {
	if len(rule.DeniedList) == 0 {
		return nil
	}

	for _, d := range rule.DeniedList {
		compareVal := d
		if !rule.CaseSensitive {
			compareVal = strings.ToLower(d)
		}
		if checkValue == compareVal {
			return &wrapper.Error{
				Type:    "validation_error",
				Code:    "invalid_header",
				Message: fmt.Sprintf("Header %s value is denied", rule.Name),
				Param:   rule.Name,
				Status:  http.StatusBadRequest,
			}
		}
	}

	return nil
}

// HeaderOption configures a header validation rule.
type HeaderOption func(*HeaderConfig)

// WithRequired marks a header as required.
func WithRequired() HeaderOption {
	return func(r *HeaderConfig) {
		r.Required = true
	}
}

// WithAllowList sets the list of allowed values for a header.
// If set, only values in this list are permitted. Returns 400 if the value is not in the list.
func WithAllowList(values ...string) HeaderOption {
	return func(r *HeaderConfig) {
		r.AllowedList = values
	}
}

// WithDenyList sets the list of denied values for a header.
// If set, values in this list are explicitly forbidden. Returns 400 if the value is in the list.
func WithDenyList(values ...string) HeaderOption {
	return func(r *HeaderConfig) {
		r.DeniedList = values
	}
}

// WithCaseSensitive makes header value comparisons case-sensitive.
// By default, comparisons are case-insensitive.
func WithCaseSensitive() HeaderOption {
	return func(r *HeaderConfig) {
		r.CaseSensitive = true
	}
}

// WithMediaType compares header values as media types, so
// "application/json; charset=utf-8" matches "application/json".
func WithMediaType() HeaderOption {
	return func(r *HeaderConfig) {
		r.MediaType = true
	}
}
