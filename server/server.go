// Package server assembles the mirrord HTTP API.
//
// The middleware chain, outermost first, is: HTTP metrics, error sanitizing,
// the response wrapper (canonical log line, request ID, SLO tracking), body
// size limit, query string hygiene and the X-Kiosk-ID header. Rate limit gates
// and SLO tiers are attached per route.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hellofresh/health-go/v4"
	"github.com/nhalm/smartmirror/auth"
	"github.com/nhalm/smartmirror/bind"
	"github.com/nhalm/smartmirror/catalog"
	"github.com/nhalm/smartmirror/config"
	"github.com/nhalm/smartmirror/headers"
	"github.com/nhalm/smartmirror/qr"
	"github.com/nhalm/smartmirror/ratelimit"
	"github.com/nhalm/smartmirror/sanitize"
	"github.com/nhalm/smartmirror/slo"
	"github.com/nhalm/smartmirror/tryon"
	"github.com/nhalm/smartmirror/validate"
	"github.com/nhalm/smartmirror/weather"
	"github.com/nhalm/smartmirror/wrapper"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// WelcomeMessage is served on GET /.
const WelcomeMessage = "Welcome to the Smart Mirror kiosk API"

// GateScope prefixes every rate limit key written by the API.
const GateScope = "api"

// ErrorReplacement stands in for stripped stack traces and file paths.
const ErrorReplacement = "Internal error"

const healthCheckTimeout = 2 * time.Second

// CatalogStore is the catalog persistence plus a liveness check.
type CatalogStore interface {
	catalog.Store
	Ping(ctx context.Context) error
}

// Deps are the collaborators the router is built from. Redis is optional and
// only adds the redis health check.
type Deps struct {
	Config   *config.Config
	Limiter  *ratelimit.Limiter
	Catalog  CatalogStore
	Weather  *weather.Client
	TryOn    tryon.Renderer
	Uploads  tryon.Uploads
	Redis    *redis.Client
	Registry *prometheus.Registry
	Version  string
}

// NewRouter builds the API handler.
func NewRouter(d Deps) (http.Handler, error) {
	if err := catalog.RegisterValidations(); err != nil {
		return nil, fmt.Errorf("register validations: %w", err)
	}

	checks, err := newHealth(d)
	if err != nil {
		return nil, err
	}

	cfg := d.Config
	r := chi.NewRouter()

	r.Use(NewHTTPMetrics(d.Registry).Middleware)
	r.Use(sanitize.New(
		sanitize.WithSecrets(secrets(cfg)...),
		sanitize.WithStackTraces(!cfg.Log.ErrorDetails),
		sanitize.WithFilePaths(!cfg.Log.ErrorDetails),
		sanitize.WithReplacementMessage(ErrorReplacement),
	))
	r.Use(wrapper.New(
		wrapper.WithCanonlog(),
		wrapper.WithCanonlogFields(func(*http.Request) map[string]any {
			return map[string]any{"service_version": d.Version}
		}),
		wrapper.WithRequestID(),
		wrapper.WithSLOs(),
	))
	r.Use(bind.New(bind.WithFormatter(catalog.ValidationMessage)))
	r.Use(validate.MaxBodySize(cfg.Uploads.MaxBytes))
	r.Use(validate.SafeQuery())
	r.Use(headers.Kiosk())

	r.NotFound(func(_ http.ResponseWriter, r *http.Request) {
		wrapper.SetError(r, wrapper.ErrNotFound)
	})
	r.MethodNotAllowed(func(_ http.ResponseWriter, r *http.Request) {
		wrapper.SetError(r, wrapper.ErrMethodNotAllowed)
	})

	// X-Kiosk-ID is client supplied, so it is only logged; budgets follow
	// the caller address.
	identity := ratelimit.RemoteIP
	if cfg.RateLimit.TrustProxy {
		identity = ratelimit.RealIP
	}
	gate := func(name string, opts ...ratelimit.GateOption) func(http.Handler) http.Handler {
		base := []ratelimit.GateOption{
			ratelimit.WithScope(GateScope),
			ratelimit.WithIdentity(identity),
		}
		return d.Limiter.Gate(name, append(base, opts...)...)
	}
	jsonBody := validate.NewHeaders(validate.WithHeader("Content-Type",
		validate.WithRequired(),
		validate.WithAllowList("application/json"),
		validate.WithMediaType(),
	))
	admin := auth.APIKey(auth.StaticKeys(cfg.Auth.AdminAPIKeys...))

	r.With(slo.Track(slo.Critical)).Get("/", welcome)
	r.With(slo.Track(slo.Critical)).Get("/health", checks)

	metrics := promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError})
	if cfg.Auth.MetricsToken != "" {
		metrics = auth.BearerToken(auth.StaticKeys(cfg.Auth.MetricsToken))(metrics)
	}
	r.Handle("/metrics", metrics)

	products := catalog.NewHandler(d.Catalog)
	productGate := gate("products")
	r.Route("/products", func(r chi.Router) {
		r.With(slo.Track(slo.HighFast), productGate).Get("/", products.List)
		r.With(slo.Track(slo.HighFast), productGate).Get("/{id}", products.Get)
		r.With(slo.Track(slo.HighSlow), gate("qrcode")).Get("/{id}/qr", products.QR)

		r.Group(func(r chi.Router) {
			r.Use(admin, slo.Track(slo.HighSlow))
			r.With(jsonBody).Post("/", products.Create)
			r.With(jsonBody).Put("/{id}", products.Update)
			r.Delete("/{id}", products.Delete)
		})
	})
	r.With(slo.Track(slo.HighFast), productGate).Get("/categories", products.Categories)
	r.With(slo.Track(slo.HighFast), productGate).Get("/brands", products.Brands)

	r.With(slo.Track(slo.Upstream), gate("weather")).Get("/weather", weather.Handler(d.Weather))
	r.With(slo.Track(slo.HighSlow), gate("qrcode"), jsonBody).Post("/qrcode", qr.Handler())

	tryOn := tryon.NewHandler(d.TryOn, d.Uploads, d.Catalog, cfg.Uploads.MaxBytes)
	r.With(slo.Track(slo.HighSlow), gate("uploads")).Post("/uploads", tryOn.Upload)
	r.With(slo.Track(slo.Low), gate("virtual-try-on", ratelimit.WithLimit(cfg.RateLimit.TryOn))).
		Post("/virtual-try-on", tryOn.TryOn)

	return r, nil
}

func welcome(_ http.ResponseWriter, r *http.Request) {
	wrapper.SetResponse(r, http.StatusOK, map[string]string{"message": WelcomeMessage})
}

// newHealth reports sqlite as required and redis as degradable: the limiter
// fails open and the weather cache is optional when Redis is down.
func newHealth(d Deps) (http.HandlerFunc, error) {
	checks := []health.Config{{
		Name:    "sqlite",
		Timeout: healthCheckTimeout,
		Check:   d.Catalog.Ping,
	}}
	if d.Redis != nil {
		checks = append(checks, health.Config{
			Name:      "redis",
			Timeout:   healthCheckTimeout,
			SkipOnErr: true,
			Check: func(ctx context.Context) error {
				return d.Redis.Ping(ctx).Err()
			},
		})
	}

	h, err := health.New(
		health.WithComponent(health.Component{Name: "mirrord", Version: d.Version}),
		health.WithChecks(checks...),
	)
	if err != nil {
		return nil, fmt.Errorf("health checks: %w", err)
	}

	return func(_ http.ResponseWriter, r *http.Request) {
		check := h.Measure(r.Context())

		status := http.StatusOK
		if check.Status == health.StatusUnavailable {
			status = http.StatusServiceUnavailable
		}
		wrapper.SetResponse(r, status, check)
	}, nil
}

func secrets(cfg *config.Config) []string {
	s := []string{
		cfg.Weather.APIKey,
		cfg.Kolors.AccessKey,
		cfg.Kolors.SecretKey,
		cfg.Redis.Password,
		cfg.Auth.MetricsToken,
	}
	return append(s, cfg.Auth.AdminAPIKeys...)
}
