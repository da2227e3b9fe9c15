// Package slo tags kiosk routes with a latency objective.
//
// Track stores the tier and its target in request context; the wrapper
// middleware reads it back after the handler returns and logs slo_class and
// slo_status (PASS or FAIL) on the canonical log line.
//
//	r.Use(wrapper.New(wrapper.WithCanonlog(), wrapper.WithSLOs()))
//
//	r.With(slo.Track(slo.HighFast)).Get("/products/{id}", getProduct)
//	r.With(slo.Track(slo.Upstream)).Get("/weather", getWeather)
//	r.With(slo.Track(slo.Low)).Post("/virtual-try-on", tryOn)
package slo

import (
	"context"
	"net/http"
	"time"
)

// Tier represents an SLO classification level.
type Tier string

const (
	// Critical is for health and readiness checks.
	Critical Tier = "critical"

	// HighFast is for catalog reads served from the local database (100ms).
	HighFast Tier = "high_fast"

	// HighSlow is for writes and image generation done in-process (1s).
	HighSlow Tier = "high_slow"

	// Upstream is for requests proxied to a single third-party call (3s).
	Upstream Tier = "upstream"

	// Low is for long-running vendor jobs such as virtual try-on (60s).
	Low Tier = "low"

	// custom is used internally for TrackWithTarget.
	custom Tier = "custom"
)

var targets = map[Tier]time.Duration{
	Critical: 50 * time.Millisecond,
	HighFast: 100 * time.Millisecond,
	HighSlow: time.Second,
	Upstream: 3 * time.Second,
	Low:      time.Minute,
}

type contextKey string

const configKey contextKey = "slo_config"

type config struct {
	tier   Tier
	target time.Duration
}

// Target returns the latency target for a predefined tier.
func Target(tier Tier) (time.Duration, bool) {
	d, ok := targets[tier]
	return d, ok
}

// Track sets a predefined SLO tier in context.
func Track(tier Tier) func(http.Handler) http.Handler {
	return track(&config{tier: tier, target: targets[tier]})
}

// TrackWithTarget sets a custom SLO target in context.
// The tier is logged as "custom".
func TrackWithTarget(target time.Duration) func(http.Handler) http.Handler {
	return track(&config{tier: custom, target: target})
}

func track(cfg *config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), configKey, cfg)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetTier retrieves the SLO tier and target from context.
// Returns the tier, target duration, and true if set; otherwise empty values and false.
func GetTier(ctx context.Context) (Tier, time.Duration, bool) {
	cfg, ok := ctx.Value(configKey).(*config)
	if !ok {
		return "", 0, false
	}
	return cfg.tier, cfg.target, true
}
