// Package ratelimit implements a sliding-window request limiter for the kiosk API.
//
// Every key owns an event log in a shared store. A check trims arrivals older than
// the window, counts what is left, records the current arrival, and refreshes the
// key TTL in one atomic batch, so any number of processes may share one Redis.
// The limiter fails open: when the store is unreachable the request is allowed.
//
//	st, _ := store.NewRedis(store.RedisConfig{URL: "localhost:6379"})
//	limiter := ratelimit.New(st, 60, ratelimit.WithMetrics(ratelimit.NewMetrics(prometheus.DefaultRegisterer)))
//	defer limiter.Close()
//
//	r.With(limiter.Gate("weather")).Get("/weather", getWeather)
//	r.With(limiter.Gate("virtual-try-on", ratelimit.WithLimit(10))).Post("/virtual-try-on", tryOn)
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/nhalm/canonlog"
	"github.com/nhalm/smartmirror/ratelimit/store"
)

const (
	// DefaultWindow is the trailing window every key is measured over.
	DefaultWindow = 60 * time.Second

	// DefaultLimit is used when New is given a non-positive limit.
	DefaultLimit = 60
)

// Decision is the outcome of one Check.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool

	// Count is the number of arrivals already inside the window, excluding this one.
	Count int64

	// Limit is the effective limit the request was checked against.
	Limit int64

	// Remaining is how many more requests fit in the window after this one.
	Remaining int64

	// FailedOpen is set when the store failed and the request was allowed anyway.
	FailedOpen bool
}

// Limiter decides whether a keyed request fits within its sliding window.
// It holds no in-process locks; atomicity is delegated to the store.
type Limiter struct {
	store        store.Store
	defaultLimit int64
	window       time.Duration
	now          func() time.Time
	metrics      *Metrics
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithWindow overrides the 60 second window.
func WithWindow(window time.Duration) Option {
	return func(l *Limiter) {
		if window > 0 {
			l.window = window
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithMetrics records decisions and store errors on m.
func WithMetrics(m *Metrics) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

// New creates a limiter over st. defaultLimit applies whenever a caller passes
// a non-positive limit; a non-positive defaultLimit falls back to DefaultLimit.
func New(st store.Store, defaultLimit int, opts ...Option) *Limiter {
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}
	l := &Limiter{
		store:        st,
		defaultLimit: int64(defaultLimit),
		window:       DefaultWindow,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check records an arrival for key and decides it against limit.
// A request is rejected when the arrivals already in the window reach limit,
// so exactly limit requests are admitted per window. The arrival is recorded
// whether or not it is admitted.
//
// An empty key is allowed without touching the store. Store failures are
// logged and allow the request.
func (l *Limiter) Check(ctx context.Context, key string, limit int) Decision {
	lim := l.effectiveLimit(limit)
	if key == "" {
		return Decision{Allowed: true, Limit: lim, Remaining: lim}
	}

	start := time.Now()
	count, err := l.store.Hit(ctx, key, l.now(), l.window)
	l.metrics.observe("hit", time.Since(start))

	if err != nil {
		l.metrics.recordStoreError("hit")
		l.metrics.recordCheck(resultFailedOpen)
		logStoreError(ctx, err)
		return Decision{Allowed: true, Limit: lim, Remaining: lim, FailedOpen: true}
	}

	d := Decision{
		Allowed:   count < lim,
		Count:     count,
		Limit:     lim,
		Remaining: max(0, lim-count-1),
	}
	if d.Allowed {
		l.metrics.recordCheck(resultAllowed)
	} else {
		l.metrics.recordCheck(resultRejected)
	}
	return d
}

// CheckRateLimit reports whether a request for key is within limit.
// A non-positive limit uses the limiter default.
func (l *Limiter) CheckRateLimit(ctx context.Context, key string, limit int) bool {
	return l.Check(ctx, key, limit).Allowed
}

// RemainingRequests trims the window for key and returns how many requests
// the default limit still allows. It returns 0 when the store fails.
func (l *Limiter) RemainingRequests(ctx context.Context, key string) int64 {
	return l.remaining(ctx, key, l.defaultLimit)
}

func (l *Limiter) remaining(ctx context.Context, key string, limit int64) int64 {
	if key == "" {
		return limit
	}

	start := time.Now()
	count, err := l.store.Count(ctx, key, l.now(), l.window)
	l.metrics.observe("count", time.Since(start))

	if err != nil {
		l.metrics.recordStoreError("count")
		logStoreError(ctx, err)
		return 0
	}
	return max(0, limit-count)
}

// Reset clears the event log for key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if err := l.store.Reset(ctx, key); err != nil {
		l.metrics.recordStoreError("reset")
		return fmt.Errorf("reset rate limit %q: %w", key, err)
	}
	return nil
}

// Window returns the sliding window duration.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// DefaultLimit returns the limit used when callers pass none.
func (l *Limiter) DefaultLimit() int {
	return int(l.defaultLimit)
}

// Close closes the underlying store.
func (l *Limiter) Close() error {
	return l.store.Close()
}

func (l *Limiter) effectiveLimit(limit int) int64 {
	if limit <= 0 {
		return l.defaultLimit
	}
	return int64(limit)
}

func logStoreError(ctx context.Context, err error) {
	if _, ok := canonlog.TryGetLogger(ctx); !ok {
		return
	}
	canonlog.InfoAdd(ctx, "ratelimit_store_error", true)
	canonlog.ErrorAdd(ctx, fmt.Errorf("rate limit store: %w", err))
}
