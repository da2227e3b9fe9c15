// Command mirrord serves the smart mirror kiosk API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nhalm/smartmirror/catalog"
	"github.com/nhalm/smartmirror/config"
	"github.com/nhalm/smartmirror/ratelimit"
	"github.com/nhalm/smartmirror/ratelimit/store"
	"github.com/nhalm/smartmirror/server"
	"github.com/nhalm/smartmirror/tryon"
	"github.com/nhalm/smartmirror/weather"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mirrord: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("mirrord stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable at startup; limiter fails open and caches are bypassed",
			"addr", cfg.Redis.Addr(), "error", err)
	}

	products, err := catalog.OpenSQLite(cfg.Catalog.DatabasePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := products.Close(); err != nil {
			logger.Error("close catalog", "error", err)
		}
	}()

	if cfg.Catalog.SeedFile != "" {
		if err := seed(ctx, products, cfg.Catalog.SeedFile, logger); err != nil {
			return err
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var st store.Store
	switch cfg.RateLimit.Store {
	case config.StoreMemory:
		st = store.NewMemory()
	default:
		st = store.NewRedisFromClient(rdb, store.DefaultPrefix)
	}
	limiter := ratelimit.New(st, cfg.RateLimit.PerMinute,
		ratelimit.WithMetrics(ratelimit.NewMetrics(registry)))
	defer func() {
		if err := limiter.Close(); err != nil {
			logger.Error("close limiter", "error", err)
		}
	}()

	weatherClient := weather.NewClient(weather.Config{
		APIKey:  cfg.Weather.APIKey,
		BaseURL: cfg.Weather.URL,
		Cache:   weather.NewRedisCache(rdb, cfg.Weather.CacheTTL),
	})
	tryOnClient := tryon.NewClient(tryon.Config{
		BaseURL:      cfg.Kolors.URL,
		AccessKey:    cfg.Kolors.AccessKey,
		SecretKey:    cfg.Kolors.SecretKey,
		Timeout:      cfg.Kolors.Timeout,
		MaxRetries:   cfg.Kolors.MaxRetries,
		RetryDelay:   cfg.Kolors.RetryDelay,
		RPS:          cfg.Kolors.RPS,
		PollInterval: cfg.Kolors.PollInterval,
	})
	if cfg.Log.ErrorDetails {
		logger.Warn("LOG_ERROR_DETAILS is on; error responses keep stack traces and file paths")
	}
	if cfg.RateLimit.TrustProxy {
		logger.Info("rate limit gates key on X-Forwarded-For / X-Real-IP")
	}
	if !weatherClient.Configured() {
		logger.Warn("OPENWEATHER_API_KEY not set; /weather answers 503")
	}
	if !tryOnClient.Configured() {
		logger.Warn("KOLORS_ACCESS_KEY or KOLORS_SECRET_KEY not set; /virtual-try-on answers 503")
	}

	handler, err := server.NewRouter(server.Deps{
		Config:   cfg,
		Limiter:  limiter,
		Catalog:  products,
		Weather:  weatherClient,
		TryOn:    tryOnClient,
		Uploads:  tryon.NewUploadStore(rdb, cfg.Uploads.TTL),
		Redis:    rdb,
		Registry: registry,
		Version:  version,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.HTTP.Addr, "version", version,
			"rate_limit_store", cfg.RateLimit.Store, "rate_limit_per_minute", cfg.RateLimit.PerMinute)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen on %s: %w", cfg.HTTP.Addr, err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func seed(ctx context.Context, products *catalog.SQLiteStore, path string, logger *slog.Logger) error {
	items, err := catalog.LoadSeed(path)
	if err != nil {
		return err
	}
	n, err := products.Seed(ctx, items)
	if err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}
	if n == 0 {
		logger.Info("catalog already populated; seed skipped", "file", path)
		return nil
	}
	logger.Info("catalog seeded", "file", path, "products", n)
	return nil
}

func newLogger(cfg config.Log) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
