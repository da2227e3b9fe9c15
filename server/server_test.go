package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nhalm/smartmirror/catalog"
	"github.com/nhalm/smartmirror/config"
	"github.com/nhalm/smartmirror/ratelimit"
	"github.com/nhalm/smartmirror/ratelimit/store"
	"github.com/nhalm/smartmirror/tryon"
	"github.com/nhalm/smartmirror/weather"
	"github.com/prometheus/client_golang/prometheus"
)

const testAdminKey = "admin-secret-key"

type stubRenderer struct{}

func (stubRenderer) TryOn(context.Context, string, string) (string, error) {
	return "", tryon.ErrNotConfigured
}

type stubUploads struct{}

func (stubUploads) Save(context.Context, []byte) (string, error) { return "", nil }
func (stubUploads) Load(context.Context, string) ([]byte, error) { return nil, tryon.ErrUploadNotFound }
func (stubUploads) TTL() time.Duration                          { return time.Minute }

type testServer struct {
	handler http.Handler
	catalog *catalog.SQLiteStore
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()

	cfg := &config.Config{
		RateLimit: config.RateLimit{Store: config.StoreMemory, PerMinute: 60, TryOn: 2},
		Uploads:   config.Uploads{MaxBytes: 1 << 20, TTL: time.Minute},
		Auth:      config.Auth{AdminAPIKeys: []string{testAdminKey}},
		Weather:   config.Weather{APIKey: "weather-secret"},
	}
	if mutate != nil {
		mutate(cfg)
	}

	cat, err := catalog.OpenSQLite(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	limiter := ratelimit.New(store.NewMemory(), cfg.RateLimit.PerMinute)
	t.Cleanup(func() { limiter.Close() })

	h, err := NewRouter(Deps{
		Config:   cfg,
		Limiter:  limiter,
		Catalog:  cat,
		Weather:  weather.NewClient(weather.Config{}),
		TryOn:    stubRenderer{},
		Uploads:  stubUploads{},
		Registry: prometheus.NewRegistry(),
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	return &testServer{handler: h, catalog: cat}
}

func (s *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Welcome(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("X-Request-ID", "req-123")
	rec := s.do(t, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-Request-ID"); got != "req-123" {
		t.Errorf("X-Request-ID = %q, want req-123", got)
	}
	var body map[string]string
	json.NewDecoder(rec.Body).Decode(&body)
	if body["message"] != WelcomeMessage {
		t.Errorf("message = %q", body["message"])
	}
}

func TestRouter_Health(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}

	s.catalog.Close()

	rec = s.do(t, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 with the catalog closed, got %d: %s", rec.Code, rec.Body)
	}
}

func TestRouter_NotFound(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/api/kvkk", http.NoBody))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestRouter_UnsafeQuery(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/products?category=%3Cscript%3E", http.NoBody))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestRouter_AdminRoutes(t *testing.T) {
	s := newTestServer(t, nil)
	body := `{"name":"Wool Coat","price":2499.5,"image_url":"https://cdn.example.com/coat.jpg","category":"Outerwear"}`

	tests := []struct {
		name        string
		key         string
		contentType string
		wantStatus  int
	}{
		{"no key", "", "application/json", http.StatusUnauthorized},
		{"wrong key", "guess", "application/json", http.StatusUnauthorized},
		{"wrong content type", testAdminKey, "text/plain", http.StatusBadRequest},
		{"created", testAdminKey, "application/json; charset=utf-8", http.StatusCreated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/products", strings.NewReader(body))
			req.Header.Set("Content-Type", tt.contentType)
			if tt.key != "" {
				req.Header.Set("X-Admin-Key", tt.key)
			}
			rec := s.do(t, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body)
			}
		})
	}

	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/products", http.NoBody))
	var products []catalog.Product
	json.NewDecoder(rec.Body).Decode(&products)
	if len(products) != 1 {
		t.Errorf("listed %d products, want 1", len(products))
	}
}

func TestRouter_ValidationMessages(t *testing.T) {
	s := newTestServer(t, nil)

	body := `{"name":"Wool Coat","price":10,"currency":"JPY","image_url":"https://cdn.example.com/coat.jpg","category":"Outerwear"}`
	req := httptest.NewRequest(http.MethodPost, "/products", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Key", testAdminKey)
	rec := s.do(t, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "must be one of: EUR, GBP, TRY, USD") {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestRouter_ErrorsDoNotLeakSecrets(t *testing.T) {
	s := newTestServer(t, nil)

	// Weather is configured with a key in cfg but the client is not, so the
	// handler answers 503; the body must not carry the configured key.
	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/weather?location=Istanbul", http.NoBody))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "weather-secret") {
		t.Error("response leaked the weather key")
	}
}

func TestRouter_TryOnGate(t *testing.T) {
	s := newTestServer(t, nil)

	tryOn := func(remoteAddr, kiosk string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/virtual-try-on", http.NoBody)
		req.RemoteAddr = remoteAddr
		req.Header.Set("X-Kiosk-ID", kiosk)
		return s.do(t, req)
	}

	for i := range 2 {
		if rec := tryOn("203.0.113.9:4000", "mirror-1"); rec.Code == http.StatusTooManyRequests {
			t.Fatalf("request %d rejected early", i+1)
		}
	}

	rec := tryOn("203.0.113.9:4000", "mirror-1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}

	for i := range 5 {
		kiosk := fmt.Sprintf("mirror-%d", i+2)
		if rec := tryOn("203.0.113.9:4001", kiosk); rec.Code != http.StatusTooManyRequests {
			t.Errorf("kiosk %s from the same address: expected 429, got %d", kiosk, rec.Code)
		}
	}

	if rec := tryOn("203.0.113.10:4000", "mirror-1"); rec.Code == http.StatusTooManyRequests {
		t.Error("a different address should have its own budget")
	}
}

func TestRouter_GateIdentity(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		wantShared bool
	}{
		{"forwarded headers ignored by default", false, true},
		{"forwarded headers trusted behind a proxy", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, func(c *config.Config) { c.RateLimit.TrustProxy = tt.trustProxy })

			tryOn := func(forwarded string) int {
				req := httptest.NewRequest(http.MethodPost, "/virtual-try-on", http.NoBody)
				req.RemoteAddr = "10.0.0.1:5000"
				req.Header.Set("X-Forwarded-For", forwarded)
				return s.do(t, req).Code
			}

			tryOn("198.51.100.1")
			tryOn("198.51.100.1")
			shared := tryOn("198.51.100.2") == http.StatusTooManyRequests
			if shared != tt.wantShared {
				t.Errorf("budget shared across forwarded addresses = %v, want %v", shared, tt.wantShared)
			}
		})
	}
}

func TestRouter_Metrics(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		auth       string
		wantStatus int
	}{
		{"open", "", "", http.StatusOK},
		{"token required", "scrape-token", "", http.StatusUnauthorized},
		{"token accepted", "scrape-token", "Bearer scrape-token", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, func(c *config.Config) { c.Auth.MetricsToken = tt.token })
			s.do(t, httptest.NewRequest(http.MethodGet, "/categories", http.NoBody))

			req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := s.do(t, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			want := fmt.Sprintf(`smartmirror_http_requests_total{method="GET",route="%s",status="200"} 1`, "/categories")
			if !strings.Contains(rec.Body.String(), want) {
				t.Errorf("metrics output missing %s", want)
			}
		})
	}
}
