package tryon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testAccessKey = "ak-test"
	testSecretKey = "sk-test"
)

// fakeVendor is an in-process Kolors API. Each task reports processing for
// pendingPolls GET calls before reaching finalStatus.
type fakeVendor struct {
	t *testing.T

	mu           sync.Mutex
	pendingPolls int
	finalStatus  string
	throttle     int // leading requests answered with 429
	stall        int // leading requests that hang past the client timeout
	createStatus int
	requests     int
	polls        int
	lastCreate   createRequest
}

func (f *fakeVendor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests++
	throttled := f.throttle > 0
	if throttled {
		f.throttle--
	}
	stalled := !throttled && f.stall > 0
	if stalled {
		f.stall--
	}
	f.mu.Unlock()

	f.checkToken(r)

	if throttled {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"code":1302,"message":"rate limited"}`))
		return
	}
	if stalled {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		return
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == taskPath:
		f.mu.Lock()
		status := f.createStatus
		err := json.NewDecoder(r.Body).Decode(&f.lastCreate)
		f.mu.Unlock()
		if err != nil {
			f.t.Errorf("decode create body: %v", err)
		}
		if status != 0 && status != http.StatusOK {
			w.WriteHeader(status)
			w.Write([]byte(`{"code":1201,"message":"invalid human_image"}`))
			return
		}
		writeTask(w, "task-1", StatusSubmitted, "")
	case r.Method == http.MethodGet && r.URL.Path == taskPath+"/task-1":
		f.mu.Lock()
		f.polls++
		done := f.polls > f.pendingPolls
		final := f.finalStatus
		f.mu.Unlock()
		if !done {
			writeTask(w, "task-1", StatusProcessing, "")
			return
		}
		writeTask(w, "task-1", final, "https://cdn.example.com/result.png")
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeVendor) checkToken(r *http.Request) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		f.t.Errorf("missing bearer token")
		return
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(testSecretKey), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		f.t.Errorf("invalid token: %v", err)
		return
	}
	if claims.Issuer != testAccessKey {
		f.t.Errorf("iss = %q, want %q", claims.Issuer, testAccessKey)
	}
}

func writeTask(w http.ResponseWriter, id, status, url string) {
	task := map[string]any{"task_id": id, "task_status": status}
	if status == StatusFailed {
		task["task_status_msg"] = "no person detected"
	}
	if url != "" && status == StatusSucceed {
		task["task_result"] = map[string]any{"images": []map[string]any{{"index": 0, "url": url}}}
	}
	json.NewEncoder(w).Encode(map[string]any{"code": 0, "message": "SUCCEED", "data": task})
}

func newFakeClient(t *testing.T, f *fakeVendor, cfg Config) *Client {
	t.Helper()

	f.t = t
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	cfg.BaseURL = srv.URL
	cfg.AccessKey = testAccessKey
	cfg.SecretKey = testSecretKey
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	if cfg.RPS == 0 {
		cfg.RPS = 1000
	}
	return NewClient(cfg)
}

func TestClient_Token(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewClient(Config{AccessKey: testAccessKey, SecretKey: testSecretKey, Now: func() time.Time { return now }})

	signed, err := c.Token()
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}

	var claims jwt.RegisteredClaims
	token, _, err := jwt.NewParser().ParseUnverified(signed, &claims)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if token.Method.Alg() != "HS256" {
		t.Errorf("alg = %s, want HS256", token.Method.Alg())
	}
	if claims.Issuer != testAccessKey {
		t.Errorf("iss = %q", claims.Issuer)
	}
	if got := claims.ExpiresAt.Time; !got.Equal(now.Add(30 * time.Minute)) {
		t.Errorf("exp = %s, want now+30m", got)
	}
	if got := claims.NotBefore.Time; !got.Equal(now.Add(-5 * time.Second)) {
		t.Errorf("nbf = %s, want now-5s", got)
	}
}

func TestClient_NotConfigured(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no keys", Config{}},
		{"no secret", Config{AccessKey: testAccessKey}},
		{"no access key", Config{SecretKey: testSecretKey}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(tt.cfg)
			if c.Configured() {
				t.Error("Configured() = true")
			}
			if _, err := c.TryOn(t.Context(), "aGk=", "https://x.io/c.jpg"); !errors.Is(err, ErrNotConfigured) {
				t.Errorf("TryOn() error = %v, want ErrNotConfigured", err)
			}
		})
	}
}

func TestClient_TryOn(t *testing.T) {
	f := &fakeVendor{pendingPolls: 2, finalStatus: StatusSucceed}
	c := newFakeClient(t, f, Config{})

	url, err := c.TryOn(t.Context(), "aGVsbG8=", "https://cdn.example.com/coat.jpg")
	if err != nil {
		t.Fatalf("TryOn() error = %v", err)
	}
	if url != "https://cdn.example.com/result.png" {
		t.Errorf("TryOn() = %q", url)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.polls != 3 {
		t.Errorf("polls = %d, want 3", f.polls)
	}

	want := createRequest{ModelName: Model, HumanImage: "aGVsbG8=", ClothImage: "https://cdn.example.com/coat.jpg"}
	if f.lastCreate != want {
		t.Errorf("create body = %+v, want %+v", f.lastCreate, want)
	}
}

func TestClient_TryOn_TaskFailed(t *testing.T) {
	f := &fakeVendor{finalStatus: StatusFailed}
	c := newFakeClient(t, f, Config{})

	_, err := c.TryOn(t.Context(), "aGk=", "https://x.io/c.jpg")
	if !errors.Is(err, ErrTaskFailed) {
		t.Fatalf("TryOn() error = %v, want ErrTaskFailed", err)
	}
	if !strings.Contains(err.Error(), "no person detected") {
		t.Errorf("error %q should carry the vendor message", err)
	}
}

func TestClient_TryOn_TaskTimeout(t *testing.T) {
	f := &fakeVendor{pendingPolls: 1 << 30, finalStatus: StatusSucceed}
	c := newFakeClient(t, f, Config{TaskTimeout: 50 * time.Millisecond, PollInterval: 5 * time.Millisecond})

	_, err := c.TryOn(t.Context(), "aGk=", "https://x.io/c.jpg")
	if err == nil {
		t.Fatal("TryOn() should fail when the task never finishes")
	}
}

func TestClient_Retries(t *testing.T) {
	tests := []struct {
		name         string
		vendor       *fakeVendor
		maxRetries   int
		timeout      time.Duration
		wantErr      error
		wantStatus   int
		wantRequests int
	}{
		{
			name:         "429 then success",
			vendor:       &fakeVendor{throttle: 2, finalStatus: StatusSucceed},
			maxRetries:   3,
			wantRequests: 4, // 2 throttled + create + 1 poll
		},
		{
			name:         "429 exhausts retries",
			vendor:       &fakeVendor{throttle: 10, finalStatus: StatusSucceed},
			maxRetries:   2,
			wantStatus:   http.StatusTooManyRequests,
			wantRequests: 3,
		},
		{
			name:         "timeout then success",
			vendor:       &fakeVendor{stall: 1, finalStatus: StatusSucceed},
			maxRetries:   1,
			timeout:      50 * time.Millisecond,
			wantRequests: 3,
		},
		{
			name:         "timeout exhausts retries",
			vendor:       &fakeVendor{stall: 10, finalStatus: StatusSucceed},
			maxRetries:   1,
			timeout:      50 * time.Millisecond,
			wantErr:      ErrTimeout,
			wantRequests: 2,
		},
		{
			name:         "other status is not retried",
			vendor:       &fakeVendor{createStatus: http.StatusBadRequest},
			maxRetries:   3,
			wantStatus:   http.StatusBadRequest,
			wantRequests: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{MaxRetries: tt.maxRetries}
			if tt.timeout > 0 {
				cfg.HTTPClient = &http.Client{Timeout: tt.timeout}
			}
			c := newFakeClient(t, tt.vendor, cfg)

			_, err := c.TryOn(t.Context(), "aGk=", "https://x.io/c.jpg")

			switch {
			case tt.wantStatus != 0:
				var apiErr *APIError
				if !errors.As(err, &apiErr) {
					t.Fatalf("TryOn() error = %v, want *APIError", err)
				}
				if apiErr.Status != tt.wantStatus {
					t.Errorf("status = %d, want %d", apiErr.Status, tt.wantStatus)
				}
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("TryOn() error = %v, want %v", err, tt.wantErr)
				}
			default:
				if err != nil {
					t.Fatalf("TryOn() error = %v", err)
				}
			}

			tt.vendor.mu.Lock()
			defer tt.vendor.mu.Unlock()
			if tt.vendor.requests != tt.wantRequests {
				t.Errorf("requests = %d, want %d", tt.vendor.requests, tt.wantRequests)
			}
		})
	}
}

func TestClient_CanceledContextStopsRetries(t *testing.T) {
	f := &fakeVendor{throttle: 100}
	c := newFakeClient(t, f, Config{MaxRetries: 50, RetryDelay: time.Hour})

	ctx, cancel := context.WithCancel(t.Context())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	if _, err := c.TryOn(ctx, "aGk=", "https://x.io/c.jpg"); !errors.Is(err, context.Canceled) {
		t.Fatalf("TryOn() error = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("retry backoff ignored cancellation")
	}
}
