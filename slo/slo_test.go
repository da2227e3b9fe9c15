package slo_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nhalm/smartmirror/slo"
)

func TestTrack_SetsTierInContext(t *testing.T) {
	tests := []struct {
		name           string
		tier           slo.Tier
		expectedTarget time.Duration
	}{
		{"Critical", slo.Critical, 50 * time.Millisecond},
		{"HighFast", slo.HighFast, 100 * time.Millisecond},
		{"HighSlow", slo.HighSlow, time.Second},
		{"Upstream", slo.Upstream, 3 * time.Second},
		{"Low", slo.Low, time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var capturedTier slo.Tier
			var capturedTarget time.Duration
			var found bool

			handler := slo.Track(tt.tier)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				capturedTier, capturedTarget, found = slo.GetTier(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/products", http.NoBody)
			handler.ServeHTTP(httptest.NewRecorder(), req)

			if !found {
				t.Fatal("expected SLO tier to be set in context")
			}
			if capturedTier != tt.tier {
				t.Errorf("expected tier %s, got %s", tt.tier, capturedTier)
			}
			if capturedTarget != tt.expectedTarget {
				t.Errorf("expected target %v, got %v", tt.expectedTarget, capturedTarget)
			}
			if target, ok := slo.Target(tt.tier); !ok || target != tt.expectedTarget {
				t.Errorf("Target(%s) = %v, %v", tt.tier, target, ok)
			}
		})
	}
}

func TestTrackWithTarget_SetsCustomTarget(t *testing.T) {
	var capturedTier slo.Tier
	var capturedTarget time.Duration

	handler := slo.TrackWithTarget(250 * time.Millisecond)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		capturedTier, capturedTarget, _ = slo.GetTier(r.Context())
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if capturedTier != "custom" {
		t.Errorf("expected tier custom, got %s", capturedTier)
	}
	if capturedTarget != 250*time.Millisecond {
		t.Errorf("expected target 250ms, got %v", capturedTarget)
	}
}

func TestGetTier_NoContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)

	tier, target, found := slo.GetTier(req.Context())
	if found || tier != "" || target != 0 {
		t.Errorf("expected no tier, got %s %v %v", tier, target, found)
	}

	if _, ok := slo.Target("unknown"); ok {
		t.Error("expected unknown tier to have no target")
	}
}

func TestTrack_DifferentRoutesHaveDifferentSLOs(t *testing.T) {
	got := map[string]slo.Tier{}

	capture := func(path string) http.HandlerFunc {
		return func(_ http.ResponseWriter, r *http.Request) {
			tier, _, _ := slo.GetTier(r.Context())
			got[path] = tier
		}
	}

	r := chi.NewRouter()
	r.With(slo.Track(slo.HighFast)).Get("/products", capture("/products"))
	r.With(slo.Track(slo.Upstream)).Get("/weather", capture("/weather"))
	r.Get("/", capture("/"))

	for _, path := range []string{"/products", "/weather", "/"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, http.NoBody))
	}

	if got["/products"] != slo.HighFast {
		t.Errorf("/products tier = %s", got["/products"])
	}
	if got["/weather"] != slo.Upstream {
		t.Errorf("/weather tier = %s", got["/weather"])
	}
	if got["/"] != "" {
		t.Errorf("/ tier = %s, want none", got["/"])
	}
}
