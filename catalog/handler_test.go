package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/nhalm/smartmirror/bind"
	"github.com/nhalm/smartmirror/wrapper"
)

func TestMain(m *testing.M) {
	if err := RegisterValidations(); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func newTestRouter(t *testing.T) (http.Handler, *SQLiteStore) {
	t.Helper()

	s := newTestStore(t)
	h := NewHandler(s)

	r := chi.NewRouter()
	r.Use(wrapper.New(wrapper.WithCanonlog()))
	r.Use(bind.New(bind.WithFormatter(ValidationMessage)))
	r.Post("/products", h.Create)
	r.Get("/products", h.List)
	r.Get("/products/{id}", h.Get)
	r.Put("/products/{id}", h.Update)
	r.Delete("/products/{id}", h.Delete)
	r.Get("/products/{id}/qr", h.QR)
	r.Get("/categories", h.Categories)
	r.Get("/brands", h.Brands)
	return r, s
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, http.NoBody)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	var resp struct {
		Error wrapper.Error `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error: %v", err)
	}
	return resp.Error.Code
}

func TestHandler_CreateAndGet(t *testing.T) {
	h, _ := newTestRouter(t)

	rec := do(t, h, http.MethodPost, "/products",
		`{"name":"Silk Scarf","price":1299.9,"image_url":"https://cdn.example.com/s.jpg","category":"Accessories","brand":"Atelier"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body)
	}

	var created struct {
		ID             int64  `json:"id"`
		Currency       string `json:"currency"`
		PriceFormatted string `json:"price_formatted"`
		IsActive       bool   `json:"is_active"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	if created.Currency != "TRY" || created.PriceFormatted != "₺1,299.90" || !created.IsActive {
		t.Errorf("created = %+v", created)
	}

	rec = do(t, h, http.MethodGet, "/products/1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
}

func TestHandler_Create_Errors(t *testing.T) {
	h, s := newTestRouter(t)
	if _, err := s.Create(t.Context(), scarf()); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "duplicate",
			body:       `{"name":"Silk Scarf","price":1,"image_url":"https://x.io/a.jpg","category":"Accessories","brand":"Atelier"}`,
			wantStatus: http.StatusConflict,
			wantCode:   "conflict",
		},
		{
			name:       "bad currency",
			body:       `{"name":"Wool Coat","price":1,"currency":"JPY","image_url":"https://x.io/a.jpg","category":"Outerwear"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_request",
		},
		{
			name:       "short name",
			body:       `{"name":"Co","price":1,"image_url":"https://x.io/a.jpg","category":"Outerwear"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_request",
		},
		{
			name:       "negative stock",
			body:       `{"name":"Wool Coat","price":1,"image_url":"https://x.io/a.jpg","category":"Outerwear","stock":-2}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_request",
		},
		{
			name:       "not a url",
			body:       `{"name":"Wool Coat","price":1,"image_url":"coat.jpg","category":"Outerwear"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/products", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body)
			}
			if got := errorCode(t, rec); got != tt.wantCode {
				t.Errorf("code = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

func TestHandler_Create_CurrencyMessage(t *testing.T) {
	h, _ := newTestRouter(t)

	rec := do(t, h, http.MethodPost, "/products",
		`{"name":"Wool Coat","price":1,"currency":"JPY","image_url":"https://x.io/a.jpg","category":"Outerwear"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	var resp struct {
		Error wrapper.Error `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Error.Errors) != 1 {
		t.Fatalf("errors = %+v, want one", resp.Error.Errors)
	}
	fe := resp.Error.Errors[0]
	if fe.Param != "currency" || fe.Message != "must be one of: EUR, GBP, TRY, USD" {
		t.Errorf("field error = %+v", fe)
	}
}

func TestValidationMessage(t *testing.T) {
	tests := []struct {
		tag, param, want string
	}{
		{"currency", "", "must be one of: EUR, GBP, TRY, USD"},
		{"min", "3", "must be at least 3"},
		{"http_url", "", "must be a valid URL"},
	}

	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			if got := ValidationMessage("field", tt.tag, tt.param); got != tt.want {
				t.Errorf("ValidationMessage(%q) = %q, want %q", tt.tag, got, tt.want)
			}
		})
	}
}

func TestHandler_Get_Errors(t *testing.T) {
	h, _ := newTestRouter(t)

	tests := []struct {
		target     string
		wantStatus int
	}{
		{"/products/42", http.StatusNotFound},
		{"/products/abc", http.StatusBadRequest},
		{"/products/0", http.StatusBadRequest},
		{"/products/-3", http.StatusBadRequest},
	}

	for _, tt := range tests {
		rec := do(t, h, http.MethodGet, tt.target, "")
		if rec.Code != tt.wantStatus {
			t.Errorf("GET %s: expected %d, got %d", tt.target, tt.wantStatus, rec.Code)
		}
	}
}

func TestHandler_List(t *testing.T) {
	h, s := newTestRouter(t)
	ctx := t.Context()
	for _, c := range []Create{
		{Name: "Silk Scarf", Price: 1, ImageURL: "https://x.io/1.jpg", Category: "Accessories"},
		{Name: "Wool Coat", Price: 1, ImageURL: "https://x.io/2.jpg", Category: "Outerwear"},
		{Name: "Old Boots", Price: 1, ImageURL: "https://x.io/3.jpg", Category: "Shoes", IsActive: ptr(false)},
	} {
		if _, err := s.Create(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		target     string
		wantStatus int
		wantCount  int
	}{
		{"/products", http.StatusOK, 2},
		{"/products?active_only=false", http.StatusOK, 3},
		{"/products?category=Outerwear", http.StatusOK, 1},
		{"/products?skip=1&limit=1", http.StatusOK, 1},
		{"/products?limit=101", http.StatusBadRequest, 0},
		{"/products?skip=-1", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		rec := do(t, h, http.MethodGet, tt.target, "")
		if rec.Code != tt.wantStatus {
			t.Errorf("GET %s: expected %d, got %d", tt.target, tt.wantStatus, rec.Code)
			continue
		}
		if tt.wantStatus != http.StatusOK {
			continue
		}
		var products []Product
		if err := json.NewDecoder(rec.Body).Decode(&products); err != nil {
			t.Fatalf("GET %s: decode: %v", tt.target, err)
		}
		if len(products) != tt.wantCount {
			t.Errorf("GET %s: got %d products, want %d", tt.target, len(products), tt.wantCount)
		}
	}
}

func TestHandler_List_EmptyIsArray(t *testing.T) {
	h, _ := newTestRouter(t)

	rec := do(t, h, http.MethodGet, "/products", "")
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("body = %q, want []", body)
	}
}

func TestHandler_UpdateAndDelete(t *testing.T) {
	h, s := newTestRouter(t)
	p, err := s.Create(t.Context(), scarf())
	if err != nil {
		t.Fatal(err)
	}

	rec := do(t, h, http.MethodPut, "/products/1", `{"stock":9,"currency":"USD"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	got, _ := s.Get(t.Context(), p.ID)
	if got.Stock != 9 || got.Currency != "USD" || got.Name != p.Name {
		t.Errorf("after update = %+v", got)
	}

	rec = do(t, h, http.MethodPut, "/products/1", `{"price":-1}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid update: expected 400, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodPut, "/products/77", `{"stock":1}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("update unknown: expected 404, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodDelete, "/products/1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", rec.Code)
	}
	got, _ = s.Get(t.Context(), p.ID)
	if got.IsActive {
		t.Error("product should be inactive after delete")
	}

	rec = do(t, h, http.MethodDelete, "/products/77", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("delete unknown: expected 404, got %d", rec.Code)
	}
}

func TestHandler_CategoriesAndBrands(t *testing.T) {
	h, s := newTestRouter(t)
	if _, err := s.Create(t.Context(), scarf()); err != nil {
		t.Fatal(err)
	}

	for target, want := range map[string]string{"/categories": `["Accessories"]`, "/brands": `["Atelier"]`} {
		rec := do(t, h, http.MethodGet, target, "")
		if got := strings.TrimSpace(rec.Body.String()); got != want {
			t.Errorf("GET %s = %s, want %s", target, got, want)
		}
	}
}

func TestHandler_QR(t *testing.T) {
	h, s := newTestRouter(t)
	ctx := t.Context()

	if _, err := s.Create(ctx, scarf()); err != nil {
		t.Fatal(err)
	}
	noURL := scarf()
	noURL.Name = "Plain Scarf"
	noURL.ProductURL = ""
	without, _ := s.Create(ctx, noURL)

	rec := do(t, h, http.MethodGet, "/products/1/qr", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("qr: expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}
	if _, err := png.Decode(bytes.NewReader(rec.Body.Bytes())); err != nil {
		t.Errorf("body is not a PNG: %v", err)
	}

	rec = do(t, h, http.MethodGet, "/products/2/qr", "")
	if rec.Code != http.StatusBadRequest || without.ID != 2 {
		t.Errorf("qr without url: expected 400, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/products/9/qr", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("qr unknown: expected 404, got %d", rec.Code)
	}
}

type failingStore struct {
	Store
}

func (failingStore) Categories(_ context.Context) ([]string, error) {
	return nil, errors.New("database is locked")
}

func TestHandler_StoreFailureIs500(t *testing.T) {
	h := NewHandler(failingStore{})

	handler := wrapper.New(wrapper.WithCanonlog())(http.HandlerFunc(h.Categories))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/categories", http.NoBody))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "locked") {
		t.Error("internal error detail leaked to client")
	}
}
