package catalog

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/nhalm/canonlog"
	"github.com/nhalm/smartmirror/bind"
	"github.com/nhalm/smartmirror/qr"
	"github.com/nhalm/smartmirror/wrapper"
)

// Store is the persistence the catalog handlers need.
type Store interface {
	Create(ctx context.Context, in Create) (*Product, error)
	Get(ctx context.Context, id int64) (*Product, error)
	List(ctx context.Context, f Filter) ([]Product, error)
	Update(ctx context.Context, id int64, in Update) (*Product, error)
	Delete(ctx context.Context, id int64) error
	Categories(ctx context.Context) ([]string, error)
	Brands(ctx context.Context) ([]string, error)
}

// Handler serves the catalog routes. Path ids are read from the chi URL
// parameter "id".
type Handler struct {
	store Store
}

// NewHandler returns catalog handlers backed by store.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// Create serves POST /products.
func (h *Handler) Create(_ http.ResponseWriter, r *http.Request) {
	var in Create
	if !bind.JSON(r, &in) {
		return
	}

	p, err := h.store.Create(r.Context(), in)
	if err != nil {
		storeError(r, err)
		return
	}
	if _, ok := canonlog.TryGetLogger(r.Context()); ok {
		canonlog.InfoAdd(r.Context(), "product_id", p.ID)
	}
	wrapper.SetResponse(r, http.StatusCreated, p)
}

// List serves GET /products.
func (h *Handler) List(_ http.ResponseWriter, r *http.Request) {
	var q ListQuery
	if !bind.Query(r, &q) {
		return
	}

	products, err := h.store.List(r.Context(), q.Filter())
	if err != nil {
		storeError(r, err)
		return
	}
	wrapper.SetResponse(r, http.StatusOK, products)
}

// Get serves GET /products/{id}.
func (h *Handler) Get(_ http.ResponseWriter, r *http.Request) {
	id, ok := productID(r)
	if !ok {
		return
	}

	p, err := h.store.Get(r.Context(), id)
	if err != nil {
		storeError(r, err)
		return
	}
	wrapper.SetResponse(r, http.StatusOK, p)
}

// Update serves PUT /products/{id}.
func (h *Handler) Update(_ http.ResponseWriter, r *http.Request) {
	id, ok := productID(r)
	if !ok {
		return
	}
	var in Update
	if !bind.JSON(r, &in) {
		return
	}

	p, err := h.store.Update(r.Context(), id, in)
	if err != nil {
		storeError(r, err)
		return
	}
	wrapper.SetResponse(r, http.StatusOK, p)
}

// Delete serves DELETE /products/{id}.
func (h *Handler) Delete(_ http.ResponseWriter, r *http.Request) {
	id, ok := productID(r)
	if !ok {
		return
	}

	if err := h.store.Delete(r.Context(), id); err != nil {
		storeError(r, err)
		return
	}
	wrapper.SetResponse(r, http.StatusOK, map[string]string{"message": "Product deleted"})
}

// Categories serves GET /categories.
func (h *Handler) Categories(_ http.ResponseWriter, r *http.Request) {
	values, err := h.store.Categories(r.Context())
	if err != nil {
		storeError(r, err)
		return
	}
	wrapper.SetResponse(r, http.StatusOK, values)
}

// Brands serves GET /brands.
func (h *Handler) Brands(_ http.ResponseWriter, r *http.Request) {
	values, err := h.store.Brands(r.Context())
	if err != nil {
		storeError(r, err)
		return
	}
	wrapper.SetResponse(r, http.StatusOK, values)
}

// QR serves GET /products/{id}/qr as a PNG of the product page URL.
func (h *Handler) QR(_ http.ResponseWriter, r *http.Request) {
	id, ok := productID(r)
	if !ok {
		return
	}

	p, err := h.store.Get(r.Context(), id)
	if err != nil {
		storeError(r, err)
		return
	}
	if p.ProductURL == "" {
		wrapper.SetError(r, wrapper.ErrBadRequest.With("Product has no product URL"))
		return
	}

	png, err := qr.Encode(p.ProductURL, qr.DefaultSize)
	if err != nil {
		internalError(r, err)
		return
	}
	wrapper.SetBytes(r, http.StatusOK, "image/png", png)
}

func productID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		wrapper.SetError(r, wrapper.ErrBadRequest.WithParam("Invalid product id", "id"))
		return 0, false
	}
	return id, true
}

func storeError(r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		wrapper.SetError(r, wrapper.ErrNotFound.With("Product not found"))
	case errors.Is(err, ErrConflict):
		wrapper.SetError(r, wrapper.ErrConflict.With("A product with this name and brand already exists"))
	default:
		internalError(r, err)
	}
}

func internalError(r *http.Request, err error) {
	if _, ok := canonlog.TryGetLogger(r.Context()); ok {
		canonlog.ErrorAdd(r.Context(), err)
	}
	wrapper.SetError(r, wrapper.ErrInternal)
}
