package tryon

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/nhalm/canonlog"
	"github.com/nhalm/smartmirror/bind"
	"github.com/nhalm/smartmirror/catalog"
	"github.com/nhalm/smartmirror/qr"
	"github.com/nhalm/smartmirror/wrapper"
)

// FileField is the multipart field carrying the shopper photo.
const FileField = "file"

const multipartMemory = 32 << 20

var allowedTypes = []string{"image/jpeg", "image/png"}

// Renderer produces try-on images. *Client implements it.
type Renderer interface {
	TryOn(ctx context.Context, human, cloth string) (string, error)
}

// Uploads stores shopper photos between requests. *UploadStore implements it.
type Uploads interface {
	Save(ctx context.Context, data []byte) (string, error)
	Load(ctx context.Context, id string) ([]byte, error)
	TTL() time.Duration
}

// Products resolves the garment being tried on.
type Products interface {
	Get(ctx context.Context, id int64) (*catalog.Product, error)
}

// Handler serves the upload and try-on routes.
type Handler struct {
	renderer Renderer
	uploads  Uploads
	products Products
	maxBytes int64
}

// NewHandler wires the try-on routes. maxBytes caps one photo.
func NewHandler(renderer Renderer, uploads Uploads, products Products, maxBytes int64) *Handler {
	return &Handler{renderer: renderer, uploads: uploads, products: products, maxBytes: maxBytes}
}

// UploadResponse is returned by POST /uploads.
type UploadResponse struct {
	ImageID string `json:"image_id"`
	Expiry  int    `json:"expiry"`
}

// Form holds the non-file fields of POST /virtual-try-on. ImageID refers to
// an earlier upload and is used when no file is sent.
type Form struct {
	ProductID int64  `form:"product_id" validate:"required,gt=0"`
	ImageID   string `form:"image_id" validate:"omitempty,uuid"`
}

// ProductDetails summarizes the garment in a try-on result.
type ProductDetails struct {
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Currency string  `json:"currency"`
	Brand    string  `json:"brand,omitempty"`
}

// Result is returned by POST /virtual-try-on.
type Result struct {
	Success        bool           `json:"success"`
	TryOnImage     string         `json:"try_on_image"`
	ProductURL     string         `json:"product_url"`
	QRCode         string         `json:"qr_code,omitempty"`
	ProductDetails ProductDetails `json:"product_details"`
}

// Upload serves POST /uploads.
func (h *Handler) Upload(_ http.ResponseWriter, r *http.Request) {
	if !h.parseForm(r) {
		return
	}
	data, ok := h.readPhoto(r, true)
	if !ok {
		return
	}

	id, err := h.uploads.Save(r.Context(), data)
	if err != nil {
		internalError(r, err)
		return
	}
	addLogField(r.Context(), "upload_bytes", len(data))
	wrapper.SetResponse(r, http.StatusOK, UploadResponse{
		ImageID: id,
		Expiry:  int(h.uploads.TTL() / time.Second),
	})
}

// TryOn serves POST /virtual-try-on.
func (h *Handler) TryOn(_ http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !h.parseForm(r) {
		return
	}
	var form Form
	if !bind.Form(r, &form) {
		return
	}

	photo, ok := h.readPhoto(r, form.ImageID == "")
	if !ok {
		return
	}
	if photo == nil {
		var err error
		photo, err = h.uploads.Load(ctx, form.ImageID)
		if errors.Is(err, ErrUploadNotFound) {
			wrapper.SetError(r, wrapper.ErrNotFound.WithParam("Uploaded image expired or not found", "image_id"))
			return
		}
		if err != nil {
			internalError(r, err)
			return
		}
	}

	p, err := h.products.Get(ctx, form.ProductID)
	if errors.Is(err, catalog.ErrNotFound) || (err == nil && !p.IsActive) {
		wrapper.SetError(r, wrapper.ErrNotFound.WithParam("Product not found", "product_id"))
		return
	}
	if err != nil {
		internalError(r, err)
		return
	}
	addLogField(ctx, "product_id", p.ID)

	image, err := h.renderer.TryOn(ctx, base64.StdEncoding.EncodeToString(photo), p.ImageURL)
	if err != nil {
		renderError(r, err)
		return
	}

	result := Result{
		Success:    true,
		TryOnImage: image,
		ProductURL: p.ProductURL,
		ProductDetails: ProductDetails{
			Name:     p.Name,
			Price:    p.Price,
			Currency: p.Currency,
			Brand:    p.Brand,
		},
	}
	if p.ProductURL != "" {
		png, err := qr.Encode(p.ProductURL, qr.DefaultSize)
		if err != nil {
			internalError(r, err)
			return
		}
		result.QRCode = qr.DataURI(png)
	}
	wrapper.SetResponse(r, http.StatusOK, result)
}

func (h *Handler) parseForm(r *http.Request) bool {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			wrapper.SetError(r, wrapper.ErrPayloadTooLarge.With("Request body too large"))
		} else {
			wrapper.SetError(r, wrapper.ErrBadRequest.With("Expected a multipart form"))
		}
		return false
	}
	return true
}

// readPhoto returns the validated file field. A missing file is an error only
// when required; otherwise it returns nil, true.
func (h *Handler) readPhoto(r *http.Request, required bool) ([]byte, bool) {
	file, _, err := r.FormFile(FileField)
	if errors.Is(err, http.ErrMissingFile) && !required {
		return nil, true
	}
	if err != nil {
		wrapper.SetError(r, wrapper.ErrBadRequest.WithParam("An image file is required", FileField))
		return nil, false
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxBytes+1))
	if err != nil {
		internalError(r, err)
		return nil, false
	}
	if int64(len(data)) > h.maxBytes {
		wrapper.SetError(r, wrapper.ErrPayloadTooLarge.WithParam("Image is too large", FileField))
		return nil, false
	}

	mtype := mimetype.Detect(data)
	if !mimetype.EqualsAny(mtype.String(), allowedTypes...) {
		addLogField(r.Context(), "upload_type", mtype.String())
		wrapper.SetError(r, wrapper.ErrBadRequest.WithParam("Only JPEG and PNG images are accepted", FileField))
		return nil, false
	}
	return data, true
}

func renderError(r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotConfigured):
		wrapper.SetError(r, wrapper.ErrServiceUnavailable.With("Virtual try-on is not configured"))
	case errors.Is(err, ErrTaskFailed):
		logError(r, err)
		wrapper.SetError(r, wrapper.ErrUnprocessableEntity.With("Try-on could not be generated for this photo"))
	default:
		logError(r, err)
		wrapper.SetError(r, wrapper.ErrBadGateway.With("Virtual try-on service error"))
	}
}

func internalError(r *http.Request, err error) {
	logError(r, err)
	wrapper.SetError(r, wrapper.ErrInternal)
}

func logError(r *http.Request, err error) {
	if _, ok := canonlog.TryGetLogger(r.Context()); ok {
		canonlog.ErrorAdd(r.Context(), err)
	}
}
