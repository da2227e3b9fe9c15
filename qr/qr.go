// Package qr renders QR codes for products shown on the mirror.
//
// Codes are black on white PNGs with low error correction, which keeps the
// module count small enough to scan from across a fitting room.
package qr

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/nhalm/smartmirror/bind"
	"github.com/nhalm/smartmirror/wrapper"
	"github.com/skip2/go-qrcode"
)

// DefaultSize is the PNG edge length in pixels used when callers pass none.
const DefaultSize = 290

// MaxSize caps the PNG edge length.
const MaxSize = 1024

const dataURIPrefix = "data:image/png;base64,"

// ErrEmptyContent is returned when there is nothing to encode.
var ErrEmptyContent = errors.New("qr: empty content")

// Encode renders content as a PNG of size x size pixels.
// A non-positive size uses DefaultSize; sizes above MaxSize are clamped.
func Encode(content string, size int) ([]byte, error) {
	if content == "" {
		return nil, ErrEmptyContent
	}
	if size <= 0 {
		size = DefaultSize
	}
	size = min(size, MaxSize)

	png, err := qrcode.Encode(content, qrcode.Low, size)
	if err != nil {
		return nil, fmt.Errorf("encode qr code: %w", err)
	}
	return png, nil
}

// DataURI wraps a PNG in a data URI the kiosk can use as an img src.
func DataURI(png []byte) string {
	return dataURIPrefix + base64.StdEncoding.EncodeToString(png)
}

// Payload is the content of a product token.
type Payload struct {
	ProductID string `json:"product_id"`
	Size      string `json:"size,omitempty"`
	Color     string `json:"color,omitempty"`
}

// ProductToken encodes the product selection as JSON inside a QR code and
// returns it as a PNG data URI. size and color are the garment variant, not
// image dimensions.
func ProductToken(productID, size, color string) (string, error) {
	if productID == "" {
		return "", ErrEmptyContent
	}

	content, err := json.Marshal(Payload{ProductID: productID, Size: size, Color: color})
	if err != nil {
		return "", fmt.Errorf("marshal qr payload: %w", err)
	}

	png, err := Encode(string(content), DefaultSize)
	if err != nil {
		return "", err
	}
	return DataURI(png), nil
}

// Request is the body of POST /qrcode.
type Request struct {
	ProductID string `json:"product_id" validate:"required,max=64"`
	Size      string `json:"size" validate:"max=16"`
	Color     string `json:"color" validate:"max=32"`
}

// Response carries the generated token.
type Response struct {
	QRToken string `json:"qr_token"`
}

// Handler serves POST /qrcode.
func Handler() http.HandlerFunc {
	return func(_ http.ResponseWriter, r *http.Request) {
		var req Request
		if !bind.JSON(r, &req) {
			return
		}

		token, err := ProductToken(req.ProductID, req.Size, req.Color)
		if err != nil {
			wrapper.SetError(r, wrapper.ErrInternal.With("Could not generate QR code"))
			return
		}
		wrapper.SetResponse(r, http.StatusOK, Response{QRToken: token})
	}
}
