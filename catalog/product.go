// Package catalog stores the products advertised on the mirror and serves the
// catalog API.
//
// Products live in SQLite (modernc.org/sqlite, no cgo). Deleting a product only
// deactivates it, so the kiosk can still resolve QR codes printed before removal.
package catalog

import (
	"encoding/json"
	"errors"
	"maps"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/nhalm/smartmirror/bind"
)

// DefaultCurrency is used when a product is created without one.
const DefaultCurrency = "TRY"

// Page limits for List.
const (
	DefaultPageSize = 100
	MaxPageSize     = 100
)

var (
	// ErrNotFound is returned when no product has the requested id.
	ErrNotFound = errors.New("product not found")

	// ErrConflict is returned when another product already has the same
	// name and brand.
	ErrConflict = errors.New("product with this name and brand already exists")
)

var currencySymbols = map[string]string{
	"TRY": "₺",
	"USD": "$",
	"EUR": "€",
	"GBP": "£",
}

// ValidCurrency reports whether code is a currency the catalog accepts.
func ValidCurrency(code string) bool {
	_, ok := currencySymbols[code]
	return ok
}

// FormatPrice renders an amount with its currency symbol and thousands
// separators, e.g. ₺1,299.90. Unknown currencies get no symbol.
func FormatPrice(price float64, currency string) string {
	return currencySymbols[currency] + humanize.FormatFloat("#,###.##", price)
}

// RoundPrice rounds to two decimals.
func RoundPrice(price float64) float64 {
	return math.Round(price*100) / 100
}

// RegisterValidations registers the "currency" tag used by the request types.
// Call once at startup.
func RegisterValidations() error {
	return bind.RegisterValidation("currency", validCurrencyField)
}

// ValidationMessage formats validation errors for the catalog's own tags and
// falls back to bind.DefaultMessage for the rest.
func ValidationMessage(field, tag, param string) string {
	if tag == "currency" {
		return "must be one of: " + strings.Join(slices.Sorted(maps.Keys(currencySymbols)), ", ")
	}
	return bind.DefaultMessage(field, tag, param)
}

func validCurrencyField(fl validator.FieldLevel) bool {
	return ValidCurrency(fl.Field().String())
}

// Product is a catalog entry.
type Product struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Price       float64   `json:"price"`
	Currency    string    `json:"currency"`
	ImageURL    string    `json:"image_url"`
	ProductURL  string    `json:"product_url,omitempty"`
	Category    string    `json:"category"`
	Brand       string    `json:"brand,omitempty"`
	Stock       int       `json:"stock"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PriceFormatted returns the display price.
func (p Product) PriceFormatted() string {
	return FormatPrice(p.Price, p.Currency)
}

// MarshalJSON adds price_formatted to the encoded product.
func (p Product) MarshalJSON() ([]byte, error) {
	type plain Product
	return json.Marshal(struct {
		plain
		PriceFormatted string `json:"price_formatted"`
	}{plain(p), p.PriceFormatted()})
}

// Create is the payload for a new product. It doubles as the seed file entry.
type Create struct {
	Name        string  `json:"name" yaml:"name" validate:"required,min=3,max=100"`
	Description string  `json:"description" yaml:"description" validate:"max=1000"`
	Price       float64 `json:"price" yaml:"price" validate:"gt=0"`
	Currency    string  `json:"currency" yaml:"currency" validate:"omitempty,currency"`
	ImageURL    string  `json:"image_url" yaml:"image_url" validate:"required,http_url,max=500"`
	ProductURL  string  `json:"product_url" yaml:"product_url" validate:"omitempty,http_url,max=500"`
	Category    string  `json:"category" yaml:"category" validate:"required,min=2,max=50"`
	Brand       string  `json:"brand" yaml:"brand" validate:"omitempty,min=2,max=50"`
	Stock       int     `json:"stock" yaml:"stock" validate:"gte=0"`
	IsActive    *bool   `json:"is_active" yaml:"is_active"`
}

func (c Create) product(now time.Time) Product {
	p := Product{
		Name:        c.Name,
		Description: c.Description,
		Price:       RoundPrice(c.Price),
		Currency:    c.Currency,
		ImageURL:    c.ImageURL,
		ProductURL:  c.ProductURL,
		Category:    c.Category,
		Brand:       c.Brand,
		Stock:       c.Stock,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if p.Currency == "" {
		p.Currency = DefaultCurrency
	}
	if c.IsActive != nil {
		p.IsActive = *c.IsActive
	}
	return p
}

// Update is a partial update; nil fields are left unchanged.
type Update struct {
	Name        *string  `json:"name" validate:"omitempty,min=3,max=100"`
	Description *string  `json:"description" validate:"omitempty,max=1000"`
	Price       *float64 `json:"price" validate:"omitempty,gt=0"`
	Currency    *string  `json:"currency" validate:"omitempty,currency"`
	ImageURL    *string  `json:"image_url" validate:"omitempty,http_url,max=500"`
	ProductURL  *string  `json:"product_url" validate:"omitempty,http_url,max=500"`
	Category    *string  `json:"category" validate:"omitempty,min=2,max=50"`
	Brand       *string  `json:"brand" validate:"omitempty,min=2,max=50"`
	Stock       *int     `json:"stock" validate:"omitempty,gte=0"`
	IsActive    *bool    `json:"is_active"`
}

func (u Update) apply(p *Product) {
	if u.Name != nil {
		p.Name = *u.Name
	}
	if u.Description != nil {
		p.Description = *u.Description
	}
	if u.Price != nil {
		p.Price = RoundPrice(*u.Price)
	}
	if u.Currency != nil {
		p.Currency = *u.Currency
	}
	if u.ImageURL != nil {
		p.ImageURL = *u.ImageURL
	}
	if u.ProductURL != nil {
		p.ProductURL = *u.ProductURL
	}
	if u.Category != nil {
		p.Category = *u.Category
	}
	if u.Brand != nil {
		p.Brand = *u.Brand
	}
	if u.Stock != nil {
		p.Stock = *u.Stock
	}
	if u.IsActive != nil {
		p.IsActive = *u.IsActive
	}
}

// Filter selects products for List.
type Filter struct {
	Skip       int
	Limit      int
	Category   string
	Brand      string
	ActiveOnly bool
}

// ListQuery is the query string of GET /products.
type ListQuery struct {
	Skip       int    `query:"skip" validate:"gte=0"`
	Limit      int    `query:"limit" validate:"gte=0,lte=100"`
	Category   string `query:"category" validate:"max=50"`
	Brand      string `query:"brand" validate:"max=50"`
	ActiveOnly *bool  `query:"active_only"`
}

// Filter converts the query to a store filter. active_only defaults to true
// and a zero limit means DefaultPageSize.
func (q ListQuery) Filter() Filter {
	f := Filter{
		Skip:       q.Skip,
		Limit:      q.Limit,
		Category:   q.Category,
		Brand:      q.Brand,
		ActiveOnly: true,
	}
	if f.Limit == 0 {
		f.Limit = DefaultPageSize
	}
	if q.ActiveOnly != nil {
		f.ActiveOnly = *q.ActiveOnly
	}
	return f
}
