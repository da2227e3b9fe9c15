package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// SeedFile is the YAML layout of a catalog seed:
//
//	products:
//	  - name: Silk Scarf
//	    price: 1299.90
//	    currency: TRY
//	    image_url: https://cdn.example.com/scarf.jpg
//	    category: Accessories
//	    brand: Atelier
type SeedFile struct {
	Products []Create `yaml:"products"`
}

var seedValidate = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterValidation("currency", validCurrencyField)
	return v
}()

// LoadSeed reads and validates a seed file.
func LoadSeed(path string) ([]Create, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes seed YAML. Unknown keys are rejected so typos do not
// silently drop fields.
func ParseSeed(data []byte) ([]Create, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f SeedFile
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}

	for i, item := range f.Products {
		if err := seedValidate.Struct(item); err != nil {
			return nil, fmt.Errorf("seed product %d (%q): %w", i, item.Name, err)
		}
	}
	return f.Products, nil
}
