// Package catalog holds the fixed product catalog and its canonical
// per-currency prices. Loaded once at startup; immutable afterwards.
package catalog

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

const PriceTolerance = 0.01

var (
	ErrUnknownProduct      = errors.New("unknown product")
	ErrUnsupportedCurrency = errors.New("unsupported currency")
)

// PriceMismatchError reports a client/server price disagreement. It is never
// silently corrected; the order is rejected.
type PriceMismatchError struct {
	ProductType string
	Currency    string
	Canonical   float64
	Provided    float64
}

func (e *PriceMismatchError) Error() string {
	return fmt.Sprintf("price mismatch for %s/%s: expected %.2f, got %.2f",
		e.ProductType, e.Currency, e.Canonical, e.Provided)
}

type Product struct {
	Type        string             `json:"type"`
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Prices      map[string]float64 `json:"prices"` // currency -> canonical price
}

type Catalog struct {
	products map[string]Product
}

// Hardcoded defaults; overridable per (product, currency) via
// PRICE_{PRODUCT}_{CURRENCY} env vars, e.g. PRICE_BEATO_USD=150.00.
var defaults = []Product{
	{
		Type:        "beato",
		Name:        "Beato",
		Description: "8-pad MIDI loop controller",
		Prices:      map[string]float64{"USD": 120.00, "EUR": 110.00, "COP": 480000},
	},
	{
		Type:        "knobo",
		Name:        "Knobo",
		Description: "8-knob MIDI CC controller",
		Prices:      map[string]float64{"USD": 90.00, "EUR": 85.00, "COP": 360000},
	},
	{
		Type:        "loopo",
		Name:        "Loopo",
		Description: "looper pedal controller",
		Prices:      map[string]float64{"USD": 150.00, "EUR": 140.00, "COP": 600000},
	},
}

// Load builds the catalog from the defaults, applying env overrides.
func Load() *Catalog {
	products := make(map[string]Product, len(defaults))
	for _, p := range defaults {
		prices := make(map[string]float64, len(p.Prices))
		for cur, price := range p.Prices {
			key := fmt.Sprintf("PRICE_%s_%s", strings.ToUpper(p.Type), cur)
			if v := os.Getenv(key); v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
					price = f
				}
			}
			prices[cur] = price
		}
		p.Prices = prices
		products[p.Type] = p
	}
	return &Catalog{products: products}
}

// Resolve returns the canonical price for (productType, currency).
func (c *Catalog) Resolve(productType, currency string) (float64, error) {
	p, ok := c.products[productType]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownProduct, productType)
	}
	price, ok := p.Prices[currency]
	if !ok {
		return 0, fmt.Errorf("%w: %q for product %q", ErrUnsupportedCurrency, currency, productType)
	}
	return price, nil
}

// ValidatePrice rejects amounts further than PriceTolerance from the
// canonical price.
func (c *Catalog) ValidatePrice(productType string, amount float64, currency string) error {
	canonical, err := c.Resolve(productType, currency)
	if err != nil {
		return err
	}
	// the 1e-9 slack keeps amounts exactly at the tolerance edge from being
	// rejected over float representation noise
	if math.Abs(canonical-amount) > PriceTolerance+1e-9 {
		return &PriceMismatchError{
			ProductType: productType,
			Currency:    currency,
			Canonical:   canonical,
			Provided:    amount,
		}
	}
	return nil
}

// Snapshot returns the catalog for the public products/config endpoint.
// It contains no secrets, so it is returned as-is.
func (c *Catalog) Snapshot() []Product {
	out := make([]Product, 0, len(c.products))
	for _, t := range []string{"beato", "knobo", "loopo"} {
		if p, ok := c.products[t]; ok {
			out = append(out, p)
		}
	}
	return out
}
