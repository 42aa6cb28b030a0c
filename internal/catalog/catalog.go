// Package catalog provides the external collaborators the licensing core
// consumes: product metadata (licensing capability, billing interval,
// downloads) and the purchase/transaction source.
package catalog

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v2"

	apperrors "licensed/internal/errors"
)

// DownloadKindPackage is the only artifact kind a release may point at
const DownloadKindPackage = "package"

// Billing units
const (
	UnitDay   = "day"
	UnitWeek  = "week"
	UnitMonth = "month"
	UnitYear  = "year"
)

// LicensingConfig is a product's licensing capability
type LicensingConfig struct {
	Enabled         bool   `yaml:"enabled" json:"enabled"`
	KeyType         string `yaml:"key_type" json:"key_type"`
	KeyPattern      string `yaml:"key_pattern,omitempty" json:"key_pattern,omitempty"`
	ActivationLimit int    `yaml:"activation_limit" json:"activation_limit"`
	Unlimited       bool   `yaml:"unlimited" json:"unlimited"`
	OnlineSoftware  bool   `yaml:"online_software" json:"online_software"`
	// RetentionCount is how many releases stay active; 0 uses the service default
	RetentionCount int `yaml:"retention_count" json:"retention_count"`
}

// BillingInterval is a product's recurring billing period. A zero Count
// means the product is not recurring and its keys are lifetime keys.
type BillingInterval struct {
	Unit  string `yaml:"unit" json:"unit"`
	Count int    `yaml:"count" json:"count"`
}

// Recurring reports whether the interval describes a real period
func (b BillingInterval) Recurring() bool {
	return b.Count > 0 && b.Unit != ""
}

// AddTo advances t by one billing period using calendar arithmetic in UTC
func (b BillingInterval) AddTo(t time.Time) time.Time {
	t = t.UTC()
	switch b.Unit {
	case UnitDay:
		return t.AddDate(0, 0, b.Count)
	case UnitWeek:
		return t.AddDate(0, 0, 7*b.Count)
	case UnitMonth:
		return t.AddDate(0, b.Count, 0)
	case UnitYear:
		return t.AddDate(b.Count, 0, 0)
	}
	return t
}

// Download is a downloadable artifact attached to a product
type Download struct {
	ID        int64  `yaml:"id" json:"id"`
	ProductID int64  `yaml:"-" json:"product_id"`
	Name      string `yaml:"name" json:"name"`
	URL       string `yaml:"url" json:"url"`
	Kind      string `yaml:"kind" json:"kind"`
}

// Product is the metadata the licensing core reads for a product
type Product struct {
	ID        int64           `yaml:"id" json:"id"`
	Name      string          `yaml:"name" json:"name"`
	Licensing LicensingConfig `yaml:"licensing" json:"licensing"`
	Billing   BillingInterval `yaml:"billing" json:"billing"`
	Downloads []Download      `yaml:"downloads" json:"downloads"`
}

// Products is the product metadata source
type Products interface {
	Product(ctx context.Context, id int64) (Product, error)
	Download(ctx context.Context, id int64) (Download, error)
}

// Static is an immutable, in-memory product catalog, usually loaded from YAML
type Static struct {
	mu        sync.RWMutex
	products  map[int64]Product
	downloads map[int64]Download
}

type catalogFile struct {
	Products []Product `yaml:"products"`
}

// NewStatic builds a catalog from products, indexing their downloads
func NewStatic(products ...Product) (*Static, error) {
	c := &Static{
		products:  make(map[int64]Product),
		downloads: make(map[int64]Download),
	}
	for _, p := range products {
		if err := c.Put(p); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// LoadFile reads a YAML catalog of the form `products: [...]`
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return NewStatic(f.Products...)
}

// Put adds or replaces a product
func (c *Static) Put(p Product) error {
	if p.ID <= 0 {
		return fmt.Errorf("product id must be positive, got %d", p.ID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.products[p.ID]; ok {
		for _, d := range old.Downloads {
			delete(c.downloads, d.ID)
		}
	}
	for i := range p.Downloads {
		p.Downloads[i].ProductID = p.ID
		if other, ok := c.downloads[p.Downloads[i].ID]; ok && other.ProductID != p.ID {
			return fmt.Errorf("download %d already belongs to product %d", other.ID, other.ProductID)
		}
		c.downloads[p.Downloads[i].ID] = p.Downloads[i]
	}
	c.products[p.ID] = p
	return nil
}

// Product returns a product by id
func (c *Static) Product(ctx context.Context, id int64) (Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.products[id]
	if !ok {
		return Product{}, apperrors.NotFound("product")
	}
	return p, nil
}

// Download returns a download by id
func (c *Static) Download(ctx context.Context, id int64) (Download, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, ok := c.downloads[id]
	if !ok {
		return Download{}, apperrors.NotFound("download")
	}
	return d, nil
}
