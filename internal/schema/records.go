package schema

import (
	"fmt"
	"time"
)

// Table names for all synchronized collections. These double as the
// entity-type discriminator on sync queue entries and realtime events.
const (
	TableCategories = "categories"
	TableProducts   = "products"
	TableCustomers  = "customers"
	TableProviders  = "providers"
	TableServices   = "services"
	TableSales      = "sales"
	TableSaleItems  = "sale_items"
	TableTickets    = "tickets"
)

// SyncedTables lists every collection that carries a remote_id column,
// in bootstrap order (parents before children).
var SyncedTables = []string{
	TableCategories,
	TableProducts,
	TableCustomers,
	TableProviders,
	TableServices,
	TableSales,
	TableTickets,
}

// Category is a product grouping. Reference data owned by the remote
// authority; local rows exist only so products can point at them offline.
type Category struct {
	ID        int64     `json:"id"`
	RemoteID  *int64    `json:"remote_id,omitempty"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks required Category fields.
func (c *Category) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// Product is a sellable item. Stock is tracked locally so sales can be
// recorded offline; the remote authority owns the canonical figure.
type Product struct {
	ID         int64     `json:"id"`
	RemoteID   *int64    `json:"remote_id,omitempty"`
	CategoryID int64     `json:"category_id"`
	Name       string    `json:"name"`
	SKU        string    `json:"sku,omitempty"`
	Barcode    string    `json:"barcode,omitempty"`
	Price      int64     `json:"price"` // minor currency units
	Stock      int64     `json:"stock"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Validate checks required Product fields.
func (p *Product) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.CategoryID == 0 {
		return fmt.Errorf("category_id is required")
	}
	if p.Price < 0 {
		return fmt.Errorf("price must not be negative (got %d)", p.Price)
	}
	return nil
}

// Customer is a buyer or patient.
type Customer struct {
	ID        int64     `json:"id"`
	RemoteID  *int64    `json:"remote_id,omitempty"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	Address   string    `json:"address,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks required Customer fields.
func (c *Customer) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// Provider is a clinic practitioner offering services.
type Provider struct {
	ID        int64     `json:"id"`
	RemoteID  *int64    `json:"remote_id,omitempty"`
	Name      string    `json:"name"`
	Specialty string    `json:"specialty,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks required Provider fields.
func (p *Provider) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// Service is a billable clinic service offered by a provider.
type Service struct {
	ID         int64     `json:"id"`
	RemoteID   *int64    `json:"remote_id,omitempty"`
	ProviderID int64     `json:"provider_id"`
	Name       string    `json:"name"`
	Fee        int64     `json:"fee"` // minor currency units
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Validate checks required Service fields.
func (s *Service) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.ProviderID == 0 {
		return fmt.Errorf("provider_id is required")
	}
	if s.Fee < 0 {
		return fmt.Errorf("fee must not be negative (got %d)", s.Fee)
	}
	return nil
}

// Sale is the header of a sale aggregate. Line items live in SaleItem and
// are always written in the same transaction as the header.
type Sale struct {
	ID         int64     `json:"id"`
	RemoteID   *int64    `json:"remote_id,omitempty"`
	CustomerID *int64    `json:"customer_id,omitempty"` // local id, nil for walk-in
	Total      int64     `json:"total"`
	Paid       int64     `json:"paid"`
	Note       string    `json:"note,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Validate checks required Sale fields.
func (s *Sale) Validate() error {
	if s.Total < 0 {
		return fmt.Errorf("total must not be negative (got %d)", s.Total)
	}
	if s.Paid < 0 {
		return fmt.Errorf("paid must not be negative (got %d)", s.Paid)
	}
	if s.RecordedAt.IsZero() {
		return fmt.Errorf("recorded_at is required")
	}
	return nil
}

// SaleItem is one line of a sale aggregate.
type SaleItem struct {
	ID        int64  `json:"id"`
	RemoteID  *int64 `json:"remote_id,omitempty"`
	SaleID    int64  `json:"sale_id"`
	ProductID int64  `json:"product_id"`
	Qty       int64  `json:"qty"`
	UnitPrice int64  `json:"unit_price"`
	Subtotal  int64  `json:"subtotal"`
}

// Validate checks required SaleItem fields.
func (i *SaleItem) Validate() error {
	if i.ProductID == 0 {
		return fmt.Errorf("product_id is required")
	}
	if i.Qty <= 0 {
		return fmt.Errorf("qty must be positive (got %d)", i.Qty)
	}
	if i.UnitPrice < 0 {
		return fmt.Errorf("unit_price must not be negative (got %d)", i.UnitPrice)
	}
	return nil
}

// Ticket is a clinic visit for a service, queued or completed.
type Ticket struct {
	ID         int64     `json:"id"`
	RemoteID   *int64    `json:"remote_id,omitempty"`
	ServiceID  int64     `json:"service_id"`
	CustomerID *int64    `json:"customer_id,omitempty"`
	Number     int64     `json:"number"`
	Status     string    `json:"status"` // waiting, serving, done, cancelled
	RecordedAt time.Time `json:"recorded_at"`
}

// Validate checks required Ticket fields.
func (t *Ticket) Validate() error {
	if t.ServiceID == 0 {
		return fmt.Errorf("service_id is required")
	}
	if t.Number <= 0 {
		return fmt.Errorf("number must be positive (got %d)", t.Number)
	}
	if t.Status == "" {
		return fmt.Errorf("status is required")
	}
	if t.RecordedAt.IsZero() {
		return fmt.Errorf("recorded_at is required")
	}
	return nil
}

// RemoteRef returns a *int64 for a remote identifier, for literal use in
// tests and row mapping.
func RemoteRef(id int64) *int64 {
	return &id
}
