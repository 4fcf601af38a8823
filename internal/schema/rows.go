package schema

import (
	"fmt"
	"time"
)

// Row is a loosely-typed record as delivered by the remote authority's
// generic table reads and realtime notifications. Values follow JSON
// decoding conventions (numbers arrive as float64).
type Row = map[string]any

// RowInt64 extracts an integer field from a remote row.
func RowInt64(row Row, key string) (int64, error) {
	v, ok := row[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("field %q is missing", key)
	}
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("field %q is not a number (got %T)", key, v)
	}
}

// RowOptInt64 extracts a nullable integer field from a remote row.
// Returns nil when the field is absent or null.
func RowOptInt64(row Row, key string) (*int64, error) {
	v, ok := row[key]
	if !ok || v == nil {
		return nil, nil
	}
	n, err := RowInt64(row, key)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// RowString extracts a string field from a remote row. Absent or null
// fields yield the empty string.
func RowString(row Row, key string) string {
	if v, ok := row[key]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// RowTime extracts an RFC 3339 timestamp field from a remote row.
// Absent, null, or unparseable fields yield the zero time.
func RowTime(row Row, key string) time.Time {
	s := RowString(row, key)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// CategoryFromRow maps a remote categories row to a local record.
// The remote row's own id becomes the record's RemoteID; the local ID is
// left unset and is resolved by the upsert.
func CategoryFromRow(row Row) (*Category, error) {
	rid, err := RowInt64(row, "id")
	if err != nil {
		return nil, fmt.Errorf("invalid category row: %w", err)
	}
	c := &Category{
		RemoteID:  &rid,
		Name:      RowString(row, "name"),
		CreatedAt: RowTime(row, "created_at"),
		UpdatedAt: RowTime(row, "updated_at"),
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid category row id=%d: %w", rid, err)
	}
	return c, nil
}

// ProductFromRow maps a remote products row to a local record. The second
// return value is the row's remote category id, which the caller must
// translate to a local id before the record can be stored.
func ProductFromRow(row Row) (*Product, int64, error) {
	rid, err := RowInt64(row, "id")
	if err != nil {
		return nil, 0, fmt.Errorf("invalid product row: %w", err)
	}
	remoteCategoryID, err := RowInt64(row, "category_id")
	if err != nil {
		return nil, 0, fmt.Errorf("invalid product row id=%d: %w", rid, err)
	}
	p := &Product{
		RemoteID:  &rid,
		Name:      RowString(row, "name"),
		SKU:       RowString(row, "sku"),
		Barcode:   RowString(row, "barcode"),
		CreatedAt: RowTime(row, "created_at"),
		UpdatedAt: RowTime(row, "updated_at"),
	}
	if p.Price, err = RowInt64(row, "price"); err != nil {
		return nil, 0, fmt.Errorf("invalid product row id=%d: %w", rid, err)
	}
	if p.Stock, err = RowInt64(row, "stock"); err != nil {
		return nil, 0, fmt.Errorf("invalid product row id=%d: %w", rid, err)
	}
	if p.Name == "" {
		return nil, 0, fmt.Errorf("invalid product row id=%d: name is required", rid)
	}
	return p, remoteCategoryID, nil
}

// CustomerFromRow maps a remote customers row to a local record.
func CustomerFromRow(row Row) (*Customer, error) {
	rid, err := RowInt64(row, "id")
	if err != nil {
		return nil, fmt.Errorf("invalid customer row: %w", err)
	}
	c := &Customer{
		RemoteID:  &rid,
		Name:      RowString(row, "name"),
		Phone:     RowString(row, "phone"),
		Address:   RowString(row, "address"),
		CreatedAt: RowTime(row, "created_at"),
		UpdatedAt: RowTime(row, "updated_at"),
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid customer row id=%d: %w", rid, err)
	}
	return c, nil
}

// ProviderFromRow maps a remote providers row to a local record.
func ProviderFromRow(row Row) (*Provider, error) {
	rid, err := RowInt64(row, "id")
	if err != nil {
		return nil, fmt.Errorf("invalid provider row: %w", err)
	}
	p := &Provider{
		RemoteID:  &rid,
		Name:      RowString(row, "name"),
		Specialty: RowString(row, "specialty"),
		CreatedAt: RowTime(row, "created_at"),
		UpdatedAt: RowTime(row, "updated_at"),
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid provider row id=%d: %w", rid, err)
	}
	return p, nil
}

// ServiceFromRow maps a remote services row to a local record. The second
// return value is the row's remote provider id for translation.
func ServiceFromRow(row Row) (*Service, int64, error) {
	rid, err := RowInt64(row, "id")
	if err != nil {
		return nil, 0, fmt.Errorf("invalid service row: %w", err)
	}
	remoteProviderID, err := RowInt64(row, "provider_id")
	if err != nil {
		return nil, 0, fmt.Errorf("invalid service row id=%d: %w", rid, err)
	}
	s := &Service{
		RemoteID:  &rid,
		Name:      RowString(row, "name"),
		CreatedAt: RowTime(row, "created_at"),
		UpdatedAt: RowTime(row, "updated_at"),
	}
	if s.Fee, err = RowInt64(row, "fee"); err != nil {
		return nil, 0, fmt.Errorf("invalid service row id=%d: %w", rid, err)
	}
	if s.Name == "" {
		return nil, 0, fmt.Errorf("invalid service row id=%d: name is required", rid)
	}
	return s, remoteProviderID, nil
}

// TicketFromRow maps a remote tickets row to a local record. The second
// return value is the row's remote service id; the third is the remote
// customer id (nil for walk-ins).
func TicketFromRow(row Row) (*Ticket, int64, *int64, error) {
	rid, err := RowInt64(row, "id")
	if err != nil {
		return nil, 0, nil, fmt.Errorf("invalid ticket row: %w", err)
	}
	remoteServiceID, err := RowInt64(row, "service_id")
	if err != nil {
		return nil, 0, nil, fmt.Errorf("invalid ticket row id=%d: %w", rid, err)
	}
	remoteCustomerID, err := RowOptInt64(row, "customer_id")
	if err != nil {
		return nil, 0, nil, fmt.Errorf("invalid ticket row id=%d: %w", rid, err)
	}
	t := &Ticket{
		RemoteID:   &rid,
		Status:     RowString(row, "status"),
		RecordedAt: RowTime(row, "recorded_at"),
	}
	if t.Number, err = RowInt64(row, "number"); err != nil {
		return nil, 0, nil, fmt.Errorf("invalid ticket row id=%d: %w", rid, err)
	}
	if t.Status == "" {
		t.Status = "waiting"
	}
	if t.RecordedAt.IsZero() {
		t.RecordedAt = RowTime(row, "created_at")
	}
	return t, remoteServiceID, remoteCustomerID, nil
}

// SaleFromRow maps a remote sales row to a local record. The second return
// value is the remote customer id (nil for walk-ins). Line items arrive as
// a nested "items" array and are mapped by SaleItemsFromRow.
func SaleFromRow(row Row) (*Sale, *int64, error) {
	rid, err := RowInt64(row, "id")
	if err != nil {
		return nil, nil, fmt.Errorf("invalid sale row: %w", err)
	}
	remoteCustomerID, err := RowOptInt64(row, "customer_id")
	if err != nil {
		return nil, nil, fmt.Errorf("invalid sale row id=%d: %w", rid, err)
	}
	s := &Sale{
		RemoteID:   &rid,
		Note:       RowString(row, "note"),
		RecordedAt: RowTime(row, "recorded_at"),
	}
	if s.Total, err = RowInt64(row, "total"); err != nil {
		return nil, nil, fmt.Errorf("invalid sale row id=%d: %w", rid, err)
	}
	if s.Paid, err = RowInt64(row, "paid"); err != nil {
		return nil, nil, fmt.Errorf("invalid sale row id=%d: %w", rid, err)
	}
	if s.RecordedAt.IsZero() {
		s.RecordedAt = RowTime(row, "created_at")
	}
	return s, remoteCustomerID, nil
}

// SaleItemRow is one decoded line of a sale aggregate row, with the
// product reference still in remote id form.
type SaleItemRow struct {
	RemoteID        int64
	RemoteProductID int64
	Qty             int64
	UnitPrice       int64
	Subtotal        int64
}

// SaleItemsFromRow decodes the nested "items" array of a remote sale row.
func SaleItemsFromRow(row Row) ([]SaleItemRow, error) {
	raw, ok := row["items"]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("sale items field is not an array (got %T)", raw)
	}
	items := make([]SaleItemRow, 0, len(list))
	for i, el := range list {
		m, ok := el.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("sale item %d is not an object (got %T)", i, el)
		}
		var item SaleItemRow
		var err error
		if item.RemoteID, err = RowInt64(m, "id"); err != nil {
			return nil, fmt.Errorf("sale item %d: %w", i, err)
		}
		if item.RemoteProductID, err = RowInt64(m, "product_id"); err != nil {
			return nil, fmt.Errorf("sale item %d: %w", i, err)
		}
		if item.Qty, err = RowInt64(m, "qty"); err != nil {
			return nil, fmt.Errorf("sale item %d: %w", i, err)
		}
		if item.UnitPrice, err = RowInt64(m, "unit_price"); err != nil {
			return nil, fmt.Errorf("sale item %d: %w", i, err)
		}
		if item.Subtotal, err = RowInt64(m, "subtotal"); err != nil {
			item.Subtotal = item.Qty * item.UnitPrice
		}
		items = append(items, item)
	}
	return items, nil
}
