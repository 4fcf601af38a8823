// Package remote provides the client for the remote authority: the backend
// system that owns canonical data and assigns remote identifiers.
//
// The sync core consumes four operations:
//
//   - one atomic "create aggregate" RPC per aggregate type (sale, ticket),
//     which applies the whole aggregate transactionally on the backend and
//     returns the server-assigned identifiers;
//   - a generic table read (bulk select with optional filter/order/limit)
//     used by bootstrap;
//   - a generic table write (insert/update/delete) for non-aggregate
//     entities;
//   - a per-table push subscription delivering change notifications over a
//     WebSocket.
//
// The Authority interface abstracts all four so the engine, bootstrap
// loader, and realtime listener can be exercised against fakes in tests.
package remote

import (
	"context"
	"encoding/json"
	"time"
)

// Row is one loosely-typed record in remote shape. Field names and id
// values are the remote authority's, not the replica's.
type Row = map[string]any

// Event is the kind of change in a realtime notification or a generic
// table write.
type Event string

const (
	// EventInsert indicates a new remote row.
	EventInsert Event = "insert"
	// EventUpdate indicates changed fields on an existing remote row.
	EventUpdate Event = "update"
	// EventDelete indicates a removed remote row.
	EventDelete Event = "delete"
)

// Change is one push notification from the remote authority.
type Change struct {
	Table  string `json:"table"`
	Event  Event  `json:"event"`
	Record Row    `json:"record"`
}

// Query bounds a generic table read.
type Query struct {
	// OrderBy names a remote column to sort on (empty = remote default).
	OrderBy string `json:"order_by,omitempty"`
	// Desc reverses the sort order.
	Desc bool `json:"desc,omitempty"`
	// Limit caps the number of rows (0 = no limit). Used to fetch a
	// bounded recent window of high-volume tables.
	Limit int `json:"limit,omitempty"`
	// Filter restricts rows by exact field match.
	Filter Row `json:"filter,omitempty"`
}

// CreateResult is the remote authority's answer to an aggregate create.
type CreateResult struct {
	// OK is false when the backend explicitly rejected the aggregate.
	OK bool `json:"ok"`
	// Message carries the backend's explanation, mostly for logs.
	Message string `json:"message,omitempty"`
	// RemoteID is the server-assigned identifier of the aggregate root.
	RemoteID int64 `json:"remote_id"`
	// ItemRemoteIDs are server-assigned identifiers for aggregate
	// children, in the order the children were submitted.
	ItemRemoteIDs []int64 `json:"item_remote_ids,omitempty"`
}

// SaleItemPayload is one line of a sale aggregate in remote shape.
type SaleItemPayload struct {
	ProductID int64 `json:"product_id"` // remote id
	Qty       int64 `json:"qty"`
	UnitPrice int64 `json:"unit_price"`
	Subtotal  int64 `json:"subtotal"`
}

// SalePayload is a sale aggregate in remote shape, with all foreign keys
// already translated to remote identifiers.
type SalePayload struct {
	// Key is the client-generated idempotency token; the backend must
	// treat a repeated key as the same sale.
	Key        string            `json:"key"`
	CustomerID *int64            `json:"customer_id,omitempty"` // remote id
	Total      int64             `json:"total"`
	Paid       int64             `json:"paid"`
	Note       string            `json:"note,omitempty"`
	RecordedAt time.Time         `json:"recorded_at"`
	Items      []SaleItemPayload `json:"items"`
}

// TicketPayload is a clinic ticket in remote shape.
type TicketPayload struct {
	Key        string    `json:"key"`
	ServiceID  int64     `json:"service_id"`            // remote id
	CustomerID *int64    `json:"customer_id,omitempty"` // remote id
	Number     int64     `json:"number"`
	Status     string    `json:"status"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Authority is the remote system of record.
type Authority interface {
	// Ping probes connectivity. A nil error means online.
	Ping(ctx context.Context) error

	// CreateAggregate atomically applies one aggregate (kind "sale" or
	// "ticket") on the backend. The returned result reports explicit
	// rejection via OK=false; transport failures surface as errors.
	CreateAggregate(ctx context.Context, kind string, payload any) (*CreateResult, error)

	// ReadTable bulk-selects rows from a remote table for bootstrap.
	ReadTable(ctx context.Context, table string, q Query) ([]Row, error)

	// WriteTable applies one insert/update/delete to a remote table and
	// returns the resulting server row (including the assigned id on
	// insert). The key, when non-empty, is the idempotency token.
	WriteTable(ctx context.Context, table string, ev Event, key string, row Row) (Row, error)

	// Subscribe opens the push channel for one table. The channel closes
	// when the connection drops or ctx is cancelled; callers re-subscribe
	// to resume.
	Subscribe(ctx context.Context, table string) (<-chan Change, error)
}

// decodeRows converts a raw JSON array into rows.
func decodeRows(data json.RawMessage) ([]Row, error) {
	var rows []Row
	if len(data) == 0 {
		return rows, nil
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}
