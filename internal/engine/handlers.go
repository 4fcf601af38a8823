package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/kasa-pos/kasa/internal/idmap"
	"github.com/kasa-pos/kasa/internal/queue"
	"github.com/kasa-pos/kasa/internal/remote"
	"github.com/kasa-pos/kasa/internal/schema"
	"github.com/kasa-pos/kasa/internal/store"
)

// RegisterDefaults binds the standard handler set to an engine: the sale
// and ticket aggregate creates plus customer create/update/delete.
func RegisterDefaults(e *Engine, db *store.DB, auth remote.Authority, logger *log.Logger) {
	e.Register(schema.TableSales, queue.ActionCreate,
		&SaleCreateHandler{DB: db, Auth: auth, Logger: logger})
	e.Register(schema.TableTickets, queue.ActionCreate,
		&TicketCreateHandler{DB: db, Auth: auth, Logger: logger})

	customers := &CustomerHandler{DB: db, Auth: auth, Logger: logger}
	e.Register(schema.TableCustomers, queue.ActionCreate, customers)
	e.Register(schema.TableCustomers, queue.ActionUpdate, customers)
	e.Register(schema.TableCustomers, queue.ActionDelete, customers)
}

// SaleCreateHandler submits locally-recorded sales as one atomic aggregate
// per sale.
type SaleCreateHandler struct {
	DB     *store.DB
	Auth   remote.Authority
	Logger *log.Logger
}

// Satisfied implements Handler. A sale that already carries a remote id
// survived a partial prior success and must not be re-created.
func (h *SaleCreateHandler) Satisfied(ctx context.Context, e *queue.Entry) (bool, error) {
	sale, _, err := h.DB.GetSale(ctx, e.LocalID)
	if errors.Is(err, sql.ErrNoRows) {
		// The record vanished locally; nothing left to submit.
		h.Logger.Printf("Warning: sale %d no longer exists, dropping entry %d", e.LocalID, e.ID)
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return sale.RemoteID != nil, nil
}

// Submit implements Handler. The payload is recomputed from the record at
// drain time; every product (and the customer, when set) must already have
// a remote id.
func (h *SaleCreateHandler) Submit(ctx context.Context, e *queue.Entry) (*Result, error) {
	sale, items, err := h.DB.GetSale(ctx, e.LocalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sale %d: %w", e.LocalID, err)
	}

	products, err := idmap.Build(ctx, h.DB, schema.TableProducts)
	if err != nil {
		return nil, fmt.Errorf("failed to build product id map: %w", err)
	}

	payload := remote.SalePayload{
		Key:        e.Key,
		Total:      sale.Total,
		Paid:       sale.Paid,
		Note:       sale.Note,
		RecordedAt: sale.RecordedAt,
	}

	if sale.CustomerID != nil {
		customers, err := idmap.Build(ctx, h.DB, schema.TableCustomers)
		if err != nil {
			return nil, fmt.Errorf("failed to build customer id map: %w", err)
		}
		remoteCustomerID, ok := customers.Remote(*sale.CustomerID)
		if !ok {
			return nil, fmt.Errorf("customer %d for sale %d: %w",
				*sale.CustomerID, sale.ID, ErrUnresolved)
		}
		payload.CustomerID = &remoteCustomerID
	}

	for _, item := range items {
		remoteProductID, ok := products.Remote(item.ProductID)
		if !ok {
			return nil, fmt.Errorf("product %d for sale %d: %w",
				item.ProductID, sale.ID, ErrUnresolved)
		}
		payload.Items = append(payload.Items, remote.SaleItemPayload{
			ProductID: remoteProductID,
			Qty:       item.Qty,
			UnitPrice: item.UnitPrice,
			Subtotal:  item.Subtotal,
		})
	}

	res, err := h.Auth.CreateAggregate(ctx, "sale", payload)
	if err != nil {
		return nil, fmt.Errorf("create sale request failed: %w", err)
	}
	if !res.OK {
		return nil, fmt.Errorf("remote rejected sale %d: %s", sale.ID, res.Message)
	}

	return &Result{RemoteID: res.RemoteID, ItemRemoteIDs: res.ItemRemoteIDs}, nil
}

// ApplySuccess implements Handler.
func (h *SaleCreateHandler) ApplySuccess(ctx context.Context, e *queue.Entry, res *Result) error {
	return h.DB.SetSaleRemoteIDs(ctx, e.LocalID, res.RemoteID, res.ItemRemoteIDs)
}

// ApplyFailure implements Handler.
func (h *SaleCreateHandler) ApplyFailure(ctx context.Context, e *queue.Entry, err error) {
	// The entry stays queued; nothing to roll back locally.
}

// TicketCreateHandler submits locally-issued clinic tickets. The ticket's
// service must already be reconciled - a ticket for a service that is
// itself still queued waits for the service's remote id.
type TicketCreateHandler struct {
	DB     *store.DB
	Auth   remote.Authority
	Logger *log.Logger
}

// Satisfied implements Handler.
func (h *TicketCreateHandler) Satisfied(ctx context.Context, e *queue.Entry) (bool, error) {
	ticket, err := h.DB.GetTicketByID(ctx, e.LocalID)
	if errors.Is(err, sql.ErrNoRows) {
		h.Logger.Printf("Warning: ticket %d no longer exists, dropping entry %d", e.LocalID, e.ID)
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return ticket.RemoteID != nil, nil
}

// Submit implements Handler.
func (h *TicketCreateHandler) Submit(ctx context.Context, e *queue.Entry) (*Result, error) {
	ticket, err := h.DB.GetTicketByID(ctx, e.LocalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ticket %d: %w", e.LocalID, err)
	}

	services, err := idmap.Build(ctx, h.DB, schema.TableServices)
	if err != nil {
		return nil, fmt.Errorf("failed to build service id map: %w", err)
	}
	remoteServiceID, ok := services.Remote(ticket.ServiceID)
	if !ok {
		return nil, fmt.Errorf("service %d for ticket %d: %w",
			ticket.ServiceID, ticket.ID, ErrUnresolved)
	}

	payload := remote.TicketPayload{
		Key:        e.Key,
		ServiceID:  remoteServiceID,
		Number:     ticket.Number,
		Status:     ticket.Status,
		RecordedAt: ticket.RecordedAt,
	}

	if ticket.CustomerID != nil {
		customers, err := idmap.Build(ctx, h.DB, schema.TableCustomers)
		if err != nil {
			return nil, fmt.Errorf("failed to build customer id map: %w", err)
		}
		remoteCustomerID, ok := customers.Remote(*ticket.CustomerID)
		if !ok {
			return nil, fmt.Errorf("customer %d for ticket %d: %w",
				*ticket.CustomerID, ticket.ID, ErrUnresolved)
		}
		payload.CustomerID = &remoteCustomerID
	}

	res, err := h.Auth.CreateAggregate(ctx, "ticket", payload)
	if err != nil {
		return nil, fmt.Errorf("create ticket request failed: %w", err)
	}
	if !res.OK {
		return nil, fmt.Errorf("remote rejected ticket %d: %s", ticket.ID, res.Message)
	}

	return &Result{RemoteID: res.RemoteID}, nil
}

// ApplySuccess implements Handler.
func (h *TicketCreateHandler) ApplySuccess(ctx context.Context, e *queue.Entry, res *Result) error {
	return h.DB.SetRemoteID(ctx, schema.TableTickets, e.LocalID, res.RemoteID)
}

// ApplyFailure implements Handler.
func (h *TicketCreateHandler) ApplyFailure(ctx context.Context, e *queue.Entry, err error) {}

// CustomerHandler pushes customer creates, updates, and deletes through
// the generic table write. One instance is registered under all three
// actions.
type CustomerHandler struct {
	DB     *store.DB
	Auth   remote.Authority
	Logger *log.Logger
}

// deletePayload is the precomputed payload a delete entry carries, since
// the local row is gone by drain time.
type deletePayload struct {
	RemoteID int64 `json:"remote_id"`
}

// DeletePayload encodes the payload for a delete entry of a reconciled
// record. Enqueue it together with the local delete.
func DeletePayload(remoteID int64) json.RawMessage {
	data, _ := json.Marshal(deletePayload{RemoteID: remoteID})
	return data
}

// Satisfied implements Handler.
func (h *CustomerHandler) Satisfied(ctx context.Context, e *queue.Entry) (bool, error) {
	if e.Action != queue.ActionCreate {
		return false, nil
	}
	c, err := h.DB.GetCustomerByID(ctx, e.LocalID)
	if errors.Is(err, sql.ErrNoRows) {
		h.Logger.Printf("Warning: customer %d no longer exists, dropping entry %d", e.LocalID, e.ID)
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return c.RemoteID != nil, nil
}

// Submit implements Handler.
func (h *CustomerHandler) Submit(ctx context.Context, e *queue.Entry) (*Result, error) {
	switch e.Action {
	case queue.ActionCreate, queue.ActionUpdate:
		return h.submitWrite(ctx, e)
	case queue.ActionDelete:
		return h.submitDelete(ctx, e)
	default:
		return nil, fmt.Errorf("unsupported customer action %q", e.Action)
	}
}

func (h *CustomerHandler) submitWrite(ctx context.Context, e *queue.Entry) (*Result, error) {
	c, err := h.DB.GetCustomerByID(ctx, e.LocalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load customer %d: %w", e.LocalID, err)
	}

	row := remote.Row{
		"name":       c.Name,
		"phone":      c.Phone,
		"address":    c.Address,
		"created_at": c.CreatedAt.UTC().Format(time.RFC3339),
	}

	ev := remote.EventInsert
	if e.Action == queue.ActionUpdate {
		if c.RemoteID == nil {
			// An update queued behind a still-pending create.
			return nil, fmt.Errorf("customer %d not yet reconciled: %w", c.ID, ErrUnresolved)
		}
		ev = remote.EventUpdate
		row["id"] = *c.RemoteID
	}

	result, err := h.Auth.WriteTable(ctx, schema.TableCustomers, ev, e.Key, row)
	if err != nil {
		return nil, fmt.Errorf("customer %s failed: %w", ev, err)
	}

	remoteID, err := schema.RowInt64(result, "id")
	if err != nil {
		return nil, fmt.Errorf("customer %s returned no id: %w", ev, err)
	}
	return &Result{RemoteID: remoteID}, nil
}

func (h *CustomerHandler) submitDelete(ctx context.Context, e *queue.Entry) (*Result, error) {
	var payload deletePayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil || payload.RemoteID == 0 {
		return nil, fmt.Errorf("delete entry %d has no remote id payload", e.ID)
	}

	if _, err := h.Auth.WriteTable(ctx, schema.TableCustomers, remote.EventDelete, e.Key,
		remote.Row{"id": payload.RemoteID}); err != nil {
		return nil, fmt.Errorf("customer delete failed: %w", err)
	}
	return &Result{RemoteID: payload.RemoteID}, nil
}

// ApplySuccess implements Handler.
func (h *CustomerHandler) ApplySuccess(ctx context.Context, e *queue.Entry, res *Result) error {
	if e.Action != queue.ActionCreate {
		return nil
	}
	return h.DB.SetRemoteID(ctx, schema.TableCustomers, e.LocalID, res.RemoteID)
}

// ApplyFailure implements Handler.
func (h *CustomerHandler) ApplyFailure(ctx context.Context, e *queue.Entry, err error) {}
