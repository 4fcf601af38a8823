package store

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/kasa-pos/kasa/internal/schema"
)

// seedProduct inserts a product under a fresh category and returns its id.
func seedProduct(t *testing.T, db *DB, name string, price, stock int64) int64 {
	t.Helper()
	ctx := context.Background()

	catID, err := db.InsertCategory(ctx, &schema.Category{Name: "cat-" + name})
	if err != nil {
		t.Fatalf("InsertCategory() failed: %v", err)
	}
	id, err := db.InsertProduct(ctx, &schema.Product{
		CategoryID: catID,
		Name:       name,
		Price:      price,
		Stock:      stock,
	})
	if err != nil {
		t.Fatalf("InsertProduct() failed: %v", err)
	}
	return id
}

func testSale(total int64) *schema.Sale {
	return &schema.Sale{
		Total:      total,
		Paid:       total,
		RecordedAt: time.Now().UTC(),
	}
}

// TestCreateSale_DeductsStock tests header, items, and stock in one write
func TestCreateSale_DeductsStock(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	prodID := seedProduct(t, db, "Cola", 250, 10)

	saleID, err := db.CreateSale(ctx, testSale(500), []*schema.SaleItem{
		{ProductID: prodID, Qty: 2, UnitPrice: 250, Subtotal: 500},
	}, nil)
	if err != nil {
		t.Fatalf("CreateSale() failed: %v", err)
	}

	sale, items, err := db.GetSale(ctx, saleID)
	if err != nil {
		t.Fatalf("GetSale() failed: %v", err)
	}
	if sale.RemoteID != nil {
		t.Error("New local sale has a remote id")
	}
	if len(items) != 1 || items[0].Qty != 2 {
		t.Fatalf("GetSale() items = %+v, want one item with qty 2", items)
	}

	p, err := db.GetProductByID(ctx, prodID)
	if err != nil {
		t.Fatalf("GetProductByID() failed: %v", err)
	}
	if p.Stock != 8 {
		t.Errorf("Stock = %d after sale, want 8", p.Stock)
	}
}

// TestCreateSale_HookFailureRollsBack tests that a failing after-hook
// leaves no header, items, or stock change behind
func TestCreateSale_HookFailureRollsBack(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	prodID := seedProduct(t, db, "Cola", 250, 10)

	_, err := db.CreateSale(ctx, testSale(250), []*schema.SaleItem{
		{ProductID: prodID, Qty: 1, UnitPrice: 250, Subtotal: 250},
	}, func(tx *sql.Tx, saleID int64) error {
		return fmt.Errorf("enqueue refused")
	})
	if err == nil {
		t.Fatal("CreateSale() succeeded despite failing hook")
	}

	n, err := db.Count(ctx, schema.TableSales)
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Count(sales) = %d after rollback, want 0", n)
	}

	p, err := db.GetProductByID(ctx, prodID)
	if err != nil {
		t.Fatalf("GetProductByID() failed: %v", err)
	}
	if p.Stock != 10 {
		t.Errorf("Stock = %d after rollback, want 10", p.Stock)
	}
}

// TestCreateSale_UnknownProduct tests that a bad item aborts the whole sale
func TestCreateSale_UnknownProduct(t *testing.T) {
	db := newTestDB(t)

	_, err := db.CreateSale(context.Background(), testSale(100), []*schema.SaleItem{
		{ProductID: 12345, Qty: 1, UnitPrice: 100, Subtotal: 100},
	}, nil)
	if err == nil {
		t.Error("CreateSale() accepted an item for a missing product")
	}
}

// TestSetSaleRemoteIDs_Reconciles tests writing server ids back onto the
// header and items
func TestSetSaleRemoteIDs_Reconciles(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	prodID := seedProduct(t, db, "Cola", 250, 10)
	saleID, err := db.CreateSale(ctx, testSale(750), []*schema.SaleItem{
		{ProductID: prodID, Qty: 1, UnitPrice: 250, Subtotal: 250},
		{ProductID: prodID, Qty: 2, UnitPrice: 250, Subtotal: 500},
	}, nil)
	if err != nil {
		t.Fatalf("CreateSale() failed: %v", err)
	}

	if err := db.SetSaleRemoteIDs(ctx, saleID, 501, []int64{9001, 9002}); err != nil {
		t.Fatalf("SetSaleRemoteIDs() failed: %v", err)
	}

	sale, items, err := db.GetSale(ctx, saleID)
	if err != nil {
		t.Fatalf("GetSale() failed: %v", err)
	}
	if sale.RemoteID == nil || *sale.RemoteID != 501 {
		t.Errorf("RemoteID = %v, want 501", sale.RemoteID)
	}
	if items[0].RemoteID == nil || *items[0].RemoteID != 9001 {
		t.Errorf("Item 0 RemoteID = %v, want 9001", items[0].RemoteID)
	}
	if items[1].RemoteID == nil || *items[1].RemoteID != 9002 {
		t.Errorf("Item 1 RemoteID = %v, want 9002", items[1].RemoteID)
	}
}

// TestSetSaleRemoteIDs_CountMismatch tests rejection of a server response
// with the wrong number of item ids
func TestSetSaleRemoteIDs_CountMismatch(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	prodID := seedProduct(t, db, "Cola", 250, 10)
	saleID, err := db.CreateSale(ctx, testSale(250), []*schema.SaleItem{
		{ProductID: prodID, Qty: 1, UnitPrice: 250, Subtotal: 250},
	}, nil)
	if err != nil {
		t.Fatalf("CreateSale() failed: %v", err)
	}

	if err := db.SetSaleRemoteIDs(ctx, saleID, 501, []int64{1, 2, 3}); err == nil {
		t.Error("SetSaleRemoteIDs() accepted mismatched item id count")
	}
}

// TestUpsertSaleByRemote_PreservesLocalID tests that re-pulling the same
// remote sale updates in place and replaces its items
func TestUpsertSaleByRemote_PreservesLocalID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	prodID := seedProduct(t, db, "Cola", 250, 10)

	sale := testSale(250)
	sale.RemoteID = schema.RemoteRef(501)
	first, err := db.UpsertSaleByRemote(ctx, sale, []*schema.SaleItem{
		{RemoteID: schema.RemoteRef(9001), ProductID: prodID, Qty: 1, UnitPrice: 250, Subtotal: 250},
	})
	if err != nil {
		t.Fatalf("UpsertSaleByRemote() failed: %v", err)
	}

	updated := testSale(500)
	updated.RemoteID = schema.RemoteRef(501)
	second, err := db.UpsertSaleByRemote(ctx, updated, []*schema.SaleItem{
		{RemoteID: schema.RemoteRef(9001), ProductID: prodID, Qty: 2, UnitPrice: 250, Subtotal: 500},
	})
	if err != nil {
		t.Fatalf("Second UpsertSaleByRemote() failed: %v", err)
	}
	if first != second {
		t.Errorf("Upsert changed local id: %d then %d", first, second)
	}

	got, items, err := db.GetSale(ctx, first)
	if err != nil {
		t.Fatalf("GetSale() failed: %v", err)
	}
	if got.Total != 500 {
		t.Errorf("Total = %d, want 500", got.Total)
	}
	if len(items) != 1 || items[0].Qty != 2 {
		t.Errorf("Items = %+v, want one item with qty 2", items)
	}

	// Pull-side upserts must not touch local stock.
	p, err := db.GetProductByID(ctx, prodID)
	if err != nil {
		t.Fatalf("GetProductByID() failed: %v", err)
	}
	if p.Stock != 10 {
		t.Errorf("Stock = %d after upsert, want 10", p.Stock)
	}
}

// TestInsertTicket_HookRollsBack tests ticket + hook atomicity
func TestInsertTicket_HookRollsBack(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	provID, err := db.InsertProvider(ctx, &schema.Provider{Name: "Dr. Mensah"})
	if err != nil {
		t.Fatalf("InsertProvider() failed: %v", err)
	}
	svcID, err := db.InsertService(ctx, &schema.Service{ProviderID: provID, Name: "Checkup", Fee: 3000})
	if err != nil {
		t.Fatalf("InsertService() failed: %v", err)
	}

	ticket := &schema.Ticket{
		ServiceID:  svcID,
		Number:     1,
		Status:     "waiting",
		RecordedAt: time.Now().UTC(),
	}
	_, err = db.InsertTicket(ctx, ticket, func(tx *sql.Tx, id int64) error {
		return fmt.Errorf("enqueue refused")
	})
	if err == nil {
		t.Fatal("InsertTicket() succeeded despite failing hook")
	}

	n, err := db.Count(ctx, schema.TableTickets)
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Count(tickets) = %d after rollback, want 0", n)
	}
}

// TestUpsertTicketByRemote_PreservesLocalID tests ticket pull convergence
func TestUpsertTicketByRemote_PreservesLocalID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	provID, err := db.InsertProvider(ctx, &schema.Provider{Name: "Dr. Mensah"})
	if err != nil {
		t.Fatalf("InsertProvider() failed: %v", err)
	}
	svcID, err := db.InsertService(ctx, &schema.Service{ProviderID: provID, Name: "Checkup", Fee: 3000})
	if err != nil {
		t.Fatalf("InsertService() failed: %v", err)
	}

	first, err := db.UpsertTicketByRemote(ctx, &schema.Ticket{
		RemoteID:   schema.RemoteRef(88),
		ServiceID:  svcID,
		Number:     4,
		Status:     "waiting",
		RecordedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("UpsertTicketByRemote() failed: %v", err)
	}

	second, err := db.UpsertTicketByRemote(ctx, &schema.Ticket{
		RemoteID:   schema.RemoteRef(88),
		ServiceID:  svcID,
		Number:     4,
		Status:     "done",
		RecordedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Second UpsertTicketByRemote() failed: %v", err)
	}
	if first != second {
		t.Errorf("Upsert changed local id: %d then %d", first, second)
	}

	got, err := db.GetTicketByID(ctx, first)
	if err != nil {
		t.Fatalf("GetTicketByID() failed: %v", err)
	}
	if got.Status != "done" {
		t.Errorf("Status = %q, want %q", got.Status, "done")
	}
}
