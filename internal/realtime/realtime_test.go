package realtime

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"

	"github.com/kasa-pos/kasa/internal/idmap"
	"github.com/kasa-pos/kasa/internal/remote"
	"github.com/kasa-pos/kasa/internal/schema"
	"github.com/kasa-pos/kasa/internal/store"
)

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

func newTestApplier(t *testing.T, db *store.DB) *Applier {
	t.Helper()
	return NewApplier(db, log.New(io.Discard, "", 0))
}

func seedCategory(t *testing.T, db *store.DB, remoteID int64, name string) int64 {
	t.Helper()
	id, err := db.UpsertCategoryByRemote(context.Background(), &schema.Category{
		RemoteID: &remoteID,
		Name:     name,
	})
	if err != nil {
		t.Fatalf("UpsertCategoryByRemote() failed: %v", err)
	}
	return id
}

// TestApply_InsertTranslatesParent tests that an insert change lands
// with the parent reference rewritten to the local id
func TestApply_InsertTranslatesParent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	localCat := seedCategory(t, db, 7, "Drinks")

	a := newTestApplier(t, db)
	err := a.Apply(ctx, remote.Change{
		Table: schema.TableProducts,
		Event: remote.EventInsert,
		Record: remote.Row{
			"id": float64(100), "category_id": float64(7),
			"name": "Cola", "price": float64(250), "stock": float64(12),
		},
	})
	if err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	products, err := idmap.Build(ctx, db, schema.TableProducts)
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}
	localID, ok := products.Local(100)
	if !ok {
		t.Fatal("product 100 not stored")
	}
	p, err := db.GetProductByID(ctx, localID)
	if err != nil {
		t.Fatalf("GetProductByID() failed: %v", err)
	}
	if p.CategoryID != localCat {
		t.Errorf("CategoryID = %d, want local id %d", p.CategoryID, localCat)
	}
}

// TestApply_UpdatePreservesLocalID tests that an update converges the
// existing local row instead of creating a new one
func TestApply_UpdatePreservesLocalID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	localID := seedCategory(t, db, 7, "Drinks")

	a := newTestApplier(t, db)
	err := a.Apply(ctx, remote.Change{
		Table:  schema.TableCategories,
		Event:  remote.EventUpdate,
		Record: remote.Row{"id": float64(7), "name": "Beverages"},
	})
	if err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	categories, err := idmap.Build(ctx, db, schema.TableCategories)
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}
	after, ok := categories.Local(7)
	if !ok {
		t.Fatal("category 7 missing after update")
	}
	if after != localID {
		t.Errorf("local id changed on update: %d then %d", localID, after)
	}

	n, err := db.Count(ctx, schema.TableCategories)
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Count(categories) = %d, want 1", n)
	}
}

// TestApply_DeleteRemovesRow tests delete propagation
func TestApply_DeleteRemovesRow(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedCategory(t, db, 7, "Drinks")

	a := newTestApplier(t, db)
	err := a.Apply(ctx, remote.Change{
		Table:  schema.TableCategories,
		Event:  remote.EventDelete,
		Record: remote.Row{"id": float64(7)},
	})
	if err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	n, err := db.Count(ctx, schema.TableCategories)
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Count(categories) = %d, want 0", n)
	}
}

// TestApply_DeleteAbsentIsNoop tests that deleting an unknown row is
// silently ignored
func TestApply_DeleteAbsentIsNoop(t *testing.T) {
	db := newTestDB(t)
	a := newTestApplier(t, db)

	err := a.Apply(context.Background(), remote.Change{
		Table:  schema.TableCategories,
		Event:  remote.EventDelete,
		Record: remote.Row{"id": float64(999)},
	})
	if err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
}

// TestApply_UnresolvableParentIsSkipped tests that a change referencing
// an unknown parent is dropped without error
func TestApply_UnresolvableParentIsSkipped(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	a := newTestApplier(t, db)
	err := a.Apply(ctx, remote.Change{
		Table: schema.TableProducts,
		Event: remote.EventInsert,
		Record: remote.Row{
			"id": float64(100), "category_id": float64(55),
			"name": "Orphan", "price": float64(100), "stock": float64(1),
		},
	})
	if err != nil {
		t.Fatalf("Apply() returned error for skippable change: %v", err)
	}

	n, err := db.Count(ctx, schema.TableProducts)
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Count(products) = %d, want 0", n)
	}
}

// TestApply_UnknownTableIsIgnored tests that changes for tables outside
// the replica schema are dropped
func TestApply_UnknownTableIsIgnored(t *testing.T) {
	db := newTestDB(t)
	a := newTestApplier(t, db)

	err := a.Apply(context.Background(), remote.Change{
		Table:  "audit_log",
		Event:  remote.EventInsert,
		Record: remote.Row{"id": float64(1)},
	})
	if err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
}

// TestApply_SaleWithItems tests the aggregate path: the sale header and
// its items land together with product references translated
func TestApply_SaleWithItems(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	localCat := seedCategory(t, db, 1, "Drinks")

	remoteProd := int64(10)
	localProd, err := db.UpsertProductByRemote(ctx, &schema.Product{
		RemoteID:   &remoteProd,
		CategoryID: localCat,
		Name:       "Cola",
		Price:      250,
		Stock:      12,
	})
	if err != nil {
		t.Fatalf("UpsertProductByRemote() failed: %v", err)
	}

	a := newTestApplier(t, db)
	err = a.Apply(ctx, remote.Change{
		Table: schema.TableSales,
		Event: remote.EventInsert,
		Record: remote.Row{
			"id": float64(501), "total": float64(500), "paid": float64(500),
			"recorded_at": "2026-02-01T10:00:00Z",
			"items": []any{
				map[string]any{"id": float64(9001), "product_id": float64(10),
					"qty": float64(2), "unit_price": float64(250), "subtotal": float64(500)},
			},
		},
	})
	if err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	sales, err := idmap.Build(ctx, db, schema.TableSales)
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}
	localSale, ok := sales.Local(501)
	if !ok {
		t.Fatal("sale 501 not stored")
	}

	var gotProduct, gotQty int64
	row := db.RawDB().QueryRowContext(ctx,
		"SELECT product_id, qty FROM sale_items WHERE sale_id = ?", localSale)
	if err := row.Scan(&gotProduct, &gotQty); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			t.Fatal("sale stored without items")
		}
		t.Fatalf("Scan() failed: %v", err)
	}
	if gotProduct != localProd {
		t.Errorf("item product_id = %d, want local id %d", gotProduct, localProd)
	}
	if gotQty != 2 {
		t.Errorf("item qty = %d, want 2", gotQty)
	}
}
