package idmap

import (
	"context"
	"path/filepath"
	"testing"

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

// TestBuild_Translation tests both lookup directions
func TestBuild_Translation(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	localID, err := db.UpsertCategoryByRemote(ctx, &schema.Category{
		RemoteID: schema.RemoteRef(42),
		Name:     "Drinks",
	})
	if err != nil {
		t.Fatalf("UpsertCategoryByRemote() failed: %v", err)
	}

	m, err := Build(ctx, db, schema.TableCategories)
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}

	if got, ok := m.Local(42); !ok || got != localID {
		t.Errorf("Local(42) = %d, %v; want %d, true", got, ok, localID)
	}
	if got, ok := m.Remote(localID); !ok || got != 42 {
		t.Errorf("Remote(%d) = %d, %v; want 42, true", localID, got, ok)
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}
	if m.Table() != schema.TableCategories {
		t.Errorf("Table() = %q, want %q", m.Table(), schema.TableCategories)
	}
}

// TestBuild_MissingIsReported tests that an untracked id reports absence
// instead of inventing a translation
func TestBuild_MissingIsReported(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	// A local-only row must not appear in either direction.
	localID, err := db.InsertCategory(ctx, &schema.Category{Name: "Local only"})
	if err != nil {
		t.Fatalf("InsertCategory() failed: %v", err)
	}

	m, err := Build(ctx, db, schema.TableCategories)
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}

	if _, ok := m.Local(999); ok {
		t.Error("Local(999) reported a translation for an unknown remote id")
	}
	if _, ok := m.Remote(localID); ok {
		t.Error("Remote() reported a translation for an unreconciled row")
	}
}

// TestBuild_UnknownTable tests the table allowlist passthrough
func TestBuild_UnknownTable(t *testing.T) {
	db := newTestDB(t)

	if _, err := Build(context.Background(), db, "no_such_table"); err == nil {
		t.Error("Build() accepted an unknown table")
	}
}
