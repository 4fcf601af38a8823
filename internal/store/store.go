// Package store provides the embedded local replica database for kasa.
//
// The replica holds one table per synchronized entity type plus the durable
// sync queue and a small settings table. It runs on embedded SQLite
// (ncruces/go-sqlite3) with WAL mode so readers are never blocked by the
// sync engine's writes.
//
// Every synchronized table carries an indexed nullable remote_id column.
// remote_id is the join key for all upserts coming from the remote
// authority: an upsert that matches an existing remote_id overwrites the
// row's fields but preserves its local id, so local foreign keys stay valid
// across repeated bootstraps.
//
// Workflow:
//  1. Business screens write records locally (and enqueue sync entries in
//     the same transaction).
//  2. The sync engine drains the queue against the remote authority and
//     writes returned remote ids back here.
//  3. Bootstrap and realtime events upsert remote state by remote_id.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the replica database connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a replica database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist it is created; call InitSchema before first
// use. The caller MUST call Close when done.
//
// Example:
//
//	db, err := store.Open(filepath.Join(dir, "replica.db"))
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	// WAL mode keeps readers unblocked during sync writes.
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
// The sync queue shares this connection so queue entries can be written in
// the same transaction as the records they describe.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection after checkpointing the WAL.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the replica schema if it doesn't exist.
// Idempotent - safe to call on every startup.
func (db *DB) InitSchema(ctx context.Context) error {
	ddl := `
	-- Reference collections
	CREATE TABLE IF NOT EXISTS categories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		remote_id INTEGER UNIQUE,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS products (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		remote_id INTEGER UNIQUE,
		category_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		sku TEXT NOT NULL DEFAULT '',
		barcode TEXT NOT NULL DEFAULT '',
		price INTEGER NOT NULL DEFAULT 0,
		stock INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		FOREIGN KEY (category_id) REFERENCES categories(id)
	);

	CREATE TABLE IF NOT EXISTS customers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		remote_id INTEGER UNIQUE,
		name TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS providers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		remote_id INTEGER UNIQUE,
		name TEXT NOT NULL,
		specialty TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS services (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		remote_id INTEGER UNIQUE,
		provider_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		fee INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		FOREIGN KEY (provider_id) REFERENCES providers(id)
	);

	-- Sale aggregate: header plus line items, always written together
	CREATE TABLE IF NOT EXISTS sales (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		remote_id INTEGER UNIQUE,
		customer_id INTEGER,
		total INTEGER NOT NULL DEFAULT 0,
		paid INTEGER NOT NULL DEFAULT 0,
		note TEXT NOT NULL DEFAULT '',
		recorded_at TEXT NOT NULL,
		FOREIGN KEY (customer_id) REFERENCES customers(id)
	);

	CREATE TABLE IF NOT EXISTS sale_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		remote_id INTEGER UNIQUE,
		sale_id INTEGER NOT NULL,
		product_id INTEGER NOT NULL,
		qty INTEGER NOT NULL,
		unit_price INTEGER NOT NULL,
		subtotal INTEGER NOT NULL,
		FOREIGN KEY (sale_id) REFERENCES sales(id) ON DELETE CASCADE,
		FOREIGN KEY (product_id) REFERENCES products(id)
	);

	CREATE TABLE IF NOT EXISTS tickets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		remote_id INTEGER UNIQUE,
		service_id INTEGER NOT NULL,
		customer_id INTEGER,
		number INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'waiting',
		recorded_at TEXT NOT NULL,
		FOREIGN KEY (service_id) REFERENCES services(id),
		FOREIGN KEY (customer_id) REFERENCES customers(id)
	);

	-- Durable log of locally-originated mutations awaiting transmission
	CREATE TABLE IF NOT EXISTS sync_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL UNIQUE,
		entity_type TEXT NOT NULL,
		action TEXT NOT NULL,
		local_record_id INTEGER NOT NULL,
		enqueued_at TEXT NOT NULL,
		payload TEXT
	);

	-- Local-only key/value settings (last_synced_at markers and the like)
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	-- Indexes for sync-path queries
	CREATE INDEX IF NOT EXISTS idx_products_category ON products(category_id);
	CREATE INDEX IF NOT EXISTS idx_services_provider ON services(provider_id);
	CREATE INDEX IF NOT EXISTS idx_sale_items_sale ON sale_items(sale_id);
	CREATE INDEX IF NOT EXISTS idx_sale_items_product ON sale_items(product_id);
	CREATE INDEX IF NOT EXISTS idx_tickets_service ON tickets(service_id);
	CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);
	CREATE INDEX IF NOT EXISTS idx_sales_recorded ON sales(recorded_at);
	CREATE INDEX IF NOT EXISTS idx_sync_queue_order ON sync_queue(enqueued_at, id);
	CREATE INDEX IF NOT EXISTS idx_sync_queue_record ON sync_queue(entity_type, local_record_id);
	`

	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// syncedTables are the collections that may be addressed generically by
// table name (remote id maps, SetRemoteID, DeleteByRemoteID). Guards the
// table name interpolated into SQL below.
var syncedTables = map[string]bool{
	"categories": true,
	"products":   true,
	"customers":  true,
	"providers":  true,
	"services":   true,
	"sales":      true,
	"sale_items": true,
	"tickets":    true,
}

func checkTable(table string) error {
	if !syncedTables[table] {
		return fmt.Errorf("unknown synchronized table %q", table)
	}
	return nil
}

// RemoteIDs returns the remote_id -> local id mapping for a table.
// Only reconciled rows (non-null remote_id) participate.
func (db *DB) RemoteIDs(ctx context.Context, table string) (map[int64]int64, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, remote_id FROM "+table+" WHERE remote_id IS NOT NULL")
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s for remote ids: %w", table, err)
	}
	defer rows.Close()

	m := make(map[int64]int64)
	for rows.Next() {
		var localID, remoteID int64
		if err := rows.Scan(&localID, &remoteID); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		m[remoteID] = localID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", table, err)
	}

	return m, nil
}

// SetRemoteID marks a record as reconciled by writing the remote-assigned
// identifier onto it.
func (db *DB) SetRemoteID(ctx context.Context, table string, localID, remoteID int64) error {
	if err := checkTable(table); err != nil {
		return err
	}

	res, err := db.conn.ExecContext(ctx,
		"UPDATE "+table+" SET remote_id = ? WHERE id = ?", remoteID, localID)
	if err != nil {
		return fmt.Errorf("failed to set remote id on %s/%d: %w", table, localID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("no %s row with id %d", table, localID)
	}
	return nil
}

// DeleteByRemoteID removes the local row matching a remote identifier.
// Returns nil if no such row exists (already deleted locally is not an
// error).
func (db *DB) DeleteByRemoteID(ctx context.Context, table string, remoteID int64) error {
	if err := checkTable(table); err != nil {
		return err
	}

	if _, err := db.conn.ExecContext(ctx,
		"DELETE FROM "+table+" WHERE remote_id = ?", remoteID); err != nil {
		return fmt.Errorf("failed to delete %s remote_id=%d: %w", table, remoteID, err)
	}
	return nil
}

// Count returns the number of rows in a synchronized table.
func (db *DB) Count(ctx context.Context, table string) (int, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}

	var count int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return count, nil
}

// GetSetting returns a settings value, or the empty string when the key is
// absent.
func (db *DB) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := db.conn.QueryRowContext(ctx,
		"SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read setting %q: %w", key, err)
	}
	return value, nil
}

// SetSetting upserts a settings value.
func (db *DB) SetSetting(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write setting %q: %w", key, err)
	}
	return nil
}

// timeToString formats a timestamp for storage, defaulting zero times to now.
func timeToString(t time.Time) string {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	return t.UTC().Format(time.RFC3339)
}

// parseTime parses a stored timestamp, tolerating the empty string.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// nullID converts an optional local or remote id for SQL binding.
func nullID(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

// idPtr converts a nullable SQL integer back to an optional id.
func idPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
