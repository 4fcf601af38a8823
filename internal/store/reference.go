package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kasa-pos/kasa/internal/schema"
)

// InsertCategory inserts a locally-created category and returns its local id.
func (db *DB) InsertCategory(ctx context.Context, c *schema.Category) (int64, error) {
	if err := c.Validate(); err != nil {
		return 0, fmt.Errorf("invalid category: %w", err)
	}

	var id int64
	err := db.conn.QueryRowContext(ctx, `
		INSERT INTO categories (remote_id, name, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		RETURNING id`,
		nullID(c.RemoteID), c.Name, timeToString(c.CreatedAt), timeToString(c.UpdatedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert category: %w", err)
	}
	c.ID = id
	return id, nil
}

// UpsertCategoryByRemote inserts or updates a category matched on remote_id.
// An existing row keeps its local id; only the remote-owned fields are
// overwritten. Returns the local id.
func (db *DB) UpsertCategoryByRemote(ctx context.Context, c *schema.Category) (int64, error) {
	if c.RemoteID == nil {
		return 0, fmt.Errorf("category upsert requires a remote id")
	}
	if err := c.Validate(); err != nil {
		return 0, fmt.Errorf("invalid category: %w", err)
	}

	var id int64
	err := db.conn.QueryRowContext(ctx, `
		INSERT INTO categories (remote_id, name, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(remote_id) DO UPDATE SET
			name = excluded.name,
			updated_at = excluded.updated_at
		RETURNING id`,
		*c.RemoteID, c.Name, timeToString(c.CreatedAt), timeToString(c.UpdatedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert category remote_id=%d: %w", *c.RemoteID, err)
	}
	c.ID = id
	return id, nil
}

// GetCategoryByID retrieves a category by local id.
// Returns sql.ErrNoRows if not found.
func (db *DB) GetCategoryByID(ctx context.Context, id int64) (*schema.Category, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, remote_id, name, created_at, updated_at
		FROM categories WHERE id = ?`, id)

	var c schema.Category
	var remoteID sql.NullInt64
	var createdAt, updatedAt string
	if err := row.Scan(&c.ID, &remoteID, &c.Name, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.RemoteID = idPtr(remoteID)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// InsertProduct inserts a locally-created product and returns its local id.
func (db *DB) InsertProduct(ctx context.Context, p *schema.Product) (int64, error) {
	if err := p.Validate(); err != nil {
		return 0, fmt.Errorf("invalid product: %w", err)
	}

	var id int64
	err := db.conn.QueryRowContext(ctx, `
		INSERT INTO products (remote_id, category_id, name, sku, barcode, price, stock, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		nullID(p.RemoteID), p.CategoryID, p.Name, p.SKU, p.Barcode, p.Price, p.Stock,
		timeToString(p.CreatedAt), timeToString(p.UpdatedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert product: %w", err)
	}
	p.ID = id
	return id, nil
}

// UpsertProductByRemote inserts or updates a product matched on remote_id,
// preserving the local id of an existing row. CategoryID must already be a
// local id (translated by the caller).
func (db *DB) UpsertProductByRemote(ctx context.Context, p *schema.Product) (int64, error) {
	if p.RemoteID == nil {
		return 0, fmt.Errorf("product upsert requires a remote id")
	}
	if err := p.Validate(); err != nil {
		return 0, fmt.Errorf("invalid product: %w", err)
	}

	var id int64
	err := db.conn.QueryRowContext(ctx, `
		INSERT INTO products (remote_id, category_id, name, sku, barcode, price, stock, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(remote_id) DO UPDATE SET
			category_id = excluded.category_id,
			name = excluded.name,
			sku = excluded.sku,
			barcode = excluded.barcode,
			price = excluded.price,
			stock = excluded.stock,
			updated_at = excluded.updated_at
		RETURNING id`,
		*p.RemoteID, p.CategoryID, p.Name, p.SKU, p.Barcode, p.Price, p.Stock,
		timeToString(p.CreatedAt), timeToString(p.UpdatedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert product remote_id=%d: %w", *p.RemoteID, err)
	}
	p.ID = id
	return id, nil
}

// GetProductByID retrieves a product by local id.
// Returns sql.ErrNoRows if not found.
func (db *DB) GetProductByID(ctx context.Context, id int64) (*schema.Product, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, remote_id, category_id, name, sku, barcode, price, stock, created_at, updated_at
		FROM products WHERE id = ?`, id)
	return scanProduct(row)
}

func scanProduct(row *sql.Row) (*schema.Product, error) {
	var p schema.Product
	var remoteID sql.NullInt64
	var createdAt, updatedAt string
	err := row.Scan(&p.ID, &remoteID, &p.CategoryID, &p.Name, &p.SKU, &p.Barcode,
		&p.Price, &p.Stock, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.RemoteID = idPtr(remoteID)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// InsertCustomer inserts a locally-created customer and returns its local id.
func (db *DB) InsertCustomer(ctx context.Context, c *schema.Customer) (int64, error) {
	if err := c.Validate(); err != nil {
		return 0, fmt.Errorf("invalid customer: %w", err)
	}

	var id int64
	err := db.conn.QueryRowContext(ctx, `
		INSERT INTO customers (remote_id, name, phone, address, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`,
		nullID(c.RemoteID), c.Name, c.Phone, c.Address,
		timeToString(c.CreatedAt), timeToString(c.UpdatedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert customer: %w", err)
	}
	c.ID = id
	return id, nil
}

// UpsertCustomerByRemote inserts or updates a customer matched on remote_id,
// preserving the local id of an existing row.
func (db *DB) UpsertCustomerByRemote(ctx context.Context, c *schema.Customer) (int64, error) {
	if c.RemoteID == nil {
		return 0, fmt.Errorf("customer upsert requires a remote id")
	}
	if err := c.Validate(); err != nil {
		return 0, fmt.Errorf("invalid customer: %w", err)
	}

	var id int64
	err := db.conn.QueryRowContext(ctx, `
		INSERT INTO customers (remote_id, name, phone, address, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(remote_id) DO UPDATE SET
			name = excluded.name,
			phone = excluded.phone,
			address = excluded.address,
			updated_at = excluded.updated_at
		RETURNING id`,
		*c.RemoteID, c.Name, c.Phone, c.Address,
		timeToString(c.CreatedAt), timeToString(c.UpdatedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert customer remote_id=%d: %w", *c.RemoteID, err)
	}
	c.ID = id
	return id, nil
}

// GetCustomerByID retrieves a customer by local id.
// Returns sql.ErrNoRows if not found.
func (db *DB) GetCustomerByID(ctx context.Context, id int64) (*schema.Customer, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, remote_id, name, phone, address, created_at, updated_at
		FROM customers WHERE id = ?`, id)

	var c schema.Customer
	var remoteID sql.NullInt64
	var createdAt, updatedAt string
	if err := row.Scan(&c.ID, &remoteID, &c.Name, &c.Phone, &c.Address, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.RemoteID = idPtr(remoteID)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// InsertProvider inserts a locally-created provider and returns its local id.
func (db *DB) InsertProvider(ctx context.Context, p *schema.Provider) (int64, error) {
	if err := p.Validate(); err != nil {
		return 0, fmt.Errorf("invalid provider: %w", err)
	}

	var id int64
	err := db.conn.QueryRowContext(ctx, `
		INSERT INTO providers (remote_id, name, specialty, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`,
		nullID(p.RemoteID), p.Name, p.Specialty,
		timeToString(p.CreatedAt), timeToString(p.UpdatedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert provider: %w", err)
	}
	p.ID = id
	return id, nil
}

// UpsertProviderByRemote inserts or updates a provider matched on remote_id,
// preserving the local id of an existing row.
func (db *DB) UpsertProviderByRemote(ctx context.Context, p *schema.Provider) (int64, error) {
	if p.RemoteID == nil {
		return 0, fmt.Errorf("provider upsert requires a remote id")
	}
	if err := p.Validate(); err != nil {
		return 0, fmt.Errorf("invalid provider: %w", err)
	}

	var id int64
	err := db.conn.QueryRowContext(ctx, `
		INSERT INTO providers (remote_id, name, specialty, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(remote_id) DO UPDATE SET
			name = excluded.name,
			specialty = excluded.specialty,
			updated_at = excluded.updated_at
		RETURNING id`,
		*p.RemoteID, p.Name, p.Specialty,
		timeToString(p.CreatedAt), timeToString(p.UpdatedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert provider remote_id=%d: %w", *p.RemoteID, err)
	}
	p.ID = id
	return id, nil
}

// InsertService inserts a locally-created service and returns its local id.
func (db *DB) InsertService(ctx context.Context, s *schema.Service) (int64, error) {
	if err := s.Validate(); err != nil {
		return 0, fmt.Errorf("invalid service: %w", err)
	}

	var id int64
	err := db.conn.QueryRowContext(ctx, `
		INSERT INTO services (remote_id, provider_id, name, fee, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`,
		nullID(s.RemoteID), s.ProviderID, s.Name, s.Fee,
		timeToString(s.CreatedAt), timeToString(s.UpdatedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert service: %w", err)
	}
	s.ID = id
	return id, nil
}

// UpsertServiceByRemote inserts or updates a service matched on remote_id,
// preserving the local id of an existing row. ProviderID must already be a
// local id (translated by the caller).
func (db *DB) UpsertServiceByRemote(ctx context.Context, s *schema.Service) (int64, error) {
	if s.RemoteID == nil {
		return 0, fmt.Errorf("service upsert requires a remote id")
	}
	if err := s.Validate(); err != nil {
		return 0, fmt.Errorf("invalid service: %w", err)
	}

	var id int64
	err := db.conn.QueryRowContext(ctx, `
		INSERT INTO services (remote_id, provider_id, name, fee, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(remote_id) DO UPDATE SET
			provider_id = excluded.provider_id,
			name = excluded.name,
			fee = excluded.fee,
			updated_at = excluded.updated_at
		RETURNING id`,
		*s.RemoteID, s.ProviderID, s.Name, s.Fee,
		timeToString(s.CreatedAt), timeToString(s.UpdatedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert service remote_id=%d: %w", *s.RemoteID, err)
	}
	s.ID = id
	return id, nil
}

// GetServiceByID retrieves a service by local id.
// Returns sql.ErrNoRows if not found.
func (db *DB) GetServiceByID(ctx context.Context, id int64) (*schema.Service, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, remote_id, provider_id, name, fee, created_at, updated_at
		FROM services WHERE id = ?`, id)

	var s schema.Service
	var remoteID sql.NullInt64
	var createdAt, updatedAt string
	if err := row.Scan(&s.ID, &remoteID, &s.ProviderID, &s.Name, &s.Fee, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	s.RemoteID = idPtr(remoteID)
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	return &s, nil
}
