package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kasa-pos/kasa/internal/schema"
)

// CreateSale records a locally-originated sale aggregate in one transaction:
// the header, every line item, and the stock deduction for each product.
//
// The optional after hook runs inside the same transaction with the new
// sale's local id; callers use it to enqueue the sync entry atomically with
// the write it represents. If any statement or the hook fails, nothing is
// applied.
func (db *DB) CreateSale(ctx context.Context, sale *schema.Sale, items []*schema.SaleItem, after func(tx *sql.Tx, saleID int64) error) (int64, error) {
	if err := sale.Validate(); err != nil {
		return 0, fmt.Errorf("invalid sale: %w", err)
	}
	if len(items) == 0 {
		return 0, fmt.Errorf("sale requires at least one item")
	}
	for i, item := range items {
		if err := item.Validate(); err != nil {
			return 0, fmt.Errorf("invalid sale item %d: %w", i, err)
		}
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var saleID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO sales (remote_id, customer_id, total, paid, note, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`,
		nullID(sale.RemoteID), nullID(sale.CustomerID), sale.Total, sale.Paid, sale.Note,
		timeToString(sale.RecordedAt),
	).Scan(&saleID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert sale: %w", err)
	}

	for i, item := range items {
		err = tx.QueryRowContext(ctx, `
			INSERT INTO sale_items (remote_id, sale_id, product_id, qty, unit_price, subtotal)
			VALUES (?, ?, ?, ?, ?, ?)
			RETURNING id`,
			nullID(item.RemoteID), saleID, item.ProductID, item.Qty, item.UnitPrice, item.Subtotal,
		).Scan(&item.ID)
		if err != nil {
			return 0, fmt.Errorf("failed to insert sale item %d: %w", i, err)
		}
		item.SaleID = saleID

		res, err := tx.ExecContext(ctx,
			"UPDATE products SET stock = stock - ? WHERE id = ?", item.Qty, item.ProductID)
		if err != nil {
			return 0, fmt.Errorf("failed to deduct stock for product %d: %w", item.ProductID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return 0, fmt.Errorf("no product with id %d", item.ProductID)
		}
	}

	if after != nil {
		if err := after(tx, saleID); err != nil {
			return 0, fmt.Errorf("sale post-insert hook failed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit sale: %w", err)
	}

	sale.ID = saleID
	return saleID, nil
}

// GetSale retrieves a sale header and its line items by local id.
// Returns sql.ErrNoRows if the sale is not found.
func (db *DB) GetSale(ctx context.Context, id int64) (*schema.Sale, []*schema.SaleItem, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, remote_id, customer_id, total, paid, note, recorded_at
		FROM sales WHERE id = ?`, id)

	var sale schema.Sale
	var remoteID, customerID sql.NullInt64
	var recordedAt string
	if err := row.Scan(&sale.ID, &remoteID, &customerID, &sale.Total, &sale.Paid, &sale.Note, &recordedAt); err != nil {
		return nil, nil, err
	}
	sale.RemoteID = idPtr(remoteID)
	sale.CustomerID = idPtr(customerID)
	sale.RecordedAt = parseTime(recordedAt)

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, remote_id, sale_id, product_id, qty, unit_price, subtotal
		FROM sale_items WHERE sale_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query sale items: %w", err)
	}
	defer rows.Close()

	var items []*schema.SaleItem
	for rows.Next() {
		var item schema.SaleItem
		var itemRemoteID sql.NullInt64
		if err := rows.Scan(&item.ID, &itemRemoteID, &item.SaleID, &item.ProductID,
			&item.Qty, &item.UnitPrice, &item.Subtotal); err != nil {
			return nil, nil, fmt.Errorf("failed to scan sale item: %w", err)
		}
		item.RemoteID = idPtr(itemRemoteID)
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating sale items: %w", err)
	}

	return &sale, items, nil
}

// SetSaleRemoteIDs reconciles a sale after the remote authority accepts it:
// the header's remote id and any item remote ids (matched by item position
// in local id order) are written in one transaction.
func (db *DB) SetSaleRemoteIDs(ctx context.Context, saleID, remoteID int64, itemRemoteIDs []int64) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE sales SET remote_id = ? WHERE id = ?", remoteID, saleID)
	if err != nil {
		return fmt.Errorf("failed to set sale remote id: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("no sale with id %d", saleID)
	}

	if len(itemRemoteIDs) > 0 {
		rows, err := tx.QueryContext(ctx,
			"SELECT id FROM sale_items WHERE sale_id = ? ORDER BY id ASC", saleID)
		if err != nil {
			return fmt.Errorf("failed to list sale items: %w", err)
		}
		var itemIDs []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan sale item id: %w", err)
			}
			itemIDs = append(itemIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating sale item ids: %w", err)
		}
		if len(itemIDs) != len(itemRemoteIDs) {
			return fmt.Errorf("sale %d has %d items but remote returned %d ids",
				saleID, len(itemIDs), len(itemRemoteIDs))
		}
		for i, itemID := range itemIDs {
			if _, err := tx.ExecContext(ctx,
				"UPDATE sale_items SET remote_id = ? WHERE id = ?", itemRemoteIDs[i], itemID); err != nil {
				return fmt.Errorf("failed to set sale item remote id: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sale reconciliation: %w", err)
	}
	return nil
}

// UpsertSaleByRemote inserts or updates a sale aggregate matched on the
// header's remote_id, preserving the local id of an existing header. Line
// items are replaced wholesale; item ProductID values must already be local
// ids. Stock is not touched - bootstrap refreshes products separately from
// the remote's authoritative figures.
func (db *DB) UpsertSaleByRemote(ctx context.Context, sale *schema.Sale, items []*schema.SaleItem) (int64, error) {
	if sale.RemoteID == nil {
		return 0, fmt.Errorf("sale upsert requires a remote id")
	}
	if err := sale.Validate(); err != nil {
		return 0, fmt.Errorf("invalid sale: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var saleID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO sales (remote_id, customer_id, total, paid, note, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(remote_id) DO UPDATE SET
			customer_id = excluded.customer_id,
			total = excluded.total,
			paid = excluded.paid,
			note = excluded.note,
			recorded_at = excluded.recorded_at
		RETURNING id`,
		*sale.RemoteID, nullID(sale.CustomerID), sale.Total, sale.Paid, sale.Note,
		timeToString(sale.RecordedAt),
	).Scan(&saleID)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert sale remote_id=%d: %w", *sale.RemoteID, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM sale_items WHERE sale_id = ?", saleID); err != nil {
		return 0, fmt.Errorf("failed to clear sale items: %w", err)
	}

	for i, item := range items {
		if err := item.Validate(); err != nil {
			return 0, fmt.Errorf("invalid sale item %d: %w", i, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sale_items (remote_id, sale_id, product_id, qty, unit_price, subtotal)
			VALUES (?, ?, ?, ?, ?, ?)`,
			nullID(item.RemoteID), saleID, item.ProductID, item.Qty, item.UnitPrice, item.Subtotal,
		); err != nil {
			return 0, fmt.Errorf("failed to insert sale item %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit sale upsert: %w", err)
	}

	sale.ID = saleID
	return saleID, nil
}

// InsertTicket records a locally-created clinic ticket. The optional after
// hook runs inside the same transaction, for enqueueing the sync entry.
func (db *DB) InsertTicket(ctx context.Context, t *schema.Ticket, after func(tx *sql.Tx, ticketID int64) error) (int64, error) {
	if err := t.Validate(); err != nil {
		return 0, fmt.Errorf("invalid ticket: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO tickets (remote_id, service_id, customer_id, number, status, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`,
		nullID(t.RemoteID), t.ServiceID, nullID(t.CustomerID), t.Number, t.Status,
		timeToString(t.RecordedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert ticket: %w", err)
	}

	if after != nil {
		if err := after(tx, id); err != nil {
			return 0, fmt.Errorf("ticket post-insert hook failed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit ticket: %w", err)
	}

	t.ID = id
	return id, nil
}

// UpsertTicketByRemote inserts or updates a ticket matched on remote_id,
// preserving the local id of an existing row. ServiceID and CustomerID must
// already be local ids.
func (db *DB) UpsertTicketByRemote(ctx context.Context, t *schema.Ticket) (int64, error) {
	if t.RemoteID == nil {
		return 0, fmt.Errorf("ticket upsert requires a remote id")
	}
	if err := t.Validate(); err != nil {
		return 0, fmt.Errorf("invalid ticket: %w", err)
	}

	var id int64
	err := db.conn.QueryRowContext(ctx, `
		INSERT INTO tickets (remote_id, service_id, customer_id, number, status, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(remote_id) DO UPDATE SET
			service_id = excluded.service_id,
			customer_id = excluded.customer_id,
			number = excluded.number,
			status = excluded.status,
			recorded_at = excluded.recorded_at
		RETURNING id`,
		*t.RemoteID, t.ServiceID, nullID(t.CustomerID), t.Number, t.Status,
		timeToString(t.RecordedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert ticket remote_id=%d: %w", *t.RemoteID, err)
	}
	t.ID = id
	return id, nil
}

// GetTicketByID retrieves a ticket by local id.
// Returns sql.ErrNoRows if not found.
func (db *DB) GetTicketByID(ctx context.Context, id int64) (*schema.Ticket, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, remote_id, service_id, customer_id, number, status, recorded_at
		FROM tickets WHERE id = ?`, id)

	var t schema.Ticket
	var remoteID, customerID sql.NullInt64
	var recordedAt string
	if err := row.Scan(&t.ID, &remoteID, &t.ServiceID, &customerID, &t.Number, &t.Status, &recordedAt); err != nil {
		return nil, err
	}
	t.RemoteID = idPtr(remoteID)
	t.CustomerID = idPtr(customerID)
	t.RecordedAt = parseTime(recordedAt)
	return &t, nil
}
