// Package queue provides the durable, ordered log of locally-originated
// mutations awaiting transmission to the remote authority.
//
// Entries live in the replica database's sync_queue table so an entry can
// be written in the same transaction as the record it describes. Entries
// are never mutated in place: they are created with the local write and
// deleted only after the remote authority confirms success. Ordering is
// FIFO on (enqueued_at, id).
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action is the kind of mutation a queue entry represents.
type Action string

const (
	// ActionCreate submits a new record to the remote authority.
	ActionCreate Action = "create"
	// ActionUpdate pushes changed fields of a reconciled record.
	ActionUpdate Action = "update"
	// ActionDelete removes a reconciled record remotely.
	ActionDelete Action = "delete"
)

// Entry is one pending intent.
type Entry struct {
	// ID orders entries within the queue (monotonic, store-assigned).
	ID int64
	// Key is a client-generated idempotency token forwarded to the remote
	// authority with every submission of this entry.
	Key string
	// Entity is the collection the entry concerns.
	Entity string
	// Action is the mutation kind.
	Action Action
	// LocalID is the local id of the record the entry concerns.
	LocalID int64
	// EnqueuedAt is the ordering key.
	EnqueuedAt time.Time
	// Payload optionally carries precomputed data; handlers may instead
	// recompute the payload from the record at drain time.
	Payload json.RawMessage
}

// NewEntry builds an entry for a local record with a fresh idempotency key.
func NewEntry(entity string, action Action, localID int64) *Entry {
	return &Entry{
		Key:        uuid.NewString(),
		Entity:     entity,
		Action:     action,
		LocalID:    localID,
		EnqueuedAt: time.Now().UTC(),
	}
}

// execer abstracts *sql.DB and *sql.Tx so entries can be enqueued inside a
// caller-owned transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Queue is the sync queue over a replica database connection.
type Queue struct {
	db *sql.DB
}

// New creates a Queue over the replica's connection (store.DB.RawDB()).
// The sync_queue table must already exist (store.InitSchema creates it).
func New(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue appends an entry to the queue.
func (q *Queue) Enqueue(ctx context.Context, e *Entry) error {
	return enqueue(ctx, q.db, e)
}

// EnqueueTx appends an entry inside a caller-owned transaction, so the
// entry commits or rolls back atomically with the local write it
// represents.
func (q *Queue) EnqueueTx(ctx context.Context, tx *sql.Tx, e *Entry) error {
	return enqueue(ctx, tx, e)
}

func enqueue(ctx context.Context, ex execer, e *Entry) error {
	if e.Entity == "" {
		return fmt.Errorf("entry entity is required")
	}
	if e.Action == "" {
		return fmt.Errorf("entry action is required")
	}
	if e.LocalID == 0 {
		return fmt.Errorf("entry local record id is required")
	}
	if e.Key == "" {
		e.Key = uuid.NewString()
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now().UTC()
	}

	var payload sql.NullString
	if len(e.Payload) > 0 {
		payload = sql.NullString{String: string(e.Payload), Valid: true}
	}

	res, err := ex.ExecContext(ctx, `
		INSERT INTO sync_queue (key, entity_type, action, local_record_id, enqueued_at, payload)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.Key, e.Entity, string(e.Action), e.LocalID,
		e.EnqueuedAt.UTC().Format(time.RFC3339Nano), payload,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s %s: %w", e.Action, e.Entity, err)
	}

	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// DrainOrdered returns all pending entries in FIFO order. Entries are not
// removed; call Remove after the remote authority confirms each one.
func (q *Queue) DrainOrdered(ctx context.Context) ([]*Entry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, key, entity_type, action, local_record_id, enqueued_at, payload
		FROM sync_queue
		ORDER BY enqueued_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync queue: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var action, enqueuedAt string
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.Key, &e.Entity, &action, &e.LocalID, &enqueuedAt, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		e.Action = Action(action)
		if t, err := time.Parse(time.RFC3339Nano, enqueuedAt); err == nil {
			e.EnqueuedAt = t
		}
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync queue: %w", err)
	}

	return entries, nil
}

// Remove bulk-deletes entries after confirmed success.
func (q *Queue) Remove(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	if _, err := q.db.ExecContext(ctx,
		"DELETE FROM sync_queue WHERE id IN ("+placeholders+")", args...); err != nil {
		return fmt.Errorf("failed to remove queue entries: %w", err)
	}
	return nil
}

// Count returns the number of pending entries.
func (q *Queue) Count(ctx context.Context) (int, error) {
	var count int
	if err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_queue").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count sync queue: %w", err)
	}
	return count, nil
}

// CountForRecord returns the number of pending entries for one local
// record of an entity type.
func (q *Queue) CountForRecord(ctx context.Context, entity string, localID int64) (int, error) {
	var count int
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sync_queue WHERE entity_type = ? AND local_record_id = ?",
		entity, localID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue entries for %s/%d: %w", entity, localID, err)
	}
	return count, nil
}
