// Package idmap builds ephemeral translation maps between remote and local
// identifiers for one entity type.
//
// Maps are rebuilt on demand by scanning a replica collection; they are
// never persisted. Only reconciled records (non-null remote_id) participate.
// When a referenced remote id is absent, the caller must treat the
// referencing record as not yet satisfiable and skip it - a missing parent
// is corrected by a later bootstrap or realtime event, never by a
// synthesized placeholder.
package idmap

import (
	"context"

	"github.com/kasa-pos/kasa/internal/store"
)

// Map is a read-only snapshot of the remote<->local identifier pairs for
// one entity type.
type Map struct {
	table    string
	toLocal  map[int64]int64
	toRemote map[int64]int64
}

// Build scans a replica collection and returns its translation map.
func Build(ctx context.Context, db *store.DB, table string) (*Map, error) {
	toLocal, err := db.RemoteIDs(ctx, table)
	if err != nil {
		return nil, err
	}

	toRemote := make(map[int64]int64, len(toLocal))
	for remoteID, localID := range toLocal {
		toRemote[localID] = remoteID
	}

	return &Map{table: table, toLocal: toLocal, toRemote: toRemote}, nil
}

// Table returns the entity type this map was built from.
func (m *Map) Table() string {
	return m.table
}

// Local translates a remote identifier to its local counterpart.
func (m *Map) Local(remoteID int64) (int64, bool) {
	localID, ok := m.toLocal[remoteID]
	return localID, ok
}

// Remote translates a local identifier to its remote counterpart.
// Returns false for records not yet reconciled.
func (m *Map) Remote(localID int64) (int64, bool) {
	remoteID, ok := m.toRemote[localID]
	return remoteID, ok
}

// Len returns the number of reconciled records in the map.
func (m *Map) Len() int {
	return len(m.toLocal)
}
