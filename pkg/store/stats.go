package store

import (
	"github.com/huynhanx03/go-kvdb/pkg/storage/btree"
	"github.com/huynhanx03/go-kvdb/pkg/storage/heap"
)

type Stats struct {
	Index      btree.TreeStats
	HeapFormat heap.Format
	HeapBytes  int64
}

// Stats walks the whole index, so its cost is linear in the number of pages.
func (db *DB) Stats() (Stats, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	h, err := db.header()
	if err != nil {
		return Stats{}, err
	}
	ts, err := db.tree.Stats(h)
	if err != nil {
		return Stats{}, err
	}
	end, err := db.heap.End()
	if err != nil {
		return Stats{}, err
	}
	return Stats{Index: ts, HeapFormat: db.heap.Format(), HeapBytes: end}, nil
}

// Verify checks the structural invariants of the index.
func (db *DB) Verify() error {
	db.mu.RLock()
	defer db.mu.RUnlock()

	h, err := db.header()
	if err != nil {
		return err
	}
	return db.tree.Verify(h)
}
