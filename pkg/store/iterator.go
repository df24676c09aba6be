package store

import (
	"github.com/pkg/errors"

	"github.com/huynhanx03/go-kvdb/pkg/common/apperr"
	"github.com/huynhanx03/go-kvdb/pkg/storage/btree"
	"github.com/huynhanx03/go-kvdb/pkg/storage/heap"
)

// Cursor is a position in key order. It stays valid across writes: Next
// continues after Key even if the leaf it came from was split meanwhile.
type Cursor struct {
	cur btree.Cursor
}

func (c Cursor) Key() uint64 { return c.cur.Cell.Key }

// Locator returns where the record for Key lived when the cursor was read.
func (c Cursor) Locator() heap.Locator { return locator(c.cur.Cell) }

// First returns a cursor on the smallest key, or apperr.ErrEndOfTree when the
// store is empty.
func (db *DB) First() (Cursor, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	h, err := db.header()
	if err != nil {
		return Cursor{}, err
	}
	cur, err := db.tree.First(h)
	if err != nil {
		return Cursor{}, err
	}
	return Cursor{cur: cur}, nil
}

// Next returns the cursor on the key after c, or apperr.ErrEndOfTree.
func (db *DB) Next(c Cursor) (Cursor, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return Cursor{}, errClosed
	}
	cur, err := db.tree.Next(c.cur)
	if err != nil {
		return Cursor{}, err
	}
	return Cursor{cur: cur}, nil
}

// Record reads the record c points at.
func (db *DB) Record(c Cursor) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return nil, errClosed
	}
	data, err := db.heap.Read(c.Locator())
	if err != nil {
		return nil, errors.Wrapf(err, "read record of key %d", c.Key())
	}
	return data, nil
}

// Ascend calls fn with every key and record in key order until fn returns
// false. fn runs without db's lock held, so it may call back into db.
func (db *DB) Ascend(fn func(key uint64, data []byte) bool) error {
	cur, err := db.First()
	for err == nil {
		var data []byte
		if data, err = db.Record(cur); err != nil {
			return err
		}
		if !fn(cur.Key(), data) {
			return nil
		}
		cur, err = db.Next(cur)
	}
	if apperr.Is(err, apperr.CodeEndOfTree) {
		return nil
	}
	return err
}
