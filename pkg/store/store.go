// Package store pairs a B+Tree index file (name.idx) with a record heap file
// (name.dat) and exposes keyed fetch, store and delete plus ordered iteration.
//
// Processes sharing a file pair are coordinated by advisory byte-range locks
// taken around each page and record access. Those locks belong to the
// process, so a DB also serializes its own goroutines: reads share a
// sync.RWMutex and mutations hold it exclusively.
package store

import (
	"fmt"
	"os"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/huynhanx03/go-kvdb/pkg/common/apperr"
	"github.com/huynhanx03/go-kvdb/pkg/storage/btree"
	"github.com/huynhanx03/go-kvdb/pkg/storage/heap"
)

const component = "store"

const (
	IndexExt = ".idx"
	HeapExt  = ".dat"
)

// Mode selects how Store treats existing and missing keys.
type Mode int

const (
	// Insert fails with apperr.CodeExists when the key is present.
	Insert Mode = iota + 1
	// Replace fails with apperr.CodeNotFound when the key is absent.
	Replace
	// Upsert inserts or replaces.
	Upsert
)

func (m Mode) String() string {
	switch m {
	case Insert:
		return "insert"
	case Replace:
		return "replace"
	case Upsert:
		return "upsert"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

type DB struct {
	mu     sync.RWMutex
	closed bool

	name string
	idx  *os.File
	tree *btree.Tree
	heap heap.Heap
	log  *zap.Logger

	syncWrites bool
}

// Open opens or creates the file pair name.idx and name.dat with flag and
// perm as for os.OpenFile. A new index is created when flag has O_TRUNC or
// the index file is empty; the heap file is emptied along with it.
func Open(name string, flag int, perm os.FileMode, opts ...Option) (*DB, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if name == "" {
		return nil, errInvalid("empty name", nil)
	}

	idx, err := os.OpenFile(name+IndexExt, flag, perm)
	if err != nil {
		return nil, apperr.NewError(component, apperr.CodeIO, apperr.MsgOpenFailed, errors.Wrap(err, "open index"))
	}
	dat, err := os.OpenFile(name+HeapExt, flag, perm)
	if err != nil {
		idx.Close()
		return nil, apperr.NewError(component, apperr.CodeIO, apperr.MsgOpenFailed, errors.Wrap(err, "open heap"))
	}

	db, err := open(name, idx, dat, flag, o)
	if err != nil {
		return nil, multierr.Combine(err, idx.Close(), dat.Close())
	}
	return db, nil
}

func open(name string, idx, dat *os.File, flag int, o options) (*DB, error) {
	treeOpts := []btree.Option{btree.WithLogger(o.log)}
	heapOpts := []heap.Option{heap.WithLogger(o.log)}
	if o.noWait {
		treeOpts = append(treeOpts, btree.WithNoWait())
		heapOpts = append(heapOpts, heap.WithNoWait())
	}

	fi, err := idx.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat index")
	}
	create := flag&os.O_TRUNC != 0 || fi.Size() == 0

	var (
		tree *btree.Tree
		h    *btree.Header
	)
	if create {
		if err := dat.Truncate(0); err != nil {
			return nil, errors.Wrap(err, "truncate heap")
		}
		tree, h, err = btree.Create(idx, o.order, btree.HeapFormat(o.format), treeOpts...)
	} else {
		tree, h, err = btree.Open(idx, treeOpts...)
	}
	if err != nil {
		return nil, apperr.MapError(component, err, apperr.MsgOpenFailed)
	}

	format := heap.Format(h.HeapFormat)
	if o.formatSet && format != o.format {
		return nil, errInvalid(fmt.Sprintf("heap format is %s, requested %s", format, o.format), nil)
	}
	hp, err := heap.New(dat, format, heapOpts...)
	if err != nil {
		return nil, apperr.MapError(component, err, apperr.MsgOpenFailed)
	}

	log := o.log.With(zap.String("store", name))
	log.Info("store opened",
		zap.Bool("created", create),
		zap.Int("order", h.Order),
		zap.Stringer("heap_format", format),
		zap.Int("height", h.Height),
	)
	return &DB{
		name: name,
		idx:  idx,
		tree: tree,
		heap: hp,
		log:  log,

		syncWrites: o.sync,
	}, nil
}

// Close releases both files. Further calls on db fail with apperr.CodeInvalid.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return errClosed
	}
	db.closed = true
	db.log.Info("store closed")
	return multierr.Combine(db.heap.Close(), errors.Wrap(db.idx.Close(), "close index"))
}

// header re-reads the index header; another process may have changed it.
func (db *DB) header() (*btree.Header, error) {
	if db.closed {
		return nil, errClosed
	}
	return db.tree.Header()
}

// Fetch returns the record stored under key.
func (db *DB) Fetch(key uint64) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	h, err := db.header()
	if err != nil {
		return nil, err
	}
	cell, err := db.tree.Get(h, key)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch key %d", key)
	}
	data, err := db.heap.Read(locator(cell))
	if err != nil {
		return nil, errors.Wrapf(err, "read record of key %d", key)
	}
	return data, nil
}

// Store writes data under key as mode allows. Records that still fit their
// current extent are rewritten in place; larger ones move to new space and
// the old extent is zeroed.
func (db *DB) Store(key uint64, data []byte, mode Mode) error {
	if len(data) == 0 {
		return errInvalid("empty record", nil)
	}
	if mode < Insert || mode > Upsert {
		return errInvalid("unknown store "+mode.String(), nil)
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	h, err := db.header()
	if err != nil {
		return err
	}
	cell, err := db.tree.Get(h, key)
	switch {
	case err == nil:
		if mode == Insert {
			return apperr.NewError(component, apperr.CodeExists, fmt.Sprintf("key %d", key), nil)
		}
		err = db.overwrite(h, cell, data)
	case apperr.Is(err, apperr.CodeNotFound):
		if mode == Replace {
			return errors.Wrapf(err, "replace key %d", key)
		}
		err = db.insert(h, key, data)
	}
	if err != nil {
		return errors.Wrapf(err, "%s key %d", mode, key)
	}
	return db.flush()
}

// overwrite points the existing cell at the record's new extent, then moves
// the bytes. The index page lock is released before any heap lock is taken.
func (db *DB) overwrite(h *btree.Header, cell btree.Cell, data []byte) error {
	old := locator(cell)
	loc, err := db.heap.Relocate(old, uint64(len(data)))
	if err != nil {
		return err
	}
	if err := db.tree.Update(h, btree.Cell{Key: cell.Key, Offset: loc.Offset, Size: loc.Size}); err != nil {
		return err
	}
	return db.heap.Replace(old, loc, data)
}

func (db *DB) insert(h *btree.Header, key uint64, data []byte) error {
	loc, err := db.heap.Reserve(uint64(len(data)))
	if err != nil {
		return err
	}
	if _, err := db.tree.Insert(h, btree.Cell{Key: key, Offset: loc.Offset, Size: loc.Size}); err != nil {
		return err
	}
	return db.heap.Write(loc, data)
}

// Delete removes key and zeroes its record. The space is not reclaimed.
func (db *DB) Delete(key uint64) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	h, err := db.header()
	if err != nil {
		return err
	}
	cell, err := db.tree.Delete(h, key)
	if err != nil {
		return errors.Wrapf(err, "delete key %d", key)
	}
	if err := db.heap.Erase(locator(cell)); err != nil {
		return errors.Wrapf(err, "erase record of key %d", key)
	}
	return db.flush()
}

// Sync flushes both files to stable storage.
func (db *DB) Sync() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return errClosed
	}
	return multierr.Combine(db.tree.Sync(), db.heap.Sync())
}

func (db *DB) flush() error {
	if !db.syncWrites {
		return nil
	}
	return multierr.Combine(db.tree.Sync(), db.heap.Sync())
}

func locator(c btree.Cell) heap.Locator {
	return heap.Locator{Offset: c.Offset, Size: c.Size}
}

var errClosed = apperr.NewError(component, apperr.CodeInvalid, "closed", nil)

func errInvalid(msg string, cause error) error {
	return apperr.NewError(component, apperr.CodeInvalid, msg, cause)
}
