// Package btree implements a disk-resident B+Tree over fixed-size pages.
//
// Pages are addressed by their byte offset in the index file and are
// append-only: a page keeps its offset for the life of the file. Nothing is
// cached between calls; every page or header access re-reads the file under
// an advisory lock held only for that access.
package btree

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/huynhanx03/go-kvdb/pkg/common/apperr"
)

// maxDepth bounds a descent so a corrupt cycle of child links cannot spin forever.
const maxDepth = 64

type Tree struct {
	pager *pager
	log   *zap.Logger
}

type Option func(*Tree)

// WithLogger sets the logger used for split and recovery events.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tree) {
		if l != nil {
			t.log = l
		}
	}
}

// WithNoWait makes contended page locks fail with apperr.CodeLockContention
// instead of blocking.
func WithNoWait() Option {
	return func(t *Tree) { t.pager.wait = false }
}

func newTree(f File, opts []Option) *Tree {
	t := &Tree{
		pager: &pager{file: f, wait: true},
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Create initializes an empty tree in f: the header followed by one bootstrap
// leaf that acts as the root until its first split.
func Create(f File, order int, format HeapFormat, opts ...Option) (*Tree, *Header, error) {
	if order < MinOrder || order > MaxCell {
		return nil, nil, apperr.New(apperr.CodeInvalid, fmt.Sprintf("order %d outside [%d, %d]", order, MinOrder, MaxCell), nil)
	}
	t := newTree(f, opts)
	if err := t.pager.truncate(0); err != nil {
		return nil, nil, err
	}

	leaf := newPage(Leaf, true, Null, Null)
	leaf.Offset = HeaderSize
	h := &Header{
		Order:        order,
		HeapFormat:   format,
		Height:       1,
		NodeCount:    1,
		RootOffset:   Null,
		LeftmostLeaf: leaf.Offset,
	}
	if err := t.pager.writePage(leaf); err != nil {
		return nil, nil, err
	}
	if err := t.pager.writeHeader(h); err != nil {
		return nil, nil, err
	}
	t.log.Debug("tree created", zap.Int("order", order), zap.Uint8("heap_format", uint8(format)))
	return t, h, nil
}

// Open loads and validates the header of an existing tree.
func Open(f File, opts ...Option) (*Tree, *Header, error) {
	t := newTree(f, opts)
	h, err := t.pager.readHeader()
	if err != nil {
		return nil, nil, err
	}
	return t, h, nil
}

// Header re-reads the header from disk.
func (t *Tree) Header() (*Header, error) {
	return t.pager.readHeader()
}

// descend walks from the root to the leaf responsible for key and returns the
// offsets of the internal pages visited, root first.
func (t *Tree) descend(h *Header, key uint64) (*Page, []int64, error) {
	off := h.root()
	trail := make([]int64, 0, h.Height)
	for depth := 0; depth < maxDepth; depth++ {
		pg, err := t.pager.readPage(off)
		if err != nil {
			return nil, nil, err
		}
		if pg.isLeaf() {
			return pg, trail, nil
		}
		slot, err := pg.searchInternal(key)
		if err != nil {
			return nil, nil, err
		}
		child, err := pg.child(slot)
		if err != nil {
			return nil, nil, err
		}
		trail = append(trail, off)
		off = child
	}
	return nil, nil, apperr.New(apperr.CodeCorrupted, "descent exceeded maximum depth", nil)
}

// Search returns the leaf responsible for key and the predecessor slot in it
// (see searchLeaf). The caller decides hit or miss by comparing keys.
func (t *Tree) Search(h *Header, key uint64) (*Page, int, error) {
	leaf, _, err := t.descend(h, key)
	if err != nil {
		return nil, 0, err
	}
	slot, _ := leaf.searchLeaf(key)
	return leaf, slot, nil
}

// Get returns the cell stored for key.
func (t *Tree) Get(h *Header, key uint64) (Cell, error) {
	leaf, _, err := t.descend(h, key)
	if err != nil {
		return Cell{}, err
	}
	slot, ok := leaf.find(key)
	if !ok {
		return Cell{}, notFound(key)
	}
	return leaf.Cells[slot], nil
}

// Update overwrites the locator of an existing key in place.
func (t *Tree) Update(h *Header, c Cell) error {
	leaf, _, err := t.descend(h, c.Key)
	if err != nil {
		return err
	}
	slot, ok := leaf.find(c.Key)
	if !ok {
		return notFound(c.Key)
	}
	leaf.Cells[slot] = c
	return t.pager.writePage(leaf)
}

// Delete removes key from its leaf and returns the removed cell. Leaves are
// never merged or rebalanced and separators stay in place, so a leaf may end
// up empty.
func (t *Tree) Delete(h *Header, key uint64) (Cell, error) {
	leaf, _, err := t.descend(h, key)
	if err != nil {
		return Cell{}, err
	}
	slot, ok := leaf.find(key)
	if !ok {
		return Cell{}, notFound(key)
	}
	c := leaf.removeAt(slot)
	if err := t.pager.writePage(leaf); err != nil {
		return Cell{}, errors.Wrapf(err, "delete key %d", key)
	}
	return c, nil
}

// Sync flushes the index file to stable storage.
func (t *Tree) Sync() error {
	return errors.Wrap(t.pager.file.Sync(), "sync index")
}

func notFound(key uint64) error {
	return apperr.New(apperr.CodeNotFound, fmt.Sprintf("key %d", key), nil)
}

func exists(key uint64) error {
	return apperr.New(apperr.CodeExists, fmt.Sprintf("key %d", key), nil)
}
