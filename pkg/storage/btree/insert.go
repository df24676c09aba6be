package btree

import (
	"go.uber.org/zap"

	"github.com/huynhanx03/go-kvdb/pkg/common/apperr"
)

// Insert adds c to the tree and returns the header to use from now on. A key
// that already exists is rejected with apperr.CodeExists.
//
// A leaf with room takes the cell in place and the header is unchanged. A full
// leaf is split and the separator pushed toward the root, possibly splitting
// every ancestor and promoting a new root. If any step of a split fails the
// index file is restored to its pre-insert length and content and h remains
// the valid header.
func (t *Tree) Insert(h *Header, c Cell) (*Header, error) {
	leaf, trail, err := t.descend(h, c.Key)
	if err != nil {
		return h, err
	}
	slot, ok := leaf.find(c.Key)
	if ok {
		return h, exists(c.Key)
	}

	if leaf.NumCells < h.Order {
		leaf.insertAt(slot+1, c)
		return h, t.pager.writePage(leaf)
	}
	return t.split(h, leaf, trail, c)
}

func (t *Tree) split(h *Header, leaf *Page, trail []int64, c Cell) (*Header, error) {
	mark, err := t.pager.size()
	if err != nil {
		return h, err
	}
	tx := newSplitTx(t, h, mark)

	// Nothing has been written yet if planning fails.
	if err := tx.insert(leaf, trail, c); err != nil {
		return h, err
	}
	if err := tx.flush(); err != nil {
		return h, tx.rollback(err)
	}

	t.log.Debug("split committed",
		zap.Uint64("key", c.Key),
		zap.Int("new_pages", len(tx.created)),
		zap.Int("height", tx.h.Height),
		zap.Int64("root", tx.h.RootOffset),
	)
	return &tx.h, nil
}

// splitTx plans a split chain in memory, then writes it, and can undo the
// writes. Pages created by the chain live at or beyond mark; the pre-split
// images of pre-existing pages it modifies are kept in saved.
type splitTx struct {
	t     *Tree
	h     Header
	orig  []byte
	mark  int64
	next  int64
	dirty map[int64]*Page
	saved map[int64][]byte

	created []int64
	touched []int64

	headerWritten bool
}

func newSplitTx(t *Tree, h *Header, mark int64) *splitTx {
	orig, _ := h.MarshalBinary()
	return &splitTx{
		t:     t,
		h:     *h,
		orig:  orig,
		mark:  mark,
		next:  mark,
		dirty: make(map[int64]*Page),
		saved: make(map[int64][]byte),
	}
}

func (tx *splitTx) alloc() int64 {
	off := tx.next
	tx.next += PageSize
	return off
}

// load returns the working copy of the page at off.
func (tx *splitTx) load(off int64) (*Page, error) {
	if pg, ok := tx.dirty[off]; ok {
		return pg, nil
	}
	return tx.t.pager.readPage(off)
}

// track marks pg as modified by the chain. It must be called before pg is
// mutated so the saved image is the on-disk one.
func (tx *splitTx) track(pg *Page) {
	if _, ok := tx.dirty[pg.Offset]; ok {
		return
	}
	tx.dirty[pg.Offset] = pg
	if pg.Offset < tx.mark {
		img, _ := pg.MarshalBinary()
		tx.saved[pg.Offset] = img
		tx.touched = append(tx.touched, pg.Offset)
	}
}

func (tx *splitTx) place(pg *Page) {
	tx.dirty[pg.Offset] = pg
	tx.created = append(tx.created, pg.Offset)
}

// insert puts c into pg, splitting pg when it is full. trail holds the
// ancestors of pg, root first.
func (tx *splitTx) insert(pg *Page, trail []int64, c Cell) error {
	tx.track(pg)
	if pg.NumCells < tx.h.Order {
		pg.insertAt(pg.upperBound(c.Key), c)
		return nil
	}

	right, sep, err := tx.splitPage(pg)
	if err != nil {
		return err
	}
	target := pg
	if c.Key >= sep {
		target = right
	}
	target.insertAt(target.upperBound(c.Key), c)
	if !target.isLeaf() {
		if err := tx.reparent(c.Offset, target.Offset); err != nil {
			return err
		}
	}

	if pg.IsRoot {
		return tx.promote(pg, right, sep)
	}
	if len(trail) == 0 {
		return apperr.New(apperr.CodeCorrupted, "non-root page without parent on path", nil)
	}
	parent, err := tx.load(trail[len(trail)-1])
	if err != nil {
		return err
	}
	right.Parent = parent.Offset
	tx.h.NodeCount++
	return tx.insert(parent, trail[:len(trail)-1], Cell{Key: sep, Offset: right.Offset, Size: PageSize})
}

// splitPage moves the upper half of pg's cells into a new page allocated at
// the end of the file and links it after pg. The lower NumCells/2 cells stay.
// It returns the new page and the separator: the first key moved.
func (tx *splitTx) splitPage(pg *Page) (*Page, uint64, error) {
	n := pg.NumCells
	half := n / 2

	right := newPage(pg.Type, false, pg.Parent, pg.Offset)
	right.Offset = tx.alloc()
	copy(right.Cells[:n-half], pg.Cells[half:n])
	clear(pg.Cells[half:n])
	right.NumCells = n - half
	pg.NumCells = half

	right.Next = pg.Next
	if pg.Next != Null {
		next, err := tx.load(pg.Next)
		if err != nil {
			return nil, 0, err
		}
		tx.track(next)
		next.Prev = right.Offset
	}
	pg.Next = right.Offset
	tx.place(right)

	sep := right.Cells[0].Key
	if right.isLeaf() {
		return right, sep, nil
	}

	// An internal page hands its first cell's key up as the separator and
	// keeps that cell's child as its leftmost subtree.
	right.LeftMost = right.removeAt(0).Offset
	if err := tx.reparent(right.LeftMost, right.Offset); err != nil {
		return nil, 0, err
	}
	for i := 0; i < right.NumCells; i++ {
		if err := tx.reparent(right.Cells[i].Offset, right.Offset); err != nil {
			return nil, 0, err
		}
	}
	return right, sep, nil
}

func (tx *splitTx) reparent(child, parent int64) error {
	pg, err := tx.load(child)
	if err != nil {
		return err
	}
	tx.track(pg)
	pg.Parent = parent
	return nil
}

// promote grows the tree by one level: a new root above the split pair.
func (tx *splitTx) promote(left, right *Page, sep uint64) error {
	root := newPage(Internal, true, Null, Null)
	root.Offset = tx.alloc()
	root.LeftMost = left.Offset
	root.insertAt(0, Cell{Key: sep, Offset: right.Offset, Size: PageSize})
	tx.place(root)

	left.IsRoot = false
	left.Parent = root.Offset
	right.Parent = root.Offset

	tx.h.Height++
	tx.h.NodeCount += 2
	tx.h.RootOffset = root.Offset

	tx.t.log.Debug("root promoted", zap.Int64("root", root.Offset), zap.Int("height", tx.h.Height))
	return nil
}

// flush writes new pages, then the modified existing pages, then the header.
func (tx *splitTx) flush() error {
	for _, off := range tx.created {
		if err := tx.t.pager.writePage(tx.dirty[off]); err != nil {
			return err
		}
	}
	for _, off := range tx.touched {
		if err := tx.t.pager.writePage(tx.dirty[off]); err != nil {
			return err
		}
	}
	tx.headerWritten = true
	return tx.t.pager.writeHeader(&tx.h)
}

// rollback truncates away every page the chain appended and rewrites the
// saved images. It returns cause, or a CodeFatal error when the file could
// not be restored.
func (tx *splitTx) rollback(cause error) error {
	log := tx.t.log.With(zap.Int64("mark", tx.mark), zap.NamedError("cause", cause))
	log.Warn("split failed, rolling back", zap.Int("restore_pages", len(tx.touched)))

	fatal := func(err error) error {
		log.Error("rollback failed, index inconsistent", zap.Error(err))
		return apperr.Wrap(err, apperr.CodeFatal, apperr.MsgFatal)
	}

	if err := tx.t.pager.truncate(tx.mark); err != nil {
		return fatal(err)
	}
	for _, off := range tx.touched {
		if err := tx.t.pager.writeAt(tx.saved[off], off); err != nil {
			return fatal(err)
		}
	}
	if tx.headerWritten {
		if err := tx.t.pager.writeAt(tx.orig, 0); err != nil {
			return fatal(err)
		}
	}
	return cause
}
