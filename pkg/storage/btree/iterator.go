package btree

import (
	"github.com/huynhanx03/go-kvdb/pkg/common/apperr"
)

// Cursor is a position in the ordered leaf chain. It holds no page; Next
// reloads the leaf and resumes after Cell.Key, so a cursor stays usable
// across writes made between calls.
type Cursor struct {
	Leaf int64
	Slot int
	Cell Cell
}

// First returns the smallest key in the tree, or apperr.ErrEndOfTree when the
// tree is empty.
func (t *Tree) First(h *Header) (Cursor, error) {
	return t.firstFrom(h.LeftmostLeaf)
}

// Next returns the cell following cur in key order, or apperr.ErrEndOfTree.
func (t *Tree) Next(cur Cursor) (Cursor, error) {
	pg, err := t.pager.readPage(cur.Leaf)
	if err != nil {
		return Cursor{}, err
	}
	if pos := pg.upperBound(cur.Cell.Key); pos < pg.NumCells {
		return Cursor{Leaf: pg.Offset, Slot: pos, Cell: pg.Cells[pos]}, nil
	}
	return t.firstFrom(pg.Next)
}

// firstFrom returns the first cell of the first non-empty leaf at or after off.
func (t *Tree) firstFrom(off int64) (Cursor, error) {
	for off != Null {
		pg, err := t.pager.readPage(off)
		if err != nil {
			return Cursor{}, err
		}
		if pg.NumCells > 0 {
			return Cursor{Leaf: pg.Offset, Slot: 0, Cell: pg.Cells[0]}, nil
		}
		off = pg.Next
	}
	return Cursor{}, apperr.ErrEndOfTree
}

// Ascend calls fn for every cell in key order until fn returns false.
func (t *Tree) Ascend(h *Header, fn func(Cell) bool) error {
	cur, err := t.First(h)
	for err == nil {
		if !fn(cur.Cell) {
			return nil
		}
		cur, err = t.Next(cur)
	}
	if apperr.Is(err, apperr.CodeEndOfTree) {
		return nil
	}
	return err
}
