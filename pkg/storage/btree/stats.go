package btree

import (
	"fmt"

	"github.com/huynhanx03/go-kvdb/pkg/common/apperr"
)

type TreeStats struct {
	Height      int     // From header.
	NodeCount   uint64  // From header.
	NumPages    int     // Calculated.
	NumLeaves   int     // Calculated.
	NumLeafKeys int     // Calculated.
	EmptyLeaves int     // Calculated.
	Occupancy   float64 // Derived.
	Order       int     // From header.
	PageSize    int     // Derived.
}

// Stats walks every page reachable from the root.
func (t *Tree) Stats(h *Header) (TreeStats, error) {
	out := TreeStats{
		Height:    h.Height,
		NodeCount: h.NodeCount,
		Order:     h.Order,
		PageSize:  PageSize,
	}
	err := t.walk(h.root(), func(pg *Page, _ int) error {
		out.NumPages++
		if pg.isLeaf() {
			out.NumLeaves++
			out.NumLeafKeys += pg.NumCells
			if pg.NumCells == 0 {
				out.EmptyLeaves++
			}
		}
		return nil
	})
	if err != nil {
		return TreeStats{}, err
	}
	if out.NumLeaves > 0 {
		out.Occupancy = 100.0 * float64(out.NumLeafKeys) / float64(h.Order*out.NumLeaves)
	}
	return out, nil
}

// walk visits the subtree at off depth first, parents before children.
func (t *Tree) walk(off int64, fn func(*Page, int) error) error {
	var visit func(off int64, depth int) error
	visit = func(off int64, depth int) error {
		if depth >= maxDepth {
			return apperr.New(apperr.CodeCorrupted, "tree deeper than maximum depth", nil)
		}
		pg, err := t.pager.readPage(off)
		if err != nil {
			return err
		}
		if err := fn(pg, depth); err != nil {
			return err
		}
		if pg.isLeaf() {
			return nil
		}
		if pg.LeftMost != Null {
			if err := visit(pg.LeftMost, depth+1); err != nil {
				return err
			}
		}
		for i := 0; i < pg.NumCells; i++ {
			if err := visit(pg.Cells[i].Offset, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	return visit(off, 0)
}

// Verify checks the structural invariants of the tree: strictly ascending
// cells in every page, separator bounds, uniform leaf depth, a single root,
// parent links, and a leaf chain that lists every key once in order.
func (t *Tree) Verify(h *Header) error {
	corrupt := func(format string, args ...any) error {
		return apperr.New(apperr.CodeCorrupted, fmt.Sprintf(format, args...), nil)
	}

	rootOff := h.root()
	leafDepth := -1
	leafKeys := 0

	var check func(off, parent int64, lo, hi uint64, bounded bool, depth int) error
	check = func(off, parent int64, lo, hi uint64, bounded bool, depth int) error {
		if depth >= maxDepth {
			return corrupt("tree deeper than maximum depth")
		}
		pg, err := t.pager.readPage(off)
		if err != nil {
			return err
		}
		if pg.IsRoot != (off == rootOff) {
			return corrupt("page %d root flag %t", off, pg.IsRoot)
		}
		if off != rootOff && pg.Parent != parent {
			return corrupt("page %d parent %d, want %d", off, pg.Parent, parent)
		}
		if pg.NumCells > h.Order {
			return corrupt("page %d holds %d cells, order %d", off, pg.NumCells, h.Order)
		}
		for i := 0; i < pg.NumCells; i++ {
			k := pg.Cells[i].Key
			if i > 0 && pg.Cells[i-1].Key >= k {
				return corrupt("page %d cells %d,%d out of order", off, i-1, i)
			}
			if k < lo || (bounded && k >= hi) {
				return corrupt("page %d key %d outside [%d, %d)", off, k, lo, hi)
			}
		}

		if pg.isLeaf() {
			if leafDepth == -1 {
				leafDepth = depth
			} else if depth != leafDepth {
				return corrupt("leaf %d at depth %d, want %d", off, depth, leafDepth)
			}
			leafKeys += pg.NumCells
			return nil
		}

		if pg.NumCells == 0 {
			return corrupt("empty internal page %d", off)
		}
		if pg.LeftMost == Null {
			return corrupt("internal page %d has no leftmost child", off)
		}
		if err := check(pg.LeftMost, off, lo, pg.Cells[0].Key, true, depth+1); err != nil {
			return err
		}
		for i := 0; i < pg.NumCells; i++ {
			clo, chi, cb := pg.Cells[i].Key, hi, bounded
			if i+1 < pg.NumCells {
				chi, cb = pg.Cells[i+1].Key, true
			}
			if err := check(pg.Cells[i].Offset, off, clo, chi, cb, depth+1); err != nil {
				return err
			}
		}
		return nil
	}

	if err := check(rootOff, Null, 0, 0, false, 0); err != nil {
		return err
	}
	if leafDepth+1 != h.Height {
		return corrupt("leaf depth %d does not match height %d", leafDepth, h.Height)
	}

	chained := 0
	var prev uint64
	err := t.Ascend(h, func(c Cell) bool {
		if chained > 0 && c.Key <= prev {
			return false
		}
		prev = c.Key
		chained++
		return true
	})
	if err != nil {
		return err
	}
	if chained != leafKeys {
		return corrupt("leaf chain lists %d keys, tree holds %d", chained, leafKeys)
	}
	return nil
}
