package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/huynhanx03/go-kvdb/pkg/common/apperr"
)

// Cell is a key with a locator. In a leaf the locator addresses a record in
// the heap; in an internal page it addresses a child page.
type Cell struct {
	Key    uint64
	Offset int64
	Size   uint64
}

// Page is the in-memory image of one index page. Pages never reference each
// other in memory; links are file offsets and every access reloads from disk.
type Page struct {
	Type     PageType
	IsRoot   bool
	NumCells int
	Offset   int64
	LeftMost int64
	Parent   int64
	Prev     int64
	Next     int64
	Cells    [MaxCell]Cell
}

// newPage returns an empty page with the given links. Offset and LeftMost
// start as Null.
func newPage(typ PageType, isRoot bool, parent, prev int64) *Page {
	return &Page{
		Type:     typ,
		IsRoot:   isRoot,
		Offset:   Null,
		LeftMost: Null,
		Parent:   parent,
		Prev:     prev,
		Next:     Null,
	}
}

func (p *Page) isLeaf() bool { return p.Type == Leaf }

func (p *Page) String() string {
	return fmt.Sprintf("%s@%d(cells=%d root=%t)", p.Type, p.Offset, p.NumCells, p.IsRoot)
}

// Keys returns the keys currently stored in the page.
func (p *Page) Keys() []uint64 {
	keys := make([]uint64, p.NumCells)
	for i := range keys {
		keys[i] = p.Cells[i].Key
	}
	return keys
}

// MarshalBinary encodes the page into exactly PageSize bytes.
func (p *Page) MarshalBinary() ([]byte, error) {
	buf := make([]byte, PageSize)
	p.encode(buf)
	return buf, nil
}

func (p *Page) encode(buf []byte) {
	clear(buf[:PageSize])
	buf[offType] = byte(p.Type)
	if p.IsRoot {
		buf[offIsRoot] = 1
	}
	binary.LittleEndian.PutUint16(buf[offNumCells:], uint16(p.NumCells))
	binary.LittleEndian.PutUint64(buf[offSelf:], uint64(p.Offset))
	binary.LittleEndian.PutUint64(buf[offLeftMost:], uint64(p.LeftMost))
	binary.LittleEndian.PutUint64(buf[offParent:], uint64(p.Parent))
	binary.LittleEndian.PutUint64(buf[offPrev:], uint64(p.Prev))
	binary.LittleEndian.PutUint64(buf[offNext:], uint64(p.Next))

	for i := 0; i < p.NumCells; i++ {
		c := buf[pageHeaderSize+i*cellSize:]
		binary.LittleEndian.PutUint64(c[0:], p.Cells[i].Key)
		binary.LittleEndian.PutUint64(c[8:], uint64(p.Cells[i].Offset))
		binary.LittleEndian.PutUint64(c[16:], p.Cells[i].Size)
	}
}

// UnmarshalBinary decodes a page written by MarshalBinary.
func (p *Page) UnmarshalBinary(buf []byte) error {
	if len(buf) < PageSize {
		return apperr.New(apperr.CodeCorrupted, fmt.Sprintf("short page: %d bytes", len(buf)), nil)
	}
	typ := PageType(buf[offType])
	if typ != Leaf && typ != Internal {
		return apperr.New(apperr.CodeCorrupted, fmt.Sprintf("bad page type %d", buf[offType]), nil)
	}
	n := int(binary.LittleEndian.Uint16(buf[offNumCells:]))
	if n > MaxCell {
		return apperr.New(apperr.CodeCorrupted, fmt.Sprintf("cell count %d exceeds %d", n, MaxCell), nil)
	}

	*p = Page{
		Type:     typ,
		IsRoot:   buf[offIsRoot] != 0,
		NumCells: n,
		Offset:   int64(binary.LittleEndian.Uint64(buf[offSelf:])),
		LeftMost: int64(binary.LittleEndian.Uint64(buf[offLeftMost:])),
		Parent:   int64(binary.LittleEndian.Uint64(buf[offParent:])),
		Prev:     int64(binary.LittleEndian.Uint64(buf[offPrev:])),
		Next:     int64(binary.LittleEndian.Uint64(buf[offNext:])),
	}
	for i := 0; i < n; i++ {
		c := buf[pageHeaderSize+i*cellSize:]
		p.Cells[i] = Cell{
			Key:    binary.LittleEndian.Uint64(c[0:]),
			Offset: int64(binary.LittleEndian.Uint64(c[8:])),
			Size:   binary.LittleEndian.Uint64(c[16:]),
		}
	}
	return nil
}

// insertAt shifts cells [pos, n) right by one and stores c at pos.
func (p *Page) insertAt(pos int, c Cell) {
	copy(p.Cells[pos+1:p.NumCells+1], p.Cells[pos:p.NumCells])
	p.Cells[pos] = c
	p.NumCells++
}

// removeAt shifts cells after pos left by one and zeroes the freed slot.
func (p *Page) removeAt(pos int) Cell {
	c := p.Cells[pos]
	copy(p.Cells[pos:p.NumCells-1], p.Cells[pos+1:p.NumCells])
	p.NumCells--
	p.Cells[p.NumCells] = Cell{}
	return c
}

// upperBound returns the number of cells whose key is <= key.
func (p *Page) upperBound(key uint64) int {
	lo, hi := 0, p.NumCells
	for lo < hi {
		mid := lo + (hi-lo)/2
		if p.Cells[mid].Key <= key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// searchInternal returns the slot of the last cell whose key is <= key, or
// LeftMostSlot when key is below every cell and the descent continues through
// LeftMost.
func (p *Page) searchInternal(key uint64) (int, error) {
	if p.NumCells == 0 {
		return 0, apperr.New(apperr.CodeCorrupted, fmt.Sprintf("empty internal page at %d", p.Offset), nil)
	}
	if key < p.Cells[0].Key {
		return LeftMostSlot, nil
	}
	return p.upperBound(key) - 1, nil
}

// child returns the child offset selected by a searchInternal slot.
func (p *Page) child(slot int) (int64, error) {
	off := p.LeftMost
	if slot != LeftMostSlot {
		off = p.Cells[slot].Offset
	}
	if off == Null {
		return Null, apperr.New(apperr.CodeCorrupted, fmt.Sprintf("null child in slot %d of page %d", slot, p.Offset), nil)
	}
	return off, nil
}

// searchLeaf returns the slot holding the greatest key <= key and its cell.
// The slot is -1 when every key is greater or the page is empty. A hit is
// only distinguishable from an insertion point by comparing cell.Key.
func (p *Page) searchLeaf(key uint64) (int, Cell) {
	slot := p.upperBound(key) - 1
	if slot < 0 {
		return -1, Cell{}
	}
	return slot, p.Cells[slot]
}

// find reports the slot holding exactly key.
func (p *Page) find(key uint64) (int, bool) {
	slot, c := p.searchLeaf(key)
	return slot, slot >= 0 && c.Key == key
}
