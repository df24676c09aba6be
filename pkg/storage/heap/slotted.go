package heap

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/huynhanx03/go-kvdb/pkg/common/apperr"
	"github.com/huynhanx03/go-kvdb/pkg/lock"
	"github.com/huynhanx03/go-kvdb/pkg/pool/byteslice"
)

const (
	PageSize = 4096

	// Page layout: numSlots(2) tail(2) reserved(4) | slots... -> free <- tuples
	// slot: offset(2) length(2); length 0 marks a dead slot.
	slotHeaderSize = 8
	slotSize       = 4

	// MaxSlottedRecord is the largest record a single page can hold.
	MaxSlottedRecord = PageSize - slotHeaderSize - slotSize
)

// SlottedHeap stores records in fixed-size pages. Each page keeps a slot
// directory growing up from its header and tuples growing down from the page
// end. A Locator's Offset is the absolute file offset of the tuple, so the
// owning page is Offset rounded down to PageSize.
type SlottedHeap struct {
	base
}

var _ Heap = (*SlottedHeap)(nil)

// NewSlotted wraps f, which must be empty or a whole number of pages.
func NewSlotted(f File, opts ...Option) (*SlottedHeap, error) {
	h := &SlottedHeap{base: newBase(f, opts)}
	end, err := h.End()
	if err != nil {
		return nil, err
	}
	if end%PageSize != 0 {
		return nil, apperr.New(apperr.CodeCorrupted, fmt.Sprintf("slotted heap size %d is not page aligned", end), nil)
	}
	return h, nil
}

func (h *SlottedHeap) Format() Format { return Slotted }

type slottedPage []byte

func (p slottedPage) numSlots() int { return int(binary.LittleEndian.Uint16(p[0:])) }

func (p slottedPage) tail() int {
	if t := int(binary.LittleEndian.Uint16(p[2:])); t != 0 {
		return t
	}
	return PageSize
}

func (p slottedPage) slot(i int) (off, n int) {
	s := p[slotHeaderSize+i*slotSize:]
	return int(binary.LittleEndian.Uint16(s[0:])), int(binary.LittleEndian.Uint16(s[2:]))
}

func (p slottedPage) setSlot(i, off, n int) {
	s := p[slotHeaderSize+i*slotSize:]
	binary.LittleEndian.PutUint16(s[0:], uint16(off))
	binary.LittleEndian.PutUint16(s[2:], uint16(n))
}

func (p slottedPage) free() int {
	return p.tail() - (slotHeaderSize + p.numSlots()*slotSize)
}

// claim appends a slot for size bytes below the current tail.
func (p slottedPage) claim(size int) int {
	i := p.numSlots()
	off := p.tail() - size
	p.setSlot(i, off, size)
	binary.LittleEndian.PutUint16(p[0:], uint16(i+1))
	binary.LittleEndian.PutUint16(p[2:], uint16(off))
	return off
}

// lookup finds the live slot whose tuple starts at off.
func (p slottedPage) lookup(off int) (int, int, bool) {
	for i := 0; i < p.numSlots(); i++ {
		if o, n := p.slot(i); o == off && n > 0 {
			return i, n, true
		}
	}
	return 0, 0, false
}

func pageOf(off int64) int64 { return off - off%PageSize }

// update runs fn on the page at pageOff under an exclusive page lock and
// writes the page back when fn succeeds. A page at or past end of file
// starts out empty.
func (h *SlottedHeap) update(pageOff int64, fn func(slottedPage) error) error {
	region := Locator{Offset: pageOff, Size: PageSize}
	return h.locked(lock.Exclusive, region, func() error {
		buf := byteslice.GetZeroed(PageSize)
		defer byteslice.Put(buf)

		end, err := h.End()
		if err != nil {
			return err
		}
		if pageOff < end {
			if err := h.pread(buf, pageOff); err != nil {
				return err
			}
		}
		pg := slottedPage(buf)
		if err := fn(pg); err != nil {
			return err
		}
		return h.pwrite(buf, pageOff)
	})
}

// Reserve claims a slot in the last page, or in a new page appended to the
// file. The tuple bytes stay zero until Write.
func (h *SlottedHeap) Reserve(size uint64) (Locator, error) {
	if err := checkSize(size); err != nil {
		return Locator{}, err
	}
	if size > MaxSlottedRecord {
		return Locator{}, apperr.New(apperr.CodeInvalid, fmt.Sprintf("record of %d bytes exceeds slotted page capacity %d", size, MaxSlottedRecord), nil)
	}
	end, err := h.End()
	if err != nil {
		return Locator{}, err
	}

	if end > 0 {
		last := end - PageSize
		var loc Locator
		err := h.update(last, func(pg slottedPage) error {
			if pg.free() < int(size)+slotSize {
				return errPageFull
			}
			loc = Locator{Offset: last + int64(pg.claim(int(size))), Size: size}
			return nil
		})
		if err == nil {
			return loc, nil
		}
		if err != errPageFull {
			return Locator{}, err
		}
	}

	var loc Locator
	err = h.update(end, func(pg slottedPage) error {
		loc = Locator{Offset: end + int64(pg.claim(int(size))), Size: size}
		return nil
	})
	if err != nil {
		return Locator{}, err
	}
	h.log.Debug("heap page appended", zap.Int64("page", end))
	return loc, nil
}

var errPageFull = apperr.New(apperr.CodeInvalid, "slotted page full", nil)

func (h *SlottedHeap) Relocate(old Locator, size uint64) (Locator, error) {
	if err := checkSize(size); err != nil {
		return Locator{}, err
	}
	if size <= old.Size {
		return Locator{Offset: old.Offset, Size: size}, nil
	}
	return h.Reserve(size)
}

func (h *SlottedHeap) checkExtent(loc Locator) error {
	if err := checkSize(loc.Size); err != nil {
		return err
	}
	if loc.Offset%PageSize < slotHeaderSize || pageOf(loc.end()-1) != pageOf(loc.Offset) {
		return apperr.New(apperr.CodeInvalid, fmt.Sprintf("locator %d+%d is not inside one slotted page", loc.Offset, loc.Size), nil)
	}
	return nil
}

func (h *SlottedHeap) Read(loc Locator) ([]byte, error) {
	if err := h.checkExtent(loc); err != nil {
		return nil, err
	}
	buf := make([]byte, loc.Size)
	err := h.locked(lock.Shared, loc, func() error {
		return h.pread(buf, loc.Offset)
	})
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func (h *SlottedHeap) Write(loc Locator, data []byte) error {
	if err := checkData(loc, data); err != nil {
		return err
	}
	if err := h.checkExtent(loc); err != nil {
		return err
	}
	return h.locked(lock.Exclusive, loc, func() error {
		return h.pwrite(data, loc.Offset)
	})
}

// Replace shrinks the slot in place when loc starts at old. Otherwise the
// old slot is erased and data written to the slot loc was reserved in.
func (h *SlottedHeap) Replace(old, loc Locator, data []byte) error {
	if err := checkData(loc, data); err != nil {
		return err
	}
	if loc.Offset != old.Offset || loc.Size > old.Size {
		if err := h.Erase(old); err != nil {
			return err
		}
		h.log.Debug("record relocated",
			zap.Int64("from", old.Offset),
			zap.Int64("to", loc.Offset),
			zap.Uint64("size", loc.Size),
		)
		return h.Write(loc, data)
	}

	if err := h.checkExtent(old); err != nil {
		return err
	}
	page := pageOf(old.Offset)
	return h.update(page, func(pg slottedPage) error {
		off := int(old.Offset - page)
		i, n, ok := pg.lookup(off)
		if !ok {
			return noTuple(old)
		}
		copy(pg[off:off+n], data)
		clear(pg[off+len(data) : off+n])
		pg.setSlot(i, off, len(data))
		return nil
	})
}

// Erase zeroes the tuple and marks its slot dead. Dead slots and their space
// are never reused.
func (h *SlottedHeap) Erase(loc Locator) error {
	if err := h.checkExtent(loc); err != nil {
		return err
	}
	page := pageOf(loc.Offset)
	return h.update(page, func(pg slottedPage) error {
		off := int(loc.Offset - page)
		i, n, ok := pg.lookup(off)
		if !ok {
			return noTuple(loc)
		}
		clear(pg[off : off+n])
		pg.setSlot(i, off, 0)
		return nil
	})
}

func noTuple(loc Locator) error {
	return apperr.New(apperr.CodeNotFound, fmt.Sprintf("no live tuple at %d", loc.Offset), nil)
}
