package heap

import (
	"go.uber.org/zap"

	"github.com/huynhanx03/go-kvdb/pkg/lock"
)

// FlatHeap stores records back to back in a headerless byte stream. New
// records are appended; a record that grows moves to the end of the file and
// leaves a zeroed hole behind.
type FlatHeap struct {
	base
}

var _ Heap = (*FlatHeap)(nil)

func NewFlat(f File, opts ...Option) *FlatHeap {
	return &FlatHeap{base: newBase(f, opts)}
}

func (h *FlatHeap) Format() Format { return Flat }

// Reserve returns the extent of size bytes at the current end of file. The
// file grows only when the record is written.
func (h *FlatHeap) Reserve(size uint64) (Locator, error) {
	if err := checkSize(size); err != nil {
		return Locator{}, err
	}
	end, err := h.End()
	if err != nil {
		return Locator{}, err
	}
	return Locator{Offset: end, Size: size}, nil
}

func (h *FlatHeap) Relocate(old Locator, size uint64) (Locator, error) {
	if err := checkSize(size); err != nil {
		return Locator{}, err
	}
	if size <= old.Size {
		return Locator{Offset: old.Offset, Size: size}, nil
	}
	return h.Reserve(size)
}

func (h *FlatHeap) Read(loc Locator) ([]byte, error) {
	if err := checkSize(loc.Size); err != nil {
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

func (h *FlatHeap) Write(loc Locator, data []byte) error {
	if err := checkData(loc, data); err != nil {
		return err
	}
	return h.locked(lock.Exclusive, loc, func() error {
		return h.pwrite(data, loc.Offset)
	})
}

// Replace overwrites in place when loc starts at old, zeroing the old tail.
// Otherwise the whole old extent is zeroed and data written at loc.
func (h *FlatHeap) Replace(old, loc Locator, data []byte) error {
	if err := checkData(loc, data); err != nil {
		return err
	}
	if loc.Offset == old.Offset && loc.Size <= old.Size {
		return h.locked(lock.Exclusive, old, func() error {
			if err := h.pwrite(data, old.Offset); err != nil {
				return err
			}
			if tail := old.Size - loc.Size; tail > 0 {
				return h.pzero(loc.end(), tail)
			}
			return nil
		})
	}

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

func (h *FlatHeap) Erase(loc Locator) error {
	if err := checkSize(loc.Size); err != nil {
		return err
	}
	return h.locked(lock.Exclusive, loc, func() error {
		return h.pzero(loc.Offset, loc.Size)
	})
}
