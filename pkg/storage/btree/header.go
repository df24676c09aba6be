package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/huynhanx03/go-kvdb/pkg/common/apperr"
	"github.com/huynhanx03/go-kvdb/pkg/hash"
)

// Header is the file-level state of a tree. It is passed explicitly to every
// tree operation; operations that change it return the new value, which is
// persisted only after every page write it depends on has succeeded.
type Header struct {
	Order        int
	HeapFormat   HeapFormat
	Height       int
	NodeCount    uint64
	RootOffset   int64 // Null while the tree is a single bootstrap leaf
	LeftmostLeaf int64
}

// root returns the offset descents start from.
func (h *Header) root() int64 {
	if h.RootOffset == Null {
		return h.LeftmostLeaf
	}
	return h.RootOffset
}

// MarshalBinary encodes the header into HeaderSize bytes with a trailing checksum.
func (h *Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], Magic)
	binary.LittleEndian.PutUint16(buf[4:], Version)
	binary.LittleEndian.PutUint16(buf[6:], uint16(h.Order))
	binary.LittleEndian.PutUint32(buf[8:], PageSize)
	buf[12] = byte(h.HeapFormat)
	binary.LittleEndian.PutUint32(buf[16:], uint32(h.Height))
	binary.LittleEndian.PutUint64(buf[24:], h.NodeCount)
	binary.LittleEndian.PutUint64(buf[32:], uint64(h.RootOffset))
	binary.LittleEndian.PutUint64(buf[40:], uint64(h.LeftmostLeaf))
	binary.LittleEndian.PutUint64(buf[checksumOffset:], hash.Checksum(buf[:checksumOffset]))
	return buf, nil
}

// UnmarshalBinary decodes and validates a header.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) < HeaderSize {
		return apperr.New(apperr.CodeCorrupted, fmt.Sprintf("short header: %d bytes", len(buf)), nil)
	}
	if m := binary.LittleEndian.Uint32(buf[0:]); m != Magic {
		return apperr.New(apperr.CodeCorrupted, fmt.Sprintf("bad magic %#x", m), nil)
	}
	if v := binary.LittleEndian.Uint16(buf[4:]); v != Version {
		return apperr.New(apperr.CodeCorrupted, fmt.Sprintf("unsupported version %d", v), nil)
	}
	if ps := binary.LittleEndian.Uint32(buf[8:]); ps != PageSize {
		return apperr.New(apperr.CodeCorrupted, fmt.Sprintf("page size %d, want %d", ps, PageSize), nil)
	}
	if !hash.Valid(buf[:checksumOffset], binary.LittleEndian.Uint64(buf[checksumOffset:])) {
		return apperr.New(apperr.CodeCorrupted, "header checksum mismatch", nil)
	}

	*h = Header{
		Order:        int(binary.LittleEndian.Uint16(buf[6:])),
		HeapFormat:   HeapFormat(buf[12]),
		Height:       int(binary.LittleEndian.Uint32(buf[16:])),
		NodeCount:    binary.LittleEndian.Uint64(buf[24:]),
		RootOffset:   int64(binary.LittleEndian.Uint64(buf[32:])),
		LeftmostLeaf: int64(binary.LittleEndian.Uint64(buf[40:])),
	}
	if h.Order < MinOrder || h.Order > MaxCell {
		return apperr.New(apperr.CodeCorrupted, fmt.Sprintf("order %d out of range", h.Order), nil)
	}
	return nil
}
