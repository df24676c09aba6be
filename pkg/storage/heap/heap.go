// Package heap stores opaque records in the data file paired with an index.
//
// A record is addressed only by the Locator the heap hands out; the heap keeps
// no directory of live records. Two mutually incompatible layouts implement
// Heap: Flat, a raw byte stream, and Slotted, 4096-byte pages with an in-page
// slot directory.
package heap

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/huynhanx03/go-kvdb/pkg/common/apperr"
	"github.com/huynhanx03/go-kvdb/pkg/lock"
	"github.com/huynhanx03/go-kvdb/pkg/pool/byteslice"
)

// Format identifies a heap layout. The values are the ones recorded in the
// index header.
type Format uint8

const (
	Flat    Format = 1
	Slotted Format = 2
)

func (f Format) String() string {
	switch f {
	case Flat:
		return "flat"
	case Slotted:
		return "slotted"
	default:
		return "unknown"
	}
}

// ParseFormat maps a configuration name to a Format.
func ParseFormat(name string) (Format, error) {
	switch name {
	case "", "flat":
		return Flat, nil
	case "slotted":
		return Slotted, nil
	default:
		return 0, apperr.New(apperr.CodeInvalid, "unknown heap format "+name, nil)
	}
}

// Locator addresses one record: Size bytes starting at file offset Offset.
type Locator struct {
	Offset int64
	Size   uint64
}

func (l Locator) end() int64 { return l.Offset + int64(l.Size) }

// Heap is the record store behind the index.
type Heap interface {
	// Reserve claims space for a new record of size bytes.
	Reserve(size uint64) (Locator, error)
	// Relocate returns where a record currently at old goes when it grows or
	// shrinks to size bytes: old.Offset when it still fits, otherwise a fresh
	// reservation.
	Relocate(old Locator, size uint64) (Locator, error)
	Read(loc Locator) ([]byte, error)
	Write(loc Locator, data []byte) error
	// Replace moves a record from old to loc, which must come from
	// Relocate(old, len(data)). Space the record no longer uses is zeroed.
	Replace(old, loc Locator, data []byte) error
	// Erase zeroes a record. The space is never reused.
	Erase(loc Locator) error
	// End returns the current size of the data file.
	End() (int64, error)
	Format() Format
	Sync() error
	Close() error
}

// File is the subset of *os.File a heap needs.
type File interface {
	io.ReaderAt
	io.WriterAt
	Stat() (os.FileInfo, error)
	Fd() uintptr
	Sync() error
	Close() error
}

type Option func(*base)

// WithLogger sets the logger used for relocation events.
func WithLogger(l *zap.Logger) Option {
	return func(b *base) {
		if l != nil {
			b.log = l
		}
	}
}

// WithNoWait makes contended record locks fail with
// apperr.CodeLockContention instead of blocking.
func WithNoWait() Option {
	return func(b *base) { b.wait = false }
}

// New returns the heap implementation for format over f.
func New(f File, format Format, opts ...Option) (Heap, error) {
	switch format {
	case Flat:
		return NewFlat(f, opts...), nil
	case Slotted:
		return NewSlotted(f, opts...)
	default:
		return nil, apperr.New(apperr.CodeInvalid, "unknown heap format "+format.String(), nil)
	}
}

const component = "heap"

// zeroChunk bounds the buffer used to blank large extents.
const zeroChunk = 64 << 10

// base holds the file plumbing shared by both layouts. The pread and pwrite
// helpers take no lock; callers hold one over the region they touch, and
// never take a second lock overlapping it because releasing the inner one
// would release the outer one too.
type base struct {
	file File
	wait bool
	log  *zap.Logger
}

func newBase(f File, opts []Option) base {
	b := base{file: f, wait: true, log: zap.NewNop()}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

func (b *base) locked(mode lock.Mode, loc Locator, fn func() error) error {
	return lock.Do(b.file.Fd(), mode, loc.Offset, int64(loc.Size), b.wait, fn)
}

func (b *base) pread(buf []byte, off int64) error {
	n, err := b.file.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return ioFailure(errors.Wrapf(err, "read %d bytes at %d", len(buf), off), apperr.MsgReadFailed)
}

func (b *base) pwrite(buf []byte, off int64) error {
	n, err := b.file.WriteAt(buf, off)
	if err == nil && n < len(buf) {
		err = io.ErrShortWrite
	}
	return ioFailure(errors.Wrapf(err, "write %d bytes at %d", len(buf), off), apperr.MsgWriteFailed)
}

func ioFailure(err error, msg string) error {
	if err == nil {
		return nil
	}
	return apperr.MapError(component, err, msg)
}

// pzero writes n zero bytes at off.
func (b *base) pzero(off int64, n uint64) error {
	chunk := min(n, zeroChunk)
	buf := byteslice.GetZeroed(int(chunk))
	defer byteslice.Put(buf)

	for n > 0 {
		w := min(n, chunk)
		if err := b.pwrite(buf[:w], off); err != nil {
			return err
		}
		off += int64(w)
		n -= w
	}
	return nil
}

func (b *base) End() (int64, error) {
	fi, err := b.file.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "stat heap")
	}
	return fi.Size(), nil
}

func (b *base) Sync() error {
	return errors.Wrap(b.file.Sync(), "sync heap")
}

func (b *base) Close() error {
	return errors.Wrap(b.file.Close(), "close heap")
}

func checkSize(size uint64) error {
	if size == 0 {
		return apperr.New(apperr.CodeInvalid, "empty record", nil)
	}
	return nil
}

func checkData(loc Locator, data []byte) error {
	if uint64(len(data)) != loc.Size {
		return apperr.New(apperr.CodeInvalid, "record length does not match locator", nil)
	}
	return checkSize(loc.Size)
}
