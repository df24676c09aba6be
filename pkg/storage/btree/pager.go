package btree

import (
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/huynhanx03/go-kvdb/pkg/common/apperr"
	"github.com/huynhanx03/go-kvdb/pkg/lock"
	"github.com/huynhanx03/go-kvdb/pkg/pool/byteslice"
)

// File is the subset of *os.File the tree needs. Tests wrap it to inject faults.
type File interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
	Stat() (os.FileInfo, error)
	Fd() uintptr
	Sync() error
	Close() error
}

const component = "btree"

// pager moves pages and the header between memory and the index file. Every
// call is its own critical section: lock, one I/O, unlock.
type pager struct {
	file File
	wait bool
}

func (p *pager) readAt(buf []byte, off int64) error {
	return lock.Do(p.file.Fd(), lock.Shared, off, int64(len(buf)), p.wait, func() error {
		n, err := p.file.ReadAt(buf, off)
		if n == len(buf) {
			return nil
		}
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return ioFailure(errors.Wrapf(err, "read %d bytes at %d", len(buf), off), apperr.MsgReadFailed)
	})
}

func (p *pager) writeAt(buf []byte, off int64) error {
	return lock.Do(p.file.Fd(), lock.Exclusive, off, int64(len(buf)), p.wait, func() error {
		n, err := p.file.WriteAt(buf, off)
		if err == nil && n < len(buf) {
			err = io.ErrShortWrite
		}
		return ioFailure(errors.Wrapf(err, "write %d bytes at %d", len(buf), off), apperr.MsgWriteFailed)
	})
}

func (p *pager) readPage(off int64) (*Page, error) {
	if off < HeaderSize {
		return nil, apperr.New(apperr.CodeCorrupted, "page offset inside header", nil)
	}
	buf := byteslice.Get(PageSize)
	defer byteslice.Put(buf)

	if err := p.readAt(buf, off); err != nil {
		return nil, errors.Wrap(err, "load page")
	}
	pg := new(Page)
	if err := pg.UnmarshalBinary(buf); err != nil {
		return nil, errors.Wrapf(err, "decode page at %d", off)
	}
	if pg.Offset != off {
		return nil, apperr.New(apperr.CodeCorrupted, "page self offset mismatch", nil)
	}
	return pg, nil
}

func (p *pager) writePage(pg *Page) error {
	buf := byteslice.Get(PageSize)
	defer byteslice.Put(buf)

	pg.encode(buf)
	return errors.Wrapf(p.writeAt(buf, pg.Offset), "dump %s", pg)
}

func (p *pager) readHeader() (*Header, error) {
	buf := make([]byte, HeaderSize)
	if err := p.readAt(buf, 0); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, apperr.New(apperr.CodeCorrupted, "short header", err)
		}
		return nil, errors.Wrap(err, "load header")
	}
	h := new(Header)
	if err := h.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	return h, nil
}

func (p *pager) writeHeader(h *Header) error {
	buf, _ := h.MarshalBinary()
	return errors.Wrap(p.writeAt(buf, 0), "dump header")
}

// size returns the current end of the index file.
func (p *pager) size() (int64, error) {
	fi, err := p.file.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "stat index")
	}
	return fi.Size(), nil
}

func (p *pager) truncate(size int64) error {
	return ioFailure(errors.Wrapf(p.file.Truncate(size), "truncate index to %d", size), apperr.MsgTruncateFailed)
}

func ioFailure(err error, msg string) error {
	if err == nil {
		return nil
	}
	return apperr.MapError(component, err, msg)
}
