package lock

import (
	"sort"
	"sync"

	"github.com/huynhanx03/go-kvdb/pkg/common/apperr"
)

// A process holds at most one fcntl lock per byte and unlocking a range
// drops it for every goroutine. table tracks the in-process holders of each
// fd so that goroutines conflict with each other like processes do, and so
// that a release only unlocks bytes no other holder still covers.
type table struct {
	mu   sync.Mutex
	cond *sync.Cond
	held map[*holder]struct{}
}

type holder struct {
	mode       Mode
	start, end int64
}

type span struct{ start, end int64 }

var (
	tablesMu sync.Mutex
	tables   = map[uintptr]*table{}
)

func tableFor(fd uintptr) *table {
	tablesMu.Lock()
	defer tablesMu.Unlock()
	t, ok := tables[fd]
	if !ok {
		t = &table{held: make(map[*holder]struct{})}
		t.cond = sync.NewCond(&t.mu)
		tables[fd] = t
	}
	return t
}

func (h *holder) conflicts(o *holder) bool {
	if h.start >= o.end || o.start >= h.end {
		return false
	}
	return h.mode == Exclusive || o.mode == Exclusive
}

func (t *table) blocked(h *holder) bool {
	for o := range t.held {
		if h.conflicts(o) {
			return true
		}
	}
	return false
}

// hold registers a holder for the region and then takes the fcntl lock. The
// table mutex is not held across a blocking fcntl call.
func (t *table) hold(fd uintptr, mode Mode, offset, length int64, wait bool) (*holder, error) {
	if length <= 0 {
		return nil, apperr.New(apperr.CodeInvalid, "lock length must be positive", nil)
	}
	h := &holder{mode: mode, start: offset, end: offset + length}

	t.mu.Lock()
	for t.blocked(h) {
		if !wait {
			t.mu.Unlock()
			return nil, apperr.New(apperr.CodeLockContention, mode.String()+" lock held in process", nil)
		}
		t.cond.Wait()
	}
	t.held[h] = struct{}{}
	t.mu.Unlock()

	if err := Acquire(fd, mode, offset, length, wait); err != nil {
		// Bytes shared with another holder stay locked for it.
		if uerr := t.release(fd, h); uerr != nil {
			return nil, uerr
		}
		return nil, err
	}
	return h, nil
}

// release drops h and unlocks the parts of its region nobody else holds.
// Unlocking happens under the table mutex so a concurrent hold cannot have
// its fresh lock dropped.
func (t *table) release(fd uintptr, h *holder) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	defer t.cond.Broadcast()

	delete(t.held, h)
	var err error
	for _, s := range t.uncovered(h.start, h.end) {
		if uerr := Unlock(fd, s.start, s.end-s.start); uerr != nil && err == nil {
			err = uerr
		}
	}
	return err
}

// uncovered returns the parts of [start, end) outside every held region.
func (t *table) uncovered(start, end int64) []span {
	var others []span
	for o := range t.held {
		if o.start < end && start < o.end {
			others = append(others, span{o.start, o.end})
		}
	}
	sort.Slice(others, func(i, j int) bool { return others[i].start < others[j].start })

	var out []span
	pos := start
	for _, o := range others {
		if o.start > pos {
			out = append(out, span{pos, min(o.start, end)})
		}
		pos = max(pos, o.end)
		if pos >= end {
			return out
		}
	}
	if pos < end {
		out = append(out, span{pos, end})
	}
	return out
}

// Hold takes a lock on the region that is also tracked against the other
// goroutines of this process. The returned func releases it.
func Hold(fd uintptr, mode Mode, offset, length int64, wait bool) (release func() error, err error) {
	t := tableFor(fd)
	h, err := t.hold(fd, mode, offset, length, wait)
	if err != nil {
		return nil, err
	}
	return func() error { return t.release(fd, h) }, nil
}
