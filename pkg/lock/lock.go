// Package lock wraps POSIX advisory byte-range locks (fcntl F_SETLK / F_SETLKW).
//
// Locks are advisory and owned by the process. Region and the functions built
// on it exclude other processes only. Hold and Do also track holders within
// the process, so goroutines using them exclude each other the same way.
package lock

import (
	"io"

	"golang.org/x/sys/unix"

	"github.com/huynhanx03/go-kvdb/pkg/common/apperr"
)

// Mode selects a shared or an exclusive lock.
type Mode int16

const (
	Shared    Mode = unix.F_RDLCK
	Exclusive Mode = unix.F_WRLCK
	unlocked  Mode = unix.F_UNLCK
)

func (m Mode) String() string {
	switch m {
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	default:
		return "unlock"
	}
}

// ErrWouldBlock is matched (via errors.Is) by the error a non-blocking
// acquire returns when a conflicting lock is held elsewhere.
var ErrWouldBlock = apperr.ErrLockContention

// Region applies cmd to [offset, offset+length) of fd.
func Region(fd uintptr, cmd int, mode Mode, offset, length int64) error {
	if length <= 0 {
		// fcntl treats zero length as "up to end of file and beyond".
		return apperr.New(apperr.CodeInvalid, "lock length must be positive", nil)
	}
	lk := unix.Flock_t{
		Type:   int16(mode),
		Whence: io.SeekStart,
		Start:  offset,
		Len:    length,
	}
	for {
		err := unix.FcntlFlock(fd, cmd, &lk)
		switch err {
		case nil:
			return nil
		case unix.EINTR:
			continue
		case unix.EAGAIN, unix.EACCES:
			return apperr.New(apperr.CodeLockContention, mode.String()+" lock busy", err)
		default:
			return apperr.New(apperr.CodeIO, apperr.MsgLockFailed, err)
		}
	}
}

// ReadLock tries to take a shared lock without waiting.
func ReadLock(fd uintptr, offset, length int64) error {
	return Region(fd, unix.F_SETLK, Shared, offset, length)
}

// ReadLockWait takes a shared lock, blocking until it is granted.
func ReadLockWait(fd uintptr, offset, length int64) error {
	return Region(fd, unix.F_SETLKW, Shared, offset, length)
}

// WriteLock tries to take an exclusive lock without waiting.
func WriteLock(fd uintptr, offset, length int64) error {
	return Region(fd, unix.F_SETLK, Exclusive, offset, length)
}

// WriteLockWait takes an exclusive lock, blocking until it is granted.
func WriteLockWait(fd uintptr, offset, length int64) error {
	return Region(fd, unix.F_SETLKW, Exclusive, offset, length)
}

// Unlock releases any lock this process holds on the region.
func Unlock(fd uintptr, offset, length int64) error {
	return Region(fd, unix.F_SETLK, unlocked, offset, length)
}

// Acquire takes a lock in the given mode, waiting or not. It is not tracked
// against other goroutines; use Hold for that.
func Acquire(fd uintptr, mode Mode, offset, length int64, wait bool) error {
	cmd := unix.F_SETLK
	if wait {
		cmd = unix.F_SETLKW
	}
	return Region(fd, cmd, mode, offset, length)
}

// Do runs fn while holding a lock on the region, tracked with Hold so that
// goroutines sharing fd do not release each other's locks. The lock is
// released before Do returns; a release failure is reported only if fn
// succeeded.
func Do(fd uintptr, mode Mode, offset, length int64, wait bool, fn func() error) (err error) {
	release, err := Hold(fd, mode, offset, length, wait)
	if err != nil {
		return err
	}
	defer func() {
		if uerr := release(); uerr != nil && err == nil {
			err = uerr
		}
	}()
	return fn()
}
