package state

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// ErrLockHeld means another provider instance owns the state directory.
var ErrLockHeld = errors.New("state: process lock held by another instance")

// ProcessLock is the exclusive advisory lock on <statePath>/clawline.lock,
// held for the life of the process.
type ProcessLock struct {
	f *os.File
}

// AcquireProcessLock takes the lock non-blocking. Contention is fatal
// to startup: two providers over one state directory would corrupt the
// allowlist and race the writer queue.
func AcquireProcessLock(path string) (*ProcessLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("state: open process lock: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return nil, ErrLockHeld
		}
		return nil, fmt.Errorf("state: flock process lock: %w", err)
	}

	// Record our PID for operators; the flock is what actually guards.
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)

	return &ProcessLock{f: f}, nil
}

// Release drops the lock and closes the file.
func (l *ProcessLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
