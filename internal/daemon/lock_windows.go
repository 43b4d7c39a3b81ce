//go:build windows

// Exclusive daemon lock for Windows, the platform twin of lock_unix.go,
// using LockFileEx the way github.com/Microsoft/go-winio's own callers
// do for exclusive named-pipe-adjacent locks.
package daemon

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/windows"

	"github.com/fastn-stack/kulfi/internal/malaierr"
)

// Lock is a held exclusive lock on malai.lock; Release drops it.
type Lock struct {
	file *os.File
}

// AcquireLock opens (creating if needed) <malaiHome>/malai.lock and
// takes a non-blocking exclusive lock via LockFileEx.
func AcquireLock(malaiHome string) (*Lock, error) {
	path := malaiHome + "/malai.lock"
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("daemon: failed to open lock file %s: %w", path, err)
	}
	ol := new(syscall.Overlapped)
	err = windows.LockFileEx(windows.Handle(f.Fd()), windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, (*windows.Overlapped)(ol))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s", malaierr.ErrDaemonRunning, path)
	}
	return &Lock{file: f}, nil
}

// Release drops the lock and closes the file.
func (l *Lock) Release() error {
	ol := new(syscall.Overlapped)
	_ = windows.UnlockFileEx(windows.Handle(l.file.Fd()), 0, 1, 0, (*windows.Overlapped)(ol))
	return l.file.Close()
}
