//go:build !windows

// Exclusive daemon lock via flock(2), the Unix half of the
// acquire-or-detect-already-running step (spec.md §4.4 step 2),
// grounded on original_source/malai/src/daemon.rs's
// lock_file.try_lock() (std::fs::File + fs2-style advisory lock).
package daemon

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/fastn-stack/kulfi/internal/malaierr"
)

// Lock is a held advisory lock on malai.lock; Release drops it.
type Lock struct {
	file *os.File
}

// AcquireLock opens (creating if needed) <malaiHome>/malai.lock and
// takes a non-blocking exclusive flock on it. It returns
// malaierr.ErrDaemonRunning, not a generic error, when another process
// already holds it -- callers print a message and exit 0, matching the
// original's non-fatal "already running" path.
func AcquireLock(malaiHome string) (*Lock, error) {
	path := malaiHome + "/malai.lock"
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("daemon: failed to open lock file %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s", malaierr.ErrDaemonRunning, path)
	}
	return &Lock{file: f}, nil
}

// Release drops the lock and closes the file.
func (l *Lock) Release() error {
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	return l.file.Close()
}
