package tracker

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// lockFileName is the hidden lock file kept inside each tracker directory.
// It is never parsed as a number file.
const lockFileName = ".scantrack.lock"

// dirLock is an advisory flock over a tracker directory, held via a file
// inside the directory itself so cooperating processes on the same host
// serialise their writes.
type dirLock struct {
	path string
	file *os.File
}

func newDirLock(dir string) *dirLock {
	return &dirLock{path: filepath.Join(dir, lockFileName)}
}

// Lock blocks until the exclusive lock is held.
func (l *dirLock) Lock() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	l.file = f
	return nil
}

// Unlock releases the lock and closes the lock file. The file itself is
// left in place for the next writer.
func (l *dirLock) Unlock() error {
	if l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("failed to close lock file: %w", err)
	}
	return nil
}
