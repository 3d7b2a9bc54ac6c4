// Package tracker implements the legacy number-tracker directory
// convention: an instrument's current scan number is encoded as the name
// of the highest-numbered "{n}.{extension}" file in a directory. The
// directory holds at most one live number file per extension plus a hidden
// lock file; external tooling may write into the directory directly, so
// the value read here is advisory input for reconciliation, not the sole
// authority.
package tracker

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Error wraps any filesystem failure from a tracker directory operation.
// The tracker performs no internal retries.
type Error struct {
	Dir string
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("tracker directory %s: %s: %v", e.Dir, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Dir is one instrument's tracker directory.
type Dir struct {
	path string
}

// New returns a tracker for the given directory. The directory is created
// on the first write operation, not here.
func New(path string) Dir {
	return Dir{path: path}
}

// Path returns the tracker directory path.
func (d Dir) Path() string { return d.path }

// Highest scans the directory's direct children and returns the largest
// non-negative integer stem among regular files with the given extension.
// Files that do not match the naming convention are ignored. A directory
// that does not exist yet reads as 0; any other read failure is an error,
// never silently treated as 0.
func (d Dir) Highest(extension string) (int64, error) {
	n, err := d.scanHighest(extension)
	if err != nil {
		return 0, &Error{Dir: d.path, Op: "read directory", Err: err}
	}
	return n, nil
}

func (d Dir) scanHighest(extension string) (int64, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	suffix := "." + extension
	var highest int64
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		stem, ok := strings.CutSuffix(entry.Name(), suffix)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(stem, 10, 64)
		if err != nil || n < 0 {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	return highest, nil
}

// AdvanceTo moves the tracker from n-1 to n: under an exclusive advisory
// lock it creates "{n}.{extension}" with a create-if-absent primitive, so
// two racing writers for the same number cannot both succeed, then
// best-effort removes the file for n-1. A missing previous file is not an
// error; the convention only needs the current file to exist.
func (d Dir) AdvanceTo(extension string, n int64) error {
	unlock, err := d.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if err := d.createNumberFile(extension, n); err != nil {
		return err
	}
	if n > 0 {
		_ = os.Remove(d.numberFile(extension, n-1))
	}
	return nil
}

// JumpTo moves the tracker directly to n, removing whatever file currently
// encodes the number. Intermediate numbers never materialize as files.
// Used for operator-driven synchronisation rather than allocation.
func (d Dir) JumpTo(extension string, n int64) error {
	unlock, err := d.lock()
	if err != nil {
		return err
	}
	defer unlock()

	current, err := d.scanHighest(extension)
	if err != nil {
		return &Error{Dir: d.path, Op: "read directory", Err: err}
	}
	if current == n {
		return nil
	}

	if err := d.createNumberFile(extension, n); err != nil {
		return err
	}
	_ = os.Remove(d.numberFile(extension, current))
	return nil
}

// lock creates the directory if needed and takes the exclusive advisory
// lock, returning the release function. The lock only excludes processes
// that also take it; uncooperative writers are tolerated by the max-merge
// reconciliation, not prevented here.
func (d Dir) lock() (func(), error) {
	if err := os.MkdirAll(d.path, 0755); err != nil {
		return nil, &Error{Dir: d.path, Op: "create directory", Err: err}
	}

	l := newDirLock(d.path)
	if err := l.Lock(); err != nil {
		return nil, &Error{Dir: d.path, Op: "acquire lock", Err: err}
	}
	return func() { _ = l.Unlock() }, nil
}

func (d Dir) numberFile(extension string, n int64) string {
	return filepath.Join(d.path, fmt.Sprintf("%d.%s", n, extension))
}

func (d Dir) createNumberFile(extension string, n int64) error {
	f, err := os.OpenFile(d.numberFile(extension, n), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return &Error{Dir: d.path, Op: fmt.Sprintf("create %d.%s", n, extension), Err: err}
	}
	return f.Close()
}
