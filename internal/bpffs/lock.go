//go:build linux

package bpffs

import (
	"path/filepath"

	"github.com/Nasty07/xdp-tools/errdefs"
	"github.com/gofrs/flock"
)

// lockFileName is the file flock(2) is taken on. It lives inside the
// xdpmux subdirectory rather than on the subdirectory itself so the
// directory's own mode bits aren't disturbed by lock contention and so
// the lock survives the subdirectory being otherwise empty.
const lockFileName = ".lock"

// Lock is a held exclusive advisory lock on the xdpmux bpffs
// subdirectory. It must be released with Unlock on every exit path.
type Lock struct {
	fl *flock.Flock
}

// Acquire blocks until it holds the exclusive advisory lock on the
// xdpmux subdirectory, creating the subdirectory first if needed. The
// lock is cooperative: it only excludes other holders that go through
// this same function, in this or another process.
func Acquire() (*Lock, error) {
	dir, err := Subdir()
	if err != nil {
		return nil, err
	}

	fl := flock.New(filepath.Join(dir, lockFileName))
	if err := fl.Lock(); err != nil {
		return nil, errdefs.Unknown(err)
	}
	return &Lock{fl: fl}, nil
}

// Unlock releases the lock and closes the underlying file descriptor.
// Safe to call once; callers should defer it immediately after Acquire
// succeeds.
func (l *Lock) Unlock() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
