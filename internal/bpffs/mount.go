//go:build linux

// Package bpffs resolves and prepares the bpffs mount that xdpmux uses as
// its pinning registry, and provides the cross-process advisory lock that
// guards it.
package bpffs

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/Nasty07/xdp-tools/errdefs"
	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// EnvOverride is the environment variable that, when set, picks the bpffs
// mount point instead of probing the filesystem.
const EnvOverride = "XDP_BPFFS"

// DefaultMount is the well-known bpffs mount location consulted when
// EnvOverride is unset.
const DefaultMount = "/sys/fs/bpf"

// SubdirName is the xdpmux-owned subdirectory created under the resolved
// bpffs mount.
const SubdirName = "xdp"

// bpfFSMagic is the f_type value statfs(2) reports for bpffs
// (BPF_FS_MAGIC in linux/magic.h).
const bpfFSMagic = 0xcafe4a11

var (
	mu        sync.Mutex
	cachedDir string
	cachedErr error
	resolved  bool
)

// ResetCache clears the process-wide mount-point cache. It exists only so
// tests can exercise resolution more than once per process; production
// callers never need it.
func ResetCache() {
	mu.Lock()
	defer mu.Unlock()
	resolved = false
	cachedDir = ""
	cachedErr = nil
}

// Subdir resolves the bpffs mount point (caching the first successful
// answer for the life of the process) and ensures the xdpmux-owned
// subdirectory exists under it with owner-only rwx permissions.
func Subdir() (string, error) {
	mu.Lock()
	defer mu.Unlock()

	if resolved {
		return cachedDir, cachedErr
	}

	mount, err := locateMount()
	if err != nil {
		return "", err
	}

	dir := filepath.Join(mount, SubdirName)
	if err := os.Mkdir(dir, 0o700); err != nil && !os.IsExist(err) {
		return "", mapMkdirErr(err)
	}

	cachedDir = dir
	cachedErr = nil
	resolved = true
	return dir, nil
}

// locateMount finds the bpffs mount point: the environment override if
// set, else the well-known default if it checks out, else the first bpf
// filesystem discovered in the mount table.
func locateMount() (string, error) {
	if p := os.Getenv(EnvOverride); p != "" {
		if err := checkBPFFS(p); err != nil {
			return "", err
		}
		return p, nil
	}

	if err := checkBPFFS(DefaultMount); err == nil {
		return DefaultMount, nil
	}

	mounts, err := mountinfo.GetMounts(mountinfo.FSTypeFilter("bpf"))
	if err != nil {
		return "", errdefs.Unknown(err)
	}
	if len(mounts) == 0 {
		return "", errdefs.NotFound(errNoBPFFS)
	}
	return mounts[0].Mountpoint, nil
}

// checkBPFFS verifies that path is mounted with the bpffs magic number.
func checkBPFFS(path string) error {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		switch err {
		case unix.ENOENT:
			return errdefs.NotFound(err)
		case unix.EACCES, unix.EPERM:
			return errdefs.Forbidden(err)
		default:
			return errdefs.Unknown(err)
		}
	}
	if int64(st.Type) != bpfFSMagic {
		return errdefs.NotFound(errNotBPFFS)
	}
	return nil
}

func mapMkdirErr(err error) error {
	switch {
	case os.IsPermission(err):
		return errdefs.Forbidden(err)
	case os.IsNotExist(err):
		return errdefs.NotFound(err)
	default:
		return errdefs.Unknown(err)
	}
}
