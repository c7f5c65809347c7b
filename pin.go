//go:build linux

package xdpmux

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Nasty07/xdp-tools/errdefs"
	"github.com/Nasty07/xdp-tools/internal/bpffs"
)

// pinDirPrefix names a composed dispatcher's pin directory, suffixed
// with its kernel program ID: dispatch-<id>.
const pinDirPrefix = "dispatch-"

// versionMarker is written into a dispatcher's pin directory once every
// slot link is pinned, so a concurrent orphan scan can tell a
// fully-pinned directory from one a crashed writer left half-built.
const versionMarker = ".version"

// currentVersion is written verbatim into versionMarker; it exists so a
// future incompatible on-disk layout can detect and refuse an old one.
const currentVersion = "1"

// Pin persists composite's dispatcher and every component link under the
// bpffs pin registry, so a later process can recover them by ID via
// LoadAttached without re-composing. It acquires the cross-process lock
// for the duration of the write, and unwinds everything it created if
// any step fails.
func Pin(composite *Composite) (path string, err error) {
	lock, err := bpffs.Acquire()
	if err != nil {
		return "", err
	}
	defer lock.Unlock()

	id, err := composite.ID()
	if err != nil {
		return "", err
	}

	root, err := bpffs.Subdir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(root, pinDirPrefix+strconv.FormatUint(uint64(id), 10))

	if err := os.Mkdir(dir, 0o700); err != nil && !os.IsExist(err) {
		return "", errdefs.Unknown(fmt.Errorf("xdpmux: creating pin directory %s: %w", dir, err))
	}

	defer func() {
		if err != nil {
			_ = os.RemoveAll(dir)
		}
	}()

	dispPath := filepath.Join(dir, "dispatcher")
	if perr := composite.Dispatcher.Pin(dispPath); perr != nil {
		return "", errdefs.Unknown(fmt.Errorf("xdpmux: pinning dispatcher: %w", perr))
	}

	for i, p := range composite.Programs {
		if p.ln == nil {
			return "", errdefs.InvalidParameter(fmt.Errorf("xdpmux: program %q was not composed into a dispatcher", p.name))
		}
		linkPath := filepath.Join(dir, fmt.Sprintf("link-prog%d", i))
		if perr := p.ln.Pin(linkPath); perr != nil {
			return "", errdefs.Unknown(fmt.Errorf("xdpmux: pinning link for %q: %w", p.name, perr))
		}
		p.pinPath = linkPath
	}

	if werr := os.WriteFile(filepath.Join(dir, versionMarker), []byte(currentVersion), 0o600); werr != nil {
		return "", errdefs.Unknown(fmt.Errorf("xdpmux: writing version marker: %w", werr))
	}

	logger.WithField("dir", dir).WithField("dispatcher_id", id).Debug("xdpmux: pinned dispatcher")
	return dir, nil
}

// Unpin removes a composite's pin directory and every pin beneath it.
// id is the dispatcher's kernel program ID, as returned by
// Composite.ID. Unpin returns errdefs.ErrNotFound if no pin directory
// exists for id, including on a second call for an id already unpinned.
func Unpin(id uint32) error {
	lock, err := bpffs.Acquire()
	if err != nil {
		return err
	}
	defer lock.Unlock()

	root, err := bpffs.Subdir()
	if err != nil {
		return err
	}
	dir := filepath.Join(root, pinDirPrefix+strconv.FormatUint(uint64(id), 10))

	if _, serr := os.Stat(dir); serr != nil {
		if os.IsNotExist(serr) {
			return errdefs.NotFound(fmt.Errorf("xdpmux: no pin directory for dispatcher %d: %w", id, serr))
		}
		return errdefs.Unknown(serr)
	}

	if err := os.RemoveAll(dir); err != nil {
		return errdefs.Unknown(fmt.Errorf("xdpmux: removing pin directory %s: %w", dir, err))
	}
	logger.WithField("dir", dir).WithField("dispatcher_id", id).Debug("xdpmux: unpinned dispatcher")
	return nil
}

// ScanOrphans returns the dispatcher IDs of every pin directory under
// the registry that lacks a version marker, meaning a previous Pin call
// was interrupted before it finished. Callers typically pass each
// returned ID to Unpin to reclaim the space. ScanOrphans acquires the
// cross-process lock so it never races a concurrent Pin or Unpin.
func ScanOrphans() ([]uint32, error) {
	lock, err := bpffs.Acquire()
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	root, err := bpffs.Subdir()
	if err != nil {
		return nil, err
	}

	entries, rerr := os.ReadDir(root)
	if rerr != nil {
		return nil, errdefs.Unknown(fmt.Errorf("xdpmux: scanning pin registry: %w", rerr))
	}

	var orphans []uint32
	for _, ent := range entries {
		if !ent.IsDir() || !strings.HasPrefix(ent.Name(), pinDirPrefix) {
			continue
		}
		idStr := strings.TrimPrefix(ent.Name(), pinDirPrefix)
		id, perr := strconv.ParseUint(idStr, 10, 32)
		if perr != nil {
			continue
		}
		if _, serr := os.Stat(filepath.Join(root, ent.Name(), versionMarker)); os.IsNotExist(serr) {
			orphans = append(orphans, uint32(id))
		}
	}
	return orphans, nil
}
