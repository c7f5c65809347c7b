//go:build linux

package xdpmux

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Nasty07/xdp-tools/errdefs"
	"github.com/Nasty07/xdp-tools/internal/bpffs"
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/vishvananda/netlink"
)

// Mode selects which of the kernel's three XDP attach paths to use.
type Mode int

const (
	// ModeUnspec lets the kernel and driver pick; on most NICs this falls
	// back to ModeSKB.
	ModeUnspec Mode = iota
	// ModeSKB is the generic, driver-independent XDP path.
	ModeSKB
	// ModeNative requires driver support and runs earliest in the receive
	// path.
	ModeNative
	// ModeHW offloads to hardware that exposes it; rarely available.
	ModeHW
)

func (m Mode) String() string {
	switch m {
	case ModeSKB:
		return "skb"
	case ModeNative:
		return "native"
	case ModeHW:
		return "hw"
	default:
		return "unspec"
	}
}

func (m Mode) flag() uint32 {
	switch m {
	case ModeSKB:
		return netlink.XDP_FLAGS_SKB_MODE
	case ModeNative:
		return netlink.XDP_FLAGS_DRV_MODE
	case ModeHW:
		return netlink.XDP_FLAGS_HW_MODE
	default:
		return 0
	}
}

// Attach implements the full attach algorithm: a single handle is
// loaded (if not already) and attached directly, with no dispatcher and
// no pinning; more than one handle is sorted, composed into a
// dispatcher (see Compose), and pinned (see Pin) before being attached.
// Unless force is set, the attach fails with errdefs.ErrConflict if
// ifindex already carries an XDP program in any mode - mirroring the
// kernel's own "update if no program attached" semantics (scenario S3).
// When force is set and a program is attached in a different mode than
// requested, Attach detaches the existing one first and retries once.
//
// On any failure, Attach unwinds everything it composed and pinned, so a
// failed call leaves no dispatcher state behind.
func Attach(progs []*Program, ifindex int, mode Mode, force bool, opts ...Option) (composite *Composite, err error) {
	o := newOptions(opts)

	if len(progs) == 0 {
		return nil, errdefs.InvalidParameter(errors.New("xdpmux: no programs to attach"))
	}

	var pin bool
	if len(progs) == 1 {
		composite, err = attachSingle(progs[0])
	} else {
		composite, err = Compose(progs, opts...)
		pin = true
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = composite.Close()
		}
	}()

	link_, lerr := netlink.LinkByIndex(ifindex)
	if lerr != nil {
		return nil, mapNetlinkErr(lerr)
	}

	flags := mode.flag()
	if !force {
		flags |= netlink.XDP_FLAGS_UPDATE_IF_NOEXIST
	}

	fd := composite.Dispatcher.FD()
	aerr := netlink.LinkSetXdpFdWithFlags(link_, fd, int(flags))
	if aerr != nil && force && (isBusyAttach(aerr) || strings.Contains(aerr.Error(), "file exists")) {
		o.log.WithField("ifindex", ifindex).Debug("xdpmux: existing XDP attachment in the way, detaching before retry")
		if derr := detachAnyMode(link_, mode); derr != nil {
			return nil, derr
		}
		aerr = netlink.LinkSetXdpFdWithFlags(link_, fd, int(flags))
	}
	if aerr != nil {
		err = mapNetlinkErr(aerr)
		switch {
		case errdefs.IsConflict(err) && !force:
			err = fmt.Errorf("%w (an XDP program is already attached; set force to replace it)", err)
		case strings.Contains(aerr.Error(), "not supported"):
			err = errdefs.NotImplemented(fmt.Errorf("%w (attach mode %s is not supported here; try ModeSKB)", aerr, mode))
		}
		return nil, err
	}
	o.log.WithField("ifindex", ifindex).WithField("mode", mode).WithField("programs", len(progs)).Info("xdpmux: attached")

	defer func() {
		if err != nil {
			_ = netlink.LinkSetXdpFdWithFlags(link_, -1, int(flags))
		}
	}()

	if pin {
		if _, perr := Pin(composite); perr != nil {
			return nil, perr
		}
	}

	return composite, nil
}

// attachSingle loads a lone handle directly (if it isn't already) and
// wraps it in a Composite so the rest of Attach can treat it uniformly
// with the multi-program path, without ever synthesizing a dispatcher.
func attachSingle(p *Program) (*Composite, error) {
	if !p.Loaded() {
		if p.spec == nil {
			return nil, errdefs.InvalidParameter(fmt.Errorf("xdpmux: program %q has neither a loaded descriptor nor a loadable spec", p.name))
		}
		prog, err := ebpf.NewProgramWithOptions(p.spec, ebpf.ProgramOptions{})
		if err != nil {
			return nil, errdefs.InvalidParameter(fmt.Errorf("xdpmux: loading %q: %w", p.name, err))
		}
		p.prog = prog
	}
	return &Composite{Dispatcher: p.prog, Programs: []*Program{p}}, nil
}

// Detach removes whatever XDP program is attached to ifindex in mode
// (ModeUnspec matches any mode) and, if it was a dispatcher this library
// pinned, removes its pin directory too. Detaching an interface with no
// attached program is not an error.
func Detach(ifindex int, mode Mode, opts ...Option) error {
	o := newOptions(opts)

	link_, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return mapNetlinkErr(err)
	}

	attrs := link_.Attrs()
	if attrs.Xdp == nil || !attrs.Xdp.Attached {
		return nil
	}
	id := uint32(attrs.Xdp.ProgId)

	if err := netlink.LinkSetXdpFdWithFlags(link_, -1, int(mode.flag())); err != nil {
		return mapNetlinkErr(err)
	}
	o.log.WithField("ifindex", ifindex).WithField("dispatcher_id", id).Info("xdpmux: detached dispatcher")

	if err := Unpin(id); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

// detachAnyMode clears a program of the opposite type from link_ before a
// forced retry. A plain remove call needs a mode bit that names what's
// already attached, not what we're about to attach, so it uses the
// opposite of the mode the caller requested: a program of that type is
// the only thing LinkSetXdpFdWithFlags could have rejected as EEXIST.
func detachAnyMode(link_ netlink.Link, mode Mode) error {
	if err := netlink.LinkSetXdpFdWithFlags(link_, -1, int(oppositeModeFlag(mode))); err != nil {
		return mapNetlinkErr(err)
	}
	return nil
}

// oppositeModeFlag returns the mode bit for the program type most likely
// blocking an attach in mode: requesting SKB mode clears a native
// program, anything else clears a generic one.
func oppositeModeFlag(mode Mode) uint32 {
	if mode == ModeSKB {
		return netlink.XDP_FLAGS_DRV_MODE
	}
	return netlink.XDP_FLAGS_SKB_MODE
}

// LoadAttached reconstructs a Composite for whatever dispatcher is
// currently attached to ifindex, by reading back its pinned link
// descriptors. It is the recovery path a restarted process uses instead
// of recomposing from source.
func LoadAttached(ifindex int) (*Composite, error) {
	link_, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return nil, mapNetlinkErr(err)
	}
	attrs := link_.Attrs()
	if attrs.Xdp == nil || !attrs.Xdp.Attached {
		return nil, errdefs.NotFound(fmt.Errorf("xdpmux: ifindex %d has no attached XDP program", ifindex))
	}
	id := uint32(attrs.Xdp.ProgId)

	root, err := bpffs.Subdir()
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(root, pinDirPrefix+strconv.FormatUint(uint64(id), 10))

	dispProg, derr := ebpf.LoadPinnedProgram(filepath.Join(dir, "dispatcher"), nil)
	if derr != nil {
		return nil, errdefs.NotFound(fmt.Errorf("xdpmux: loading pinned dispatcher for ifindex %d: %w", ifindex, derr))
	}

	entries, rerr := listSlotLinks(dir)
	if rerr != nil {
		_ = dispProg.Close()
		return nil, rerr
	}

	progs := make([]*Program, 0, len(entries))
	for i, name := range entries {
		ln, lerr := link.LoadPinnedLink(filepath.Join(dir, name), nil)
		if lerr != nil {
			for _, p := range progs {
				_ = p.Free()
			}
			_ = dispProg.Close()
			return nil, errdefs.Unknown(fmt.Errorf("xdpmux: loading pinned link %s: %w", name, lerr))
		}
		progs = append(progs, &Program{
			name:     fmt.Sprintf("slot%d", i),
			ln:       ln,
			seq:      nextLoadSeq(),
			composed: true,
			pinPath:  filepath.Join(dir, name),
		})
	}

	return &Composite{Dispatcher: dispProg, Programs: progs}, nil
}

// listSlotLinks returns the link-prog<i> pin file names under dir, in
// slot order.
func listSlotLinks(dir string) ([]string, error) {
	entries, err := filepathGlobLinks(dir)
	if err != nil {
		return nil, errdefs.Unknown(fmt.Errorf("xdpmux: listing pin directory %s: %w", dir, err))
	}
	return entries, nil
}

func filepathGlobLinks(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "link-prog*"))
	if err != nil {
		return nil, err
	}
	names := make([]string, len(matches))
	for i, m := range matches {
		names[i] = strings.TrimPrefix(m, dir+string(filepath.Separator))
	}
	return names, nil
}

// isBusyAttach reports whether err is the raw error LinkSetXdpFdWithFlags
// returns for an EBUSY condition. vishvananda/netlink surfaces the bare
// syscall errno rather than a typed error, so this matches on text the
// same way mapNetlinkErr does further down.
func isBusyAttach(err error) bool {
	return err != nil && strings.Contains(err.Error(), "busy")
}

// errNetlinkBusy wraps an EBUSY-shaped netlink error so callers can match
// it with errors.Is after it has passed through mapNetlinkErr.
var errNetlinkBusy = errors.New("xdpmux: netlink link busy")

func mapNetlinkErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "busy") {
		return errdefs.Conflict(fmt.Errorf("%w: %w", errNetlinkBusy, err))
	}
	if strings.Contains(err.Error(), "file exists") {
		return errdefs.Conflict(err)
	}
	if strings.Contains(err.Error(), "no such device") {
		return errdefs.NotFound(err)
	}
	if strings.Contains(err.Error(), "permission denied") || strings.Contains(err.Error(), "operation not permitted") {
		return errdefs.Forbidden(err)
	}
	return errdefs.Unknown(err)
}
