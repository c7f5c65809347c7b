//go:build linux

package xdpmux

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/Nasty07/xdp-tools/errdefs"
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
)

// MaxDispatcherSlots bounds how many component programs a single
// dispatcher can hold, matching the prebuilt template's numbered prog0..
// progN-1 extension stubs (libxdp calls this MAX_DISPATCHER_PROGS).
const MaxDispatcherSlots = 10

// dispatcherTemplateFile is the compiled dispatcher template's exact
// name.
const dispatcherTemplateFile = "xdp-dispatcher.o"

// dispatcherEntrypoint is the template's entry program symbol.
const dispatcherEntrypoint = "xdp_dispatcher"

// dispatcherConfigMap is the read-only data section the composer patches
// with the ordering and chain-call bitmaps.
const dispatcherConfigMap = ".rodata"

// EnvObjectPath overrides where the dispatcher composer looks for
// xdp-dispatcher.o, the way EnvOverride overrides the bpffs mount.
const EnvObjectPath = "XDP_OBJECT_PATH"

// defaultObjectPath is the compiled-in install location consulted when
// EnvObjectPath is unset.
const defaultObjectPath = "/usr/lib/bpf"

// dispatcherConfigSize is the byte size of the struct at the start of
// the template's .rodata: one u32 (num_progs_enabled) followed by
// MaxDispatcherSlots u32s (chain_call_actions).
const dispatcherConfigSize = 4 + 4*MaxDispatcherSlots

// Composite is the transient result of composing a dispatcher: the
// loaded dispatcher program and the ordered component handles wired into
// its extension slots. It is consumed by Pin and the attacher.
type Composite struct {
	Dispatcher *ebpf.Program
	Programs   []*Program
}

// ID returns the dispatcher program's kernel ID, used to name its pin
// directory.
func (c *Composite) ID() (ebpf.ProgramID, error) {
	info, err := c.Dispatcher.Info()
	if err != nil {
		return 0, errdefs.Unknown(err)
	}
	id, ok := info.ID()
	if !ok {
		return 0, errdefs.Unknown(errors.New("xdpmux: dispatcher program has no kernel ID"))
	}
	return id, nil
}

// Close releases the dispatcher descriptor, every component's link
// descriptor, and every component's loaded descriptor. It does not touch
// pinned filesystem state; use Unpin for that.
func (c *Composite) Close() error {
	var errs []error
	for _, p := range c.Programs {
		if p.ln != nil {
			errs = append(errs, p.ln.Close())
			p.ln = nil
		}
		// In the single-program fast path p.prog IS c.Dispatcher; avoid
		// closing it twice and let the c.Dispatcher close below handle it.
		if p.prog != nil && p.prog != c.Dispatcher {
			errs = append(errs, p.prog.Close())
			p.prog = nil
		}
	}
	if c.Dispatcher != nil {
		errs = append(errs, c.Dispatcher.Close())
		for _, p := range c.Programs {
			if p.prog == c.Dispatcher {
				p.prog = nil
			}
		}
	}
	return errors.Join(errs...)
}

// Compose deterministically orders progs (see Less) and builds a
// dispatcher that calls each in turn, applying its chain-call bitmap.
// progs must be non-empty and no longer than MaxDispatcherSlots; each
// must carry a not-yet-loaded source spec, since attaching a function
// extension requires setting its attach target at load time.
//
// On any error, Compose unwinds everything it did: the dispatcher
// program and any component links opened so far are closed before the
// error is returned, so no partially-composed state is observable.
func Compose(progs []*Program, opts ...Option) (composite *Composite, err error) {
	o := newOptions(opts)

	if len(progs) == 0 {
		return nil, errdefs.InvalidParameter(errors.New("xdpmux: no programs to compose"))
	}
	if len(progs) > MaxDispatcherSlots {
		return nil, errdefs.InvalidParameter(fmt.Errorf("xdpmux: %d programs exceeds %d dispatcher slots", len(progs), MaxDispatcherSlots))
	}
	for _, p := range progs {
		if p.spec == nil {
			return nil, errdefs.InvalidParameter(fmt.Errorf("xdpmux: program %q has no loadable spec, can't compose as an extension", p.name))
		}
	}

	ordered := make([]*Program, len(progs))
	copy(ordered, progs)
	sort.Stable(ByPriority(ordered))

	tplPath, err := locateTemplate()
	if err != nil {
		return nil, err
	}
	o.log.WithField("template", tplPath).WithField("programs", len(ordered)).Debug("xdpmux: composing dispatcher")

	tplSpec, err := ebpf.LoadCollectionSpec(tplPath)
	if err != nil {
		return nil, errdefs.InvalidParameter(fmt.Errorf("xdpmux: loading dispatcher template: %w", err))
	}

	if err := patchDispatcherConfig(tplSpec, ordered); err != nil {
		return nil, err
	}

	coll, err := ebpf.NewCollectionWithOptions(tplSpec, ebpf.CollectionOptions{})
	if err != nil {
		return nil, errdefs.InvalidParameter(fmt.Errorf("xdpmux: loading dispatcher: %w", err))
	}

	dispProg, ok := coll.Programs[dispatcherEntrypoint]
	if !ok {
		coll.Close()
		return nil, errdefs.InvalidParameter(fmt.Errorf("xdpmux: dispatcher template has no %q program", dispatcherEntrypoint))
	}
	// Keep the dispatcher program alive past coll.Close(); the other
	// collection programs and maps (if any) aren't needed once loaded.
	dispProg, err = dispProg.Clone()
	coll.Close()
	if err != nil {
		return nil, errdefs.Unknown(fmt.Errorf("xdpmux: cloning dispatcher program: %w", err))
	}

	defer func() {
		if err != nil {
			for _, p := range ordered {
				if p.ln != nil {
					_ = p.ln.Close()
					p.ln = nil
				}
				if p.prog != nil {
					_ = p.prog.Close()
					p.prog = nil
				}
			}
			_ = dispProg.Close()
		}
	}()

	for i, p := range ordered {
		slot := fmt.Sprintf("prog%d", i)
		ps := p.spec
		ps.Type = ebpf.Extension
		ps.AttachTarget = dispProg
		ps.AttachTo = slot

		prog, lerr := ebpf.NewProgramWithOptions(ps, ebpf.ProgramOptions{})
		if lerr != nil {
			return nil, errdefs.InvalidParameter(fmt.Errorf("xdpmux: loading %q as extension for slot %s: %w", p.name, slot, lerr))
		}
		p.prog = prog

		ln, lerr := link.AttachFreplace(dispProg, slot, prog)
		if lerr != nil {
			return nil, errdefs.Unknown(fmt.Errorf("xdpmux: attaching %q to slot %s: %w", p.name, slot, lerr))
		}
		p.ln = ln
		p.composed = true
		o.log.WithField("slot", slot).WithField("program", p.name).Debug("xdpmux: attached component to dispatcher slot")
	}

	return &Composite{Dispatcher: dispProg, Programs: ordered}, nil
}

// patchDispatcherConfig rewrites the dispatcher template's .rodata in
// place, before the collection is loaded, setting num_progs_enabled and
// each ordered program's chain-call bitmap. The byte blob is the only
// thing NewCollectionWithOptions reads, so edits after loading would be
// invisible, and .rodata is frozen read-only by the kernel once loaded.
func patchDispatcherConfig(spec *ebpf.CollectionSpec, ordered []*Program) error {
	m, ok := spec.Maps[dispatcherConfigMap]
	if !ok || len(m.Contents) != 1 {
		return errdefs.InvalidParameter(fmt.Errorf("xdpmux: dispatcher template missing %s", dispatcherConfigMap))
	}
	data, ok := m.Contents[0].Value.([]byte)
	if !ok {
		return errdefs.InvalidParameter(fmt.Errorf("xdpmux: dispatcher template %s has unexpected contents", dispatcherConfigMap))
	}
	if len(data) != dispatcherConfigSize {
		return errdefs.InvalidParameter(fmt.Errorf("xdpmux: dispatcher template %s is %d bytes, want %d", dispatcherConfigMap, len(data), dispatcherConfigSize))
	}

	order := spec.ByteOrder
	order.PutUint32(data[0:4], uint32(len(ordered)))
	for i, p := range ordered {
		off := 4 + i*4
		order.PutUint32(data[off:off+4], uint32(p.chainCall))
	}
	return nil
}

// locateTemplate finds xdp-dispatcher.o: the XDP_OBJECT_PATH override if
// set, else the compiled-in install directory.
func locateTemplate() (string, error) {
	dir := os.Getenv(EnvObjectPath)
	if dir == "" {
		dir = defaultObjectPath
	}
	path := filepath.Join(dir, dispatcherTemplateFile)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", errdefs.NotFound(fmt.Errorf("xdpmux: %s not found under %s: %w", dispatcherTemplateFile, dir, err))
		}
		return "", errdefs.Unknown(err)
	}
	return path, nil
}
