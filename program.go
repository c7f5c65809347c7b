//go:build linux

package xdpmux

import (
	"errors"
	"os"
	"sort"
	"sync/atomic"

	"github.com/Nasty07/xdp-tools/errdefs"
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/btf"
	"github.com/cilium/ebpf/link"
)

// typeInfo is a Program's view of its embedded BTF. handle is non-nil
// only when the type-info was fetched from the kernel (the from-ID
// factory); it owns a kernel file descriptor and must be closed. spec is
// always present when typeInfo is, and is what the metadata parser reads.
type typeInfo struct {
	spec   *btf.Spec
	handle *btf.Handle
}

// Program is the central entity of this library: an in-memory
// representation of one XDP component program together with the
// metadata that governs how it composes with others.
//
// The zero Program is not valid; construct one with FromFile, FromSpec,
// or FromID.
type Program struct {
	name string
	tag  [8]byte
	seq  uint64 // process-local load-order counter, see loadSeq below

	prog *ebpf.Program // loaded descriptor; nil until loaded
	ln   link.Link     // link descriptor; nil until composed into a dispatcher

	spec      *ebpf.ProgramSpec
	specOwned bool

	ti      *typeInfo
	tiOwned bool

	size uint32 // instruction count, used only as an ordering tiebreak

	priority  uint32
	chainCall ChainCallBitmap

	pinPath string

	composed bool // true once the dispatcher composer has attached a link
}

// loadSeq hands out the process-local, monotonically increasing sequence
// numbers xdpmux uses in place of the kernel's per-boot program load
// timestamp: cilium/ebpf's ProgramInfo does not surface load_time, so a
// counter assigned when a Program is built around an already-loaded
// kernel program (FromID, LoadAttached) stands in for it as the
// least-significant ordering key, there purely to keep the order stable
// rather than to carry any meaning of its own. Programs built by FromSpec
// or FromFile keep a zero sequence number.
var loadSeq uint64

func nextLoadSeq() uint64 {
	return atomic.AddUint64(&loadSeq, 1)
}

// Name returns the program's name. Immutable after construction.
func (p *Program) Name() string { return p.name }

// Tag returns the kernel-assigned content tag. Zero for a Program that
// has never been loaded into the kernel.
func (p *Program) Tag() [8]byte { return p.tag }

// Priority returns the program's dispatch priority; lower values run
// earlier.
func (p *Program) Priority() uint32 { return p.priority }

// SetPriority sets the program's dispatch priority. Fails with
// errdefs.ErrInvalidParameter once the program has been composed into a
// dispatcher; priority is mutable only before composition.
func (p *Program) SetPriority(priority uint32) error {
	if p.composed {
		return errdefs.InvalidParameter(errors.New("xdpmux: priority is immutable after composition"))
	}
	p.priority = priority
	return nil
}

// ChainCall returns the program's chain-call bitmap.
func (p *Program) ChainCall() ChainCallBitmap { return p.chainCall }

// SetChainCall sets whether the dispatcher should continue to the next
// program after this one returns action a. Fails once composed.
func (p *Program) SetChainCall(a Action, chain bool) error {
	if p.composed {
		return errdefs.InvalidParameter(errors.New("xdpmux: chain-call policy is immutable after composition"))
	}
	p.chainCall.Set(a, chain)
	return nil
}

// Loaded reports whether the program has a kernel-loaded descriptor.
func (p *Program) Loaded() bool { return p.prog != nil }

// FD returns the loaded program's descriptor, or nil if it has not been
// loaded yet.
func (p *Program) FD() *ebpf.Program { return p.prog }

// PinPath returns the path this program's link was pinned under, or ""
// if it isn't currently pinned.
func (p *Program) PinPath() string { return p.pinPath }

// FromSpec builds a Program from an already-parsed collection spec.
// owned indicates whether the caller is handing over exclusive ownership
// of spec (freed by Program.Free) or retaining it (Program keeps only a
// non-owning reference and must never free it or any type-info derived
// from it).
//
// If name is empty, FromSpec picks the program with the
// lexicographically smallest name in spec.Programs, for a result that is
// deterministic across runs of the same spec even though
// ebpf.CollectionSpec.Programs is a Go map with no defined iteration
// order.
func FromSpec(spec *ebpf.CollectionSpec, name string, owned bool) (prog *Program, err error) {
	if spec == nil {
		return nil, errdefs.InvalidParameter(errors.New("xdpmux: nil collection spec"))
	}

	ps, picked, err := pickProgramSpec(spec, name)
	if err != nil {
		return nil, err
	}

	p := &Program{
		name:      picked,
		spec:      ps,
		specOwned: owned,
		size:      uint32(len(ps.Instructions)),
		priority:  DefaultPriority,
		chainCall: DefaultChainCallBitmap,
	}
	if spec.Types != nil {
		p.ti = &typeInfo{spec: spec.Types}
		p.tiOwned = false // the CollectionSpec (or its owner) owns spec.Types
	}

	defer func() {
		if err != nil {
			_ = p.Free()
		}
	}()

	if perr := ParseRunConfig(p); perr != nil && !errdefs.IsNotFound(perr) {
		return nil, perr
	}
	return p, nil
}

func pickProgramSpec(spec *ebpf.CollectionSpec, name string) (*ebpf.ProgramSpec, string, error) {
	if name != "" {
		ps, ok := spec.Programs[name]
		if !ok {
			return nil, "", errdefs.NotFound(errors.New("xdpmux: no program named " + name))
		}
		return ps, name, nil
	}

	if len(spec.Programs) == 0 {
		return nil, "", errdefs.NotFound(errors.New("xdpmux: collection spec has no programs"))
	}

	names := make([]string, 0, len(spec.Programs))
	for n := range spec.Programs {
		names = append(names, n)
	}
	sort.Strings(names)
	return spec.Programs[names[0]], names[0], nil
}

// FromFile loads and parses the compiled object at path, then builds a
// Program from it with the Program taking ownership of the parsed spec.
func FromFile(path string, name string) (*Program, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, mapOpenErr(err)
	}
	defer f.Close()

	spec, err := ebpf.LoadCollectionSpecFromReader(f)
	if err != nil {
		return nil, errdefs.InvalidParameter(err)
	}

	return FromSpec(spec, name, true)
}

func mapOpenErr(err error) error {
	switch {
	case os.IsNotExist(err):
		return errdefs.NotFound(err)
	case os.IsPermission(err):
		return errdefs.Forbidden(err)
	default:
		return errdefs.Unknown(err)
	}
}

// FromID resolves a kernel program ID to a Program, fetching its name,
// content tag, and (if present) BTF, and taking ownership of the BTF
// handle it fetches.
func FromID(id ebpf.ProgramID) (prog *Program, err error) {
	fd, ferr := ebpf.NewProgramFromID(id)
	if ferr != nil {
		return nil, mapEbpfErr(ferr)
	}

	p := &Program{
		prog: fd,
		seq:  nextLoadSeq(),
	}
	defer func() {
		if err != nil {
			_ = p.Free()
		}
	}()

	info, ierr := fd.Info()
	if ierr != nil {
		return nil, errdefs.Unknown(ierr)
	}
	p.name = info.Name
	if tag, ok := info.Tag(); ok {
		p.tag = tag
	}

	if btfID, ok := info.BTFID(); ok {
		handle, herr := btf.NewHandleFromID(btfID)
		if herr != nil {
			return nil, errdefs.Unknown(herr)
		}
		spec, serr := handle.Spec(nil)
		if serr != nil {
			_ = handle.Close()
			return nil, errdefs.Unknown(serr)
		}
		p.ti = &typeInfo{spec: spec, handle: handle}
		p.tiOwned = true
	}

	p.priority = DefaultPriority
	p.chainCall = DefaultChainCallBitmap
	if perr := ParseRunConfig(p); perr != nil && !errdefs.IsNotFound(perr) {
		return nil, perr
	}
	return p, nil
}

func mapEbpfErr(err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return errdefs.NotFound(err)
	case errors.Is(err, os.ErrPermission):
		return errdefs.Forbidden(err)
	default:
		return errdefs.Unknown(err)
	}
}

// typeInfoSpec returns the *btf.Spec backing p, or nil if p has none.
func (p *Program) typeInfoSpec() *btf.Spec {
	if p.ti == nil {
		return nil
	}
	return p.ti.spec
}

// Free releases any kernel descriptors the program owns (its loaded
// descriptor, its link descriptor, and a fetched BTF handle) and drops
// the source spec if this Program owns it. Safe to call on a
// partially-constructed Program, and safe to call more than once.
func (p *Program) Free() error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.ln != nil {
		errs = append(errs, p.ln.Close())
		p.ln = nil
	}
	if p.prog != nil {
		errs = append(errs, p.prog.Close())
		p.prog = nil
	}
	if p.tiOwned && p.ti != nil && p.ti.handle != nil {
		errs = append(errs, p.ti.handle.Close())
	}
	p.ti = nil
	p.spec = nil
	return errors.Join(errs...)
}
