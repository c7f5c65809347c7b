//go:build linux

package xdpmux

import (
	"errors"
	"fmt"

	"github.com/Nasty07/xdp-tools/errdefs"
	"github.com/cilium/ebpf/btf"
)

// runConfigSection is the well-known BTF data-section name components
// use to carry their priority and chain-call configuration, surviving
// both compilation and kernel loading.
const runConfigSection = ".xdp_run_config"

// ParseRunConfig reads p's embedded BTF for a ".xdp_run_config" entry
// named "_"+p.Name() and, if found, sets p's priority and chain-call
// bits from it. It requires p to carry a type-info view (see
// Program.typeInfoSpec); a Program built without BTF, or whose BTF lacks
// the section or variable, yields an errdefs.ErrNotFound that callers
// (the Program factories) treat as benign and swallow so default values
// apply. Any other failure - wrong linkage, wrong shape - is a real
// error and propagates as errdefs.ErrNotImplemented or
// errdefs.ErrInvalidParameter.
func ParseRunConfig(p *Program) error {
	spec := p.typeInfoSpec()
	if spec == nil {
		return errdefs.NotFound(errors.New("xdpmux: program has no BTF"))
	}

	var datasec *btf.Datasec
	if err := spec.TypeByName(runConfigSection, &datasec); err != nil {
		if errors.Is(err, btf.ErrNotFound) {
			return errdefs.NotFound(fmt.Errorf("xdpmux: no %s section: %w", runConfigSection, err))
		}
		return errdefs.InvalidParameter(err)
	}

	varName := "_" + p.name
	for _, vi := range datasec.Vars {
		v, ok := vi.Type.(*btf.Var)
		if !ok || v.Name != varName {
			continue
		}
		return applyRunConfigVar(p, v, vi.Size)
	}

	return errdefs.NotFound(fmt.Errorf("xdpmux: no run-config variable %s in %s", varName, runConfigSection))
}

func applyRunConfigVar(p *Program, v *btf.Var, sectionSize uint32) error {
	switch v.Linkage {
	case btf.GlobalVarLinkage, btf.StaticVarLinkage:
	default:
		return errdefs.NotImplemented(fmt.Errorf("xdpmux: unsupported run-config linkage %v for %s", v.Linkage, v.Name))
	}

	st, ok := btf.UnderlyingType(v.Type).(*btf.Struct)
	if !ok {
		return errdefs.InvalidParameter(fmt.Errorf("xdpmux: run-config variable %s is not a struct", v.Name))
	}
	if st.Size > sectionSize {
		return errdefs.InvalidParameter(fmt.Errorf("xdpmux: run-config struct %s (size %d) exceeds section entry size %d", st.Name, st.Size, sectionSize))
	}

	for _, m := range st.Members {
		nelems, err := runConfigMemberValue(m)
		if err != nil {
			return err
		}

		switch {
		case m.Name == "priority":
			p.priority = nelems
		default:
			a, ok := actionByName(m.Name)
			if !ok {
				return errdefs.InvalidParameter(fmt.Errorf("xdpmux: unknown run-config member %q", m.Name))
			}
			p.chainCall.Set(a, nelems != 0)
		}
	}
	return nil
}

// runConfigMemberValue resolves the "pointer to array of N elements"
// encoding the run-config struct uses to smuggle an integer through BTF:
// a plain integer member would be optimized away before BTF is emitted,
// but an array length survives.
func runConfigMemberValue(m btf.Member) (uint32, error) {
	ptr, ok := m.Type.(*btf.Pointer)
	if !ok {
		return 0, errdefs.InvalidParameter(fmt.Errorf("xdpmux: run-config member %q is not a pointer", m.Name))
	}
	arr, ok := btf.UnderlyingType(ptr.Target).(*btf.Array)
	if !ok {
		return 0, errdefs.InvalidParameter(fmt.Errorf("xdpmux: run-config member %q does not point to an array", m.Name))
	}
	return arr.Nelems, nil
}
