//go:build linux

package xdpmux

import (
	"testing"

	"github.com/cilium/ebpf/btf"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func runConfigStructType(members []btf.Member) *btf.Struct {
	var size uint32
	for range members {
		size += 8 // pointer-sized member, generous upper bound for the test struct
	}
	return &btf.Struct{Name: "run_config", Members: members, Size: size}
}

func ptrToArrayMember(name string, nelems uint32) btf.Member {
	arr := &btf.Array{Type: &btf.Int{Name: "char", Size: 1}, Nelems: nelems}
	return btf.Member{Name: name, Type: &btf.Pointer{Target: arr}}
}

func TestApplyRunConfigVar(t *testing.T) {
	st := runConfigStructType([]btf.Member{
		ptrToArrayMember("priority", 7),
		ptrToArrayMember("XDP_PASS", 1),
		ptrToArrayMember("XDP_DROP", 0),
	})
	v := &btf.Var{Name: "_myprog", Linkage: btf.GlobalVarLinkage, Type: st}

	p := &Program{name: "myprog"}
	err := applyRunConfigVar(p, v, st.Size)
	assert.Assert(t, err)
	assert.Check(t, is.Equal(p.priority, uint32(7)))
	assert.Check(t, p.chainCall.Get(XDPPass))
	assert.Check(t, !p.chainCall.Get(XDPDrop))
}

func TestApplyRunConfigVarRejectsUnknownMember(t *testing.T) {
	st := runConfigStructType([]btf.Member{ptrToArrayMember("not_a_real_field", 1)})
	v := &btf.Var{Name: "_myprog", Linkage: btf.GlobalVarLinkage, Type: st}

	p := &Program{name: "myprog"}
	err := applyRunConfigVar(p, v, st.Size)
	assert.Check(t, is.ErrorContains(err, "unknown run-config member"))
}

func TestApplyRunConfigVarRejectsBadLinkage(t *testing.T) {
	st := runConfigStructType(nil)
	v := &btf.Var{Name: "_myprog", Linkage: btf.VarLinkage(99), Type: st}

	p := &Program{name: "myprog"}
	err := applyRunConfigVar(p, v, st.Size)
	assert.Check(t, is.ErrorContains(err, "unsupported run-config linkage"))
}

func TestRunConfigMemberValue(t *testing.T) {
	m := ptrToArrayMember("priority", 42)
	n, err := runConfigMemberValue(m)
	assert.Assert(t, err)
	assert.Check(t, is.Equal(n, uint32(42)))

	_, err = runConfigMemberValue(btf.Member{Name: "bad", Type: &btf.Int{Name: "int", Size: 4}})
	assert.Check(t, is.ErrorContains(err, "is not a pointer"))
}

// TestParseRunConfigDeterministic checks that parsing the same BTF
// repeatedly always produces identical results.
func TestParseRunConfigDeterministic(t *testing.T) {
	st := runConfigStructType([]btf.Member{
		ptrToArrayMember("priority", 3),
		ptrToArrayMember("XDP_TX", 1),
	})
	v := &btf.Var{Name: "_myprog", Linkage: btf.GlobalVarLinkage, Type: st}

	var results []Program
	for i := 0; i < 5; i++ {
		p := &Program{name: "myprog"}
		assert.Assert(t, applyRunConfigVar(p, v, st.Size))
		results = append(results, *p)
	}
	for i := 1; i < len(results); i++ {
		assert.Check(t, is.Equal(results[i].priority, results[0].priority))
		assert.Check(t, is.Equal(results[i].chainCall, results[0].chainCall))
	}
}
