//go:build linux

package xdpmux

import (
	"encoding/binary"
	"sort"
	"testing"

	"github.com/cilium/ebpf"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestPatchDispatcherConfig(t *testing.T) {
	data := make([]byte, dispatcherConfigSize)
	spec := &ebpf.CollectionSpec{
		ByteOrder: hostByteOrderForTest(),
		Maps: map[string]*ebpf.MapSpec{
			dispatcherConfigMap: {
				Contents: []ebpf.MapKV{{Key: uint32(0), Value: data}},
			},
		},
	}

	progs := []*Program{
		{name: "a", priority: 1, chainCall: 1 << XDPPass},
		{name: "b", priority: 2, chainCall: 1 << XDPDrop},
	}

	err := patchDispatcherConfig(spec, progs)
	assert.Assert(t, err)

	order := spec.ByteOrder
	assert.Check(t, is.Equal(order.Uint32(data[0:4]), uint32(2)))
	assert.Check(t, is.Equal(order.Uint32(data[4:8]), uint32(1<<XDPPass)))
	assert.Check(t, is.Equal(order.Uint32(data[8:12]), uint32(1<<XDPDrop)))
}

func TestPatchDispatcherConfigRejectsWrongSize(t *testing.T) {
	spec := &ebpf.CollectionSpec{
		ByteOrder: hostByteOrderForTest(),
		Maps: map[string]*ebpf.MapSpec{
			dispatcherConfigMap: {
				Contents: []ebpf.MapKV{{Key: uint32(0), Value: []byte{0, 1, 2, 3}}},
			},
		},
	}
	err := patchDispatcherConfig(spec, []*Program{{name: "a"}})
	assert.Check(t, is.ErrorContains(err, "is 4 bytes"))
}

func TestPatchDispatcherConfigRejectsMissingSection(t *testing.T) {
	spec := &ebpf.CollectionSpec{ByteOrder: hostByteOrderForTest(), Maps: map[string]*ebpf.MapSpec{}}
	err := patchDispatcherConfig(spec, []*Program{{name: "a"}})
	assert.Check(t, is.ErrorContains(err, "missing"))
}

func TestSortStableByPriorityOrdersPrograms(t *testing.T) {
	a := &Program{name: "a", priority: 3}
	b := &Program{name: "b", priority: 1}
	c := &Program{name: "c", priority: 2}
	progs := []*Program{a, b, c}

	sort.Stable(ByPriority(progs))

	assert.Check(t, is.Equal(progs[0], b))
	assert.Check(t, is.Equal(progs[1], c))
	assert.Check(t, is.Equal(progs[2], a))
}

func TestComposeRejectsTooManyPrograms(t *testing.T) {
	progs := make([]*Program, MaxDispatcherSlots+1)
	for i := range progs {
		progs[i] = &Program{name: "p", spec: &ebpf.ProgramSpec{}}
	}
	_, err := Compose(progs)
	assert.Check(t, is.ErrorContains(err, "exceeds"))
}

func TestComposeRejectsEmpty(t *testing.T) {
	_, err := Compose(nil)
	assert.Check(t, is.ErrorContains(err, "no programs"))
}

func TestComposeRejectsUnloadableProgram(t *testing.T) {
	_, err := Compose([]*Program{{name: "no-spec"}})
	assert.Check(t, is.ErrorContains(err, "no loadable spec"))
}

func hostByteOrderForTest() binary.ByteOrder {
	return ebpf.NativeEndian
}
