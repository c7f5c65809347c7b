//go:build linux

package xdpmux

import (
	"sort"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"pgregory.net/rapid"
)

func genProgram(t *rapid.T, i int) *Program {
	tag := [8]byte{}
	tagBytes := rapid.SliceOfN(rapid.Uint8(), 8, 8).Draw(t, "tag")
	copy(tag[:], tagBytes)

	p := &Program{
		name:     rapid.StringMatching(`[a-z][a-z0-9_]{0,15}`).Draw(t, "name"),
		tag:      tag,
		seq:      uint64(i),
		size:     uint32(rapid.IntRange(0, 4096).Draw(t, "size")),
		priority: uint32(rapid.IntRange(0, 200).Draw(t, "priority")),
	}
	if rapid.Bool().Draw(t, "loaded") {
		// A zero-value *ebpf.Program is enough to make Loaded() report
		// true; nothing here ever dereferences it as a real descriptor.
		p.prog = &ebpf.Program{}
	}
	return p
}

// TestOrderingIsTotal checks that Less is a strict total order over any
// set of programs, regardless of how many keys tie.
func TestOrderingIsTotal(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(2, 12).Draw(t, "n")
		progs := make([]*Program, n)
		for i := range progs {
			progs[i] = genProgram(t, i)
		}

		for i := range progs {
			for j := range progs {
				if i == j {
					continue
				}
				li := Less(progs[i], progs[j])
				lj := Less(progs[j], progs[i])
				assert.Assert(t, !(li && lj), "both Less(a,b) and Less(b,a) held")
				if progs[i] != progs[j] {
					assert.Assert(t, li || lj || sameKeys(progs[i], progs[j]))
				}
			}
		}

		sort.Sort(ByPriority(progs))
		for i := 1; i < len(progs); i++ {
			assert.Check(t, is.Equal(Less(progs[i], progs[i-1]), false))
		}
	})
}

func sameKeys(a, b *Program) bool {
	return a.priority == b.priority &&
		a.name == b.name &&
		a.Loaded() == b.Loaded() &&
		a.size == b.size &&
		a.tag == b.tag &&
		a.seq == b.seq
}

func TestLessPriorityDominates(t *testing.T) {
	a := &Program{name: "z", priority: 1}
	b := &Program{name: "a", priority: 2}
	assert.Check(t, Less(a, b))
	assert.Check(t, !Less(b, a))
}

// TestSortStableAcrossRepeatedSort re-sorts an already-sorted slice and
// checks the resulting name sequence is byte-for-byte identical, using
// cmp.Diff for a readable failure message.
func TestSortStableAcrossRepeatedSort(t *testing.T) {
	progs := []*Program{
		{name: "c", priority: 3},
		{name: "a", priority: 1},
		{name: "b", priority: 2},
	}
	sort.Sort(ByPriority(progs))
	want := namesOf(progs)

	sort.Sort(ByPriority(progs))
	got := namesOf(progs)

	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("name order changed on re-sort (-want +got):\n%s", diff)
	}
}

func namesOf(progs []*Program) []string {
	names := make([]string, len(progs))
	for i, p := range progs {
		names[i] = p.name
	}
	return names
}

func TestLessLoadedBeforeUnloaded(t *testing.T) {
	a := &Program{name: "same", priority: 1, prog: &ebpf.Program{}}
	b := &Program{name: "same", priority: 1}
	assert.Check(t, Less(a, b))
	assert.Check(t, !Less(b, a))
}
