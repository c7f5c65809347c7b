//go:build linux

package xdpmux

import "bytes"

// ByPriority implements sort.Interface over a slice of *Program using a
// deterministic, total ordering: programs run in ascending priority,
// with ties broken (in order) by name, then loaded-before-unloaded,
// then program size, then content tag, then load sequence. Every key
// past the first two exists purely for stability — callers should not
// assign meaning to them, only rely on the overall order being
// identical across repeated runs on identical input.
type ByPriority []*Program

func (s ByPriority) Len() int      { return len(s) }
func (s ByPriority) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s ByPriority) Less(i, j int) bool {
	return Less(s[i], s[j])
}

// Less reports whether a should run before b, applying the key vector
// described above. Less is a strict weak order: for any a and b that
// differ in at least one key exactly one of Less(a, b) or Less(b, a)
// holds, and neither holds when every key is tied, even for two distinct
// *Program values.
func Less(a, b *Program) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if a.name != b.name {
		return a.name < b.name
	}

	aLoaded, bLoaded := a.Loaded(), b.Loaded()
	if aLoaded != bLoaded {
		return aLoaded // loaded sorts before unloaded
	}
	if a.size != b.size {
		return a.size < b.size
	}

	if c := bytes.Compare(a.tag[:], b.tag[:]); c != 0 {
		return c < 0
	}
	return a.seq < b.seq
}
