// Package xdpmux composes, loads, and attaches multiple XDP programs to a
// single network interface.
//
// The kernel allows only one XDP program per interface at a time. xdpmux
// works around that by synthesizing a small dispatcher program at load
// time that calls each component program in priority order and applies a
// per-program, per-action chain-call policy to decide whether to
// continue to the next program or return immediately.
//
// A typical caller builds a []*Program with FromFile or FromID, sets
// priorities and chain-call bits as needed (or leaves the defaults
// recovered from each program's embedded BTF run-config, see
// ParseRunConfig), and calls Attach. With a single program Attach loads
// it directly; with more than one it orders them (see Less), composes a
// dispatcher (see Compose), pins the result under bpffs (see Pin), and
// attaches the composite. LoadAttached recovers a previously pinned,
// multi-program composite after a process restart, and Detach reverses
// Attach.
//
// Compose, Attach, and Detach accept Options (currently only
// WithLogger) to override the package-wide default logger set by
// SetLogger for a single call.
package xdpmux
