//go:build linux

package bpffs

import "errors"

var (
	errNoBPFFS  = errors.New("no bpf filesystem mounted")
	errNotBPFFS = errors.New("path is not a bpf filesystem mount")
)
