package xdpmux

// Action is an XDP program's return code.
type Action uint32

// The well-known XDP return codes, in kernel enum order. Names match the
// uapi constants exactly since the metadata parser (metadata.go) looks
// members up by these strings inside a program's embedded run-config
// struct.
const (
	XDPAborted Action = iota
	XDPDrop
	XDPPass
	XDPTx
	XDPRedirect
)

// numActions bounds the chain-call bitmap; one bit per Action.
const numActions = 5

// String returns the canonical XDP_* name for a, or "XDP_UNKNOWN" for an
// out-of-range value.
func (a Action) String() string {
	switch a {
	case XDPAborted:
		return "XDP_ABORTED"
	case XDPDrop:
		return "XDP_DROP"
	case XDPPass:
		return "XDP_PASS"
	case XDPTx:
		return "XDP_TX"
	case XDPRedirect:
		return "XDP_REDIRECT"
	default:
		return "XDP_UNKNOWN"
	}
}

// actionNames is consulted by the metadata parser: it must look a struct
// member name up against this table by exact string equality.
var actionNames = [numActions]string{
	XDPAborted:  "XDP_ABORTED",
	XDPDrop:     "XDP_DROP",
	XDPPass:     "XDP_PASS",
	XDPTx:       "XDP_TX",
	XDPRedirect: "XDP_REDIRECT",
}

// actionByName returns the Action named by s and true, or the zero Action
// and false if s isn't one of the well-known action names.
func actionByName(s string) (Action, bool) {
	for a, name := range actionNames {
		if name == s {
			return Action(a), true
		}
	}
	return 0, false
}

// ChainCallBitmap is a per-program mask indexed by Action: a set bit
// means the dispatcher should continue to the next program when this
// program returns that action; a clear bit means the dispatcher should
// return that action immediately.
type ChainCallBitmap uint8

// DefaultChainCallBitmap is applied to a Program that declares no
// run-config for a given action: XDP_PASS continues the chain (a program
// that doesn't care about a packet shouldn't block its siblings from
// seeing it), every other action exits immediately.
const DefaultChainCallBitmap ChainCallBitmap = 1 << XDPPass

// DefaultPriority is used for a Program whose run-config omits a
// priority member, or has none at all.
const DefaultPriority = 50

// Set sets or clears the chain-call bit for a.
func (b *ChainCallBitmap) Set(a Action, chain bool) {
	if chain {
		*b |= 1 << a
	} else {
		*b &^= 1 << a
	}
}

// Get reports whether the dispatcher should continue the chain after a
// program returns a.
func (b ChainCallBitmap) Get(a Action) bool {
	return b&(1<<a) != 0
}
