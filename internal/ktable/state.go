package ktable

// State is the closed set of blocking states a task may occupy. Exactly
// one applies at a time; the rest of the core leans on this invariant
// to avoid tracking blocking state anywhere else.
type State int

const (
	Runnable State = iota
	BlockedInSend
	BlockedInReply
	BlockedInRecv
	Faulted
)

func (s State) String() string {
	switch s {
	case Runnable:
		return "runnable"
	case BlockedInSend:
		return "blocked_in_send"
	case BlockedInReply:
		return "blocked_in_reply"
	case BlockedInRecv:
		return "blocked_in_recv"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// SourceKind is the exhaustively-matched tag of a Recv source: Any,
// Specific(peer), or Closed(peer).
type SourceKind int

const (
	SourceAny SourceKind = iota
	SourceSpecific
	SourceClosed
)

// Source names which senders a RECV will accept.
type Source struct {
	Kind SourceKind
	Peer TaskId // valid only when Kind != SourceAny
}

// Accepts reports whether a sender identified by peer matches this
// source. Matching is by index only: a Specific/Closed source names
// which task slot it wants to hear from, not which generation. The
// generation of the named peer is only consulted at RECV entry for
// Closed, to decide whether the call fails outright (see ClosedSource).
func (s Source) Accepts(peer TaskId) bool {
	switch s.Kind {
	case SourceAny:
		return true
	case SourceSpecific, SourceClosed:
		return s.Peer.Index == peer.Index
	default:
		return false
	}
}

// FaultReason records why a task landed in the Faulted state, for
// diagnostics only. It never feeds back into rendezvous matching beyond
// the Faulted state itself.
type FaultReason int

const (
	FaultNone FaultReason = iota
	FaultWatchdogTimeout
	FaultExplicit
)
