package rendezvous

import "github.com/nimbuskernel/ipc-core/internal/ktable"

// These aliases let callers of this package work entirely in terms of
// rendezvous.* without reaching into internal/ktable directly. The
// rendezvous engine is the public face of the Task Table.
type (
	TaskId      = ktable.TaskId
	RecvMessage = ktable.RecvMessage
	Source      = ktable.Source
	FaultReason = ktable.FaultReason
)

// Kernel is the synthetic sender identity attached to notification
// messages.
var Kernel = ktable.Kernel

const (
	FaultNone            = ktable.FaultNone
	FaultWatchdogTimeout = ktable.FaultWatchdogTimeout
	FaultExplicit        = ktable.FaultExplicit
)

// Open builds a Source that accepts a send from any task (open receive).
func Open() Source {
	return Source{Kind: ktable.SourceAny}
}

// SpecificSource builds a Source that only matches sends from peer, with
// no identity check performed at RECV entry: Specific is a filter, not a
// validated address.
func SpecificSource(peer TaskId) Source {
	return Source{Kind: ktable.SourceSpecific, Peer: peer}
}

// ClosedSource builds a Source that only matches sends from peer and
// fails immediately with a dead code if peer's generation has already
// advanced. Closed receive is the only receive that can fail this way.
func ClosedSource(peer TaskId) Source {
	return Source{Kind: ktable.SourceClosed, Peer: peer}
}
