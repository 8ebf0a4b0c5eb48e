// Package ktable implements the Task Table and TaskId addressing scheme:
// a fixed-size array of task descriptors indexed 0..N-1, each identified
// by (index, generation), with no dynamic allocation after construction.
package ktable

import "fmt"

// TaskId packs a stable table index with the generation counter that was
// current when the id was handed out. A TaskId becomes stale the instant
// its holder's generation advances.
type TaskId struct {
	Index      uint16
	Generation uint8
}

// Kernel is the reserved TaskId denoting the kernel itself as a synthetic
// sender, used only for notification messages, never a real task slot.
var Kernel = TaskId{Index: 0xFFFF, Generation: 0}

// IsKernel reports whether id names the synthetic kernel sender.
func (id TaskId) IsKernel() bool {
	return id.Index == Kernel.Index
}

func (id TaskId) String() string {
	if id.IsKernel() {
		return "kernel"
	}
	return fmt.Sprintf("task(%d,gen=%d)", id.Index, id.Generation)
}

// DeadCode builds the response code returned when a peer's generation has
// advanced past what the caller addressed: top 24 bits set, low 8 bits the
// peer's current generation.
func DeadCode(currentGeneration uint8) uint32 {
	return 0xFFFFFF00 | uint32(currentGeneration)
}

// IsDeadCode reports whether a response code is a dead code.
func IsDeadCode(code uint32) bool {
	return code&0xFFFFFF00 == 0xFFFFFF00
}

// GenerationOf extracts the generation byte from a dead code, and false
// if code isn't a dead code at all.
func GenerationOf(code uint32) (uint8, bool) {
	if !IsDeadCode(code) {
		return 0, false
	}
	return uint8(code & 0xFF), true
}
