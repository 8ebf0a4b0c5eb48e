package rendezvous

import (
	"errors"
	"fmt"

	"github.com/nimbuskernel/ipc-core/internal/ktable"
)

// Policy failures: synchronous syscall errors reported with no state
// change to either side.
var (
	ErrBadTask         = errors.New("rendezvous: task index out of range")
	ErrUphillViolation = errors.New("rendezvous: send target is not strictly higher priority")
	ErrPayloadTooLarge = errors.New("rendezvous: payload exceeds max payload size")

	// ErrNotLender is the BORROW_* failure for "lender is not currently
	// blocked in reply to the caller".
	ErrNotLender = errors.New("rendezvous: lender is not blocked awaiting reply from this caller")
)

// DeadCodeError is returned by closed RECV when the named peer's
// generation no longer matches. Apart from ErrBadTask for an out-of-range
// index, it is the only RECV failure mode; open RECV never fails for
// identity reasons.
type DeadCodeError struct {
	Code uint32
}

func (e *DeadCodeError) Error() string {
	return fmt.Sprintf("rendezvous: dead code 0x%08X", e.Code)
}

// IsDeadCode reports whether err is (or wraps) a DeadCodeError, and
// returns its code.
func IsDeadCode(err error) (uint32, bool) {
	var dc *DeadCodeError
	if errors.As(err, &dc) {
		return dc.Code, true
	}
	return 0, false
}

func deadCodeErr(generation uint8) *DeadCodeError {
	return &DeadCodeError{Code: ktable.DeadCode(generation)}
}
