// Package lease implements the Memory Lease Table: the bounds-checked,
// attribute-typed windows a sender offers a receiver into its own memory
// for the duration of a single rendezvous. Leases are pure data plus
// bounds/attribute checking here. The authority check (is the caller
// actually the peer this sender is blocked replying to?) belongs to the
// rendezvous engine, which is the only component that knows about
// blocking state.
package lease

import (
	"errors"
	"fmt"
)

// Attr is the access mode of a lease.
type Attr uint8

const (
	R  Attr = 1 << 0
	W  Attr = 1 << 1
	RW Attr = R | W
)

func (a Attr) String() string {
	switch a {
	case R:
		return "R"
	case W:
		return "W"
	case RW:
		return "RW"
	default:
		return "none"
	}
}

// MaxLeases is the hard cap on leases carried by a single SEND.
const MaxLeases = 255

var (
	ErrTooManyLeases = errors.New("lease: more than 255 leases in one send")
	ErrNotFound      = errors.New("lease: no such lease index")
	ErrRevoked       = errors.New("lease: sender is no longer blocked, lease revoked")
	ErrAttr          = errors.New("lease: access mode not permitted by lease attribute")
	ErrBounds        = errors.New("lease: offset out of range")
)

// Descriptor is what a sender hands the kernel at SEND time: a window
// into its own memory (represented here as a []byte the sender owns) and
// the access mode it grants.
type Descriptor struct {
	Mem  []byte
	Attr Attr
}

// Info is what BORROW_INFO reports back.
type Info struct {
	Length int
	Attr   Attr
}

// Set is the list of leases a single blocked sender is currently
// offering. It exists only while the sender is BlockedInReply; the
// rendezvous engine revokes it (via Clear) the instant that changes.
type Set struct {
	descs []Descriptor
}

// NewSet validates and wraps a sender's lease list. Policy failure
// (too many leases) is reported here since it's a precondition of SEND
// itself, not a later BORROW_* failure.
func NewSet(descs []Descriptor) (*Set, error) {
	if len(descs) > MaxLeases {
		return nil, fmt.Errorf("%w: got %d", ErrTooManyLeases, len(descs))
	}
	if descs == nil {
		descs = []Descriptor{}
	}
	return &Set{descs: descs}, nil
}

// revoked reports whether this set has already been cleared.
func (s *Set) revoked() bool { return s == nil || s.descs == nil }

// Clear revokes every lease in the set atomically (from the perspective
// of any in-flight BORROW_* call, which holds the engine's single lock
// for its whole duration, see rendezvous.Engine).
func (s *Set) Clear() {
	if s == nil {
		return
	}
	s.descs = nil
}

// Count returns the number of leases in the set (0 once revoked).
func (s *Set) Count() int {
	if s.revoked() {
		return 0
	}
	return len(s.descs)
}

func (s *Set) at(idx uint8) (Descriptor, error) {
	if s.revoked() {
		return Descriptor{}, ErrRevoked
	}
	if int(idx) >= len(s.descs) {
		return Descriptor{}, fmt.Errorf("%w: %d", ErrNotFound, idx)
	}
	return s.descs[idx], nil
}

// Info implements BORROW_INFO.
func (s *Set) Info(idx uint8) (Info, error) {
	d, err := s.at(idx)
	if err != nil {
		return Info{}, err
	}
	return Info{Length: len(d.Mem), Attr: d.Attr}, nil
}

// Read implements BORROW_READ: copies min(len-offset, len(dst)) bytes
// starting at offset into dst, and returns the count copied.
func (s *Set) Read(idx uint8, offset uint32, dst []byte) (int, error) {
	d, err := s.at(idx)
	if err != nil {
		return 0, err
	}
	if d.Attr&R == 0 {
		return 0, fmt.Errorf("%w: lease %d is %s", ErrAttr, idx, d.Attr)
	}
	if int(offset) > len(d.Mem) {
		return 0, fmt.Errorf("%w: offset %d > length %d", ErrBounds, offset, len(d.Mem))
	}
	n := copy(dst, d.Mem[offset:])
	return n, nil
}

// Write implements BORROW_WRITE: copies min(len-offset, len(src)) bytes
// from src into the lease window starting at offset.
func (s *Set) Write(idx uint8, offset uint32, src []byte) (int, error) {
	d, err := s.at(idx)
	if err != nil {
		return 0, err
	}
	if d.Attr&W == 0 {
		return 0, fmt.Errorf("%w: lease %d is %s", ErrAttr, idx, d.Attr)
	}
	if int(offset) > len(d.Mem) {
		return 0, fmt.Errorf("%w: offset %d > length %d", ErrBounds, offset, len(d.Mem))
	}
	n := copy(d.Mem[offset:], src)
	return n, nil
}
