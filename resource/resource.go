// Package resource implements the composable memory resources the kernel
// builds its heap from: a bump allocator over a fixed span, a fan-out
// resource distributing requests across many upstreams, and a buddy
// allocator sitting on top. All resources trade in raw uintptr-addressed
// memory and are strictly single-threaded; they are meant for the
// pre-scheduler boot phase.
package resource

import (
	cerrors "github.com/cockroachdb/errors"
)

// ErrBadAlloc is returned when a resource cannot satisfy an allocation.
var ErrBadAlloc = cerrors.New("resource cannot satisfy allocation")

// ErrInvalidArgument is returned when a caller violates a resource's
// construction or usage contract.
var ErrInvalidArgument = cerrors.New("invalid argument")

// Resource hands out raw spans of memory addressed by uintptr.
type Resource interface {
	// Allocate returns the address of a span of at least bytes bytes whose
	// base is aligned to alignment (a power of two), or an error wrapping
	// ErrBadAlloc.
	Allocate(bytes, alignment uintptr) (uintptr, error)
	// Deallocate returns a span previously obtained from Allocate with the
	// same bytes and alignment. Implementations may treat mismatched sizes
	// as a contract violation.
	Deallocate(p, bytes, alignment uintptr)
	// IsEqual reports whether memory allocated from the receiver can be
	// deallocated through other and vice versa.
	IsEqual(other Resource) bool
}
