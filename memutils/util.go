package memutils

import (
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

func CheckPow2[T constraints.Unsigned](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp advances value to the next multiple of alignment. Alignment must be
// a power of two. The result wraps if value is within alignment-1 of the top
// of the address space; use AlignUpChecked where that can happen.
func AlignUp(value, alignment uintptr) uintptr {
	return (value + alignment - 1) &^ (alignment - 1)
}

func AlignDown(value, alignment uintptr) uintptr {
	return value &^ (alignment - 1)
}

// AlignUpChecked is AlignUp with a wraparound check: ok is false if no aligned
// address at or above value fits in a uintptr.
func AlignUpChecked(value, alignment uintptr) (aligned uintptr, ok bool) {
	aligned = (value + alignment - 1) &^ (alignment - 1)
	return aligned, aligned >= value
}

// Msb returns the position of the highest set bit of value, counting from
// one: Msb(1) == 1, Msb(0b1000000) == 7. Msb(0) is 0.
func Msb(value uintptr) uint {
	return uint(bits.Len(uint(value)))
}
