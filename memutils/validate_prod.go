//go:build !debug_kmem

package memutils

import "golang.org/x/exp/constraints"

// DebugAssertsEnabled reports whether the debug_kmem build tag is present.
const DebugAssertsEnabled = false

// DebugAssert panics with msg if condition does not hold. This method no-ops
// unless the debug_kmem build tag is present.
func DebugAssert(condition bool, msg string) {
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_kmem build tag is present.
func DebugCheckPow2[T constraints.Unsigned](value T, name string) {
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_kmem build tag is present
func DebugValidate(validatable Validatable) {
}
