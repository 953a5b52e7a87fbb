//go:build debug_kmem

package memutils

import "golang.org/x/exp/constraints"

// DebugAssertsEnabled reports whether the debug_kmem build tag is present.
const DebugAssertsEnabled = true

// DebugAssert panics with msg if condition does not hold. This method no-ops
// unless the debug_kmem build tag is present.
func DebugAssert(condition bool, msg string) {
	if !condition {
		panic(msg)
	}
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_kmem build tag is present.
func DebugCheckPow2[T constraints.Unsigned](value T, name string) {
	err := CheckPow2(value, name)
	if err != nil {
		panic(err)
	}
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_kmem build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}
