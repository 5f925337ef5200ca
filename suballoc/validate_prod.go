//go:build !debug_mem_utils

package suballoc

import "unsafe"

// DebugMargin is the number of bytes of guard data placed on either side of an allocation
// inside a block. Zero in non-debug builds.
const DebugMargin int = 0

// ValidateMagicValue always reports true when DebugMargin is zero.
func ValidateMagicValue(data unsafe.Pointer, offset int) bool {
	return true
}

// WriteMagicValue no-ops when DebugMargin is zero.
func WriteMagicValue(data unsafe.Pointer, offset int) {
}

// DebugValidate no-ops when DebugMargin is zero.
func DebugValidate(validatable Validatable) {
}

// DebugCheckPow2 no-ops when DebugMargin is zero.
func DebugCheckPow2[T Number](value T, name string) {
}
