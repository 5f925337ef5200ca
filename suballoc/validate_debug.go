//go:build debug_mem_utils

package suballoc

import "unsafe"

const (
	// DebugMargin is the number of bytes of guard data placed on either side of an allocation
	// inside a block, used to catch a neighbor writing past its own bounds.
	DebugMargin int = 16
	// corruptionDetectionMagicValue is the 4-byte pattern stamped across margin bytes.
	corruptionDetectionMagicValue uint32 = 0x7F84E666
)

// WriteMagicValue stamps DebugMargin bytes at data+offset with the corruption-detection
// pattern. No-ops unless built with debug_mem_utils.
func WriteMagicValue(data unsafe.Pointer, offset int) {
	dest := unsafe.Add(data, offset)
	marginSize := DebugMargin / int(unsafe.Sizeof(uint32(0)))
	for i := 0; i < marginSize; i++ {
		*(*uint32)(dest) = corruptionDetectionMagicValue
		dest = unsafe.Add(dest, unsafe.Sizeof(uint32(0)))
	}
}

// ValidateMagicValue reports whether the pattern written by WriteMagicValue is still intact.
// Always true unless built with debug_mem_utils.
func ValidateMagicValue(data unsafe.Pointer, offset int) bool {
	source := unsafe.Add(data, offset)
	marginSize := DebugMargin / int(unsafe.Sizeof(uint32(0)))
	for i := 0; i < marginSize; i++ {
		value := (*uint32)(source)
		if *value != corruptionDetectionMagicValue {
			return false
		}
		source = unsafe.Add(source, unsafe.Sizeof(uint32(0)))
	}
	return true
}

// DebugValidate calls Validate and panics on a non-nil error. No-ops unless built with
// debug_mem_utils.
func DebugValidate(validatable Validatable) {
	if err := validatable.Validate(); err != nil {
		panic(err)
	}
}

// DebugCheckPow2 panics if value is not a power of two. No-ops unless built with
// debug_mem_utils.
func DebugCheckPow2[T Number](value T, name string) {
	if err := CheckPow2[T](value, name); err != nil {
		panic(err)
	}
}
