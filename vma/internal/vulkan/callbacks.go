package vulkan

import "github.com/vkngwrapper/core/v2/core1_0"

// AllocateFunc and FreeFunc mirror the public MemoryCallbackOptions the vma package exposes,
// but are declared here (rather than imported from vma) so this package never imports its own
// importer.
type AllocateFunc func(memoryType int, memory core1_0.DeviceMemory, size int, userData any)
type FreeFunc func(memoryType int, memory core1_0.DeviceMemory, size int, userData any)

// CallbackAdapter implements MemoryCallbacks by forwarding to caller-supplied AllocateFunc and
// FreeFunc closures, either of which may be nil.
type CallbackAdapter struct {
	OnAllocate AllocateFunc
	OnFree     FreeFunc
	UserData   any
}

func (c *CallbackAdapter) Allocate(memoryType int, memory core1_0.DeviceMemory, size int) {
	if c.OnAllocate != nil {
		c.OnAllocate(memoryType, memory, size, c.UserData)
	}
}

func (c *CallbackAdapter) Free(memoryType int, memory core1_0.DeviceMemory, size int) {
	if c.OnFree != nil {
		c.OnFree(memoryType, memory, size, c.UserData)
	}
}
