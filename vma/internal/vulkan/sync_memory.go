package vulkan

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"

	"github.com/gpuvma/vma/vma/internal/utils"
)

// SynchronizedMemory wraps one core1_0.DeviceMemory allocation with reference-counted
// mapping: several sub-allocations inside the same block may each call Map/Unmap, and only the
// 0-to-N and N-to-0 transitions actually touch the driver.
type SynchronizedMemory struct {
	mutex utils.OptionalMutex

	memory        core1_0.DeviceMemory
	mapReferences int
	mapData       unsafe.Pointer

	allocationCallbacks *driver.AllocationCallbacks
}

func allocateSynchronizedMemory(
	device core1_0.Device,
	useMutex bool,
	callbacks *driver.AllocationCallbacks,
	allocateInfo core1_0.MemoryAllocateInfo,
) (*SynchronizedMemory, common.VkResult, error) {
	memory, res, err := device.AllocateMemory(callbacks, allocateInfo)
	if err != nil {
		return nil, res, err
	}

	mem := &SynchronizedMemory{
		memory:              memory,
		allocationCallbacks: callbacks,
	}
	mem.mutex.UseMutex = useMutex
	return mem, res, nil
}

func (m *SynchronizedMemory) VulkanDeviceMemory() core1_0.DeviceMemory { return m.memory }

func (m *SynchronizedMemory) References() int { return m.mapReferences }

func (m *SynchronizedMemory) MappedData() unsafe.Pointer { return m.mapData }

// Map adds references to the map count, performing the real MapMemory call only on the
// 0-to-N transition, and always returns the pointer to the whole mapping's start; the caller
// adds offset itself.
func (m *SynchronizedMemory) Map(device core1_0.Device, references int, offset, size int, flags core1_0.MemoryMapFlags) (unsafe.Pointer, common.VkResult, error) {
	if references == 0 {
		return nil, core1_0.VKSuccess, nil
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.mapReferences > 0 {
		m.mapReferences += references
		if m.mapData == nil {
			return nil, core1_0.VKErrorUnknown, errors.New("the block is showing existing memory mapping references, but no mapped memory")
		}
		return m.mapData, core1_0.VKSuccess, nil
	}

	mappedData, res, err := m.memory.Map(offset, size, flags)
	if err != nil {
		return nil, res, err
	}

	m.mapData = mappedData
	m.mapReferences = references
	return mappedData, res, nil
}

// Unmap removes references from the map count, unmapping on the N-to-0 transition.
func (m *SynchronizedMemory) Unmap(device core1_0.Device, references int) error {
	if m.mapReferences == 0 {
		return nil
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.mapReferences < references {
		return errors.New("device memory block has more references being unmapped than are currently mapped")
	}

	m.mapReferences -= references
	if m.mapReferences <= 0 {
		m.memory.Unmap()
		m.mapData = nil
		m.mapReferences = 0
	}

	return nil
}

// BindVulkanBuffer binds buffer to this memory at offset. next is only accepted as nil: this
// module does not wrap khr_bind_memory2, so a caller that needs BindBufferMemory2 must bind
// directly against VulkanDeviceMemory() itself.
func (m *SynchronizedMemory) BindVulkanBuffer(device core1_0.Device, offset int, buffer core1_0.Buffer, next common.Options) (common.VkResult, error) {
	if next != nil {
		return core1_0.VKErrorExtensionNotPresent, core1_0.VKErrorExtensionNotPresent.ToError()
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	return buffer.BindBufferMemory(m.memory, offset)
}

// BindVulkanImage binds image to this memory at offset. See BindVulkanBuffer for the next
// restriction.
func (m *SynchronizedMemory) BindVulkanImage(device core1_0.Device, offset int, image core1_0.Image, next common.Options) (common.VkResult, error) {
	if next != nil {
		return core1_0.VKErrorExtensionNotPresent, core1_0.VKErrorExtensionNotPresent.ToError()
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	return image.BindImageMemory(m.memory, offset)
}

func (m *SynchronizedMemory) FreeMemory(device core1_0.Device) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	device.FreeMemory(m.memory, m.allocationCallbacks)
}
