package vulkan

import (
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/core/v2/core1_2"
	"github.com/vkngwrapper/extensions/v2/amd_device_coherent_memory"
	"github.com/vkngwrapper/extensions/v2/ext_memory_budget"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
	"github.com/vkngwrapper/extensions/v2/khr_bind_memory2"
	khr_bind_memory2_shim "github.com/vkngwrapper/extensions/v2/khr_bind_memory2/shim"
	"github.com/vkngwrapper/extensions/v2/khr_buffer_device_address"
	khr_buffer_device_address_shim "github.com/vkngwrapper/extensions/v2/khr_buffer_device_address/shim"
	"github.com/vkngwrapper/extensions/v2/khr_dedicated_allocation"
	"github.com/vkngwrapper/extensions/v2/khr_external_memory"
	"github.com/vkngwrapper/extensions/v2/khr_get_memory_requirements2"
	khr_get_memory_requirements2_shim "github.com/vkngwrapper/extensions/v2/khr_get_memory_requirements2/shim"
	"github.com/vkngwrapper/extensions/v2/khr_get_physical_device_properties2"
	khr_get_physical_device_properties2_shim "github.com/vkngwrapper/extensions/v2/khr_get_physical_device_properties2/shim"
)

// ExtensionData records which pieces of the device's extension (or promoted-core) surface are
// available, so the allocator can use the fast path (dedicated allocation hints, buffer device
// address) wherever the driver supports it and fall back to the plain core 1.0 path otherwise.
// BindMemory2 and UseMemoryBudget are recorded but not consulted: binding always uses the core
// 1.0 calls, and HeapBudgets always estimates.
type ExtensionData struct {
	DedicatedAllocations         bool
	ExternalMemory               bool
	GetMemoryRequirements        khr_get_memory_requirements2_shim.Shim
	BindMemory2                  khr_bind_memory2_shim.Shim
	BufferDeviceAddress          khr_buffer_device_address_shim.Shim
	GetPhysicalDeviceProperties2 khr_get_physical_device_properties2_shim.Shim
	UseMemoryBudget              bool
	UseAMDDeviceCoherentMemory   bool
	UseMemoryPriority            bool
}

// DiscoverExtensionData inspects device, physicalDevice, and instance for the core versions and
// extensions the allocator cares about.
func DiscoverExtensionData(device core1_0.Device, physicalDevice core1_0.PhysicalDevice, instance core1_0.Instance) *ExtensionData {
	data := &ExtensionData{}

	if device11 := core1_1.PromoteDevice(device); device11 != nil {
		data.DedicatedAllocations = true
		data.ExternalMemory = true
		data.BindMemory2 = device11
		data.GetMemoryRequirements = device11
	}

	if device12 := core1_2.PromoteDevice(device); device12 != nil {
		data.BufferDeviceAddress = device12
	}

	if physicalDevice11 := core1_1.PromoteInstanceScopedPhysicalDevice(physicalDevice); physicalDevice11 != nil {
		data.GetPhysicalDeviceProperties2 = physicalDevice11
	}

	if data.BindMemory2 == nil && device.IsDeviceExtensionActive(khr_bind_memory2.ExtensionName) {
		extension := khr_bind_memory2.CreateExtensionFromDevice(device)
		data.BindMemory2 = khr_bind_memory2_shim.NewShim(device, extension)
	}

	if data.GetMemoryRequirements == nil && device.IsDeviceExtensionActive(khr_get_memory_requirements2.ExtensionName) {
		extension := khr_get_memory_requirements2.CreateExtensionFromDevice(device)
		data.GetMemoryRequirements = khr_get_memory_requirements2_shim.NewShim(extension, device)
	}

	if data.GetMemoryRequirements != nil && !data.DedicatedAllocations &&
		device.IsDeviceExtensionActive(khr_dedicated_allocation.ExtensionName) {
		data.DedicatedAllocations = true
	}

	if !data.ExternalMemory && device.IsDeviceExtensionActive(khr_external_memory.ExtensionName) {
		data.ExternalMemory = true
	}

	if data.BufferDeviceAddress == nil && device.IsDeviceExtensionActive(khr_buffer_device_address.ExtensionName) {
		extension := khr_buffer_device_address.CreateExtensionFromDevice(device)
		data.BufferDeviceAddress = khr_buffer_device_address_shim.NewShim(extension, device)
	}

	if data.GetPhysicalDeviceProperties2 == nil && instance.IsInstanceExtensionActive(khr_get_physical_device_properties2.ExtensionName) {
		extension := khr_get_physical_device_properties2.CreateExtensionFromInstance(instance)
		data.GetPhysicalDeviceProperties2 = khr_get_physical_device_properties2_shim.NewShim(extension, physicalDevice)
	}

	if data.GetPhysicalDeviceProperties2 != nil && device.IsDeviceExtensionActive(ext_memory_budget.ExtensionName) {
		data.UseMemoryBudget = true
	}

	if device.IsDeviceExtensionActive(ext_memory_priority.ExtensionName) {
		data.UseMemoryPriority = true
	}

	if device.IsDeviceExtensionActive(amd_device_coherent_memory.ExtensionName) {
		data.UseAMDDeviceCoherentMemory = true
	}

	return data
}
