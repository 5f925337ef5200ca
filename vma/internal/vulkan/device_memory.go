package vulkan

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"

	"github.com/gpuvma/vma/suballoc"
)

// SmallHeapMaxSize is the cutoff below which a heap is considered "small": preferred block size
// uses heap/8 as its step rather than the large-heap default, so a single block never swallows
// an outsized fraction of a small heap.
const SmallHeapMaxSize int = 1024 * 1024 * 1024 // 1 GiB

// MemoryCallbacks lets the owning Allocator observe every real device allocate/free, e.g. for
// its own logging or accounting on top of what DeviceMemoryProperties already tracks.
type MemoryCallbacks interface {
	Allocate(memoryTypeIndex int, memory core1_0.DeviceMemory, size int)
	Free(memoryTypeIndex int, memory core1_0.DeviceMemory, size int)
}

// DeviceMemoryProperties is the thin, synchronized wrapper around the physical device's memory
// properties plus the atomic per-heap counters backing Allocator budget queries.
type DeviceMemoryProperties struct {
	blockCount          [common.MaxMemoryHeaps]int32
	allocationCount     [common.MaxMemoryHeaps]int32
	blockBytes          [common.MaxMemoryHeaps]int64
	allocationBytes     [common.MaxMemoryHeaps]int64
	opsSinceBudgetFetch [common.MaxMemoryHeaps]int32

	useMutex            bool
	allocationCallbacks *driver.AllocationCallbacks
	memoryCallbacks     MemoryCallbacks
	memoryCount         uint32
	heapLimits          []int

	device           core1_0.Device
	physicalDevice   core1_0.PhysicalDevice
	deviceProperties *core1_0.PhysicalDeviceProperties
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties
	extensionData    *ExtensionData
}

// NewDeviceMemoryProperties queries the physical device's properties and validates the
// power-of-two device limits the rest of the allocator relies on.
func NewDeviceMemoryProperties(
	useMutex bool,
	allocationCallbacks *driver.AllocationCallbacks,
	memoryCallbacks MemoryCallbacks,
	device core1_0.Device,
	physicalDevice core1_0.PhysicalDevice,
	extensionData *ExtensionData,
	heapSizeLimits []int,
) (*DeviceMemoryProperties, error) {
	props := &DeviceMemoryProperties{
		useMutex:            useMutex,
		allocationCallbacks: allocationCallbacks,
		memoryCallbacks:     memoryCallbacks,
		device:              device,
		physicalDevice:      physicalDevice,
		extensionData:       extensionData,
	}

	var err error
	props.deviceProperties, err = physicalDevice.Properties()
	if err != nil {
		return nil, errors.Wrap(err, "querying physical device properties")
	}
	props.memoryProperties = physicalDevice.MemoryProperties()

	if err := suballoc.CheckPow2(uint(props.deviceProperties.Limits.BufferImageGranularity), "device bufferImageGranularity"); err != nil {
		return nil, err
	}
	if err := suballoc.CheckPow2(uint(props.deviceProperties.Limits.NonCoherentAtomSize), "device nonCoherentAtomSize"); err != nil {
		return nil, err
	}

	heapCount := props.MemoryHeapCount()
	if len(heapSizeLimits) > 0 && len(heapSizeLimits) != heapCount {
		return nil, errors.New("HeapSizeLimits was provided, but its length does not match the device's heap count")
	}
	if len(heapSizeLimits) == 0 {
		heapSizeLimits = make([]int, heapCount)
	}
	props.heapLimits = heapSizeLimits

	return props, nil
}

func (m *DeviceMemoryProperties) MemoryTypeCount() int { return len(m.memoryProperties.MemoryTypes) }

// MaxMemoryAllocationCount is the device's cap on simultaneous VkDeviceMemory allocations, used to
// back off from preferring dedicated allocations as that cap approaches.
func (m *DeviceMemoryProperties) MaxMemoryAllocationCount() int {
	return int(m.deviceProperties.Limits.MaxMemoryAllocationCount)
}

func (m *DeviceMemoryProperties) MemoryHeapCount() int { return len(m.memoryProperties.MemoryHeaps) }

func (m *DeviceMemoryProperties) MemoryTypeIndexToHeapIndex(memTypeIndex int) int {
	return m.memoryProperties.MemoryTypes[memTypeIndex].HeapIndex
}

func (m *DeviceMemoryProperties) MemoryTypeProperties(memoryTypeIndex int) core1_0.MemoryType {
	return m.memoryProperties.MemoryTypes[memoryTypeIndex]
}

func (m *DeviceMemoryProperties) MemoryHeapProperties(heapIndex int) core1_0.MemoryHeap {
	return m.memoryProperties.MemoryHeaps[heapIndex]
}

// MemoryTypeMinimumAlignment returns the non-coherent atom size for host-visible,
// non-host-coherent memory types, and 1 otherwise.
func (m *DeviceMemoryProperties) MemoryTypeMinimumAlignment(memTypeIndex int) uint {
	flags := m.memoryProperties.MemoryTypes[memTypeIndex].PropertyFlags
	if flags&(core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent) == core1_0.MemoryPropertyHostVisible {
		if alignment := uint(m.deviceProperties.Limits.NonCoherentAtomSize); alignment >= 1 {
			return alignment
		}
	}
	return 1
}

func (m *DeviceMemoryProperties) IsMemoryTypeHostNonCoherent(memoryTypeIndex int) bool {
	flags := m.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags
	return flags&(core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent) == core1_0.MemoryPropertyHostVisible
}

func (m *DeviceMemoryProperties) Extensions() *ExtensionData { return m.extensionData }

func (m *DeviceMemoryProperties) Device() core1_0.Device { return m.device }

func (m *DeviceMemoryProperties) addBlockAllocation(heapIndex, size int) {
	atomic.AddInt64(&m.blockBytes[heapIndex], int64(size))
	atomic.AddInt32(&m.blockCount[heapIndex], 1)
	m.noteBudgetAffectingOperation(heapIndex)
}

// addBlockAllocationWithBudget is the CAS loop that enforces a per-heap size limit without
// taking a lock: it only commits the add if the heap stays under maxAllocatable.
func (m *DeviceMemoryProperties) addBlockAllocationWithBudget(heapIndex, size, maxAllocatable int) error {
	for {
		current := atomic.LoadInt64(&m.blockBytes[heapIndex])
		target := current + int64(size)
		if target > int64(maxAllocatable) {
			return suballoc.NewError(suballoc.ErrorKindOutOfDeviceMemory, "heap size limit exceeded")
		}
		if atomic.CompareAndSwapInt64(&m.blockBytes[heapIndex], current, target) {
			break
		}
	}
	atomic.AddInt32(&m.blockCount[heapIndex], 1)
	m.noteBudgetAffectingOperation(heapIndex)
	return nil
}

func (m *DeviceMemoryProperties) removeBlockAllocation(heapIndex, size int) {
	newBytes := atomic.AddInt64(&m.blockBytes[heapIndex], int64(-size))
	if newBytes < 0 {
		panic(fmt.Sprintf("block bytes budget for heap %d went negative", heapIndex))
	}
	newCount := atomic.AddInt32(&m.blockCount[heapIndex], -1)
	if newCount < 0 {
		panic(fmt.Sprintf("block count budget for heap %d went negative", heapIndex))
	}
	m.noteBudgetAffectingOperation(heapIndex)
}

func (m *DeviceMemoryProperties) AddAllocation(heapIndex, size int) {
	atomic.AddInt64(&m.allocationBytes[heapIndex], int64(size))
	atomic.AddInt32(&m.allocationCount[heapIndex], 1)
}

func (m *DeviceMemoryProperties) RemoveAllocation(heapIndex, size int) {
	newBytes := atomic.AddInt64(&m.allocationBytes[heapIndex], int64(-size))
	if newBytes < 0 {
		panic(fmt.Sprintf("allocation bytes budget for heap %d went negative", heapIndex))
	}
	newCount := atomic.AddInt32(&m.allocationCount[heapIndex], -1)
	if newCount < 0 {
		panic(fmt.Sprintf("allocation count budget for heap %d went negative", heapIndex))
	}
}

// AllocateVulkanMemory charges the owning heap (honoring a caller-supplied limit, if any),
// performs the real device allocation, and rolls the charge back on any failure.
func (m *DeviceMemoryProperties) AllocateVulkanMemory(allocateInfo core1_0.MemoryAllocateInfo) (mem *SynchronizedMemory, err error) {
	newCount := atomic.AddUint32(&m.memoryCount, 1)
	defer func() {
		if err != nil {
			atomic.AddUint32(&m.memoryCount, ^uint32(0))
		}
	}()
	if int(newCount) > m.deviceProperties.Limits.MaxMemoryAllocationCount {
		return nil, suballoc.NewError(suballoc.ErrorKindOutOfDeviceMemory, "exceeded the device's maximum memory allocation count")
	}

	heapIndex := m.MemoryTypeIndexToHeapIndex(allocateInfo.MemoryTypeIndex)
	if limit := m.heapLimits[heapIndex]; limit > 0 {
		maxSize := limit
		if heapSize := m.memoryProperties.MemoryHeaps[heapIndex].Size; heapSize < maxSize {
			maxSize = heapSize
		}
		if err = m.addBlockAllocationWithBudget(heapIndex, allocateInfo.AllocationSize, maxSize); err != nil {
			return nil, err
		}
	} else {
		m.addBlockAllocation(heapIndex, allocateInfo.AllocationSize)
	}
	defer func() {
		if err != nil {
			m.removeBlockAllocation(heapIndex, allocateInfo.AllocationSize)
		}
	}()

	mem, _, err = allocateSynchronizedMemory(m.device, m.useMutex, m.allocationCallbacks, allocateInfo)
	if err != nil {
		return nil, errors.Wrap(err, "allocating device memory")
	}

	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Allocate(allocateInfo.MemoryTypeIndex, mem.VulkanDeviceMemory(), allocateInfo.AllocationSize)
	}
	return mem, nil
}

func (m *DeviceMemoryProperties) FreeVulkanMemory(memoryTypeIndex, size int, memory *SynchronizedMemory) {
	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Free(memoryTypeIndex, memory.VulkanDeviceMemory(), size)
	}
	memory.FreeMemory(m.device)

	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	m.removeBlockAllocation(heapIndex, size)
	atomic.AddUint32(&m.memoryCount, ^uint32(0))
}

// budgetRefreshOperationThreshold is the number of allocate/free operations on a heap after which
// a budget fetch counts as stale. Nothing consults it: HeapBudgets recomputes every heap's
// usage/budget pair on each call.
const budgetRefreshOperationThreshold = 30

// HeapBudgets fills budgets (one entry per heap, starting at firstHeap) with each heap's current
// statistics and its usage/budget pair.
//
// ExtensionData.UseMemoryBudget records whether the device advertises ext_memory_budget, but
// nothing in this driver generation exposes a query for VkPhysicalDeviceMemoryBudgetPropertiesEXT
// through core1_0.PhysicalDevice, so there is no real value to chain it against; the estimate
// below (80% of the heap's declared size) is what every caller gets regardless of extension
// support. opsSinceBudgetFetch tracks the refresh cadence against budgetRefreshOperationThreshold so a
// future driver revision that does expose the query only has to replace the body of this loop.
func (m *DeviceMemoryProperties) HeapBudgets(firstHeap int, budgets []suballoc.Budget) {
	for i := range budgets {
		heapIndex := firstHeap + i
		budgets[i].Statistics.BlockCount = int(atomic.LoadInt32(&m.blockCount[heapIndex]))
		budgets[i].Statistics.AllocationCount = int(atomic.LoadInt32(&m.allocationCount[heapIndex]))
		budgets[i].Statistics.BlockBytes = int(atomic.LoadInt64(&m.blockBytes[heapIndex]))
		budgets[i].Statistics.AllocationBytes = int(atomic.LoadInt64(&m.allocationBytes[heapIndex]))

		budgets[i].Usage = budgets[i].Statistics.BlockBytes
		budgets[i].Budget = m.memoryProperties.MemoryHeaps[heapIndex].Size * 8 / 10

		atomic.StoreInt32(&m.opsSinceBudgetFetch[heapIndex], 0)
	}
}

// noteBudgetAffectingOperation increments the per-heap operation counter HeapBudgets resets on
// each fetch; callers don't currently branch on the result, since the estimate recomputed above
// is cheap enough to always refresh, but the counter is kept so a real extension query added
// later has the cadence data spec.md calls for without another pass over every call site.
func (m *DeviceMemoryProperties) noteBudgetAffectingOperation(heapIndex int) int {
	return int(atomic.AddInt32(&m.opsSinceBudgetFetch[heapIndex], 1))
}

// CacheOperation distinguishes a flush from an invalidate over mapped memory ranges.
type CacheOperation uint32

const (
	CacheOperationFlush CacheOperation = iota
	CacheOperationInvalidate
)

func (o CacheOperation) String() string {
	switch o {
	case CacheOperationFlush:
		return "Flush"
	case CacheOperationInvalidate:
		return "Invalidate"
	default:
		return "Unknown"
	}
}

func (m *DeviceMemoryProperties) FlushOrInvalidateAllocations(memRanges []core1_0.MappedMemoryRange, operation CacheOperation) (common.VkResult, error) {
	if len(memRanges) == 0 {
		return core1_0.VKSuccess, nil
	}
	switch operation {
	case CacheOperationFlush:
		return m.device.FlushMappedMemoryRanges(memRanges)
	case CacheOperationInvalidate:
		return m.device.InvalidateMappedMemoryRanges(memRanges)
	default:
		return core1_0.VKErrorUnknown, errors.Newf("invalid cache operation %s", operation)
	}
}

func (m *DeviceMemoryProperties) CalculateGlobalMemoryTypeBits() uint32 {
	var bits uint32
	for i := 0; i < len(m.memoryProperties.MemoryTypes); i++ {
		if m.extensionData != nil && !m.extensionData.UseAMDDeviceCoherentMemory &&
			m.memoryProperties.MemoryTypes[i].PropertyFlags&amdDeviceCoherentMemoryFlag != 0 {
			continue
		}
		bits |= 1 << i
	}
	return bits
}

func (m *DeviceMemoryProperties) CalculateBufferImageGranularity() int {
	if granularity := m.deviceProperties.Limits.BufferImageGranularity; granularity >= 1 {
		return granularity
	}
	return 1
}

func (m *DeviceMemoryProperties) AllocationCount() uint32 { return atomic.LoadUint32(&m.memoryCount) }

func (m *DeviceMemoryProperties) IsIntegratedGPU() bool {
	return m.deviceProperties.DriverType == core1_0.PhysicalDeviceTypeIntegratedGPU
}

// amdDeviceCoherentMemoryFlag mirrors the property bit the amd_device_coherent_memory extension
// adds to core1_0.MemoryPropertyFlags; excluded from the global type mask unless the caller
// opted in, since ordinary allocations should not land on device-coherent memory by accident.
const amdDeviceCoherentMemoryFlag core1_0.MemoryPropertyFlags = 0x40
