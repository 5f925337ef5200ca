package vma

import (
	"math"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"golang.org/x/exp/slog"

	"github.com/gpuvma/vma/suballoc"
	"github.com/gpuvma/vma/vma/internal/utils"
	"github.com/gpuvma/vma/vma/internal/vulkan"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate.
type CreateFlags int32

var allocatorCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) { allocatorCreateFlagsMapping.Register(f, str) }
func (f CreateFlags) String() string       { return allocatorCreateFlagsMapping.FlagsToString(f) }

const (
	// AllocatorCreateExternallySynchronized disables every internal mutex: the caller must
	// guarantee this Allocator and everything created from it is touched by only one thread at a
	// time, or is synchronized by some other mechanism. Extension usage (budget query, AMD
	// device-coherent memory, buffer device address) is not gated by a flag here: it is detected
	// directly from the device/instance via vulkan.DiscoverExtensionData, same as the teacher.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")
}

// defaultLargeHeapBlockSize is used as PreferredLargeHeapBlockSize when CreateOptions leaves it
// at zero. Equal to 256Mb.
const defaultLargeHeapBlockSize int = 256 * 1024 * 1024

// defaultFrameInUseCount is used when CreateOptions.FrameInUseCount is left at zero: a
// CanBecomeLost allocation is never eligible for eviction during the frame it was last touched.
const defaultFrameInUseCount uint32 = 1

// MemoryCallback is invoked on every real Vulkan allocate or free an Allocator performs.
// Allocations and frees performed by callers don't map 1:1 with these: a dedicated allocation
// triggers one call each, but a block suballocation only triggers one when it causes its owning
// block to be created or destroyed.
type MemoryCallback func(memoryTypeIndex int, memory core1_0.DeviceMemory, size int, userData any)

// MemoryCallbackOptions is an optional pair of allocate/free callbacks plus the userData value
// passed to them.
type MemoryCallbackOptions struct {
	OnAllocate MemoryCallback
	OnFree     MemoryCallback
	UserData   any
}

// CreateOptions contains optional settings used when creating an Allocator. It is valid to leave
// every field at its zero value.
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate.
	Flags CreateFlags

	// PreferredLargeHeapBlockSize is the block size to use when allocating from heaps larger than
	// vulkan.SmallHeapMaxSize. Defaults to 256Mb.
	PreferredLargeHeapBlockSize int

	// FrameInUseCount is how many frames a CanBecomeLost allocation may go untouched before it
	// becomes eligible for eviction by a request with CanMakeOtherLost. Defaults to 1.
	FrameInUseCount uint32

	// VulkanCallbacks is an optional set of callbacks Vulkan itself will invoke on host memory
	// created by this allocator.
	VulkanCallbacks *driver.AllocationCallbacks
	// MemoryCallbackOptions is an optional set of callbacks invoked whenever this allocator
	// performs a real device memory allocation or free.
	MemoryCallbackOptions *MemoryCallbackOptions

	// HeapSizeLimits can be left empty. If provided, it must have one entry per memory heap on
	// physicalDevice: either the maximum number of bytes the allocator may allocate from that
	// heap, or 0 for no limit. Heap limits are enforced at runtime with an OutOfDeviceMemory
	// error, not merely advisory.
	HeapSizeLimits []int
}

// Allocator suballocates device memory across a Vulkan device's memory types, tracking per-heap
// budgets, dedicated allocations, and frame-based lost-allocation eviction.
type Allocator struct {
	useMutex            bool
	logger              *slog.Logger
	instance            core1_0.Instance
	physicalDevice      core1_0.PhysicalDevice
	device              core1_0.Device
	allocationCallbacks *driver.AllocationCallbacks

	createFlags   CreateFlags
	extensionData *vulkan.ExtensionData

	frameInUseCount   uint32
	currentFrameIndex uint32

	preferredLargeHeapBlockSize int
	globalMemoryTypeBits        uint32
	nextPoolID                  int
	poolsMutex                  utils.OptionalRWMutex
	pools                       *Pool

	deviceMemory         *vulkan.DeviceMemoryProperties
	memoryBlockLists     [common.MaxMemoryTypes]*memoryBlockList
	dedicatedAllocations [common.MaxMemoryTypes]*dedicatedAllocationList
}

// New creates an Allocator bound to device, validating the physical device's power-of-two limits
// and building one default memoryBlockList and dedicatedAllocationList per supported memory type.
func New(
	logger *slog.Logger,
	instance core1_0.Instance,
	physicalDevice core1_0.PhysicalDevice,
	device core1_0.Device,
	options CreateOptions,
) (*Allocator, error) {
	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0

	frameInUseCount := options.FrameInUseCount
	if frameInUseCount == 0 {
		frameInUseCount = defaultFrameInUseCount
	}

	allocator := &Allocator{
		useMutex:            useMutex,
		logger:              logger,
		instance:            instance,
		physicalDevice:      physicalDevice,
		device:              device,
		allocationCallbacks: options.VulkanCallbacks,
		createFlags:         options.Flags,
		extensionData:       vulkan.DiscoverExtensionData(device, physicalDevice, instance),
		frameInUseCount:     frameInUseCount,
	}
	allocator.poolsMutex.UseMutex = useMutex

	if options.PreferredLargeHeapBlockSize == 0 {
		allocator.preferredLargeHeapBlockSize = defaultLargeHeapBlockSize
	} else {
		allocator.preferredLargeHeapBlockSize = options.PreferredLargeHeapBlockSize
	}

	var memoryCallbacks vulkan.MemoryCallbacks
	if options.MemoryCallbackOptions != nil {
		opts := options.MemoryCallbackOptions
		memoryCallbacks = &vulkan.CallbackAdapter{
			OnAllocate: vulkan.AllocateFunc(opts.OnAllocate),
			OnFree:     vulkan.FreeFunc(opts.OnFree),
			UserData:   opts.UserData,
		}
	}

	var err error
	allocator.deviceMemory, err = vulkan.NewDeviceMemoryProperties(
		useMutex,
		options.VulkanCallbacks,
		memoryCallbacks,
		device,
		physicalDevice,
		allocator.extensionData,
		options.HeapSizeLimits,
	)
	if err != nil {
		return nil, err
	}

	allocator.globalMemoryTypeBits = allocator.deviceMemory.CalculateGlobalMemoryTypeBits()

	typeCount := allocator.deviceMemory.MemoryTypeCount()
	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		if allocator.globalMemoryTypeBits&(1<<typeIndex) == 0 {
			continue
		}

		preferredBlockSize := allocator.calculatePreferredBlockSize(typeIndex)

		list := &memoryBlockList{}
		list.Init(
			useMutex,
			allocator,
			nil,
			allocator.deviceMemory,
			allocator.extensionData,
			typeIndex,
			preferredBlockSize,
			0,
			math.MaxInt,
			allocator.deviceMemory.CalculateBufferImageGranularity(),
			false,
			0,
			allocator.deviceMemory.MemoryTypeMinimumAlignment(typeIndex),
			nil,
		)
		allocator.memoryBlockLists[typeIndex] = list

		dedicated := &dedicatedAllocationList{}
		dedicated.Init(useMutex)
		allocator.dedicatedAllocations[typeIndex] = dedicated
	}

	return allocator, nil
}

// calculatePreferredBlockSize implements spec.md's small-heap-cutoff rule: heaps at or below
// vulkan.SmallHeapMaxSize use heap/8 as their preferred block size rather than the configured
// (or default) large-heap size, so a single block never swallows an outsized share of a small
// heap.
func (a *Allocator) calculatePreferredBlockSize(memTypeIndex int) int {
	heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memTypeIndex)
	heapSize := a.deviceMemory.MemoryHeapProperties(heapIndex).Size

	rawSize := a.preferredLargeHeapBlockSize
	if heapSize <= vulkan.SmallHeapMaxSize {
		rawSize = heapSize / 8
	}

	return suballoc.AlignUp(rawSize, 32)
}
