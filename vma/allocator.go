package vma

import (
	"math"
	"math/bits"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/core/v2/core1_2"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
	"github.com/vkngwrapper/extensions/v2/khr_buffer_device_address"
	"github.com/vkngwrapper/extensions/v2/khr_dedicated_allocation"
	"github.com/vkngwrapper/extensions/v2/khr_external_memory"
	"golang.org/x/exp/slog"

	"github.com/gpuvma/vma/suballoc"
	"github.com/gpuvma/vma/suballoc/metadata"
)

// calcAllocationParams validates and normalizes o in place. The combination rules below are
// stricter than the allocator's historical Auto-usage validation: a dedicated allocation is
// never permitted into a custom pool here, full stop, rather than only when that pool also
// fixes an explicit block size.
func (a *Allocator) calcAllocationParams(o *AllocationCreateInfo, requiresDedicatedAllocation bool) error {
	if o.Flags&AllocationCreateDedicatedMemory != 0 && o.Flags&AllocationCreateNeverAllocate != 0 {
		return errors.New("AllocationCreateDedicatedMemory and AllocationCreateNeverAllocate cannot both be set")
	}
	if o.Flags&AllocationCreateMapped != 0 && o.Flags&AllocationCreateCanBecomeLost != 0 {
		return errors.New("AllocationCreateMapped and AllocationCreateCanBecomeLost cannot both be set")
	}
	if o.Flags&AllocationCreateUpperAddress != 0 {
		return suballoc.NewError(suballoc.ErrorKindFeatureNotPresent, "AllocationCreateUpperAddress requires a linear-algorithm pool, which this allocator does not implement")
	}
	if requiresDedicatedAllocation && o.Flags&AllocationCreateNeverAllocate != 0 {
		return errors.New("the resource requires a dedicated allocation, but AllocationCreateNeverAllocate was set")
	}

	if requiresDedicatedAllocation || o.Usage.forcesDedicated() {
		o.Flags |= AllocationCreateDedicatedMemory
	}

	if o.Pool != nil {
		if o.Flags&AllocationCreateDedicatedMemory != 0 {
			return errors.New("AllocationCreateDedicatedMemory cannot be combined with a custom pool")
		}
		o.Priority = o.Pool.blockList.priority
	}

	return nil
}

// findMemoryTypeIndex scores every memory type that survives memoryTypeBits and o's required
// flags, returning the one with the lowest cost (missing preferred bits plus present
// not-preferred bits). A type with zero cost is returned immediately.
func (a *Allocator) findMemoryTypeIndex(memoryTypeBits uint32, o AllocationCreateInfo) (int, error) {
	memoryTypeBits &= a.globalMemoryTypeBits
	if o.MemoryTypeBits != 0 {
		memoryTypeBits &= o.MemoryTypeBits
	}

	req := deriveMemoryRequirements(o, a.deviceMemory.IsIntegratedGPU())

	bestIndex := -1
	bestCost := math.MaxInt

	for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
		typeBit := uint32(1) << uint(typeIndex)
		if typeBit&memoryTypeBits == 0 {
			continue
		}

		flags := a.deviceMemory.MemoryTypeProperties(typeIndex).PropertyFlags
		if flags&req.required != req.required {
			continue
		}

		missingPreferred := req.preferred & ^flags
		presentNotPreferred := req.notPreferred & flags
		cost := bits.OnesCount32(uint32(missingPreferred)) + bits.OnesCount32(uint32(presentNotPreferred))
		if cost == 0 {
			return typeIndex, nil
		}
		if cost < bestCost {
			bestCost = cost
			bestIndex = typeIndex
		}
	}

	if bestIndex < 0 {
		return -1, suballoc.NewError(suballoc.ErrorKindFeatureNotPresent, "no memory type satisfies the requested properties")
	}
	return bestIndex, nil
}

// FindMemoryTypeIndex exposes findMemoryTypeIndex's scoring for callers that already have a
// core1_0.MemoryRequirements in hand.
func (a *Allocator) FindMemoryTypeIndex(memoryTypeBits uint32, o AllocationCreateInfo) (int, error) {
	return a.findMemoryTypeIndex(memoryTypeBits, o)
}

// FindMemoryTypeIndexForBufferInfo creates a throwaway buffer from bufferInfo to query its
// memory type requirements, then scores memory types exactly as AllocateMemoryForBuffer would.
func (a *Allocator) FindMemoryTypeIndexForBufferInfo(bufferInfo core1_0.BufferCreateInfo, o AllocationCreateInfo) (int, error) {
	memReqs, err := a.getThrowawayBufferMemoryRequirements(bufferInfo)
	if err != nil {
		return -1, err
	}
	return a.findMemoryTypeIndex(memReqs.MemoryTypeBits, o)
}

// FindMemoryTypeIndexForImageInfo is FindMemoryTypeIndexForBufferInfo for images.
func (a *Allocator) FindMemoryTypeIndexForImageInfo(imageInfo core1_0.ImageCreateInfo, o AllocationCreateInfo) (int, error) {
	memReqs, err := a.getThrowawayImageMemoryRequirements(imageInfo)
	if err != nil {
		return -1, err
	}
	return a.findMemoryTypeIndex(memReqs.MemoryTypeBits, o)
}

func (a *Allocator) getThrowawayBufferMemoryRequirements(bufferInfo core1_0.BufferCreateInfo) (*core1_0.MemoryRequirements, error) {
	buffer, _, err := a.device.CreateBuffer(a.allocationCallbacks, bufferInfo)
	if err != nil {
		return nil, err
	}
	defer buffer.Destroy(a.allocationCallbacks)
	return buffer.MemoryRequirements(), nil
}

func (a *Allocator) getThrowawayImageMemoryRequirements(imageInfo core1_0.ImageCreateInfo) (*core1_0.MemoryRequirements, error) {
	image, _, err := a.device.CreateImage(a.allocationCallbacks, imageInfo)
	if err != nil {
		return nil, err
	}
	defer image.Destroy(a.allocationCallbacks)
	return image.MemoryRequirements(), nil
}

// calculateMemoryTypeParameters drops AllocationCreateMapped when the chosen memory type isn't
// host-visible and, when AllocationCreateWithinBudget is set, refuses the allocation outright if
// it would push the owning heap's usage past its current budget.
func (a *Allocator) calculateMemoryTypeParameters(o *AllocationCreateInfo, memoryTypeIndex, size int) error {
	if o.Flags&AllocationCreateMapped != 0 &&
		a.deviceMemory.MemoryTypeProperties(memoryTypeIndex).PropertyFlags&core1_0.MemoryPropertyHostVisible == 0 {
		o.Flags &= ^AllocationCreateMapped
	}

	if o.Flags&AllocationCreateWithinBudget != 0 {
		heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
		budgets := make([]suballoc.Budget, 1)
		a.deviceMemory.HeapBudgets(heapIndex, budgets)
		if budgets[0].Usage+size > budgets[0].Budget {
			return suballoc.NewError(suballoc.ErrorKindOutOfDeviceMemory, "allocation would exceed its heap's current budget")
		}
	}

	return nil
}

// allocateDedicatedMemoryPage performs the real vkAllocateMemory call for a dedicated
// allocation and wires outAlloc to it, rolling the Vulkan allocation back on any later failure.
func (a *Allocator) allocateDedicatedMemoryPage(
	pool *Pool,
	size int,
	suballocType metadata.SuballocationType,
	memoryTypeIndex int,
	allocInfo core1_0.MemoryAllocateInfo,
	doMap bool,
	userData any,
	name string,
	outAlloc *Allocation,
) (err error) {
	mem, err := a.deviceMemory.AllocateVulkanMemory(allocInfo)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			a.deviceMemory.FreeVulkanMemory(memoryTypeIndex, size, mem)
		}
	}()

	if doMap {
		if _, _, err = mem.Map(a.device, 1, 0, common.WholeSize, 0); err != nil {
			return err
		}
	}

	outAlloc.init(a, true)
	outAlloc.initDedicatedAllocation(pool, memoryTypeIndex, mem, suballocType, size)
	outAlloc.SetUserData(userData)
	outAlloc.SetName(name)

	heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	a.deviceMemory.AddAllocation(heapIndex, size)

	outAlloc.fillAllocation(createdFillPattern)
	return nil
}

// allocateDedicatedMemory builds the pNext chain (dedicated-allocation hint, buffer device
// address, memory priority, external-memory export) for a dedicated allocation and hands it to
// allocateDedicatedMemoryPage.
func (a *Allocator) allocateDedicatedMemory(
	pool *Pool,
	size int,
	suballocType metadata.SuballocationType,
	dedicatedAllocations *dedicatedAllocationList,
	memoryTypeIndex int,
	doMap, canAliasMemory bool,
	userData any,
	name string,
	priority float32,
	dedicatedBuffer core1_0.Buffer,
	dedicatedImage core1_0.Image,
	allocateNext common.Options,
	outAlloc *Allocation,
) error {
	if dedicatedBuffer != nil && dedicatedImage != nil {
		panic("allocateDedicatedMemory called with both a dedicated buffer and a dedicated image set")
	}

	var allocInfo core1_0.MemoryAllocateInfo
	allocInfo.Next = allocateNext
	allocInfo.MemoryTypeIndex = memoryTypeIndex
	allocInfo.AllocationSize = size

	if a.extensionData.DedicatedAllocations && !canAliasMemory {
		dedicatedInfo := khr_dedicated_allocation.MemoryDedicatedAllocateInfo{
			Buffer: dedicatedBuffer,
			Image:  dedicatedImage,
		}
		dedicatedInfo.Next = allocInfo.Next
		allocInfo.Next = dedicatedInfo
	}

	if a.extensionData.BufferDeviceAddress != nil {
		allocFlagsInfo := core1_1.MemoryAllocateFlagsInfo{Flags: core1_2.MemoryAllocateDeviceAddress}
		allocFlagsInfo.Next = allocInfo.Next
		allocInfo.Next = allocFlagsInfo
	}

	if a.extensionData.UseMemoryPriority {
		priorityInfo := ext_memory_priority.MemoryPriorityAllocateInfo{Priority: priority}
		priorityInfo.Next = allocInfo.Next
		allocInfo.Next = priorityInfo
	}

	if a.extensionData.ExternalMemory {
		exportInfo := khr_external_memory.ExportMemoryAllocateInfo{}
		exportInfo.Next = allocInfo.Next
		allocInfo.Next = exportInfo
	}

	if err := a.allocateDedicatedMemoryPage(pool, size, suballocType, memoryTypeIndex, allocInfo, doMap, userData, name, outAlloc); err != nil {
		a.logger.Debug("allocateDedicatedMemory failed", slog.Int("MemoryTypeIndex", memoryTypeIndex))
		return err
	}

	dedicatedAllocations.Register(outAlloc)
	a.logger.Debug("allocateDedicatedMemory allocated", slog.Int("MemoryTypeIndex", memoryTypeIndex))
	return nil
}

// allocateMemoryOfType decides between a dedicated allocation and a block suballocation for one
// already-resolved memory type, falling back from one to the other when the first choice fails.
func (a *Allocator) allocateMemoryOfType(
	pool *Pool,
	size int,
	alignment uint,
	dedicatedPreferred bool,
	dedicatedBuffer core1_0.Buffer,
	dedicatedImage core1_0.Image,
	createInfo *AllocationCreateInfo,
	memoryTypeIndex int,
	suballocType metadata.SuballocationType,
	dedicatedAllocations *dedicatedAllocationList,
	blockList *memoryBlockList,
	outAlloc *Allocation,
) error {
	finalCreateInfo := *createInfo
	if err := a.calculateMemoryTypeParameters(&finalCreateInfo, memoryTypeIndex, size); err != nil {
		return err
	}

	doMap := finalCreateInfo.Flags&AllocationCreateMapped != 0
	canAlias := finalCreateInfo.Flags&AllocationCreateCanAlias != 0

	if finalCreateInfo.Flags&AllocationCreateDedicatedMemory != 0 {
		return a.allocateDedicatedMemory(
			pool, size, suballocType, dedicatedAllocations, memoryTypeIndex,
			doMap, canAlias, finalCreateInfo.UserData, finalCreateInfo.Name, finalCreateInfo.Priority,
			dedicatedBuffer, dedicatedImage, blockList.allocateNext, outAlloc,
		)
	}

	canAllocateDedicated := finalCreateInfo.Flags&AllocationCreateNeverAllocate == 0 &&
		(pool == nil || !blockList.HasExplicitBlockSize())

	if canAllocateDedicated {
		if size > blockList.preferredBlockSize/2 {
			dedicatedPreferred = true
		}

		maxCount := a.deviceMemory.MaxMemoryAllocationCount()
		if maxCount < math.MaxUint32/4 && int(a.deviceMemory.AllocationCount()) > maxCount*3/4 {
			dedicatedPreferred = false
		}

		if dedicatedPreferred {
			err := a.allocateDedicatedMemory(
				pool, size, suballocType, dedicatedAllocations, memoryTypeIndex,
				doMap, canAlias, finalCreateInfo.UserData, finalCreateInfo.Name, finalCreateInfo.Priority,
				dedicatedBuffer, dedicatedImage, blockList.allocateNext, outAlloc,
			)
			if err == nil {
				return nil
			}
		}
	}

	err := blockList.Allocate(size, alignment, finalCreateInfo, suballocType, outAlloc)
	if err == nil {
		return nil
	}

	if canAllocateDedicated && !dedicatedPreferred {
		dedicatedErr := a.allocateDedicatedMemory(
			pool, size, suballocType, dedicatedAllocations, memoryTypeIndex,
			doMap, canAlias, finalCreateInfo.UserData, finalCreateInfo.Name, finalCreateInfo.Priority,
			dedicatedBuffer, dedicatedImage, blockList.allocateNext, outAlloc,
		)
		if dedicatedErr == nil {
			return nil
		}
	}

	return err
}

// allocateMemory resolves createInfo to a memory type (or uses createInfo.Pool's fixed type
// directly) and drives allocateMemoryOfType, retrying against the next-best memory type whenever
// a candidate fails with ErrorKindOutOfDeviceMemory.
func (a *Allocator) allocateMemory(
	memoryRequirements *core1_0.MemoryRequirements,
	requiresDedicatedAllocation, prefersDedicatedAllocation bool,
	dedicatedBuffer core1_0.Buffer,
	dedicatedImage core1_0.Image,
	o AllocationCreateInfo,
	suballocType metadata.SuballocationType,
	outAlloc *Allocation,
) error {
	if err := suballoc.CheckPow2(uint(memoryRequirements.Alignment), "memoryRequirements.Alignment"); err != nil {
		return err
	}
	if memoryRequirements.Size < 1 {
		return errors.New("memory requirement size must be positive")
	}

	if err := a.calcAllocationParams(&o, requiresDedicatedAllocation); err != nil {
		return err
	}

	if o.Pool != nil {
		return a.allocateMemoryOfType(
			o.Pool, memoryRequirements.Size, uint(memoryRequirements.Alignment),
			prefersDedicatedAllocation, dedicatedBuffer, dedicatedImage,
			&o, o.Pool.blockList.memoryTypeIndex, suballocType,
			&o.Pool.dedicatedAllocations, &o.Pool.blockList, outAlloc,
		)
	}

	memoryBits := memoryRequirements.MemoryTypeBits
	memoryTypeIndex, err := a.findMemoryTypeIndex(memoryBits, o)
	if err != nil {
		return err
	}

	for {
		blockList := a.memoryBlockLists[memoryTypeIndex]
		if blockList == nil {
			return errors.Newf("memory type index %d is not supported by this device", memoryTypeIndex)
		}

		err = a.allocateMemoryOfType(
			nil, memoryRequirements.Size, uint(memoryRequirements.Alignment),
			requiresDedicatedAllocation || prefersDedicatedAllocation,
			dedicatedBuffer, dedicatedImage,
			&o, memoryTypeIndex, suballocType,
			a.dedicatedAllocations[memoryTypeIndex], blockList, outAlloc,
		)
		if err == nil {
			return nil
		}

		if kind, ok := suballoc.KindOf(err); !ok || kind != suballoc.ErrorKindOutOfDeviceMemory {
			return err
		}

		memoryBits &= ^(uint32(1) << uint(memoryTypeIndex))
		memoryTypeIndex, err = a.findMemoryTypeIndex(memoryBits, o)
		if err != nil {
			return suballoc.NewError(suballoc.ErrorKindOutOfDeviceMemory, "no memory type could satisfy the allocation")
		}
	}
}

// AllocateMemory allocates size/alignment bytes as described by memoryRequirements, independent
// of any particular buffer or image.
func (a *Allocator) AllocateMemory(memoryRequirements *core1_0.MemoryRequirements, o AllocationCreateInfo, outAlloc *Allocation) error {
	a.logger.Debug("Allocator::AllocateMemory")
	if outAlloc == nil {
		return errors.New("attempted to allocate into a nil allocation")
	}
	if memoryRequirements == nil {
		return errors.New("attempted to allocate with nil memory requirements")
	}
	return a.allocateMemory(memoryRequirements, false, false, nil, nil, o, metadata.SuballocationUnknown, outAlloc)
}

// AllocateMemoryForBuffer allocates memory sized and aligned for buffer, querying the
// dedicated-allocation hint from khr_dedicated_allocation when it's available.
func (a *Allocator) AllocateMemoryForBuffer(buffer core1_0.Buffer, o AllocationCreateInfo, outAlloc *Allocation) error {
	a.logger.Debug("Allocator::AllocateMemoryForBuffer")
	if buffer == nil {
		return errors.New("attempted to allocate for a nil buffer")
	}
	if outAlloc == nil {
		return errors.New("attempted to allocate into a nil allocation")
	}

	memReqs, requiresDedicated, prefersDedicated, err := a.getBufferMemoryRequirements(buffer)
	if err != nil {
		return err
	}
	return a.allocateMemory(memReqs, requiresDedicated, prefersDedicated, buffer, nil, o, metadata.SuballocationBuffer, outAlloc)
}

func (a *Allocator) getBufferMemoryRequirements(buffer core1_0.Buffer) (*core1_0.MemoryRequirements, bool, bool, error) {
	if a.extensionData.DedicatedAllocations && a.extensionData.GetMemoryRequirements != nil {
		dedicatedReqs := khr_dedicated_allocation.MemoryDedicatedRequirements{}
		memReqs2 := core1_1.MemoryRequirements2{NextOutData: common.NextOutData{Next: &dedicatedReqs}}

		err := a.extensionData.GetMemoryRequirements.BufferMemoryRequirements2(
			core1_1.BufferMemoryRequirementsInfo2{Buffer: buffer}, &memReqs2)
		if err != nil {
			return nil, false, false, err
		}

		result := memReqs2.MemoryRequirements
		return &result, dedicatedReqs.RequiresDedicatedAllocation, dedicatedReqs.PrefersDedicatedAllocation, nil
	}

	return buffer.MemoryRequirements(), false, false, nil
}

// AllocateMemoryForImage is AllocateMemoryForBuffer for images.
func (a *Allocator) AllocateMemoryForImage(image core1_0.Image, o AllocationCreateInfo, outAlloc *Allocation) error {
	a.logger.Debug("Allocator::AllocateMemoryForImage")
	if image == nil {
		return errors.New("attempted to allocate for a nil image")
	}
	if outAlloc == nil {
		return errors.New("attempted to allocate into a nil allocation")
	}

	memReqs, requiresDedicated, prefersDedicated, err := a.getImageMemoryRequirements(image)
	if err != nil {
		return err
	}
	return a.allocateMemory(memReqs, requiresDedicated, prefersDedicated, nil, image, o, metadata.SuballocationImageUnknown, outAlloc)
}

func (a *Allocator) getImageMemoryRequirements(image core1_0.Image) (*core1_0.MemoryRequirements, bool, bool, error) {
	if a.extensionData.DedicatedAllocations && a.extensionData.GetMemoryRequirements != nil {
		dedicatedReqs := khr_dedicated_allocation.MemoryDedicatedRequirements{}
		memReqs2 := core1_1.MemoryRequirements2{NextOutData: common.NextOutData{Next: &dedicatedReqs}}

		err := a.extensionData.GetMemoryRequirements.ImageMemoryRequirements2(
			core1_1.ImageMemoryRequirementsInfo2{Image: image}, &memReqs2)
		if err != nil {
			return nil, false, false, err
		}

		result := memReqs2.MemoryRequirements
		return &result, dedicatedReqs.RequiresDedicatedAllocation, dedicatedReqs.PrefersDedicatedAllocation, nil
	}

	return image.MemoryRequirements(), false, false, nil
}

func (a *Allocator) freeDedicatedMemory(alloc *Allocation) error {
	if alloc.allocationType != allocationTypeDedicated {
		return errors.New("attempted to free dedicated memory for a non-dedicated allocation")
	}

	memoryTypeIndex := alloc.MemoryTypeIndex()
	heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex)

	if pool := alloc.dedicatedData.parentPool; pool != nil {
		pool.dedicatedAllocations.Unregister(alloc)
	} else {
		a.dedicatedAllocations[memoryTypeIndex].Unregister(alloc)
	}

	a.deviceMemory.FreeVulkanMemory(memoryTypeIndex, alloc.Size(), alloc.memory)
	a.deviceMemory.RemoveAllocation(heapIndex, alloc.Size())
	return nil
}

// freeAllocation routes alloc back to its owning block list, or frees its dedicated memory
// outright. There is no teacher equivalent for this dispatch: it is built directly from the
// free(alloc) semantics of touching, unlinking, and decrementing budget.
func (a *Allocator) freeAllocation(alloc *Allocation) error {
	if alloc == nil {
		return nil
	}

	if alloc.allocationType == allocationTypeDedicated {
		return a.freeDedicatedMemory(alloc)
	}

	memoryTypeIndex := alloc.MemoryTypeIndex()
	blockList := a.memoryBlockLists[memoryTypeIndex]
	if pool := alloc.blockData.block.parentPool; pool != nil {
		blockList = &pool.blockList
	}
	return blockList.Free(alloc)
}

// FreeMemory releases alloc. It is the counterpart to every Allocate* method and to
// CreateBuffer/CreateImage.
func (a *Allocator) FreeMemory(alloc *Allocation) error {
	return a.freeAllocation(alloc)
}

// CheckCorruption validates the debug-margin magic values around every live suballocation across
// every default and custom pool matching memoryTypeBits. A no-op (returning
// ErrorKindFeatureNotPresent) unless suballoc.DebugMargin is nonzero.
func (a *Allocator) CheckCorruption(memoryTypeBits uint32) error {
	a.logger.Debug("Allocator::CheckCorruption")

	found := false
	for memoryTypeIndex := 0; memoryTypeIndex < a.deviceMemory.MemoryTypeCount(); memoryTypeIndex++ {
		if uint32(1)<<uint(memoryTypeIndex)&memoryTypeBits == 0 {
			continue
		}
		list := a.memoryBlockLists[memoryTypeIndex]
		if list == nil {
			continue
		}

		err := list.CheckCorruption()
		if err == nil {
			found = true
			continue
		}
		if kind, ok := suballoc.KindOf(err); !ok || kind != suballoc.ErrorKindFeatureNotPresent {
			return err
		}
	}

	poolFound, err := a.checkCustomPools(memoryTypeBits)
	if err != nil {
		return err
	}
	if !found && !poolFound {
		return suballoc.NewError(suballoc.ErrorKindFeatureNotPresent, "no memory type in the provided mask supports corruption detection")
	}
	return nil
}

func (a *Allocator) checkCustomPools(memoryTypeBits uint32) (bool, error) {
	a.poolsMutex.RLock()
	defer a.poolsMutex.RUnlock()

	found := false
	for pool := a.pools; pool != nil; pool = pool.next {
		memBit := uint32(1) << uint(pool.blockList.memoryTypeIndex)
		if memBit&memoryTypeBits == 0 {
			continue
		}

		err := pool.blockList.CheckCorruption()
		if err == nil {
			found = true
			continue
		}
		if kind, ok := suballoc.KindOf(err); !ok || kind != suballoc.ErrorKindFeatureNotPresent {
			return found, err
		}
	}
	return found, nil
}

// CreatePool builds a memory-type-pinned custom Pool. Unlike the historical prepend logic this
// is modeled on, the first pool created does not dereference a nil a.pools.
func (a *Allocator) CreatePool(createInfo PoolCreateInfo) (*Pool, error) {
	a.logger.Debug("Allocator::CreatePool",
		slog.Int("MemoryTypeIndex", createInfo.MemoryTypeIndex),
		slog.String("Flags", createInfo.Flags.String()),
	)

	if createInfo.Flags&PoolCreateAlgorithmMask != 0 {
		return nil, suballoc.NewError(suballoc.ErrorKindFeatureNotPresent, "only the generic block allocation algorithm is implemented; Linear and Buddy pools are not supported")
	}
	if createInfo.MaxBlockCount == 0 {
		createInfo.MaxBlockCount = math.MaxInt
	}
	if createInfo.MinBlockCount > createInfo.MaxBlockCount {
		return nil, errors.Newf("MinBlockCount %d is greater than MaxBlockCount %d", createInfo.MinBlockCount, createInfo.MaxBlockCount)
	}

	memTypeBits := uint32(1) << uint(createInfo.MemoryTypeIndex)
	if createInfo.MemoryTypeIndex >= a.deviceMemory.MemoryTypeCount() || memTypeBits&a.globalMemoryTypeBits == 0 {
		return nil, suballoc.NewError(suballoc.ErrorKindFeatureNotPresent, "memory type index is not supported by this device")
	}

	if createInfo.MinAllocationAlignment > 0 {
		if err := suballoc.CheckPow2(createInfo.MinAllocationAlignment, "createInfo.MinAllocationAlignment"); err != nil {
			return nil, err
		}
	}

	preferredBlockSize := a.calculatePreferredBlockSize(createInfo.MemoryTypeIndex)

	pool := &Pool{logger: a.logger, parentAllocator: a}

	blockSize := preferredBlockSize
	if createInfo.BlockSize != 0 {
		blockSize = createInfo.BlockSize
	}

	bufferImageGranularity := 1
	if createInfo.Flags&PoolCreateIgnoreBufferImageGranularity == 0 {
		bufferImageGranularity = a.deviceMemory.CalculateBufferImageGranularity()
	}

	alignment := a.deviceMemory.MemoryTypeMinimumAlignment(createInfo.MemoryTypeIndex)
	if createInfo.MinAllocationAlignment > alignment {
		alignment = createInfo.MinAllocationAlignment
	}

	pool.blockList.Init(
		a.useMutex,
		a,
		pool,
		a.deviceMemory,
		a.extensionData,
		createInfo.MemoryTypeIndex,
		blockSize,
		createInfo.MinBlockCount,
		createInfo.MaxBlockCount,
		bufferImageGranularity,
		createInfo.BlockSize != 0,
		createInfo.Priority,
		alignment,
		createInfo.MemoryAllocateNext,
	)
	pool.dedicatedAllocations.Init(a.useMutex)

	if err := pool.blockList.CreateMinBlocks(); err != nil {
		if destroyErr := pool.Destroy(); destroyErr != nil {
			a.logger.Error("error destroying pool after creation failure", slog.Any("error", destroyErr))
		}
		return nil, err
	}

	a.poolsMutex.Lock()
	defer a.poolsMutex.Unlock()

	a.nextPoolID++
	if err := pool.SetID(a.nextPoolID); err != nil {
		if destroyErr := pool.destroyAfterLock(); destroyErr != nil {
			a.logger.Error("error destroying pool after failing to set id", slog.Any("error", destroyErr))
		}
		return nil, err
	}

	pool.next = a.pools
	if a.pools != nil {
		a.pools.prev = pool
	}
	a.pools = pool

	return pool, nil
}

// currentFrameContext returns the frame index and window a CanBecomeLost allocation is judged
// against. Both come from the Allocator, never per-call: spec.md models frameInUseCount as a
// single allocator-wide setting fixed at construction.
func (a *Allocator) currentFrameContext() (uint32, uint32) {
	return atomic.LoadUint32(&a.currentFrameIndex), a.frameInUseCount
}

// CurrentFrameIndex returns the frame counter used to judge CanBecomeLost eviction eligibility.
func (a *Allocator) CurrentFrameIndex() uint32 {
	return atomic.LoadUint32(&a.currentFrameIndex)
}

// SetCurrentFrameIndex advances the frame counter. Callers typically do this once per rendered
// frame, before issuing that frame's allocations.
func (a *Allocator) SetCurrentFrameIndex(frameIndex uint32) {
	atomic.StoreUint32(&a.currentFrameIndex, frameIndex)
}

// MakeAllocationsLost evicts every CanBecomeLost allocation, across every default and custom
// pool, that has gone more than frameInUseCount frames without being Touch()ed, returning the
// total number evicted. Callers drive this once per frame (typically right after
// SetCurrentFrameIndex) to reclaim space ahead of new allocation requests that set
// AllocationCreateCanMakeOtherLost.
func (a *Allocator) MakeAllocationsLost() int {
	frameIndex, frameInUseCount := a.currentFrameContext()

	evicted := 0
	for _, list := range a.memoryBlockLists {
		if list == nil {
			continue
		}
		evicted += list.MakeAllocationsLost(frameIndex, frameInUseCount)
	}

	a.poolsMutex.RLock()
	defer a.poolsMutex.RUnlock()
	for pool := a.pools; pool != nil; pool = pool.next {
		evicted += pool.blockList.MakeAllocationsLost(frameIndex, frameInUseCount)
	}
	return evicted
}

// CreateBuffer creates a buffer and allocates memory for it in one step, rolling both back if
// either half fails. The buffer is bound immediately unless o.Flags has AllocationCreateDontBind.
func (a *Allocator) CreateBuffer(bufferInfo core1_0.BufferCreateInfo, o AllocationCreateInfo) (buffer core1_0.Buffer, outAlloc *Allocation, err error) {
	a.logger.Debug("Allocator::CreateBuffer")

	if bufferInfo.Size == 0 {
		return nil, nil, errors.New("attempted to create a buffer of 0 size")
	}
	if bufferInfo.Usage&khr_buffer_device_address.BufferUsageShaderDeviceAddress != 0 && a.extensionData.BufferDeviceAddress == nil {
		return nil, nil, suballoc.NewError(suballoc.ErrorKindFeatureNotPresent, "BufferUsageShaderDeviceAddress requires khr_buffer_device_address")
	}

	buffer, _, err = a.device.CreateBuffer(a.allocationCallbacks, bufferInfo)
	if err != nil {
		return nil, nil, suballoc.WrapError(suballoc.ErrorKindDriverError, err, "creating buffer")
	}
	defer func() {
		if err != nil {
			buffer.Destroy(a.allocationCallbacks)
		}
	}()

	outAlloc = &Allocation{}
	if err = a.AllocateMemoryForBuffer(buffer, o, outAlloc); err != nil {
		return nil, nil, err
	}
	defer func() {
		if err != nil {
			_ = a.freeAllocation(outAlloc)
		}
	}()

	if o.Flags&AllocationCreateDontBind == 0 {
		if _, err = outAlloc.BindBufferMemory(buffer); err != nil {
			return nil, nil, suballoc.WrapError(suballoc.ErrorKindDriverError, err, "binding buffer memory")
		}
	}

	return buffer, outAlloc, nil
}

// CreateImage is CreateBuffer for images.
func (a *Allocator) CreateImage(imageInfo core1_0.ImageCreateInfo, o AllocationCreateInfo) (image core1_0.Image, outAlloc *Allocation, err error) {
	a.logger.Debug("Allocator::CreateImage")

	if imageInfo.Extent.Width == 0 || imageInfo.Extent.Height == 0 || imageInfo.Extent.Depth == 0 {
		return nil, nil, errors.New("attempted to create a 0-sized image")
	}
	if imageInfo.MipLevels == 0 {
		return nil, nil, errors.New("attempted to create an image with 0 mip levels")
	}
	if imageInfo.ArrayLayers == 0 {
		return nil, nil, errors.New("attempted to create an image with 0 array layers")
	}

	image, _, err = a.device.CreateImage(a.allocationCallbacks, imageInfo)
	if err != nil {
		return nil, nil, suballoc.WrapError(suballoc.ErrorKindDriverError, err, "creating image")
	}
	defer func() {
		if err != nil {
			image.Destroy(a.allocationCallbacks)
		}
	}()

	outAlloc = &Allocation{}
	if err = a.AllocateMemoryForImage(image, o, outAlloc); err != nil {
		return nil, nil, err
	}
	defer func() {
		if err != nil {
			_ = a.freeAllocation(outAlloc)
		}
	}()

	if o.Flags&AllocationCreateDontBind == 0 {
		if _, err = outAlloc.BindImageMemory(image); err != nil {
			return nil, nil, suballoc.WrapError(suballoc.ErrorKindDriverError, err, "binding image memory")
		}
	}

	return image, outAlloc, nil
}

// Destroy tears down every default-pool block list, refusing if any custom pool or dedicated
// allocation is still live. Custom pools must be destroyed individually first.
func (a *Allocator) Destroy() error {
	a.poolsMutex.RLock()
	hasPools := a.pools != nil
	a.poolsMutex.RUnlock()
	if hasPools {
		return errors.New("cannot destroy an allocator with live custom pools")
	}

	for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
		dedicated := a.dedicatedAllocations[typeIndex]
		if dedicated != nil && !dedicated.IsEmpty() {
			return errors.Newf("cannot destroy an allocator with live dedicated allocations at memory type %d", typeIndex)
		}
	}

	for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
		list := a.memoryBlockLists[typeIndex]
		if list == nil {
			continue
		}
		if err := list.Destroy(); err != nil {
			return err
		}
	}

	return nil
}
