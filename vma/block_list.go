package vma

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/core/v2/core1_2"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
	"github.com/vkngwrapper/extensions/v2/khr_external_memory"
	"golang.org/x/exp/slog"

	"github.com/gpuvma/vma/suballoc"
	"github.com/gpuvma/vma/suballoc/metadata"
	"github.com/gpuvma/vma/vma/internal/utils"
	"github.com/gpuvma/vma/vma/internal/vulkan"
)

var blockPool = sync.Pool{New: func() any { return &deviceMemoryBlock{} }}

// memoryBlockList owns every deviceMemoryBlock for one memory type within one Pool (or within
// the Allocator's default pool for that type).
type memoryBlockList struct {
	allocateNext    common.Options
	extensionData   *vulkan.ExtensionData
	parentAllocator *Allocator
	parentPool      *Pool
	deviceMemory    *vulkan.DeviceMemoryProperties
	logger          *slog.Logger

	memoryTypeIndex        int
	preferredBlockSize     int
	minBlockCount          int
	maxBlockCount          int
	bufferImageGranularity int
	explicitBlockSize      bool
	priority               float32
	minAllocationAlignment uint

	mutex utils.OptionalRWMutex

	blocks          []*deviceMemoryBlock
	nextBlockID     int
	incrementalSort bool
}

func (l *memoryBlockList) Init(
	useMutex bool,
	allocator *Allocator,
	pool *Pool,
	deviceMemory *vulkan.DeviceMemoryProperties,
	extensionData *vulkan.ExtensionData,
	memoryTypeIndex int,
	preferredBlockSize int,
	minBlockCount, maxBlockCount int,
	bufferImageGranularity int,
	explicitBlockSize bool,
	priority float32,
	minAllocationAlignment uint,
	allocateNext common.Options,
) {
	l.parentAllocator = allocator
	l.parentPool = pool
	l.deviceMemory = deviceMemory
	l.extensionData = extensionData
	l.logger = allocator.logger
	l.memoryTypeIndex = memoryTypeIndex
	l.preferredBlockSize = preferredBlockSize
	l.minBlockCount = minBlockCount
	l.maxBlockCount = maxBlockCount
	l.bufferImageGranularity = bufferImageGranularity
	l.explicitBlockSize = explicitBlockSize
	l.priority = priority
	l.minAllocationAlignment = minAllocationAlignment
	l.allocateNext = allocateNext
	l.incrementalSort = true
	l.mutex.UseMutex = useMutex
}

func (l *memoryBlockList) HasExplicitBlockSize() bool { return l.explicitBlockSize }

func (l *memoryBlockList) Destroy() error {
	for _, block := range l.blocks {
		if err := block.Destroy(); err != nil {
			return err
		}
		blockPool.Put(block)
	}
	l.blocks = nil
	return nil
}

func (l *memoryBlockList) CreateMinBlocks() error {
	for i := 0; i < l.minBlockCount; i++ {
		if _, err := l.CreateBlock(l.preferredBlockSize); err != nil {
			return err
		}
	}
	return nil
}

func (l *memoryBlockList) AddStatistics(stats *suballoc.Statistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for _, block := range l.blocks {
		block.metadata.AddStatistics(stats)
	}
}

func (l *memoryBlockList) AddDetailedStatistics(stats *suballoc.DetailedStatistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for _, block := range l.blocks {
		block.metadata.AddDetailedStatistics(stats)
	}
}

func (l *memoryBlockList) Statistics() suballoc.Statistics {
	var stats suballoc.Statistics
	l.AddStatistics(&stats)
	return stats
}

func (l *memoryBlockList) IsEmpty() bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return len(l.blocks) == 0
}

func (l *memoryBlockList) HasNoAllocations() bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for _, block := range l.blocks {
		if !block.metadata.IsEmpty() {
			return false
		}
	}
	return true
}

// CreateBlock allocates a fresh Vulkan memory block of blockSize, chaining the priority and
// external-memory extensions the device supports, and appends it to l.blocks.
func (l *memoryBlockList) CreateBlock(blockSize int) (int, error) {
	if l.priority < 0 || l.priority > 1 {
		panic(fmt.Sprintf("pool priority %f is out of range [0, 1]", l.priority))
	}

	var allocInfo core1_0.MemoryAllocateInfo
	allocInfo.Next = l.allocateNext
	allocInfo.MemoryTypeIndex = l.memoryTypeIndex
	allocInfo.AllocationSize = blockSize

	if l.extensionData.BufferDeviceAddress != nil {
		allocFlagsInfo := core1_1.MemoryAllocateFlagsInfo{Flags: core1_2.MemoryAllocateDeviceAddress}
		allocFlagsInfo.Next = allocInfo.Next
		allocInfo.Next = allocFlagsInfo
	}

	if l.extensionData.UseMemoryPriority {
		priorityInfo := ext_memory_priority.MemoryPriorityAllocateInfo{Priority: l.priority}
		priorityInfo.Next = allocInfo.Next
		allocInfo.Next = priorityInfo
	}

	if l.extensionData.ExternalMemory {
		exportInfo := khr_external_memory.ExportMemoryAllocateInfo{}
		exportInfo.Next = allocInfo.Next
		allocInfo.Next = exportInfo
	}

	memory, err := l.deviceMemory.AllocateVulkanMemory(allocInfo)
	if err != nil {
		return -1, err
	}

	block := blockPool.Get().(*deviceMemoryBlock)
	block.Init(l.logger, l.parentPool, l.deviceMemory, l.memoryTypeIndex, memory, allocInfo.AllocationSize, l.nextBlockID, l.bufferImageGranularity)
	l.nextBlockID++

	l.blocks = append(l.blocks, block)
	return len(l.blocks) - 1, nil
}

func (l *memoryBlockList) remove(block *deviceMemoryBlock) {
	for i, b := range l.blocks {
		if b == block {
			l.blocks = append(l.blocks[:i], l.blocks[i+1:]...)
			return
		}
	}
	panic("attempted to remove a block from a block list that did not own it")
}

// Allocate places size bytes satisfying alignment into an existing or freshly created block.
func (l *memoryBlockList) Allocate(size int, alignment uint, createInfo AllocationCreateInfo, suballocType metadata.SuballocationType, outAlloc *Allocation) error {
	if l.minAllocationAlignment > alignment {
		alignment = l.minAllocationAlignment
	}

	if l.isCorruptionDetectionEnabled() {
		size = suballoc.AlignUp(size, 4)
		alignment = uint(suballoc.AlignUp(int(alignment), 4))
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.allocPage(size, alignment, createInfo, suballocType, outAlloc)
}

func (l *memoryBlockList) isCorruptionDetectionEnabled() bool {
	required := core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent
	return suballoc.DebugMargin > 0 &&
		l.deviceMemory.MemoryTypeProperties(l.memoryTypeIndex).PropertyFlags&required == required
}

func (l *memoryBlockList) allocPage(size int, alignment uint, createInfo AllocationCreateInfo, suballocType metadata.SuballocationType, outAlloc *Allocation) error {
	heapIndex := l.deviceMemory.MemoryTypeIndexToHeapIndex(l.memoryTypeIndex)

	budgets := make([]suballoc.Budget, 1)
	l.deviceMemory.HeapBudgets(heapIndex, budgets)
	freeMemory := budgets[0].Budget - budgets[0].Usage
	if freeMemory < 0 {
		freeMemory = 0
	}

	canFallbackToDedicated := !l.HasExplicitBlockSize() && createInfo.Flags&AllocationCreateNeverAllocate == 0
	canCreateNewBlock := createInfo.Flags&AllocationCreateNeverAllocate == 0 &&
		len(l.blocks) < l.maxBlockCount &&
		(freeMemory >= size || !canFallbackToDedicated)
	canMakeOtherLost := createInfo.Flags&AllocationCreateCanMakeOtherLost != 0
	strategy := toAllocationStrategy(createInfo.Flags)

	if size+suballoc.DebugMargin > l.preferredBlockSize {
		return suballoc.NewError(suballoc.ErrorKindOutOfDeviceMemory, "requested allocation is larger than this pool's block size")
	}

	// 1. Try existing blocks, smallest-free-space first (best fit across blocks); MinTime walks
	// the same list from the end instead, so the block with the most free space is tried first.
	// No victim is evicted on this pass even if the caller allows it.
	if l.tryExistingBlocks(size, alignment, createInfo, suballocType, strategy, false, outAlloc) {
		return nil
	}

	// 2. Try to create a new block.
	if !canCreateNewBlock {
		if canMakeOtherLost && l.tryExistingBlocks(size, alignment, createInfo, suballocType, strategy, true, outAlloc) {
			return nil
		}
		return suballoc.NewError(suballoc.ErrorKindOutOfDeviceMemory, "no existing block could satisfy the allocation and creating a new one is not allowed")
	}

	newBlockSize := l.preferredBlockSize
	if !l.explicitBlockSize {
		maxExistingBlockSize := l.calcMaxBlockSize()
		for i := 0; i < 3; i++ {
			smaller := newBlockSize / 2
			if smaller > maxExistingBlockSize && smaller >= size*2 {
				newBlockSize = smaller
			} else {
				break
			}
		}
	}

	var err error
	var newBlockIndex int
	if newBlockSize <= freeMemory || !canFallbackToDedicated {
		newBlockIndex, err = l.CreateBlock(newBlockSize)
	} else {
		err = suballoc.NewError(suballoc.ErrorKindOutOfDeviceMemory, "heap budget would be exceeded by a new block")
	}

	if !l.explicitBlockSize {
		for err != nil && newBlockSize/2 >= size {
			newBlockSize /= 2
			newBlockIndex, err = l.CreateBlock(newBlockSize)
		}
	}
	if err != nil {
		// 4. On exhaustion, and only if the caller allows it, retry existing blocks allowing
		// lost-eligible victims to be evicted.
		if canMakeOtherLost && l.tryExistingBlocks(size, alignment, createInfo, suballocType, strategy, true, outAlloc) {
			return nil
		}
		return err
	}

	block := l.blocks[newBlockIndex]
	if block.metadata.Size() < size {
		panic(fmt.Sprintf("created a new block at index %d to hold an allocation of size %d but it was only size %d", newBlockIndex, size, block.metadata.Size()))
	}

	if err := l.allocFromBlock(block, size, alignment, createInfo, suballocType, strategy, false, outAlloc); err != nil {
		return err
	}
	l.incrementallySortBlocks()
	return nil
}

// tryExistingBlocks walks l.blocks in strategy order, attempting to satisfy the request from
// each in turn, and reports whether one succeeded. canMakeOtherLost is forwarded to
// allocFromBlock unchanged; callers make two passes, first with it false, then (only if the
// caller's AllocationCreateCanMakeOtherLost flag is set and every other option is exhausted)
// with it true.
func (l *memoryBlockList) tryExistingBlocks(
	size int, alignment uint, createInfo AllocationCreateInfo, suballocType metadata.SuballocationType,
	strategy metadata.AllocationStrategy, canMakeOtherLost bool, outAlloc *Allocation,
) bool {
	if strategy != metadata.MinTime {
		for _, block := range l.blocks {
			if err := l.allocFromBlock(block, size, alignment, createInfo, suballocType, strategy, canMakeOtherLost, outAlloc); err == nil {
				l.incrementallySortBlocks()
				return true
			}
		}
		return false
	}
	for i := len(l.blocks) - 1; i >= 0; i-- {
		if err := l.allocFromBlock(l.blocks[i], size, alignment, createInfo, suballocType, strategy, canMakeOtherLost, outAlloc); err == nil {
			l.incrementallySortBlocks()
			return true
		}
	}
	return false
}

func (l *memoryBlockList) Free(alloc *Allocation) error {
	heapIndex := l.deviceMemory.MemoryTypeIndexToHeapIndex(l.memoryTypeIndex)
	blockToDelete, err := l.freeWithLock(alloc, heapIndex)
	if err != nil {
		return err
	}

	if blockToDelete != nil {
		l.logger.LogAttrs(context.Background(), slog.LevelDebug, "deleted empty block", slog.Int("block.id", blockToDelete.id))
		if err := blockToDelete.Destroy(); err != nil {
			panic(fmt.Sprintf("unexpected failure destroying an emptied memory block: %+v", err))
		}
		blockPool.Put(blockToDelete)
	}

	l.deviceMemory.RemoveAllocation(heapIndex, alloc.size)
	return nil
}

func (l *memoryBlockList) freeWithLock(alloc *Allocation, heapIndex int) (blockToDelete *deviceMemoryBlock, err error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	block := alloc.blockData.block

	budgets := make([]suballoc.Budget, 1)
	l.deviceMemory.HeapBudgets(heapIndex, budgets)
	budgetExceeded := budgets[0].Usage >= budgets[0].Budget

	frameIndex, _ := l.parentAllocator.currentFrameContext()
	if live := block.metadata.TouchAllocation(alloc.blockData.handle, frameIndex); !live {
		// A CanBecomeLost allocation that was evicted by MakeAllocationsLost or a competing
		// make-other-lost request already has its region back on the free list; freeing it here
		// is a silent no-op, not an error.
		return nil, nil
	}

	if l.isCorruptionDetectionEnabled() {
		if _, err := block.ValidateMagicValueAfterAllocation(alloc.FindOffset(), alloc.Size()); err != nil {
			panic(fmt.Sprintf("unexpected error validating debug margin magic values: %+v", err))
		}
	}

	if alloc.isPersistentMap() {
		if err := block.memory.Unmap(l.deviceMemory.Device(), 1); err != nil {
			return nil, err
		}
	}

	hadEmptyBlockBeforeFree := l.hasEmptyBlock()
	if err := block.metadata.Free(alloc.blockData.handle); err != nil {
		panic(fmt.Sprintf("unexpected error freeing allocation %+v in metadata: %+v", alloc.blockData.handle, err))
	}
	suballoc.DebugValidate(block.metadata)

	canDeleteBlock := len(l.blocks) > l.minBlockCount

	switch {
	case block.metadata.IsEmpty() && (hadEmptyBlockBeforeFree || budgetExceeded) && canDeleteBlock:
		blockToDelete = block
		l.remove(block)
	case !block.metadata.IsEmpty() && hadEmptyBlockBeforeFree && canDeleteBlock:
		if last := l.blocks[len(l.blocks)-1]; last.metadata.IsEmpty() {
			blockToDelete = last
			l.blocks = l.blocks[:len(l.blocks)-1]
		}
	}

	l.incrementallySortBlocks()
	return blockToDelete, nil
}

// MakeAllocationsLost evicts every stale CanBecomeLost allocation across every block this list
// owns, returning the count evicted.
func (l *memoryBlockList) MakeAllocationsLost(currentFrameIndex, frameInUseCount uint32) int {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	evicted := 0
	for _, block := range l.blocks {
		evicted += block.metadata.MakeAllocationsLost(currentFrameIndex, frameInUseCount)
	}
	return evicted
}

func (l *memoryBlockList) hasEmptyBlock() bool {
	for _, block := range l.blocks {
		if block.metadata.IsEmpty() {
			return true
		}
	}
	return false
}

func (l *memoryBlockList) incrementallySortBlocks() {
	if !l.incrementalSort {
		return
	}
	for i := 1; i < len(l.blocks); i++ {
		if l.blocks[i-1].metadata.SumFreeSize() > l.blocks[i].metadata.SumFreeSize() {
			l.blocks[i-1], l.blocks[i] = l.blocks[i], l.blocks[i-1]
			return
		}
	}
}

func (l *memoryBlockList) SortByFreeSize() {
	sort.Slice(l.blocks, func(i, j int) bool {
		return l.blocks[i].metadata.SumFreeSize() < l.blocks[j].metadata.SumFreeSize()
	})
}

func (l *memoryBlockList) calcMaxBlockSize() int {
	result := 0
	for i := len(l.blocks) - 1; i >= 0; i-- {
		size := l.blocks[i].metadata.Size()
		if size <= result {
			continue
		}
		result = size
		if result >= l.preferredBlockSize {
			return result
		}
	}
	return result
}

func (l *memoryBlockList) allocFromBlock(block *deviceMemoryBlock, size int, alignment uint, createInfo AllocationCreateInfo, suballocType metadata.SuballocationType, strategy metadata.AllocationStrategy, canMakeOtherLost bool, outAlloc *Allocation) error {
	if !block.metadata.MayHaveFreeBlock(suballocType, size) && !canMakeOtherLost {
		return suballoc.NewError(suballoc.ErrorKindOutOfDeviceMemory, "block has no free region large enough")
	}

	frameIndex, frameInUseCount := l.parentAllocator.currentFrameContext()

	ok, request, err := block.metadata.CreateAllocationRequest(size, alignment, suballocType, strategy, math.MaxInt, canMakeOtherLost, frameIndex, frameInUseCount)
	if err != nil {
		return err
	} else if !ok {
		return suballoc.NewError(suballoc.ErrorKindOutOfDeviceMemory, "no free region in this block could satisfy the request")
	}

	return l.commitAllocationRequest(request, block, alignment, createInfo, suballocType, outAlloc)
}

func (l *memoryBlockList) commitAllocationRequest(request metadata.AllocationRequest, block *deviceMemoryBlock, alignment uint, createInfo AllocationCreateInfo, suballocType metadata.SuballocationType, outAlloc *Allocation) error {
	if request.ItemsToMakeLostCount > 0 {
		frameIndex, frameInUseCount := l.parentAllocator.currentFrameContext()
		if err := block.metadata.MakeRequestedAllocationLost(frameIndex, frameInUseCount, &request); err != nil {
			return err
		}
	}

	mapped := createInfo.Flags&AllocationCreateMapped != 0

	if mapped {
		if _, _, err := block.memory.Map(l.deviceMemory.Device(), 1, 0, common.WholeSize, 0); err != nil {
			return err
		}
	}

	outAlloc.init(l.parentAllocator, true)
	if err := block.metadata.Alloc(request, suballocType, outAlloc); err != nil {
		return err
	}

	outAlloc.initBlockAllocation(block, request.BlockAllocationHandle, alignment, request.Size, l.memoryTypeIndex, suballocType, mapped)
	outAlloc.SetUserData(createInfo.UserData)
	outAlloc.SetName(createInfo.Name)

	heapIndex := l.deviceMemory.MemoryTypeIndexToHeapIndex(l.memoryTypeIndex)
	l.deviceMemory.AddAllocation(heapIndex, request.Size)

	outAlloc.fillAllocation(createdFillPattern)

	if l.isCorruptionDetectionEnabled() {
		if _, err := block.WriteMagicBlockAfterAllocation(outAlloc.FindOffset(), request.Size); err != nil {
			panic(fmt.Sprintf("failed to write debug margin magic values: %+v", err))
		}
	}

	return nil
}

const createdFillPattern uint8 = 0xCC

func (l *memoryBlockList) CheckCorruption() error {
	if !l.isCorruptionDetectionEnabled() {
		return suballoc.NewError(suballoc.ErrorKindFeatureNotPresent, "corruption detection requires a positive debug margin on host-coherent memory")
	}

	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for i, block := range l.blocks {
		if block == nil {
			return errors.Newf("unexpected nil block at memory type %d, index %d", l.memoryTypeIndex, i)
		}
		if _, err := block.CheckCorruption(); err != nil {
			return err
		}
	}
	return nil
}

func (l *memoryBlockList) PrintDetailedMap(writer *jwriter.Writer) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	obj := writer.Object()
	defer obj.End()

	for _, block := range l.blocks {
		blockObj := obj.Name(fmt.Sprintf("%d", block.id)).Object()
		blockObj.Name("MapReferences").Int(block.memory.References())
		block.metadata.BlockJsonData(blockObj)
		l.printDetailedMapAllocations(block.metadata, blockObj)
		blockObj.End()
	}
}

func (l *memoryBlockList) printDetailedMapAllocations(md metadata.BlockMetadata, json jwriter.ObjectState) {
	arr := json.Name("Suballocations").Array()
	defer arr.End()

	_ = md.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset, size int, userData any, free bool) error {
		obj := arr.Object()
		defer obj.End()

		obj.Name("Offset").Int(offset)
		if free {
			obj.Name("Type").String(metadata.SuballocationFree.String())
			obj.Name("Size").Int(size)
			return nil
		}

		if alloc, ok := userData.(*Allocation); ok && alloc != nil {
			alloc.printParameters(&obj)
		} else if userData != nil {
			obj.Name("CustomData").String(fmt.Sprintf("%+v", userData))
		}
		return nil
	})
}
