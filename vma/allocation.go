package vma

import (
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_buffer_device_address"

	"github.com/gpuvma/vma/suballoc"
	"github.com/gpuvma/vma/suballoc/metadata"
	"github.com/gpuvma/vma/vma/internal/vulkan"
)

type allocationType byte

const (
	allocationTypeNone allocationType = iota
	allocationTypeBlock
	allocationTypeDedicated
)

var allocationTypeNames = map[allocationType]string{
	allocationTypeNone:      "None",
	allocationTypeBlock:     "Block",
	allocationTypeDedicated: "Dedicated",
}

func (t allocationType) String() string { return allocationTypeNames[t] }

type allocationFlags uint32

const (
	allocationPersistentMap allocationFlags = 1 << iota
	allocationMappingAllowed
)

type blockData struct {
	handle metadata.BlockAllocationHandle
	block  *deviceMemoryBlock
}

type dedicatedData struct {
	parentPool *Pool
	nextAlloc  *Allocation
	prevAlloc  *Allocation
}

// Allocation is a live piece of device memory: either a suballocated region of a shared
// deviceMemoryBlock, or its own dedicated allocation. Exactly one of blockData/dedicatedData is
// meaningful, keyed by allocationType.
type Allocation struct {
	alignment uint
	size      int
	userData  any
	name      string
	flags     allocationFlags

	memoryTypeIndex   int
	allocationType    allocationType
	suballocationType metadata.SuballocationType
	mapCount          int
	memory            *vulkan.SynchronizedMemory

	parentAllocator *Allocator

	blockData     blockData
	dedicatedData dedicatedData
}

func (a *Allocation) init(allocator *Allocator, mappingAllowed bool) {
	var flags allocationFlags
	if mappingAllowed {
		flags = allocationMappingAllowed
	}
	*a = Allocation{
		alignment:       1,
		flags:           flags,
		parentAllocator: allocator,
	}
}

func (a *Allocation) initBlockAllocation(
	block *deviceMemoryBlock,
	allocHandle metadata.BlockAllocationHandle,
	alignment uint,
	size int,
	memoryTypeIndex int,
	suballocType metadata.SuballocationType,
	mapped bool,
) {
	if a.allocationType != allocationTypeNone {
		panic("attempting to init an allocation that has already been initialized")
	}
	if block == nil || block.memory == nil {
		panic("attempting to init a block allocation using a nil memory block")
	}

	a.allocationType = allocationTypeBlock
	a.alignment = alignment
	a.size = size
	a.memoryTypeIndex = memoryTypeIndex
	if mapped && !a.IsMappingAllowed() {
		panic("attempting to initialize an allocation for mapping that was created without mapping capabilities")
	} else if mapped {
		a.flags |= allocationPersistentMap
	}

	a.suballocationType = suballocType
	a.memory = block.memory
	a.blockData.handle = allocHandle
	a.blockData.block = block
}

func (a *Allocation) initDedicatedAllocation(
	parentPool *Pool,
	memoryTypeIndex int,
	memory *vulkan.SynchronizedMemory,
	suballocType metadata.SuballocationType,
	size int,
) {
	if a.allocationType != allocationTypeNone {
		panic("attempting to init an allocation that has already been initialized")
	}
	if memory == nil {
		panic("attempting to init a dedicated allocation using a nil device memory")
	}

	a.allocationType = allocationTypeDedicated
	a.alignment = 0
	a.size = size
	a.memoryTypeIndex = memoryTypeIndex
	a.suballocationType = suballocType
	if memory.MappedData() != nil && !a.IsMappingAllowed() {
		panic("attempting to initialize an allocation for mapping that was created without mapping capabilities")
	} else if memory.MappedData() != nil {
		a.flags |= allocationPersistentMap
	}

	a.dedicatedData.parentPool = parentPool
	a.memory = memory
}

func (a *Allocation) SetName(name string)     { a.name = name }
func (a *Allocation) SetUserData(data any)    { a.userData = data }
func (a *Allocation) UserData() any           { return a.userData }
func (a *Allocation) Name() string            { return a.name }
func (a *Allocation) MemoryTypeIndex() int    { return a.memoryTypeIndex }
func (a *Allocation) Size() int               { return a.size }
func (a *Allocation) Alignment() uint         { return a.alignment }
func (a *Allocation) isPersistentMap() bool   { return a.flags&allocationPersistentMap != 0 }
func (a *Allocation) IsMappingAllowed() bool  { return a.flags&allocationMappingAllowed != 0 }

func (a *Allocation) Memory() core1_0.DeviceMemory { return a.memory.VulkanDeviceMemory() }

func (a *Allocation) MemoryType() core1_0.MemoryType {
	return a.parentAllocator.deviceMemory.MemoryTypeProperties(a.memoryTypeIndex)
}

// FindOffset locates this allocation's byte offset within its backing device memory: zero for a
// dedicated allocation, or its block's metadata offset for a suballocated one.
func (a *Allocation) FindOffset() int {
	if a.allocationType == allocationTypeBlock {
		offset, err := a.blockData.block.metadata.AllocationOffset(a.blockData.handle)
		if err != nil {
			panic(fmt.Sprintf("failed to locate offset for handle %+v: %+v", a.blockData.handle, err))
		}
		return offset
	}
	return 0
}

func (a *Allocation) Map() (unsafe.Pointer, common.VkResult, error) {
	if !a.IsMappingAllowed() {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.New("attempted to map an allocation that does not permit mapping")
	}

	a.mapCount++
	ptr, res, err := a.memory.Map(a.parentAllocator.device, 1, 0, common.WholeSize, 0)
	if err != nil || ptr == nil {
		return ptr, res, err
	}

	return unsafe.Add(ptr, a.FindOffset()), res, nil
}

func (a *Allocation) Unmap() error {
	a.mapCount--
	return a.memory.Unmap(a.parentAllocator.device, 1)
}

func (a *Allocation) Flush(offset, size int) (common.VkResult, error) {
	return a.flushOrInvalidate(offset, size, vulkan.CacheOperationFlush)
}

func (a *Allocation) Invalidate(offset, size int) (common.VkResult, error) {
	return a.flushOrInvalidate(offset, size, vulkan.CacheOperationInvalidate)
}

func (a *Allocation) BindBufferMemory(buffer core1_0.Buffer) (common.VkResult, error) {
	return a.bindBufferMemory(0, buffer, nil)
}

func (a *Allocation) bindBufferMemory(offset int, buffer core1_0.Buffer, next common.Options) (common.VkResult, error) {
	if buffer == nil {
		return core1_0.VKErrorUnknown, errors.New("attempted to bind a nil buffer")
	}

	switch a.allocationType {
	case allocationTypeDedicated:
		return a.memory.BindVulkanBuffer(a.parentAllocator.device, offset, buffer, next)
	case allocationTypeBlock:
		return a.memory.BindVulkanBuffer(a.parentAllocator.device, offset+a.FindOffset(), buffer, next)
	}
	return core1_0.VKErrorUnknown, errors.Newf("attempted to bind an allocation with an unknown type: %s", a.allocationType)
}

func (a *Allocation) BindImageMemory(image core1_0.Image) (common.VkResult, error) {
	return a.bindImageMemory(0, image, nil)
}

func (a *Allocation) bindImageMemory(offset int, image core1_0.Image, next common.Options) (common.VkResult, error) {
	if image == nil {
		return core1_0.VKErrorUnknown, errors.New("attempted to bind a nil image")
	}

	switch a.allocationType {
	case allocationTypeDedicated:
		return a.memory.BindVulkanImage(a.parentAllocator.device, offset, image, next)
	case allocationTypeBlock:
		return a.memory.BindVulkanImage(a.parentAllocator.device, offset+a.FindOffset(), image, next)
	}
	return core1_0.VKErrorUnknown, errors.Newf("attempted to bind an allocation with an unknown type: %s", a.allocationType)
}

func (a *Allocation) printParameters(json *jwriter.ObjectState) {
	json.Name("Type").String(a.suballocationType.String())
	json.Name("Size").Int(a.size)

	if a.userData != nil {
		json.Name("CustomData").String(fmt.Sprintf("%+v", a.userData))
	}
	if a.name != "" {
		json.Name("Name").String(a.name)
	}
}

func (a *Allocation) flushOrInvalidateRange(offset, size int, outRange *core1_0.MappedMemoryRange) (bool, error) {
	if size == 0 || size < -1 || !a.parentAllocator.deviceMemory.IsMemoryTypeHostNonCoherent(a.memoryTypeIndex) {
		return false, nil
	}

	atomSize := uint(a.parentAllocator.deviceMemory.MemoryTypeMinimumAlignment(a.memoryTypeIndex))
	allocationSize := a.Size()

	if offset > allocationSize {
		return false, errors.Newf("offset %d is past the end of the allocation, which is size %d", offset, allocationSize)
	}
	if size > 0 && (offset+size) > allocationSize {
		return false, errors.Newf("offset %d places the end of the range %d past the end of the allocation, which is size %d", offset, offset+size, allocationSize)
	}

	outRange.Next = nil
	outRange.Memory = a.Memory()
	outRange.Offset = suballoc.AlignDown(offset, atomSize)

	switch a.allocationType {
	case allocationTypeDedicated:
		outRange.Size = allocationSize - outRange.Offset
		if size > 0 {
			alignedSize := suballoc.AlignUp(size+(offset-outRange.Offset), atomSize)
			if alignedSize < outRange.Size {
				outRange.Size = alignedSize
			}
		}
		return true, nil
	case allocationTypeBlock:
		if size == -1 {
			size = allocationSize - outRange.Offset
		}
		outRange.Size = suballoc.AlignUp(size+(offset-outRange.Offset), atomSize)

		allocationOffset := a.FindOffset()
		if allocationOffset%int(atomSize) != 0 {
			panic(fmt.Sprintf("the allocation has an invalid offset %d for non-coherent memory aligned to %d", allocationOffset, atomSize))
		}

		blockSize := a.blockData.block.metadata.Size()
		outRange.Offset += allocationOffset
		if restOfBlock := blockSize - outRange.Offset; restOfBlock < outRange.Size {
			outRange.Size = restOfBlock
		}
		return true, nil
	}

	return false, errors.Newf("attempted to get the flush or invalidate range of an allocation with invalid type %s", a.allocationType)
}

func (a *Allocation) flushOrInvalidate(offset, size int, operation vulkan.CacheOperation) (common.VkResult, error) {
	var memRange core1_0.MappedMemoryRange
	ok, err := a.flushOrInvalidateRange(offset, size, &memRange)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	} else if !ok {
		return core1_0.VKSuccess, nil
	}

	return a.parentAllocator.deviceMemory.FlushOrInvalidateAllocations([]core1_0.MappedMemoryRange{memRange}, operation)
}

func (a *Allocation) fillAllocation(pattern uint8) {
	if suballoc.DebugMargin == 0 || !a.IsMappingAllowed() ||
		a.parentAllocator.deviceMemory.MemoryTypeProperties(a.memoryTypeIndex).PropertyFlags&core1_0.MemoryPropertyHostVisible == 0 {
		return
	}

	data, _, err := a.Map()
	if err != nil {
		panic(fmt.Sprintf("failed to map memory during debug pattern fill: %+v", err))
	}

	dataSlice := unsafe.Slice((*uint8)(data), a.size)
	for i := range dataSlice {
		dataSlice[i] = pattern
	}

	if _, err := a.flushOrInvalidate(0, -1, vulkan.CacheOperationFlush); err != nil {
		panic(fmt.Sprintf("failed to flush host cache during debug pattern fill: %+v", err))
	}
	if err := a.Unmap(); err != nil {
		panic(fmt.Sprintf("failed to unmap memory during debug pattern fill: %+v", err))
	}
}

func (a *Allocation) nextDedicatedAlloc() *Allocation {
	a.requireDedicated("get the next dedicated allocation")
	return a.dedicatedData.nextAlloc
}

func (a *Allocation) prevDedicatedAlloc() *Allocation {
	a.requireDedicated("get the prev dedicated allocation")
	return a.dedicatedData.prevAlloc
}

func (a *Allocation) setNext(alloc *Allocation) {
	a.requireDedicated("set the next dedicated allocation")
	a.dedicatedData.nextAlloc = alloc
}

func (a *Allocation) setPrev(alloc *Allocation) {
	a.requireDedicated("set the prev dedicated allocation")
	a.dedicatedData.prevAlloc = alloc
}

func (a *Allocation) requireDedicated(action string) {
	if a.allocationType != allocationTypeDedicated {
		panic("attempted to " + action + " in the dedicated list, but this is not a dedicated allocation")
	}
}

func (a *Allocation) ParentPool() *Pool {
	switch a.allocationType {
	case allocationTypeBlock:
		return a.blockData.block.parentPool
	case allocationTypeDedicated:
		return a.dedicatedData.parentPool
	}
	panic(fmt.Sprintf("invalid allocation type: %s", a.allocationType))
}

// Free releases this allocation back to its block (or frees its dedicated memory).
func (a *Allocation) Free() error {
	return a.parentAllocator.freeAllocation(a)
}

// Touch records that this allocation was used during the allocator's current frame, protecting
// a CanBecomeLost allocation from eviction for frameInUseCount additional frames. Returns false
// if the allocation has already been evicted; a dedicated allocation, which is never eligible
// for eviction, always returns true. Callers that created an allocation with
// AllocationCreateCanBecomeLost must call Touch at least once per frame they use it, since a
// freshly created allocation only becomes eviction-eligible after its first touch.
func (a *Allocation) Touch() bool {
	if a.allocationType != allocationTypeBlock {
		return true
	}
	frameIndex := a.parentAllocator.CurrentFrameIndex()
	return a.blockData.block.metadata.TouchAllocation(a.blockData.handle, frameIndex)
}

func (a *Allocation) swapBlockAllocation(alloc *Allocation) (int, error) {
	if alloc == nil {
		panic("tried to swap blocks with a nil allocation")
	} else if a.allocationType != allocationTypeBlock || alloc.allocationType != allocationTypeBlock {
		panic("tried to swap blocks, but one side is not a block allocation")
	}

	if a.mapCount != 0 {
		if err := a.memory.Unmap(a.parentAllocator.device, a.mapCount); err != nil {
			return 0, err
		}
	}

	if err := a.blockData.block.metadata.SetAllocationUserData(a.blockData.handle, alloc); err != nil {
		panic(fmt.Sprintf("unexpected error setting current metadata during block swap: %+v", err))
	}
	a.blockData, alloc.blockData = alloc.blockData, a.blockData
	if err := a.blockData.block.metadata.SetAllocationUserData(a.blockData.handle, a); err != nil {
		panic(fmt.Sprintf("unexpected error setting new metadata during block swap: %+v", err))
	}

	return a.mapCount, nil
}

func (a *Allocation) DestroyBuffer(buffer core1_0.Buffer) error {
	if buffer != nil {
		buffer.Destroy(a.parentAllocator.allocationCallbacks)
	}
	return a.Free()
}

func (a *Allocation) DestroyImage(image core1_0.Image) error {
	if image != nil {
		image.Destroy(a.parentAllocator.allocationCallbacks)
	}
	return a.Free()
}

func (a *Allocation) CreateAliasingBuffer(bufferInfo core1_0.BufferCreateInfo) (core1_0.Buffer, common.VkResult, error) {
	return a.createAliasingBuffer(0, &bufferInfo)
}

func (a *Allocation) CreateAliasingBufferWithOffset(offset int, bufferInfo core1_0.BufferCreateInfo) (core1_0.Buffer, common.VkResult, error) {
	return a.createAliasingBuffer(offset, &bufferInfo)
}

func (a *Allocation) createAliasingBuffer(offset int, bufferInfo *core1_0.BufferCreateInfo) (buffer core1_0.Buffer, res common.VkResult, err error) {
	if bufferInfo.Size == 0 {
		return nil, core1_0.VKErrorUnknown, errors.New("attempted to create a buffer of 0 size")
	} else if offset+bufferInfo.Size > a.Size() {
		return nil, core1_0.VKErrorUnknown, errors.Newf("buffer of size %d at offset %d would not fit in a %d-byte allocation", bufferInfo.Size, offset, a.Size())
	} else if bufferInfo.Usage&khr_buffer_device_address.BufferUsageShaderDeviceAddress != 0 && a.parentAllocator.extensionData.BufferDeviceAddress == nil {
		return nil, core1_0.VKErrorExtensionNotPresent, errors.New("attempted to use BufferUsageShaderDeviceAddress, but khr_buffer_device_address is not loaded")
	}

	buffer, res, err = a.parentAllocator.device.CreateBuffer(a.parentAllocator.allocationCallbacks, *bufferInfo)
	if err != nil {
		return buffer, res, err
	}
	defer func() {
		if err != nil {
			buffer.Destroy(a.parentAllocator.allocationCallbacks)
		}
	}()

	res, err = a.bindBufferMemory(offset, buffer, nil)
	return buffer, res, err
}

func (a *Allocation) CreateAliasingImage(imageInfo core1_0.ImageCreateInfo) (core1_0.Image, common.VkResult, error) {
	return a.createAliasingImage(0, &imageInfo)
}

func (a *Allocation) CreateAliasingImageWithOffset(offset int, imageInfo core1_0.ImageCreateInfo) (core1_0.Image, common.VkResult, error) {
	return a.createAliasingImage(offset, &imageInfo)
}

func (a *Allocation) createAliasingImage(offset int, imageInfo *core1_0.ImageCreateInfo) (image core1_0.Image, res common.VkResult, err error) {
	if imageInfo.Extent.Width == 0 || imageInfo.Extent.Height == 0 {
		return nil, core1_0.VKErrorUnknown, errors.New("attempted to create a 0-sized image")
	} else if imageInfo.Extent.Depth == 0 {
		return nil, core1_0.VKErrorUnknown, errors.New("attempted to create a 0-depth image")
	} else if imageInfo.MipLevels == 0 {
		return nil, core1_0.VKErrorUnknown, errors.New("attempted to create an image with 0 mip levels")
	} else if imageInfo.ArrayLayers == 0 {
		return nil, core1_0.VKErrorUnknown, errors.New("attempted to create an image with 0 array layers")
	}

	image, res, err = a.parentAllocator.device.CreateImage(a.parentAllocator.allocationCallbacks, *imageInfo)
	if err != nil {
		return image, res, err
	}
	defer func() {
		if err != nil {
			image.Destroy(a.parentAllocator.allocationCallbacks)
		}
	}()

	res, err = a.bindImageMemory(offset, image, nil)
	return image, res, err
}
