package vma

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"

	"github.com/gpuvma/vma/suballoc"
	"github.com/gpuvma/vma/suballoc/metadata"
	"github.com/gpuvma/vma/vma/internal/vulkan"
)

// deviceMemoryBlock is one real core1_0.DeviceMemory allocation plus the BlockMetadata tracking
// how it's been carved up. A Pool's memoryBlockList owns a slice of these.
type deviceMemoryBlock struct {
	id              int
	memory          *vulkan.SynchronizedMemory
	parentPool      *Pool
	memoryTypeIndex int
	logger          *slog.Logger

	metadata           metadata.BlockMetadata
	deviceMemory       *vulkan.DeviceMemoryProperties
	granularityHandler bufferImageGranularity
}

// Init wires a freshly allocated memory handle into this block. Only the generic algorithm is
// implemented; Linear and Buddy pool flags never reach here (rejected earlier in CreatePool).
func (b *deviceMemoryBlock) Init(
	logger *slog.Logger,
	pool *Pool,
	deviceMemory *vulkan.DeviceMemoryProperties,
	memoryTypeIndex int,
	memory *vulkan.SynchronizedMemory,
	size int,
	id int,
	bufferImageGranularityBytes int,
) {
	if b.memory != nil {
		panic("attempting to initialize a device memory block that is already in use")
	}

	b.parentPool = pool
	b.memoryTypeIndex = memoryTypeIndex
	b.id = id
	b.memory = memory
	b.deviceMemory = deviceMemory
	b.logger = logger
	b.granularityHandler = bufferImageGranularity{granularity: uint(bufferImageGranularityBytes)}
	b.granularityHandler.Init(size)

	b.metadata = metadata.NewGenericBlockMetadata(bufferImageGranularityBytes, &b.granularityHandler)
	b.metadata.Init(size)
}

// Destroy frees the backing device memory, refusing if any suballocation is still live.
func (b *deviceMemoryBlock) Destroy() error {
	if !b.metadata.IsEmpty() {
		err := b.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset, size int, userData any, free bool) error {
			if free {
				return nil
			}
			b.logUnreleasedMemory(offset, size, userData)
			return nil
		})
		if err != nil {
			b.logger.LogAttrs(context.Background(), slog.LevelError,
				"error while iterating unreleased memory", slog.Any("error", err))
		}

		return errors.New("some allocations were not freed before destroying this memory block")
	}

	if b.memory == nil {
		panic("attempting to destroy a memory block with no backing device memory handle")
	}

	b.deviceMemory.FreeVulkanMemory(b.memoryTypeIndex, b.metadata.Size(), b.memory)
	b.memory = nil
	b.metadata = nil
	return nil
}

func (b *deviceMemoryBlock) logUnreleasedMemory(offset, size int, userData any) {
	alloc, _ := userData.(*Allocation)
	var name string
	var data any
	if alloc != nil {
		name = alloc.Name()
		data = alloc.UserData()
	}
	if name == "" {
		name = "unnamed"
	}

	b.logger.LogAttrs(context.Background(), slog.LevelError, "unreleased memory",
		slog.Int("offset", offset),
		slog.Int("size", size),
		slog.Any("userData", data),
		slog.String("name", name),
	)
}

func (b *deviceMemoryBlock) Validate() error {
	if b.memory == nil {
		return errors.New("no valid memory for this memory block")
	}
	if b.metadata.Size() < 1 {
		return errors.New("this memory block's metadata has an invalid size")
	}

	return b.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset, size int, userData any, free bool) error {
		alloc, isAllocation := userData.(*Allocation)
		if free && isAllocation {
			return errors.Newf("an allocation at offset %d is marked free but contains an allocation object", offset)
		} else if !free && (!isAllocation || alloc == nil) {
			return errors.Newf("an allocation at offset %d is marked allocated but has no allocation object", offset)
		}
		return nil
	})
}

// CheckCorruption validates the debug-margin magic values written around every live
// suballocation; a no-op unless suballoc.DebugMargin is nonzero.
func (b *deviceMemoryBlock) CheckCorruption() (res common.VkResult, err error) {
	if suballoc.DebugMargin == 0 {
		return core1_0.VKErrorFeatureNotPresent, core1_0.VKErrorFeatureNotPresent.ToError()
	}

	data, res, err := b.memory.Map(b.deviceMemory.Device(), 1, 0, common.WholeSize, 0)
	if err != nil {
		return res, err
	}
	defer func() {
		unmapErr := b.memory.Unmap(b.deviceMemory.Device(), 1)
		if err == nil && unmapErr != nil {
			err = unmapErr
			res = core1_0.VKErrorUnknown
		}
	}()

	err = b.metadata.CheckCorruption(data)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}
	return core1_0.VKSuccess, nil
}

// WriteMagicBlockAfterAllocation writes the debug margin pattern both immediately before and
// immediately after an allocation at [allocOffset, allocOffset+allocSize), so CheckCorruption can
// later detect writes that ran past either end. The leading guard is skipped for an allocation
// that starts at the very beginning of the block, since there is no margin reserved before it.
func (b *deviceMemoryBlock) WriteMagicBlockAfterAllocation(allocOffset, allocSize int) (res common.VkResult, err error) {
	if suballoc.DebugMargin == 0 {
		return core1_0.VKErrorUnknown, errors.New("attempting to write a debug margin value outside debug mode")
	} else if suballoc.DebugMargin%4 != 0 {
		panic(fmt.Sprintf("invalid debug margin: %d must be a multiple of 4", suballoc.DebugMargin))
	}

	data, res, err := b.memory.Map(b.deviceMemory.Device(), 1, 0, common.WholeSize, 0)
	if err != nil {
		return res, err
	}
	defer func() {
		unmapErr := b.memory.Unmap(b.deviceMemory.Device(), 1)
		if err == nil && unmapErr != nil {
			err = unmapErr
			res = core1_0.VKErrorUnknown
		}
	}()

	if allocOffset >= suballoc.DebugMargin {
		suballoc.WriteMagicValue(data, allocOffset-suballoc.DebugMargin)
	}
	suballoc.WriteMagicValue(data, allocOffset+allocSize)
	return res, nil
}

func (b *deviceMemoryBlock) ValidateMagicValueAfterAllocation(allocOffset, allocSize int) (res common.VkResult, err error) {
	if suballoc.DebugMargin == 0 {
		panic("attempting to validate a debug margin value outside debug mode")
	} else if suballoc.DebugMargin%4 != 0 {
		panic(fmt.Sprintf("invalid debug margin: %d must be a multiple of 4", suballoc.DebugMargin))
	}

	data, res, err := b.memory.Map(b.deviceMemory.Device(), 1, 0, common.WholeSize, 0)
	if err != nil {
		return res, err
	}
	defer func() {
		unmapErr := b.memory.Unmap(b.deviceMemory.Device(), 1)
		if err == nil && unmapErr != nil {
			err = unmapErr
			res = core1_0.VKErrorUnknown
		}
	}()

	if !suballoc.ValidateMagicValue(data, allocOffset+allocSize) {
		panic("memory corruption detected after freed allocation")
	}
	return res, nil
}
