package metadata

import (
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/gpuvma/vma/suballoc"
)

// BlockMetadata tracks the free and occupied regions of a single block of device memory. It
// knows nothing about the device memory handle itself, only offsets and sizes within it, which
// lets the same implementation back blocks from entirely different memory types.
type BlockMetadata interface {
	// Init must be called exactly once before any other method, and tells the implementation how
	// large a block it is managing.
	Init(size int)
	// Size returns the size in bytes passed to Init.
	Size() int
	// SupportsRandomAccess reports whether allocations may land at arbitrary offsets. Always
	// true for GenericBlockMetadata; kept so callers written against the interface don't assume
	// it.
	SupportsRandomAccess() bool

	// Validate runs (possibly expensive) internal consistency checks. A correctly functioning
	// implementation should never return an error here; it exists for diagnostics and tests.
	Validate() error
	// AllocationCount returns the number of live (non-free) suballocations.
	AllocationCount() int
	// FreeRegionsCount returns the number of distinct free ranges. Adjacent free ranges are
	// always merged, so this also bounds the worst-case search length.
	FreeRegionsCount() int
	// SumFreeSize returns the total free bytes in the block.
	SumFreeSize() int
	// MayHaveFreeBlock is a fast, allowed-to-be-approximate (false positives only, never false
	// negatives) heuristic for whether a request of the given size and type could succeed.
	MayHaveFreeBlock(allocType SuballocationType, size int) bool
	// IsEmpty reports whether the block has zero live suballocations.
	IsEmpty() bool

	// VisitAllRegions calls handleBlock once per region (free or occupied) in offset order.
	VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset, size int, userData any, free bool) error) error
	// AllocationListBegin returns the first live allocation's handle, or NoAllocation if the
	// block has none.
	AllocationListBegin() (BlockAllocationHandle, error)
	// FindNextAllocation returns the handle of the live allocation immediately after allocHandle,
	// or NoAllocation if allocHandle names the last one.
	FindNextAllocation(allocHandle BlockAllocationHandle) (BlockAllocationHandle, error)

	// AllocationOffset returns the byte offset of the region named by allocHandle.
	AllocationOffset(allocHandle BlockAllocationHandle) (int, error)
	// AllocationUserData returns the userdata attached to a live allocation.
	AllocationUserData(allocHandle BlockAllocationHandle) (any, error)
	// SetAllocationUserData replaces the userdata attached to a live allocation.
	SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error

	// AddDetailedStatistics folds this block's statistics into stats.
	AddDetailedStatistics(stats *suballoc.DetailedStatistics)
	// AddStatistics folds this block's coarse statistics into stats.
	AddStatistics(stats *suballoc.Statistics)

	// Clear instantly frees every suballocation, returning the block to a single free region.
	Clear()
	// BlockJsonData writes this block's summary into json.
	BlockJsonData(json jwriter.ObjectState)

	// CheckCorruption walks every live allocation's debug margins (written by the caller via
	// suballoc.WriteMagicValue) and returns an error if any have been stomped. No-ops when
	// suballoc.DebugMargin is zero.
	CheckCorruption(blockData unsafe.Pointer) error

	// CreateAllocationRequest finds a region that could satisfy the request without yet
	// committing it. ok is false if no region could satisfy the request.
	// canMakeOtherLost gates whether a second pass may consider evicting lost-eligible live
	// allocations to open up a window; when false, only purely free regions are considered.
	// currentFrameIndex and frameInUseCount are used only to decide which live allocations are
	// eligible to be evicted (via ItemsToMakeLostCount) when canMakeOtherLost is set.
	CreateAllocationRequest(
		allocSize int, allocAlignment uint,
		allocType SuballocationType,
		strategy AllocationStrategy,
		maxOffset int,
		canMakeOtherLost bool,
		currentFrameIndex, frameInUseCount uint32,
	) (ok bool, request AllocationRequest, err error)
	// Alloc commits a request produced by CreateAllocationRequest. It fails if the referenced
	// region is no longer free, e.g. because a concurrent caller raced ahead of an external lock.
	Alloc(request AllocationRequest, allocType SuballocationType, userData any) error
	// Free releases a live allocation back to the free pool.
	Free(allocHandle BlockAllocationHandle) error

	// MakeAllocationsLost evicts every currentFrameIndex-unreferenced allocation older than
	// frameInUseCount frames, returning the count evicted. An evicted allocation's region goes
	// straight back to free space; its old handle is no longer live, so TouchAllocation on it
	// returns false.
	MakeAllocationsLost(currentFrameIndex, frameInUseCount uint32) int
	// MakeRequestedAllocationLost evicts the specific allocations an AllocationRequest counted
	// in ItemsToMakeLostCount, failing if any of them have since been touched this frame.
	MakeRequestedAllocationLost(currentFrameIndex, frameInUseCount uint32, request *AllocationRequest) error
	// TouchAllocation records that allocHandle was used during currentFrameIndex, protecting it
	// from MakeAllocationsLost for frameInUseCount additional frames. Returns false if the
	// allocation has already been evicted.
	TouchAllocation(allocHandle BlockAllocationHandle, currentFrameIndex uint32) bool
}

// Base holds the fields common to BlockMetadata implementations: the block size and the
// memory-system-provided granularity handler.
type Base struct {
	size                  int
	allocationGranularity int
	granularityHandler    GranularityCheck
}

// NewBase builds a Base. allocationGranularity should be 1 for memory systems with no
// buffer-image-style page sharing constraints.
func NewBase(allocationGranularity int, granularityHandler GranularityCheck) Base {
	return Base{
		allocationGranularity: allocationGranularity,
		granularityHandler:    granularityHandler,
	}
}

func (b *Base) Init(size int) { b.size = size }

func (b *Base) Size() int { return b.size }

// BlockJsonData writes the fields common to every implementation's JSON summary.
func (b *Base) BlockJsonData(json jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(b.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
