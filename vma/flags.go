package vma

import "github.com/vkngwrapper/core/v2/common"

// AllocationCreateFlags controls optional allocation behavior.
type AllocationCreateFlags int32

var allocationCreateFlagsMapping = common.NewFlagStringMapping[AllocationCreateFlags]()

func (f AllocationCreateFlags) Register(str string) { allocationCreateFlagsMapping.Register(f, str) }
func (f AllocationCreateFlags) String() string       { return allocationCreateFlagsMapping.FlagsToString(f) }

const (
	// AllocationCreateDedicatedMemory forces this allocation into its own memory block.
	AllocationCreateDedicatedMemory AllocationCreateFlags = 1 << iota
	// AllocationCreateNeverAllocate only tries existing blocks, never creates a new one.
	AllocationCreateNeverAllocate
	// AllocationCreateMapped keeps the allocation's memory mapped for as long as it lives.
	AllocationCreateMapped
	// AllocationCreateCanBecomeLost marks the allocation eligible for eviction by a later,
	// higher-priority allocation once it has gone unused for frameInUseCount frames.
	AllocationCreateCanBecomeLost
	// AllocationCreateCanMakeOtherLost allows this allocation's request to satisfy itself by
	// evicting CanBecomeLost allocations that are past their frameInUseCount window.
	AllocationCreateCanMakeOtherLost
	// AllocationCreateUpperAddress is only meaningful for a PoolCreateLinearAlgorithm pool, which
	// this module does not implement; always rejected with ErrorKindFeatureNotPresent.
	AllocationCreateUpperAddress
	// AllocationCreateDontBind creates the buffer/image and the allocation without binding them,
	// so the caller can bind manually (e.g. through an extension this module doesn't wrap).
	AllocationCreateDontBind
	// AllocationCreateWithinBudget fails rather than exceed the heap's current budget.
	AllocationCreateWithinBudget
	// AllocationCreateCanAlias marks the allocation suitable for aliasing resources.
	AllocationCreateCanAlias
	// AllocationCreateStrategyMinMemory picks the smallest fitting free range (best fit).
	AllocationCreateStrategyMinMemory
	// AllocationCreateStrategyMinTime picks the first fitting free range (first fit).
	AllocationCreateStrategyMinTime
	// AllocationCreateStrategyMinFragmentation picks the largest fitting free range (worst fit).
	AllocationCreateStrategyMinFragmentation

	AllocationCreateStrategyMask = AllocationCreateStrategyMinMemory |
		AllocationCreateStrategyMinTime |
		AllocationCreateStrategyMinFragmentation
)

func init() {
	AllocationCreateDedicatedMemory.Register("AllocationCreateDedicatedMemory")
	AllocationCreateNeverAllocate.Register("AllocationCreateNeverAllocate")
	AllocationCreateMapped.Register("AllocationCreateMapped")
	AllocationCreateCanBecomeLost.Register("AllocationCreateCanBecomeLost")
	AllocationCreateCanMakeOtherLost.Register("AllocationCreateCanMakeOtherLost")
	AllocationCreateUpperAddress.Register("AllocationCreateUpperAddress")
	AllocationCreateDontBind.Register("AllocationCreateDontBind")
	AllocationCreateWithinBudget.Register("AllocationCreateWithinBudget")
	AllocationCreateCanAlias.Register("AllocationCreateCanAlias")
	AllocationCreateStrategyMinMemory.Register("AllocationCreateStrategyMinMemory")
	AllocationCreateStrategyMinTime.Register("AllocationCreateStrategyMinTime")
	AllocationCreateStrategyMinFragmentation.Register("AllocationCreateStrategyMinFragmentation")
}

// PoolCreateFlags controls optional behavior for a custom Pool.
type PoolCreateFlags int32

var poolCreateFlagsMapping = common.NewFlagStringMapping[PoolCreateFlags]()

func (f PoolCreateFlags) Register(str string) { poolCreateFlagsMapping.Register(f, str) }
func (f PoolCreateFlags) String() string       { return poolCreateFlagsMapping.FlagsToString(f) }

const (
	// PoolCreateIgnoreBufferImageGranularity skips the granularity conflict walk for pools that
	// only ever hold one kind of suballocation (all buffers, or all one kind of image).
	PoolCreateIgnoreBufferImageGranularity PoolCreateFlags = 1 << iota
	// PoolCreateLinearAlgorithm is accepted but rejected: only the generic algorithm is wired.
	PoolCreateLinearAlgorithm
	// PoolCreateBuddyAlgorithm is accepted but rejected: only the generic algorithm is wired.
	PoolCreateBuddyAlgorithm

	PoolCreateAlgorithmMask = PoolCreateLinearAlgorithm | PoolCreateBuddyAlgorithm
)

func init() {
	PoolCreateIgnoreBufferImageGranularity.Register("PoolCreateIgnoreBufferImageGranularity")
	PoolCreateLinearAlgorithm.Register("PoolCreateLinearAlgorithm")
	PoolCreateBuddyAlgorithm.Register("PoolCreateBuddyAlgorithm")
}
