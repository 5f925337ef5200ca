package vma

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gpuvma/vma/suballoc"
)

func TestCalcAllocationParams_RejectsDedicatedAndNeverAllocate(t *testing.T) {
	a := &Allocator{}
	o := &AllocationCreateInfo{Flags: AllocationCreateDedicatedMemory | AllocationCreateNeverAllocate}

	err := a.calcAllocationParams(o, false)
	require.Error(t, err)
}

func TestCalcAllocationParams_RejectsMappedAndCanBecomeLost(t *testing.T) {
	a := &Allocator{}
	o := &AllocationCreateInfo{Flags: AllocationCreateMapped | AllocationCreateCanBecomeLost}

	err := a.calcAllocationParams(o, false)
	require.Error(t, err)
}

func TestCalcAllocationParams_RejectsDedicatedWithCustomPool(t *testing.T) {
	a := &Allocator{}
	o := &AllocationCreateInfo{Flags: AllocationCreateDedicatedMemory, Pool: &Pool{}}

	err := a.calcAllocationParams(o, false)
	require.Error(t, err)
}

func TestCalcAllocationParams_RejectsRequiresDedicatedWithNeverAllocate(t *testing.T) {
	a := &Allocator{}
	o := &AllocationCreateInfo{Flags: AllocationCreateNeverAllocate}

	err := a.calcAllocationParams(o, true)
	require.Error(t, err)
}

func TestCalcAllocationParams_RejectsUpperAddress(t *testing.T) {
	a := &Allocator{}
	o := &AllocationCreateInfo{Flags: AllocationCreateUpperAddress}

	err := a.calcAllocationParams(o, false)
	require.Error(t, err)
	kind, ok := suballoc.KindOf(err)
	require.True(t, ok)
	require.Equal(t, suballoc.ErrorKindFeatureNotPresent, kind)
}

func TestCalcAllocationParams_ForcesDedicatedWhenRequired(t *testing.T) {
	a := &Allocator{}
	o := &AllocationCreateInfo{}

	require.NoError(t, a.calcAllocationParams(o, true))
	require.NotZero(t, o.Flags&AllocationCreateDedicatedMemory)
}

func TestCalcAllocationParams_ForcesDedicatedForLazilyAllocatedUsage(t *testing.T) {
	a := &Allocator{}
	o := &AllocationCreateInfo{Usage: MemoryUsageGPULazilyAllocated}

	require.NoError(t, a.calcAllocationParams(o, false))
	require.NotZero(t, o.Flags&AllocationCreateDedicatedMemory)
}

func TestCalcAllocationParams_AcceptsPlainRequest(t *testing.T) {
	a := &Allocator{}
	o := &AllocationCreateInfo{Usage: MemoryUsageGPUOnly}

	require.NoError(t, a.calcAllocationParams(o, false))
	require.Zero(t, o.Flags&AllocationCreateDedicatedMemory)
}

func TestAllocatorFrameIndex(t *testing.T) {
	a := &Allocator{frameInUseCount: 3}

	require.Equal(t, uint32(0), a.CurrentFrameIndex())

	a.SetCurrentFrameIndex(7)
	require.Equal(t, uint32(7), a.CurrentFrameIndex())

	frame, frameInUse := a.currentFrameContext()
	require.Equal(t, uint32(7), frame)
	require.Equal(t, uint32(3), frameInUse)
}
