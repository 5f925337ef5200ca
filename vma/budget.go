package vma

import "github.com/gpuvma/vma/suballoc"

// GetHeapBudgets reports, for every memory heap on the device, how much this allocator has
// committed versus the heap's usable budget. The returned slice is indexed by heap index
// (len(result) == number of heaps), matching the teacher's one-call-covers-every-heap shape
// rather than requiring a memoryTypeBits mask: callers that only care about a subset of heaps
// can index into the result with DeviceMemoryProperties.MemoryTypeIndexToHeapIndex themselves.
func (a *Allocator) GetHeapBudgets() []suballoc.Budget {
	heapCount := a.deviceMemory.MemoryHeapCount()
	budgets := make([]suballoc.Budget, heapCount)
	a.deviceMemory.HeapBudgets(0, budgets)
	return budgets
}

// GetHeapBudget reports the single heap's budget that the given memory type index draws from.
func (a *Allocator) GetHeapBudget(memoryTypeIndex int) suballoc.Budget {
	heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	budgets := make([]suballoc.Budget, 1)
	a.deviceMemory.HeapBudgets(heapIndex, budgets)
	return budgets[0]
}
