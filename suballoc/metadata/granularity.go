package metadata

// GranularityCheck lets a BlockMetadata implementation delegate buffer-image granularity
// conflict tracking to the memory system that owns it, since only that system knows the actual
// page granularity and which suballocation types the hardware considers incompatible neighbors.
// A memory system with no such constraint can use a no-op implementation with a granularity of
// one byte.
type GranularityCheck interface {
	AllocPages(allocType SuballocationType, offset, size int)
	FreePages(offset, size int)
	Clear()
	// CheckConflictAndAlignUp returns an offset aligned up past any conflicting neighbor page,
	// and reports conflict=true if even the adjusted offset cannot make the allocation fit
	// inside [blockOffset, blockOffset+blockSize).
	CheckConflictAndAlignUp(allocOffset, allocSize, blockOffset, blockSize int, allocType SuballocationType) (offset int, conflict bool)
	RoundUpAllocRequest(allocType SuballocationType, allocSize int, allocAlignment uint) (int, uint)
	AllocationsConflict(firstAllocType, secondAllocType SuballocationType) bool
}
