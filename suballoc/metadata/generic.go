package metadata

import (
	"sort"
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	cerrors "github.com/cockroachdb/errors"

	"github.com/gpuvma/vma/suballoc"
)

// noLastUseFrame marks a live allocation that has never been touched since it was created. Such
// allocations are exempt from MakeAllocationsLost: an allocation must be used at least once
// before it can become a candidate for eviction.
const noLastUseFrame uint32 = ^uint32(0)

// lostAllocationCost is the heuristic cost (in fictional bytes) assigned to evicting one lost
// allocation while searching for a placement. It keeps a search from gleefully evicting a
// thousand small allocations to avoid growing a new block by one byte.
const lostAllocationCost = 1048576

// node is one region of a block, either free or holding a live suballocation. Nodes are stored
// in a slot-indexed slice so a BlockAllocationHandle can be a cheap integer rather than a
// pointer, and slots are recycled through freeSlots once vacated.
type node struct {
	offset       int
	size         int
	userData     any
	suballocType SuballocationType
	free         bool
	lost         bool
	lastUseFrame uint32
	prev, next   int // slot index, -1 if none
	generation   uint32
	occupied     bool // false while sitting in freeSlots awaiting reuse
}

// GenericBlockMetadata is the default BlockMetadata implementation: an intrusive doubly-linked
// list of regions ordered by offset, with a parallel index of free regions sorted by size for
// binary-search placement. It supports random access and lost-allocation eviction.
type GenericBlockMetadata struct {
	Base

	nodes     []node
	freeSlots []int // recycled node slots, ready for reuse
	freeList  []int // slot indices of free regions, sorted ascending by size

	head, tail int // slot index of first/last region in offset order, -1 if block is uninitialized

	allocCount  int
	sumFreeSize int
}

// NewGenericBlockMetadata builds a GenericBlockMetadata. Init must be called before use.
func NewGenericBlockMetadata(allocationGranularity int, granularityHandler GranularityCheck) *GenericBlockMetadata {
	return &GenericBlockMetadata{
		Base: NewBase(allocationGranularity, granularityHandler),
		head: -1,
		tail: -1,
	}
}

func (m *GenericBlockMetadata) Init(size int) {
	m.Base.Init(size)

	idx := m.newSlot()
	m.nodes[idx] = node{offset: 0, size: size, free: true, prev: -1, next: -1, occupied: true}
	m.head = idx
	m.tail = idx
	m.freeList = []int{idx}
	m.sumFreeSize = size
	m.granularityHandler.Clear()
}

func (m *GenericBlockMetadata) SupportsRandomAccess() bool { return true }

func (m *GenericBlockMetadata) AllocationCount() int { return m.allocCount }

func (m *GenericBlockMetadata) FreeRegionsCount() int { return len(m.freeList) }

func (m *GenericBlockMetadata) SumFreeSize() int { return m.sumFreeSize }

func (m *GenericBlockMetadata) IsEmpty() bool { return m.allocCount == 0 }

func (m *GenericBlockMetadata) MayHaveFreeBlock(allocType SuballocationType, size int) bool {
	return m.sumFreeSize >= size
}

// handle/slot conversions.

func encodeHandle(slot int, generation uint32) BlockAllocationHandle {
	return BlockAllocationHandle(uint64(generation)<<32 | uint64(slot+1))
}

func decodeHandle(h BlockAllocationHandle) (slot int, generation uint32) {
	return int(uint64(h)&0xFFFFFFFF) - 1, uint32(uint64(h) >> 32)
}

func (m *GenericBlockMetadata) lookup(h BlockAllocationHandle) (int, error) {
	slot, generation := decodeHandle(h)
	if slot < 0 || slot >= len(m.nodes) {
		return 0, suballoc.NewError(suballoc.ErrorKindInvalidArgument, "allocation handle does not refer to a valid slot")
	}
	n := &m.nodes[slot]
	if !n.occupied || n.generation != generation {
		return 0, suballoc.NewError(suballoc.ErrorKindInvalidArgument, "allocation handle is stale")
	}
	return slot, nil
}

func (m *GenericBlockMetadata) newSlot() int {
	if n := len(m.freeSlots); n > 0 {
		idx := m.freeSlots[n-1]
		m.freeSlots = m.freeSlots[:n-1]
		m.nodes[idx].occupied = true
		return idx
	}
	m.nodes = append(m.nodes, node{occupied: true})
	return len(m.nodes) - 1
}

func (m *GenericBlockMetadata) recycleSlot(idx int) {
	m.nodes[idx].generation++
	m.nodes[idx].occupied = false
	m.nodes[idx].userData = nil
	m.freeSlots = append(m.freeSlots, idx)
}

// free-list maintenance, kept sorted ascending by size for binary-search placement.

func (m *GenericBlockMetadata) freeListInsert(idx int) {
	size := m.nodes[idx].size
	pos := sort.Search(len(m.freeList), func(i int) bool { return m.nodes[m.freeList[i]].size >= size })
	m.freeList = append(m.freeList, 0)
	copy(m.freeList[pos+1:], m.freeList[pos:])
	m.freeList[pos] = idx
}

func (m *GenericBlockMetadata) freeListRemove(idx int) {
	size := m.nodes[idx].size
	pos := sort.Search(len(m.freeList), func(i int) bool { return m.nodes[m.freeList[i]].size >= size })
	for pos < len(m.freeList) && m.freeList[pos] != idx {
		pos++
	}
	m.freeList = append(m.freeList[:pos], m.freeList[pos+1:]...)
}

// Validate walks the list checking offsets, sizes, and free-list consistency.
func (m *GenericBlockMetadata) Validate() error {
	if m.head == -1 {
		if m.Size() != 0 {
			return suballoc.NewError(suballoc.ErrorKindValidationFailure, "empty region list for a non-empty block")
		}
		return nil
	}

	expectedOffset := 0
	freeCount := 0
	sumFree := 0
	allocCount := 0
	prevSlot := -1
	for idx := m.head; idx != -1; idx = m.nodes[idx].next {
		n := &m.nodes[idx]
		if n.offset != expectedOffset {
			return cerrors.Newf("region at slot %d has offset %d, expected %d", idx, n.offset, expectedOffset)
		}
		if n.prev != prevSlot {
			return cerrors.Newf("region at slot %d has prev %d, expected %d", idx, n.prev, prevSlot)
		}
		if n.free {
			freeCount++
			sumFree += n.size
		} else {
			allocCount++
		}
		expectedOffset += n.size
		prevSlot = idx
	}
	if expectedOffset != m.Size() {
		return cerrors.Newf("regions sum to %d bytes, block is %d bytes", expectedOffset, m.Size())
	}
	if freeCount != len(m.freeList) {
		return cerrors.Newf("found %d free regions but free list has %d entries", freeCount, len(m.freeList))
	}
	if sumFree != m.sumFreeSize {
		return cerrors.Newf("sum of free regions is %d, tracked sum is %d", sumFree, m.sumFreeSize)
	}
	if allocCount != m.allocCount {
		return cerrors.Newf("found %d live allocations, tracked count is %d", allocCount, m.allocCount)
	}

	prevSize := -1
	for _, idx := range m.freeList {
		if m.nodes[idx].size < prevSize {
			return cerrors.New("free list is not sorted by size")
		}
		prevSize = m.nodes[idx].size
	}
	return nil
}

func (m *GenericBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset, size int, userData any, free bool) error) error {
	for idx := m.head; idx != -1; idx = m.nodes[idx].next {
		n := &m.nodes[idx]
		h := encodeHandle(idx, n.generation)
		if err := handleBlock(h, n.offset, n.size, n.userData, n.free); err != nil {
			return err
		}
	}
	return nil
}

func (m *GenericBlockMetadata) AllocationListBegin() (BlockAllocationHandle, error) {
	for idx := m.head; idx != -1; idx = m.nodes[idx].next {
		if !m.nodes[idx].free {
			return encodeHandle(idx, m.nodes[idx].generation), nil
		}
	}
	return NoAllocation, nil
}

func (m *GenericBlockMetadata) FindNextAllocation(allocHandle BlockAllocationHandle) (BlockAllocationHandle, error) {
	slot, err := m.lookup(allocHandle)
	if err != nil {
		return NoAllocation, err
	}
	for idx := m.nodes[slot].next; idx != -1; idx = m.nodes[idx].next {
		if !m.nodes[idx].free {
			return encodeHandle(idx, m.nodes[idx].generation), nil
		}
	}
	return NoAllocation, nil
}

func (m *GenericBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	slot, err := m.lookup(allocHandle)
	if err != nil {
		return 0, err
	}
	return m.nodes[slot].offset, nil
}

func (m *GenericBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	slot, err := m.lookup(allocHandle)
	if err != nil {
		return nil, err
	}
	return m.nodes[slot].userData, nil
}

func (m *GenericBlockMetadata) SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error {
	slot, err := m.lookup(allocHandle)
	if err != nil {
		return err
	}
	m.nodes[slot].userData = userData
	return nil
}

func (m *GenericBlockMetadata) AddStatistics(stats *suballoc.Statistics) {
	stats.BlockCount++
	stats.AllocationCount += m.allocCount
	stats.BlockBytes += m.Size()
	stats.AllocationBytes += m.Size() - m.sumFreeSize
}

func (m *GenericBlockMetadata) AddDetailedStatistics(stats *suballoc.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()
	for idx := m.head; idx != -1; idx = m.nodes[idx].next {
		n := &m.nodes[idx]
		if n.free {
			stats.AddUnusedRange(n.size)
		} else {
			stats.AddAllocation(n.size)
		}
	}
}

func (m *GenericBlockMetadata) Clear() {
	size := m.Size()
	m.nodes = m.nodes[:0]
	m.freeSlots = m.freeSlots[:0]
	m.freeList = m.freeList[:0]
	m.allocCount = 0
	m.head = -1
	m.tail = -1
	m.Init(size)
}

func (m *GenericBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	unusedBytes := m.sumFreeSize
	m.Base.BlockJsonData(json, unusedBytes, m.allocCount, len(m.freeList))
}

// CheckCorruption validates the debug margin written immediately before and after every live
// allocation in blockData. It is a no-op whenever suballoc.DebugMargin is zero.
func (m *GenericBlockMetadata) CheckCorruption(blockData unsafe.Pointer) error {
	if suballoc.DebugMargin == 0 {
		return nil
	}
	for idx := m.head; idx != -1; idx = m.nodes[idx].next {
		n := &m.nodes[idx]
		if n.free {
			continue
		}
		if n.offset >= suballoc.DebugMargin && !suballoc.ValidateMagicValue(blockData, n.offset-suballoc.DebugMargin) {
			return suballoc.NewErrorf(suballoc.ErrorKindValidationFailure, "corruption detected before allocation at offset %d", n.offset)
		}
		if !suballoc.ValidateMagicValue(blockData, n.offset+n.size) {
			return suballoc.NewErrorf(suballoc.ErrorKindValidationFailure, "corruption detected after allocation at offset %d", n.offset)
		}
	}
	return nil
}

// linked-list splicing helpers.

func (m *GenericBlockMetadata) linkBetween(idx, prev, next int) {
	m.nodes[idx].prev = prev
	m.nodes[idx].next = next
	if prev != -1 {
		m.nodes[prev].next = idx
	} else {
		m.head = idx
	}
	if next != -1 {
		m.nodes[next].prev = idx
	} else {
		m.tail = idx
	}
}

func (m *GenericBlockMetadata) unlink(idx int) {
	n := &m.nodes[idx]
	if n.prev != -1 {
		m.nodes[n.prev].next = n.next
	} else {
		m.head = n.next
	}
	if n.next != -1 {
		m.nodes[n.next].prev = n.prev
	} else {
		m.tail = n.prev
	}
}

// fits reports whether a free region of the given offset/size can host an aligned allocation of
// allocSize, consulting the granularity handler for neighbor conflicts. It returns the actual
// offset the allocation would land at.
func (m *GenericBlockMetadata) fits(regionIdx int, allocSize int, allocAlignment uint, allocType SuballocationType, maxOffset int) (offset int, ok bool) {
	n := &m.nodes[regionIdx]
	offset = suballoc.AlignUp(n.offset, allocAlignment)

	if n.prev != -1 && !m.nodes[n.prev].free {
		adjusted, conflict := m.granularityHandler.CheckConflictAndAlignUp(offset, allocSize, n.offset, n.size, allocType)
		if conflict {
			return 0, false
		}
		offset = adjusted
	}
	if offset+allocSize > n.offset+n.size {
		return 0, false
	}
	if n.next != -1 && !m.nodes[n.next].free {
		if m.granularityHandler.AllocationsConflict(allocType, m.nodes[n.next].suballocType) &&
			suballoc.BlocksOnSamePage(offset, allocSize, m.nodes[n.next].offset, uint(m.allocationGranularity)) {
			return 0, false
		}
	}
	if offset+allocSize > maxOffset {
		return 0, false
	}
	return offset, true
}

func (m *GenericBlockMetadata) CreateAllocationRequest(
	allocSize int, allocAlignment uint,
	allocType SuballocationType,
	strategy AllocationStrategy,
	maxOffset int,
	canMakeOtherLost bool,
	currentFrameIndex, frameInUseCount uint32,
) (bool, AllocationRequest, error) {
	if allocSize <= 0 {
		return false, AllocationRequest{}, suballoc.NewError(suballoc.ErrorKindInvalidArgument, "allocation size must be positive")
	}
	if err := suballoc.CheckPow2(allocAlignment, "allocAlignment"); err != nil {
		return false, AllocationRequest{}, suballoc.WrapError(suballoc.ErrorKindInvalidArgument, err, "invalid alignment")
	}
	roundedSize, roundedAlignment := m.granularityHandler.RoundUpAllocRequest(allocType, allocSize, allocAlignment)

	if regionIdx, offset, ok := m.findFreeRegion(roundedSize, roundedAlignment, allocType, strategy, maxOffset); ok {
		n := &m.nodes[regionIdx]
		return true, AllocationRequest{
			BlockAllocationHandle: encodeHandle(regionIdx, n.generation),
			Size:                  roundedSize,
			Item:                  Suballocation{Offset: offset, Size: roundedSize, Type: allocType},
			Type:                  AllocationRequestGeneric,
			AllocType:             allocType,
			SumFreeSize:           n.size,
		}, nil
	}

	if !canMakeOtherLost {
		return false, AllocationRequest{}, nil
	}

	if windowStart, offset, itemCount, sumItem, sumWindow, ok := m.findEvictableWindow(
		roundedSize, roundedAlignment, allocType, strategy, maxOffset, currentFrameIndex, frameInUseCount); ok {
		return true, AllocationRequest{
			BlockAllocationHandle: encodeHandle(windowStart, m.nodes[windowStart].generation),
			Size:                  roundedSize,
			Item:                  Suballocation{Offset: offset, Size: roundedSize, Type: allocType},
			Type:                  AllocationRequestGeneric,
			AllocType:             allocType,
			ItemsToMakeLostCount:  itemCount,
			SumFreeSize:           sumWindow,
			SumItemSize:           sumItem,
			AlgorithmData:         uint64(windowStart),
		}, nil
	}

	return false, AllocationRequest{}, nil
}

func (m *GenericBlockMetadata) findFreeRegion(
	size int, alignment uint, allocType SuballocationType, strategy AllocationStrategy, maxOffset int,
) (regionIdx int, offset int, ok bool) {
	switch {
	case strategy&(AllocationStrategyFirstFit|allocationStrategyMinOffset) != 0:
		for idx := m.head; idx != -1; idx = m.nodes[idx].next {
			if !m.nodes[idx].free || m.nodes[idx].size < size {
				continue
			}
			if off, fits := m.fits(idx, size, alignment, allocType, maxOffset); fits {
				return idx, off, true
			}
		}
	case strategy&AllocationStrategyBestFit != 0:
		start := sort.Search(len(m.freeList), func(i int) bool { return m.nodes[m.freeList[i]].size >= size })
		for i := start; i < len(m.freeList); i++ {
			idx := m.freeList[i]
			if off, fits := m.fits(idx, size, alignment, allocType, maxOffset); fits {
				return idx, off, true
			}
		}
	default: // AllocationStrategyWorstFit, or no strategy stated: spec.md groups "WorstFit /
		// FirstFit (default)" together, so an unset strategy also walks the size-indexed free
		// list from largest to smallest.
		for i := len(m.freeList) - 1; i >= 0; i-- {
			idx := m.freeList[i]
			if off, fits := m.fits(idx, size, alignment, allocType, maxOffset); fits {
				return idx, off, true
			}
		}
	}
	return 0, 0, false
}

// findEvictableWindow looks for a run of one or more adjacent, eviction-eligible live
// allocations (optionally preceded/followed by free space) whose combined size can host the
// request. Each window costs its evicted bytes plus lostAllocationCost per evicted allocation;
// the cheapest window wins (the earliest on a tie), except under AllocationStrategyFirstFit,
// which takes the first window found. It does not mutate anything; eviction happens later in
// MakeRequestedAllocationLost.
func (m *GenericBlockMetadata) findEvictableWindow(
	size int, alignment uint, allocType SuballocationType, strategy AllocationStrategy, maxOffset int, currentFrameIndex, frameInUseCount uint32,
) (windowStart, offset, itemCount, sumItemSize, sumWindowSize int, ok bool) {
	bestCost := 0
	for start := m.head; start != -1; start = m.nodes[start].next {
		windowSize := 0
		items := 0
		itemBytes := 0
		end := start
		for end != -1 {
			n := &m.nodes[end]
			if !n.free {
				if !m.evictable(n, currentFrameIndex, frameInUseCount) {
					break
				}
				items++
				itemBytes += n.size
			}
			windowSize += n.size
			candidateOffset := suballoc.AlignUp(m.nodes[start].offset, alignment)
			if candidateOffset+size <= m.nodes[start].offset+windowSize && candidateOffset+size <= maxOffset {
				if cost := itemBytes + items*lostAllocationCost; !ok || cost < bestCost {
					windowStart, offset, itemCount, sumItemSize, sumWindowSize, ok = start, candidateOffset, items, itemBytes, windowSize, true
					bestCost = cost
				}
				if strategy&AllocationStrategyFirstFit != 0 {
					return
				}
				break
			}
			end = n.next
		}
	}
	return
}

func (m *GenericBlockMetadata) evictable(n *node, currentFrameIndex, frameInUseCount uint32) bool {
	if n.free || n.lastUseFrame == noLastUseFrame {
		return false
	}
	return currentFrameIndex-n.lastUseFrame > frameInUseCount
}

func (m *GenericBlockMetadata) Alloc(request AllocationRequest, allocType SuballocationType, userData any) error {
	slot, err := m.lookup(request.BlockAllocationHandle)
	if err != nil {
		return err
	}
	n := &m.nodes[slot]
	if !n.free {
		return suballoc.NewError(suballoc.ErrorKindInvalidArgument, "allocation request refers to a region that is no longer free")
	}
	if request.Item.Offset < n.offset || request.Item.Offset+request.Size > n.offset+n.size {
		return suballoc.NewError(suballoc.ErrorKindInvalidArgument, "allocation request no longer fits its region")
	}

	m.freeListRemove(slot)
	m.sumFreeSize -= n.size

	regionOffset, regionSize := n.offset, n.size
	leadGap := request.Item.Offset - regionOffset
	trailGap := (regionOffset + regionSize) - (request.Item.Offset + request.Size)

	n.offset = request.Item.Offset
	n.size = request.Size
	n.free = false
	n.lost = false
	n.suballocType = allocType
	n.userData = userData
	n.lastUseFrame = noLastUseFrame
	m.allocCount++

	if leadGap > 0 {
		gapIdx := m.newSlot()
		m.nodes[gapIdx] = node{offset: regionOffset, size: leadGap, free: true, occupied: true}
		m.linkBetween(gapIdx, n.prev, slot)
		m.freeListInsert(gapIdx)
		m.sumFreeSize += leadGap
	}
	if trailGap > 0 {
		gapIdx := m.newSlot()
		m.nodes[gapIdx] = node{offset: request.Item.Offset + request.Size, size: trailGap, free: true, occupied: true}
		m.linkBetween(gapIdx, slot, n.next)
		m.freeListInsert(gapIdx)
		m.sumFreeSize += trailGap
	}

	m.granularityHandler.AllocPages(allocType, n.offset, n.size)
	return nil
}

func (m *GenericBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	slot, err := m.lookup(allocHandle)
	if err != nil {
		return err
	}
	n := &m.nodes[slot]
	if n.free {
		return suballoc.NewError(suballoc.ErrorKindInvalidArgument, "allocation is already free")
	}
	m.granularityHandler.FreePages(n.offset, n.size)
	m.allocCount--
	n.free = true
	n.lost = false
	n.userData = nil
	m.sumFreeSize += n.size

	// Merge with a free right neighbor first so slot is always the survivor on the left merge.
	if next := n.next; next != -1 && m.nodes[next].free {
		m.freeListRemove(next)
		n.size += m.nodes[next].size
		m.unlink(next)
		m.recycleSlot(next)
	}
	if prev := n.prev; prev != -1 && m.nodes[prev].free {
		pn := &m.nodes[prev]
		m.freeListRemove(prev)
		pn.size += n.size
		m.unlink(slot)
		m.recycleSlot(slot)
		m.freeListInsert(prev)
		return nil
	}

	m.freeListInsert(slot)
	return nil
}

func (m *GenericBlockMetadata) TouchAllocation(allocHandle BlockAllocationHandle, currentFrameIndex uint32) bool {
	slot, err := m.lookup(allocHandle)
	if err != nil {
		return false
	}
	n := &m.nodes[slot]
	if n.free || n.lost {
		return false
	}
	n.lastUseFrame = currentFrameIndex
	return true
}

func (m *GenericBlockMetadata) MakeAllocationsLost(currentFrameIndex, frameInUseCount uint32) int {
	evicted := 0
	idx := m.head
	for idx != -1 {
		next := m.nodes[idx].next
		n := &m.nodes[idx]
		if !n.free && m.evictable(n, currentFrameIndex, frameInUseCount) {
			m.evict(idx)
			evicted++
		}
		idx = next
	}
	return evicted
}

// evict converts the live allocation at idx into a free region, merging with free neighbors.
func (m *GenericBlockMetadata) evict(idx int) {
	n := &m.nodes[idx]
	m.granularityHandler.FreePages(n.offset, n.size)
	m.allocCount--
	n.free = true
	n.lost = true
	n.userData = nil
	n.generation++ // the evicted owner's handle goes stale even if this slot is reused
	m.sumFreeSize += n.size

	if next := n.next; next != -1 && m.nodes[next].free {
		m.freeListRemove(next)
		n.size += m.nodes[next].size
		m.unlink(next)
		m.recycleSlot(next)
	}
	if prev := n.prev; prev != -1 && m.nodes[prev].free {
		pn := &m.nodes[prev]
		m.freeListRemove(prev)
		pn.size += n.size
		m.unlink(idx)
		m.recycleSlot(idx)
		m.freeListInsert(prev)
		return
	}
	m.freeListInsert(idx)
}

func (m *GenericBlockMetadata) MakeRequestedAllocationLost(currentFrameIndex, frameInUseCount uint32, request *AllocationRequest) error {
	if request.ItemsToMakeLostCount == 0 {
		return nil
	}
	windowStart := int(request.AlgorithmData)
	if windowStart < 0 || windowStart >= len(m.nodes) || !m.nodes[windowStart].occupied {
		return suballoc.NewError(suballoc.ErrorKindOutOfDeviceMemory, "candidate window is no longer valid")
	}

	remaining := request.ItemsToMakeLostCount
	idx := windowStart
	for remaining > 0 {
		if idx == -1 {
			return suballoc.NewError(suballoc.ErrorKindOutOfDeviceMemory, "candidate window shrank before eviction")
		}
		n := &m.nodes[idx]
		if !n.free {
			if !m.evictable(n, currentFrameIndex, frameInUseCount) {
				return suballoc.NewError(suballoc.ErrorKindOutOfDeviceMemory, "candidate allocation was touched before it could be evicted")
			}
			next := n.next
			m.evict(idx)
			remaining--
			idx = next
			continue
		}
		idx = n.next
	}

	// The window has now merged into a single free region somewhere at or before windowStart;
	// walk back to find its current slot and re-anchor the request onto it.
	finalSlot := windowStart
	for finalSlot != -1 && !m.nodes[finalSlot].occupied {
		finalSlot = m.nodes[finalSlot].prev
	}
	if finalSlot == -1 {
		finalSlot = m.head
	}
	n := &m.nodes[finalSlot]
	request.BlockAllocationHandle = encodeHandle(finalSlot, n.generation)
	request.ItemsToMakeLostCount = 0
	return nil
}
