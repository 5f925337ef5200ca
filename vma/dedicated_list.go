package vma

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/gpuvma/vma/suballoc"
	"github.com/gpuvma/vma/vma/internal/utils"
)

// dedicatedAllocationList is the doubly-linked list of Allocations that each own an entire
// memory block, one list per memory type. Plain (not metadata-indexed) since dedicated
// allocations have no suballocation bookkeeping to do.
type dedicatedAllocationList struct {
	mutex utils.OptionalRWMutex

	count int
	head  *Allocation
	tail  *Allocation
}

func (l *dedicatedAllocationList) Init(useMutex bool) {
	l.mutex = utils.OptionalRWMutex{UseMutex: useMutex}
}

func (l *dedicatedAllocationList) Validate() error {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	actual := 0
	for a := l.head; a != nil; a = a.nextDedicatedAlloc() {
		actual++
	}
	if actual != l.count {
		return errors.Newf("dedicated allocation list declares %d entries but has %d", l.count, actual)
	}
	return nil
}

func (l *dedicatedAllocationList) AddDetailedStatistics(stats *suballoc.DetailedStatistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for a := l.head; a != nil; a = a.nextDedicatedAlloc() {
		stats.Statistics.BlockCount++
		stats.Statistics.BlockBytes += a.size
		stats.AddAllocation(a.size)
	}
}

func (l *dedicatedAllocationList) BuildStatsString(arr jwriter.ArrayState) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for a := l.head; a != nil; a = a.nextDedicatedAlloc() {
		obj := arr.Object()
		a.printParameters(&obj)
		obj.End()
	}
}

func (l *dedicatedAllocationList) IsEmpty() bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.count == 0
}

func (l *dedicatedAllocationList) Register(alloc *Allocation) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.count == 0 {
		l.head = alloc
		l.tail = alloc
	} else {
		alloc.setPrev(l.tail)
		l.tail.setNext(alloc)
		l.tail = alloc
	}
	l.count++
}

func (l *dedicatedAllocationList) Unregister(alloc *Allocation) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	prev := alloc.prevDedicatedAlloc()
	next := alloc.nextDedicatedAlloc()

	if prev != nil {
		prev.setNext(next)
	} else {
		l.head = next
	}
	if next != nil {
		next.setPrev(prev)
	} else {
		l.tail = prev
	}

	alloc.setNext(nil)
	alloc.setPrev(nil)
	l.count--
}
