package metadata

// AllocationStrategy exposes the options for choosing where a new allocation lands within a
// block. Callers may set more than one; the implementation picks one of the requested strategies
// based on its own preference order. With none set, the largest free range is tried first, as
// with AllocationStrategyWorstFit.
type AllocationStrategy uint32

const (
	// AllocationStrategyBestFit prefers the smallest free range that still satisfies the
	// request, minimizing leftover fragmentation at the expense of search time.
	AllocationStrategyBestFit AllocationStrategy = 1 << iota
	// AllocationStrategyWorstFit prefers the largest free range, keeping remaining fragments
	// large and reusable at the cost of packing density.
	AllocationStrategyWorstFit
	// AllocationStrategyFirstFit accepts the first free range encountered that satisfies the
	// request, minimizing allocation time at the expense of placement quality.
	AllocationStrategyFirstFit

	// allocationStrategyMinOffset is not exposed to callers; it places an allocation at the
	// lowest free offset that fits, walking regions in offset order as FirstFit does.
	allocationStrategyMinOffset AllocationStrategy = 1 << 30
)

// MinMemory is an alias for AllocationStrategyBestFit using VMA's historical naming.
const MinMemory = AllocationStrategyBestFit

// MinTime is an alias for AllocationStrategyFirstFit using VMA's historical naming.
const MinTime = AllocationStrategyFirstFit

// MinFragmentation is an alias for AllocationStrategyWorstFit using VMA's historical naming: by
// always surrendering the largest remaining range, in-progress fragmentation is deferred the
// longest.
const MinFragmentation = AllocationStrategyWorstFit
