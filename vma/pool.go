package vma

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"

	"github.com/gpuvma/vma/suballoc"
)

// PoolCreateInfo configures a custom Pool: a memory-type-pinned sub-arena of an Allocator, used
// when the caller wants explicit control over block sizing or isolation from the default pools.
type PoolCreateInfo struct {
	MemoryTypeIndex int
	Flags           PoolCreateFlags

	BlockSize     int
	MinBlockCount int
	MaxBlockCount int

	Priority               float32
	MinAllocationAlignment uint
	MemoryAllocateNext     common.Options
}

// Pool is a memory-type-pinned arena: one BlockList for suballocated memory plus one
// dedicatedAllocationList for allocations that got their own block.
type Pool struct {
	logger               *slog.Logger
	blockList            memoryBlockList
	dedicatedAllocations dedicatedAllocationList
	parentAllocator      *Allocator

	id   int
	name string
	prev *Pool
	next *Pool
}

func (p *Pool) SetName(name string) { p.name = name }
func (p *Pool) Name() string        { return p.name }
func (p *Pool) ID() int             { return p.id }

func (p *Pool) SetID(id int) error {
	if p.id != 0 {
		return errors.New("pool already has an id")
	}
	p.id = id
	return nil
}

// Destroy tears down the pool's block list, refusing if any dedicated allocation is still live.
func (p *Pool) Destroy() error {
	p.parentAllocator.poolsMutex.Lock()
	defer p.parentAllocator.poolsMutex.Unlock()
	return p.destroyAfterLock()
}

func (p *Pool) destroyAfterLock() error {
	suballoc.DebugValidate(&p.dedicatedAllocations)
	if p.dedicatedAllocations.count > 0 {
		return errors.Newf("pool still has %d unfreed dedicated allocations", p.dedicatedAllocations.count)
	}

	if err := p.blockList.Destroy(); err != nil {
		return err
	}

	if p.next != nil {
		p.next.prev = p.prev
	}
	if p.prev != nil {
		p.prev.next = p.next
	}
	if p.parentAllocator.pools == p {
		p.parentAllocator.pools = p.next
	}
	return nil
}

func (p *Pool) CheckCorruption() (common.VkResult, error) {
	err := p.blockList.CheckCorruption()
	if err == nil {
		return core1_0.VKSuccess, nil
	}
	if kind, ok := suballoc.KindOf(err); ok && kind == suballoc.ErrorKindFeatureNotPresent {
		return core1_0.VKErrorFeatureNotPresent, err
	}
	return core1_0.VKErrorUnknown, err
}

func (p *Pool) GetStatistics() suballoc.Statistics {
	return p.blockList.Statistics()
}

func (p *Pool) GetDetailedStatistics() suballoc.DetailedStatistics {
	stats := suballoc.DetailedStatistics{}
	stats.Clear()
	p.blockList.AddDetailedStatistics(&stats)
	p.dedicatedAllocations.AddDetailedStatistics(&stats)
	return stats
}
