package vma

import (
	"github.com/vkngwrapper/core/v2/core1_0"

	"github.com/gpuvma/vma/suballoc/metadata"
)

// MemoryUsage picks a broad memory-access pattern; findMemoryTypeIndex turns it into concrete
// required/preferred/not-preferred core1_0.MemoryPropertyFlags.
type MemoryUsage uint32

const (
	MemoryUsageUnknown MemoryUsage = iota
	MemoryUsageGPUOnly
	MemoryUsageCPUOnly
	MemoryUsageCPUToGPU
	MemoryUsageGPUToCPU
	MemoryUsageCPUCopy
	MemoryUsageGPULazilyAllocated
)

var memoryUsageNames = map[MemoryUsage]string{
	MemoryUsageUnknown:            "MemoryUsageUnknown",
	MemoryUsageGPUOnly:            "MemoryUsageGPUOnly",
	MemoryUsageCPUOnly:            "MemoryUsageCPUOnly",
	MemoryUsageCPUToGPU:           "MemoryUsageCPUToGPU",
	MemoryUsageGPUToCPU:           "MemoryUsageGPUToCPU",
	MemoryUsageCPUCopy:            "MemoryUsageCPUCopy",
	MemoryUsageGPULazilyAllocated: "MemoryUsageGPULazilyAllocated",
}

func (u MemoryUsage) String() string {
	if name, ok := memoryUsageNames[u]; ok {
		return name
	}
	return "UnknownMemoryUsage"
}

// AllocationCreateInfo describes the requirements for a new Allocation.
type AllocationCreateInfo struct {
	Flags AllocationCreateFlags
	Usage MemoryUsage

	RequiredFlags    core1_0.MemoryPropertyFlags
	PreferredFlags   core1_0.MemoryPropertyFlags
	NotPreferredFlags core1_0.MemoryPropertyFlags

	MemoryTypeBits uint32
	Pool           *Pool
	UserData       any
	Name           string
	Priority       float32
}

// memoryRequirements is the required/preferred/not-preferred property-flag triple derived from
// an AllocationCreateInfo's Usage, folded together with its explicit RequiredFlags/PreferredFlags.
type memoryRequirements struct {
	required     core1_0.MemoryPropertyFlags
	preferred    core1_0.MemoryPropertyFlags
	notPreferred core1_0.MemoryPropertyFlags
}

// deriveMemoryRequirements implements spec.md §4.4's usage table.
func deriveMemoryRequirements(info AllocationCreateInfo, isIntegratedGPU bool) memoryRequirements {
	req := memoryRequirements{
		required:     info.RequiredFlags,
		preferred:    info.PreferredFlags,
		notPreferred: info.NotPreferredFlags,
	}

	switch info.Usage {
	case MemoryUsageGPUOnly:
		if !isIntegratedGPU || req.preferred&core1_0.MemoryPropertyHostVisible == 0 {
			req.preferred |= core1_0.MemoryPropertyDeviceLocal
		}
	case MemoryUsageCPUOnly:
		req.required |= core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent
	case MemoryUsageCPUToGPU:
		req.required |= core1_0.MemoryPropertyHostVisible
		if !isIntegratedGPU || req.preferred&core1_0.MemoryPropertyHostVisible == 0 {
			req.preferred |= core1_0.MemoryPropertyDeviceLocal
		}
	case MemoryUsageGPUToCPU:
		req.required |= core1_0.MemoryPropertyHostVisible
		req.preferred |= core1_0.MemoryPropertyHostCached
	case MemoryUsageCPUCopy:
		req.notPreferred |= core1_0.MemoryPropertyDeviceLocal
	case MemoryUsageGPULazilyAllocated:
		req.required |= core1_0.MemoryPropertyLazilyAllocated
	}

	return req
}

// forcesDedicated reports whether usage always implies AllocationCreateDedicatedMemory.
func (u MemoryUsage) forcesDedicated() bool {
	return u == MemoryUsageGPULazilyAllocated
}

// toAllocationStrategy maps the three mutually-exclusive strategy bits in flags onto the
// suballoc/metadata strategy constant the block list and metadata engine consume. spec.md groups
// WorstFit and "no strategy stated" together as the default, so an unrecognized or absent
// strategy bit also maps to MinFragmentation (WorstFit).
func toAllocationStrategy(flags AllocationCreateFlags) metadata.AllocationStrategy {
	switch flags & AllocationCreateStrategyMask {
	case AllocationCreateStrategyMinTime:
		return metadata.MinTime
	case AllocationCreateStrategyMinMemory:
		return metadata.MinMemory
	default:
		return metadata.MinFragmentation
	}
}
