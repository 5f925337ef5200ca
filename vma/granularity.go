package vma

import (
	"math/bits"

	"github.com/gpuvma/vma/suballoc"
	"github.com/gpuvma/vma/suballoc/metadata"
)

// MaxLowBufferImageGranularity is the largest granularity value handled by rounding allocation
// size and alignment up to the granularity instead of tracking pages. Hardware that reports a
// granularity above this gets the per-page bitmap.
const MaxLowBufferImageGranularity uint = 256

type pageInfo struct {
	allocType  metadata.SuballocationType
	allocCount uint16
}

// bufferImageGranularity tracks, per bufferImageGranularity-sized page, which suballocation
// type currently occupies it, so CreateAllocationRequest can refuse to place two
// hardware-incompatible resources (e.g. a linear and an optimal-tiled image) on the same page.
type bufferImageGranularity struct {
	granularity uint
	pages       []pageInfo
}

func newBufferImageGranularity(granularity uint) *bufferImageGranularity {
	return &bufferImageGranularity{granularity: granularity}
}

// isEnabled reports whether per-page conflict tracking is worthwhile. Granularities at or below
// MaxLowBufferImageGranularity are cheap enough that ordinary allocation alignment already
// keeps resources apart; only the rare, large granularities reported by some hardware need the
// full page bitmap.
func (g *bufferImageGranularity) isEnabled() bool {
	return g.granularity > MaxLowBufferImageGranularity
}

func (g *bufferImageGranularity) isLow() bool {
	return g.granularity > 1 && g.granularity <= MaxLowBufferImageGranularity
}

func (g *bufferImageGranularity) Init(size int) {
	if !g.isEnabled() {
		return
	}
	count := size / int(g.granularity)
	if size%int(g.granularity) > 0 {
		count++
	}
	g.pages = make([]pageInfo, count)
}

func (g *bufferImageGranularity) Clear() {
	if g.pages != nil {
		g.pages = make([]pageInfo, len(g.pages))
	}
}

func (g *bufferImageGranularity) AllocationsConflict(first, second metadata.SuballocationType) bool {
	return suballoc.SuballocationTypesConflict(uint32(first), uint32(second))
}

func (g *bufferImageGranularity) RoundUpAllocRequest(allocType metadata.SuballocationType, allocSize int, allocAlignment uint) (int, uint) {
	if !g.isLow() {
		return allocSize, allocAlignment
	}
	switch allocType {
	case metadata.SuballocationUnknown, metadata.SuballocationImageUnknown, metadata.SuballocationImageOptimal:
		if allocAlignment < g.granularity {
			allocAlignment = g.granularity
		}
		allocSize = suballoc.AlignUp(allocSize, g.granularity)
	}
	return allocSize, allocAlignment
}

// CheckConflictAndAlignUp implements metadata.GranularityCheck: it reports conflict=true if no
// amount of alignment padding within the candidate region can avoid a page-sharing conflict with
// whatever already occupies allocOffset's page.
func (g *bufferImageGranularity) CheckConflictAndAlignUp(
	allocOffset, allocSize, blockOffset, blockSize int, allocType metadata.SuballocationType,
) (int, bool) {
	if !g.isEnabled() {
		return allocOffset, false
	}

	startPage := g.pageIndex(allocOffset)
	if g.pages[startPage].allocCount > 0 && g.AllocationsConflict(g.pages[startPage].allocType, allocType) {
		allocOffset = suballoc.AlignUp(allocOffset, g.granularity)
		if blockSize < allocSize+allocOffset-blockOffset {
			return allocOffset, true
		}
		startPage++
	}

	endPage := g.endPageIndex(allocOffset, allocSize)
	if endPage != startPage && g.pages[endPage].allocCount > 0 && g.AllocationsConflict(g.pages[endPage].allocType, allocType) {
		return allocOffset, true
	}
	return allocOffset, false
}

func (g *bufferImageGranularity) AllocPages(allocType metadata.SuballocationType, offset, size int) {
	if !g.isEnabled() {
		return
	}
	startPage := g.pageIndex(offset)
	g.touchPage(startPage, allocType)

	endPage := g.endPageIndex(offset, size)
	if endPage != startPage {
		g.touchPage(endPage, allocType)
	}
}

func (g *bufferImageGranularity) FreePages(offset, size int) {
	if !g.isEnabled() {
		return
	}
	startPage := g.pageIndex(offset)
	g.releasePage(startPage)

	endPage := g.endPageIndex(offset, size)
	if endPage != startPage {
		g.releasePage(endPage)
	}
}

func (g *bufferImageGranularity) touchPage(page int, allocType metadata.SuballocationType) {
	p := &g.pages[page]
	if p.allocCount == 0 || p.allocType == metadata.SuballocationFree {
		p.allocType = allocType
	}
	p.allocCount++
}

func (g *bufferImageGranularity) releasePage(page int) {
	p := &g.pages[page]
	p.allocCount--
	if p.allocCount == 0 {
		p.allocType = metadata.SuballocationFree
	}
}

func (g *bufferImageGranularity) pageIndex(offset int) int {
	return g.alignedOffsetToPage(offset & int(^(g.granularity - 1)))
}

func (g *bufferImageGranularity) endPageIndex(offset, size int) int {
	return g.alignedOffsetToPage((offset + size - 1) & int(^(g.granularity - 1)))
}

func (g *bufferImageGranularity) alignedOffsetToPage(offset int) int {
	return offset >> (63 - bits.LeadingZeros64(uint64(g.granularity)))
}
