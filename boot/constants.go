package boot

import (
	"github.com/iolojz/UtopiaOS/kconfig"
	"github.com/iolojz/UtopiaOS/memutils"
	"github.com/iolojz/UtopiaOS/resource"
)

// Allocator geometry derived from the kernel pagesize: the general-purpose
// buddy serves blocks from smallestMemoryChunk up to one page.
var (
	memChunkLevels      uint
	smallestMemoryChunk uintptr
)

func init() {
	pagesizeMsb := memutils.Msb(kconfig.PageSize)
	minChunkMsb := memutils.Msb(resource.MinAllowedBlockSize)
	if pagesizeMsb < minChunkMsb {
		panic("the pagesize is too small to support meaningful allocations")
	}

	memChunkLevels = pagesizeMsb - minChunkMsb
	if memChunkLevels > kconfig.MaxMemChunkLevels {
		memChunkLevels = kconfig.MaxMemChunkLevels
	}
	smallestMemoryChunk = kconfig.PageSize >> memChunkLevels
}
