package memmap

import (
	"github.com/iolojz/UtopiaOS/memutils"
)

// VisitAvailable calls visit with every maximal subrange of a
// general-purpose descriptor that is disjoint from the occupied list, in
// ascending address order. Zero-sized residuals are skipped. The occupied
// list must be sorted ascending by start; entries outside the map are
// ignored.
func VisitAvailable(m *Map, occupied []memutils.MemoryRegion, visit func(memutils.MemoryRegion)) {
	memutils.DebugAssert(SortedRegions(occupied), "occupied list must be sorted ascending")

	for i := range m.Descriptors() {
		desc := &m.Descriptors()[i]
		if desc.Type != GeneralPurpose {
			continue
		}

		cursor := uintptr(desc.VirtualStart)
		end := desc.VirtualEnd()

		for _, region := range occupied {
			if region.Top() <= cursor {
				continue
			}
			if region.Base() >= end {
				break
			}

			if region.Base() > cursor {
				visit(memutils.MemoryRegion{Start: cursor, Size: region.Base() - cursor})
			}
			if region.Top() > cursor {
				cursor = region.Top()
			}
			if cursor >= end {
				break
			}
		}

		if cursor < end {
			visit(memutils.MemoryRegion{Start: cursor, Size: end - cursor})
		}
	}
}

// CountAvailableFragments returns how many fragments VisitAvailable would
// produce, without materialising them. Bootstrap uses it to upper-bound the
// array that will hold the fragments.
func CountAvailableFragments(m *Map, occupied []memutils.MemoryRegion) int {
	count := 0
	VisitAvailable(m, occupied, func(memutils.MemoryRegion) {
		count++
	})
	return count
}
