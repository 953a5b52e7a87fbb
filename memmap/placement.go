package memmap

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"

	"github.com/iolojz/UtopiaOS/memutils"
)

// ErrCannotMeetRequest is returned when no free sub-region of the memory map
// satisfies a placement request.
var ErrCannotMeetRequest = cerrors.New("cannot meet memory request")

// SortedRegions reports whether the regions are in ascending start order.
func SortedRegions(regions []memutils.MemoryRegion) bool {
	return slices.IsSortedFunc(regions, func(a, b memutils.MemoryRegion) bool {
		return a.Less(b)
	})
}

// MeetRequest finds a region of exactly request.Size bytes whose base is
// aligned to request.Alignment, lies fully inside some general-purpose
// descriptor, and intersects no region of the occupied list. Descriptors are
// tried in virtual-start order and the lowest admissible address within a
// descriptor wins. The occupied list must be sorted ascending by start.
func MeetRequest(m *Map, occupied []memutils.MemoryRegion, request memutils.MemoryRequest) (memutils.MemoryRegion, error) {
	memutils.DebugAssert(SortedRegions(occupied), "occupied list must be sorted ascending")
	memutils.DebugCheckPow2(uint(request.Alignment), "request alignment")

	for i := range m.Descriptors() {
		desc := &m.Descriptors()[i]
		if !desc.CanMeetRequest(request) {
			continue
		}

		aligned, ok := memutils.AlignUpChecked(uintptr(desc.VirtualStart), request.Alignment)
		if !ok || aligned+request.Size < aligned {
			continue
		}
		candidate := memutils.MemoryRegion{Start: aligned, Size: request.Size}
		if !desc.ContainsRegion(candidate) {
			continue
		}

		// The occupied list is sorted, so once the candidate has moved past a
		// region, no earlier region can intersect it again.
		fits := true
		for j := range occupied {
			if !occupied[j].Intersects(candidate) {
				continue
			}

			aligned, ok = memutils.AlignUpChecked(occupied[j].Top(), request.Alignment)
			if !ok || aligned+request.Size < aligned {
				fits = false
				break
			}
			candidate = memutils.MemoryRegion{Start: aligned, Size: request.Size}
			if !desc.ContainsRegion(candidate) {
				fits = false
				break
			}
		}

		if fits {
			return candidate, nil
		}
	}

	return memutils.MemoryRegion{}, ErrCannotMeetRequest
}

// SortedInsert inserts region into the sorted list, keeping ascending start
// order and placing equal starts after existing ones. The result reuses
// regions' backing array when capacity allows.
func SortedInsert(regions []memutils.MemoryRegion, region memutils.MemoryRegion) []memutils.MemoryRegion {
	position := len(regions)
	for i := range regions {
		if region.Less(regions[i]) {
			position = i
			break
		}
	}

	regions = append(regions, memutils.MemoryRegion{})
	copy(regions[position+1:], regions[position:])
	regions[position] = region
	return regions
}
