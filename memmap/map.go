// Package memmap builds and queries the kernel's own view of physical and
// virtual memory. The map is derived from the firmware memory map but comes
// with guarantees UEFI lacks: fixed descriptor layout, kernel page units,
// ascending order, and no overlaps between valid entries.
package memmap

import (
	"fmt"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slices"

	"github.com/iolojz/UtopiaOS/kconfig"
	"github.com/iolojz/UtopiaOS/memutils"
	"github.com/iolojz/UtopiaOS/resource"
	"github.com/iolojz/UtopiaOS/uefi"
)

// MemoryType classifies a kernel descriptor. Only types the kernel actually
// distinguishes exist; everything the firmware reports that is not
// conventional memory collapses into Unusable.
type MemoryType uint32

const (
	GeneralPurpose MemoryType = iota
	Unusable
	Invalid
)

var memoryTypeNames = map[MemoryType]string{
	GeneralPurpose: "GeneralPurpose",
	Unusable:       "Unusable",
	Invalid:        "Invalid",
}

func (t MemoryType) String() string {
	return memoryTypeNames[t]
}

// Descriptor is the kernel-usable successor of a firmware descriptor. Page
// counts are in units of kconfig.PageSize. For valid entries it is
// guaranteed that start + pages*pagesize does not overflow a uintptr, for
// both the physical and the virtual start. The contents of Invalid entries
// are undefined.
type Descriptor struct {
	Type          MemoryType
	PhysicalStart uint64
	VirtualStart  uint64
	NumberOfPages uint64
}

// VirtualEnd returns the first address past the described span.
func (d *Descriptor) VirtualEnd() uintptr {
	return uintptr(d.VirtualStart) + uintptr(d.NumberOfPages)*kconfig.PageSize
}

// ContainsRegion reports whether the region lies fully inside the
// descriptor's virtual span.
func (d *Descriptor) ContainsRegion(region memutils.MemoryRegion) bool {
	return region.Base() >= uintptr(d.VirtualStart) && region.Top() <= d.VirtualEnd()
}

// CanMeetRequest is a cheap pre-check: whether the descriptor could satisfy
// the request on its own, ignoring occupied memory.
func (d *Descriptor) CanMeetRequest(request memutils.MemoryRequest) bool {
	if d.Type != GeneralPurpose {
		return false
	}

	aligned, ok := memutils.AlignUpChecked(uintptr(d.VirtualStart), request.Alignment)
	if !ok || aligned+request.Size < aligned {
		return false
	}

	return aligned+request.Size <= d.VirtualEnd()
}

// uintptrLimit is the largest address representable on this target.
const uintptrLimit = uint64(^uintptr(0))

// fromUEFI converts a firmware descriptor into a kernel one. Conventional
// memory becomes general purpose, every other known type unusable. The page
// count is rescaled from the firmware pagesize to the kernel pagesize,
// truncating a partial trailing page. Entries whose span overflows the
// address space, or which are smaller than one kernel page, come out
// Invalid.
func fromUEFI(src *uefi.DescriptorV1) Descriptor {
	desc := Descriptor{
		Type:          Unusable,
		PhysicalStart: src.PhysicalStart,
		VirtualStart:  src.VirtualStart,
	}
	if src.Type == uefi.EfiConventionalMemory {
		desc.Type = GeneralPurpose
	}

	totalBytes := src.NumberOfPages * uint64(uefi.PageSize)
	if src.NumberOfPages != 0 && totalBytes/src.NumberOfPages != uint64(uefi.PageSize) {
		desc.Type = Invalid
		return desc
	}

	desc.NumberOfPages = totalBytes / uint64(kconfig.PageSize)
	if desc.NumberOfPages == 0 {
		desc.Type = Invalid
		return desc
	}

	spanBytes := desc.NumberOfPages * uint64(kconfig.PageSize)
	if overflowsTarget(src.VirtualStart, spanBytes) || overflowsTarget(src.PhysicalStart, spanBytes) {
		desc.Type = Invalid
	}
	return desc
}

func overflowsTarget(start, size uint64) bool {
	return start > uintptrLimit || size > uintptrLimit-start
}

// Map is the memory map used by the kernel: an owned, sorted array of
// descriptors placed in memory obtained from a resource. Invalid entries are
// kept at the tail of the allocated array but are excluded from iteration.
type Map struct {
	descriptors []Descriptor
	valid       int
}

// MaximumConversionRequest returns a request that, when fulfilled, suffices
// to convert the given firmware map into a kernel one.
func MaximumConversionRequest(fw *uefi.MemoryMap) memutils.MemoryRequest {
	return memutils.MemoryRequest{
		Size:      uintptr(fw.Count()) * unsafe.Sizeof(Descriptor{}),
		Alignment: unsafe.Alignof(Descriptor{}),
	}
}

// NewMap converts a firmware memory map into a kernel map, allocating the
// descriptor storage from res. res must be able to provide at least what
// MaximumConversionRequest reports.
//
// Firmware contradictions never fail the construction: entries that overlap
// with mismatched types or physical placement are invalidated locally and
// the surrounding map stays usable.
func NewMap(fw *uefi.MemoryMap, res resource.Resource) (Map, error) {
	if err := fw.Validate(); err != nil {
		return Map{}, cerrors.WithSecondaryError(resource.ErrInvalidArgument, err)
	}

	count := fw.Count()
	if count == 0 {
		return Map{}, nil
	}

	request := MaximumConversionRequest(fw)
	storage, err := res.Allocate(request.Size, request.Alignment)
	if err != nil {
		return Map{}, err
	}

	descriptors := unsafe.Slice((*Descriptor)(unsafe.Pointer(storage)), count)
	for i := 0; i < count; i++ {
		descriptors[i] = fromUEFI(fw.DescriptorAt(i))
	}

	m := Map{descriptors: descriptors}
	m.valid = partitionInvalid(descriptors)

	slices.SortFunc(m.descriptors[:m.valid], func(a, b Descriptor) bool {
		return a.VirtualStart < b.VirtualStart
	})

	mergeDescriptors(m.descriptors[:m.valid])
	m.valid = partitionInvalid(m.descriptors[:m.valid])

	return m, nil
}

// partitionInvalid stably moves Invalid entries behind the valid ones and
// returns the length of the valid prefix. Invalid contents are undefined, so
// the tail is simply overwritten.
func partitionInvalid(descriptors []Descriptor) int {
	valid := 0
	for i := range descriptors {
		if descriptors[i].Type == Invalid {
			continue
		}
		if i != valid {
			descriptors[valid] = descriptors[i]
		}
		valid++
	}
	for i := valid; i < len(descriptors); i++ {
		descriptors[i].Type = Invalid
	}
	return valid
}

// mergeDescriptors walks a sorted run of valid descriptors once, merging
// overlapping and adjacent entries that describe the same memory and
// invalidating pairs that contradict each other. A contradiction only takes
// out the two entries involved.
func mergeDescriptors(descriptors []Descriptor) {
	previous := -1
	for i := range descriptors {
		if descriptors[i].Type == Invalid {
			continue
		}
		if previous < 0 {
			previous = i
			continue
		}

		a := &descriptors[previous]
		b := &descriptors[i]
		aEnd := a.VirtualStart + a.NumberOfPages*uint64(kconfig.PageSize)

		switch {
		case aEnd > b.VirtualStart:
			// Overlap: only acceptable if both entries describe the same
			// underlying memory.
			if a.Type == b.Type && physicallyContiguous(a, b) {
				bEnd := b.VirtualStart + b.NumberOfPages*uint64(kconfig.PageSize)
				if bEnd < aEnd {
					bEnd = aEnd
				}
				b.PhysicalStart = a.PhysicalStart
				b.VirtualStart = a.VirtualStart
				b.NumberOfPages = (bEnd - a.VirtualStart) / uint64(kconfig.PageSize)
				a.Type = Invalid
				previous = i
			} else {
				a.Type = Invalid
				b.Type = Invalid
				previous = -1
			}
		case aEnd == b.VirtualStart && a.Type == b.Type && physicallyContiguous(a, b):
			b.PhysicalStart = a.PhysicalStart
			b.VirtualStart = a.VirtualStart
			b.NumberOfPages += a.NumberOfPages
			a.Type = Invalid
			previous = i
		default:
			previous = i
		}
	}
}

// physicallyContiguous reports whether b's physical placement lines up with
// a's: the virtual delta between the two equals the physical delta.
func physicallyContiguous(a, b *Descriptor) bool {
	return b.PhysicalStart == a.PhysicalStart+(b.VirtualStart-a.VirtualStart)
}

// Descriptors returns the valid prefix of the map. Callers must not modify
// the entries.
func (m *Map) Descriptors() []Descriptor {
	return m.descriptors[:m.valid]
}

// AllocatedLength returns the full allocated descriptor count, including the
// invalid tail.
func (m *Map) AllocatedLength() int {
	return len(m.descriptors)
}

// CopyRequest returns a request that, when fulfilled, suffices to clone the
// map into another resource.
func (m *Map) CopyRequest() memutils.MemoryRequest {
	return memutils.MemoryRequest{
		Size:      uintptr(len(m.descriptors)) * unsafe.Sizeof(Descriptor{}),
		Alignment: unsafe.Alignof(Descriptor{}),
	}
}

// CopyInto clones the map's valid prefix into memory obtained from res.
func (m *Map) CopyInto(res resource.Resource) (Map, error) {
	if m.valid == 0 {
		return Map{}, nil
	}

	storage, err := res.Allocate(uintptr(m.valid)*unsafe.Sizeof(Descriptor{}), unsafe.Alignof(Descriptor{}))
	if err != nil {
		return Map{}, err
	}

	descriptors := unsafe.Slice((*Descriptor)(unsafe.Pointer(storage)), m.valid)
	copy(descriptors, m.descriptors[:m.valid])

	return Map{descriptors: descriptors, valid: m.valid}, nil
}

// JsonData populates a json object with the map's valid descriptors.
func (m *Map) JsonData(json jwriter.ObjectState) {
	json.Name("DescriptorCount").Int(m.valid)

	descriptorArray := json.Name("Descriptors").Array()
	for i := 0; i < m.valid; i++ {
		desc := &m.descriptors[i]

		descriptorObject := descriptorArray.Object()
		descriptorObject.Name("Type").String(desc.Type.String())
		descriptorObject.Name("PhysicalStart").String(fmt.Sprintf("%#x", desc.PhysicalStart))
		descriptorObject.Name("VirtualStart").String(fmt.Sprintf("%#x", desc.VirtualStart))
		descriptorObject.Name("NumberOfPages").Int(int(desc.NumberOfPages))
		descriptorObject.End()
	}
	descriptorArray.End()
}
