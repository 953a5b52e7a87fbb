package memutils

// MemoryRegion is a half-open span [Start, Start+Size) in some address space,
// not necessarily the one currently active.
type MemoryRegion struct {
	Start uintptr
	Size  uintptr
}

// NewMemoryRegion builds a region from its base address and size. The span
// must not wrap the address space.
func NewMemoryRegion(start, size uintptr) MemoryRegion {
	DebugAssert(start+size >= start, "memory region must not wrap the address space")
	return MemoryRegion{Start: start, Size: size}
}

func (r MemoryRegion) Base() uintptr { return r.Start }
func (r MemoryRegion) Top() uintptr  { return r.Start + r.Size }

// Intersects reports whether the two regions share at least one address.
func (r MemoryRegion) Intersects(other MemoryRegion) bool {
	if other.Base() < r.Base() {
		return other.Top() > r.Base()
	}
	return other.Base() < r.Top()
}

func (r MemoryRegion) Less(other MemoryRegion) bool {
	return r.Start < other.Start
}

// MemoryRequest asks for Size bytes at a base aligned to Alignment, which
// must be a power of two.
type MemoryRequest struct {
	Size      uintptr
	Alignment uintptr
}
