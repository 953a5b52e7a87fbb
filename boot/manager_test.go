package boot_test

import (
	"encoding/json"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/iolojz/UtopiaOS/boot"
	"github.com/iolojz/UtopiaOS/kconfig"
	"github.com/iolojz/UtopiaOS/memmap"
	"github.com/iolojz/UtopiaOS/memutils"
	"github.com/iolojz/UtopiaOS/resource"
	"github.com/iolojz/UtopiaOS/uefi"
)

// machine is a page-aligned chunk of host memory standing in for the
// physical memory a firmware map would describe. Tests hand its real
// addresses to the bootstrap, so all bookkeeping writes land in it.
type machine struct {
	storage []byte
	base    uintptr
	size    uintptr
}

func newMachine(t *testing.T, size uintptr) *machine {
	t.Helper()
	require.Zero(t, size%kconfig.PageSize)

	storage := make([]byte, size+kconfig.PageSize)
	base := uintptr(unsafe.Pointer(&storage[0]))
	base = (base + kconfig.PageSize - 1) &^ (kconfig.PageSize - 1)

	return &machine{storage: storage, base: base, size: size}
}

func (m *machine) region(offset, size uintptr) memutils.MemoryRegion {
	return memutils.NewMemoryRegion(m.base+offset, size)
}

func (m *machine) contains(p uintptr) bool {
	return p >= m.base && p < m.base+m.size
}

// kernelMap builds a kernel memory map with a single general-purpose
// descriptor covering the machine. The returned slice backs the map's
// descriptor storage.
func (m *machine) kernelMap(t *testing.T) (memmap.Map, [][]byte) {
	t.Helper()

	descriptors := []uefi.DescriptorV1{{
		Type:          uefi.EfiConventionalMemory,
		PhysicalStart: uint64(m.base),
		VirtualStart:  uint64(m.base),
		NumberOfPages: uint64(m.size / uefi.PageSize),
	}}

	align := unsafe.Alignof(uefi.DescriptorV1{})
	blob := make([]byte, unsafe.Sizeof(uefi.DescriptorV1{})+align)
	blobBase := (uintptr(unsafe.Pointer(&blob[0])) + align - 1) &^ (align - 1)
	*(*uefi.DescriptorV1)(unsafe.Pointer(blobBase)) = descriptors[0]

	fw := &uefi.MemoryMap{
		Descriptors:            blobBase,
		NumberOfDescriptors:    1,
		DescriptorSize:         unsafe.Sizeof(uefi.DescriptorV1{}),
		DescriptorVersion:      1,
		LeastCompatibleVersion: 1,
	}

	conversion := make([]byte, memmap.MaximumConversionRequest(fw).Size+64)
	conversionBase := (uintptr(unsafe.Pointer(&conversion[0])) + 63) &^ uintptr(63)
	res := resource.NewMonotonicBuffer(memutils.NewMemoryRegion(conversionBase, uintptr(len(conversion))-64))

	kernelMap, err := memmap.NewMap(fw, &res)
	require.NoError(t, err)

	return kernelMap, [][]byte{blob, conversion}
}

func intersectsAny(region memutils.MemoryRegion, occupied []memutils.MemoryRegion) bool {
	for _, occ := range occupied {
		if region.Intersects(occ) {
			return true
		}
	}
	return false
}

func TestBuildMemoryManagerSingleDescriptor(t *testing.T) {
	m := newMachine(t, 8<<20)
	kernelMap, keepAlive := m.kernelMap(t)
	defer func() { _ = keepAlive }()

	mgr, err := boot.BuildMemoryManager(&kernelMap, nil, nil)
	require.NoError(t, err)

	// The bootstrap carved one region per bookkeeping purpose.
	require.Len(t, mgr.OccupiedRegions(), 4)
	require.True(t, memmap.SortedRegions(mgr.OccupiedRegions()))

	general := mgr.GeneralResource()

	p, err := general.Allocate(16, 16)
	require.NoError(t, err)
	require.True(t, m.contains(p))
	require.False(t, intersectsAny(memutils.NewMemoryRegion(p, 16), mgr.OccupiedRegions()))

	// A freed block is handed right back.
	general.Deallocate(p, 16, 16)
	again, err := general.Allocate(16, 16)
	require.NoError(t, err)
	require.Equal(t, p, again)

	general.Deallocate(again, 16, 16)
	require.NoError(t, mgr.Teardown())
}

func TestBuildMemoryManagerRespectsOccupiedRegions(t *testing.T) {
	m := newMachine(t, 16<<20)
	kernelMap, keepAlive := m.kernelMap(t)
	defer func() { _ = keepAlive }()

	image := m.region(0, 1<<20)
	stack := m.region(8<<20, 1<<20)
	occupied := []memutils.MemoryRegion{image, stack}

	mgr, err := boot.BuildMemoryManager(&kernelMap, occupied, nil)
	require.NoError(t, err)
	require.Len(t, mgr.OccupiedRegions(), 6)

	general := mgr.GeneralResource()

	p, err := general.Allocate(1024, 16)
	require.NoError(t, err)
	require.True(t, m.contains(p))

	allocated := memutils.NewMemoryRegion(p, 1024)
	require.False(t, allocated.Intersects(image))
	require.False(t, allocated.Intersects(stack))
	require.False(t, intersectsAny(allocated, mgr.OccupiedRegions()))

	// The payload is real, writable memory.
	payload := unsafe.Slice((*byte)(unsafe.Pointer(p)), 1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.Equal(t, byte(255), payload[255])
}

func TestBuildMemoryManagerRejectsUnsortedOccupied(t *testing.T) {
	m := newMachine(t, 8<<20)
	kernelMap, keepAlive := m.kernelMap(t)
	defer func() { _ = keepAlive }()

	occupied := []memutils.MemoryRegion{
		m.region(1<<20, 4096),
		m.region(0, 4096),
	}

	_, err := boot.BuildMemoryManager(&kernelMap, occupied, nil)
	require.ErrorIs(t, err, resource.ErrInvalidArgument)
}

func TestBuildMemoryManagerRejectsOccupiedOutsideMap(t *testing.T) {
	m := newMachine(t, 8<<20)
	kernelMap, keepAlive := m.kernelMap(t)
	defer func() { _ = keepAlive }()

	occupied := []memutils.MemoryRegion{
		memutils.NewMemoryRegion(m.base+m.size+kconfig.PageSize, 4096),
	}

	_, err := boot.BuildMemoryManager(&kernelMap, occupied, nil)
	require.ErrorIs(t, err, resource.ErrInvalidArgument)
}

func TestBuildMemoryManagerFailsWithoutUsableMemory(t *testing.T) {
	m := newMachine(t, 64 * kconfig.PageSize)
	kernelMap, keepAlive := m.kernelMap(t)
	defer func() { _ = keepAlive }()

	// Everything is occupied; no carve can succeed.
	occupied := []memutils.MemoryRegion{m.region(0, m.size)}

	_, err := boot.BuildMemoryManager(&kernelMap, occupied, nil)
	require.ErrorIs(t, err, memmap.ErrCannotMeetRequest)
}

func TestMemoryManagerPointersRouteThroughFragments(t *testing.T) {
	m := newMachine(t, 8<<20)
	kernelMap, keepAlive := m.kernelMap(t)
	defer func() { _ = keepAlive }()

	mgr, err := boot.BuildMemoryManager(&kernelMap, nil, nil)
	require.NoError(t, err)

	general := mgr.GeneralResource()

	// Many allocations across sizes must stay disjoint and inside the
	// machine.
	type span struct{ base, size uintptr }
	var spans []span
	for _, size := range []uintptr{16, 300, 2000, 64, 1000, 16, 500} {
		p, err := general.Allocate(size, 16)
		require.NoError(t, err)
		require.True(t, m.contains(p))
		spans = append(spans, span{base: p, size: size})
	}

	for i := range spans {
		for j := i + 1; j < len(spans); j++ {
			a, b := spans[i], spans[j]
			require.False(t, a.base < b.base+b.size && b.base < a.base+a.size,
				"allocations %d and %d overlap", i, j)
		}
	}

	for _, s := range spans {
		general.Deallocate(s.base, s.size, 16)
	}
	require.NoError(t, mgr.Teardown())
}

func TestMemoryManagerBuildStatsString(t *testing.T) {
	m := newMachine(t, 8<<20)
	kernelMap, keepAlive := m.kernelMap(t)
	defer func() { _ = keepAlive }()

	mgr, err := boot.BuildMemoryManager(&kernelMap, nil, nil)
	require.NoError(t, err)

	_, err = mgr.GeneralResource().Allocate(128, 16)
	require.NoError(t, err)

	stats := mgr.BuildStatsString(false)
	require.True(t, json.Valid([]byte(stats)), "stats dump must be valid JSON: %s", stats)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(stats), &decoded))
	require.Contains(t, decoded, "MemoryMap")
	require.Contains(t, decoded, "OccupiedRegions")
	require.Contains(t, decoded, "AvailableFragments")
	require.Contains(t, decoded, "GeneralResource")

	pretty := mgr.BuildStatsString(true)
	require.True(t, json.Valid([]byte(pretty)))
	require.Contains(t, pretty, "\n")
}
