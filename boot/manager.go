// Package boot performs the kernel's memory bootstrap: out of nothing but a
// raw firmware memory map, a list of already-occupied regions and a scratch
// buffer on the boot stack, it assembles a self-describing memory manager
// whose bookkeeping lives in memory the manager itself describes.
package boot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"

	"github.com/iolojz/UtopiaOS/kconfig"
	"github.com/iolojz/UtopiaOS/memmap"
	"github.com/iolojz/UtopiaOS/memutils"
	"github.com/iolojz/UtopiaOS/resource"
)

// bootstrapCarves is how many regions the bootstrap reserves for its own
// bookkeeping: the memory map copy, the occupied list, the internal resource
// objects, and the available-fragment array.
const bootstrapCarves = 4

// MemoryManager owns the kernel's sanitised memory map, every region known
// to be occupied (including the ones reserved for the manager's own
// bookkeeping), and the allocator stack built over the remaining memory.
// It is single-threaded and must not be copied; treat the pointer returned
// by BuildMemoryManager as the manager's identity.
type MemoryManager struct {
	memmapResource *resource.MonotonicBuffer
	omdResource    *resource.MonotonicBuffer
	avmResource    *resource.MonotonicBuffer

	memmap    memmap.Map
	occupied  []memutils.MemoryRegion
	fragments []resource.MonotonicBuffer

	distributed *resource.DistributedResource
	general     *resource.BuddyResource
}

// GeneralResource returns the general-purpose allocator over all memory the
// manager does not consider occupied.
func (m *MemoryManager) GeneralResource() resource.Resource {
	return m.general
}

// Memmap returns the manager's sanitised memory map.
func (m *MemoryManager) Memmap() *memmap.Map {
	return &m.memmap
}

// OccupiedRegions returns the final occupied list, sorted ascending. Callers
// must not modify it.
func (m *MemoryManager) OccupiedRegions() []memutils.MemoryRegion {
	return m.occupied
}

// Teardown destroys the general-purpose allocator. It fails if allocations
// are still outstanding.
func (m *MemoryManager) Teardown() error {
	return m.general.Destroy()
}

// BuildMemoryManager constructs the full manager from a kernel memory map
// and a sorted list of occupied regions.
//
// Bookkeeping memory is found with the placement engine, one carve per
// purpose, each carve seeing all earlier ones as occupied. The final
// collections are then rebuilt inside the carved regions, each from its own
// monotonic buffer, and the allocator stack is composed over the remaining
// fragments of general-purpose memory.
func BuildMemoryManager(oldMap *memmap.Map, occupied []memutils.MemoryRegion, logger *slog.Logger) (*MemoryManager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if !memmap.SortedRegions(occupied) {
		return nil, cerrors.Wrap(resource.ErrInvalidArgument, "occupied list is not sorted")
	}
	for _, region := range occupied {
		if !containedInMap(oldMap, region) {
			return nil, cerrors.Wrapf(resource.ErrInvalidArgument,
				"occupied region %#x..%#x is not contained in the memory map",
				region.Base(), region.Top())
		}
	}

	// The staging list gets exactly one insertion per carve; sizing the
	// capacity up front keeps the backing array stable throughout.
	stage := make([]memutils.MemoryRegion, len(occupied), len(occupied)+bootstrapCarves)
	copy(stage, occupied)

	memmapRegion, err := placeCarve(oldMap, &stage, oldMap.CopyRequest(), "memory map", logger)
	if err != nil {
		return nil, err
	}

	// Three carves are still to come after this one, each adding one entry
	// to the occupied list.
	omdRequest := memutils.MemoryRequest{
		Size:      uintptr(3+len(stage)) * unsafe.Sizeof(memutils.MemoryRegion{}),
		Alignment: unsafe.Alignof(memutils.MemoryRegion{}),
	}
	omdRegion, err := placeCarve(oldMap, &stage, omdRequest, "occupied list", logger)
	if err != nil {
		return nil, err
	}

	resourcesRequest := memutils.MemoryRequest{
		Size:      3 * unsafe.Sizeof(resource.MonotonicBuffer{}),
		Alignment: unsafe.Alignof(resource.MonotonicBuffer{}),
	}
	resourcesRegion, err := placeCarve(oldMap, &stage, resourcesRequest, "internal resources", logger)
	if err != nil {
		return nil, err
	}

	// Carving the fragment array itself can split one fragment into two.
	maxFragments := 1 + memmap.CountAvailableFragments(oldMap, stage)
	avmRequest := memutils.MemoryRequest{
		Size:      uintptr(maxFragments) * unsafe.Sizeof(resource.MonotonicBuffer{}),
		Alignment: unsafe.Alignof(resource.MonotonicBuffer{}),
	}
	avmRegion, err := placeCarve(oldMap, &stage, avmRequest, "available memory", logger)
	if err != nil {
		return nil, err
	}

	// All the memory the bootstrap needs is reserved now. Construct the
	// per-collection monotonic buffers inside the internal-resources carve.
	buffers := resource.PlaceMonotonicBuffers(resourcesRegion.Base(), 3)
	buffers[0] = resource.NewMonotonicBuffer(memmapRegion)
	buffers[1] = resource.NewMonotonicBuffer(omdRegion)
	buffers[2] = resource.NewMonotonicBuffer(avmRegion)

	mgr := &MemoryManager{
		memmapResource: &buffers[0],
		omdResource:    &buffers[1],
		avmResource:    &buffers[2],
	}

	mgr.memmap, err = oldMap.CopyInto(mgr.memmapResource)
	if err != nil {
		return nil, err
	}

	occupiedStorage, err := mgr.omdResource.Allocate(
		uintptr(len(stage))*unsafe.Sizeof(memutils.MemoryRegion{}),
		unsafe.Alignof(memutils.MemoryRegion{}))
	if err != nil {
		return nil, err
	}
	mgr.occupied = unsafe.Slice((*memutils.MemoryRegion)(unsafe.Pointer(occupiedStorage)), len(stage))
	copy(mgr.occupied, stage)

	fragmentCount := memmap.CountAvailableFragments(&mgr.memmap, mgr.occupied)
	memutils.DebugAssert(fragmentCount <= maxFragments, "available-fragment estimate was too small")

	fragmentStorage, err := mgr.avmResource.Allocate(
		uintptr(fragmentCount)*unsafe.Sizeof(resource.MonotonicBuffer{}),
		unsafe.Alignof(resource.MonotonicBuffer{}))
	if err != nil {
		return nil, err
	}
	mgr.fragments = resource.PlaceMonotonicBuffers(fragmentStorage, fragmentCount)
	index := 0
	memmap.VisitAvailable(&mgr.memmap, mgr.occupied, func(region memutils.MemoryRegion) {
		mgr.fragments[index] = resource.NewMonotonicBuffer(region)
		index++
	})

	// The fragment array has reached its final placement; only now may the
	// distributed resource capture pointers into it.
	upstreams := make([]resource.Resource, len(mgr.fragments))
	for i := range mgr.fragments {
		upstreams[i] = &mgr.fragments[i]
	}
	mgr.distributed, err = resource.NewDistributedResource(upstreams)
	if err != nil {
		return nil, err
	}

	mgr.general, err = resource.NewBuddyResource(
		smallestMemoryChunk, kconfig.PageSize, kconfig.PageSize, mgr.distributed, logger)
	if err != nil {
		return nil, err
	}

	logger.Debug("memory manager ready",
		slog.Int("descriptors", len(mgr.memmap.Descriptors())),
		slog.Int("occupiedRegions", len(mgr.occupied)),
		slog.Int("availableFragments", len(mgr.fragments)))

	return mgr, nil
}

func containedInMap(m *memmap.Map, region memutils.MemoryRegion) bool {
	descriptors := m.Descriptors()
	for i := range descriptors {
		if descriptors[i].ContainsRegion(region) {
			return true
		}
	}
	return false
}

// placeCarve reserves one bookkeeping region: it asks the placement engine
// for a free spot and inserts the result into the staging occupied list so
// later carves see it.
func placeCarve(
	m *memmap.Map,
	stage *[]memutils.MemoryRegion,
	request memutils.MemoryRequest,
	purpose string,
	logger *slog.Logger,
) (memutils.MemoryRegion, error) {
	region, err := memmap.MeetRequest(m, *stage, request)
	if err != nil {
		return memutils.MemoryRegion{}, cerrors.Wrapf(err, "placing bootstrap %s", purpose)
	}

	*stage = memmap.SortedInsert(*stage, region)
	logger.Debug("carved bootstrap region",
		slog.String("purpose", purpose),
		slog.Uint64("base", uint64(region.Base())),
		slog.Uint64("size", uint64(region.Size)))

	return region, nil
}

// BuildStatsString dumps the manager's state as JSON: the memory map, the
// occupied list, the available fragments and the general allocator's
// free-list occupancy.
func (m *MemoryManager) BuildStatsString(pretty bool) string {
	writer := jwriter.NewWriter()
	obj := writer.Object()

	memmapObject := obj.Name("MemoryMap").Object()
	m.memmap.JsonData(memmapObject)
	memmapObject.End()

	occupiedArray := obj.Name("OccupiedRegions").Array()
	for _, region := range m.occupied {
		regionObject := occupiedArray.Object()
		regionObject.Name("Base").String(fmt.Sprintf("%#x", region.Base()))
		regionObject.Name("Size").Int(int(region.Size))
		regionObject.End()
	}
	occupiedArray.End()

	fragmentsArray := obj.Name("AvailableFragments").Array()
	for i := range m.fragments {
		span := m.fragments[i].Span()

		fragmentObject := fragmentsArray.Object()
		fragmentObject.Name("Base").String(fmt.Sprintf("%#x", span.Base()))
		fragmentObject.Name("Size").Int(int(span.Size))
		fragmentObject.Name("Remaining").Int(int(m.fragments[i].Remaining()))
		fragmentObject.End()
	}
	fragmentsArray.End()

	generalObject := obj.Name("GeneralResource").Object()
	m.general.FreeListsJson(generalObject)
	generalObject.End()

	obj.End()

	result := writer.Bytes()
	if pretty {
		var indented bytes.Buffer
		if err := json.Indent(&indented, result, "", "\t"); err == nil {
			return indented.String()
		}
	}
	return string(result)
}
