package boot

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"

	"github.com/iolojz/UtopiaOS/environment"
	"github.com/iolojz/UtopiaOS/kconfig"
	"github.com/iolojz/UtopiaOS/memmap"
	"github.com/iolojz/UtopiaOS/memutils"
	"github.com/iolojz/UtopiaOS/resource"
)

// ConversionScratchRequest returns the scratch-buffer requirement of
// SetupMemoryManager for the given environment: enough room for the initial
// firmware-map conversion plus worst-case alignment slack. The caller
// reserves this on its own stack; no allocator exists yet at that point.
func ConversionScratchRequest(v1 *environment.EnvironmentV1) memutils.MemoryRequest {
	request := memmap.MaximumConversionRequest(&v1.Memmap)
	request.Size += request.Alignment - 1
	return request
}

// SetupMemoryManager builds the kernel's memory manager from the bootloader
// handoff. scratch is borrowed for the lifetime of the call only: it backs
// the intermediate memory map, which is copied into carved memory before the
// manager is returned.
func SetupMemoryManager(env *environment.Environment, scratch []byte, logger *slog.Logger) (*MemoryManager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	v1, err := env.V1()
	if err != nil {
		return nil, cerrors.WithSecondaryError(resource.ErrInvalidArgument, err)
	}

	if v1.KernelStackRegion.Size < kconfig.MinKernelStackSize {
		return nil, cerrors.Wrapf(resource.ErrInvalidArgument,
			"kernel stack of %d bytes is smaller than the required %d",
			v1.KernelStackRegion.Size, kconfig.MinKernelStackSize)
	}

	if err := v1.Memmap.Validate(); err != nil {
		return nil, cerrors.WithSecondaryError(resource.ErrInvalidArgument, err)
	}

	// The very first allocation happens before any allocator exists: the
	// conversion of the firmware map is served from the caller's scratch
	// buffer through a monotonic resource.
	scratchSpan, err := spanOf(scratch, memmap.MaximumConversionRequest(&v1.Memmap))
	if err != nil {
		return nil, err
	}
	scratchResource := resource.NewMonotonicBuffer(scratchSpan)

	stage1Map, err := memmap.NewMap(&v1.Memmap, &scratchResource)
	if err != nil {
		return nil, err
	}

	logger.Debug("converted firmware memory map",
		slog.Int("firmwareDescriptors", v1.Memmap.Count()),
		slog.Int("kernelDescriptors", len(stage1Map.Descriptors())))

	occupiedArray := v1.OccupiedMemory()
	occupied := occupiedArray[:]
	slices.SortFunc(occupied, func(a, b memutils.MemoryRegion) bool {
		return a.Less(b)
	})

	return BuildMemoryManager(&stage1Map, occupied, logger)
}

// spanOf turns the caller's scratch buffer into a memory region that can
// serve the given request, accounting for the alignment of the buffer
// itself.
func spanOf(scratch []byte, request memutils.MemoryRequest) (memutils.MemoryRegion, error) {
	if len(scratch) == 0 {
		return memutils.MemoryRegion{}, cerrors.Wrap(resource.ErrBadAlloc, "no conversion scratch buffer provided")
	}

	base := uintptr(unsafe.Pointer(&scratch[0]))
	aligned := memutils.AlignUp(base, request.Alignment)
	end := base + uintptr(len(scratch))

	if aligned > end || end-aligned < request.Size {
		return memutils.MemoryRegion{}, cerrors.Wrapf(resource.ErrBadAlloc,
			"conversion scratch buffer too small: need %d bytes aligned to %d",
			request.Size, request.Alignment)
	}

	return memutils.NewMemoryRegion(aligned, end-aligned), nil
}
