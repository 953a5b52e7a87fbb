package resource_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/iolojz/UtopiaOS/memutils"
	"github.com/iolojz/UtopiaOS/resource"
)

// hostSpan carves an aligned region out of freshly allocated host memory.
// The backing slice is returned so callers keep it alive.
func hostSpan(t *testing.T, size, align uintptr) (memutils.MemoryRegion, []byte) {
	t.Helper()

	storage := make([]byte, size+align)
	base := uintptr(unsafe.Pointer(&storage[0]))
	aligned := (base + align - 1) &^ (align - 1)

	return memutils.NewMemoryRegion(aligned, size), storage
}

func TestMonotonicBufferBumpsForward(t *testing.T) {
	span, storage := hostSpan(t, 256, 64)
	defer func() { _ = storage }()

	buffer := resource.NewMonotonicBuffer(span)

	first, err := buffer.Allocate(64, 8)
	require.NoError(t, err)
	require.Equal(t, span.Base(), first)

	second, err := buffer.Allocate(64, 8)
	require.NoError(t, err)
	require.Equal(t, span.Base()+64, second)

	require.Equal(t, span.Size-128, buffer.Remaining())
}

func TestMonotonicBufferRespectsAlignment(t *testing.T) {
	span, storage := hostSpan(t, 512, 64)
	defer func() { _ = storage }()

	buffer := resource.NewMonotonicBuffer(span)

	_, err := buffer.Allocate(1, 1)
	require.NoError(t, err)

	p, err := buffer.Allocate(16, 64)
	require.NoError(t, err)
	require.Zero(t, p%64)
}

func TestMonotonicBufferExhaustion(t *testing.T) {
	span, storage := hostSpan(t, 128, 64)
	defer func() { _ = storage }()

	buffer := resource.NewMonotonicBuffer(span)

	_, err := buffer.Allocate(128, 8)
	require.NoError(t, err)

	_, err = buffer.Allocate(1, 1)
	require.ErrorIs(t, err, resource.ErrBadAlloc)
}

func TestMonotonicBufferDeallocateIsNoop(t *testing.T) {
	span, storage := hostSpan(t, 128, 64)
	defer func() { _ = storage }()

	buffer := resource.NewMonotonicBuffer(span)

	p, err := buffer.Allocate(64, 8)
	require.NoError(t, err)

	buffer.Deallocate(p, 64, 8)
	require.Equal(t, span.Size-64, buffer.Remaining())
}

func TestMonotonicBufferIsEqualIsIdentity(t *testing.T) {
	span, storage := hostSpan(t, 128, 64)
	defer func() { _ = storage }()

	a := resource.NewMonotonicBuffer(span)
	b := resource.NewMonotonicBuffer(span)

	require.True(t, a.IsEqual(&a))
	require.False(t, a.IsEqual(&b))
}

func TestPlaceMonotonicBuffers(t *testing.T) {
	placement, placementStorage := hostSpan(t, 3*unsafe.Sizeof(resource.MonotonicBuffer{}), 64)
	defer func() { _ = placementStorage }()

	span, spanStorage := hostSpan(t, 3*128, 64)
	defer func() { _ = spanStorage }()

	buffers := resource.PlaceMonotonicBuffers(placement.Base(), 3)
	require.Len(t, buffers, 3)

	for i := range buffers {
		sub := memutils.NewMemoryRegion(span.Base()+uintptr(i)*128, 128)
		buffers[i] = resource.NewMonotonicBuffer(sub)
	}

	// The placed buffers live exactly in the placement region and work like
	// ordinary ones.
	require.Equal(t, placement.Base(), uintptr(unsafe.Pointer(&buffers[0])))

	p, err := buffers[1].Allocate(32, 8)
	require.NoError(t, err)
	require.Equal(t, span.Base()+128, p)
}
