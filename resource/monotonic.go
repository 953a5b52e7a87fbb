package resource

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"

	"github.com/iolojz/UtopiaOS/memutils"
)

// MonotonicBuffer is a bump allocator over a fixed span of memory. It never
// releases individual allocations; everything comes back when the span
// itself is reclaimed. Deliberately pointer-free so instances can be
// placement-constructed into raw carved memory (see PlaceMonotonicBuffers).
type MonotonicBuffer struct {
	base   uintptr
	end    uintptr
	cursor uintptr
}

// NewMonotonicBuffer returns a bump allocator over span. The span's memory
// must be writable and unused.
func NewMonotonicBuffer(span memutils.MemoryRegion) MonotonicBuffer {
	return MonotonicBuffer{base: span.Base(), end: span.Top(), cursor: span.Base()}
}

func (m *MonotonicBuffer) Allocate(bytes, alignment uintptr) (uintptr, error) {
	memutils.DebugCheckPow2(uint(alignment), "alignment")

	aligned, ok := memutils.AlignUpChecked(m.cursor, alignment)
	if !ok || aligned+bytes < aligned || aligned+bytes > m.end {
		return 0, cerrors.Wrapf(ErrBadAlloc,
			"monotonic buffer has %d bytes left, requested %d aligned to %d",
			m.end-m.cursor, bytes, alignment)
	}

	m.cursor = aligned + bytes
	return aligned, nil
}

// Deallocate is a no-op.
func (m *MonotonicBuffer) Deallocate(p, bytes, alignment uintptr) {}

func (m *MonotonicBuffer) IsEqual(other Resource) bool {
	otherBuffer, ok := other.(*MonotonicBuffer)
	return ok && otherBuffer == m
}

// Span returns the full span the buffer was constructed over.
func (m *MonotonicBuffer) Span() memutils.MemoryRegion {
	return memutils.MemoryRegion{Start: m.base, Size: m.end - m.base}
}

// Remaining returns how many bytes are left before the cursor hits the end
// of the span, ignoring alignment losses of future requests.
func (m *MonotonicBuffer) Remaining() uintptr {
	return m.end - m.cursor
}

func (m *MonotonicBuffer) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += m.end - m.base
	stats.AllocationBytes += m.cursor - m.base
}

// PlaceMonotonicBuffers constructs count zero-valued MonotonicBuffers in the
// raw memory at `at` and returns them as a slice backed by that memory. The
// caller guarantees the memory is writable, aligned for MonotonicBuffer and
// at least count*sizeof(MonotonicBuffer) bytes long, and assigns each
// element before use.
func PlaceMonotonicBuffers(at uintptr, count int) []MonotonicBuffer {
	memutils.DebugAssert(at%unsafe.Alignof(MonotonicBuffer{}) == 0,
		"placement address for monotonic buffers is misaligned")

	buffers := unsafe.Slice((*MonotonicBuffer)(unsafe.Pointer(at)), count)
	for i := range buffers {
		buffers[i] = MonotonicBuffer{}
	}
	return buffers
}
