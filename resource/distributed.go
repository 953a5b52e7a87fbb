package resource

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"

	"github.com/iolojz/UtopiaOS/memutils"
)

const indexWordSize = unsafe.Sizeof(uintptr(0))
const indexWordAlign = unsafe.Alignof(uintptr(0))

// DistributedResource fans allocation requests out across several upstream
// resources and routes every deallocation back to the upstream that produced
// the block. Each block carries a trailing word holding the upstream index,
// placed right after the payload (padded so the word is naturally aligned).
type DistributedResource struct {
	upstreams []Resource
}

// NewDistributedResource captures the given upstream list. The list must not
// grow, shrink or be reordered afterwards: allocated blocks reference
// upstreams by position. Callers that hand out pointers into a relocatable
// array must construct the DistributedResource only after the array has
// reached its final placement.
func NewDistributedResource(upstreams []Resource) (*DistributedResource, error) {
	if len(upstreams) == 0 {
		return nil, cerrors.Wrap(ErrInvalidArgument, "distributed resource needs at least one upstream")
	}
	return &DistributedResource{upstreams: upstreams}, nil
}

// requiredPadding returns the padding between the payload and the trailing
// index word. ok is false if bytes+padding+index word overflows.
func (d *DistributedResource) requiredPadding(bytes uintptr) (padding uintptr, ok bool) {
	padded, ok := memutils.AlignUpChecked(bytes, indexWordAlign)
	if !ok || padded+indexWordSize < padded {
		return 0, false
	}
	return padded - bytes, true
}

func (d *DistributedResource) Allocate(bytes, alignment uintptr) (uintptr, error) {
	padding, ok := d.requiredPadding(bytes)
	if !ok {
		return 0, cerrors.Wrapf(ErrBadAlloc, "request of %d bytes leaves no room for routing data", bytes)
	}
	actualSize := bytes + padding + indexWordSize

	for index, upstream := range d.upstreams {
		p, err := upstream.Allocate(actualSize, alignment)
		if err != nil {
			continue
		}
		*(*uintptr)(unsafe.Pointer(p + bytes + padding)) = uintptr(index)
		return p, nil
	}

	return 0, cerrors.Wrapf(ErrBadAlloc, "all %d upstreams exhausted", len(d.upstreams))
}

func (d *DistributedResource) Deallocate(p, bytes, alignment uintptr) {
	padding, ok := d.requiredPadding(bytes)
	memutils.DebugAssert(ok, "deallocation request could not have been allocated here")
	if !ok {
		return
	}

	index := *(*uintptr)(unsafe.Pointer(p + bytes + padding))
	if index >= uintptr(len(d.upstreams)) {
		panic("distributed resource: corrupt upstream index behind deallocated block")
	}
	d.upstreams[index].Deallocate(p, bytes, alignment)
}

func (d *DistributedResource) IsEqual(other Resource) bool {
	otherDistributed, ok := other.(*DistributedResource)
	return ok && otherDistributed == d
}

// UpstreamCount returns how many upstreams the resource distributes over.
func (d *DistributedResource) UpstreamCount() int {
	return len(d.upstreams)
}
