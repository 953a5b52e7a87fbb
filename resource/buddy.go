package resource

import (
	"context"
	"math/bits"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"

	"github.com/iolojz/UtopiaOS/memutils"
)

// maxAlign is the strictest alignment any payload may require on supported
// targets. Buddy payloads are always aligned to it.
const maxAlign uintptr = 16

// blockHeader is the per-block bookkeeping record living at the start of
// every buddy block. The flags word carries the free/occupied state in its
// highest bit and, in bit L for every level L up the chain, whether the
// block is the first (lower) half of its level-L+1 parent.
type blockHeader struct {
	flags uintptr
	prev  *blockHeader
	next  *blockHeader
}

const (
	headerSize    = unsafe.Sizeof(blockHeader{})
	headerPadding = (maxAlign - headerSize%maxAlign) % maxAlign
	// headerFootprint is what a block loses to bookkeeping before the
	// payload starts.
	headerFootprint = headerSize + headerPadding

	freeFlag = uintptr(1) << (bits.UintSize - 1)
)

// MinAllowedBlockSize is the smallest minimum block size a BuddyResource
// accepts: a block must fit its own bookkeeping twice over so splitting
// stays meaningful.
const MinAllowedBlockSize uintptr = 2 * headerFootprint

// MaxAllowedBlockLevels bounds the number of buddy levels. The flags word
// spends one bit per level plus the free bit.
const MaxAllowedBlockLevels uint = bits.UintSize - 1

func (h *blockHeader) setFree()     { h.flags |= freeFlag }
func (h *blockHeader) setOccupied() { h.flags &^= freeFlag }

func (h *blockHeader) isFree() bool     { return h.flags&freeFlag != 0 }
func (h *blockHeader) isOccupied() bool { return !h.isFree() }

func (h *blockHeader) setFirst(level uint)  { h.flags |= uintptr(1) << level }
func (h *blockHeader) setSecond(level uint) { h.flags &^= uintptr(1) << level }

func (h *blockHeader) isFirst(level uint) bool  { return h.flags&(uintptr(1)<<level) != 0 }
func (h *blockHeader) isSecond(level uint) bool { return !h.isFirst(level) }

// blockSizeAtLevel is the full size in bytes of a level-`level` block for a
// buddy whose minimum block size has its most significant bit at minMsb.
func blockSizeAtLevel(level, minMsb uint) uintptr {
	return uintptr(1) << (level + minMsb - 1)
}

// buddy returns the other half of this block's level+1 parent. The distance
// between level-L buddies is exactly one level-L block size.
func (h *blockHeader) buddy(level, minMsb uint) *blockHeader {
	halfSize := blockSizeAtLevel(level, minMsb)
	headerAddress := uintptr(unsafe.Pointer(h))

	if h.isFirst(level) {
		return (*blockHeader)(unsafe.Pointer(headerAddress + halfSize))
	}
	return (*blockHeader)(unsafe.Pointer(headerAddress - halfSize))
}

// data returns the payload address of the block: past the header, aligned to
// maxAlign.
func (h *blockHeader) data() uintptr {
	return memutils.AlignUp(uintptr(unsafe.Pointer(h))+headerSize, maxAlign)
}

// BuddyResource is a power-of-two block allocator. It acquires maximum-size
// blocks from an upstream resource and recursively halves them to serve
// requests, re-combining freed buddies on the way back up. Memory acquired
// from the upstream is only returned at destruction; while alive the
// resource never gives sub-top-level memory back. Payloads are always
// aligned to maxAlign (16 bytes); the alignment argument of Allocate is not
// consulted, so a larger requested alignment is not honoured.
type BuddyResource struct {
	minBlockSize uintptr
	maxBlockSize uintptr

	minMsb        uint
	maxMsb        uint
	maxBlockLevel uint

	topLevelAlignment uintptr

	upstream Resource
	logger   *slog.Logger

	freeLists []*blockHeader

	// outstanding maps payload addresses of live allocations to their block
	// level. It backs double-free detection, statistics, and the
	// unreleased-memory report at destruction.
	outstanding    *swiss.Map[uintptr, uint]
	topLevelBlocks int
}

var _ Resource = &BuddyResource{}
var _ memutils.Validatable = &BuddyResource{}

// NewBuddyResource constructs a buddy allocator handing out blocks between
// minBlockSize and maxBlockSize (both powers of two) and requesting
// top-level blocks from upstream at tlpAlignment. A nil logger falls back to
// slog.Default().
func NewBuddyResource(
	minBlockSize, maxBlockSize, tlpAlignment uintptr,
	upstream Resource,
	logger *slog.Logger,
) (*BuddyResource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if minBlockSize > maxBlockSize {
		return nil, cerrors.Wrapf(ErrInvalidArgument,
			"minimum block size %d exceeds maximum block size %d", minBlockSize, maxBlockSize)
	}
	if err := memutils.CheckPow2(uint(minBlockSize), "minimum block size"); err != nil {
		return nil, cerrors.WithSecondaryError(ErrInvalidArgument, err)
	}
	if err := memutils.CheckPow2(uint(maxBlockSize), "maximum block size"); err != nil {
		return nil, cerrors.WithSecondaryError(ErrInvalidArgument, err)
	}
	if minBlockSize <= headerFootprint {
		return nil, cerrors.Wrapf(ErrInvalidArgument,
			"minimum block size %d does not exceed the per-block bookkeeping of %d bytes",
			minBlockSize, headerFootprint)
	}

	minMsb := memutils.Msb(minBlockSize)
	maxMsb := memutils.Msb(maxBlockSize)
	maxBlockLevel := maxMsb - minMsb
	if maxBlockLevel+1 > MaxAllowedBlockLevels {
		return nil, cerrors.Wrapf(ErrInvalidArgument, "%d block levels exceed the supported %d",
			maxBlockLevel+1, MaxAllowedBlockLevels)
	}

	if tlpAlignment < maxAlign {
		tlpAlignment = maxAlign
	}

	return &BuddyResource{
		minBlockSize:      minBlockSize,
		maxBlockSize:      maxBlockSize,
		minMsb:            minMsb,
		maxMsb:            maxMsb,
		maxBlockLevel:     maxBlockLevel,
		topLevelAlignment: tlpAlignment,
		upstream:          upstream,
		logger:            logger,
		freeLists:         make([]*blockHeader, maxBlockLevel+1),
		outstanding:       swiss.NewMap[uintptr, uint](64),
	}, nil
}

// MinBlockSize returns the smallest block size the resource hands out.
func (r *BuddyResource) MinBlockSize() uintptr { return r.minBlockSize }

// MaxBlockSize returns the size of the top-level blocks requested upstream.
func (r *BuddyResource) MaxBlockSize() uintptr { return r.maxBlockSize }

// TopLevelBlockCount returns how many top-level blocks the resource
// currently holds from its upstream.
func (r *BuddyResource) TopLevelBlockCount() int { return r.topLevelBlocks }

// AllocationCount returns the number of live allocations.
func (r *BuddyResource) AllocationCount() int { return r.outstanding.Count() }

// FreeBlockCounts returns, per level, how many blocks sit in the free lists.
func (r *BuddyResource) FreeBlockCounts() []int {
	counts := make([]int, len(r.freeLists))
	for level, head := range r.freeLists {
		for block := head; block != nil; block = block.next {
			counts[level]++
		}
	}
	return counts
}

// levelFor returns the block level that satisfies a request, or ok=false if
// the request exceeds the maximum block size.
func (r *BuddyResource) levelFor(bytes, alignment uintptr) (uint, bool) {
	requiredSize := bytes + headerPadding + headerSize
	level := int(memutils.Msb(requiredSize)) - int(r.minMsb)
	if requiredSize&(requiredSize-1) != 0 {
		level++
	}
	if level < 0 {
		level = 0
	}
	if uint(level) > r.maxBlockLevel {
		return 0, false
	}
	return uint(level), true
}

func (r *BuddyResource) Allocate(bytes, alignment uintptr) (uintptr, error) {
	if bytes == 0 {
		return 0, nil
	}

	level, ok := r.levelFor(bytes, alignment)
	if !ok {
		return 0, cerrors.Wrapf(ErrBadAlloc,
			"request of %d bytes exceeds the maximum block size %d", bytes, r.maxBlockSize)
	}

	block, err := r.allocateBlock(level)
	if err != nil {
		return 0, err
	}

	payload := block.data()
	r.outstanding.Put(payload, level)
	return payload, nil
}

// allocateBlock returns an occupied block of the requested level, splitting
// a higher-level block or pulling a fresh top-level block from the upstream
// as needed.
func (r *BuddyResource) allocateBlock(level uint) (*blockHeader, error) {
	memutils.DebugAssert(level <= r.maxBlockLevel, "block level is larger than the maximum block level")

	if current := r.freeLists[level]; current != nil {
		r.freeLists[level] = current.next
		if current.next != nil {
			current.next.prev = nil
		}

		current.setOccupied()
		return current, nil
	}

	if level != r.maxBlockLevel {
		parent, err := r.allocateBlock(level + 1)
		if err != nil {
			return nil, err
		}

		first, second := r.splitBlock(parent, level+1)
		first.prev, first.next = nil, nil
		r.freeLists[level] = first
		first.setFree()

		return second, nil
	}

	memory, err := r.upstream.Allocate(r.maxBlockSize, r.topLevelAlignment)
	if err != nil {
		return nil, err
	}

	if memory%r.topLevelAlignment != 0 {
		r.upstream.Deallocate(memory, r.maxBlockSize, r.topLevelAlignment)
		return nil, cerrors.Wrapf(ErrBadAlloc,
			"upstream returned a top-level block at %#x, not aligned to %d", memory, r.topLevelAlignment)
	}

	block := (*blockHeader)(unsafe.Pointer(memory))
	block.flags = 0
	block.prev, block.next = nil, nil
	block.setOccupied()
	r.topLevelBlocks++

	return block, nil
}

// splitBlock halves an occupied block of the given level into two occupied
// buddies one level down. The second half inherits the first's ancestry
// bits before the new level bit is written.
func (r *BuddyResource) splitBlock(block *blockHeader, level uint) (first, second *blockHeader) {
	memutils.DebugAssert(level != 0, "cannot split a level-0 block")
	memutils.DebugAssert(level <= r.maxBlockLevel, "block level is larger than the maximum block level")

	blockSize := blockSizeAtLevel(level, r.minMsb)
	headerAddress := uintptr(unsafe.Pointer(block))

	first = block
	second = (*blockHeader)(unsafe.Pointer(headerAddress + (blockSize >> 1)))

	*second = *first
	first.setFirst(level - 1)
	second.setSecond(level - 1)

	return first, second
}

func (r *BuddyResource) Deallocate(p, bytes, alignment uintptr) {
	if bytes == 0 || p == 0 {
		return
	}

	level, ok := r.levelFor(bytes, alignment)
	if !ok {
		panic("buddy resource: deallocation request exceeds the maximum block size")
	}

	recordedLevel, live := r.outstanding.Get(p)
	if !live {
		panic("buddy resource: deallocating a block that is not outstanding")
	}
	memutils.DebugAssert(recordedLevel == level, "deallocation size does not match the allocation")
	r.outstanding.Delete(p)

	header := (*blockHeader)(unsafe.Pointer(p - (headerPadding + headerSize)))
	r.deallocateBlock(header, level)
}

// deallocateBlock frees a block, combining it with its buddy as long as the
// buddy is free and a higher level exists.
func (r *BuddyResource) deallocateBlock(block *blockHeader, level uint) {
	memutils.DebugAssert(level <= r.maxBlockLevel, "block level is larger than the maximum block level")

	for {
		buddy := block.buddy(level, r.minMsb)

		if level == r.maxBlockLevel || !r.isFreeBlockAtLevel(buddy, level) {
			block.next = r.freeLists[level]
			block.prev = nil
			r.freeLists[level] = block

			if block.next != nil {
				block.next.prev = block
			}

			block.setFree()
			return
		}

		if buddy.prev == nil {
			r.freeLists[level] = buddy.next
			if buddy.next != nil {
				buddy.next.prev = nil
			}
		} else {
			buddy.prev.next = buddy.next
			if buddy.next != nil {
				buddy.next.prev = buddy.prev
			}
		}

		buddy.setOccupied()
		block = combineBuddies(block, buddy, level)
		level++
	}
}

// isFreeBlockAtLevel reports whether block is a whole free block of the
// given level. A set free bit alone does not prove that: the address may
// currently hold the header of a smaller free sub-block. Only membership in
// the level's free list does.
func (r *BuddyResource) isFreeBlockAtLevel(block *blockHeader, level uint) bool {
	if block.isOccupied() {
		return false
	}
	for current := r.freeLists[level]; current != nil; current = current.next {
		if current == block {
			return true
		}
	}
	return false
}

// combineBuddies returns whichever of the two buddies is the first half of
// their common parent; that header becomes the parent's header.
func combineBuddies(block, buddy *blockHeader, level uint) *blockHeader {
	if block.isSecond(level) {
		return buddy
	}
	return block
}

func (r *BuddyResource) IsEqual(other Resource) bool {
	otherBuddy, ok := other.(*BuddyResource)
	return ok && otherBuddy == r
}

// Destroy drains the free lists and returns all top-level blocks to the
// upstream resource. It fails, without releasing anything, if allocations
// are still outstanding; those are logged the same way unreleased device
// memory would be.
func (r *BuddyResource) Destroy() error {
	if r.outstanding.Count() > 0 {
		r.outstanding.Iter(func(payload uintptr, level uint) bool {
			r.logger.LogAttrs(context.Background(), slog.LevelError,
				"[UNRELEASED MEMORY] unfreed allocation",
				slog.Uint64("address", uint64(payload)),
				slog.Int("level", int(level)),
			)
			return false
		})
		return errors.New("some allocations were not freed before the destruction of this buddy resource")
	}

	// With nothing outstanding every buddy pair is free, so popping blocks
	// level by level merges everything back into top-level blocks.
	for level := uint(0); level != r.maxBlockLevel; level++ {
		for r.freeLists[level] != nil {
			block := r.freeLists[level]
			r.freeLists[level] = block.next
			if block.next != nil {
				block.next.prev = nil
			}
			block.setOccupied()

			r.deallocateBlock(block, level)
		}
	}

	for current := r.freeLists[r.maxBlockLevel]; current != nil; {
		next := current.next
		r.upstream.Deallocate(uintptr(unsafe.Pointer(current)), r.maxBlockSize, r.topLevelAlignment)
		current = next
	}
	r.freeLists[r.maxBlockLevel] = nil
	r.topLevelBlocks = 0

	return nil
}

// Validate performs internal consistency checks on the free lists.
func (r *BuddyResource) Validate() error {
	for level, head := range r.freeLists {
		if head != nil && head.prev != nil {
			return errors.Errorf("head of level-%d free list has a previous block", level)
		}

		for block := head; block != nil; block = block.next {
			if !block.isFree() {
				return errors.Errorf("block at %#x is in the level-%d free list but is not free",
					uintptr(unsafe.Pointer(block)), level)
			}
			if block.next != nil && block.next.prev != block {
				return errors.Errorf(
					"block at %#x lists the block at %#x as its next block, but the reverse reference is broken",
					uintptr(unsafe.Pointer(block)), uintptr(unsafe.Pointer(block.next)))
			}
		}
	}

	return nil
}

// AddDetailedStatistics sums this resource's state into stats. Allocation
// sizes are reported at block granularity: what a request actually reserves
// rather than what was asked for.
func (r *BuddyResource) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount += r.topLevelBlocks
	stats.BlockBytes += uintptr(r.topLevelBlocks) * r.maxBlockSize

	r.outstanding.Iter(func(payload uintptr, level uint) bool {
		stats.AddAllocation(blockSizeAtLevel(level, r.minMsb) - headerFootprint)
		return false
	})

	for level, head := range r.freeLists {
		for block := head; block != nil; block = block.next {
			stats.AddUnusedRange(blockSizeAtLevel(uint(level), r.minMsb) - headerFootprint)
		}
	}
}

// FreeListsJson populates a json object with the free-list occupancy and
// upstream traffic of the resource.
func (r *BuddyResource) FreeListsJson(json jwriter.ObjectState) {
	json.Name("MinBlockSize").Int(int(r.minBlockSize))
	json.Name("MaxBlockSize").Int(int(r.maxBlockSize))
	json.Name("TopLevelBlocks").Int(r.topLevelBlocks)
	json.Name("OutstandingAllocations").Int(r.outstanding.Count())

	levels := json.Name("Levels").Array()
	for level, freeBlocks := range r.FreeBlockCounts() {
		levelObject := levels.Object()
		levelObject.Name("Level").Int(level)
		levelObject.Name("BlockSize").Int(int(blockSizeAtLevel(uint(level), r.minMsb)))
		levelObject.Name("FreeBlocks").Int(freeBlocks)
		levelObject.End()
	}
	levels.End()
}
