// Package major provides the old-generation stand-ins the allocator falls back to: a
// block-structured bump heap for degraded and pinned small objects, and a page-granular
// large-object space.
//
// Neither ever frees. Reclaiming old-generation memory is the collector's business and out
// of scope here; both only hand out fresh, zeroed memory and publish the object header.
package major

import (
	"errors"
	"sync"

	"github.com/joshuapare/nurserykit/heap/memory"
	"github.com/joshuapare/nurserykit/heap/object"
	"github.com/joshuapare/nurserykit/internal/format"
)

// DefaultBlockSize is the granularity at which the heap commits space. Objects never span
// two blocks.
const DefaultBlockSize = 64 * 1024

// ErrNoSpace indicates the segment has no block left that fits the request.
var ErrNoSpace = errors.New("major: no space left in segment")

// Stats is a snapshot of heap accounting.
type Stats struct {
	Capacity      int
	Used          int // bytes committed to blocks
	DegradedBytes int
	PinnedBytes   int
	Objects       int
	Blocks        int
}

// Heap is a bump allocator over a segment, committing space one block at a time.
//
// Safe for concurrent use.
type Heap struct {
	mu        sync.Mutex
	space     *memory.Space
	seg       memory.Segment
	blockSize int

	// next is the bump pointer. Null until the first block is committed.
	next memory.Addr

	// blockEnd is the end of the most recently committed block.
	blockEnd memory.Addr

	degraded int
	pinned   int
	objects  int
	blocks   int
}

// New creates a heap over seg. blockSize <= 0 selects DefaultBlockSize.
func New(space *memory.Space, seg memory.Segment, blockSize int) *Heap {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &Heap{
		space:     space,
		seg:       seg,
		blockSize: format.AlignPage(blockSize),
	}
}

// Contains reports whether a lies inside the heap segment.
func (h *Heap) Contains(a memory.Addr) bool { return h.seg.Contains(a) }

// Segment returns the heap's address range.
func (h *Heap) Segment() memory.Segment { return h.seg }

// AllocDegraded allocates an object that could not be served by the nursery.
// Returns memory.Null when the heap is full.
func (h *Heap) AllocDegraded(vt *object.VTable, size int) memory.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.allocLocked(vt, size)
	if p != memory.Null {
		h.degraded += format.AlignUp(size)
	}
	return p
}

// AllocSmallPinned allocates an object that must never move. hasReferences is recorded only
// for accounting; the heap does not scan.
func (h *Heap) AllocSmallPinned(vt *object.VTable, size int, hasReferences bool) memory.Addr {
	_ = hasReferences
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.allocLocked(vt, size)
	if p != memory.Null {
		h.pinned += format.AlignUp(size)
	}
	return p
}

// IsMajorCollectionNeeded reports whether allocating size more bytes would need a new
// block that does not fit.
func (h *Heap) IsMajorCollectionNeeded(size int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	size = format.AlignUp(size)
	if h.next != memory.Null && h.next.Add(size) <= h.blockEnd {
		return false
	}
	return h.blockStart().Add(h.blockLen(size)) > h.seg.End
}

// Stats returns current accounting.
func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	used := 0
	if h.blockEnd != memory.Null {
		used = h.blockEnd.Sub(h.seg.Start)
	}
	return Stats{
		Capacity:      h.seg.Size(),
		Used:          used,
		DegradedBytes: h.degraded,
		PinnedBytes:   h.pinned,
		Objects:       h.objects,
		Blocks:        h.blocks,
	}
}

func (h *Heap) allocLocked(vt *object.VTable, size int) memory.Addr {
	if size <= 0 || !format.CanAlignUp(size) {
		return memory.Null
	}
	size = format.AlignUp(size)

	// Lazy init: the first allocation commits the first block.
	for h.next == memory.Null || h.next.Add(size) > h.blockEnd {
		if err := h.grow(size); err != nil {
			return memory.Null
		}
	}

	p := h.next
	h.next = p.Add(size)
	if err := object.Publish(h.space, p, vt); err != nil {
		return memory.Null
	}
	h.objects++
	return p
}

// grow commits the next block, big enough for need. The unused tail of the previous block
// is marked dead so the heap stays walkable.
func (h *Heap) grow(need int) error {
	start := h.blockStart()
	end := start.Add(h.blockLen(need))
	if end > h.seg.End {
		return ErrNoSpace
	}
	if h.next != memory.Null && h.next < h.blockEnd {
		object.WriteFiller(h.space, h.next, h.blockEnd.Sub(h.next))
	}
	h.next = start
	h.blockEnd = end
	h.blocks++
	return nil
}

func (h *Heap) blockStart() memory.Addr {
	if h.blockEnd == memory.Null {
		return h.seg.Start
	}
	return h.blockEnd
}

func (h *Heap) blockLen(need int) int {
	n := h.blockSize
	for n < need {
		n += h.blockSize
	}
	return n
}
