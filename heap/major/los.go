package major

import (
	"sync"

	"github.com/joshuapare/nurserykit/heap/memory"
	"github.com/joshuapare/nurserykit/heap/object"
	"github.com/joshuapare/nurserykit/internal/format"
)

// LOS is the large-object space. Every object starts on a page boundary and occupies whole
// pages. Large objects are pinned: they are never moved.
//
// Safe for concurrent use.
type LOS struct {
	mu      sync.Mutex
	space   *memory.Space
	seg     memory.Segment
	next    memory.Addr
	objects int
	bytes   int
}

// NewLOS creates a large-object space over seg.
func NewLOS(space *memory.Space, seg memory.Segment) *LOS {
	return &LOS{space: space, seg: seg, next: seg.Start}
}

// Contains reports whether a lies inside the LOS segment.
func (l *LOS) Contains(a memory.Addr) bool { return l.seg.Contains(a) }

// AllocLarge allocates a page-aligned object. Returns memory.Null when the segment is full.
func (l *LOS) AllocLarge(vt *object.VTable, size int) memory.Addr {
	if size <= 0 || size > l.seg.Size() {
		return memory.Null
	}
	pages := format.AlignPage(size)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.next.Add(pages) > l.seg.End {
		return memory.Null
	}
	p := l.next
	l.next = p.Add(pages)
	if err := object.Publish(l.space, p, vt); err != nil {
		return memory.Null
	}
	l.objects++
	l.bytes += pages
	return p
}

// Used returns the bytes committed to large objects.
func (l *LOS) Used() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bytes
}

// Objects returns the number of large objects allocated.
func (l *LOS) Objects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.objects
}
