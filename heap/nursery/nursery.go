// Package nursery manages the young-generation segment as a list of free fragments.
//
// TLABs are carved from fragments with AllocRange; requests that should bypass the TLAB
// are carved directly with Alloc. When a thread gives up a TLAB, the unused tail is retired:
// it is overwritten with a filler record and never handed out again until the next Reset.
//
// The nursery also keeps the scan-start table: for every ScanStartSize chunk, the lowest
// object start recorded in it. Conservative scanners use ScanStart to find an object
// boundary at or below an arbitrary interior address.
//
// All methods are safe for concurrent use.
package nursery

import (
	"sort"
	"sync"

	"github.com/joshuapare/nurserykit/heap/memory"
	"github.com/joshuapare/nurserykit/heap/object"
	"github.com/joshuapare/nurserykit/internal/format"
)

// Fragment is a free range [Start, End) of the nursery.
type Fragment struct {
	Start memory.Addr
	End   memory.Addr
}

// Size returns the fragment length in bytes.
func (f Fragment) Size() int { return f.End.Sub(f.Start) }

// Options configures a Nursery.
type Options struct {
	// ZeroOnReset clears the whole segment on Reset. This is the clear-at-GC policy; with
	// clear-at-TLAB-creation the allocator zeroes each TLAB itself.
	ZeroOnReset bool
}

// Stats is a snapshot of nursery accounting.
type Stats struct {
	Capacity     int
	FreeBytes    int
	CarvedBytes  int // handed out since the last Reset
	RetiredBytes int // TLAB tails given up since the last Reset
	Fragments    int
	Resets       int
}

// Nursery is the fragment allocator over the young-generation segment.
type Nursery struct {
	mu         sync.Mutex
	space      *memory.Space
	seg        memory.Segment
	opts       Options
	frags      []Fragment
	scanStarts []memory.Addr

	carved  int
	retired int
	resets  int
}

// New creates a nursery over seg. The whole segment starts as one free fragment.
func New(space *memory.Space, seg memory.Segment, opts Options) *Nursery {
	n := &Nursery{
		space:      space,
		seg:        seg,
		opts:       opts,
		scanStarts: make([]memory.Addr, (seg.Size()+format.ScanStartSize-1)/format.ScanStartSize),
	}
	n.frags = []Fragment{{Start: seg.Start, End: seg.End}}
	return n
}

// Segment returns the nursery's address range.
func (n *Nursery) Segment() memory.Segment { return n.seg }

// Contains reports whether a lies inside the nursery segment.
func (n *Nursery) Contains(a memory.Addr) bool { return n.seg.Contains(a) }

// Alloc carves exactly size bytes from the first fragment large enough.
// Returns memory.Null when no fragment fits.
func (n *Nursery) Alloc(size int) memory.Addr {
	if size <= 0 {
		return memory.Null
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	for i := range n.frags {
		if n.frags[i].Size() >= size {
			return n.carveLocked(i, size)
		}
	}
	return memory.Null
}

// AllocRange carves desired bytes if some fragment has them. Otherwise it takes the whole of
// the largest fragment that still holds at least minimum bytes. Returns the start and the
// number of bytes carved, or (memory.Null, 0).
func (n *Nursery) AllocRange(desired, minimum int) (memory.Addr, int) {
	if minimum <= 0 || desired < minimum {
		return memory.Null, 0
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	best := -1
	for i := range n.frags {
		size := n.frags[i].Size()
		if size >= desired {
			return n.carveLocked(i, desired), desired
		}
		if size >= minimum && (best < 0 || size > n.frags[best].Size()) {
			best = i
		}
	}
	if best < 0 {
		return memory.Null, 0
	}
	size := n.frags[best].Size()
	return n.carveLocked(best, size), size
}

// CanAlloc reports whether a request of size bytes could currently be satisfied.
func (n *Nursery) CanAlloc(size int) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, f := range n.frags {
		if f.Size() >= size {
			return true
		}
	}
	return false
}

// RetireFragment gives up the remaining bytes of a TLAB starting at p. The range is
// overwritten with a filler so heap walkers can step over it.
func (n *Nursery) RetireFragment(p memory.Addr, remaining int) {
	if p == memory.Null || remaining <= 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	object.WriteFiller(n.space, p, remaining)
	n.retired += remaining
}

// SetScanStart records p as an object start for its ScanStartSize chunk. The lowest start
// per chunk wins.
func (n *Nursery) SetScanStart(p memory.Addr) {
	if !n.seg.Contains(p) {
		return
	}
	idx := p.Sub(n.seg.Start) / format.ScanStartSize
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur := n.scanStarts[idx]; cur == memory.Null || cur > p {
		n.scanStarts[idx] = p
	}
}

// ScanStart returns the closest recorded object start at or below a, or memory.Null.
func (n *Nursery) ScanStart(a memory.Addr) memory.Addr {
	if !n.seg.Contains(a) {
		return memory.Null
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := a.Sub(n.seg.Start) / format.ScanStartSize; i >= 0; i-- {
		if s := n.scanStarts[i]; s != memory.Null && s <= a {
			return s
		}
	}
	return memory.Null
}

// Reset makes the whole segment one free fragment again and forgets every scan start.
// The caller guarantees no thread still allocates from a TLAB inside the nursery.
func (n *Nursery) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.frags = append(n.frags[:0], Fragment{Start: n.seg.Start, End: n.seg.End})
	clear(n.scanStarts)
	if n.opts.ZeroOnReset {
		_ = n.space.Zero(n.seg.Start, n.seg.Size())
	}
	n.carved = 0
	n.retired = 0
	n.resets++
}

// Fragments returns a copy of the free list in address order.
func (n *Nursery) Fragments() []Fragment {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Fragment(nil), n.frags...)
}

// Stats returns current accounting.
func (n *Nursery) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	free := 0
	for _, f := range n.frags {
		free += f.Size()
	}
	return Stats{
		Capacity:     n.seg.Size(),
		FreeBytes:    free,
		CarvedBytes:  n.carved,
		RetiredBytes: n.retired,
		Fragments:    len(n.frags),
		Resets:       n.resets,
	}
}

// AddFragment returns [start, end) to the free list. Used by collectors that rebuild the
// free list from what survived; the range must not overlap an existing fragment.
func (n *Nursery) AddFragment(start, end memory.Addr) {
	if start >= end || !n.seg.Contains(start) || end > n.seg.End {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.frags = append(n.frags, Fragment{Start: start, End: end})
	sort.Slice(n.frags, func(i, j int) bool { return n.frags[i].Start < n.frags[j].Start })
}

func (n *Nursery) carveLocked(i, size int) memory.Addr {
	p := n.frags[i].Start
	n.frags[i].Start = p.Add(size)
	if n.frags[i].Size() == 0 {
		n.frags = append(n.frags[:i], n.frags[i+1:]...)
	}
	n.carved += size
	return p
}
