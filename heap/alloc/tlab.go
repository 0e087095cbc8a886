package alloc

import (
	"github.com/joshuapare/nurserykit/heap/memory"
	"github.com/joshuapare/nurserykit/internal/format"
)

// TLAB is a thread-local allocation buffer: [Start, RealEnd) carved from the nursery, with
// objects bump-allocated at Next. TempEnd is the next scan-start boundary; crossing it
// records a scan start and advances it by at most format.ScanStartSize.
//
// All four fields are memory.Null while the thread has no TLAB.
type TLAB struct {
	Start   memory.Addr
	Next    memory.Addr
	TempEnd memory.Addr
	RealEnd memory.Addr
}

// Active reports whether the buffer has been set up since the last reset.
func (b TLAB) Active() bool { return b.Next != memory.Null }

// Contains reports whether a lies in [Start, RealEnd), allocated or not.
func (b TLAB) Contains(a memory.Addr) bool { return a >= b.Start && a < b.RealEnd }

// Remaining returns the bytes left between Next and RealEnd.
func (b TLAB) Remaining() int { return b.RealEnd.Sub(b.Next) }

// Size returns the carved length.
func (b TLAB) Size() int { return b.RealEnd.Sub(b.Start) }

func (b *TLAB) reset() { *b = TLAB{} }

func (b *TLAB) install(start memory.Addr, size int) {
	b.Start = start
	b.Next = start
	b.RealEnd = start.Add(size)
	b.TempEnd = start.Add(min(size, format.ScanStartSize))
}

// ordered reports Start ≤ Next ≤ TempEnd ≤ RealEnd.
func (b *TLAB) ordered() bool {
	return b.Start <= b.Next && b.Next <= b.TempEnd && b.TempEnd <= b.RealEnd
}

// bump carves size bytes without leaving the buffer. crossed is set when the new Next
// passed TempEnd; TempEnd has then already been advanced and the caller must record p as
// a scan start.
func (b *TLAB) bump(size int) (p memory.Addr, crossed bool) {
	if !b.Active() {
		return memory.Null, false
	}
	p = b.Next
	next := p.Add(size)
	if next < b.TempEnd {
		b.Next = next
		return p, false
	}
	if next >= b.RealEnd {
		return memory.Null, false
	}
	b.Next = next
	b.TempEnd = min(b.RealEnd, next.Add(format.ScanStartSize))
	return p, true
}
