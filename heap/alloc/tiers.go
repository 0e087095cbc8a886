package alloc

import (
	"github.com/joshuapare/nurserykit/heap/memory"
	"github.com/joshuapare/nurserykit/heap/object"
	"github.com/joshuapare/nurserykit/internal/format"
	"github.com/joshuapare/nurserykit/internal/logger"
)

type source uint8

const (
	fromTLAB source = iota
	fromNursery
	fromMajor
)

// request is one small-object allocation moving through the tiers.
type request struct {
	t    *Thread
	vt   *object.VTable
	size int

	// direct is set when the object bypasses the TLAB: it is larger than a TLAB, or the
	// TLAB still has too much room to throw away.
	direct bool
	source source
}

// tier is one way of satisfying a request. It returns memory.Null to pass the request on.
type tier struct {
	name  string
	alloc func(a *Allocator, r *request) memory.Addr
}

// tryPath runs inside the safepoint barrier without the allocation lock. It never collects.
var tryPath = []tier{
	{"tlab", (*Allocator).tlabTier},
	{"nursery-direct", (*Allocator).nurseryDirectTier},
	{"tlab-refill", (*Allocator).refillTier},
}

// lockedPath runs under the allocation lock.
var lockedPath = []tier{
	{"tlab", (*Allocator).tlabTier},
	{"degraded-window", (*Allocator).degradedWindowTier},
	{"nursery-direct", (*Allocator).nurseryDirectTier},
	{"tlab-refill", (*Allocator).refillTier},
	{"collect-and-retry", (*Allocator).collectRetryTier},
	{"degraded", (*Allocator).degradedTier},
}

func (a *Allocator) dispatch(path []tier, r *request) memory.Addr {
	tlab := &r.t.tlab
	r.direct = r.size > a.opts.TLABSize || tlab.Remaining() > format.MaxNurseryWaste
	for _, tr := range path {
		if p := tr.alloc(a, r); p != memory.Null {
			return p
		}
	}
	return memory.Null
}

func (a *Allocator) tlabTier(r *request) memory.Addr {
	p, crossed := r.t.tlab.bump(r.size)
	if p == memory.Null {
		return memory.Null
	}
	if crossed {
		a.nursery.SetScanStart(p)
	}
	r.source = fromTLAB
	return p
}

func (a *Allocator) degradedWindowTier(r *request) memory.Addr {
	d := a.collector.DegradedMode()
	if d == 0 || d >= a.opts.NurserySize {
		return memory.Null
	}
	return a.degradedTier(r)
}

func (a *Allocator) nurseryDirectTier(r *request) memory.Addr {
	if !r.direct {
		return memory.Null
	}
	p := a.nursery.Alloc(r.size)
	if p == memory.Null {
		return memory.Null
	}
	a.zeroFresh(p, r.size)
	a.nursery.SetScanStart(p)
	a.stats.nurseryDirect.Add(1)
	r.source = fromNursery
	return p
}

func (a *Allocator) refillTier(r *request) memory.Addr {
	if r.direct {
		return memory.Null
	}
	t := r.t
	a.retireTLAB(t)
	a.dropTLAB(t)

	start, size := a.nursery.AllocRange(a.opts.TLABSize, r.size)
	if start == memory.Null {
		return memory.Null
	}
	t.tlab.install(start, size)
	a.zeroFresh(start, size)
	a.stats.tlabRefills.Add(1)
	if logger.DebugEnabled() {
		logger.Debug("tlab refill", "thread", t.id, "start", start, "size", size)
	}

	p := t.tlab.Next
	t.tlab.Next = p.Add(r.size)
	if t.tlab.Next > t.tlab.TempEnd {
		t.tlab.TempEnd = min(t.tlab.RealEnd, t.tlab.Next.Add(format.ScanStartSize))
	}
	a.nursery.SetScanStart(p)
	r.source = fromTLAB
	return p
}

func (a *Allocator) collectRetryTier(r *request) memory.Addr {
	need := a.opts.TLABSize
	if r.direct {
		need = r.size
	}
	a.collector.EnsureFreeSpace(need, GenNursery)
	if a.collector.DegradedMode() != 0 {
		return memory.Null
	}
	if p := a.nurseryDirectTier(r); p != memory.Null {
		return p
	}
	return a.refillTier(r)
}

func (a *Allocator) degradedTier(r *request) memory.Addr {
	p := a.allocDegraded(r.t, r.vt, r.size, false)
	if p != memory.Null {
		r.source = fromMajor
	}
	return p
}

// dropTLAB forgets the thread's buffer. Checkpoints point into it, so they go too.
func (a *Allocator) dropTLAB(t *Thread) {
	if n := t.regions.len(); n > 0 {
		a.stats.regionsReset.Add(uint64(n))
	}
	t.tlab.reset()
	t.regions.clear()
	t.stuck = memory.Null
}

// zeroFresh clears freshly carved nursery memory according to the clear policy.
func (a *Allocator) zeroFresh(p memory.Addr, size int) {
	if !a.opts.ClearPolicy.ZeroesTLABs() {
		size = min(size, format.FillHeaderSize)
	}
	if err := a.space.Zero(p, size); err != nil {
		panic(&InvariantError{Invariant: InvTLABOrder, Detail: err.Error()})
	}
}
