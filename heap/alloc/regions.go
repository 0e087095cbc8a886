package alloc

import (
	"github.com/joshuapare/nurserykit/heap/memory"
	"github.com/joshuapare/nurserykit/heap/trace"
	"github.com/joshuapare/nurserykit/internal/logger"
)

const minRegionStackCap = 1024

type checkpoint struct {
	addr  memory.Addr
	depth int
}

// regionStack holds TLAB checkpoints, outermost first.
type regionStack struct {
	entries []checkpoint
}

func (s *regionStack) len() int        { return len(s.entries) }
func (s *regionStack) empty() bool     { return len(s.entries) == 0 }
func (s *regionStack) clear()          { s.entries = s.entries[:0] }
func (s *regionStack) top() checkpoint { return s.entries[len(s.entries)-1] }

func (s *regionStack) push(c checkpoint) {
	if len(s.entries) == cap(s.entries) {
		grown := make([]checkpoint, len(s.entries), max(minRegionStackCap, cap(s.entries)*3/2))
		copy(grown, s.entries)
		s.entries = grown
	}
	s.entries = append(s.entries, c)
}

func (s *regionStack) pop() checkpoint {
	c := s.top()
	s.entries = s.entries[:len(s.entries)-1]
	return c
}

// dropThrough removes every checkpoint at or below limit and returns how many went.
// Checkpoints ascend, so the survivors are a suffix.
func (s *regionStack) dropThrough(limit memory.Addr) int {
	n := 0
	for n < len(s.entries) && s.entries[n].addr <= limit {
		n++
	}
	if n > 0 {
		s.entries = s.entries[:copy(s.entries, s.entries[n:])]
	}
	return n
}

func (s *regionStack) addrs() []memory.Addr {
	out := make([]memory.Addr, len(s.entries))
	for i, c := range s.entries {
		out[i] = c.addr
	}
	return out
}

// RegionEnter opens a region. Without a TLAB nothing is pushed, but the enter still counts
// for nesting.
func (a *Allocator) RegionEnter(t *Thread) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t.depth++
	a.stats.regionsEntered.Add(1)
	if !t.tlab.Active() {
		assertf(t.stuck == memory.Null, InvStuckCleared,
			"thread %d has no TLAB but stuck=%s", t.id, t.stuck)
		return
	}
	t.regions.push(checkpoint{addr: t.tlab.Next, depth: t.depth})
	a.recordRegion(t, trace.KindRegionEnter, t.tlab.Next, 0, "")
}

// RegionExit closes the innermost region. Unless the region has escaped, everything
// allocated in it is zeroed and the TLAB rewinds to the checkpoint. A non-null ret is the
// region's return value: the region is then merged into its parent instead of reclaimed.
//
// RegionExit without a matching RegionEnter panics with an *InvariantError that matches
// ErrRegionUnderflow.
func (a *Allocator) RegionExit(t *Thread, ret memory.Addr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	assertf(t.depth > 0, InvRegionUnderflow, "thread %d exited a region at depth 0", t.id)
	defer func() { t.depth-- }()

	a.forgetStuck(t)
	a.stats.regionsExited.Add(1)
	if t.regions.empty() {
		return
	}
	top := t.regions.top()
	if top.depth < t.depth {
		// This region's checkpoint was never pushed or was evicted.
		return
	}
	assertf(top.depth == t.depth, InvRegionMismatch,
		"thread %d checkpoint depth %d above region depth %d", t.id, top.depth, t.depth)

	region := top.addr
	assertf(t.tlab.Active(), InvCheckpointTLAB, "thread %d has checkpoints but no TLAB", t.id)
	assertf(region >= t.tlab.Start && region <= t.tlab.RealEnd, InvCheckpointTLAB,
		"checkpoint %s outside TLAB [%s, %s]", region, t.tlab.Start, t.tlab.RealEnd)
	assertf(region > t.stuck, InvStuckReachable,
		"checkpoint %s at or below stuck %s", region, t.stuck)

	if a.mergesOnExit(t, region, ret) {
		t.regions.pop()
		a.stats.mergedReturn.Add(1)
		a.recordRegion(t, trace.KindRegionExit, region, 0, "merged")
		a.clearStuckIfEmpty(t)
		return
	}

	size := t.tlab.Next.Sub(region)
	a.stats.observeExit(size)
	if size > 0 {
		if err := a.space.Zero(region, size); err != nil {
			panic(&InvariantError{Invariant: InvCheckpointTLAB, Detail: err.Error()})
		}
		t.tlab.Next = region
	}
	t.regions.pop()
	a.clearStuckIfEmpty(t)
	a.recordRegion(t, trace.KindRegionExit, region, size, "")
	if logger.DebugEnabled() {
		logger.Debug("region exit", "thread", t.id, "checkpoint", region, "cleared", size)
	}
}

// mergesOnExit decides whether the region ending at Next is folded into its parent.
// A returned object keeps its region alive when nothing has escaped, or when the object
// itself lies in the region: it is live by construction.
func (a *Allocator) mergesOnExit(t *Thread, region, ret memory.Addr) bool {
	if ret == memory.Null {
		return false
	}
	if t.stuck == memory.Null {
		return true
	}
	return ret >= region && ret < t.tlab.Next
}

// RegionBail drops every checkpoint and the stuck boundary. Used when control leaves
// regions without their exits, such as exception unwinding. Nesting depth is kept: the
// matching exits still run and find nothing to reclaim.
func (a *Allocator) RegionBail(t *Thread) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bailLocked(t)
}

func (a *Allocator) bailLocked(t *Thread) {
	a.stats.regionsBailed.Add(1)
	t.regions.clear()
	t.stuck = memory.Null
	a.recordRegion(t, trace.KindRegionBail, memory.Null, 0, "")
}

// forgetStuck evicts every checkpoint at or below the stuck boundary.
func (a *Allocator) forgetStuck(t *Thread) {
	if t.stuck == memory.Null || t.regions.empty() {
		return
	}
	assertf(t.tlab.Active(), InvStuckInTLAB, "thread %d is stuck without a TLAB", t.id)
	assertf(t.stuck >= t.tlab.Start && t.stuck <= t.tlab.RealEnd, InvStuckInTLAB,
		"stuck %s outside TLAB [%s, %s]", t.stuck, t.tlab.Start, t.tlab.RealEnd)

	first := t.regions.entries[0].addr
	if t.stuck > first {
		a.stats.regionBytesStuck.Add(uint64(t.stuck.Sub(first)))
	}
	if n := t.regions.dropThrough(t.stuck); n > 0 {
		a.stats.regionsForgotten.Add(uint64(n))
	}
	a.clearStuckIfEmpty(t)
}

func (a *Allocator) clearStuckIfEmpty(t *Thread) {
	if t.regions.empty() {
		t.stuck = memory.Null
	}
}

func (a *Allocator) recordRegion(t *Thread, kind trace.Kind, addr memory.Addr, size int, reason string) {
	if !a.opts.RegionEvents {
		return
	}
	a.rec.Record(trace.Event{
		Kind:       kind,
		Thread:     uint64(t.id),
		Addr:       uint64(addr),
		Size:       size,
		Provenance: a.client.Provenance(t),
		Reason:     reason,
	})
}
