package alloc

import (
	"sort"
	"sync/atomic"

	"github.com/joshuapare/nurserykit/heap/memory"
	"github.com/joshuapare/nurserykit/internal/logger"
)

// ThreadID identifies a mutator thread.
type ThreadID uint64

// Thread is the allocator's per-thread state. A Thread must only be used by the goroutine
// that owns it; the allocator touches it from elsewhere only while the world is stopped.
type Thread struct {
	id    ThreadID
	stack memory.Segment

	tlab    TLAB
	regions regionStack
	// stuck is the escape boundary: checkpoints at or below it may not be reclaimed.
	stuck memory.Addr
	// depth counts RegionEnter calls not yet matched by RegionExit, including enters that
	// pushed nothing because the thread had no TLAB.
	depth int

	provenance atomic.Uint64
	detached   bool
}

// ID returns the thread's identifier.
func (t *Thread) ID() ThreadID { return t.id }

// Stack returns the segment treated as this thread's stack by the escape tracker.
func (t *Thread) Stack() memory.Segment { return t.stack }

// TLAB returns a copy of the thread's buffer. Only meaningful on the owning goroutine.
func (t *Thread) TLAB() TLAB { return t.tlab }

// Stuck returns the escape boundary, or memory.Null.
func (t *Thread) Stuck() memory.Addr { return t.stuck }

// RegionDepth returns the number of unmatched RegionEnter calls.
func (t *Thread) RegionDepth() int { return t.depth }

// Checkpoints returns the live region checkpoints, outermost first.
func (t *Thread) Checkpoints() []memory.Addr { return t.regions.addrs() }

// SetProvenance tags subsequent trace events from this thread.
func (t *Thread) SetProvenance(p uint64) { t.provenance.Store(p) }

// AttachThread registers a mutator thread. stack may be the zero Segment when the thread
// has no simulated stack.
func (a *Allocator) AttachThread(id ThreadID, stack memory.Segment) *Thread {
	a.mu.Lock()
	defer a.mu.Unlock()

	if old, ok := a.threads[id]; ok {
		logger.Warn("thread re-attached", "thread", id)
		old.detached = true
	}
	t := &Thread{id: id, stack: stack}
	a.threads[id] = t
	logger.Debug("thread attached", "thread", id, "stack", stack.Start)
	return t
}

// DetachThread drops the thread's regions and retires its TLAB. The thread must not be used
// afterwards.
func (a *Allocator) DetachThread(t *Thread) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if t.detached {
		return
	}
	a.bailLocked(t)
	a.retireTLAB(t)
	t.tlab.reset()
	t.detached = true
	delete(a.threads, t.id)
	logger.Debug("thread detached", "thread", t.id)
}

// Threads returns the attached threads ordered by ID.
func (a *Allocator) Threads() []*Thread {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Thread, 0, len(a.threads))
	for _, t := range a.threads {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// StopTheWorld waits until no mutator is inside the fast path or a raw store and holds them
// off until restart is called. The caller must hold the allocation lock.
func (a *Allocator) StopTheWorld() (restart func()) {
	a.world.Lock()
	return a.world.Unlock
}

// ClearTLABs resets every attached thread's TLAB, region stack and stuck boundary. The
// caller must hold the allocation lock and have stopped the world.
func (a *Allocator) ClearTLABs() {
	for _, t := range a.threads {
		if n := t.regions.len(); n > 0 {
			a.stats.regionsReset.Add(uint64(n))
		}
		t.tlab.reset()
		t.regions.clear()
		t.stuck = memory.Null
	}
}

func (a *Allocator) retireTLAB(t *Thread) {
	if !t.tlab.Active() {
		return
	}
	if rest := t.tlab.Remaining(); rest > 0 {
		a.nursery.RetireFragment(t.tlab.Next, rest)
	}
}
