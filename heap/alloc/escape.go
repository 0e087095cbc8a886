package alloc

import (
	"fmt"

	"github.com/joshuapare/nurserykit/heap/memory"
	"github.com/joshuapare/nurserykit/heap/trace"
)

// StuckReason classifies a store that may publish a region object.
type StuckReason uint8

const (
	ReasonNone StuckReason = iota
	// ReasonAlways is an explicit stick: the object is reachable by means the tracker
	// cannot see, such as finalization.
	ReasonAlways
	// ReasonStackToRegion is a store into a thread-stack slot outside the nursery.
	ReasonStackToRegion
	// ReasonMajorToMinor is a store into an object outside the nursery.
	ReasonMajorToMinor
	// ReasonOldTLABToNewTLAB is a store into a nursery object from an earlier TLAB.
	ReasonOldTLABToNewTLAB
	// ReasonOldRegionToNewRegion is a store into an older object of the same TLAB.
	ReasonOldRegionToNewRegion
	// ReasonOldFrameToNewFrame is a store into a nursery address on the thread stack.
	ReasonOldFrameToNewFrame
	// ReasonNotYetAllocated is a store into the unallocated tail [Next, RealEnd) of the
	// TLAB.
	ReasonNotYetAllocated

	numReasons
)

var reasonNames = [numReasons]string{
	ReasonNone:                 "none",
	ReasonAlways:               "always",
	ReasonStackToRegion:        "stack-to-region",
	ReasonMajorToMinor:         "major-to-minor",
	ReasonOldTLABToNewTLAB:     "old-tlab-to-new-tlab",
	ReasonOldRegionToNewRegion: "old-region-to-new-region",
	ReasonOldFrameToNewFrame:   "old-frame-to-new-frame",
	ReasonNotYetAllocated:      "not-yet-allocated",
}

func (r StuckReason) String() string {
	if r < numReasons {
		return reasonNames[r]
	}
	return fmt.Sprintf("StuckReason(%d)", uint8(r))
}

// StuckReasons lists every reason that sticks a region, in reporting order.
func StuckReasons() []StuckReason {
	return []StuckReason{
		ReasonAlways, ReasonStackToRegion, ReasonMajorToMinor,
		ReasonOldTLABToNewTLAB, ReasonOldRegionToNewRegion, ReasonOldFrameToNewFrame,
		ReasonNotYetAllocated,
	}
}

// classifyStore decides whether storing a reference to src into dst may let src escape
// the current regions. src must lie in the thread's TLAB.
func (a *Allocator) classifyStore(t *Thread, src, dst memory.Addr) StuckReason {
	switch {
	case dst == memory.Null:
		return ReasonAlways
	case !a.nursery.Contains(dst):
		if t.stack.Contains(dst) {
			return ReasonStackToRegion
		}
		return ReasonMajorToMinor
	case !t.tlab.Contains(dst):
		return ReasonOldTLABToNewTLAB
	case dst >= t.tlab.Next:
		return ReasonNotYetAllocated
	case dst < src:
		return ReasonOldRegionToNewRegion
	case t.stack.Contains(dst):
		return ReasonOldFrameToNewFrame
	}
	return ReasonNone
}

// tracked reports whether a store of src needs the locked escape check. Only the owning
// thread calls it, either holding the allocation lock or the read side of the barrier.
func (t *Thread) tracked(src memory.Addr) bool {
	return t.tlab.Contains(src) && !t.regions.empty()
}

// OnPointerStore is the escape check run for every reference store: a reference to src is
// being written into the slot at dst. dst is memory.Null for an explicit stick. When the
// store may publish src outside its region, every region holding src is stuck.
func (a *Allocator) OnPointerStore(t *Thread, src, dst memory.Addr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stickLocked(t, src, dst)
}

func (a *Allocator) stickLocked(t *Thread, src, dst memory.Addr) {
	if !t.tlab.Contains(src) {
		return
	}
	if t.regions.empty() {
		assertf(t.stuck == memory.Null, InvStuckCleared,
			"thread %d has no regions but stuck=%s", t.id, t.stuck)
		return
	}
	reason := a.classifyStore(t, src, dst)
	if reason == ReasonNone {
		return
	}

	a.stats.regionsStuck.Add(1)
	a.stats.stuckReasons[reason].Add(1)
	if t.tlab.Next > t.stuck {
		t.stuck = t.tlab.Next
	}
	a.recordRegion(t, trace.KindRegionStuck, src, 0, reason.String())
	a.forgetStuck(t)
}

// StoreRef writes a reference to src into the word at dst and runs the escape check.
// It is the write barrier used by mutators of the simulated heap.
func (a *Allocator) StoreRef(t *Thread, dst, src memory.Addr) error {
	a.world.RLock()
	err := a.space.StoreWordRelease(dst, uint64(src))
	check := err == nil && t.tracked(src)
	a.world.RUnlock()
	if err != nil {
		return fmt.Errorf("store %s into %s: %w", src, dst, err)
	}
	if check {
		a.OnPointerStore(t, src, dst)
	}
	return nil
}

// LoadRef reads the reference stored in the word at src.
func (a *Allocator) LoadRef(src memory.Addr) memory.Addr {
	a.world.RLock()
	defer a.world.RUnlock()
	return memory.Addr(a.space.LoadWordAcquire(src))
}
