// Package alloc is the thread-local object allocator and the region fast-reclaim layer
// built on top of it.
//
// # Overview
//
// Every mutator thread owns a TLAB (thread-local allocation buffer) carved from a nursery
// fragment. Allocation bumps the TLAB's Next pointer; only when the TLAB runs out does the
// allocator take the process-wide allocation lock and fall back to slower tiers:
//
//	fast TLAB bump → degraded window → nursery-direct → TLAB refill → collect and retry → degraded
//
// Requests above format.MaxSmallObjSize never touch the TLAB and go to the large-object
// space. Pinned and mature allocations have their own entry points.
//
// # Regions
//
// A region is a checkpoint of the TLAB's Next pointer. RegionEnter pushes one; RegionExit
// zeroes everything allocated since and rewinds Next, reclaiming the space without a
// collection. The compiler inserts the calls around loop bodies (see jit/regions).
//
// Reclaiming is only safe if nothing allocated in the region is reachable from outside it.
// OnPointerStore is called for every reference store and marks the region "stuck" when the
// store might publish a region object: the stuck boundary is raised to the current Next and
// every checkpoint at or below it is evicted. The check is conservative; false positives
// cost performance, false negatives would free live memory.
//
//	t := a.AttachThread(stack)
//	a.RegionEnter(t)
//	for i := 0; i < n; i++ {
//	    obj, err := a.Alloc(t, vt, vt.InstanceSize)
//	    ...
//	    a.StoreRef(t, object.Field(parent, 0), obj)
//	}
//	a.RegionExit(t, memory.Null)
//
// # Concurrency
//
// Threads never share a TLAB or a region stack. Two locks exist:
//
//   - the allocation lock serialises every cold path, every region operation and every
//     collection;
//   - the safepoint barrier (a RWMutex) is held for reading across the fast path and raw
//     stores, and for writing while a collection stops the world.
//
// A goroutine never takes the allocation lock while holding the read side of the barrier.
//
// # Failure
//
// Allocation tiers return memory.Null to mean "try the next tier". Public entry points
// return ErrOutOfMemory once every tier is exhausted. Broken invariants (region underflow,
// checkpoints outside the TLAB, a stuck boundary outliving its stack) panic with an
// *InvariantError: continuing would risk freeing live data.
package alloc
