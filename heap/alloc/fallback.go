package alloc

import (
	"fmt"

	"github.com/joshuapare/nurserykit/heap/memory"
	"github.com/joshuapare/nurserykit/heap/object"
	"github.com/joshuapare/nurserykit/heap/trace"
	"github.com/joshuapare/nurserykit/internal/format"
	"github.com/joshuapare/nurserykit/internal/logger"
)

// allocDegraded allocates straight from the major heap. forMature distinguishes objects
// that belong there by policy from nursery allocations that failed. Caller holds the
// allocation lock.
func (a *Allocator) allocDegraded(t *Thread, vt *object.VTable, size int, forMature bool) memory.Addr {
	if !forMature {
		a.collector.ReportDegradedAllocation(size)
		a.collector.EnsureFreeSpace(size, GenOld)
	} else if a.collector.IsMajorCollectionNeeded(size) {
		a.collector.TriggerMajorCollection("mature allocation failure")
	}

	p := a.major.AllocDegraded(vt, size)
	if p == memory.Null {
		logger.Warn("degraded allocation failed", "size", size, "vtable", vt, "mature", forMature)
		return memory.Null
	}
	if forMature {
		a.stats.objectsMature.Add(1)
		a.account(t, vt, p, size, trace.KindAlloc)
	} else {
		a.stats.objectsDegraded.Add(1)
		a.account(t, vt, p, size, trace.KindAllocDegraded)
	}
	return p
}

// allocLarge serves sizes above format.MaxSmallObjSize. Caller holds the allocation lock.
func (a *Allocator) allocLarge(t *Thread, vt *object.VTable, size int) memory.Addr {
	p := a.los.AllocLarge(vt, size)
	if p == memory.Null {
		a.collector.EnsureFreeSpace(size, GenOld)
		p = a.los.AllocLarge(vt, size)
	}
	if p == memory.Null {
		return memory.Null
	}
	a.stats.bytesAllocedLOS.Add(uint64(size))
	a.account(t, vt, p, size, trace.KindAllocLarge)
	return p
}

// AllocPinned allocates an object that is never moved. It does not collect.
func (a *Allocator) AllocPinned(t *Thread, vt *object.VTable, size int) (memory.Addr, error) {
	if !format.CanAlignUp(size) {
		return memory.Null, ErrSizeOverflow
	}
	size = objectSize(size)

	a.mu.Lock()
	defer a.mu.Unlock()

	var p memory.Addr
	if size > format.MaxSmallObjSize {
		p = a.los.AllocLarge(vt, size)
	} else {
		hasRefs := vt != nil && vt.HasReferences
		p = a.major.AllocSmallPinned(vt, size, hasRefs)
	}
	if p == memory.Null {
		a.stats.allocFailures.Add(1)
		return memory.Null, fmt.Errorf("%w: pinned %d bytes of %s", ErrOutOfMemory, size, vt)
	}
	a.stats.objectsPinned.Add(1)
	a.account(t, vt, p, size, trace.KindAllocPinned)
	return p, nil
}

// AllocMature allocates directly in the old generation, collecting it first when needed.
func (a *Allocator) AllocMature(t *Thread, vt *object.VTable, size int) (memory.Addr, error) {
	if !format.CanAlignUp(size) {
		return memory.Null, ErrSizeOverflow
	}
	size = objectSize(size)

	a.mu.Lock()
	defer a.mu.Unlock()

	p := a.allocDegraded(t, vt, size, true)
	if p == memory.Null {
		a.stats.allocFailures.Add(1)
		return memory.Null, fmt.Errorf("%w: mature %d bytes of %s", ErrOutOfMemory, size, vt)
	}
	return p, nil
}
