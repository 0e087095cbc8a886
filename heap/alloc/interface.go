package alloc

import (
	"github.com/joshuapare/nurserykit/heap/memory"
	"github.com/joshuapare/nurserykit/heap/object"
	"github.com/joshuapare/nurserykit/heap/trace"
)

// Generation selects which part of the heap a collection or space check targets.
type Generation uint8

const (
	GenNursery Generation = iota
	GenOld
)

func (g Generation) String() string {
	if g == GenNursery {
		return "nursery"
	}
	return "old"
}

// Collector is the garbage collector as seen by the allocator. Every method is called with
// the allocation lock held.
type Collector interface {
	// EnsureFreeSpace collects gen if a request of size bytes cannot be satisfied. It may
	// put the heap into degraded mode.
	EnsureFreeSpace(size int, gen Generation)

	// DegradedMode returns 0 when the nursery is healthy; otherwise the number of bytes
	// allocated in degraded mode since it was entered, plus one.
	DegradedMode() int

	// ReportDegradedAllocation adds size bytes to the degraded counter.
	ReportDegradedAllocation(size int)

	// IsMajorCollectionNeeded reports whether allocating size bytes in the old
	// generation requires a major collection first.
	IsMajorCollectionNeeded(size int) bool

	TriggerMinorCollection(reason string)
	TriggerMajorCollection(reason string)
}

// Nursery hands out young-generation memory. Implementations must be safe for concurrent
// use: the try path carves without the allocation lock.
type Nursery interface {
	Contains(a memory.Addr) bool
	Alloc(size int) memory.Addr
	AllocRange(desired, minimum int) (memory.Addr, int)
	RetireFragment(p memory.Addr, remaining int)
	SetScanStart(p memory.Addr)
}

// MajorHeap serves degraded, mature and pinned small objects. It writes the object header.
type MajorHeap interface {
	AllocDegraded(vt *object.VTable, size int) memory.Addr
	AllocSmallPinned(vt *object.VTable, size int, hasReferences bool) memory.Addr
}

// LargeObjectSpace serves objects above format.MaxSmallObjSize. It writes the object header.
type LargeObjectSpace interface {
	AllocLarge(vt *object.VTable, size int) memory.Addr
}

// Client is the runtime embedding the allocator.
type Client interface {
	HasFinalizer(vt *object.VTable) bool
	// Provenance tags trace events with the allocation site the thread is executing.
	Provenance(t *Thread) uint64
}

// Recorder receives allocation trace events.
type Recorder = trace.Recorder

// DefaultClient answers from the vtable and reports the thread's own provenance tag.
type DefaultClient struct{}

func (DefaultClient) HasFinalizer(vt *object.VTable) bool { return vt != nil && vt.HasFinalizer }

func (DefaultClient) Provenance(t *Thread) uint64 { return t.provenance.Load() }
