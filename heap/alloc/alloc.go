package alloc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"

	"github.com/joshuapare/nurserykit/heap/memory"
	"github.com/joshuapare/nurserykit/heap/object"
	"github.com/joshuapare/nurserykit/heap/trace"
	"github.com/joshuapare/nurserykit/internal/format"
	"github.com/joshuapare/nurserykit/internal/logger"
)

// Deps are the allocator's collaborators. Collector, Client and Recorder are optional:
// without a collector the allocator never collects, the default client answers from the
// vtable, and events are discarded.
type Deps struct {
	Nursery   Nursery
	Major     MajorHeap
	LOS       LargeObjectSpace
	Collector Collector
	Client    Client
	Recorder  Recorder
}

// Allocator serves object allocations for every attached thread.
type Allocator struct {
	// mu is the allocation lock: cold paths, region operations, collections.
	mu sync.Mutex
	// world is the safepoint barrier; see StopTheWorld.
	world sync.RWMutex

	space     *memory.Space
	nursery   Nursery
	major     MajorHeap
	los       LargeObjectSpace
	collector Collector
	client    Client
	rec       Recorder
	opts      Options

	threads map[ThreadID]*Thread
	allocs  atomic.Uint64
	stats   counters
}

// New creates an allocator over space.
func New(space *memory.Space, deps Deps, opts Options) (*Allocator, error) {
	var errs *multierror.Error
	if space == nil {
		errs = multierror.Append(errs, errors.New("space is nil"))
	}
	if deps.Nursery == nil {
		errs = multierror.Append(errs, errors.New("nursery is nil"))
	}
	if deps.Major == nil {
		errs = multierror.Append(errs, errors.New("major heap is nil"))
	}
	if deps.LOS == nil {
		errs = multierror.Append(errs, errors.New("large object space is nil"))
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("alloc: %w", err)
	}

	a := &Allocator{
		space:     space,
		nursery:   deps.Nursery,
		major:     deps.Major,
		los:       deps.LOS,
		collector: deps.Collector,
		client:    deps.Client,
		rec:       deps.Recorder,
		opts:      opts.withDefaults(),
		threads:   make(map[ThreadID]*Thread),
	}
	if a.collector == nil {
		a.collector = noCollector{}
	}
	if a.client == nil {
		a.client = DefaultClient{}
	}
	if a.rec == nil {
		a.rec = trace.Nop{}
	}
	return a, nil
}

// SetCollector installs the collector. Collectors usually need the allocator to stop the
// world, so they are wired after New.
func (a *Allocator) SetCollector(c Collector) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c == nil {
		c = noCollector{}
	}
	a.collector = c
}

// Options returns the effective options.
func (a *Allocator) Options() Options { return a.opts }

// Space returns the backing address space.
func (a *Allocator) Space() *memory.Space { return a.space }

// Alloc allocates an object of size bytes with vtable vt for thread t. The returned object
// is zeroed apart from its published header.
func (a *Allocator) Alloc(t *Thread, vt *object.VTable, size int) (memory.Addr, error) {
	if t.detached {
		return memory.Null, ErrThreadDetached
	}
	if !format.CanAlignUp(size) {
		return memory.Null, ErrSizeOverflow
	}
	size = objectSize(size)

	if !a.opts.debugHooks() {
		if p := a.tryAlloc(t, vt, size); p != memory.Null {
			return p, nil
		}
	}

	a.mu.Lock()
	p := a.allocLocked(t, vt, size)
	a.mu.Unlock()
	if p == memory.Null {
		a.stats.allocFailures.Add(1)
		return memory.Null, fmt.Errorf("%w: %d bytes of %s", ErrOutOfMemory, size, vt)
	}
	return p, nil
}

// TryAlloc allocates without taking the allocation lock and without collecting. It returns
// memory.Null whenever that is not possible, including for large objects.
func (a *Allocator) TryAlloc(t *Thread, vt *object.VTable, size int) memory.Addr {
	if t.detached || !format.CanAlignUp(size) {
		return memory.Null
	}
	return a.tryAlloc(t, vt, objectSize(size))
}

func (a *Allocator) tryAlloc(t *Thread, vt *object.VTable, size int) memory.Addr {
	if size > format.MaxSmallObjSize {
		return memory.Null
	}
	r := request{t: t, vt: vt, size: size}
	a.world.RLock()
	p := a.dispatch(tryPath, &r)
	if p != memory.Null {
		a.publish(&r, p)
	}
	a.world.RUnlock()

	// Sticking takes the allocation lock, which must not be acquired inside the barrier.
	if p != memory.Null && a.client.HasFinalizer(vt) {
		a.OnPointerStore(t, p, memory.Null)
	}
	return p
}

// allocLocked runs every tier. Caller holds the allocation lock.
func (a *Allocator) allocLocked(t *Thread, vt *object.VTable, size int) memory.Addr {
	if a.opts.debugHooks() {
		n := a.allocs.Add(1)
		if v := a.opts.VerifyBeforeAllocs; v > 0 && n%uint64(v) == 0 {
			a.verifyBeforeAlloc(t)
		}
		if c := a.opts.CollectBeforeAllocs; c > 0 && n%uint64(c) == 0 {
			a.collector.TriggerMinorCollection("collect-before-alloc-triggered")
		}
	}

	var p memory.Addr
	if size > format.MaxSmallObjSize {
		p = a.allocLarge(t, vt, size)
	} else {
		r := request{t: t, vt: vt, size: size}
		p = a.dispatch(lockedPath, &r)
		if p != memory.Null {
			a.publish(&r, p)
		}
	}
	if p != memory.Null && a.client.HasFinalizer(vt) {
		a.stickLocked(t, p, memory.Null)
	}
	return p
}

// publish writes the header of a nursery object and accounts for it. Objects from the
// major heap already carry their header.
func (a *Allocator) publish(r *request, p memory.Addr) {
	if r.source == fromMajor {
		return
	}
	assertf(object.IsUninitialized(a.space, p), InvHeaderZero,
		"slot %s for %s already has header %d", p, r.vt, object.HeaderOf(a.space, p))
	if a.opts.ClearPolicy == ClearAtTLABCreationDebug {
		assertf(a.space.IsZero(p, r.size), InvHeaderZero, "slot %s for %s is not zeroed", p, r.vt)
	}
	if err := object.Publish(a.space, p, r.vt); err != nil {
		panic(&InvariantError{Invariant: InvHeaderZero, Detail: err.Error()})
	}
	a.account(r.t, r.vt, p, r.size, trace.KindAlloc)
}

func (a *Allocator) account(t *Thread, vt *object.VTable, p memory.Addr, size int, kind trace.Kind) {
	a.stats.objectsAlloced.Add(1)
	a.stats.bytesAlloced.Add(uint64(size))
	ev := trace.Event{
		Kind:       kind,
		Thread:     uint64(t.id),
		Addr:       uint64(p),
		Size:       size,
		Provenance: a.client.Provenance(t),
	}
	if vt != nil {
		ev.VTable = uint64(vt.ID)
	}
	a.rec.Record(ev)
}

// Collect runs a collection of gen.
func (a *Allocator) Collect(gen Generation, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	logger.Info("collection requested", "generation", gen, "reason", reason)
	if gen == GenNursery {
		a.collector.TriggerMinorCollection(reason)
		return
	}
	a.collector.TriggerMajorCollection(reason)
}

func objectSize(size int) int {
	return format.AlignUp(max(size, format.MinObjectSize))
}

type noCollector struct{}

func (noCollector) EnsureFreeSpace(int, Generation)  {}
func (noCollector) DegradedMode() int                { return 0 }
func (noCollector) ReportDegradedAllocation(int)     {}
func (noCollector) IsMajorCollectionNeeded(int) bool { return false }
func (noCollector) TriggerMinorCollection(string)    {}
func (noCollector) TriggerMajorCollection(string)    {}
