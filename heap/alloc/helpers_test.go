package alloc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/nurserykit/heap/major"
	"github.com/joshuapare/nurserykit/heap/memory"
	"github.com/joshuapare/nurserykit/heap/nursery"
	"github.com/joshuapare/nurserykit/heap/object"
	"github.com/joshuapare/nurserykit/heap/trace"
)

const (
	testMajorSize = 1 << 20
	testLOSSize   = 64 * 1024
	testStackSize = 4096
)

// fakeCollector stops the world and clears TLABs like a real collection. With reclaim it
// also resets the nursery.
type fakeCollector struct {
	a           *Allocator
	nursery     *nursery.Nursery
	reclaim     bool
	majorNeeded bool

	degraded int
	minor    int
	major    int
	ensured  []Generation
	reasons  []string
}

func (c *fakeCollector) EnsureFreeSpace(size int, gen Generation) {
	c.ensured = append(c.ensured, gen)
	if gen == GenOld {
		if c.majorNeeded {
			c.TriggerMajorCollection("ensure free space")
		}
		return
	}
	if c.nursery.CanAlloc(size) {
		return
	}
	c.TriggerMinorCollection("nursery full")
	if !c.nursery.CanAlloc(size) && c.degraded == 0 {
		c.degraded = 1
	}
}

func (c *fakeCollector) DegradedMode() int { return c.degraded }

func (c *fakeCollector) ReportDegradedAllocation(size int) {
	if c.degraded > 0 {
		c.degraded += size
	}
}

func (c *fakeCollector) IsMajorCollectionNeeded(int) bool { return c.majorNeeded }

func (c *fakeCollector) TriggerMinorCollection(reason string) {
	restart := c.a.StopTheWorld()
	c.a.ClearTLABs()
	if c.reclaim {
		c.nursery.Reset()
	}
	restart()
	c.minor++
	c.degraded = 0
	c.reasons = append(c.reasons, reason)
}

func (c *fakeCollector) TriggerMajorCollection(reason string) {
	c.major++
	c.reasons = append(c.reasons, reason)
}

type fixture struct {
	space   *memory.Space
	nursery *nursery.Nursery
	major   *major.Heap
	los     *major.LOS
	gc      *fakeCollector
	rec     *trace.Buffer
	a       *Allocator
	stack   memory.Segment

	node *object.VTable // 32 bytes, one reference field
	fin  *object.VTable // has a finalizer
}

func newFixture(t testing.TB, nurserySize int, opts Options) *fixture {
	t.Helper()
	space, err := memory.New(nurserySize + testMajorSize + testLOSSize + testStackSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = space.Close() })

	nseg, err := space.Carve(memory.KindNursery, nurserySize)
	require.NoError(t, err)
	mseg, err := space.Carve(memory.KindMajor, testMajorSize)
	require.NoError(t, err)
	lseg, err := space.Carve(memory.KindLOS, testLOSSize)
	require.NoError(t, err)
	sseg, err := space.Carve(memory.KindStack, testStackSize)
	require.NoError(t, err)

	f := &fixture{
		space:   space,
		nursery: nursery.New(space, nseg, nursery.Options{ZeroOnReset: opts.ClearPolicy == ClearAtGC}),
		major:   major.New(space, mseg, major.DefaultBlockSize),
		los:     major.NewLOS(space, lseg),
		rec:     &trace.Buffer{},
		stack:   sseg,
	}
	f.gc = &fakeCollector{nursery: f.nursery}

	f.a, err = New(space, Deps{
		Nursery:   f.nursery,
		Major:     f.major,
		LOS:       f.los,
		Collector: f.gc,
		Recorder:  f.rec,
	}, opts)
	require.NoError(t, err)
	f.gc.a = f.a

	reg := object.NewRegistry()
	f.node = reg.Define("Test", "Node", 32, true, false)
	f.fin = reg.Define("Test", "Finalized", 32, false, true)
	return f
}

func (f *fixture) thread(t testing.TB) *Thread {
	t.Helper()
	return f.a.AttachThread(1, f.stack)
}

func (f *fixture) mustAlloc(t testing.TB, th *Thread, vt *object.VTable, size int) memory.Addr {
	t.Helper()
	p, err := f.a.Alloc(th, vt, size)
	require.NoError(t, err)
	require.NotEqual(t, memory.Null, p)
	return p
}

// requireInvariantPanic runs fn and checks it panics with the named invariant.
func requireInvariantPanic(t *testing.T, invariant string, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		require.NotNil(t, r, "expected a panic")
		err, ok := r.(error)
		require.True(t, ok, "panic value %v is not an error", r)
		var ie *InvariantError
		require.True(t, errors.As(err, &ie), "panic %v is not an InvariantError", err)
		require.Equal(t, invariant, ie.Invariant)
	}()
	fn()
}
