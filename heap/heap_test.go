package heap

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/nurserykit/config"
	"github.com/joshuapare/nurserykit/heap/memory"
	"github.com/joshuapare/nurserykit/heap/object"
	"github.com/joshuapare/nurserykit/heap/trace"
)

func testConfig() config.Config {
	c := config.Default
	c.NurserySize = 256 << 10
	c.MajorSize = 1 << 20
	c.LOSSize = 256 << 10
	c.StackSize = 4096
	c.MaxThreads = 2
	return c
}

func TestOpen_WiresSegments(t *testing.T) {
	h, err := Open(afero.NewMemMapFs(), testConfig())
	require.NoError(t, err)
	defer h.Close()

	segs := h.Space.Segments()
	require.Len(t, segs, 5)
	assert.Equal(t, memory.KindNursery, segs[0].Kind)
	assert.Equal(t, memory.KindMajor, segs[1].Kind)
	assert.Equal(t, memory.KindLOS, segs[2].Kind)
	assert.Equal(t, memory.KindStack, segs[3].Kind)
	assert.Equal(t, 256<<10, h.Nursery.Segment().Size())
}

func TestOpen_RejectsInvalidConfig(t *testing.T) {
	c := testConfig()
	c.NurserySize = -1
	_, err := Open(afero.NewMemMapFs(), c)
	assert.ErrorContains(t, err, "nursery_size")
}

func TestHeap_ThreadsGetDistinctStacks(t *testing.T) {
	h, err := Open(afero.NewMemMapFs(), testConfig())
	require.NoError(t, err)
	defer h.Close()

	t1, err := h.NewThread()
	require.NoError(t, err)
	t2, err := h.NewThread()
	require.NoError(t, err)
	assert.NotEqual(t, t1.Stack(), t2.Stack())
	assert.NotEqual(t, t1.ID(), t2.ID())

	_, err = h.NewThread()
	assert.ErrorIs(t, err, ErrTooManyThreads)

	h.ReleaseThread(t1)
	t3, err := h.NewThread()
	require.NoError(t, err)
	assert.Equal(t, t1.Stack(), t3.Stack(), "released stack is reused")
}

func TestHeap_AllocateReclaimAndTrace(t *testing.T) {
	fsys := afero.NewMemMapFs()
	c := testConfig()
	c.TracePath = "run.trace"
	c.RegionEvents = true
	h, err := Open(fsys, c)
	require.NoError(t, err)

	vt := h.Types.Define("Test", "Node", 32, true, false)
	th, err := h.NewThread()
	require.NoError(t, err)

	keep, err := h.Alloc.Alloc(th, vt, vt.InstanceSize)
	require.NoError(t, err)
	h.Alloc.RegionEnter(th)
	for i := 0; i < 10; i++ {
		_, err := h.Alloc.Alloc(th, vt, vt.InstanceSize)
		require.NoError(t, err)
	}
	h.Alloc.RegionExit(th, memory.Null)
	assert.Equal(t, vt.ID, object.HeaderOf(h.Space, keep))

	st := h.Stats()
	assert.EqualValues(t, 11, st.Alloc.ObjectsAlloced)
	assert.EqualValues(t, 320, st.Alloc.RegionBytesCleared)
	assert.Equal(t, 13, st.Events)
	require.NoError(t, h.Close())
	require.NoError(t, h.Close(), "close is idempotent")

	f, err := fsys.Open("run.trace")
	require.NoError(t, err)
	defer f.Close()
	events, err := trace.ReadAll(f)
	require.NoError(t, err)
	require.Len(t, events, 13)
	assert.Equal(t, trace.KindAlloc, events[0].Kind)
	assert.Equal(t, trace.KindRegionEnter, events[1].Kind)
	assert.Equal(t, trace.KindRegionExit, events[12].Kind)
	assert.Equal(t, 320, events[12].Size)
}

func TestHeap_CollectionUnderPressure(t *testing.T) {
	c := testConfig()
	c.ReclaimNursery = true
	h, err := Open(afero.NewMemMapFs(), c)
	require.NoError(t, err)
	defer h.Close()

	vt := h.Types.Define("Test", "Blob", 1024, false, false)
	th, err := h.NewThread()
	require.NoError(t, err)
	for i := 0; i < 1024; i++ {
		_, err := h.Alloc.Alloc(th, vt, vt.InstanceSize)
		require.NoError(t, err)
	}
	st := h.Stats()
	assert.Positive(t, st.GC.Minor)
	assert.Positive(t, st.Nursery.Resets)
	assert.Zero(t, st.Alloc.ObjectsDegraded)
}
