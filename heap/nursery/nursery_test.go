package nursery

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/nurserykit/heap/memory"
	"github.com/joshuapare/nurserykit/heap/object"
	"github.com/joshuapare/nurserykit/internal/format"
)

func newTestNursery(t testing.TB, size int, opts Options) (*Nursery, *memory.Space) {
	t.Helper()
	space, err := memory.New(size)
	require.NoError(t, err)
	t.Cleanup(func() { _ = space.Close() })
	seg, err := space.Carve(memory.KindNursery, size)
	require.NoError(t, err)
	return New(space, seg, opts), space
}

func TestNursery_AllocFirstFit(t *testing.T) {
	n, _ := newTestNursery(t, 64*1024, Options{})

	a := n.Alloc(128)
	b := n.Alloc(256)
	require.NotEqual(t, memory.Null, a)
	require.NotEqual(t, memory.Null, b)
	assert.Equal(t, n.Segment().Start, a)
	assert.Equal(t, a.Add(128), b)

	st := n.Stats()
	assert.Equal(t, 384, st.CarvedBytes)
	assert.Equal(t, 64*1024-384, st.FreeBytes)
	assert.Equal(t, memory.Null, n.Alloc(0))
}

func TestNursery_AllocExhausted(t *testing.T) {
	n, _ := newTestNursery(t, 4096, Options{})

	require.NotEqual(t, memory.Null, n.Alloc(4096))
	assert.Equal(t, memory.Null, n.Alloc(8))
	assert.False(t, n.CanAlloc(8))
	assert.Empty(t, n.Fragments())
}

func TestNursery_AllocRange(t *testing.T) {
	n, _ := newTestNursery(t, 16*1024, Options{})

	p, size := n.AllocRange(4096, 64)
	require.NotEqual(t, memory.Null, p)
	assert.Equal(t, 4096, size)

	// Leave 1000 bytes in the only fragment.
	require.NotEqual(t, memory.Null, n.Alloc(16*1024-4096-1000))

	p, size = n.AllocRange(4096, 64)
	require.NotEqual(t, memory.Null, p)
	assert.Equal(t, 1000, size, "falls back to the remainder when it holds the minimum")

	p, size = n.AllocRange(4096, 64)
	assert.Equal(t, memory.Null, p)
	assert.Zero(t, size)

	p, _ = n.AllocRange(10, 64)
	assert.Equal(t, memory.Null, p, "desired below minimum is rejected")
}

func TestNursery_AllocRangePrefersLargestPartial(t *testing.T) {
	n, _ := newTestNursery(t, 16*1024, Options{})
	require.NotEqual(t, memory.Null, n.Alloc(16*1024))

	start := n.Segment().Start
	n.AddFragment(start, start.Add(512))
	n.AddFragment(start.Add(4096), start.Add(4096+2048))

	p, size := n.AllocRange(4096, 256)
	assert.Equal(t, start.Add(4096), p)
	assert.Equal(t, 2048, size)
	assert.Len(t, n.Fragments(), 1)
}

func TestNursery_RetireFragmentWritesFiller(t *testing.T) {
	n, space := newTestNursery(t, 8192, Options{})

	p, size := n.AllocRange(4096, 64)
	require.Equal(t, 4096, size)

	n.RetireFragment(p.Add(1024), 3072)
	assert.Equal(t, object.FillerID, object.HeaderOf(space, p.Add(1024)))
	assert.Equal(t, 3072, object.FillerSize(space, p.Add(1024)))
	assert.Equal(t, 3072, n.Stats().RetiredBytes)

	n.RetireFragment(memory.Null, 100)
	assert.Equal(t, 3072, n.Stats().RetiredBytes)
}

func TestNursery_ScanStarts(t *testing.T) {
	n, _ := newTestNursery(t, 4*format.ScanStartSize, Options{})
	start := n.Segment().Start

	n.SetScanStart(start.Add(64))
	n.SetScanStart(start.Add(32))
	n.SetScanStart(start.Add(format.ScanStartSize + 16))

	assert.Equal(t, start.Add(32), n.ScanStart(start.Add(40)), "lowest start in the chunk wins")
	assert.Equal(t, start.Add(format.ScanStartSize+16), n.ScanStart(start.Add(format.ScanStartSize+500)))
	assert.Equal(t, start.Add(32), n.ScanStart(start.Add(format.ScanStartSize+8)),
		"address below the chunk's start falls back to an earlier chunk")
	assert.Equal(t, start.Add(format.ScanStartSize+16), n.ScanStart(start.Add(3*format.ScanStartSize)))
	assert.Equal(t, memory.Null, n.ScanStart(start.Add(8)))
	assert.Equal(t, memory.Null, n.ScanStart(memory.Null))
}

func TestNursery_ResetZeroes(t *testing.T) {
	n, space := newTestNursery(t, 8192, Options{ZeroOnReset: true})

	p := n.Alloc(64)
	require.NoError(t, space.SetWord(p, 0xfeed))
	n.SetScanStart(p)

	n.Reset()

	assert.True(t, space.IsZero(p, 64))
	assert.Equal(t, memory.Null, n.ScanStart(p))
	st := n.Stats()
	assert.Equal(t, 8192, st.FreeBytes)
	assert.Equal(t, 1, st.Fragments)
	assert.Equal(t, 1, st.Resets)
	assert.Zero(t, st.CarvedBytes)
}

func TestNursery_ResetKeepsContentsWithoutZeroing(t *testing.T) {
	n, space := newTestNursery(t, 8192, Options{})

	p := n.Alloc(64)
	require.NoError(t, space.SetWord(p, 0xfeed))
	n.Reset()
	assert.Equal(t, uint64(0xfeed), space.Word(p))
}

func TestNursery_ConcurrentAllocNeverOverlaps(t *testing.T) {
	n, _ := newTestNursery(t, 256*1024, Options{})

	const workers, per = 8, 64
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got = make(map[memory.Addr]bool)
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < per; k++ {
				p := n.Alloc(256)
				if p == memory.Null {
					continue
				}
				mu.Lock()
				got[p] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, got, workers*per, "every carve is a distinct slot")
}
