package alloc

import "sync/atomic"

type counters struct {
	objectsAlloced   atomic.Uint64
	bytesAlloced     atomic.Uint64
	bytesAllocedLOS  atomic.Uint64
	objectsPinned    atomic.Uint64
	objectsMature    atomic.Uint64
	objectsDegraded  atomic.Uint64
	tlabRefills      atomic.Uint64
	nurseryDirect    atomic.Uint64
	allocFailures    atomic.Uint64
	regionsEntered   atomic.Uint64
	regionsExited    atomic.Uint64
	regionsBailed    atomic.Uint64
	regionsStuck     atomic.Uint64
	regionsForgotten atomic.Uint64
	regionsReset     atomic.Uint64
	regionBytesStuck atomic.Uint64
	regionBytesClear atomic.Uint64
	regionsNonzero   atomic.Uint64
	mergedReturn     atomic.Uint64
	stuckReasons     [numReasons]atomic.Uint64

	// Exit-size summary, guarded by the allocation lock.
	exitMin, exitMax int
	exitSum          float64
}

// observeExit records a reclaiming exit of size bytes. Caller holds the allocation lock.
func (c *counters) observeExit(size int) {
	if size <= 0 {
		return
	}
	n := c.regionsNonzero.Add(1)
	c.regionBytesClear.Add(uint64(size))
	if n == 1 || size < c.exitMin {
		c.exitMin = size
	}
	if size > c.exitMax {
		c.exitMax = size
	}
	c.exitSum += float64(size)
}

// Stats is a snapshot of allocator counters.
type Stats struct {
	ObjectsAlloced  uint64 `json:"objects_alloced"`
	BytesAlloced    uint64 `json:"bytes_alloced"`
	BytesAllocedLOS uint64 `json:"bytes_alloced_los"`
	ObjectsPinned   uint64 `json:"objects_pinned"`
	ObjectsMature   uint64 `json:"objects_mature"`
	ObjectsDegraded uint64 `json:"objects_degraded"`
	TLABRefills     uint64 `json:"tlab_refills"`
	NurseryDirect   uint64 `json:"nursery_direct"`
	AllocFailures   uint64 `json:"alloc_failures"`

	RegionsEntered       uint64 `json:"regions_entered"`
	RegionsExited        uint64 `json:"regions_exited"`
	RegionsNonzeroExited uint64 `json:"regions_nonzero_exited"`
	RegionsBailed        uint64 `json:"regions_bailed"`
	RegionsStuck         uint64 `json:"regions_stuck"`
	RegionsForgotten     uint64 `json:"regions_forgotten"`
	RegionsReset         uint64 `json:"regions_reset"`
	RegionsMerged        uint64 `json:"regions_merged"`
	RegionBytesCleared   uint64 `json:"region_bytes_cleared"`
	RegionBytesStuck     uint64 `json:"region_bytes_stuck"`

	ExitSizeMin  int     `json:"exit_size_min"`
	ExitSizeMax  int     `json:"exit_size_max"`
	ExitSizeMean float64 `json:"exit_size_mean"`

	StuckBy map[string]uint64 `json:"stuck_by"`
}

// Stats returns a snapshot of the allocator's counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	c := &a.stats
	s := Stats{
		ObjectsAlloced:       c.objectsAlloced.Load(),
		BytesAlloced:         c.bytesAlloced.Load(),
		BytesAllocedLOS:      c.bytesAllocedLOS.Load(),
		ObjectsPinned:        c.objectsPinned.Load(),
		ObjectsMature:        c.objectsMature.Load(),
		ObjectsDegraded:      c.objectsDegraded.Load(),
		TLABRefills:          c.tlabRefills.Load(),
		NurseryDirect:        c.nurseryDirect.Load(),
		AllocFailures:        c.allocFailures.Load(),
		RegionsEntered:       c.regionsEntered.Load(),
		RegionsExited:        c.regionsExited.Load(),
		RegionsNonzeroExited: c.regionsNonzero.Load(),
		RegionsBailed:        c.regionsBailed.Load(),
		RegionsStuck:         c.regionsStuck.Load(),
		RegionsForgotten:     c.regionsForgotten.Load(),
		RegionsReset:         c.regionsReset.Load(),
		RegionsMerged:        c.mergedReturn.Load(),
		RegionBytesCleared:   c.regionBytesClear.Load(),
		RegionBytesStuck:     c.regionBytesStuck.Load(),
		ExitSizeMin:          c.exitMin,
		ExitSizeMax:          c.exitMax,
		StuckBy:              make(map[string]uint64, len(StuckReasons())),
	}
	if s.RegionsNonzeroExited > 0 {
		s.ExitSizeMean = c.exitSum / float64(s.RegionsNonzeroExited)
	}
	for _, r := range StuckReasons() {
		s.StuckBy[r.String()] = c.stuckReasons[r].Load()
	}
	return s
}
