// Package gc is a stop-the-world collector stand-in. It does not trace or move objects: a
// nursery collection stops every mutator, discards their TLABs and, when configured, hands
// the whole nursery back as free space. It drives the allocator's degraded mode the way a
// real collector would when a collection fails to make room.
package gc

import (
	"sync"

	"github.com/joshuapare/nurserykit/heap/alloc"
	"github.com/joshuapare/nurserykit/heap/trace"
	"github.com/joshuapare/nurserykit/internal/logger"
)

// Mutators is the part of the allocator a collection needs.
type Mutators interface {
	// StopTheWorld blocks until no mutator is in an allocation fast path.
	StopTheWorld() (restart func())
	// ClearTLABs forgets every thread's TLAB and region stack.
	ClearTLABs()
}

// Nursery is the young generation as seen by the collector.
type Nursery interface {
	CanAlloc(size int) bool
	Reset()
}

// OldGen is the old generation as seen by the collector.
type OldGen interface {
	IsMajorCollectionNeeded(size int) bool
}

// Options configures a Sim.
type Options struct {
	// ReclaimNursery resets the nursery on every collection. Only safe when no mutator
	// keeps nursery addresses across a safepoint.
	ReclaimNursery bool
}

// Stats is a snapshot of collector accounting.
type Stats struct {
	Minor         int    `json:"minor"`
	Major         int    `json:"major"`
	DegradedBytes int    `json:"degraded_bytes"`
	DegradedSpans int    `json:"degraded_spans"`
	LastReason    string `json:"last_reason,omitempty"`
}

// Sim implements alloc.Collector. Every alloc.Collector method runs under the allocator's
// lock; Stats may be called from anywhere.
type Sim struct {
	mutators Mutators
	nursery  Nursery
	old      OldGen
	rec      trace.Recorder
	opts     Options

	mu       sync.Mutex
	degraded int
	stats    Stats
}

var _ alloc.Collector = (*Sim)(nil)

// New creates a collector. rec may be nil.
func New(m Mutators, n Nursery, old OldGen, rec trace.Recorder, opts Options) *Sim {
	if rec == nil {
		rec = trace.Nop{}
	}
	return &Sim{mutators: m, nursery: n, old: old, rec: rec, opts: opts}
}

// EnsureFreeSpace collects gen when size bytes cannot be allocated there. A nursery that
// is still too full afterwards puts the allocator in degraded mode.
func (s *Sim) EnsureFreeSpace(size int, gen alloc.Generation) {
	if gen == alloc.GenOld {
		if s.old.IsMajorCollectionNeeded(size) {
			s.TriggerMajorCollection("old generation full")
		}
		return
	}
	if s.nursery.CanAlloc(size) {
		return
	}
	s.TriggerMinorCollection("nursery full")
	if s.nursery.CanAlloc(size) {
		return
	}

	s.mu.Lock()
	entered := s.degraded == 0
	if entered {
		s.degraded = 1
		s.stats.DegradedSpans++
	}
	s.mu.Unlock()
	if entered {
		logger.Warn("entering degraded mode", "size", size)
	}
}

// DegradedMode returns 0, or one more than the bytes allocated since degraded mode began.
func (s *Sim) DegradedMode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// ReportDegradedAllocation counts size bytes against the degraded window.
func (s *Sim) ReportDegradedAllocation(size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.degraded > 0 {
		s.degraded += size
	}
	s.stats.DegradedBytes += size
}

// IsMajorCollectionNeeded asks the old generation.
func (s *Sim) IsMajorCollectionNeeded(size int) bool {
	return s.old.IsMajorCollectionNeeded(size)
}

// TriggerMinorCollection collects the nursery and leaves degraded mode.
func (s *Sim) TriggerMinorCollection(reason string) {
	restart := s.mutators.StopTheWorld()
	s.mutators.ClearTLABs()
	if s.opts.ReclaimNursery {
		s.nursery.Reset()
	}
	restart()

	s.mu.Lock()
	s.degraded = 0
	s.stats.Minor++
	s.stats.LastReason = reason
	s.mu.Unlock()

	s.rec.Record(trace.Event{Kind: trace.KindCollection, Size: int(alloc.GenNursery), Reason: reason})
	logger.Debug("minor collection", "reason", reason, "reclaimed", s.opts.ReclaimNursery)
}

// TriggerMajorCollection stops the world and discards TLABs. The old generation is never
// compacted, so nothing is freed there.
func (s *Sim) TriggerMajorCollection(reason string) {
	restart := s.mutators.StopTheWorld()
	s.mutators.ClearTLABs()
	restart()

	s.mu.Lock()
	s.stats.Major++
	s.stats.LastReason = reason
	s.mu.Unlock()

	s.rec.Record(trace.Event{Kind: trace.KindCollection, Size: int(alloc.GenOld), Reason: reason})
	logger.Info("major collection", "reason", reason)
}

// Stats returns current accounting.
func (s *Sim) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
