// Package report renders heap statistics for people: grouped digits, one counter per line,
// sections in the order the allocator's tiers run.
package report

import (
	"io"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/nurserykit/heap"
	"github.com/joshuapare/nurserykit/heap/alloc"
)

// Write prints st to w using the number formatting of tag.
func Write(w io.Writer, st heap.Stats, tag language.Tag) error {
	r := &writer{p: message.NewPrinter(tag), w: w}

	r.section("Allocation")
	r.count("objects", st.Alloc.ObjectsAlloced)
	r.count("bytes", st.Alloc.BytesAlloced)
	r.count("tlab refills", st.Alloc.TLABRefills)
	r.count("nursery direct", st.Alloc.NurseryDirect)
	r.count("large object bytes", st.Alloc.BytesAllocedLOS)
	r.count("pinned objects", st.Alloc.ObjectsPinned)
	r.count("mature objects", st.Alloc.ObjectsMature)
	r.count("degraded objects", st.Alloc.ObjectsDegraded)
	r.count("failures", st.Alloc.AllocFailures)

	r.section("Regions")
	r.count("entered", st.Alloc.RegionsEntered)
	r.count("exited", st.Alloc.RegionsExited)
	r.count("exited non-empty", st.Alloc.RegionsNonzeroExited)
	r.count("merged on return", st.Alloc.RegionsMerged)
	r.count("bailed", st.Alloc.RegionsBailed)
	r.count("reset", st.Alloc.RegionsReset)
	r.count("stuck", st.Alloc.RegionsStuck)
	r.count("forgotten", st.Alloc.RegionsForgotten)
	r.count("bytes cleared", st.Alloc.RegionBytesCleared)
	r.count("bytes stuck", st.Alloc.RegionBytesStuck)
	if st.Alloc.RegionsNonzeroExited > 0 {
		r.line("exit size min/mean/max", "%d / %.1f / %d",
			st.Alloc.ExitSizeMin, st.Alloc.ExitSizeMean, st.Alloc.ExitSizeMax)
	}
	for _, reason := range alloc.StuckReasons() {
		r.count("stuck "+reason.String(), st.Alloc.StuckBy[reason.String()])
	}

	r.section("Nursery")
	r.count("capacity", uint64(st.Nursery.Capacity))
	r.count("free", uint64(st.Nursery.FreeBytes))
	r.count("carved", uint64(st.Nursery.CarvedBytes))
	r.count("retired", uint64(st.Nursery.RetiredBytes))
	r.count("fragments", uint64(st.Nursery.Fragments))
	r.count("resets", uint64(st.Nursery.Resets))

	r.section("Major heap")
	r.count("capacity", uint64(st.Major.Capacity))
	r.count("used", uint64(st.Major.Used))
	r.count("degraded bytes", uint64(st.Major.DegradedBytes))
	r.count("pinned bytes", uint64(st.Major.PinnedBytes))
	r.count("large object bytes", uint64(st.LOSUsed))

	r.section("Collector")
	r.count("minor", uint64(st.GC.Minor))
	r.count("major", uint64(st.GC.Major))
	r.count("degraded spans", uint64(st.GC.DegradedSpans))
	if st.GC.LastReason != "" {
		r.line("last reason", "%s", st.GC.LastReason)
	}
	if st.Events > 0 {
		r.section("Trace")
		r.count("events", uint64(st.Events))
	}
	return r.err
}

type writer struct {
	p   *message.Printer
	w   io.Writer
	err error
}

func (r *writer) section(name string) {
	if r.err != nil {
		return
	}
	_, r.err = r.p.Fprintf(r.w, "%s\n", name)
}

func (r *writer) count(label string, v uint64) {
	r.line(label, "%d", v)
}

func (r *writer) line(label, format string, args ...any) {
	if r.err != nil {
		return
	}
	if _, r.err = r.p.Fprintf(r.w, "  %-34s ", label); r.err != nil {
		return
	}
	_, r.err = r.p.Fprintf(r.w, format+"\n", args...)
}
