// Package heap assembles a complete simulated heap from a config.Config: the address space,
// nursery, major heap, large-object space, collector and allocator, plus the optional event
// trace.
//
//	h, err := heap.Open(afero.NewOsFs(), cfg)
//	if err != nil { ... }
//	defer h.Close()
//
//	t, err := h.NewThread()
//	obj, err := h.Alloc.Alloc(t, vt, vt.InstanceSize)
package heap

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	"github.com/joshuapare/nurserykit/config"
	"github.com/joshuapare/nurserykit/heap/alloc"
	"github.com/joshuapare/nurserykit/heap/gc"
	"github.com/joshuapare/nurserykit/heap/major"
	"github.com/joshuapare/nurserykit/heap/memory"
	"github.com/joshuapare/nurserykit/heap/nursery"
	"github.com/joshuapare/nurserykit/heap/object"
	"github.com/joshuapare/nurserykit/heap/trace"
	"github.com/joshuapare/nurserykit/internal/format"
	"github.com/joshuapare/nurserykit/internal/logger"
)

// ErrTooManyThreads is returned by NewThread once every stack slot is in use.
var ErrTooManyThreads = errors.New("heap: no free thread stack")

// Heap is a wired simulated heap.
type Heap struct {
	Space   *memory.Space
	Nursery *nursery.Nursery
	Major   *major.Heap
	LOS     *major.LOS
	GC      *gc.Sim
	Alloc   *alloc.Allocator
	Types   *object.Registry

	cfg    config.Config
	tracer *trace.Writer

	mu       sync.Mutex
	stacks   []memory.Segment
	stackUse []bool
	nextID   alloc.ThreadID
	closed   bool
}

// Stats combines the accounting of every component.
type Stats struct {
	Alloc   alloc.Stats   `json:"alloc"`
	GC      gc.Stats      `json:"gc"`
	Nursery nursery.Stats `json:"nursery"`
	Major   major.Stats   `json:"major"`
	LOSUsed int           `json:"los_used"`
	Events  int           `json:"events"`
}

// Open validates cfg and builds a heap. The trace file, if configured, is created on fsys.
func Open(fsys afero.Fs, cfg config.Config) (*Heap, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("heap: invalid config: %w", err)
	}
	opts, err := cfg.AllocOptions()
	if err != nil {
		return nil, err
	}

	size := format.AlignPage(cfg.NurserySize) + format.AlignPage(cfg.MajorSize) +
		format.AlignPage(cfg.LOSSize) + format.AlignPage(cfg.StackSize)*cfg.MaxThreads
	space, err := memory.New(size)
	if err != nil {
		return nil, fmt.Errorf("heap: %w", err)
	}
	h := &Heap{Space: space, cfg: cfg, Types: object.NewRegistry()}
	if err := h.build(fsys, opts); err != nil {
		_ = space.Close()
		return nil, err
	}
	logger.Info("heap opened",
		"nursery", cfg.NurserySize, "tlab", opts.TLABSize, "major", cfg.MajorSize,
		"los", cfg.LOSSize, "threads", cfg.MaxThreads, "clear_policy", opts.ClearPolicy)
	return h, nil
}

func (h *Heap) build(fsys afero.Fs, opts alloc.Options) error {
	cfg := h.cfg
	nseg, err := h.Space.Carve(memory.KindNursery, cfg.NurserySize)
	if err != nil {
		return err
	}
	mseg, err := h.Space.Carve(memory.KindMajor, cfg.MajorSize)
	if err != nil {
		return err
	}
	lseg, err := h.Space.Carve(memory.KindLOS, cfg.LOSSize)
	if err != nil {
		return err
	}
	h.stacks = make([]memory.Segment, cfg.MaxThreads)
	for i := range h.stacks {
		if h.stacks[i], err = h.Space.Carve(memory.KindStack, cfg.StackSize); err != nil {
			return err
		}
	}
	h.stackUse = make([]bool, cfg.MaxThreads)

	var rec trace.Recorder = trace.Nop{}
	if cfg.TracePath != "" {
		f, err := fsys.Create(cfg.TracePath)
		if err != nil {
			return fmt.Errorf("heap: create trace: %w", err)
		}
		h.tracer = trace.NewWriter(f)
		rec = h.tracer
	}

	h.Nursery = nursery.New(h.Space, nseg, nursery.Options{ZeroOnReset: !opts.ClearPolicy.ZeroesTLABs()})
	h.Major = major.New(h.Space, mseg, cfg.MajorBlockSize)
	h.LOS = major.NewLOS(h.Space, lseg)

	h.Alloc, err = alloc.New(h.Space, alloc.Deps{
		Nursery:  h.Nursery,
		Major:    h.Major,
		LOS:      h.LOS,
		Recorder: rec,
	}, opts)
	if err != nil {
		if h.tracer != nil {
			_ = h.tracer.Close()
		}
		return err
	}
	h.GC = gc.New(h.Alloc, h.Nursery, h.Major, rec, gc.Options{ReclaimNursery: cfg.ReclaimNursery})
	h.Alloc.SetCollector(h.GC)
	return nil
}

// Config returns the configuration the heap was opened with.
func (h *Heap) Config() config.Config { return h.cfg }

// NewThread attaches a mutator thread with its own stack segment.
func (h *Heap) NewThread() (*alloc.Thread, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, used := range h.stackUse {
		if used {
			continue
		}
		h.stackUse[i] = true
		h.nextID++
		return h.Alloc.AttachThread(h.nextID, h.stacks[i]), nil
	}
	return nil, ErrTooManyThreads
}

// ReleaseThread detaches t and frees its stack slot.
func (h *Heap) ReleaseThread(t *alloc.Thread) {
	h.Alloc.DetachThread(t)
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, seg := range h.stacks {
		if seg == t.Stack() {
			h.stackUse[i] = false
		}
	}
}

// Stats returns a snapshot of every component's accounting.
func (h *Heap) Stats() Stats {
	s := Stats{
		Alloc:   h.Alloc.Stats(),
		GC:      h.GC.Stats(),
		Nursery: h.Nursery.Stats(),
		Major:   h.Major.Stats(),
		LOSUsed: h.LOS.Used(),
	}
	if h.tracer != nil {
		s.Events = h.tracer.Count()
	}
	return s
}

// Close flushes the trace and unmaps the space. No thread may use the heap afterwards.
func (h *Heap) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	var errs *multierror.Error
	if h.tracer != nil {
		if err := h.tracer.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close trace: %w", err))
		}
	}
	if err := h.Space.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("unmap space: %w", err))
	}
	return errs.ErrorOrNil()
}
