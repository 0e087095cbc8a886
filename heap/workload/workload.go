// Package workload drives a heap with the allocation pattern regions were designed for:
// a loop that builds a short-lived binary tree on every iteration.
package workload

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/joshuapare/nurserykit/heap"
	"github.com/joshuapare/nurserykit/heap/alloc"
	"github.com/joshuapare/nurserykit/heap/memory"
	"github.com/joshuapare/nurserykit/heap/object"
	"github.com/joshuapare/nurserykit/internal/logger"
)

// Node layout: header, left, right.
const (
	nodeSize  = 3 * 8
	leftSlot  = 0
	rightSlot = 1
)

// Params describes a run.
type Params struct {
	Threads    int `json:"threads"`
	Iterations int `json:"iterations"`
	// Depth of the tree built per iteration; it holds 2^Depth - 1 nodes.
	Depth int `json:"depth"`

	// Regions wraps every iteration in RegionEnter/RegionExit. Without it the run is the
	// baseline the collector has to clean up after.
	Regions bool `json:"regions"`
	// Return builds each tree in a nested region that returns the root, so the inner
	// exit merges instead of reclaiming.
	Return bool `json:"return"`
	// EscapeEvery publishes the tree into an old-generation holder every N iterations.
	EscapeEvery int `json:"escape_every"`
}

// Validate checks the parameters describe a runnable workload.
func (p Params) Validate() error {
	var errs *multierror.Error
	if p.Threads <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("threads must be positive, got %d", p.Threads))
	}
	if p.Iterations < 0 {
		errs = multierror.Append(errs, fmt.Errorf("iterations must not be negative, got %d", p.Iterations))
	}
	if p.Depth < 1 || p.Depth > 20 {
		errs = multierror.Append(errs, fmt.Errorf("depth must be in [1, 20], got %d", p.Depth))
	}
	if p.EscapeEvery < 0 {
		errs = multierror.Append(errs, fmt.Errorf("escape_every must not be negative, got %d", p.EscapeEvery))
	}
	return errs.ErrorOrNil()
}

// NodesPerTree returns the number of objects allocated per iteration.
func (p Params) NodesPerTree() int { return 1<<p.Depth - 1 }

// Result summarises a run.
type Result struct {
	Objects  int64         `json:"objects"`
	Trees    int64         `json:"trees"`
	Escaped  int64         `json:"escaped"`
	Duration time.Duration `json:"duration"`
}

// Run executes the workload on h, one goroutine per thread. It stops at the first error or when ctx
// is cancelled.
func Run(ctx context.Context, h *heap.Heap, params Params) (Result, error) {
	if err := params.Validate(); err != nil {
		return Result{}, fmt.Errorf("workload: %w", err)
	}
	nodeVT := h.Types.Define("Workload", "Node", nodeSize, true, false)
	holderVT := h.Types.Define("Workload", "Holder", nodeSize, true, false)

	var objects, trees, escaped atomic.Int64
	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < params.Threads; i++ {
		th, err := h.NewThread()
		if err != nil {
			_ = g.Wait()
			return Result{}, err
		}
		w := &worker{
			a:       h.Alloc,
			t:       th,
			params:  params,
			node:    nodeVT,
			holder:  holderVT,
			objects: &objects,
		}
		g.Go(func() error {
			defer h.ReleaseThread(th)
			n, e, err := w.run(ctx)
			trees.Add(int64(n))
			escaped.Add(int64(e))
			return err
		})
	}
	err := g.Wait()
	res := Result{
		Objects:  objects.Load(),
		Trees:    trees.Load(),
		Escaped:  escaped.Load(),
		Duration: time.Since(start),
	}
	logger.Info("workload finished",
		"threads", params.Threads, "trees", res.Trees, "objects", res.Objects,
		"escaped", res.Escaped, "duration", res.Duration)
	return res, err
}

type worker struct {
	a      *alloc.Allocator
	t      *alloc.Thread
	params Params
	node   *object.VTable
	holder *object.VTable

	objects *atomic.Int64
}

func (w *worker) run(ctx context.Context) (trees, escaped int, err error) {
	var holder memory.Addr
	if w.params.EscapeEvery > 0 {
		if holder, err = w.a.AllocMature(w.t, w.holder, nodeSize); err != nil {
			return 0, 0, err
		}
	}

	for i := 0; i < w.params.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return trees, escaped, err
		}
		w.t.SetProvenance(uint64(i))
		if w.params.Regions {
			w.a.RegionEnter(w.t)
		}

		var root memory.Addr
		if w.params.Return {
			root, err = w.buildInRegion()
		} else {
			root, err = w.build(w.params.Depth)
		}
		if err != nil {
			if w.params.Regions {
				w.a.RegionBail(w.t)
				w.a.RegionExit(w.t, memory.Null)
			}
			return trees, escaped, err
		}
		trees++

		if w.params.EscapeEvery > 0 && (i+1)%w.params.EscapeEvery == 0 {
			if err := w.a.StoreRef(w.t, object.Field(holder, leftSlot), root); err != nil {
				return trees, escaped, err
			}
			escaped++
		}
		if w.params.Regions {
			w.a.RegionExit(w.t, memory.Null)
		}
	}
	return trees, escaped, nil
}

// buildInRegion builds a tree inside its own region and returns the root out of it.
func (w *worker) buildInRegion() (memory.Addr, error) {
	w.a.RegionEnter(w.t)
	root, err := w.build(w.params.Depth)
	if err != nil {
		w.a.RegionBail(w.t)
		w.a.RegionExit(w.t, memory.Null)
		return memory.Null, err
	}
	w.a.RegionExit(w.t, root)
	return root, nil
}

// build allocates children before their parent, the order a constructor call sees them.
func (w *worker) build(depth int) (memory.Addr, error) {
	if depth == 0 {
		return memory.Null, nil
	}
	left, err := w.build(depth - 1)
	if err != nil {
		return memory.Null, err
	}
	right, err := w.build(depth - 1)
	if err != nil {
		return memory.Null, err
	}
	n, err := w.a.Alloc(w.t, w.node, nodeSize)
	if err != nil {
		return memory.Null, err
	}
	w.objects.Add(1)
	if left != memory.Null {
		if err := w.a.StoreRef(w.t, object.Field(n, leftSlot), left); err != nil {
			return memory.Null, err
		}
	}
	if right != memory.Null {
		if err := w.a.StoreRef(w.t, object.Field(n, rightSlot), right); err != nil {
			return memory.Null, err
		}
	}
	return n, nil
}
