package alloc

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/joshuapare/nurserykit/heap/memory"
	"github.com/joshuapare/nurserykit/internal/logger"
)

// Verify checks the thread's TLAB and region state and reports every violation found.
// It takes the allocation lock, so it must not run concurrently with the thread's own
// fast path.
func (a *Allocator) Verify(t *Thread) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.verifyLocked(t)
}

// verifyBeforeAlloc is the VerifyBeforeAllocs hook. Caller holds the allocation lock.
func (a *Allocator) verifyBeforeAlloc(t *Thread) {
	err := a.verifyLocked(t)
	if err == nil {
		return
	}
	var inv *InvariantError
	if !errors.As(err, &inv) {
		inv = &InvariantError{Invariant: InvTLABOrder, Detail: err.Error()}
	}
	logger.Error("verify before alloc failed", "thread", t.id, "error", err)
	panic(inv)
}

func (a *Allocator) verifyLocked(t *Thread) error {
	var errs *multierror.Error
	fail := func(inv, format string, args ...any) {
		errs = multierror.Append(errs, &InvariantError{Invariant: inv, Detail: fmt.Sprintf(format, args...)})
	}

	b := &t.tlab
	if b.Active() && !b.ordered() {
		fail(InvTLABOrder, "start=%s next=%s temp_end=%s real_end=%s", b.Start, b.Next, b.TempEnd, b.RealEnd)
	}
	if !b.Active() && !t.regions.empty() {
		fail(InvCheckpointTLAB, "%d checkpoints without a TLAB", t.regions.len())
	}

	prev := checkpoint{}
	for i, c := range t.regions.entries {
		if c.addr < b.Start || c.addr > b.Next {
			fail(InvCheckpointTLAB, "checkpoint %d at %s outside [%s, %s]", i, c.addr, b.Start, b.Next)
		}
		if i > 0 && (c.addr < prev.addr || c.depth <= prev.depth) {
			fail(InvRegionMismatch, "checkpoint %d (%s@%d) not above %s@%d", i, c.addr, c.depth, prev.addr, prev.depth)
		}
		if c.depth > t.depth {
			fail(InvRegionMismatch, "checkpoint %d depth %d above nesting %d", i, c.depth, t.depth)
		}
		prev = c
	}

	if t.stuck != memory.Null {
		if t.regions.empty() {
			fail(InvStuckCleared, "stuck %s with an empty region stack", t.stuck)
		}
		if t.stuck < b.Start || t.stuck > b.RealEnd {
			fail(InvStuckInTLAB, "stuck %s outside [%s, %s]", t.stuck, b.Start, b.RealEnd)
		}
	}
	return errs.ErrorOrNil()
}
