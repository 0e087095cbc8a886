package alloc

import (
	"errors"
	"fmt"

	"github.com/joshuapare/nurserykit/internal/logger"
)

var (
	// ErrOutOfMemory indicates every allocation tier failed, including the degraded heap.
	ErrOutOfMemory = errors.New("alloc: out of memory")

	// ErrSizeOverflow indicates the requested size cannot be aligned.
	ErrSizeOverflow = errors.New("alloc: size overflows alignment")

	// ErrThreadDetached indicates use of a thread after DetachThread.
	ErrThreadDetached = errors.New("alloc: thread is detached")
)

// InvariantError describes a broken allocator invariant. It is raised with panic.
type InvariantError struct {
	Invariant string
	Detail    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("alloc: invariant %q violated: %s", e.Invariant, e.Detail)
}

// Invariant names.
const (
	InvRegionUnderflow = "region-underflow"
	InvRegionMismatch  = "region-mismatch"
	InvCheckpointTLAB  = "checkpoint-in-tlab"
	InvStuckCleared    = "stuck-cleared-with-stack"
	InvStuckInTLAB     = "stuck-in-tlab"
	InvStuckReachable  = "stuck-not-reachable"
	InvTLABOrder       = "tlab-order"
	InvHeaderZero      = "header-zero"
)

func assertf(cond bool, invariant, format string, args ...any) {
	if cond {
		return
	}
	err := &InvariantError{Invariant: invariant, Detail: fmt.Sprintf(format, args...)}
	logger.Error("allocator invariant violated", "invariant", invariant, "detail", err.Detail)
	panic(err)
}

// ErrRegionUnderflow matches the *InvariantError raised when RegionExit runs without an
// enclosing RegionEnter:
//
//	defer func() {
//	    if err, ok := recover().(error); ok && errors.Is(err, alloc.ErrRegionUnderflow) { ... }
//	}()
var ErrRegionUnderflow = errors.New("alloc: region exit without enter")

// Is lets errors.Is match InvariantError against the sentinels above.
func (e *InvariantError) Is(target error) bool {
	return target == ErrRegionUnderflow && e.Invariant == InvRegionUnderflow
}
