package alloc

import (
	"fmt"

	"github.com/joshuapare/nurserykit/internal/format"
)

// ClearPolicy decides when nursery memory is zeroed.
type ClearPolicy uint8

const (
	// ClearAtGC zeroes the nursery when it is reset; new TLABs only get their first
	// format.FillHeaderSize bytes cleared.
	ClearAtGC ClearPolicy = iota
	// ClearAtTLABCreation zeroes every TLAB and nursery-direct object when it is carved.
	ClearAtTLABCreation
	// ClearAtTLABCreationDebug zeroes like ClearAtTLABCreation and additionally checks
	// that every object body reads zero before it is published.
	ClearAtTLABCreationDebug
)

var clearPolicyNames = map[ClearPolicy]string{
	ClearAtGC:                "clear-at-gc",
	ClearAtTLABCreation:      "clear-at-tlab-creation",
	ClearAtTLABCreationDebug: "clear-at-tlab-creation-debug",
}

func (p ClearPolicy) String() string {
	if s, ok := clearPolicyNames[p]; ok {
		return s
	}
	return fmt.Sprintf("ClearPolicy(%d)", uint8(p))
}

// ParseClearPolicy maps a name produced by String back to its policy.
func ParseClearPolicy(s string) (ClearPolicy, error) {
	for p, name := range clearPolicyNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("alloc: unknown clear policy %q", s)
}

// ZeroesTLABs reports whether TLABs are cleared when carved.
func (p ClearPolicy) ZeroesTLABs() bool { return p != ClearAtGC }

// Options tunes an Allocator. Zero values select defaults.
type Options struct {
	// TLABSize is the number of bytes requested per TLAB refill.
	// Default: format.DefaultTLABSize.
	TLABSize int

	ClearPolicy ClearPolicy

	// NurserySize bounds the degraded window: while fewer than this many bytes have been
	// allocated in degraded mode, small allocations go straight to the major heap.
	// Default: format.DefaultNurserySize.
	NurserySize int

	// CollectBeforeAllocs triggers a nursery collection every N allocations. 0 disables.
	CollectBeforeAllocs int

	// VerifyBeforeAllocs runs Verify on the allocating thread every N allocations and
	// panics with the first violation. 0 disables.
	VerifyBeforeAllocs int

	// RegionEvents emits trace events for region enter, exit, stick and bail.
	RegionEvents bool
}

func (o Options) withDefaults() Options {
	if o.TLABSize <= 0 {
		o.TLABSize = format.DefaultTLABSize
	}
	o.TLABSize = format.AlignUp(o.TLABSize)
	if o.NurserySize <= 0 {
		o.NurserySize = format.DefaultNurserySize
	}
	if o.CollectBeforeAllocs < 0 {
		o.CollectBeforeAllocs = 0
	}
	if o.VerifyBeforeAllocs < 0 {
		o.VerifyBeforeAllocs = 0
	}
	return o
}

// debugHooks reports whether allocations are counted for the before-alloc hooks. The
// lock-free fast path is skipped while they are on.
func (o Options) debugHooks() bool {
	return o.CollectBeforeAllocs > 0 || o.VerifyBeforeAllocs > 0
}
