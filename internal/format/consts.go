// Package format holds the layout constants shared by the allocator, the nursery and the
// simulated heaps. Nothing here allocates; it only describes sizes and alignment so every
// package agrees on what an object slot looks like.
package format

const (
	// WordSize is the size of a heap word. Object headers and reference fields are one word.
	WordSize = 8

	// AllocAlign is the alignment of every object start and every object size.
	AllocAlign = 8

	// AllocAlignMask masks the low bits that AllocAlign clears.
	AllocAlignMask = AllocAlign - 1

	// MinObjectSize is the smallest object the allocator hands out: a header word plus one
	// payload word.
	MinObjectSize = 2 * WordSize

	// FillHeaderSize is the number of bytes zeroed at the start of a nursery carve when the
	// clear policy does not zero whole TLABs. It covers a filler header (id + length) and the
	// first payload words so a concurrent scanner sees "not yet initialised".
	FillHeaderSize = 4 * WordSize

	// MaxSmallObjSize is the largest request served by TLABs. Anything above goes to the
	// large-object space.
	MaxSmallObjSize = 8000

	// ScanStartSize is the granularity of the nursery scan-start table. Crossing one of these
	// boundaries inside a TLAB records the object start so conservative scanners can bound
	// their search.
	ScanStartSize = 8192

	// MaxNurseryWaste is the largest TLAB remainder worth discarding. If more than this is
	// left, a request that does not fit is served directly from the nursery instead.
	MaxNurseryWaste = 512

	// DefaultTLABSize is the preferred size of a freshly carved TLAB.
	DefaultTLABSize = 16 * 1024

	// DefaultNurserySize is the default nursery size. It also bounds the degraded window:
	// after entering degraded mode the allocator keeps allocating degraded until this many
	// bytes have gone to the major heap.
	DefaultNurserySize = 4 * 1024 * 1024

	// PageSize is the granularity used to carve segments and large objects.
	PageSize = 4096

	// PageMask masks the low bits that PageSize clears.
	PageMask = PageSize - 1
)
