// Package memory models the address space the allocator works in.
//
// A Space is one contiguous anonymous mapping addressed by Addr values starting at Base.
// Address 0 is never part of a space, so Null doubles as the "no object" sentinel used by
// every allocation tier. Segments are carved out of the space in page-sized steps: the
// nursery, the major heap, the large-object space and per-thread stacks each own one.
//
// A Space is not synchronised. Callers serialise writes to overlapping ranges; the
// allocator does this with its allocation lock and safepoint barrier.
package memory

import (
	"errors"
	"fmt"

	"github.com/joshuapare/nurserykit/internal/buf"
	"github.com/joshuapare/nurserykit/internal/format"
	"github.com/joshuapare/nurserykit/internal/mmap"
)

// Addr is an address inside a Space.
type Addr uint64

// Null is the "no object" address.
const Null Addr = 0

// Base is the address of the first byte of every Space.
const Base Addr = 0x10000

var (
	// ErrSpaceExhausted indicates a Carve request larger than the unreserved remainder.
	ErrSpaceExhausted = errors.New("memory: space exhausted")

	// ErrOutOfRange indicates an access outside the mapped space.
	ErrOutOfRange = errors.New("memory: address out of range")
)

// Add returns a+n.
func (a Addr) Add(n int) Addr { return a + Addr(n) }

// Sub returns the byte distance a-b. It assumes a >= b.
func (a Addr) Sub(b Addr) int { return int(a - b) }

// String formats the address as hex.
func (a Addr) String() string { return fmt.Sprintf("%#x", uint64(a)) }

// Space is a contiguous simulated address range backed by an anonymous mapping.
type Space struct {
	mem     []byte
	release func() error
	carved  int // bytes handed out by Carve
	segs    []Segment
}

// New maps a space of size bytes, rounded up to whole pages.
func New(size int) (*Space, error) {
	if size <= 0 {
		return nil, fmt.Errorf("memory: invalid space size %d", size)
	}
	size = format.AlignPage(size)
	mem, release, err := mmap.Anon(size)
	if err != nil {
		return nil, err
	}
	return &Space{mem: mem, release: release}, nil
}

// Close unmaps the space. Addresses from it must not be used afterwards.
func (s *Space) Close() error {
	if s.release == nil {
		return nil
	}
	err := s.release()
	s.release = nil
	s.mem = nil
	return err
}

// Size returns the mapped size in bytes.
func (s *Space) Size() int { return len(s.mem) }

// End returns the first address past the space.
func (s *Space) End() Addr { return Base.Add(len(s.mem)) }

// Contains reports whether a lies inside the space.
func (s *Space) Contains(a Addr) bool { return a >= Base && a < s.End() }

// Carve reserves the next size bytes (rounded up to pages) as a segment of the given kind.
func (s *Space) Carve(kind Kind, size int) (Segment, error) {
	size = format.AlignPage(size)
	if size <= 0 || size > len(s.mem)-s.carved {
		return Segment{}, fmt.Errorf("%w: %s wants %d bytes, %d left", ErrSpaceExhausted, kind, size, len(s.mem)-s.carved)
	}
	start := Base.Add(s.carved)
	seg := Segment{Kind: kind, Start: start, End: start.Add(size)}
	s.carved += size
	s.segs = append(s.segs, seg)
	return seg, nil
}

// Segments returns the carved segments in address order.
func (s *Space) Segments() []Segment {
	return append([]Segment(nil), s.segs...)
}

// SegmentOf returns the segment containing a.
func (s *Space) SegmentOf(a Addr) (Segment, bool) {
	for _, seg := range s.segs {
		if seg.Contains(a) {
			return seg, true
		}
	}
	return Segment{}, false
}

// Word reads the word at a. Out-of-range reads return 0.
func (s *Space) Word(a Addr) uint64 {
	off, ok := s.offset(a)
	if !ok {
		return 0
	}
	return buf.Word(s.mem, off)
}

// SetWord writes v at a.
func (s *Space) SetWord(a Addr, v uint64) error {
	off, ok := s.offset(a)
	if !ok || !buf.PutWord(s.mem, off, v) {
		return fmt.Errorf("%w: word at %s", ErrOutOfRange, a)
	}
	return nil
}

// StoreWordRelease publishes v at a. Every earlier write to the space is visible to a reader
// that observes v through LoadWordAcquire.
func (s *Space) StoreWordRelease(a Addr, v uint64) error {
	off, ok := s.offset(a)
	if !ok || !buf.StoreWordRelease(s.mem, off, v) {
		return fmt.Errorf("%w: release store at %s", ErrOutOfRange, a)
	}
	return nil
}

// LoadWordAcquire reads the word at a with acquire ordering.
func (s *Space) LoadWordAcquire(a Addr) uint64 {
	off, ok := s.offset(a)
	if !ok {
		return 0
	}
	return buf.LoadWordAcquire(s.mem, off)
}

// Zero clears n bytes starting at a.
func (s *Space) Zero(a Addr, n int) error {
	off, ok := s.offset(a)
	if !ok || !buf.Zero(s.mem, off, n) {
		return fmt.Errorf("%w: zero %d bytes at %s", ErrOutOfRange, n, a)
	}
	return nil
}

// Bytes returns the live slice backing [a, a+n). Writes through it are visible to every
// other accessor.
func (s *Space) Bytes(a Addr, n int) ([]byte, error) {
	off, ok := s.offset(a)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOutOfRange, a)
	}
	b, ok := buf.Slice(s.mem, off, n)
	if !ok {
		return nil, fmt.Errorf("%w: %d bytes at %s", ErrOutOfRange, n, a)
	}
	return b, nil
}

// IsZero reports whether all n bytes at a are zero.
func (s *Space) IsZero(a Addr, n int) bool {
	b, err := s.Bytes(a, n)
	if err != nil {
		return false
	}
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func (s *Space) offset(a Addr) (int, bool) {
	if !s.Contains(a) {
		return 0, false
	}
	return a.Sub(Base), true
}
