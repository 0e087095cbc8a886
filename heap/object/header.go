package object

import (
	"github.com/joshuapare/nurserykit/heap/memory"
	"github.com/joshuapare/nurserykit/internal/format"
)

// Publish writes vt's ID into obj's header with release ordering. Every payload write made
// before Publish is visible to a scanner that observes the header.
func Publish(s *memory.Space, obj memory.Addr, vt *VTable) error {
	return s.StoreWordRelease(obj, uint64(vt.ID))
}

// HeaderOf reads obj's header with acquire ordering.
func HeaderOf(s *memory.Space, obj memory.Addr) ID {
	return ID(s.LoadWordAcquire(obj))
}

// IsUninitialized reports whether obj's header still reads zero.
func IsUninitialized(s *memory.Space, obj memory.Addr) bool {
	return HeaderOf(s, obj) == 0
}

// WriteFiller marks [start, start+size) dead. Ranges smaller than a filler record are left
// as they are; the scan-start table never points into them.
func WriteFiller(s *memory.Space, start memory.Addr, size int) bool {
	if size < format.MinObjectSize {
		return false
	}
	if err := s.SetWord(start.Add(format.WordSize), uint64(size)); err != nil {
		return false
	}
	return s.StoreWordRelease(start, uint64(FillerID)) == nil
}

// FillerSize returns the length of the filler at start, or 0 if start is not a filler.
func FillerSize(s *memory.Space, start memory.Addr) int {
	if HeaderOf(s, start) != FillerID {
		return 0
	}
	return int(s.Word(start.Add(format.WordSize)))
}
