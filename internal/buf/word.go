// Package buf contains bounds-checked word access over a raw byte arena.
//
// Plain accessors go through encoding/binary. The acquire/release pair uses sync/atomic on
// the underlying memory and therefore requires word-aligned offsets into a word-aligned
// arena (anonymous mappings and large Go byte slices both satisfy this).
package buf

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

const wordSize = 8

// Word reads the little-endian word at off. Returns 0 when the word is out of bounds.
func Word(b []byte, off int) uint64 {
	w, ok := Slice(b, off, wordSize)
	if !ok {
		return 0
	}
	return binary.LittleEndian.Uint64(w)
}

// PutWord writes v at off. Out-of-bounds writes are dropped and reported as false.
func PutWord(b []byte, off int, v uint64) bool {
	w, ok := Slice(b, off, wordSize)
	if !ok {
		return false
	}
	binary.LittleEndian.PutUint64(w, v)
	return true
}

// StoreWordRelease publishes v at off so that every earlier write to the arena is visible to
// a reader that observes v through LoadWordAcquire.
func StoreWordRelease(b []byte, off int, v uint64) bool {
	p, ok := wordPtr(b, off)
	if !ok {
		return false
	}
	atomic.StoreUint64(p, v)
	return true
}

// LoadWordAcquire is the reading half of StoreWordRelease.
func LoadWordAcquire(b []byte, off int) uint64 {
	p, ok := wordPtr(b, off)
	if !ok {
		return 0
	}
	return atomic.LoadUint64(p)
}

// Zero clears b[off:off+n]. Returns false without touching memory if the range is invalid.
func Zero(b []byte, off, n int) bool {
	s, ok := Slice(b, off, n)
	if !ok {
		return false
	}
	clear(s)
	return true
}

func wordPtr(b []byte, off int) (*uint64, bool) {
	if off%wordSize != 0 || !Has(b, off, wordSize) {
		return nil, false
	}
	ptr := unsafe.Pointer(&b[off])
	if uintptr(ptr)%wordSize != 0 {
		return nil, false
	}
	return (*uint64)(ptr), true
}
