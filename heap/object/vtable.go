// Package object describes what the allocator knows about managed objects: a vtable handle
// written into the first word of every object, and the filler records that make retired
// TLAB tails walkable.
package object

import (
	"fmt"
	"sync"

	"github.com/joshuapare/nurserykit/heap/memory"
	"github.com/joshuapare/nurserykit/internal/format"
)

// ID is the value stored in an object's header word. Zero means "not yet initialised".
type ID uint64

const (
	// FillerID marks a dead range. The word after the header holds the range length.
	FillerID ID = 1

	firstUserID ID = 16
)

// VTable is the allocator's view of a managed type.
type VTable struct {
	ID            ID
	Namespace     string
	Name          string
	InstanceSize  int  // bytes including the header word
	HasReferences bool // instances contain reference fields
	HasFinalizer  bool // instances must be registered for finalization
}

// FullName returns "Namespace.Name", or just the name without a namespace.
func (vt *VTable) FullName() string {
	if vt.Namespace == "" {
		return vt.Name
	}
	return vt.Namespace + "." + vt.Name
}

func (vt *VTable) String() string {
	return fmt.Sprintf("%s(%d)", vt.FullName(), vt.ID)
}

// FieldOffset returns the byte offset of reference field i (0-based, after the header).
func FieldOffset(i int) int {
	return format.WordSize * (i + 1)
}

// Field returns the address of field i of obj.
func Field(obj memory.Addr, i int) memory.Addr {
	return obj.Add(FieldOffset(i))
}

// Registry hands out vtable IDs and resolves them back, e.g. when decoding a trace.
type Registry struct {
	mu     sync.RWMutex
	next   ID
	byID   map[ID]*VTable
	byName map[string]*VTable
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		next:   firstUserID,
		byID:   make(map[ID]*VTable),
		byName: make(map[string]*VTable),
	}
}

// Define registers a type, or returns the existing vtable with the same full name.
// instanceSize is aligned up and never smaller than format.MinObjectSize.
func (r *Registry) Define(namespace, name string, instanceSize int, hasRefs, hasFinalizer bool) *VTable {
	r.mu.Lock()
	defer r.mu.Unlock()

	vt := &VTable{Namespace: namespace, Name: name}
	if existing, ok := r.byName[vt.FullName()]; ok {
		return existing
	}
	vt.ID = r.next
	vt.InstanceSize = max(format.AlignUp(instanceSize), format.MinObjectSize)
	vt.HasReferences = hasRefs
	vt.HasFinalizer = hasFinalizer
	r.next++
	r.byID[vt.ID] = vt
	r.byName[vt.FullName()] = vt
	return vt
}

// Lookup resolves an ID.
func (r *Registry) Lookup(id ID) (*VTable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	vt, ok := r.byID[id]
	return vt, ok
}

// Len returns the number of registered vtables.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
