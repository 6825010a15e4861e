// Package memory provides the heap collaborator of the kernel core.
//
// An Arena models a single contiguous heap region that is initialized
// exactly once. User addresses handed to system calls are resolved against
// it, so every read is bounds-checked instead of dereferenced directly.
package memory

import (
	"errors"
	"fmt"
	"sync"
)

// MaxHeapSize bounds the backing buffer of an arena.
const MaxHeapSize = 64 << 20

// DefaultAlignment is used by Alloc when no alignment is requested.
const DefaultAlignment = 8

var (
	// ErrHeapInitialized is returned when InitHeap is called twice.
	ErrHeapInitialized = errors.New("heap already initialized")
	// ErrHeapNotInitialized is returned by accessors before InitHeap.
	ErrHeapNotInitialized = errors.New("heap not initialized")
	// ErrInvalidRegion is returned for a null, empty, oversized or wrapping heap region.
	ErrInvalidRegion = errors.New("invalid heap region")
	// ErrOutOfMemory is returned when an allocation does not fit.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrOutOfBounds is returned when an access falls outside the heap.
	ErrOutOfBounds = errors.New("address outside heap")
	// ErrInvalidAlignment is returned for an alignment that is not a power of two.
	ErrInvalidAlignment = errors.New("alignment must be a power of two")
)

// Stats describes arena usage.
type Stats struct {
	Start       uintptr `json:"start"`
	Size        uintptr `json:"size"`
	Used        uintptr `json:"used"`
	Allocations int     `json:"allocations"`
}

// Arena is a bump allocator over one heap region.
type Arena struct {
	mu          sync.RWMutex
	start       uintptr
	buf         []byte
	next        uintptr // offset of the first free byte
	allocations int
}

// NewArena creates an uninitialized arena.
func NewArena() *Arena {
	return &Arena{}
}

// InitHeap maps the region [start, start+size). It succeeds once.
func (a *Arena) InitHeap(start, size uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.buf != nil {
		return ErrHeapInitialized
	}
	if start == 0 || size == 0 || size > MaxHeapSize || start+size < start {
		return fmt.Errorf("%w: start=0x%X size=%d", ErrInvalidRegion, start, size)
	}

	a.start = start
	a.buf = make([]byte, size)
	return nil
}

// Initialized reports whether InitHeap has succeeded.
func (a *Arena) Initialized() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.buf != nil
}

// Contains reports whether [addr, addr+n) lies inside the heap.
func (a *Arena) Contains(addr, n uintptr) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, err := a.offset(addr, n)
	return err == nil
}

// offset must be called with a.mu held.
func (a *Arena) offset(addr, n uintptr) (uintptr, error) {
	if a.buf == nil {
		return 0, ErrHeapNotInitialized
	}
	end := addr + n
	if addr < a.start || end < addr || end > a.start+uintptr(len(a.buf)) {
		return 0, fmt.Errorf("%w: 0x%X+%d", ErrOutOfBounds, addr, n)
	}
	return addr - a.start, nil
}

// Alloc reserves size bytes aligned to align and returns their address.
// An align of zero selects DefaultAlignment.
func (a *Arena) Alloc(size, align uintptr) (uintptr, error) {
	if align == 0 {
		align = DefaultAlignment
	}
	if align&(align-1) != 0 {
		return 0, ErrInvalidAlignment
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.buf == nil {
		return 0, ErrHeapNotInitialized
	}

	base := a.start + a.next
	aligned := (base + align - 1) &^ (align - 1)
	if aligned < base {
		return 0, ErrOutOfMemory
	}
	off := aligned - a.start
	if size > uintptr(len(a.buf)) || off > uintptr(len(a.buf))-size {
		return 0, fmt.Errorf("%w: requested %d bytes, %d free", ErrOutOfMemory, size, uintptr(len(a.buf))-a.next)
	}

	a.next = off + size
	a.allocations++
	return aligned, nil
}

// AllocBytes allocates room for data, copies it in and returns its address.
func (a *Arena) AllocBytes(data []byte) (uintptr, error) {
	addr, err := a.Alloc(uintptr(len(data)), 1)
	if err != nil {
		return 0, err
	}
	if err := a.Write(addr, data); err != nil {
		return 0, err
	}
	return addr, nil
}

// Read returns a copy of the n bytes at addr.
func (a *Arena) Read(addr, n uintptr) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	off, err := a.offset(addr, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, a.buf[off:off+n])
	return out, nil
}

// Write copies data to addr.
func (a *Arena) Write(addr uintptr, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	off, err := a.offset(addr, uintptr(len(data)))
	if err != nil {
		return err
	}
	copy(a.buf[off:], data)
	return nil
}

// Stats returns the current usage of the arena.
func (a *Arena) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Stats{
		Start:       a.start,
		Size:        uintptr(len(a.buf)),
		Used:        a.next,
		Allocations: a.allocations,
	}
}
