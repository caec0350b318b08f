// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package segmalloc provides a segregated fit malloc library working on
// top of a growable heap region.
//
// Every block carries a boundary tag (free flag + size) at both ends.
// Free blocks are kept in NumClasses power of 2 size classes and searched
// first-fit. Freed blocks are joined with a free predecessor. When no
// free block fits, the heap is extended through the Provider; memory is
// never given back to it.
package segmalloc

import (
	"sync"
	"unsafe"
)

const NAME = "segmalloc"

// Provider supplies the heap region used by SegMalloc.
// The region [Lo(), Hi()) must be contiguous and may only grow.
type Provider interface {
	// Lo returns the region start.
	Lo() unsafe.Pointer
	// Hi returns the address just past the region end.
	Hi() unsafe.Pointer
	// Sbrk extends the region by incr bytes and returns the start of the
	// new space.
	Sbrk(incr uintptr) (unsafe.Pointer, error)
}

// MUsed contains the memory usage statistics.
type MUsed struct {
	Used        uint64 // total size allocated
	RealUsed    uint64 // real size = Used + malloc overhead
	MaxRealUsed uint64
}

// Options encodes various configuration flags for SegMalloc.
type Options uint32

const (
	OptDebug          Options = 1 << iota
	OptChecks                 // check pointers passed to Free and Realloc
	OptJoinNext               // on free, join with the next block too
	OptDumpStatsShort         // dump status in log, short version
	OptDefaultOptions = OptChecks
)

// SegMalloc is the allocator state: the heap provider, the free lists and
// the bookkeeping information. It must not be copied after Init.
//
// The *Unsafe methods are not thread safe. Malloc, Free, Realloc and
// Check serialise on a single lock.
type SegMalloc struct {
	options Options
	used    MUsed // statistics

	// biggest free block size seen by free, used to skip doomed searches
	greatestSize uint64

	heap Provider

	bigLock sync.Mutex

	freeH [NumClasses]sizeClass // free lists
}

// Debug returns true if malloc debugging is turned on.
func (sm *SegMalloc) Debug() bool { return sm.options&OptDebug != 0 }

// BChecks returns true if pointer checks are turned on.
func (sm *SegMalloc) BChecks() bool { return sm.options&OptChecks != 0 }

// JoinNext returns true if freed blocks are joined with the next block.
func (sm *SegMalloc) JoinNext() bool { return sm.options&OptJoinNext != 0 }

func (sm *SegMalloc) lock() {
	sm.bigLock.Lock()
}
func (sm *SegMalloc) unlock() {
	sm.bigLock.Unlock()
}

// New returns a SegMalloc initialised with Init or nil on failure.
func New(heap Provider, options Options) *SegMalloc {
	sm := &SegMalloc{}
	if !sm.Init(heap, options) {
		return nil
	}
	return sm
}

// Init initialises the allocator over an empty heap region.
// The region start must be Alignment aligned.
// It returns true on success and false otherwise.
func (sm *SegMalloc) Init(heap Provider, options Options) bool {
	*sm = SegMalloc{} // zero, in case of re-init
	if heap == nil {
		return false
	}
	lo, hi := heap.Lo(), heap.Hi()
	if uintptr(lo)%Alignment != 0 {
		ERR("heap start %p not aligned to %d\n", lo, Alignment)
		return false
	}
	if lo != hi {
		ERR("heap %p - %p not empty\n", lo, hi)
		return false
	}
	sm.heap = heap
	sm.options = options
	for c := range sm.freeH {
		sm.freeH[c].lst.Init()
		sm.freeH[c].no = 0
	}
	return true
}

// addUsed accounts for a new allocated block of payload size.
func (sm *SegMalloc) addUsed(size uint64) {
	sm.used.Used += size
	sm.used.RealUsed += size + uint64(Overhead)
	if sm.used.MaxRealUsed < sm.used.RealUsed {
		sm.used.MaxRealUsed = sm.used.RealUsed
	}
}

// subUsed removes an allocated block of payload size from the stats.
func (sm *SegMalloc) subUsed(size uint64) {
	sm.used.Used -= size
	sm.used.RealUsed -= size + uint64(Overhead)
}

// resizeUsed accounts for an in-place payload change.
func (sm *SegMalloc) resizeUsed(oldSize, newSize uint64) {
	sm.subUsed(oldSize)
	sm.addUsed(newSize)
}

// MUsage returns current memory usage values.
func (sm *SegMalloc) MUsage() MUsed {
	return sm.used
}

// HeapSize returns the current size of the managed region.
func (sm *SegMalloc) HeapSize() uint64 {
	return uint64(uintptr(sm.heap.Hi()) - uintptr(sm.heap.Lo()))
}

// Available returns how many bytes of the heap are held by free blocks
// (overhead included). It does not count space the provider could still
// add.
func (sm *SegMalloc) Available() uint64 {
	return sm.HeapSize() - sm.used.RealUsed
}

// GreatestSize returns the biggest free block size seen so far by Free.
func (sm *SegMalloc) GreatestSize() uint64 {
	return sm.greatestSize
}

// Owns returns whether or not p could have been allocated by SegMalloc
// (the address is a payload address inside the heap).
// Behaviour is undefined if p was Free()d.
func (sm *SegMalloc) Owns(p unsafe.Pointer) bool {
	lo := uintptr(sm.heap.Lo())
	if uintptr(p) < lo+HeaderSize || uintptr(p) >= uintptr(sm.heap.Hi()) {
		return false
	}
	return (uintptr(p)-lo)%Alignment == 0
}

// inHeap returns true if b starts inside the heap region.
func (sm *SegMalloc) inHeap(b *block) bool {
	return uintptr(unsafe.Pointer(b)) < uintptr(sm.heap.Hi())
}

// UsableSize returns the payload size of the block allocated at p.
func (sm *SegMalloc) UsableSize(p unsafe.Pointer) uint64 {
	if p == nil {
		return 0
	}
	return blockOf(p).size()
}

// extend grows the heap by a new allocated block of payload size.
func (sm *SegMalloc) extend(size uint64) *block {
	p, err := sm.heap.Sbrk(uintptr(size + uint64(Overhead)))
	if err != nil {
		if DBGon() {
			DBG("cannot extend heap for %d bytes: %v\n", size, err)
		}
		return nil
	}
	b := (*block)(p)
	b.setAllocated(size)
	return b
}

// MallocUnsafe is the unsafe (not locking) Malloc version.
// For more details see Malloc.
// On failure (out of memory) it return nil.
func (sm *SegMalloc) MallocUnsafe(size uint64) unsafe.Pointer {
	if size > MaxPayload {
		return nil
	}
	size = roundUp(size) // size must be a multiple of Alignment
	var b *block
	// no free block can be bigger then greatestSize, don't bother searching
	if size < sm.greatestSize {
		b = sm.findFree(size)
	}
	if b == nil {
		if b = sm.extend(size); b == nil {
			return nil
		}
	}
	sm.addUsed(size)
	return b.addr()
}

// Malloc allocates size bytes of memory and returns a pointer to it.
// On failure (out of memory) it return nil.
func (sm *SegMalloc) Malloc(size uint64) unsafe.Pointer {
	sm.lock()
	p := sm.MallocUnsafe(size)
	sm.unlock()
	return p
}

// Free releases the memory associated with p (p must have been previously
// allocated with Malloc)
func (sm *SegMalloc) Free(p unsafe.Pointer) {
	sm.lock()
	sm.FreeUnsafe(p)
	sm.unlock()
}

// Realloc tries to grow or shrink a previously Malloc allocated pointer to
// a new size.
// It returns either the old value, when the size change was possible in-place,
// or a new value. In the new value case, the old contents is always
// copied in the new location and the old pointer is Free()d.
// If not enough memory is available for growing p, it will return nil,
// but it will _not_ free the original pointer p.
func (sm *SegMalloc) Realloc(p unsafe.Pointer, size uint64) unsafe.Pointer {
	sm.lock()
	res := sm.ReallocUnsafe(p, size)
	sm.unlock()
	return res
}

// Check walks the whole heap and the free lists and reports any
// inconsistency found. See CheckUnsafe.
func (sm *SegMalloc) Check() Report {
	sm.lock()
	r := sm.CheckUnsafe()
	sm.unlock()
	return r
}
