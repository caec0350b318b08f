// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package segmalloc

import (
	"unsafe"
)

// growInto grows the allocated block b to size payload bytes using space
// from the free block next that follows it.
// If what remains of next can still be a free block, next is moved
// forward. Otherwise next is absorbed whole and b ends up with a payload
// bigger than size.
// It returns false, without changing anything, if next is too small or
// if absorbing it would make a payload bigger than MaxPayload.
func (sm *SegMalloc) growInto(b, next *block, size uint64) bool {
	cur := b.size()
	diff := size - cur
	nsize := next.size()
	if nsize < diff {
		return false
	}
	slack := nsize - diff
	// rest too small for a free block, take all of it
	absorb := slack < uint64(MinFreeSize)
	if absorb {
		if cur+nsize > MaxPayload {
			return false
		}
		size = cur + nsize
	}
	sm.detachFree(next)
	if !absorb {
		n := (*block)(unsafe.Add(unsafe.Pointer(next), diff))
		n.setFree(slack)
		sm.insertFree(n)
	}
	b.setAllocated(size)
	sm.resizeUsed(cur, size)
	return true
}

// shrinkInto shrinks the allocated block b to size payload bytes, giving
// the space to the free block next that follows it.
// It returns false if next would grow too big for a tag.
func (sm *SegMalloc) shrinkInto(b, next *block, size uint64) bool {
	cur := b.size()
	diff := cur - size
	nsize := next.size()
	if nsize+diff > MaxSize {
		return false
	}
	sm.detachFree(next)
	b.setAllocated(size)
	n := (*block)(unsafe.Add(unsafe.Pointer(next), -int(diff)))
	n.setFree(nsize + diff)
	sm.insertFree(n)
	sm.resizeUsed(cur, size)
	return true
}

// splitTail shrinks the allocated block b to size payload bytes and turns
// the freed end into a new free block. It returns false if the freed end
// would be too small for a free block.
func (sm *SegMalloc) splitTail(b *block, size uint64) bool {
	cur := b.size()
	rest := cur - size
	if rest < uint64(MinFreeSize) {
		return false
	}
	b.setAllocated(size)
	t := b.next()
	t.setFree(rest)
	sm.insertFree(t)
	sm.resizeUsed(cur, size)
	return true
}

// ReallocUnsafe tries to grow or shrink a previously malloc allocated
// pointer to a new size.
// This is the unsafe non-locking version. For more details see Realloc.
func (sm *SegMalloc) ReallocUnsafe(p unsafe.Pointer, size uint64) unsafe.Pointer {
	if p == nil {
		// it's a malloc
		return sm.MallocUnsafe(size)
	}
	if size == 0 {
		// it is actually a free
		sm.FreeUnsafe(p)
		return nil
	}
	if sm.BChecks() && !sm.checkPtr("realloc", p) {
		return nil
	}
	if size > MaxPayload {
		return nil
	}
	b := blockOf(p)
	if sm.Debug() {
		b.debug(sm)
	}
	size = roundUp(size)
	cur := b.size()
	if size == cur {
		return p
	}
	next := b.next()
	nextFree := sm.inHeap(next) && next.isFree()
	if size < cur {
		if !nextFree || !sm.shrinkInto(b, next, size) {
			// if the rest is too small to be split off, keep the block
			// as it is: the payload is still at least size
			sm.splitTail(b, size)
		}
		return p
	}
	if nextFree && sm.growInto(b, next, size) {
		return p
	}

	// no in-place resize possible => move
	ptr := sm.MallocUnsafe(size)
	if ptr == nil {
		return nil
	}
	n := cur
	if size < n {
		n = size
	}
	copy(unsafe.Slice((*byte)(ptr), n), b.payload()[:n])
	sm.FreeUnsafe(p)
	return ptr
}
