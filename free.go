// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package segmalloc

import (
	"unsafe"

	"github.com/intuitivelabs/mallocs/segmalloc/list"
)

// checkPtr verifies that p looks like a live allocated pointer.
// It logs a BUG and returns false otherwise.
func (sm *SegMalloc) checkPtr(op string, p unsafe.Pointer) bool {
	if !sm.Owns(p) {
		BUG("%s called with pointer %p out of heap (%p - %p)\n",
			op, p, sm.heap.Lo(), sm.heap.Hi())
		return false
	}
	if blockOf(p).isFree() {
		BUG("attempt to %s already freed pointer %p\n", op, p)
		return false
	}
	return true
}

// joinPrev merges the free block b with the previous block, if that one
// is free too. It returns the resulting free block, which is not on any
// free list.
func (sm *SegMalloc) joinPrev(b *block) *block {
	if uintptr(unsafe.Pointer(b)) <= uintptr(sm.heap.Lo()) {
		return b
	}
	if !b.prevFooter().isFree() {
		return b
	}
	prev := b.prev()
	if sm.Debug() {
		prev.debug(sm)
	}
	if prev.size()+b.size() > MaxSize {
		// too big for one tag, leave them apart
		return b
	}
	sm.detachFree(prev)
	prev.setFree(prev.size() + b.size())
	return prev
}

// joinNext merges the free block b with the next block, if that one is
// free and inside the heap.
func (sm *SegMalloc) joinNext(b *block) *block {
	next := b.next()
	if !sm.inHeap(next) || !next.isFree() {
		return b
	}
	if sm.Debug() {
		next.debug(sm)
	}
	if b.size()+next.size() > MaxSize {
		return b
	}
	sm.detachFree(next)
	b.setFree(b.size() + next.size())
	return b
}

// release turns the allocated block b into a free one, joins it with its
// free neighbours and puts it on the free lists.
func (sm *SegMalloc) release(b *block) {
	// free size includes the overhead
	total := b.size() + uint64(Overhead)
	b.node = list.Elem{}
	b.setFree(total)
	b = sm.joinPrev(b)
	if sm.JoinNext() {
		b = sm.joinNext(b)
	}
	sm.insertFree(b)
	if b.size() > sm.greatestSize {
		sm.greatestSize = b.size()
	}
}

// FreeUnsafe releases the memory associated with p
// (p must have been previously allocated with MallocUnsafe).
// This is the unsafe non-locking version  (see also Free).
func (sm *SegMalloc) FreeUnsafe(p unsafe.Pointer) {
	if p == nil {
		WARN("free(nil) called\n")
		return
	}
	if sm.BChecks() && !sm.checkPtr("free", p) {
		return
	}
	b := blockOf(p)
	if sm.Debug() {
		b.debug(sm)
	}
	sm.subUsed(b.size())
	sm.release(b)
}
