// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package segmalloc

import (
	"math/bits"
	"unsafe"

	"github.com/intuitivelabs/mallocs/segmalloc/list"
)

// NumClasses is the number of free lists.
// Class i holds free blocks of size s, 2^i < s <= 2^(i+1); the last
// class holds everything else.
const NumClasses = 20

type sizeClass struct {
	lst list.List
	no  uint64 // counter
}

// classify returns the free list index for a block of size s.
func classify(s uint64) int {
	if s <= 1 {
		return NumClasses - 1
	}
	c := bits.Len64(s-1) - 1
	if c >= NumClasses-1 {
		return NumClasses - 1
	}
	return c
}

// classRange returns the size range (lo, hi] held by class c.
// For the last class hi is MaxSize.
func classRange(c int) (uint64, uint64) {
	if c >= NumClasses-1 {
		return uint64(1) << (NumClasses - 1), MaxSize
	}
	return uint64(1) << uint(c), uint64(1) << uint(c+1)
}

// insertFree appends a free block to the list matching its size.
func (sm *SegMalloc) insertFree(b *block) {
	c := classify(b.size())
	sm.freeH[c].lst.PushBack(&b.node)
	sm.freeH[c].no++
}

// detachFree removes a free block from its list.
// It must be called before the block size changes.
func (sm *SegMalloc) detachFree(b *block) {
	b.node.Remove()
	sm.freeH[classify(b.size())].no--
}

// findFree looks for a free block able to hold size payload bytes,
// starting with the class of size and moving to bigger classes.
// A matching block is taken whole; a bigger one is split, the returned
// allocated block being carved from its end. Blocks that are bigger but
// would leave a remainder too small for a free block are skipped.
// It returns the new allocated block or nil.
func (sm *SegMalloc) findFree(size uint64) *block {
	need := size + uint64(Overhead)
	for c := classify(size); c < NumClasses; c++ {
		lst := &sm.freeH[c].lst
		for e := lst.Begin(); e != lst.End(); e = e.Next() {
			f := elemBlock(e)
			if sm.Debug() {
				f.debug(sm)
			}
			fsize := f.size()
			if fsize == need {
				sm.detachFree(f)
				f.setAllocated(size)
				return f
			}
			if fsize > need && fsize-need >= uint64(MinFreeSize) {
				rest := fsize - need
				sm.detachFree(f)
				f.setFree(rest)
				sm.insertFree(f)
				b := (*block)(unsafe.Add(unsafe.Pointer(f), rest))
				b.setAllocated(size)
				return b
			}
		}
		// try in a bigger class
	}
	return nil
}
