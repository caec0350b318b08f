// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package segmalloc

import (
	"fmt"
	"unsafe"
)

// ViolationKind classifies heap inconsistencies found by Check.
type ViolationKind uint8

const (
	FlagMismatch ViolationKind = iota // header and footer disagree on free
	SizeMismatch                      // header and footer disagree on size
	BadLinks                          // free block list node is degenerate
	Overlap                           // block overlaps its neighbour or the heap end
	ListMismatch                      // free lists and heap disagree
)

var violationNames = [...]string{
	FlagMismatch: "flag mismatch",
	SizeMismatch: "size mismatch",
	BadLinks:     "bad links",
	Overlap:      "overlap",
	ListMismatch: "list mismatch",
}

func (k ViolationKind) String() string {
	if int(k) < len(violationNames) {
		return violationNames[k]
	}
	return fmt.Sprintf("violation(%d)", uint8(k))
}

// Violation is one inconsistency found by Check.
type Violation struct {
	Kind   ViolationKind
	Offset uint64 // block offset from the heap start
	Msg    string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s at offset %d: %s", v.Kind, v.Offset, v.Msg)
}

// Report is the result of a heap consistency check.
type Report struct {
	Blocks     int    // blocks walked
	FreeBlocks int    // free blocks walked
	Listed     int    // blocks found on the free lists
	AllocBytes uint64 // payload bytes of allocated blocks
	FreeBytes  uint64 // total size of free blocks
	Violations []Violation
}

// OK returns true if no violation was found.
func (r *Report) OK() bool { return len(r.Violations) == 0 }

func (r *Report) add(k ViolationKind, offs uint64, f string, a ...interface{}) {
	v := Violation{Kind: k, Offset: offs, Msg: fmt.Sprintf(f, a...)}
	r.Violations = append(r.Violations, v)
	BUG("check: %s\n", v)
}

// CheckUnsafe is the non-locking version of Check.
//
// It walks the heap from its start, block by block, and verifies that
// header and footer agree, that free blocks have sane list links and that
// no block overlaps the next one or the heap end. It then walks the free
// lists and verifies that they contain exactly the free blocks of the
// heap, each in the right size class.
// Every violation is logged; nothing is ever fixed.
func (sm *SegMalloc) CheckUnsafe() Report {
	var r Report
	lo := sm.heap.Lo()
	heapSize := sm.HeapSize()
	free := make(map[*block]struct{})

	for offs := uint64(0); offs < heapSize; {
		b := (*block)(unsafe.Add(lo, offs))
		ext := b.extent()
		minExt := uint64(Overhead)
		if b.isFree() {
			minExt = uint64(MinFreeSize)
		}
		if ext < minExt || ext%Alignment != 0 || offs+ext > heapSize {
			r.add(Overlap, offs,
				"block %p free=%v size %d (extent %d) does not fit"+
					" the heap (size %d)",
				b, b.isFree(), b.size(), ext, heapSize)
			// can't find the next block
			break
		}
		r.Blocks++
		ft := *b.footer()
		if ft.isFree() != b.isFree() {
			if b.isFree() {
				r.add(FlagMismatch, offs,
					"free block %p footer thinks it is allocated", b)
			} else {
				r.add(FlagMismatch, offs,
					"allocated block %p footer thinks it is free", b)
			}
		}
		if ft.size() != b.size() {
			r.add(SizeMismatch, offs,
				"block %p header size %d, footer size %d",
				b, b.size(), ft.size())
		}
		if b.isFree() {
			r.FreeBlocks++
			r.FreeBytes += ext
			free[b] = struct{}{}
			if b.node.Prev() == b.node.Next() {
				r.add(BadLinks, offs,
					"free block %p links point at each other (%p)",
					b, b.node.Next())
			}
		} else {
			r.AllocBytes += b.size()
		}
		offs += ext
	}

	for c := range sm.freeH {
		lst := &sm.freeH[c].lst
		n := uint64(0)
		for e := lst.Begin(); e != lst.End(); e = e.Next() {
			if e == nil {
				r.add(ListMismatch, 0, "class %d: broken list", c)
				break
			}
			f := elemBlock(e)
			offs := uint64(uintptr(unsafe.Pointer(f)) - uintptr(lo))
			if _, ok := free[f]; !ok {
				r.add(ListMismatch, offs,
					"class %d: listed block %p is not a free heap block",
					c, f)
				// following its links is not safe
				break
			}
			if classify(f.size()) != c {
				r.add(ListMismatch, offs,
					"class %d: block %p of size %d belongs to class %d",
					c, f, f.size(), classify(f.size()))
			}
			n++
			if n > uint64(r.FreeBlocks) {
				r.add(ListMismatch, offs, "class %d: list loops", c)
				break
			}
		}
		if n != sm.freeH[c].no {
			r.add(ListMismatch, 0, "class %d: %d listed blocks, counter %d",
				c, n, sm.freeH[c].no)
		}
		r.Listed += int(n)
	}
	if r.Listed != r.FreeBlocks {
		r.add(ListMismatch, 0, "%d free blocks in heap, %d on free lists",
			r.FreeBlocks, r.Listed)
	}
	return r
}
