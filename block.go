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

// tag is a block boundary tag: free flag in the top bit, size in the
// low 31 bits. Every block starts with a tag (header) and ends with an
// identical one (footer).
//
// For allocated blocks size is the payload size, for free blocks it is
// the whole block size, overhead included.
type tag uint32

const (
	freeFlag tag = 1 << 31
	sizeMask tag = freeFlag - 1
)

// MaxSize is the biggest size that can be stored in a block tag.
const MaxSize = uint64(sizeMask)

// block overlays the start of every block in the heap.
// node is used only while the block is free; for allocated blocks the
// same bytes are part of the payload.
type block struct {
	tag      tag
	reserved uint32    // not used, keeps node pointer aligned
	node     list.Elem // free list link, valid only if free
}

// size we round to, must be 2^n
const (
	Alignment = 16
	AlignMask = ^(uint64(Alignment) - 1)
)

const (
	tagSizeof  = unsafe.Sizeof(tag(0))
	nodeOffset = unsafe.Offsetof(block{}.node)

	// HeaderSize is the distance between a block start and its payload.
	HeaderSize uintptr = Alignment
	// Overhead is the space an allocated block uses on top of its payload.
	Overhead = (HeaderSize + tagSizeof + Alignment - 1) &^ (Alignment - 1)
	// MinFreeSize is the smallest block able to hold a free block:
	// header tag, list node and footer tag.
	MinFreeSize = (unsafe.Sizeof(block{}) + tagSizeof + Alignment - 1) &^
		(Alignment - 1)

	// MaxPayload is the biggest payload an allocated block can have:
	// once freed its whole size must still fit in a tag.
	MaxPayload = (MaxSize - uint64(Overhead)) & AlignMask
)

func mkTag(size uint64, free bool) tag {
	if size > MaxSize {
		BUG("block size %d does not fit in a tag (max %d)\n", size, MaxSize)
	}
	t := tag(size) & sizeMask
	if free {
		t |= freeFlag
	}
	return t
}

func (t tag) isFree() bool { return t&freeFlag != 0 }

func (t tag) size() uint64 { return uint64(t & sizeMask) }

// extent returns the full block size described by the tag.
func (t tag) extent() uint64 {
	if t.isFree() {
		return t.size()
	}
	return t.size() + uint64(Overhead)
}

// blockOf returns the block whose payload starts at p.
func blockOf(p unsafe.Pointer) *block {
	return (*block)(unsafe.Add(p, -int(HeaderSize)))
}

// elemBlock returns the free block holding the list node e.
func elemBlock(e *list.Elem) *block {
	return (*block)(unsafe.Add(unsafe.Pointer(e), -int(nodeOffset)))
}

func (b *block) isFree() bool   { return b.tag.isFree() }
func (b *block) size() uint64   { return b.tag.size() }
func (b *block) extent() uint64 { return b.tag.extent() }

// addr returns the payload address.
func (b *block) addr() unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(b), HeaderSize)
}

// payload returns the usable part of an allocated block as a slice.
func (b *block) payload() []byte {
	return unsafe.Slice((*byte)(b.addr()), b.size())
}

// footer returns the tag at the end of the block.
func (b *block) footer() *tag {
	end := uintptr(b.extent()) - tagSizeof
	return (*tag)(unsafe.Add(unsafe.Pointer(b), end))
}

// next returns the block following b.
func (b *block) next() *block {
	return (*block)(unsafe.Add(unsafe.Pointer(b), b.extent()))
}

// prevFooter returns the footer of the previous block.
func (b *block) prevFooter() *tag {
	return (*tag)(unsafe.Add(unsafe.Pointer(b), -int(tagSizeof)))
}

// prev returns the block before b, as described by its footer.
func (b *block) prev() *block {
	return (*block)(unsafe.Add(unsafe.Pointer(b), -int(b.prevFooter().extent())))
}

// setAllocated tags b as allocated with the given payload size.
func (b *block) setAllocated(size uint64) {
	b.tag = mkTag(size, false)
	*b.footer() = b.tag
}

// setFree tags b as a free block of total size.
func (b *block) setFree(total uint64) {
	b.tag = mkTag(total, true)
	*b.footer() = b.tag
}

// roundUp rounds up a size to the next Alignment multiple.
func roundUp(s uint64) uint64 {
	return (s + (Alignment - 1)) & AlignMask
}
