// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package memlib provides a simple sbrk-like heap memory provider.
//
// A Heap reserves its whole capacity up front and hands it out
// incrementally with Sbrk. The managed region [Lo(), Hi()) only grows;
// it shrinks only on Reset. The reserved memory is either a Go byte slice
// or an anonymous mmap mapping.
package memlib

import (
	"unsafe"

	"github.com/pkg/errors"
)

// Align is the alignment of the region start.
const Align = 16

var (
	// ErrNoSpace is returned when the region cannot grow any more.
	ErrNoSpace = errors.New("memlib: out of heap space")
	// ErrNotSupported is returned by NewMmap on platforms without mmap.
	ErrNotSupported = errors.New("memlib: mmap not supported")
	// ErrCapacity is returned for an invalid capacity.
	ErrCapacity = errors.New("memlib: invalid capacity")
)

// Heap is a contiguous, growable memory region.
type Heap struct {
	mem    []byte  // reserved memory, including the alignment pad
	start  uintptr // offset of the aligned region start in mem
	brk    uintptr // current region size
	max    uintptr // capacity
	mapped bool    // mem comes from mmap
}

// New returns a Heap of up to capacity bytes backed by a Go byte slice.
func New(capacity int) *Heap {
	if capacity <= 0 {
		capacity = Align
	}
	h := &Heap{}
	h.init(make([]byte, capacity+Align), uintptr(capacity), false)
	return h
}

// NewMmap returns a Heap of up to capacity bytes backed by an anonymous
// private mapping. The mapping is released by Close.
func NewMmap(capacity int) (*Heap, error) {
	if capacity <= 0 {
		return nil, errors.Wrapf(ErrCapacity, "mmap capacity %d", capacity)
	}
	mem, err := mapAnon(capacity)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %d bytes", capacity)
	}
	h := &Heap{}
	// mmap returns page aligned memory, no pad needed
	h.init(mem, uintptr(capacity), true)
	return h, nil
}

func (h *Heap) init(mem []byte, capacity uintptr, mapped bool) {
	addr := uintptr(unsafe.Pointer(&mem[0]))
	h.mem = mem
	h.start = ((addr + Align - 1) &^ (Align - 1)) - addr
	h.max = capacity
	h.mapped = mapped
	h.brk = 0
}

// Lo returns the address of the first byte of the region.
func (h *Heap) Lo() unsafe.Pointer {
	return unsafe.Pointer(&h.mem[h.start])
}

// Hi returns the address just past the last byte of the region.
func (h *Heap) Hi() unsafe.Pointer {
	return unsafe.Add(h.Lo(), h.brk)
}

// Sbrk grows the region by incr bytes and returns the start of the newly
// added space. On failure the region is left unchanged.
func (h *Heap) Sbrk(incr uintptr) (unsafe.Pointer, error) {
	if incr > h.max-h.brk {
		return nil, errors.Wrapf(ErrNoSpace,
			"sbrk %d bytes (used %d of %d)", incr, h.brk, h.max)
	}
	old := h.Hi()
	h.brk += incr
	return old, nil
}

// Size returns the current region size.
func (h *Heap) Size() uintptr { return h.brk }

// Capacity returns the maximum region size.
func (h *Heap) Capacity() uintptr { return h.max }

// Reset empties the region. Everything handed out before is invalid
// afterwards.
func (h *Heap) Reset() {
	h.brk = 0
}

// Close releases the reserved memory. The Heap must not be used after.
func (h *Heap) Close() error {
	mem := h.mem
	h.mem = nil
	h.brk = 0
	h.max = 0
	if h.mapped && mem != nil {
		return errors.Wrap(unmap(mem), "munmap")
	}
	return nil
}
