// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package trace

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/intuitivelabs/mallocs/segmalloc"
)

// Allocator is the allocator interface needed to replay a trace.
// It is implemented by *segmalloc.SegMalloc.
type Allocator interface {
	Malloc(size uint64) unsafe.Pointer
	Free(p unsafe.Pointer)
	Realloc(p unsafe.Pointer, size uint64) unsafe.Pointer
	UsableSize(p unsafe.Pointer) uint64
	HeapSize() uint64
	Check() segmalloc.Report
}

var (
	// ErrOutOfMemory is returned when the allocator fails an operation.
	ErrOutOfMemory = errors.New("trace: out of memory")
	// ErrCorrupted is returned when a payload or the heap got corrupted.
	ErrCorrupted = errors.New("trace: heap corrupted")
	// ErrBadID is returned for operations on unknown or live ids.
	ErrBadID = errors.New("trace: bad block id")
)

// ReplayOptions controls Replay.
type ReplayOptions struct {
	// CheckEvery runs the allocator consistency check after every
	// CheckEvery operations. 0 checks only at the end.
	CheckEvery int
}

// Result holds replay statistics.
type Result struct {
	Ops         int
	PeakPayload uint64  // maximum sum of live requested sizes
	HeapSize    uint64  // heap size at the end
	Utilization float64 // PeakPayload / HeapSize
}

type liveBlock struct {
	p    unsafe.Pointer
	size uint64
}

// pattern is the byte written in every payload byte of block id.
func pattern(id int) byte {
	return byte(id*7 + 1)
}

func payload(b liveBlock) []byte {
	return unsafe.Slice((*byte)(b.p), b.size)
}

func verify(b liveBlock, n uint64, id int) bool {
	v := pattern(id)
	for _, c := range payload(b)[:n] {
		if c != v {
			return false
		}
	}
	return true
}

func fill(b liveBlock, id int) {
	v := pattern(id)
	buf := payload(b)
	for i := range buf {
		buf[i] = v
	}
}

// Replay runs all the operations of t against a. Every payload is filled
// with a pattern derived from its id and the pattern is verified before
// the block is resized or freed and, for all live blocks, at the end.
// Blocks still live at the end are freed.
func Replay(a Allocator, t *Trace, opts ReplayOptions) (Result, error) {
	var res Result
	live := make(map[int]liveBlock, t.IDs)
	var cur uint64

	check := func(op Op) error {
		if r := a.Check(); !r.OK() {
			return errors.Wrapf(ErrCorrupted, "line %d: %d violations,"+
				" first: %s", op.Line, len(r.Violations), r.Violations[0])
		}
		return nil
	}

	for i, op := range t.Ops {
		b, ok := live[op.ID]
		switch op.Kind {
		case Alloc:
			if ok {
				return res, errors.Wrapf(ErrBadID,
					"line %d: id %d already allocated", op.Line, op.ID)
			}
			p := a.Malloc(op.Size)
			if p == nil {
				return res, errors.Wrapf(ErrOutOfMemory,
					"line %d: alloc %d bytes", op.Line, op.Size)
			}
			if uintptr(p)%segmalloc.Alignment != 0 {
				return res, errors.Wrapf(ErrCorrupted,
					"line %d: %p not aligned", op.Line, p)
			}
			b = liveBlock{p, op.Size}
			fill(b, op.ID)
			live[op.ID] = b
			cur += op.Size
		case Realloc:
			if !ok {
				return res, errors.Wrapf(ErrBadID,
					"line %d: realloc of unknown id %d", op.Line, op.ID)
			}
			if !verify(b, b.size, op.ID) {
				return res, errors.Wrapf(ErrCorrupted,
					"line %d: id %d payload overwritten", op.Line, op.ID)
			}
			p := a.Realloc(b.p, op.Size)
			if op.Size == 0 {
				delete(live, op.ID)
				cur -= b.size
				break
			}
			if p == nil {
				return res, errors.Wrapf(ErrOutOfMemory,
					"line %d: realloc id %d to %d bytes",
					op.Line, op.ID, op.Size)
			}
			n := b.size
			if op.Size < n {
				n = op.Size
			}
			nb := liveBlock{p, op.Size}
			if !verify(nb, n, op.ID) {
				return res, errors.Wrapf(ErrCorrupted,
					"line %d: id %d payload not preserved by realloc",
					op.Line, op.ID)
			}
			fill(nb, op.ID)
			live[op.ID] = nb
			cur = cur - b.size + op.Size
		case Free:
			if !ok {
				return res, errors.Wrapf(ErrBadID,
					"line %d: free of unknown id %d", op.Line, op.ID)
			}
			if !verify(b, b.size, op.ID) {
				return res, errors.Wrapf(ErrCorrupted,
					"line %d: id %d payload overwritten", op.Line, op.ID)
			}
			a.Free(b.p)
			delete(live, op.ID)
			cur -= b.size
		}
		res.Ops++
		if cur > res.PeakPayload {
			res.PeakPayload = cur
		}
		if opts.CheckEvery > 0 && (i+1)%opts.CheckEvery == 0 {
			if err := check(op); err != nil {
				return res, err
			}
		}
	}

	for id, b := range live {
		if !verify(b, b.size, id) {
			return res, errors.Wrapf(ErrCorrupted,
				"id %d payload overwritten", id)
		}
	}
	end := Op{Line: 0}
	if len(t.Ops) > 0 {
		end = t.Ops[len(t.Ops)-1]
	}
	if err := check(end); err != nil {
		return res, err
	}
	res.HeapSize = a.HeapSize()
	if res.HeapSize > 0 {
		res.Utilization = float64(res.PeakPayload) / float64(res.HeapSize)
	}
	for _, b := range live {
		a.Free(b.p)
	}
	return res, nil
}
