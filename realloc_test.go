// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package segmalloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/intuitivelabs/mallocs/segmalloc/memlib"
)

func TestReallocNil(t *testing.T) {
	sm := newTestMalloc(t, testHeapSize, OptDefaultOptions)
	p := sm.Realloc(nil, 40)
	require.NotNil(t, p)
	require.Equal(t, uint64(48), sm.UsableSize(p))
	requireConsistent(t, sm)
}

func TestReallocSameSize(t *testing.T) {
	sm := newTestMalloc(t, testHeapSize, OptDefaultOptions)
	p := sm.Malloc(100)
	fill(p, 100, 7)
	heapSize := sm.HeapSize()
	require.Equal(t, p, sm.Realloc(p, 112))
	require.Equal(t, p, sm.Realloc(p, 97), "rounds to the same size")
	require.Equal(t, heapSize, sm.HeapSize())
	requireFilled(t, p, 100, 7)
}

func TestReallocShrinkSplitsTail(t *testing.T) {
	sm := newTestMalloc(t, testHeapSize, OptDefaultOptions)
	p := sm.Malloc(100)
	fill(p, 112, 3)

	require.Equal(t, p, sm.Realloc(p, 50))
	require.Equal(t, uint64(64), sm.UsableSize(p))
	requireFilled(t, p, 64, 3)

	tail := blockOf(p).next()
	require.True(t, tail.isFree())
	require.Equal(t, uint64(48), tail.size())
	r := requireConsistent(t, sm)
	require.Equal(t, 1, r.FreeBlocks)
	require.Equal(t, uint64(48), r.FreeBytes)
	require.Equal(t, uint64(64), sm.MUsage().Used)
	require.Zero(t, sm.GreatestSize(), "only free updates greatestSize")
}

func TestReallocShrinkTooSmallTail(t *testing.T) {
	sm := newTestMalloc(t, testHeapSize, OptDefaultOptions)
	p := sm.Malloc(64)
	require.NotNil(t, sm.Malloc(16))

	// 16 bytes can't make a free block: nothing changes
	require.Equal(t, p, sm.Realloc(p, 48))
	require.Equal(t, uint64(64), sm.UsableSize(p))
	r := requireConsistent(t, sm)
	require.Zero(t, r.FreeBlocks)
}

func TestReallocShrinkIntoFreeNext(t *testing.T) {
	sm := newTestMalloc(t, testHeapSize, OptDefaultOptions)
	a := sm.Malloc(128)
	b := sm.Malloc(64)
	require.NotNil(t, sm.Malloc(16))
	fill(a, 128, 9)
	sm.Free(b)

	require.Equal(t, a, sm.Realloc(a, 64))
	require.Equal(t, uint64(64), sm.UsableSize(a))
	requireFilled(t, a, 64, 9)

	n := blockOf(a).next()
	require.True(t, n.isFree())
	require.Equal(t, uint64(96+64), n.size())
	require.Equal(t, unsafe.Pointer(blockOf(b)), unsafe.Add(unsafe.Pointer(n), 64))
	r := requireConsistent(t, sm)
	require.Equal(t, 1, r.FreeBlocks)
	require.Equal(t, uint64(1), sm.freeH[classify(160)].no)
	require.Zero(t, sm.freeH[classify(96)].no)
}

func TestReallocGrowIntoFreeNext(t *testing.T) {
	sm := newTestMalloc(t, testHeapSize, OptDefaultOptions)
	a := sm.Malloc(64)
	b := sm.Malloc(256)
	g := sm.Malloc(16)
	fill(a, 64, 1)
	fill(g, 16, 2)
	sm.Free(b)

	require.Equal(t, a, sm.Realloc(a, 128))
	require.Equal(t, uint64(128), sm.UsableSize(a))
	requireFilled(t, a, 64, 1)
	fill(a, 128, 1)

	n := blockOf(a).next()
	require.True(t, n.isFree())
	require.Equal(t, uint64(288-64), n.size())
	require.Equal(t, blockOf(g), n.next())
	requireFilled(t, g, 16, 2)
	r := requireConsistent(t, sm)
	require.Equal(t, 1, r.FreeBlocks)
	require.Equal(t, uint64(128+16), sm.MUsage().Used)
}

func TestReallocGrowAbsorbsExactNext(t *testing.T) {
	sm := newTestMalloc(t, testHeapSize, OptDefaultOptions)
	a := sm.Malloc(64)
	b := sm.Malloc(32) // 64 bytes block
	g := sm.Malloc(16)
	fill(a, 64, 1)
	sm.Free(b)

	require.Equal(t, a, sm.Realloc(a, 128))
	require.Equal(t, uint64(128), sm.UsableSize(a))
	require.Equal(t, blockOf(g), blockOf(a).next())
	requireFilled(t, a, 64, 1)
	r := requireConsistent(t, sm)
	require.Zero(t, r.FreeBlocks)
}

func TestReallocGrowSmallSlackAbsorbs(t *testing.T) {
	sm := newTestMalloc(t, testHeapSize, OptDefaultOptions)
	a := sm.Malloc(64)
	b := sm.Malloc(48) // 80 bytes block
	g := sm.Malloc(16)
	fill(a, 64, 1)
	sm.Free(b)

	// growing by 64 would leave 16 bytes: the whole neighbour is taken
	require.Equal(t, a, sm.Realloc(a, 128))
	require.Equal(t, uint64(64+80), sm.UsableSize(a))
	require.Equal(t, blockOf(g), blockOf(a).next())
	requireFilled(t, a, 64, 1)
	r := requireConsistent(t, sm)
	require.Zero(t, r.FreeBlocks)
	require.Equal(t, uint64(144+16), sm.MUsage().Used)
}

func TestReallocMoves(t *testing.T) {
	sm := newTestMalloc(t, testHeapSize, OptDefaultOptions)
	a := sm.Malloc(64)
	require.NotNil(t, sm.Malloc(16))
	fill(a, 64, 0xa5)

	q := sm.Realloc(a, 256)
	require.NotNil(t, q)
	require.NotEqual(t, a, q)
	require.Equal(t, uint64(256), sm.UsableSize(q))
	requireFilled(t, q, 64, 0xa5)
	require.True(t, blockOf(a).isFree())
	requireConsistent(t, sm)
}

func TestReallocMovesWhenNextTooSmall(t *testing.T) {
	sm := newTestMalloc(t, testHeapSize, OptDefaultOptions)
	a := sm.Malloc(64)
	b := sm.Malloc(16) // 48 bytes block
	require.NotNil(t, sm.Malloc(16))
	fill(a, 64, 0x11)
	sm.Free(b)

	q := sm.Realloc(a, 128)
	require.NotNil(t, q)
	require.NotEqual(t, a, q)
	requireFilled(t, q, 64, 0x11)
	// a and b are both free now, but not joined
	r := requireConsistent(t, sm)
	require.Equal(t, 2, r.FreeBlocks)
}

func TestReallocFailureKeepsBlock(t *testing.T) {
	sm := New(memlib.New(256), OptDefaultOptions)
	require.NotNil(t, sm)
	a := sm.Malloc(64)
	fill(a, 64, 0x42)

	require.Nil(t, sm.Realloc(a, 512))
	require.Nil(t, sm.Realloc(a, MaxSize))
	require.Equal(t, uint64(64), sm.UsableSize(a))
	requireFilled(t, a, 64, 0x42)
	r := requireConsistent(t, sm)
	require.Zero(t, r.FreeBlocks)
	require.Equal(t, uint64(64), sm.MUsage().Used)
}

func TestReallocFreedPointer(t *testing.T) {
	sm := newTestMalloc(t, testHeapSize, OptDefaultOptions)
	a := sm.Malloc(64)
	require.NotNil(t, sm.Malloc(16))
	sm.Free(a)
	require.Nil(t, sm.Realloc(a, 128))
	requireConsistent(t, sm)
}
