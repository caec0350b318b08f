// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package memlib

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func testSbrk(t *testing.T, h *Heap) {
	t.Helper()
	require.Zero(t, uintptr(h.Lo())%Align, "region start not aligned")
	require.Equal(t, h.Lo(), h.Hi())
	require.Zero(t, h.Size())

	p, err := h.Sbrk(64)
	require.NoError(t, err)
	require.Equal(t, h.Lo(), p)
	require.Equal(t, uintptr(64), h.Size())
	require.Equal(t, unsafe.Add(h.Lo(), 64), h.Hi())

	// the new space is writable
	b := unsafe.Slice((*byte)(p), 64)
	for i := range b {
		b[i] = byte(i)
	}

	q, err := h.Sbrk(128)
	require.NoError(t, err)
	require.Equal(t, unsafe.Add(p, 64), q)
	require.Equal(t, byte(63), b[63])

	// exact fill up to capacity works
	rest := h.Capacity() - h.Size()
	_, err = h.Sbrk(rest)
	require.NoError(t, err)
	require.Equal(t, h.Capacity(), h.Size())

	hi := h.Hi()
	_, err = h.Sbrk(1)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNoSpace))
	require.Equal(t, hi, h.Hi(), "failed sbrk must not move the break")

	h.Reset()
	require.Zero(t, h.Size())
	require.Equal(t, h.Lo(), h.Hi())
}

func TestSliceHeap(t *testing.T) {
	h := New(4096)
	require.Equal(t, uintptr(4096), h.Capacity())
	testSbrk(t, h)
	require.NoError(t, h.Close())
}

func TestMmapHeap(t *testing.T) {
	h, err := NewMmap(1 << 16)
	if runtime.GOOS == "windows" {
		require.True(t, errors.Is(err, ErrNotSupported))
		return
	}
	require.NoError(t, err)
	testSbrk(t, h)
	require.NoError(t, h.Close())
}

func TestMmapBadCapacity(t *testing.T) {
	_, err := NewMmap(0)
	require.True(t, errors.Is(err, ErrCapacity))
}
