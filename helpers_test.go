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

const testHeapSize = 1 << 20

func newTestMalloc(t *testing.T, capacity int, opts Options) *SegMalloc {
	t.Helper()
	sm := New(memlib.New(capacity), opts)
	require.NotNil(t, sm)
	return sm
}

func bytesAt(p unsafe.Pointer, n uint64) []byte {
	return unsafe.Slice((*byte)(p), n)
}

func fill(p unsafe.Pointer, n uint64, v byte) {
	b := bytesAt(p, n)
	for i := range b {
		b[i] = v
	}
}

func requireFilled(t *testing.T, p unsafe.Pointer, n uint64, v byte) {
	t.Helper()
	b := bytesAt(p, n)
	for i := range b {
		if b[i] != v {
			require.Failf(t, "payload corrupted",
				"%p[%d] = %#x, expected %#x", p, i, b[i], v)
		}
	}
}

func requireConsistent(t *testing.T, sm *SegMalloc) Report {
	t.Helper()
	r := sm.Check()
	require.True(t, r.OK(), "heap check failed: %v", r.Violations)
	return r
}

func kinds(r Report) []ViolationKind {
	var k []ViolationKind
	for _, v := range r.Violations {
		k = append(k, v.Kind)
	}
	return k
}

