// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package segmalloc

import (
	"unsafe"

	"github.com/intuitivelabs/slog"
)

// debug is a helper function that does sanity checks on a block.
// On failure it logs a BUG and dumps the allocator status.
func (b *block) debug(sm *SegMalloc) {
	offs := uintptr(unsafe.Pointer(b)) - uintptr(sm.heap.Lo())
	if uint64(offs)+b.extent() > sm.HeapSize() {
		BUG("block %p (address %p) size %d runs past the heap end\n",
			b, b.addr(), b.size())
		sm.dumpStatus()
		return
	}
	if ft := *b.footer(); ft != b.tag {
		BUG("block %p (address %p) header %#x and footer %#x differ\n",
			b, b.addr(), uint32(b.tag), uint32(ft))
		sm.dumpStatus()
	}
}

// DumpStatus writes the current allocator status in the log.
func (sm *SegMalloc) DumpStatus() {
	sm.lock()
	sm.dumpStatus()
	sm.unlock()
}

// dumpStatus will write current status information in the log
func (sm *SegMalloc) dumpStatus() {
	const lev = slog.LDBG
	const prefix = "sm_status "

	if !Log.L(lev) {
		return
	}
	Log.LLog(lev, 0, prefix, "(%p):\n", sm)
	if sm == nil {
		return
	}
	Log.LLog(lev, 0, prefix, "heap size= %d\n", sm.HeapSize())
	Log.LLog(lev, 0, prefix, "used= %d, used+overhead=%d, free=%d\n",
		sm.used.Used, sm.used.RealUsed, sm.Available())
	Log.LLog(lev, 0, prefix, "max used (+overhead)= %d\n",
		sm.used.MaxRealUsed)
	Log.LLog(lev, 0, prefix, "greatest free size= %d\n", sm.greatestSize)
	if sm.options&OptDumpStatsShort != 0 {
		return
	}
	Log.LLog(lev, 0, prefix, "dumping all alloc'ed blocks:\n")
	lo := sm.heap.Lo()
	heapSize := sm.HeapSize()
	i := 0
	for offs := uint64(0); offs < heapSize; i++ {
		b := (*block)(unsafe.Add(lo, offs))
		if !b.isFree() {
			Log.LLog(lev, 0, prefix,
				"   %3d.    address=%p block=%p size=%d\n",
				i, b.addr(), b, b.size())
		}
		if b.extent() == 0 {
			Log.LLog(lev, 0, prefix, "   %3d.    corrupted block %p\n", i, b)
			break
		}
		offs += b.extent()
	}
	Log.LLog(lev, 0, prefix, "dumping free list stats:\n")
	for c := range sm.freeH {
		n := uint64(0)
		lst := &sm.freeH[c].lst
		for e := lst.Begin(); e != lst.End(); e = e.Next() {
			n++
		}
		if n != 0 {
			cmin, cmax := classRange(c)
			Log.LLog(lev, 0, prefix,
				"class= %3d. blocks no.: %5d\n"+
					"\t\t class size: %9d - %9d (first %9d)\n",
				c, n, cmin+1, cmax, elemBlock(lst.Begin()).size())
		}
		if n != sm.freeH[c].no {
			BUG("sm_status: different free block count: %d != %d"+
				" for class %3d\n",
				n, sm.freeH[c].no, c)
		}
	}
	Log.LLog(lev, 0, prefix, "-----------------------------\n")
}
