// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Minor heap setup and teardown (§4.4).
//
// A double-buffered semispace bump allocator. At any time one semispace
// is the allocation arena [alloc_start, alloc_end); the bump pointer ptr
// starts at alloc_end and decreases toward alloc_start.

package gc

import "go.uber.org/zap"

type minorHeapState struct {
	youngStart, youngEnd Addr // the whole 2×H region
	semispaceWords       uintptr

	allocStart, allocEnd Addr // current allocation arena
	allocMid             Addr // midpoint watermark, requests an early major slice
	ptr                  Addr // bump pointer
	trigger              Addr // allocStart (full) or mid (half-full)

	// agingLimit is the watermark EmptyMinorHeap raises partway through
	// a cycle (§4.6 step 4): blocks whose header lies in
	// [allocStart, agingLimit) are kept in the minor heap (aged) instead
	// of promoted to the major heap.
	agingLimit Addr

	// worklist backs the oldify engine's explicit stack of
	// multi-field blocks still needing their remaining fields scanned
	// (§4.5); capped at ptrStackCap entries: pushWorklist treats going
	// past that as a fatal invariant violation.
	worklist []Value

	// survivorPtr is the bump pointer into the OTHER semispace's
	// survivor area during a collection: aged blocks are copied there
	// (§4.6 step 3/5), decreasing from that semispace's end the same
	// way the mutator's own bump pointer does.
	survivorPtr Addr

	semispaceCur int // 0 or 1, which half is currently the arena

	// ptrStack backs the oldify worklist (§4.5): one entry per
	// promotable block, sized semispace words / whsize_wosize(2).
	ptrStackCap int

	lastAgingRatio float64
}

// youngSemispaceBounds returns the [start, end) of semispace i (0 or 1)
// within the young region.
func (h *Heap) youngSemispaceBounds(i int) (Addr, Addr) {
	start := h.minor.youngStart + Addr(uintptr(i)*h.minor.semispaceWords)
	return start, start + Addr(h.minor.semispaceWords)
}

// IsYoung reports whether addr lies within the whole minor-heap region
// (§3 Invariant 5: page-table classification must agree with this).
func (h *Heap) IsYoung(addr Addr) bool {
	return addr >= h.minor.youngStart && addr < h.minor.youngEnd
}

// SetMinorHeapSize implements set_minor_heap_size(bytes) (§4.4).
func (h *Heap) SetMinorHeapSize(bytes uintptr) error {
	if h.minor.ptr != h.minor.allocEnd || h.minor.lastAgingRatio != 0 {
		if err := h.EmptyMinorHeap(0); err != nil {
			return wrap(err, "SetMinorHeapSize: forced drain failed")
		}
	}

	if h.minor.youngStart != nilAddr {
		h.pages.remove(h.minor.youngStart, h.minor.youngEnd-h.minor.youngStart)
	}

	words := bytes / wordSize
	if words == 0 {
		words = 1
	}
	region := h.addrs.alloc(int(2 * words))

	h.minor.youngStart = region.base
	h.minor.youngEnd = region.end()
	h.minor.semispaceWords = words
	h.minor.semispaceCur = 0
	h.minor.allocStart, h.minor.allocEnd = h.youngSemispaceBounds(0)
	h.minor.ptr = h.minor.allocEnd
	h.minor.allocMid = h.minor.allocStart + Addr(words/2)
	h.minor.trigger = h.minor.allocMid
	h.minor.agingLimit = h.minor.allocStart
	h.minor.ptrStackCap = int(words / whsizeWosize(2))
	h.minor.worklist = h.minor.worklist[:0]

	if err := h.pages.add(InYoung, h.minor.youngStart, h.minor.youngEnd-h.minor.youngStart); err != nil {
		return wrap(err, "SetMinorHeapSize: page table registration failed")
	}

	h.refSet.reset()
	h.flushCache()

	h.log.Info("gc: minor heap resized", zap.Uintptr("bytes", bytes))
	return nil
}

// AllocSmall is the mutator's bump-allocation fast path: decrement ptr
// by whsize_wosize(wosize) words and, if that doesn't cross alloc_start,
// hand back the new block with a fresh valid young header (white, the
// shape Header.IsValidYoungHeader checks). If the allocation would cross
// alloc_start, the caller must run the dispatcher first — AllocSmall
// itself never triggers a collection (§5: suspension points are
// exactly the allocation check and explicit calls).
func (h *Heap) AllocSmall(wosize uintptr, tag Tag) (Value, bool) {
	if wosize == 0 || wosize > MaxYoungWosize {
		return 0, false
	}
	size := whsizeWosize(wosize)
	newPtr := h.minor.ptr - Addr(size)
	if newPtr < h.minor.allocStart {
		return 0, false
	}
	h.minor.ptr = newPtr
	hp := HeaderAddr(newPtr)
	h.addrs.SetHeader(hp, MakeHeader(wosize, tag, White))
	return ValOfHp(hp), true
}

// NeedsGC reports whether the bump pointer has crossed trigger, i.e.
// whether gc_dispatch should run before the next allocation (§5
// suspension point (a)).
func (h *Heap) NeedsGC() bool { return h.minor.ptr <= h.minor.trigger }

// ageAllocate bump-allocates wosize fields from the survivor area of
// the semispace that will become active once the current collection's
// flip completes. It is the collector-internal counterpart to
// AllocSmall, used only by relocationTarget's aging path.
func (h *Heap) ageAllocate(wosize uintptr) (Value, error) {
	otherStart, _ := h.youngSemispaceBounds(1 - h.minor.semispaceCur)
	size := whsizeWosize(wosize)
	newPtr := h.minor.survivorPtr - Addr(size)
	if newPtr < otherStart {
		return 0, ErrOutOfMemory
	}
	h.minor.survivorPtr = newPtr
	return ValOfHp(HeaderAddr(newPtr)), nil
}
