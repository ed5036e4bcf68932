// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Major heap allocator (§4.3).
//
// A singly-linked list of page-aligned chunks. Inside a chunk, headers
// and fields are interleaved contiguously with no gaps; blue-coloured
// blocks form a free list threaded through field 0. Free-list search
// policy (fl_allocate/fl_add_blocks, §6) is owned here: §2's component
// table gives the major heap a 25% budget explicitly covering "growth
// by request, optional huge-page backing, colouring policy tied to
// collector phase" — the free list that backs alloc_shr is this
// component's own state, not a hand-off to the external mark/sweep
// machine (which this package consumes only via Phase and Darken).

package gc

import "go.uber.org/zap"

// GCPhase is the external major collector's read-only phase flag (§6).
type GCPhase uint8

const (
	PhaseIdle GCPhase = iota
	PhaseMark
	PhaseSweep
	PhaseClean
)

// majorChunk is one page-aligned range obtained from the system
// allocator. Its bookkeeping (size, link, redarken cursor) lives in
// ordinary Go memory — it is allocator metadata, never a traced object.
type majorChunk struct {
	region *memRegion
	words  uintptr
	next   *majorChunk

	// redarkenCursor supports an external incremental mark phase that
	// needs to revisit blocks allocated after it last scanned this
	// chunk; this package only stores and exposes it (via
	// MarkAllocatedSince), it never interprets it.
	redarkenCursor Addr
}

type majorHeapState struct {
	chunks   *majorChunk
	numChunks int

	// freeList is the head of the blue free list, threaded through
	// field 0 of each free block; nilAddr terminates it.
	freeList Addr

	allocatedWords uintptr // since last major slice request
	heapWords      uintptr // stat_heap_wsz
	topHeapWords   uintptr // stat_top_heap_wsz

	sweepCursor Addr // set by the external collector's phase callback
}

const (
	defaultChunkWords = 256 * 1024 / wordSize // 256 KiB default chunk
	minChunkWords     = 4096 / wordSize
)

// AllocShr implements alloc_shr(wosize, tag): allocate a wosize-field
// block in the major heap, stamping a phase-dependent colour. Returns
// ErrRequestTooLarge if wosize exceeds MaxWosize (§7 kind 3).
func (h *Heap) AllocShr(wosize uintptr, tag Tag) (Value, error) {
	return h.allocShr(wosize, tag, nil)
}

// AllocShrPreservingProfinfo implements
// alloc_shr_preserving_profinfo(wosize, tag, old_header): like AllocShr,
// but copies profiling bits from oldHeader instead of computing fresh
// ones. This package does not model profiling bits beyond the
// size/tag/colour triple, so it is currently identical to AllocShr; the
// separate entry point is kept because oldify.go calls it by name to
// stay aligned with §4.5's decision table wording.
func (h *Heap) AllocShrPreservingProfinfo(wosize uintptr, tag Tag, oldHeader Header) (Value, error) {
	return h.allocShr(wosize, tag, &oldHeader)
}

func (h *Heap) allocShr(wosize uintptr, tag Tag, _ *Header) (Value, error) {
	if wosize == 0 || wosize > MaxWosize {
		return 0, ErrRequestTooLarge
	}
	hp, ok := h.flAllocate(wosize)
	if !ok {
		over := overRequest(wosize, h.cfg.PercentFree)
		if err := h.growMajorHeap(over); err != nil {
			if h.inMinorCollection {
				h.fatal(wrap(err, "alloc_shr: major heap growth failed during minor collection"))
			}
			return 0, wrap(err, "alloc_shr: major heap growth failed")
		}
		hp, ok = h.flAllocate(wosize)
		if !ok {
			// Should not happen: growMajorHeap always adds at least
			// enough blocks for this request. Treat as fatal rather
			// than silently returning a sentinel.
			h.fatal(wrap(ErrOutOfMemory, "alloc_shr: retry after growth still failed"))
		}
	}

	color := h.majorAllocColor(Addr(hp))
	header := MakeHeader(wosize, tag, color)
	h.addrs.SetHeader(hp, header)

	v := ValOfHp(hp)
	h.major.allocatedWords += whsizeWosize(wosize)
	h.counters.AllocatedWords += uint64(whsizeWosize(wosize))
	if h.major.allocatedWords > h.cfg.MinorHeapBytes/wordSize {
		h.requestMajorSlice()
		h.major.allocatedWords = 0
	}
	if h.hooks.MemprofTrackAllocShr != nil {
		h.hooks.MemprofTrackAllocShr(v)
	}
	return v, nil
}

// majorAllocColor implements §4.3's phase-dependent colouring table.
// hp is the header address of the block being handed out; during
// PhaseSweep the decision depends on where hp falls relative to
// h.major.sweepCursor, not on anything already stored at hp.
func (h *Heap) majorAllocColor(hp Addr) Color {
	switch h.Phase {
	case PhaseMark, PhaseClean:
		return Black
	case PhaseSweep:
		if hp >= h.major.sweepCursor {
			return Black
		}
		return White
	default: // PhaseIdle
		return White
	}
}

// overRequest pads wosize by percentFree/100, per §4.3 step 1.
func overRequest(wosize uintptr, percentFree int) uintptr {
	if percentFree < 0 {
		percentFree = 0
	}
	padded := wosize + wosize*uintptr(percentFree)/100
	if padded < wosize+1 {
		padded = wosize + 1
	}
	return padded
}

// whsizeWosize returns the whole-block size (header + fields) in words.
func whsizeWosize(wosize uintptr) uintptr { return wosize + 1 }

// flAllocate searches the free list for a block of at least wosize
// fields, splitting off any remainder back onto the free list.
func (h *Heap) flAllocate(wosize uintptr) (HeaderAddr, bool) {
	var prev Addr = nilAddr
	cur := h.major.freeList
	for cur != nilAddr {
		hp := HeaderAddr(cur)
		hdr := h.addrs.Header(hp)
		freeWosize := hdr.Wosize()
		next := Addr(h.addrs.Field(ValOfHp(hp).Addr(), 0))
		if freeWosize >= wosize {
			h.unlinkFree(prev, cur, next)
			if remain := freeWosize - wosize; remain >= 1 {
				// Split: carve the tail back onto the free list as
				// its own blue block.
				tailHp := HeaderAddr(cur) + HeaderAddr(whsizeWosize(wosize))
				h.addrs.SetHeader(tailHp, MakeHeader(remain-1, 0, Blue))
				if remain-1 > 0 {
					h.pushFree(Addr(tailHp))
				}
			}
			return hp, true
		}
		prev = cur
		cur = next
	}
	return 0, false
}

func (h *Heap) unlinkFree(prev, cur, next Addr) {
	if prev == nilAddr {
		h.major.freeList = next
	} else {
		h.addrs.SetField(ValOfHp(HeaderAddr(prev)).Addr(), 0, Value(next))
	}
}

// pushFree threads a new blue block (header already written at hp)
// onto the head of the free list.
func (h *Heap) pushFree(hp Addr) {
	h.addrs.SetField(ValOfHp(HeaderAddr(hp)).Addr(), 0, Value(h.major.freeList))
	h.major.freeList = hp
}

// FlAddBlocks implements fl_add_blocks(chain): splice an
// already-linked chain of blue blocks onto the free list in one O(1)
// operation (used when a newly-grown chunk is sliced into blocks).
func (h *Heap) FlAddBlocks(chainHead, chainTail Addr) {
	if chainHead == nilAddr {
		return
	}
	h.addrs.SetField(ValOfHp(HeaderAddr(chainTail)).Addr(), 0, Value(h.major.freeList))
	h.major.freeList = chainHead
}

// growMajorHeap obtains a new chunk of at least wosizeNeeded fields,
// slices it into blue blocks of at most MaxWosize each, and adds them
// to the free list in one splice (§4.3 step 1, original_source's
// caml_alloc_for_heap page-rounding rule, see DESIGN.md).
func (h *Heap) growMajorHeap(wosizeNeeded uintptr) error {
	chunkWords := defaultChunkWords
	needed := whsizeWosize(wosizeNeeded)
	if uintptr(chunkWords) < needed {
		chunkWords = int(roundUpPages(needed))
	}

	region, err := h.allocForHeap(uintptr(chunkWords))
	if err != nil {
		return err
	}

	c := &majorChunk{region: region, words: uintptr(chunkWords)}
	c.next = h.major.chunks
	h.major.chunks = c
	h.major.numChunks++
	h.major.heapWords += uintptr(chunkWords)
	if h.major.heapWords > h.major.topHeapWords {
		h.major.topHeapWords = h.major.heapWords
	}
	h.counters.HeapWsz = uint64(h.major.heapWords)
	h.counters.TopHeapWsz = uint64(h.major.topHeapWords)
	h.counters.HeapChunks = uint64(h.major.numChunks)

	if err := h.pages.add(InHeap, region.base, region.end()-region.base); err != nil {
		return wrap(err, "growMajorHeap: page table add failed")
	}

	h.sliceChunkIntoFreeBlocks(region)
	h.log.Debug("gc: major heap grew", zap.Int("words", chunkWords), zap.Int("chunks", h.major.numChunks))
	return nil
}

// roundUpPages rounds a word count up to a whole number of pages, per
// original_source/runtime/memory.c's caml_alloc_for_heap (see
// SPEC_FULL.md §4 Supplemented Features).
func roundUpPages(words uintptr) uintptr {
	if rem := words % pageWords; rem != 0 {
		words += pageWords - rem
	}
	return words
}

// sliceChunkIntoFreeBlocks chops a freshly-obtained region into blocks
// of at most MaxWosize fields each, threaded together, then splices
// the whole chain onto the free list via FlAddBlocks.
func (h *Heap) sliceChunkIntoFreeBlocks(region *memRegion) {
	total := uintptr(len(region.words))
	var head, tail Addr = nilAddr, nilAddr
	pos := region.base
	remaining := total
	for remaining > 1 {
		block := remaining - 1
		if block > MaxWosize {
			block = MaxWosize
		}
		hp := HeaderAddr(pos)
		h.addrs.SetHeader(hp, MakeHeader(block, 0, Blue))
		if head == nilAddr {
			head = Addr(hp)
		} else {
			h.addrs.SetField(ValOfHp(HeaderAddr(tail)).Addr(), 0, Value(Addr(hp)))
		}
		tail = Addr(hp)
		pos += Addr(whsizeWosize(block))
		remaining -= whsizeWosize(block)
	}
	if head != nilAddr {
		h.FlAddBlocks(head, tail)
	}
}

// ShrinkHeap releases the most recently added chunk if it is entirely
// free, per original_source's caml_shrink_heap (SPEC_FULL.md §4): the
// chunk's range is unregistered from the page table before its backing
// memory is released (required ordering, §5's "Scoped resources").
// Shrinking a chunk that still holds any live or blue-but-shared block
// is not attempted: this implementation only reclaims a chunk that is
// a single, whole free block covering its entire range.
func (h *Heap) ShrinkHeap() bool {
	c := h.major.chunks
	if c == nil {
		return false
	}
	hdr := h.addrs.Header(HeaderAddr(c.region.base))
	if hdr.Color() != Blue || whsizeWosize(hdr.Wosize()) != c.words {
		return false
	}
	h.removeFromFreeList(c.region.base)
	h.pages.remove(c.region.base, c.region.end()-c.region.base)
	h.releaseChunk(c)

	h.major.chunks = c.next
	h.major.numChunks--
	h.major.heapWords -= c.words
	h.counters.HeapChunks = uint64(h.major.numChunks)
	h.counters.HeapWsz = uint64(h.major.heapWords)
	return true
}

func (h *Heap) removeFromFreeList(addr Addr) {
	var prev Addr = nilAddr
	cur := h.major.freeList
	for cur != nilAddr {
		next := Addr(h.addrs.Field(ValOfHp(HeaderAddr(cur)).Addr(), 0))
		if cur == addr {
			h.unlinkFree(prev, cur, next)
			return
		}
		prev = cur
		cur = next
	}
}

// MarkAllocatedSince lets the external mark phase record a redarken
// cursor on the chunk containing addr — consumed, never interpreted,
// by this package (§1 scope boundary).
func (h *Heap) MarkAllocatedSince(addr Addr, cursor Addr) {
	for c := h.major.chunks; c != nil; c = c.next {
		if c.region.contains(addr) {
			c.redarkenCursor = cursor
			return
		}
	}
}

func (h *Heap) requestMajorSlice() {
	h.majorSliceRequested = true
}
