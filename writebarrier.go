// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Write barrier: modify log + modify cache (§4.7).
//
// modify(fp, v) appends (fp, *fp) to a fixed-size ring (filled in
// reverse), then stores v. When the log fills, modifyBatch drains it
// into the remembered set, consulting a direct-mapped modify cache to
// avoid re-scanning fields this cycle has already resolved. The cache
// is purely an accelerator: flushing it is always safe.

package gc

const (
	modifyLogCapacity = 1024
	cacheBits         = 10 // 2^10 = 1024-entry direct-mapped cache
)

// cacheModifyMultiplier is the same Fibonacci constant used by the page
// table. §9 Open Question (iii) directs that the modify cache's hash
// NOT shift out the low logWordSize bits the way a pointer-aligned hash
// normally would — preserved as-is, which biases low-order-aligned
// field addresses toward the same buckets. Do not "fix" this.
const cacheModifyMultiplier = fib64

type logEntry struct {
	fp  FieldAddr
	old Value
}

type cacheEntry struct {
	fp         FieldAddr
	valid      bool
	inRefTable bool
}

type writeBarrier struct {
	log    []logEntry
	logPos int // next free slot, counts down from len(log); full at 0
	cache  []cacheEntry
}

func newWriteBarrier() writeBarrier {
	wb := writeBarrier{
		log:   make([]logEntry, modifyLogCapacity),
		cache: make([]cacheEntry, 1<<cacheBits),
	}
	wb.logPos = len(wb.log)
	return wb
}

func (h *Heap) cacheIndex(fp FieldAddr) int {
	hv := uint64(fp) * cacheModifyMultiplier
	return int(hv >> (64 - cacheBits))
}

// flushCache zeroes every cache entry. Required at the start of every
// minor cycle and any time GCPhase changes (§4.7, §5 ordering rules).
func (h *Heap) flushCache() {
	for i := range h.wb.cache {
		h.wb.cache[i] = cacheEntry{}
	}
}

// Modify implements the mutator-visible modify(field_ptr, new_value).
func (h *Heap) Modify(fp FieldAddr, v Value) {
	old := Value(h.addrs.Word(Addr(fp)))
	h.wb.logPos--
	h.wb.log[h.wb.logPos] = logEntry{fp: fp, old: old}
	h.addrs.SetWord(Addr(fp), uintptr(v))
	if h.wb.logPos == 0 {
		h.modifyBatch()
	}
}

// Initialize implements the cheaper initialize(field_ptr, v) variant
// for known-zero (never-yet-written) fields: write directly, and if the
// destination is in the major heap and v is young, record it. Never
// touches the log or cache.
func (h *Heap) Initialize(fp FieldAddr, v Value) {
	h.addrs.SetWord(Addr(fp), uintptr(v))
	if !h.IsYoung(Addr(fp)) && v.IsBlock() && h.IsYoung(v.Addr()) {
		h.recordRef(fp)
	}
}

// modifyBatch drains the modify log, per §4.7's batch-processing rules.
func (h *Heap) modifyBatch() {
	for i := h.wb.logPos; i < len(h.wb.log); i++ {
		e := h.wb.log[i]
		h.processLogEntry(e.fp, e.old)
	}
	h.wb.logPos = len(h.wb.log)
}

func (h *Heap) processLogEntry(fp FieldAddr, old Value) {
	if h.IsYoung(Addr(fp)) {
		return
	}

	idx := h.cacheIndex(fp)
	slot := &h.wb.cache[idx]

	if slot.valid && slot.fp == fp {
		if !slot.inRefTable {
			cur := Value(h.addrs.Word(Addr(fp)))
			if cur.IsBlock() && h.IsYoung(cur.Addr()) {
				h.recordRef(fp)
				slot.inRefTable = true
			}
		}
		return
	}

	*slot = cacheEntry{fp: fp, valid: true, inRefTable: false}

	if old.IsBlock() {
		if h.IsYoung(old.Addr()) {
			// A ref_table entry for fp already exists from the write
			// that produced this old young value; nothing to darken.
		} else if h.Phase == PhaseMark {
			h.Darken(old, fp)
		}
	}

	cur := Value(h.addrs.Word(Addr(fp)))
	if cur.IsBlock() && h.IsYoung(cur.Addr()) {
		h.recordRef(fp)
		slot.inRefTable = true
	}
}
