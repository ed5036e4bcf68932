// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Minor collection cycle and dispatcher (§4.6, §4.8).

package gc

import "go.uber.org/zap"

// EmptyMinorHeap implements empty_minor_heap(aging_ratio): promote or
// age every reachable young block, then flip the semispaces so the
// just-emptied arena becomes free bump-allocation space again.
//
// agingRatio overrides h.cfg.AgingRatio for this one cycle (forced
// drains, e.g. from SetMinorHeapSize, pass 0 to promote everything).
func (h *Heap) EmptyMinorHeap(agingRatio float64) error {
	if h.inMinorCollection {
		return nil // already running one level up (oldify-triggered recordRef)
	}
	h.inMinorCollection = true
	defer func() { h.inMinorCollection = false }()

	if h.hooks.MinorGCBeginHook != nil {
		h.hooks.MinorGCBeginHook()
	}

	// Drain the modify log before inspecting ref_table at all (§5): a
	// write recorded via Modify but not yet batch-processed is
	// otherwise invisible to this cycle, leaving the field it touched
	// pointing at a young block this collection never visits.
	h.modifyBatch()

	_, otherEnd := h.youngSemispaceBounds(1 - h.minor.semispaceCur)
	h.minor.survivorPtr = otherEnd

	// Step 1: swap in the old ref_table as refTableAux, giving the
	// collector a fresh refTable to accumulate into as promotion
	// proceeds (oldify.go's recordRef calls target refTable).
	h.refSet.refTable, h.refSet.refTableAux = h.refSet.refTableAux, h.refSet.refTable

	// Step 2: long-lived roots are fully promoted — aging_limit equal
	// to alloc_start makes withinAgingRange's range empty.
	h.minor.agingLimit = h.minor.allocStart
	if h.hooks.OldifyMinorLongLivedRoots != nil {
		h.hooks.OldifyMinorLongLivedRoots(h.OldifyOne)
	}

	// Step 3: raise the aging limit, then process the old ref_table
	// (now in refTableAux) under the raised limit — these are
	// existing old-to-young pointers, not roots, so add_to_ref is
	// true: any that still point into the (shrunk) young arena need a
	// fresh refTable entry.
	span := h.minor.allocEnd - h.minor.allocStart
	h.minor.agingLimit = h.minor.allocStart + Addr(float64(span)*clampRatio(agingRatio))

	for i := 0; i < h.refSet.refTableAux.len(); i++ {
		fp := h.refSet.refTableAux.entries[i]
		v := h.readField(fp)
		if v.IsBlock() && h.IsYoung(v.Addr()) {
			h.oldifyOneAux(v, fp, true)
		}
	}
	h.refSet.refTableAux.reset()

	// Step 4: short-lived roots, oldified under the raised aging
	// limit — these may be aged (copied into the survivor area) rather
	// than promoted.
	if h.hooks.OldifyMinorShortLivedRoots != nil {
		h.hooks.OldifyMinorShortLivedRoots(h.OldifyOne)
	}

	h.oldifyMopup()
	h.walkEpheTableKeys()

	h.walkCustomTable()

	if h.hooks.FinalUpdateMinorRootsLast != nil {
		h.hooks.FinalUpdateMinorRootsLast()
	}

	h.counters.MinorCollections++
	h.counters.MinorWords += uint64(h.minor.allocEnd - h.minor.ptr)

	if err := h.flipSemispace(); err != nil {
		return wrap(err, "EmptyMinorHeap: semispace flip failed")
	}

	h.flushCache()
	h.minorGCRequested = false
	h.minor.lastAgingRatio = agingRatio

	if h.hooks.MinorGCEndHook != nil {
		h.hooks.MinorGCEndHook()
	}
	h.log.Debug("gc: minor collection complete",
		zap.Float64("aging_ratio", agingRatio),
		zap.Uint64("minor_collections", h.counters.MinorCollections))
	return nil
}

func clampRatio(r float64) float64 {
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

// walkCustomTable resolves every block §3's custom_table is tracking:
// blocks that died (never forwarded, white) get their finalizer run
// once and are dropped; blocks that survived by promotion are dropped
// (the major heap's own finalization, outside this package's scope,
// takes over); aged blocks, copied into the survivor area, are re-queued
// under their new address so a later cycle re-examines them.
func (h *Heap) walkCustomTable() {
	kept := h.refSet.customTable.entries[:0]
	for _, c := range h.refSet.customTable.entries {
		v := Value(c.block)
		hd := h.addrs.Header(HpOfVal(v))
		if !hd.IsForwardingMarker() {
			if c.finalize != nil {
				c.finalize(v)
			}
			continue
		}
		target := Value(h.addrs.Field(v.Addr(), 0))
		if h.IsYoung(target.Addr()) {
			// Aged: the block physically moved, track its new address.
			kept = append(kept, customRef{block: target.Addr(), finalize: c.finalize})
		}
		// Otherwise promoted: the major heap now owns finalization.
	}
	h.refSet.customTable.entries = kept
}

// GCDispatch implements gc_dispatch (§4.8): run whichever of a minor
// collection and a major slice the bump pointer's position against
// trigger/allocMid requests, repeating the minor collection if
// finalizers run and refill the heap.
func (h *Heap) GCDispatch() {
	if h.minor.ptr <= h.minor.allocStart {
		h.minorGCRequested = true
	} else if h.minor.ptr <= h.minor.allocMid {
		// The trigger did its job bringing us here at the half-full
		// point (§4.8); drop it to allocStart so NeedsGC only fires
		// again once the arena is actually exhausted, not on every
		// allocation between here and then.
		h.minor.trigger = h.minor.allocStart
		h.majorSliceRequested = true
	}

	for {
		ranMinor := false
		if h.minorGCRequested {
			wasIdle := h.Phase == PhaseIdle
			if err := h.EmptyMinorHeap(h.cfg.AgingRatio); err != nil {
				h.fatal(wrap(err, "GCDispatch: minor collection failed"))
			}
			ranMinor = true
			if wasIdle {
				h.runMajorSlice(0)
			}
		}

		if h.majorSliceRequested {
			h.majorSliceRequested = false
			h.runMajorSlice(int(h.major.allocatedWords))
		}

		if !ranMinor || h.hooks.FinalDoCalls == nil {
			return
		}
		if ranAny := h.hooks.FinalDoCalls(); !ranAny {
			return
		}
		// Finalizers may have allocated into the freshly-emptied
		// minor heap; check whether that refilled it enough to need
		// another pass before returning control to the mutator.
		if h.minor.ptr > h.minor.allocStart {
			return
		}
		h.minorGCRequested = true
	}
}

func (h *Heap) runMajorSlice(budget int) {
	if h.hooks.MajorCollectionSlice != nil {
		h.hooks.MajorCollectionSlice(budget)
	}
	h.counters.MajorSlices++
}

// CheckUrgentGC implements caml_check_urgent_gc: if a minor collection
// is pending, run the dispatcher, keeping root alive and returning its
// address afterward (which may have changed if it lived in the minor
// heap). A host with real stack-walking root scanning would instead
// register root as an ordinary root for the duration of the call; this
// package has no native call stack to walk, so it oldifies root
// directly through a reserved scratch field before dispatching.
func (h *Heap) CheckUrgentGC(root Value) Value {
	if !h.minorGCRequested && !h.NeedsGC() {
		return root
	}
	relocate := root.IsBlock() && h.IsYoung(root.Addr())
	if relocate {
		h.oldifyOneAux(root, FieldAddr(h.scratch), false)
	}
	h.GCDispatch()
	if relocate {
		return h.readField(FieldAddr(h.scratch))
	}
	return root
}

// flipSemispace makes the semispace that held this cycle's survivors
// the new allocation arena: mutator allocation resumes just below the
// copied-in survivors (at survivorPtr), not at the raw semispace end,
// since that space is already occupied.
func (h *Heap) flipSemispace() error {
	h.minor.semispaceCur = 1 - h.minor.semispaceCur
	h.minor.allocStart, h.minor.allocEnd = h.youngSemispaceBounds(h.minor.semispaceCur)
	h.minor.ptr = h.minor.survivorPtr
	h.minor.allocMid = h.minor.allocStart + (h.minor.ptr-h.minor.allocStart)/2
	h.minor.trigger = h.minor.allocMid
	h.minor.agingLimit = h.minor.allocStart
	return nil
}
