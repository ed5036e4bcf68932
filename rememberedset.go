// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Remembered-set tables (§3).
//
// Three parallel growable buffers, each conceptually
// base ≤ ptr ≤ threshold ≤ limit ≤ end: old→young references
// (ref_table), ephemerons with minor keys/values (ephe_ref_table), and
// custom blocks with finalisers in the minor heap (custom_table).
// Crossing threshold requests a minor GC at the next suspension point;
// reaching limit forces one immediately.

package gc

import "golang.org/x/exp/slices"

// epheRef names one ephemeron record with a key or value slot that may
// point into the minor heap.
type epheRef struct {
	ephemeron Addr
	offset    uintptr
}

// customRef names a custom block currently in the minor heap that
// carries a finaliser.
type customRef struct {
	block    Addr
	finalize func(Value)
}

// growTable is a dynamically-growing buffer with threshold/limit
// watermarks. It never shrinks on its own — reset() (used at the start
// of every minor cycle, §4.6 step 2 / §4.4 step 5) is the only way its
// length returns to zero, mirroring the real table's base/ptr reset
// rather than a per-GC reallocation.
type growTable[T any] struct {
	entries   []T
	threshold int
	limit     int
}

func newGrowTable[T any](initCap, threshold, limit int) *growTable[T] {
	return &growTable[T]{
		entries:   slices.Grow(make([]T, 0), initCap),
		threshold: threshold,
		limit:     limit,
	}
}

func (t *growTable[T]) push(v T) {
	t.entries = append(t.entries, v)
}

func (t *growTable[T]) len() int { return len(t.entries) }

func (t *growTable[T]) reset() { t.entries = t.entries[:0] }

// crossedThreshold reports whether the table's length has reached its
// request-a-minor-GC watermark.
func (t *growTable[T]) crossedThreshold() bool { return len(t.entries) >= t.threshold }

// reachedLimit reports whether the table's length has reached its
// force-a-minor-GC watermark.
func (t *growTable[T]) reachedLimit() bool { return len(t.entries) >= t.limit }

// deleteAt removes the entry at index i without preserving order,
// swapping in the last entry (O(1)) — remembered-set order is never
// semantically meaningful, only membership.
func (t *growTable[T]) deleteAt(i int) {
	n := len(t.entries)
	t.entries[i] = t.entries[n-1]
	t.entries = slices.Delete(t.entries, n-1, n)
}

type rememberedSet struct {
	refTable    *growTable[FieldAddr]
	refTableAux *growTable[FieldAddr] // swapped in at the start of empty_minor_heap
	epheTable   *growTable[epheRef]
	customTable *growTable[customRef]
}

const (
	defaultRefTableCap  = 256
	refTableThreshold   = 1 << 16
	refTableLimit       = 1 << 18
	defaultEpheTableCap = 16
	epheTableThreshold  = 1 << 12
	epheTableLimit      = 1 << 14
)

func newRememberedSet() rememberedSet {
	return rememberedSet{
		refTable:    newGrowTable[FieldAddr](defaultRefTableCap, refTableThreshold, refTableLimit),
		refTableAux: newGrowTable[FieldAddr](defaultRefTableCap, refTableThreshold, refTableLimit),
		epheTable:   newGrowTable[epheRef](defaultEpheTableCap, epheTableThreshold, epheTableLimit),
		customTable: newGrowTable[customRef](defaultEpheTableCap, epheTableThreshold, epheTableLimit),
	}
}

func (r *rememberedSet) reset() {
	r.refTable.reset()
	r.refTableAux.reset()
	r.epheTable.reset()
	r.customTable.reset()
}

// recordRef appends p to ref_table (invariant 1: every major-heap field
// that currently holds a young pointer must appear here, possibly
// lazily via the modify log). It requests or forces a minor GC per the
// threshold/limit watermarks, except while a collection is already
// running — oldify.go calls this mid-cycle on behalf of newly-promoted
// fields and must not re-enter EmptyMinorHeap.
func (h *Heap) recordRef(p FieldAddr) {
	h.refSet.refTable.push(p)
	if h.inMinorCollection {
		return
	}
	if h.refSet.refTable.reachedLimit() {
		_ = h.EmptyMinorHeap(h.cfg.AgingRatio)
		return
	}
	if h.refSet.refTable.crossedThreshold() {
		h.minorGCRequested = true
	}
}

// recordEpheRef appends an ephemeron/key-or-value-offset pair whose
// slot lives in the minor heap.
func (h *Heap) recordEpheRef(ephemeron Addr, offset uintptr) {
	h.refSet.epheTable.push(epheRef{ephemeron: ephemeron, offset: offset})
}

// RegisterCustomFinalizer records block (currently in the minor heap)
// as carrying finalize, to be invoked if the block dies at the next
// minor cycle (§4.6 step 8).
func (h *Heap) RegisterCustomFinalizer(block Addr, finalize func(Value)) {
	h.refSet.customTable.push(customRef{block: block, finalize: finalize})
}
