// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrowTablePushLenReset(t *testing.T) {
	gt := newGrowTable[int](2, 100, 200)
	assert.Equal(t, 0, gt.len())
	gt.push(1)
	gt.push(2)
	assert.Equal(t, 2, gt.len())
	gt.reset()
	assert.Equal(t, 0, gt.len())
}

func TestGrowTableThresholdAndLimit(t *testing.T) {
	gt := newGrowTable[int](2, 2, 3)
	gt.push(1)
	assert.False(t, gt.crossedThreshold())
	assert.False(t, gt.reachedLimit())
	gt.push(2)
	assert.True(t, gt.crossedThreshold())
	assert.False(t, gt.reachedLimit())
	gt.push(3)
	assert.True(t, gt.reachedLimit())
}

// TestGrowTableDeleteAtSwapsLast covers the O(1) unordered removal: the
// deleted slot is backfilled from the tail rather than shifting
// everything down.
func TestGrowTableDeleteAtSwapsLast(t *testing.T) {
	gt := newGrowTable[int](4, 100, 200)
	gt.push(10)
	gt.push(20)
	gt.push(30)
	gt.deleteAt(0)
	require.Equal(t, 2, gt.len())
	assert.ElementsMatch(t, []int{30, 20}, gt.entries)
}

// TestRecordRefRequestsMinorGCAtThreshold covers invariant 1's watermark
// signalling: crossing threshold only flags minorGCRequested for the
// next suspension point, it never collects synchronously.
func TestRecordRefRequestsMinorGCAtThreshold(t *testing.T) {
	h := newTestHeap(t, smallTestConfig())
	h.refSet.refTable = newGrowTable[FieldAddr](4, 2, 1000)

	h.recordRef(FieldAddr(8))
	assert.False(t, h.minorGCRequested)

	h.recordRef(FieldAddr(16))
	assert.True(t, h.minorGCRequested)
	assert.Equal(t, uint64(0), h.counters.MinorCollections)
}

// TestRecordRefForcesMinorGCAtLimit covers the force-immediately
// watermark: reaching limit runs a synchronous minor collection right
// inside recordRef, draining the table that just hit the limit.
func TestRecordRefForcesMinorGCAtLimit(t *testing.T) {
	h := newTestHeap(t, smallTestConfig())
	h.refSet.refTable = newGrowTable[FieldAddr](4, 1000, 1)

	major, err := h.AllocShr(1, ObjectTag)
	require.NoError(t, err)
	h.Initialize(FieldAddr(major.Addr()), MakeLong(0))

	h.recordRef(FieldAddr(major.Addr()))

	assert.Equal(t, uint64(1), h.counters.MinorCollections)
	assert.False(t, h.minorGCRequested)
	assert.Equal(t, 0, h.refSet.refTableAux.len())
}

// TestRecordRefDuringCollectionNeverReenters covers oldify.go's own
// mid-cycle recordRef calls: while inMinorCollection is set, reaching
// the limit must not recursively invoke EmptyMinorHeap.
func TestRecordRefDuringCollectionNeverReenters(t *testing.T) {
	h := newTestHeap(t, smallTestConfig())
	h.refSet.refTable = newGrowTable[FieldAddr](4, 1000, 1)
	h.inMinorCollection = true

	h.recordRef(FieldAddr(8))

	assert.Equal(t, uint64(0), h.counters.MinorCollections)
	assert.Equal(t, 1, h.refSet.refTable.len())
}

func TestRecordEpheRefAppendsEntry(t *testing.T) {
	h := newTestHeap(t, smallTestConfig())
	h.recordEpheRef(Addr(100), epheDataOffset)
	require.Equal(t, 1, h.refSet.epheTable.len())
	assert.Equal(t, epheRef{ephemeron: Addr(100), offset: epheDataOffset}, h.refSet.epheTable.entries[0])
}

func TestRegisterCustomFinalizerAppendsEntry(t *testing.T) {
	h := newTestHeap(t, smallTestConfig())
	v := allocYoungBlock(t, h, 1, CustomTag)
	h.RegisterCustomFinalizer(v.Addr(), func(Value) {})
	require.Equal(t, 1, h.refSet.customTable.len())
	assert.Equal(t, v.Addr(), h.refSet.customTable.entries[0].block)
}

// TestWalkCustomTableFinalizesDeadBlock covers §4.6 step 8's dead-block
// branch: a custom block whose header was never turned into a
// forwarding marker did not survive the cycle, so its finalizer runs
// once and it is dropped from the table.
func TestWalkCustomTableFinalizesDeadBlock(t *testing.T) {
	h := newTestHeap(t, smallTestConfig())
	v := allocYoungBlock(t, h, 1, CustomTag)

	finalizedWith := Value(0)
	h.RegisterCustomFinalizer(v.Addr(), func(fv Value) { finalizedWith = fv })

	h.walkCustomTable()

	assert.Equal(t, v, finalizedWith)
	assert.Equal(t, 0, h.refSet.customTable.len())
}

// TestWalkCustomTablePromotedBlockDropsWithoutFinalize covers the
// promoted branch: forwarded to a major-heap address, so this package's
// job is done and the major heap's own finalization takes over.
func TestWalkCustomTablePromotedBlockDropsWithoutFinalize(t *testing.T) {
	h := newTestHeap(t, smallTestConfig())
	v := allocYoungBlock(t, h, 1, CustomTag)
	major, err := h.AllocShr(1, CustomTag)
	require.NoError(t, err)
	h.addrs.SetHeader(HpOfVal(v), 0)
	h.addrs.SetField(v.Addr(), 0, major)

	finalized := false
	h.RegisterCustomFinalizer(v.Addr(), func(Value) { finalized = true })

	h.walkCustomTable()

	assert.False(t, finalized)
	assert.Equal(t, 0, h.refSet.customTable.len())
}

// TestWalkCustomTableAgedBlockIsRequeuedWithNewAddress covers the aged
// branch: forwarded to a still-young address (the survivor copy), so
// the entry is re-queued under its new address for a later cycle
// rather than finalized or dropped.
func TestWalkCustomTableAgedBlockIsRequeuedWithNewAddress(t *testing.T) {
	h := newTestHeap(t, smallTestConfig())
	v := allocYoungBlock(t, h, 1, CustomTag)
	newLoc := allocYoungBlock(t, h, 1, CustomTag) // stand-in for the aged survivor copy
	h.addrs.SetHeader(HpOfVal(v), 0)
	h.addrs.SetField(v.Addr(), 0, newLoc)

	finalized := false
	h.RegisterCustomFinalizer(v.Addr(), func(Value) { finalized = true })

	h.walkCustomTable()

	assert.False(t, finalized)
	require.Equal(t, 1, h.refSet.customTable.len())
	assert.Equal(t, newLoc.Addr(), h.refSet.customTable.entries[0].block)
}

// TestEphemeronAliveChecksOnlyKeyFields covers ephemeronAlive: a dead
// (young, white, unforwarded) key makes the ephemeron dead, a promoted
// key makes it alive, and an EpheNone key never counts against it.
func TestEphemeronAliveChecksOnlyKeyFields(t *testing.T) {
	h := newTestHeap(t, smallTestConfig())
	// Layout: field 0 is the ephemeron's own link bookkeeping (untouched
	// here), field 1 (epheDataOffset) is the data slot, field 2
	// (epheFirstKeyOffset) is the first key slot.
	ephe := allocYoungBlock(t, h, 3, ObjectTag)
	h.addrs.SetField(ephe.Addr(), 0, MakeLong(0))
	h.addrs.SetField(ephe.Addr(), epheDataOffset, EpheNone)

	// A key that is still young and white (never visited) is dead.
	dead := allocYoungBlock(t, h, 1, ObjectTag)
	h.addrs.SetField(ephe.Addr(), epheFirstKeyOffset, dead)
	assert.False(t, h.ephemeronAlive(ephe.Addr()))

	// Replace it with EpheNone: no key remains dead.
	h.addrs.SetField(ephe.Addr(), epheFirstKeyOffset, EpheNone)
	assert.True(t, h.ephemeronAlive(ephe.Addr()))

	// Replace it with a promoted (forwarded) key: alive again.
	live := allocYoungBlock(t, h, 1, ObjectTag)
	root := newRootSlot(h, live)
	h.OldifyOne(live, root.fieldAddr())
	h.addrs.SetField(ephe.Addr(), epheFirstKeyOffset, root.get(h))
	assert.True(t, h.ephemeronAlive(ephe.Addr()))
}

// TestOldifyMopupResolvesLiveEphemeronData covers §4.5's ephemeron pass:
// once every key is alive, a young data field is oldified in place and
// the pass reports progress so callers loop to a fixed point.
func TestOldifyMopupResolvesLiveEphemeronData(t *testing.T) {
	h := newTestHeap(t, smallTestConfig())

	ephe := allocYoungBlock(t, h, 3, ObjectTag) // [link, data, key0]
	h.addrs.SetField(ephe.Addr(), 0, MakeLong(0))
	key := allocYoungBlock(t, h, 1, ObjectTag)
	h.addrs.SetField(ephe.Addr(), epheFirstKeyOffset, key)

	data := allocYoungBlock(t, h, 1, ObjectTag)
	h.addrs.SetField(data.Addr(), 0, MakeLong(42))
	h.addrs.SetField(ephe.Addr(), epheDataOffset, data)

	// The key is promoted first (alive), leaving only the data field
	// needing resolution by the ephemeron pass itself.
	keyRoot := newRootSlot(h, key)
	h.OldifyOne(key, keyRoot.fieldAddr())
	h.addrs.SetField(ephe.Addr(), epheFirstKeyOffset, keyRoot.get(h))

	h.recordEpheRef(ephe.Addr(), epheDataOffset)
	h.oldifyMopup()

	resolved := Value(h.addrs.Field(ephe.Addr(), epheDataOffset))
	require.True(t, resolved.IsBlock())
	assert.False(t, h.IsYoung(resolved.Addr()))
	assert.Equal(t, MakeLong(42), Value(h.addrs.Field(resolved.Addr(), 0)))
}

// TestOldifyMopupLeavesDataUntouchedWhileKeyIsDead covers the
// not-yet-alive branch: with a dead key still in the minor heap, the
// data field is left exactly as-is (not oldified, not nulled out — the
// mopup pass only oldifies data whose keys are all alive; dead keys are
// erased later by walkEpheTableKeys, and no pass clears the data slot).
func TestOldifyMopupLeavesDataUntouchedWhileKeyIsDead(t *testing.T) {
	h := newTestHeap(t, smallTestConfig())

	ephe := allocYoungBlock(t, h, 3, ObjectTag) // [link, data, key0]
	h.addrs.SetField(ephe.Addr(), 0, MakeLong(0))
	deadKey := allocYoungBlock(t, h, 1, ObjectTag)
	h.addrs.SetField(ephe.Addr(), epheFirstKeyOffset, deadKey)

	data := allocYoungBlock(t, h, 1, ObjectTag)
	h.addrs.SetField(ephe.Addr(), epheDataOffset, data)

	h.recordEpheRef(ephe.Addr(), epheDataOffset)
	h.oldifyMopup()

	stillData := Value(h.addrs.Field(ephe.Addr(), epheDataOffset))
	assert.Equal(t, data, stillData)
	assert.True(t, h.IsYoung(stillData.Addr()))
}

// TestWalkEpheTableKeysFollowsPromotedKey covers §4.6 step 8's
// fix-promoted-key branch: a key already forwarded by the time the
// table is walked is replaced in the ephemeron slot with its new
// (major-heap) address.
func TestWalkEpheTableKeysFollowsPromotedKey(t *testing.T) {
	h := newTestHeap(t, smallTestConfig())

	ephe := allocYoungBlock(t, h, 3, ObjectTag) // [link, data, key0]
	h.addrs.SetField(ephe.Addr(), 0, MakeLong(0))
	h.addrs.SetField(ephe.Addr(), epheDataOffset, EpheNone)
	key := allocYoungBlock(t, h, 1, ObjectTag)
	h.addrs.SetField(key.Addr(), 0, MakeLong(9))
	h.addrs.SetField(ephe.Addr(), epheFirstKeyOffset, key)

	h.recordEpheRef(ephe.Addr(), epheFirstKeyOffset)

	keyRoot := newRootSlot(h, key)
	h.OldifyOne(key, keyRoot.fieldAddr())
	promoted := keyRoot.get(h)
	require.False(t, h.IsYoung(promoted.Addr()))

	h.walkEpheTableKeys()

	got := Value(h.addrs.Field(ephe.Addr(), epheFirstKeyOffset))
	assert.Equal(t, promoted, got)
}

// TestWalkEpheTableKeysErasesDeadKey covers the erase-dead branch: a
// key that never forwarded (collected, still white) is nulled out to
// EpheNone rather than left pointing at reclaimed space.
func TestWalkEpheTableKeysErasesDeadKey(t *testing.T) {
	h := newTestHeap(t, smallTestConfig())

	ephe := allocYoungBlock(t, h, 3, ObjectTag) // [link, data, key0]
	h.addrs.SetField(ephe.Addr(), 0, MakeLong(0))
	h.addrs.SetField(ephe.Addr(), epheDataOffset, EpheNone)
	deadKey := allocYoungBlock(t, h, 1, ObjectTag)
	h.addrs.SetField(ephe.Addr(), epheFirstKeyOffset, deadKey)

	h.recordEpheRef(ephe.Addr(), epheFirstKeyOffset)
	h.walkEpheTableKeys()

	got := Value(h.addrs.Field(ephe.Addr(), epheFirstKeyOffset))
	assert.Equal(t, EpheNone, got)
}
