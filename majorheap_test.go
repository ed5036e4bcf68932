// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocShrBasic(t *testing.T) {
	h := newTestHeap(t, smallTestConfig())
	v, err := h.AllocShr(3, ObjectTag)
	require.NoError(t, err)
	require.True(t, v.IsBlock())

	hdr := h.addrs.Header(HpOfVal(v))
	assert.Equal(t, uintptr(3), hdr.Wosize())
	assert.Equal(t, ObjectTag, hdr.Tag())
}

func TestAllocShrRejectsOversizedRequest(t *testing.T) {
	h := newTestHeap(t, smallTestConfig())
	_, err := h.AllocShr(MaxWosize+1, ObjectTag)
	assert.ErrorIs(t, err, ErrRequestTooLarge)
}

// TestAllocShrColorByPhase exercises §4.3's phase-dependent colouring
// table outside the sweep phase: idle hands out white, mark and clean
// hand out black. The sweep-cursor split is covered by
// TestAllocShrColorDuringSweepSplitsOnCursor.
func TestAllocShrColorByPhase(t *testing.T) {
	h := newTestHeap(t, smallTestConfig())

	h.Phase = PhaseIdle
	v, err := h.AllocShr(2, ObjectTag)
	require.NoError(t, err)
	assert.Equal(t, White, h.addrs.Header(HpOfVal(v)).Color())

	h.Phase = PhaseMark
	v, err = h.AllocShr(2, ObjectTag)
	require.NoError(t, err)
	assert.Equal(t, Black, h.addrs.Header(HpOfVal(v)).Color())

	h.Phase = PhaseClean
	v, err = h.AllocShr(2, ObjectTag)
	require.NoError(t, err)
	assert.Equal(t, Black, h.addrs.Header(HpOfVal(v)).Color())
}

func TestAllocShrColorDuringSweepSplitsOnCursor(t *testing.T) {
	h := newTestHeap(t, smallTestConfig())
	h.Phase = PhaseSweep
	v, err := h.AllocShr(2, ObjectTag)
	require.NoError(t, err)
	hp := Addr(HpOfVal(v))

	h.major.sweepCursor = hp + 1000
	v2, err := h.AllocShr(2, ObjectTag)
	require.NoError(t, err)
	assert.Equal(t, White, h.addrs.Header(HpOfVal(v2)).Color())

	h.major.sweepCursor = 0
	v3, err := h.AllocShr(2, ObjectTag)
	require.NoError(t, err)
	assert.Equal(t, Black, h.addrs.Header(HpOfVal(v3)).Color())
}

// TestAllocShrGrowsHeapOnDemand forces repeated allocation past a
// single default-sized chunk to exercise growMajorHeap's grow-and-retry
// path and the resulting free-list splice.
func TestAllocShrGrowsHeapOnDemand(t *testing.T) {
	h := newTestHeap(t, smallTestConfig())
	initialChunks := h.major.numChunks
	for i := 0; i < defaultChunkWords; i++ {
		_, err := h.AllocShr(2, ObjectTag)
		require.NoError(t, err)
	}
	assert.Greater(t, h.major.numChunks, initialChunks)
}

func TestFreeListSplitLeavesRemainderAllocatable(t *testing.T) {
	h := newTestHeap(t, smallTestConfig())
	// First allocation forces a chunk grow and leaves a large remainder
	// free-listed; a second, smaller allocation should be satisfiable
	// from that remainder without growing again.
	_, err := h.AllocShr(4, ObjectTag)
	require.NoError(t, err)
	chunksAfterFirst := h.major.numChunks

	_, err = h.AllocShr(4, ObjectTag)
	require.NoError(t, err)
	assert.Equal(t, chunksAfterFirst, h.major.numChunks)
}

func TestShrinkHeapReclaimsWhollyFreeChunk(t *testing.T) {
	h := newTestHeap(t, smallTestConfig())
	// Force exactly one chunk to be grown, entirely free (nothing
	// allocated from it).
	require.NoError(t, h.growMajorHeap(10))
	chunks := h.major.numChunks
	require.Greater(t, chunks, 0)

	ok := h.ShrinkHeap()
	assert.True(t, ok)
	assert.Equal(t, chunks-1, h.major.numChunks)
}

func TestShrinkHeapRefusesPartiallyUsedChunk(t *testing.T) {
	h := newTestHeap(t, smallTestConfig())
	require.NoError(t, h.growMajorHeap(10))
	_, err := h.AllocShr(2, ObjectTag)
	require.NoError(t, err)

	ok := h.ShrinkHeap()
	assert.False(t, ok)
}

func TestOverRequestPadsBySpacePercent(t *testing.T) {
	assert.Equal(t, uintptr(115), overRequest(100, 15))
	assert.Equal(t, uintptr(101), overRequest(100, 0))
	assert.Equal(t, uintptr(11), overRequest(10, 0))
}

func TestRoundUpPagesRoundsToWholePage(t *testing.T) {
	assert.Equal(t, uintptr(pageWords), roundUpPages(1))
	assert.Equal(t, uintptr(pageWords), roundUpPages(pageWords))
	assert.Equal(t, uintptr(pageWords*2), roundUpPages(pageWords+1))
}
