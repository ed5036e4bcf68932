// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocSmallBasic(t *testing.T) {
	h := newTestHeap(t, smallTestConfig())
	v, ok := h.AllocSmall(3, ObjectTag)
	require.True(t, ok)
	require.True(t, v.IsBlock())
	require.True(t, h.IsYoung(v.Addr()))

	hdr := h.addrs.Header(HpOfVal(v))
	assert.Equal(t, uintptr(3), hdr.Wosize())
	assert.Equal(t, ObjectTag, hdr.Tag())
	assert.Equal(t, White, hdr.Color())
	assert.True(t, hdr.IsValidYoungHeader())
}

func TestAllocSmallRejectsZeroAndOversize(t *testing.T) {
	h := newTestHeap(t, smallTestConfig())
	_, ok := h.AllocSmall(0, ObjectTag)
	assert.False(t, ok)
	_, ok = h.AllocSmall(MaxYoungWosize+1, ObjectTag)
	assert.False(t, ok)
}

// TestAllocSmallExhaustsArena drives allocation until the bump pointer
// would cross alloc_start, exercising NeedsGC's suspension-point check
// (§5) without ever triggering a collection from inside AllocSmall
// itself.
func TestAllocSmallExhaustsArena(t *testing.T) {
	h := newTestHeap(t, smallTestConfig())
	count := 0
	for {
		// wosize 1 divides the arena evenly (whsize_wosize(1) == 2),
		// so the bump pointer lands exactly on alloc_start rather than
		// stopping short of it.
		_, ok := h.AllocSmall(1, ObjectTag)
		if !ok {
			break
		}
		count++
		if count > 10000 {
			t.Fatal("arena never exhausted")
		}
	}
	assert.True(t, h.NeedsGC())
}

func TestSetMinorHeapSizeResetsArena(t *testing.T) {
	h := newTestHeap(t, smallTestConfig())
	_, ok := h.AllocSmall(2, ObjectTag)
	require.True(t, ok)

	require.NoError(t, h.SetMinorHeapSize(8192))
	assert.Equal(t, h.minor.allocEnd, h.minor.ptr)
	assert.Equal(t, h.minor.allocMid, h.minor.trigger)
	assert.Equal(t, h.minor.allocStart, h.minor.agingLimit)
}

func TestIsYoungBoundsCheck(t *testing.T) {
	h := newTestHeap(t, smallTestConfig())
	assert.True(t, h.IsYoung(h.minor.youngStart))
	assert.False(t, h.IsYoung(h.minor.youngEnd))
	assert.False(t, h.IsYoung(h.minor.youngStart-1))
}

func TestYoungSemispaceBoundsAreDisjoint(t *testing.T) {
	h := newTestHeap(t, smallTestConfig())
	s0, e0 := h.youngSemispaceBounds(0)
	s1, e1 := h.youngSemispaceBounds(1)
	assert.Equal(t, e0, s1)
	assert.Equal(t, h.minor.youngStart, s0)
	assert.Equal(t, h.minor.youngEnd, e1)
}
