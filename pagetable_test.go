// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageTableLookupMiss(t *testing.T) {
	pt := newPageTable()
	assert.Equal(t, NotManaged, pt.lookup(Addr(1<<20)))
}

func TestPageTableAddAndLookup(t *testing.T) {
	pt := newPageTable()
	base := Addr(1 << 20)
	require.NoError(t, pt.add(InHeap, base, pageWords*4))

	assert.Equal(t, InHeap, pt.lookup(base))
	assert.Equal(t, InHeap, pt.lookup(base+pageWords*3))
	assert.Equal(t, NotManaged, pt.lookup(base+pageWords*4))
}

func TestPageTableKindsCanOverlap(t *testing.T) {
	pt := newPageTable()
	base := Addr(1 << 20)
	require.NoError(t, pt.add(InHeap, base, pageWords))
	require.NoError(t, pt.add(InCode, base, pageWords))
	assert.Equal(t, InHeap|InCode, pt.lookup(base))
}

func TestPageTableRemove(t *testing.T) {
	pt := newPageTable()
	base := Addr(1 << 20)
	require.NoError(t, pt.add(InYoung, base, pageWords*2))
	pt.remove(base, pageWords*2)
	assert.Equal(t, NotManaged, pt.lookup(base))
	assert.Equal(t, NotManaged, pt.lookup(base+pageWords))
}

// TestPageTableGrowsAndPreservesEntries drives occupancy past the
// half-capacity threshold to exercise §4.2's required resize-and-rehash
// path, then confirms every previously-added page is still resolvable.
func TestPageTableGrowsAndPreservesEntries(t *testing.T) {
	pt := newPageTable()
	initialCap := len(pt.keys)

	var bases []Addr
	for i := 0; i < 40; i++ {
		base := Addr((i + 1) << 20)
		require.NoError(t, pt.add(InHeap, base, pageWords))
		bases = append(bases, base)
	}

	assert.Greater(t, len(pt.keys), initialCap)
	for _, b := range bases {
		assert.Equal(t, InHeap, pt.lookup(b))
	}
}

// TestPageTableEmptySlotInvariant checks §4.2's "an empty slot stores
// the all-zero word" invariant: page 0 itself is never a valid key.
func TestPageTableEmptySlotInvariant(t *testing.T) {
	pt := newPageTable()
	assert.Equal(t, NotManaged, pt.lookup(Addr(0)))
	for _, k := range pt.keys {
		assert.Equal(t, uint64(0), k)
	}
}

func TestPageTableRemoveThenReaddDifferentKind(t *testing.T) {
	pt := newPageTable()
	base := Addr(1 << 20)
	require.NoError(t, pt.add(InYoung, base, pageWords))
	pt.remove(base, pageWords)
	require.NoError(t, pt.add(InStatic, base, pageWords))
	assert.Equal(t, InStatic, pt.lookup(base))
}
