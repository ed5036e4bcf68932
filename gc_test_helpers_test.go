// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestHeap builds a Heap with a small minor heap, silent logging, and
// no hooks wired — suitable for tests that drive AllocShr/AllocSmall/
// oldify/Modify directly rather than through a host's root scanner.
func newTestHeap(t *testing.T, cfg Config) *Heap {
	t.Helper()
	h, err := NewHeap(cfg, Hooks{}, zap.NewNop())
	require.NoError(t, err)
	return h
}

func smallTestConfig() Config {
	cfg := DefaultConfig()
	cfg.MinorHeapBytes = 4096 // two 512-word semispaces
	return cfg
}

// allocYoungBlock bump-allocates a block directly in the minor heap for
// test setup, bypassing the dispatcher.
func allocYoungBlock(t *testing.T, h *Heap, wosize uintptr, tag Tag) Value {
	t.Helper()
	v, ok := h.AllocSmall(wosize, tag)
	require.True(t, ok, "minor heap allocation failed in test setup")
	return v
}
