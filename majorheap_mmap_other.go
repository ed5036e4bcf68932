// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package gc

import "go.uber.org/zap"

// allocForHeap on non-Linux platforms has no huge-page backend
// available; it always falls back to an ordinary Go-managed region and
// counts the fallback whenever huge pages were requested, same
// accounting as a failed mmap on Linux.
func (h *Heap) allocForHeap(words uintptr) (*memRegion, error) {
	if h.cfg.UseHugePages {
		h.counters.HugeFallbackCount++
		h.log.Debug("gc: huge pages requested but unsupported on this platform", zap.Uintptr("words", words))
	}
	if words == defaultChunkWords {
		return h.addrs.allocPooled(h.stats.Get()), nil
	}
	return h.addrs.alloc(int(words)), nil
}

func (h *Heap) releaseChunk(c *majorChunk) {
	h.addrs.release(c.region)
	if c.region.poolBuf != nil {
		h.stats.Put(c.region.poolBuf)
	}
}
