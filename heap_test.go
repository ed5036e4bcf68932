// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gc

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHeapDefaultsNilLoggerAndHooks(t *testing.T) {
	h, err := NewHeap(smallTestConfig(), Hooks{}, nil)
	require.NoError(t, err)
	require.NotNil(t, h.log)

	// A Heap with zero Hooks must not panic when the paths that would
	// call into them run.
	h.Darken(MakeLong(0), FieldAddr(0))
	h.GCDispatch()
}

func TestDarkenForwardsToHook(t *testing.T) {
	h := newTestHeap(t, smallTestConfig())
	var got Value
	var gotFp FieldAddr
	h.hooks.Darken = func(old Value, fp FieldAddr) {
		got = old
		gotFp = fp
	}
	h.Darken(MakeLong(7), FieldAddr(42))
	assert.Equal(t, MakeLong(7), got)
	assert.Equal(t, FieldAddr(42), gotFp)
}

func TestCountersSnapshotReflectsActivity(t *testing.T) {
	h := newTestHeap(t, smallTestConfig())
	_, err := h.AllocShr(4, ObjectTag)
	require.NoError(t, err)

	snap := h.Counters()
	assert.Greater(t, snap.AllocatedWords, uint64(0))
	assert.Equal(t, uint64(0), snap.MinorCollections)
}

// TestCollectorExposesCounters covers the Prometheus surface described
// alongside Counters: every Describe'd metric shows up in a Collect
// pass, and the allocated-words counter carries the same value as the
// Counters snapshot it is sourced from.
func TestCollectorExposesCounters(t *testing.T) {
	h := newTestHeap(t, smallTestConfig())
	_, err := h.AllocShr(4, ObjectTag)
	require.NoError(t, err)

	collector := h.Collector().(*gcCollector)
	assert.Equal(t, 9, testutil.CollectAndCount(collector))

	ch := make(chan prometheus.Metric, 9)
	collector.Collect(ch)
	close(ch)

	wantDesc := collector.allocatedWords.String()
	var allocatedWords float64
	for m := range ch {
		var pb dto.Metric
		require.NoError(t, m.Write(&pb))
		if pb.Counter != nil && m.Desc().String() == wantDesc {
			allocatedWords = pb.Counter.GetValue()
		}
	}
	assert.Equal(t, float64(h.Counters().AllocatedWords), allocatedWords)
}
