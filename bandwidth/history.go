//
// Copyright 2026 The RT Scheduler Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS-IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
//
package bandwidth

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/augmentedtree"
)

// throttledSpan is one interval during which a CPU's slice of a Group was
// throttled. It implements augmentedtree.Interval the same way the
// teacher's threadSpan does for running/sleeping/waiting spans, applied
// here to throttle history instead.
type throttledSpan struct {
	id    uint64
	start time.Time
	end   time.Time
}

var nextSpanID uint64

func newThrottledSpan(start, end time.Time) *throttledSpan {
	return &throttledSpan{
		id:    atomic.AddUint64(&nextSpanID, 1),
		start: start,
		end:   end,
	}
}

// LowAtDimension returns the span's start, in nanoseconds since the Unix
// epoch. Required by augmentedtree.Interval.
func (ts *throttledSpan) LowAtDimension(d uint64) int64 { return ts.start.UnixNano() }

// HighAtDimension returns the span's end. Required by
// augmentedtree.Interval.
func (ts *throttledSpan) HighAtDimension(d uint64) int64 { return ts.end.UnixNano() }

// OverlapsAtDimension reports whether ts and j overlap.
func (ts *throttledSpan) OverlapsAtDimension(j augmentedtree.Interval, d uint64) bool {
	return ts.HighAtDimension(d) >= j.LowAtDimension(d) &&
		j.HighAtDimension(d) >= ts.LowAtDimension(d)
}

// ID implements augmentedtree.Interval.
func (ts *throttledSpan) ID() uint64 { return ts.id }

// history records, per CPU, the intervals during which that CPU's slice
// of a Group was throttled. It is unexported and only read from inside
// package bandwidth; rtdebug does not serve it. PeriodTick fans out one goroutine per member CPU, and more
// than one of them can unthrottle (and so call recordThrottle) within the
// same tick, so every access to trees is guarded by mu rather than
// relying on the per-slice lock each goroutine otherwise holds.
type history struct {
	mu    sync.Mutex
	trees map[int]augmentedtree.Tree
}

func newHistory() *history {
	return &history{trees: map[int]augmentedtree.Tree{}}
}

// treeFor returns cpu's tree, creating it if necessary. Caller holds h.mu.
func (h *history) treeFor(cpu int) augmentedtree.Tree {
	t, ok := h.trees[cpu]
	if !ok {
		t = augmentedtree.New(1)
		h.trees[cpu] = t
	}
	return t
}

// recordThrottle adds a throttled interval for cpu.
func (h *history) recordThrottle(cpu int, start, end time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.treeFor(cpu).Add(newThrottledSpan(start, end))
}

// throttledDuring returns the total throttled time for cpu within
// [start, end).
func (h *history) throttledDuring(cpu int, start, end time.Time) time.Duration {
	h.mu.Lock()
	t, ok := h.trees[cpu]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	query := newThrottledSpan(start, end)
	results := t.Query(query)
	var total time.Duration
	for _, r := range results {
		span := r.(*throttledSpan)
		lo, hi := span.start, span.end
		if lo.Before(start) {
			lo = start
		}
		if hi.After(end) {
			hi = end
		}
		if hi.After(lo) {
			total += hi.Sub(lo)
		}
	}
	return total
}
