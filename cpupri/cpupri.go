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
// Package cpupri implements the CPU-priority index consumed by the SMP
// balancer: a mapping from priority bucket to the set of CPUs currently
// running a task at that priority, answering "which CPUs could accept a
// task of priority p" in O(1) per bucket the same way prioarray.PrioArray
// answers "which priority bucket is highest" within one run-queue.
package cpupri

import (
	"math/bits"
)

// NumPrioBuckets is task.MaxRTPrio plus two: buckets 0..MaxRTPrio-1 for
// RT priorities, bucket MaxRTPrio (never assigned by toBucket), and Idle
// for "not running any RT task" (idle/non-RT), matching the size of the
// kernel's CPUPRI_NR_PRIORITIES range. Not importing package task here keeps this
// index free of a dependency on task internals; callers translate.
const NumPrioBuckets = 102

// Idle is the bucket for a CPU running no RT task at all: the highest
// bucket number, and so the most preferred migration target (searched
// first by FindLowest). RT task priority p (0 = most urgent) occupies
// bucket p directly, so less-urgent running tasks (higher numeric
// priority) sit in higher, more-preferred buckets, with Idle above all
// of them.
const Idle = NumPrioBuckets - 1

// Invalid is returned by FindLowest when no candidate CPU exists.
const Invalid = -1

// Index is the bitmap-of-CPU-sets-by-priority bucket. One bit per CPU per
// bucket; a CPU is a member of exactly one bucket at a time.
type Index struct {
	nrCPUs  int
	buckets []cpuSet // len == NumPrioBuckets
	curr    []int    // curr[cpu] == current bucket for cpu
}

// cpuSet is a bitmap of CPU indices, sized to cover nrCPUs.
type cpuSet struct {
	words []uint64
}

func newCPUSet(nrCPUs int) cpuSet {
	return cpuSet{words: make([]uint64, (nrCPUs+63)/64)}
}

func (s cpuSet) set(cpu int)   { s.words[cpu/64] |= 1 << uint(cpu%64) }
func (s cpuSet) clear(cpu int) { s.words[cpu/64] &^= 1 << uint(cpu%64) }
func (s cpuSet) empty() bool {
	for _, w := range s.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// firstIn returns the lowest-indexed set CPU in s that is also set in
// mask, or Invalid.
func (s cpuSet) firstIn(mask func(cpu int) bool, nrCPUs int) int {
	for wi, w := range s.words {
		for w != 0 {
			bit := bits.TrailingZeros64(w)
			cpu := wi*64 + bit
			w &^= 1 << uint(bit)
			if cpu < nrCPUs && mask(cpu) {
				return cpu
			}
		}
	}
	return Invalid
}

// has reports whether cpu is a member of s.
func (s cpuSet) has(cpu int) bool {
	return s.words[cpu/64]&(1<<uint(cpu%64)) != 0
}

// New returns an Index sized for nrCPUs, with every CPU initially in the
// Idle bucket.
func New(nrCPUs int) *Index {
	idx := &Index{
		nrCPUs:  nrCPUs,
		buckets: make([]cpuSet, NumPrioBuckets),
		curr:    make([]int, nrCPUs),
	}
	for i := range idx.buckets {
		idx.buckets[i] = newCPUSet(nrCPUs)
	}
	for cpu := 0; cpu < nrCPUs; cpu++ {
		idx.buckets[Idle].set(cpu)
		idx.curr[cpu] = Idle
	}
	return idx
}

// toBucket converts an RT task priority (0 = most urgent, maxRTPrio-1 =
// least urgent) into a cpupri bucket: the priority value itself, so a
// higher bucket number always means a less urgent (more preferred as a
// migration target) running task. prio outside [0, maxRTPrio) means Idle,
// the most preferred bucket of all.
func toBucket(prio, maxRTPrio int) int {
	if prio < 0 || prio >= maxRTPrio {
		return Idle
	}
	return prio
}

// Set records that cpu is now running a task at prio (or no RT task, if
// prio < 0), moving it out of its previous bucket. maxRTPrio is the
// caller's task.MaxRTPrio, passed explicitly to avoid an import cycle.
func (idx *Index) Set(cpu, prio, maxRTPrio int) {
	newBucket := toBucket(prio, maxRTPrio)
	old := idx.curr[cpu]
	if old == newBucket {
		return
	}
	idx.buckets[old].clear(cpu)
	idx.buckets[newBucket].set(cpu)
	idx.curr[cpu] = newBucket
}

// FindLowest returns the lowest-urgency CPU (searching the most-idle
// buckets first) that can run a task more urgent than taskPrio and is
// permitted by allowed. Mirrors find_lowest_rq: best-effort, callers must
// re-validate under the target's own lock before migrating.
//
// preferredCPU, if >= 0, is tried first within whichever bucket qualifies,
// before falling back to the bucket's first allowed member — mirroring
// find_lowest_rq's own preference order (task_cpu(task), then this_cpu,
// then the first CPU in a wake-affine sched_domain, then cpumask_any).
// This port has no sched_domain topology, so callers collapse "task's
// last CPU" and "this_cpu" into the single preferredCPU hint; pass -1 for
// none. Note that a push caller whose allowed excludes the task's source
// CPU will never see this hint fire, same as in the kernel: by the time
// push_rt_task reaches find_lowest_rq, next_task's own rq has already
// failed the "reschedule locally" check, so rq->curr outranks next_task
// and the source CPU's bucket can't be among the qualifying ones anyway.
func (idx *Index) FindLowest(taskPrio, maxRTPrio, preferredCPU int, allowed func(cpu int) bool) int {
	taskBucket := toBucket(taskPrio, maxRTPrio)
	for b := NumPrioBuckets - 1; b > taskBucket; b-- {
		if idx.buckets[b].empty() {
			continue
		}
		if preferredCPU >= 0 && preferredCPU < idx.nrCPUs &&
			idx.buckets[b].has(preferredCPU) && allowed(preferredCPU) {
			return preferredCPU
		}
		if cpu := idx.buckets[b].firstIn(allowed, idx.nrCPUs); cpu != Invalid {
			return cpu
		}
	}
	return Invalid
}
