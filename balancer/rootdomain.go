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
package balancer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rtcore/rtsched/bandwidth"
	"github.com/rtcore/rtsched/cpupri"
	"github.com/rtcore/rtsched/runqueue"
)

// RootDomain is the span of CPUs a balancer operates over: their
// RunQueues, the overloaded-CPU bitmask (rto_mask) with its atomic
// rto_count, and the cpupri index shared across the span.
type RootDomain struct {
	mu       sync.RWMutex
	rqs      map[int]*runqueue.RunQueue
	rtoMask  map[int]bool
	rtoCount int32 // atomic

	CPUPri *cpupri.Index
}

// NewRootDomain returns a RootDomain spanning nrCPUs.
func NewRootDomain(nrCPUs int) *RootDomain {
	return &RootDomain{
		rqs:     make(map[int]*runqueue.RunQueue, nrCPUs),
		rtoMask: make(map[int]bool, nrCPUs),
		CPUPri:  cpupri.New(nrCPUs),
	}
}

// Online registers rq with the domain (rq_online_rt): it becomes a
// candidate for push/pull and participates in the overload mask.
func (rd *RootDomain) Online(rq *runqueue.RunQueue) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	rd.rqs[rq.CPU] = rq
	if rq.Overloaded {
		rd.setOverloadLocked(rq.CPU)
	}
}

// Offline unregisters cpu's run-queue (rq_offline_rt): it stops
// participating in push/pull, is cleared from the overload mask, and any
// runtime it had lent to peers is taken back via group.DisableRuntime.
// Offline does not migrate tasks still queued on the CPU's run-queue.
func (rd *RootDomain) Offline(cpu int, group *bandwidth.Group, originalRuntime time.Duration) {
	rd.mu.Lock()
	delete(rd.rqs, cpu)
	rd.clearOverloadLocked(cpu)
	rd.mu.Unlock()

	if group != nil {
		group.DisableRuntime(cpu, originalRuntime)
	}
}

// SetOverload updates cpu's membership in rto_mask to match overloaded,
// maintaining rto_count with the write-barrier-before-count ordering
// spec §4.5 requires (the mask update happens-before the count increment
// so a reader observing rto_count > 0 then reading the mask sees a
// consistent snapshot; Go's atomic operations provide the needed
// ordering without an explicit barrier).
func (rd *RootDomain) SetOverload(cpu int, overloaded bool) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if overloaded {
		rd.setOverloadLocked(cpu)
	} else {
		rd.clearOverloadLocked(cpu)
	}
}

func (rd *RootDomain) setOverloadLocked(cpu int) {
	if rd.rtoMask[cpu] {
		return
	}
	rd.rtoMask[cpu] = true
	atomic.AddInt32(&rd.rtoCount, 1)
}

func (rd *RootDomain) clearOverloadLocked(cpu int) {
	if !rd.rtoMask[cpu] {
		return
	}
	delete(rd.rtoMask, cpu)
	atomic.AddInt32(&rd.rtoCount, -1)
}

// Overloaded reports whether any CPU in the domain is RT-overloaded
// (rto_count > 0), the fast top-level check pull_rt_task makes before
// scanning peers.
func (rd *RootDomain) Overloaded() bool {
	return atomic.LoadInt32(&rd.rtoCount) > 0
}

// Peers returns a snapshot of every registered CPU's RunQueue other than
// except.
func (rd *RootDomain) Peers(except int) []*runqueue.RunQueue {
	rd.mu.RLock()
	defer rd.mu.RUnlock()
	peers := make([]*runqueue.RunQueue, 0, len(rd.rqs))
	for cpu, rq := range rd.rqs {
		if cpu != except {
			peers = append(peers, rq)
		}
	}
	return peers
}

// OverloadedPeers returns a snapshot of every overloaded CPU's RunQueue
// other than except, the rto_mask scan pull_rt_task performs.
func (rd *RootDomain) OverloadedPeers(except int) []*runqueue.RunQueue {
	rd.mu.RLock()
	defer rd.mu.RUnlock()
	peers := make([]*runqueue.RunQueue, 0, len(rd.rtoMask))
	for cpu := range rd.rtoMask {
		if cpu == except {
			continue
		}
		if rq, ok := rd.rqs[cpu]; ok {
			peers = append(peers, rq)
		}
	}
	return peers
}

// RunQueue returns the registered RunQueue for cpu, or nil.
func (rd *RootDomain) RunQueue(cpu int) *runqueue.RunQueue {
	rd.mu.RLock()
	defer rd.mu.RUnlock()
	return rd.rqs[cpu]
}

// CPUs returns a snapshot of every currently-registered CPU, for callers
// (rtdebug) that need to enumerate the domain rather than look up one
// CPU at a time.
func (rd *RootDomain) CPUs() []int {
	rd.mu.RLock()
	defer rd.mu.RUnlock()
	cpus := make([]int, 0, len(rd.rqs))
	for cpu := range rd.rqs {
		cpus = append(cpus, cpu)
	}
	return cpus
}

