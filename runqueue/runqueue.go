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
// Package runqueue implements the per-CPU real-time run-queue: a
// PrioArray plus the counters, highest-priority tracking and
// pushable-task index the SMP balancer and bandwidth accounting need.
package runqueue

import (
	"container/list"
	"sync"
	"time"

	"github.com/rtcore/rtsched/prioarray"
	"github.com/rtcore/rtsched/task"
)

// Slice is a CPU's share of a bandwidth.Group's runtime. It lives here,
// rather than in package bandwidth, because it is addressed by CPU and is
// read under the same lock order as the rest of the RunQueue (spec §5:
// RQ lock -> rt_runtime_lock -> group rt_runtime_lock).
type Slice struct {
	Mu         sync.Mutex
	RTRuntime  time.Duration
	RTTime     time.Duration
	Throttled  bool
}

// RunQueue is the per-CPU real-time run-queue.
type RunQueue struct {
	CPU int

	Mu     sync.Mutex
	Active *prioarray.PrioArray

	NrRunning   int
	NrMigratory int

	HighestPrio struct {
		Curr int
		Next int
	}

	Overloaded bool

	// Pushable holds enqueued, non-running, migratable tasks in
	// ascending priority order (head = highest priority).
	Pushable *list.List

	Curr *task.Task

	Slice *Slice
}

// New returns an empty RunQueue for the given CPU, with an unthrottled,
// zero-valued bandwidth Slice (RTRuntime and RTTime both 0);
// bandwidth.Group.AddMember sets the slice's RTRuntime once the CPU joins
// a group.
func New(cpu int) *RunQueue {
	rq := &RunQueue{
		CPU:      cpu,
		Active:   prioarray.New(),
		Pushable: list.New(),
		Slice:    &Slice{},
	}
	rq.HighestPrio.Curr = task.MaxRTPrio
	rq.HighestPrio.Next = task.MaxRTPrio
	return rq
}

func (rq *RunQueue) recomputeHighestPrio() {
	rq.HighestPrio.Curr = rq.Active.FindFirstSet()
	rq.HighestPrio.Next = task.MaxRTPrio
	if rq.HighestPrio.Curr < task.MaxRTPrio {
		for p := rq.HighestPrio.Curr + 1; p < task.MaxRTPrio; p++ {
			if !rq.Active.Empty(p) {
				rq.HighestPrio.Next = p
				break
			}
		}
	}
}

func (rq *RunQueue) updateOverload() {
	rq.Overloaded = rq.NrMigratory >= 1 && rq.NrRunning > 1
}

// Enqueue inserts t into the run-queue (spec §4.1). Callers hold rq.Mu.
func (rq *RunQueue) Enqueue(t *task.Task, head bool) {
	rq.Active.Enqueue(t, head)
	t.OnRQ = true
	rq.NrRunning++
	if t.Migratable() {
		rq.NrMigratory++
	}
	rq.recomputeHighestPrio()
	rq.updateOverload()
	if !t.Running && t.Migratable() {
		rq.registerPushable(t)
	}
}

// Dequeue removes t from the run-queue.
func (rq *RunQueue) Dequeue(t *task.Task) {
	rq.Active.Dequeue(t)
	t.OnRQ = false
	rq.NrRunning--
	if t.Migratable() {
		rq.NrMigratory--
	}
	rq.removePushable(t)
	rq.recomputeHighestPrio()
	rq.updateOverload()
}

// Requeue moves t within its own bucket; no counters change (a "law" in
// spec §8).
func (rq *RunQueue) Requeue(t *task.Task, head bool) {
	rq.Active.Requeue(t, head)
}

// PickNext returns the highest-priority runnable task, or nil.
func (rq *RunQueue) PickNext() *task.Task {
	return rq.Active.PickNext()
}

// SetCurr marks t as the currently-running task on this CPU, removing it
// from the pushable index (it cannot be pushed while running here).
func (rq *RunQueue) SetCurr(t *task.Task) {
	rq.Curr = t
	if t != nil {
		t.Running = true
		rq.removePushable(t)
	}
}

// PutPrev marks t as no longer running; if still on-queue and migratable
// it re-registers as pushable (spec §4.6 put_prev_task).
func (rq *RunQueue) PutPrev(t *task.Task) {
	if rq.Curr == t {
		rq.Curr = nil
	}
	t.Running = false
	if t.OnRQ && t.Migratable() {
		rq.registerPushable(t)
	}
}

// registerPushable inserts t into the pushable index in priority order
// (ascending Prio; head = highest priority). O(n) scan, matching the
// kernel's plist-backed pushable_tasks for bounded per-CPU task counts.
func (rq *RunQueue) registerPushable(t *task.Task) {
	if t.PushableElem != nil {
		return
	}
	for e := rq.Pushable.Front(); e != nil; e = e.Next() {
		if e.Value.(*task.Task).Prio > t.Prio {
			t.PushableElem = rq.Pushable.InsertBefore(t, e)
			return
		}
	}
	t.PushableElem = rq.Pushable.PushBack(t)
}

func (rq *RunQueue) removePushable(t *task.Task) {
	if t.PushableElem == nil {
		return
	}
	rq.Pushable.Remove(t.PushableElem)
	t.PushableElem = nil
}

// PickPushable returns the highest-priority pushable task, or nil.
func (rq *RunQueue) PickPushable() *task.Task {
	front := rq.Pushable.Front()
	if front == nil {
		return nil
	}
	return front.Value.(*task.Task)
}

// HasPushable reports whether any task is eligible for push.
func (rq *RunQueue) HasPushable() bool {
	return rq.Pushable.Len() > 0
}

// SetCPUsAllowed updates t's affinity width and, if that crosses the
// migratable threshold while t is enqueued, adjusts NrMigratory and the
// pushable index accordingly.
func (rq *RunQueue) SetCPUsAllowed(t *task.Task, nrCPUsAllowed int) {
	wasMigratable := t.Migratable()
	t.NrCPUsAllowed = nrCPUsAllowed
	nowMigratable := t.Migratable()
	if !t.OnRQ || wasMigratable == nowMigratable {
		rq.updateOverload()
		return
	}
	if nowMigratable {
		rq.NrMigratory++
		if !t.Running {
			rq.registerPushable(t)
		}
	} else {
		rq.NrMigratory--
		rq.removePushable(t)
	}
	rq.updateOverload()
}

// DequeueStack removes t from the run-queue. This package has no nested
// group entities, so only t itself is removed; no ancestor entities are
// walked. The name follows the kernel's dequeue_rt_stack.
func (rq *RunQueue) DequeueStack(t *task.Task) {
	rq.Dequeue(t)
}

// EnqueueStack reinserts t (see DequeueStack) at the front of its bucket,
// as required after a priority change (spec §4.4 ss_change_prio).
func (rq *RunQueue) EnqueueStack(t *task.Task) {
	rq.Enqueue(t, true)
}
