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
// Package balancer implements SMP load balancing for RT tasks: pushing
// pushable tasks off an overloaded CPU to the globally-lowest-priority
// candidate, and pulling a runnable task onto a CPU that just lowered its
// running task's priority (spec §4.5).
package balancer

import (
	"context"
	"time"
	"unsafe"

	"github.com/golang/sync/errgroup"

	"github.com/rtcore/rtsched/runqueue"
	"github.com/rtcore/rtsched/schederr"
	"github.com/rtcore/rtsched/task"
)

// RTMaxTries bounds find_lowest_rq/lock-and-revalidate retries (spec §4.5).
const RTMaxTries = 3

// SmpBalancer pushes and pulls RT tasks across the RunQueues registered
// with a RootDomain.
type SmpBalancer struct {
	Domain   *RootDomain
	cooldown *cooldown
	now      func() time.Time
}

// New returns a balancer over domain. cooldownWindow suppresses
// re-migrating a task within that duration of its last migration; pass 0
// to disable the cooldown entirely. now defaults to time.Now.
func New(domain *RootDomain, cooldownWindow time.Duration, now func() time.Time) *SmpBalancer {
	if now == nil {
		now = time.Now
	}
	return &SmpBalancer{
		Domain:   domain,
		cooldown: newCooldown(cooldownWindow),
		now:      now,
	}
}

// rqAddr gives a total order over *runqueue.RunQueue pointers for
// address-order double-locking (spec §5's deadlock-avoidance option (a)).
func rqAddr(rq *runqueue.RunQueue) uintptr {
	return uintptr(unsafe.Pointer(rq))
}

// lockBoth locks a and b in address order and returns an unlock func,
// avoiding the A-locks-B/B-locks-A deadlock spec §5 calls out. Neither
// lock may be held on entry: callers that own a (pushOne, pullFrom) drop
// it before calling this and retake it after unlocking.
func lockBoth(a, b *runqueue.RunQueue) (unlock func()) {
	if rqAddr(a) == rqAddr(b) {
		a.Mu.Lock()
		return a.Mu.Unlock
	}
	first, second := a, b
	if rqAddr(b) < rqAddr(a) {
		first, second = b, a
	}
	first.Mu.Lock()
	second.Mu.Lock()
	return func() {
		second.Mu.Unlock()
		first.Mu.Unlock()
	}
}

// PushRtTask implements push_rt_task: while rq is overloaded and holds a
// pushable task, locate the globally lowest-priority CPU able to accept
// it and migrate it there. Returns the number of tasks successfully
// pushed. Caller holds rq.Mu on entry and on return.
func (b *SmpBalancer) PushRtTask(rq *runqueue.RunQueue) int {
	pushed := 0
	for rq.Overloaded && rq.HasPushable() {
		p := b.nextPushCandidate(rq)
		if p == nil {
			break
		}
		if !b.pushOne(rq, p) {
			break
		}
		pushed++
	}
	return pushed
}

// nextPushCandidate returns the highest-priority pushable task not
// presently in its post-migration cooldown window, skipping over (but not
// removing) cooled-down entries the way a real balancer would rather not
// thrash a task that just landed here.
func (b *SmpBalancer) nextPushCandidate(rq *runqueue.RunQueue) *task.Task {
	now := b.now()
	for e := rq.Pushable.Front(); e != nil; e = e.Next() {
		p := e.Value.(*task.Task)
		if !b.cooldown.Active(p.ID, now) {
			return p
		}
	}
	return nil
}

// pushOne attempts to migrate p off rq, retrying up to RTMaxTries times as
// find_lowest_rq's best-effort answer may be stale by the time the target
// lock is acquired. Caller holds rq.Mu; pushOne restores that invariant
// before returning.
func (b *SmpBalancer) pushOne(rq *runqueue.RunQueue, p *task.Task) bool {
	// push_rt_task step 2: if p has somehow become higher priority than
	// rq's own running task (e.g. a priority change raced with this push
	// pass), just reschedule locally instead of migrating it away —
	// curr, not p, is now the one that should move.
	if rq.Curr != nil && p.Prio < rq.Curr.Prio {
		return false
	}

	srcCPU := rq.CPU
	for try := 0; try < RTMaxTries; try++ {
		allowed := func(cpu int) bool { return cpu != srcCPU }
		target := b.Domain.CPUPri.FindLowest(p.Prio, task.MaxRTPrio, p.CPU, allowed)
		if target == -1 {
			return false
		}
		targetRQ := b.Domain.RunQueue(target)
		if targetRQ == nil {
			continue
		}

		rq.Mu.Unlock()
		unlock := lockBoth(rq, targetRQ)

		ok := p.OnRQ && p.CPU == srcCPU && !p.Running && p.Migratable() &&
			targetRQ.HighestPrio.Curr > p.Prio
		if ok {
			rq.Dequeue(p)
			p.CPU = target
			targetRQ.Enqueue(p, false)
			b.cooldown.Touch(p.ID, b.now())
			b.Domain.CPUPri.Set(srcCPU, effectivePrio(rq), task.MaxRTPrio)
			b.Domain.CPUPri.Set(target, effectivePrio(targetRQ), task.MaxRTPrio)
			b.Domain.SetOverload(srcCPU, rq.Overloaded)
			b.Domain.SetOverload(target, targetRQ.Overloaded)
		}
		unlock()
		rq.Mu.Lock()
		if ok {
			return true
		}
		if !p.OnRQ || p.CPU != srcCPU {
			// p migrated or left the run queue entirely while we had
			// rq.Mu dropped; nothing left to push.
			return false
		}
		// Revalidation failed for a reason that may not recur (the
		// target's highest_prio.curr changed underneath us); try again
		// with a fresh find_lowest_rq call.
	}
	return false
}

// effectivePrio returns the priority cpupri should record for rq: its
// running task's priority, or "idle" (-1) if nothing is running.
func effectivePrio(rq *runqueue.RunQueue) int {
	if rq.Curr == nil {
		return -1
	}
	return rq.Curr.Prio
}

// PullRtTask implements pull_rt_task: if the root domain has any
// overloaded CPU, fast-reject peers without locking (errgroup-parallel,
// read-only), then double-lock and migrate one qualifying task from each
// surviving candidate. Caller holds rq.Mu on entry and on return. Returns
// true if a task was pulled.
func (b *SmpBalancer) PullRtTask(ctx context.Context, rq *runqueue.RunQueue) bool {
	if !b.Domain.Overloaded() {
		return false
	}
	peers := b.Domain.OverloadedPeers(rq.CPU)
	if len(peers) == 0 {
		return false
	}

	ourCurr := rq.HighestPrio.Curr
	candidates := make([]*runqueue.RunQueue, len(peers))
	eg, _ := errgroup.WithContext(ctx)
	for i, peer := range peers {
		i, peer := i, peer
		eg.Go(func() error {
			if peer.HighestPrio.Next < ourCurr {
				candidates[i] = peer
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		schederr.Overrun("balancer: pull fast-reject scan error: %v", err)
		return false
	}

	pulled := false
	for _, peer := range candidates {
		if peer == nil {
			continue
		}
		if b.pullFrom(rq, peer) {
			pulled = true
		}
	}
	return pulled
}

// pullFrom scans peer's pushable list for a task more urgent than rq's
// current highest priority but less urgent than peer's own running task,
// and migrates it onto rq. Caller holds rq.Mu; pullFrom restores that
// invariant before returning.
func (b *SmpBalancer) pullFrom(rq *runqueue.RunQueue, peer *runqueue.RunQueue) bool {
	rq.Mu.Unlock()
	unlock := lockBoth(rq, peer)
	defer func() {
		unlock()
		rq.Mu.Lock()
	}()

	now := b.now()
	var candidate *task.Task
	for e := peer.Pushable.Front(); e != nil; e = e.Next() {
		p := e.Value.(*task.Task)
		if p.Prio >= rq.HighestPrio.Curr {
			break // pushable is priority-ordered; nothing further qualifies.
		}
		if peer.Curr != nil && p.Prio <= peer.Curr.Prio {
			continue // would starve the peer's own running task.
		}
		if b.cooldown.Active(p.ID, now) {
			continue // just migrated; let it settle before pulling it again.
		}
		candidate = p
		break
	}
	if candidate == nil {
		return false
	}

	peer.Dequeue(candidate)
	candidate.CPU = rq.CPU
	rq.Enqueue(candidate, false)
	b.cooldown.Touch(candidate.ID, b.now())
	b.Domain.CPUPri.Set(peer.CPU, effectivePrio(peer), task.MaxRTPrio)
	b.Domain.CPUPri.Set(rq.CPU, effectivePrio(rq), task.MaxRTPrio)
	b.Domain.SetOverload(peer.CPU, peer.Overloaded)
	b.Domain.SetOverload(rq.CPU, rq.Overloaded)
	return true
}
