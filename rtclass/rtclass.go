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
// Package rtclass is the dispatcher-facing glue of the real-time
// scheduling class (spec §4.6): the thin wrapper a core scheduler loop
// calls into, which in turn drives runqueue, sporadic, bandwidth and
// balancer. Nothing outside this package should need to touch those
// lower-level packages directly.
package rtclass

import (
	"context"
	"sync"
	"time"

	"github.com/rtcore/rtsched/balancer"
	"github.com/rtcore/rtsched/bandwidth"
	"github.com/rtcore/rtsched/runqueue"
	"github.com/rtcore/rtsched/schederr"
	"github.com/rtcore/rtsched/sporadic"
	"github.com/rtcore/rtsched/task"
)

// DefTimeslice is the RR quantum (DEF_TIMESLICE), reset on every
// TaskTick-driven round-robin requeue. spec.md and the original kernel
// source reference the constant but never pin a value; 100ms matches
// historical Linux (msecs_to_jiffies(100)). Override per Class via
// Config.Timeslice.
const DefTimeslice = 100 * time.Millisecond

// Config holds the knobs a Class is constructed with.
type Config struct {
	// Timeslice is the RR quantum. Zero means DefTimeslice.
	Timeslice time.Duration

	// MaxContinuousRuntime, if nonzero, is a watchdog threshold (the
	// supplemented RLIMIT_RTTIME-style check spec.md's watchdog() stub
	// leaves unimplemented): each time a task accumulates this much
	// runtime without an intervening sleep it triggers OnWatchdog once,
	// and its counter starts again from zero.
	MaxContinuousRuntime time.Duration
	// OnWatchdog is called (synchronously, under the run-queue lock) each
	// time a task's continuous-runtime counter reaches
	// MaxContinuousRuntime. May be nil even when MaxContinuousRuntime is
	// set, in which case the crossing is only logged.
	OnWatchdog func(t *task.Task)
}

// Class is the real-time scheduling class for one root domain's worth of
// CPUs. Group and Bal are optional: a Class with a nil Group does no
// bandwidth accounting, and one with a nil Bal does no SMP balancing
// (spec.md's component table lists both as present in the full system,
// but neither is load-bearing for a single-CPU caller).
type Class struct {
	cfg   Config
	Group *bandwidth.Group
	Bal   *balancer.SmpBalancer
	now   func() time.Time

	mu       sync.Mutex
	servers  map[task.ID]*sporadic.Server
	contRun  map[task.ID]time.Duration
}

// New returns a Class. now defaults to time.Now.
func New(cfg Config, group *bandwidth.Group, bal *balancer.SmpBalancer, now func() time.Time) *Class {
	if cfg.Timeslice <= 0 {
		cfg.Timeslice = DefTimeslice
	}
	if now == nil {
		now = time.Now
	}
	return &Class{
		cfg:     cfg,
		Group:   group,
		Bal:     bal,
		now:     now,
		servers: map[task.ID]*sporadic.Server{},
		contRun: map[task.ID]time.Duration{},
	}
}

// RegisterSporadic attaches an already-built sporadic.Server to t, so
// EnqueueTask/DequeueTask/TaskTick know to route SS bookkeeping for it.
// Callers build the Server via sporadic.NewServer themselves, since that
// constructor also validates the SS config and seeds t's initial prio.
func (c *Class) RegisterSporadic(t *task.Task, s *sporadic.Server) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.servers[t.ID] = s
}

func (c *Class) serverFor(t *task.Task) *sporadic.Server {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.servers[t.ID]
}

// EnqueueTask implements enqueue_task (spec §4.6): for an SS task, align
// and arm the replenishment timer for wake-up before insertion; always
// insert into rq and, if migratable and not running, register pushable
// (handled by runqueue.Enqueue itself).
func (c *Class) EnqueueTask(rq *runqueue.RunQueue, t *task.Task, head bool) {
	if s := c.serverFor(t); s != nil {
		s.SetRunQueue(rq)
		s.EnqueueWake(c.now())
	}
	rq.Enqueue(t, head)
	if c.Bal != nil {
		c.Bal.Domain.CPUPri.Set(rq.CPU, effectivePrio(rq), task.MaxRTPrio)
	}
}

// DequeueTask implements dequeue_task: charge the final slice of runtime,
// cancel SS timers and drop to background, clear the watchdog's
// continuous-runtime counter (a sleep resets RLIMIT_RTTIME accounting),
// and remove from rq.
func (c *Class) DequeueTask(rq *runqueue.RunQueue, t *task.Task, ranFor time.Duration) {
	c.updateCurr(rq, t, ranFor)
	delete(c.contRun, t.ID)
	if s := c.serverFor(t); s != nil {
		s.Dequeue(rq)
		return
	}
	rq.Dequeue(t)
	if c.Bal != nil {
		c.Bal.Domain.CPUPri.Set(rq.CPU, effectivePrio(rq), task.MaxRTPrio)
		c.Bal.Domain.SetOverload(rq.CPU, rq.Overloaded)
	}
}

// YieldTask implements yield_task: requeue the running task at the tail
// of its own bucket.
func (c *Class) YieldTask(rq *runqueue.RunQueue) {
	if rq.Curr == nil {
		return
	}
	rq.Requeue(rq.Curr, false)
}

// CheckPreemptCurr implements check_preempt_curr: reschedule iff the
// newly woken p outranks the currently running task. The kernel's SMP
// tie-break (migrate a non-migratable p's equal-priority curr elsewhere
// to let p run here) is intentionally not attempted: this Class's
// balancer only pushes/pulls already-queued pushable tasks, never the
// currently-running one, so an equal-priority tie is left for the next
// PushRtTask/PullRtTask pass instead of a bespoke path here.
func (c *Class) CheckPreemptCurr(rq *runqueue.RunQueue, p *task.Task) (reschedule bool) {
	if rq.Curr == nil {
		return true
	}
	return p.Prio < rq.Curr.Prio
}

// PickNextTask implements pick_next_task: the PrioArray head, unless rq's
// bandwidth slice is currently throttled, in which case nothing is
// runnable here and the fair class should run instead (spec §8 scenario
// 6, "group dequeued; fair class runs").
func (c *Class) PickNextTask(rq *runqueue.RunQueue) *task.Task {
	if rq.Slice != nil && rq.Slice.Throttled {
		return nil
	}
	next := rq.PickNext()
	if next == nil && rq.NrRunning > 0 {
		schederr.Fatal("rtclass: pick_next found nothing runnable on cpu %d with NrRunning=%d and no throttle", rq.CPU, rq.NrRunning)
	}
	return next
}

// PutPrevTask implements put_prev_task: charge the runtime p just used,
// mark it no longer running, and (via runqueue.PutPrev) re-register it as
// pushable if it is still on-queue and migratable.
func (c *Class) PutPrevTask(rq *runqueue.RunQueue, p *task.Task, ranFor time.Duration) {
	c.updateCurr(rq, p, ranFor)
	rq.PutPrev(p)
	if c.Bal != nil {
		c.Bal.Domain.CPUPri.Set(rq.CPU, effectivePrio(rq), task.MaxRTPrio)
	}
}

// updateCurr charges ranFor against every runtime ledger this task
// participates in: bandwidth group quota, SS budget, watchdog counter and
// the task's cumulative SumExecRuntime counter. Grounds spec §4.2's
// update_curr, consumed from both task_tick and the dequeue/put_prev exit
// paths (the kernel calls update_curr from all three).
func (c *Class) updateCurr(rq *runqueue.RunQueue, p *task.Task, ranFor time.Duration) {
	if ranFor <= 0 {
		return
	}
	if s := c.serverFor(p); s != nil {
		s.UpdateCurr(ranFor)
	} else {
		p.SumExecRuntime += ranFor.Nanoseconds()
	}
	if c.Group != nil {
		c.Group.ChargeRuntime(rq.CPU, ranFor)
	}
	c.checkWatchdog(p, ranFor)
}

// checkWatchdog implements the supplemented MaxContinuousRuntime feature:
// a best-effort stand-in for the kernel's commented-out watchdog(rq, p)
// call in task_tick_rt, modeled on RLIMIT_RTTIME.
func (c *Class) checkWatchdog(p *task.Task, ranFor time.Duration) {
	if c.cfg.MaxContinuousRuntime <= 0 {
		return
	}
	c.mu.Lock()
	total := c.contRun[p.ID] + ranFor
	c.contRun[p.ID] = total
	c.mu.Unlock()
	if total < c.cfg.MaxContinuousRuntime {
		return
	}
	// Reset the counter to zero so the next tick doesn't refire: the task
	// must run another full MaxContinuousRuntime (or sleep, which makes
	// DequeueTask clear the counter) before the watchdog can fire again.
	c.mu.Lock()
	c.contRun[p.ID] = 0
	c.mu.Unlock()
	schederr.Overrun("rtclass: task %s exceeded max continuous runtime %s", p.ID, c.cfg.MaxContinuousRuntime)
	if c.cfg.OnWatchdog != nil {
		c.cfg.OnWatchdog(p)
	}
}

// TaskTick implements task_tick: charge the tick's runtime, run the
// watchdog check (via updateCurr), and for RR policy decrement
// time_slice, resetting and requeueing at tail once it hits zero and the
// bucket has siblings.
func (c *Class) TaskTick(rq *runqueue.RunQueue, p *task.Task, tick time.Duration) (reschedule bool) {
	c.updateCurr(rq, p, tick)

	if p.Policy != task.RR {
		return false
	}
	p.TimeSlice -= int(tick)
	if p.TimeSlice > 0 {
		return false
	}
	p.TimeSlice = int(c.cfg.Timeslice)
	if p.RunElem != nil && (p.RunElem.Prev() != nil || p.RunElem.Next() != nil) {
		rq.Requeue(p, false)
		return true
	}
	return false
}

// PrioChanged implements prio_changed: if p is currently running and its
// priority rose numerically (i.e. was lowered), consider pulling in a
// replacement elsewhere on the domain (the CPU p is on may now be a
// better balance target); if p is merely waiting and its new priority
// now outranks curr, reschedule.
func (c *Class) PrioChanged(rq *runqueue.RunQueue, p *task.Task, oldPrio int) (reschedule bool) {
	if rq.Curr == p {
		if p.Prio > oldPrio && c.Bal != nil {
			c.Bal.PullRtTask(context.Background(), rq)
		}
		return false
	}
	if rq.Curr == nil {
		return true
	}
	return p.Prio < rq.Curr.Prio
}

// SwitchedToRT implements switched_to_rt: a task newly admitted to this
// class becomes eligible for pushable registration (handled by
// runqueue.Enqueue at the caller's subsequent EnqueueTask) and, if it
// immediately outranks curr, triggers a reschedule.
func (c *Class) SwitchedToRT(rq *runqueue.RunQueue, p *task.Task) (reschedule bool) {
	if rq.Curr == nil || rq.Curr == p {
		return false
	}
	return p.Prio < rq.Curr.Prio
}

// SwitchedFromRT implements switched_from_rt: a task leaving this class
// can no longer be pushed or pulled; try to backfill this CPU by pulling
// from an overloaded peer before the fair class takes over.
func (c *Class) SwitchedFromRT(rq *runqueue.RunQueue) {
	if c.Bal != nil {
		c.Bal.PullRtTask(context.Background(), rq)
	}
}

// GetRRInterval implements get_rr_interval: DefTimeslice (or the Class's
// configured Timeslice) for RR, zero for FIFO and Sporadic.
func (c *Class) GetRRInterval(p *task.Task) time.Duration {
	if p.Policy != task.RR {
		return 0
	}
	return c.cfg.Timeslice
}

// effectivePrio mirrors balancer.effectivePrio; duplicated rather than
// exported from balancer to keep that package's surface limited to
// balancing concerns.
func effectivePrio(rq *runqueue.RunQueue) int {
	if rq.Curr == nil {
		return -1
	}
	return rq.Curr.Prio
}
