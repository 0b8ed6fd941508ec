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
// Package sporadic implements the sporadic-server budget mechanism: a
// replenishment ledger, foreground/background priority switching, and the
// two coupled timers (exhaustion and replenishment) described in spec §4.4.
package sporadic

import (
	"time"

	"github.com/rtcore/rtsched/hrtimer"
	"github.com/rtcore/rtsched/runqueue"
	"github.com/rtcore/rtsched/schederr"
	"github.com/rtcore/rtsched/task"
)

// ReplRecord is one pending replenishment: amt becomes available to spend
// starting at time.
type ReplRecord struct {
	Time time.Time
	Amt  time.Duration
}

// Config holds the per-task sporadic-server configuration recognized at
// admission (spec §6).
type Config struct {
	// RTPriority is the foreground RT priority in rt_priority units
	// (1..MaxRTPrio-1); ForegroundPrio = MaxRTPrio-1-RTPriority.
	RTPriority int
	// LowPriority is the background priority, in the same prio-space
	// units PrioArray indexes by (lower numeric value = higher
	// priority). Must be numerically >= ForegroundPrio.
	LowPriority int
	// Period is sched_ss_repl_period.
	Period time.Duration
	// InitBudget is sched_ss_init_budget, the budget granted per period.
	InitBudget time.Duration
	// MaxRepl is sched_ss_max_repl, the replenishment ledger capacity.
	MaxRepl int
	// RunInBackground controls spec §9's open question ("do not execute
	// in background"): when false (the default, matching the kernel's
	// always-taken branch), a task dropped to background priority is
	// fully dequeued rather than left runnable at a low priority.
	RunInBackground bool
}

// Server is the sporadic-server budget state for one task.
type Server struct {
	Task *task.Task
	cfg  Config

	fgPrio int
	bgPrio int

	usage time.Duration

	replList []ReplRecord
	replHead int // -1 == empty

	clock     hrtimer.Clock
	newTimer  func(hrtimer.Callback) hrtimer.Timer
	exhTimer  hrtimer.Timer
	replTimer hrtimer.Timer

	// rqHint is the run-queue timer callbacks recover the task from; see
	// SetRunQueue.
	rqHint *runqueue.RunQueue
}

// NewServer validates cfg and returns a Server for t, seeded with one
// replenishment of InitBudget so capacity is available once the task is
// first promoted to foreground. t starts at background priority: per
// spec §4.4, an SS task always wakes at background priority and is
// promoted to foreground only by a replenishment event.
//
// clock and newTimer may be nil, in which case a production
// hrtimer.SystemClock and hrtimer.New are used; tests pass an
// hrtimer.FakeClock and its NewTimer method instead.
func NewServer(t *task.Task, cfg Config, clock hrtimer.Clock, newTimer func(hrtimer.Callback) hrtimer.Timer) (*Server, error) {
	fgPrio := task.MaxRTPrio - 1 - cfg.RTPriority
	switch {
	case cfg.Period <= 0:
		return nil, schederr.Invalid("sporadic: repl_period must be positive, got %s", cfg.Period)
	case cfg.InitBudget <= 0 || cfg.InitBudget > cfg.Period:
		return nil, schederr.Invalid("sporadic: init_budget %s must be in (0, period %s]", cfg.InitBudget, cfg.Period)
	case cfg.MaxRepl < 1:
		return nil, schederr.Invalid("sporadic: max_repl must be >= 1, got %d", cfg.MaxRepl)
	case fgPrio < 0 || fgPrio >= task.MaxRTPrio:
		return nil, schederr.Invalid("sporadic: rt_priority %d out of range", cfg.RTPriority)
	case cfg.LowPriority < fgPrio || cfg.LowPriority >= task.MaxRTPrio:
		return nil, schederr.Invalid("sporadic: low_priority %d must be in [%d, %d)", cfg.LowPriority, fgPrio, task.MaxRTPrio)
	}

	if clock == nil {
		clock = hrtimer.SystemClock{}
	}

	s := &Server{
		Task:     t,
		cfg:      cfg,
		fgPrio:   fgPrio,
		bgPrio:   cfg.LowPriority,
		replList: make([]ReplRecord, cfg.MaxRepl),
		replHead: -1,
		clock:    clock,
	}
	if newTimer == nil {
		newTimer = func(cb hrtimer.Callback) hrtimer.Timer { return hrtimer.New(clock, cb) }
	}
	s.newTimer = newTimer
	s.exhTimer = newTimer(s.exhaustionFired)
	s.replTimer = newTimer(s.replenishmentFired)

	s.replAdd(ReplRecord{Time: clock.Now(), Amt: cfg.InitBudget})

	t.Policy = task.Sporadic
	t.RTPriority = cfg.RTPriority
	t.NormalPrio = s.bgPrio
	t.Prio = s.bgPrio

	return s, nil
}

// ForegroundPrio returns ss_fg_prio.
func (s *Server) ForegroundPrio() int { return s.fgPrio }

// BackgroundPrio returns ss_bg_prio.
func (s *Server) BackgroundPrio() int { return s.bgPrio }

// atForeground reports whether the task's NormalPrio is currently the SS
// foreground priority (ss_curr_prio_fg).
func (s *Server) atForeground() bool { return s.Task.NormalPrio == s.fgPrio }

// atBackground reports ss_curr_prio_bg.
func (s *Server) atBackground() bool { return s.Task.NormalPrio == s.bgPrio }

// replEmpty is ss_rl_empty.
func (s *Server) replEmpty() bool { return s.replHead == -1 }

// replFull is ss_rl_full.
func (s *Server) replFull() bool { return s.replHead+1 >= s.cfg.MaxRepl }

// replAdd pushes repl onto the ledger as the new current record
// (ss_rl_add). replList[0..replHead] is kept in chronological order, oldest
// first, so replHead always names the newest (current) record — the one
// Capacity and OutOfBudget read. Present in the original kernel source but
// left uncalled by the default replenishment path there (ss_rl_push /
// ss_rl_replace_front are commented out); kept here, and exercised
// directly by tests, for callers building richer partial-replenishment
// policies on top of this package.
func (s *Server) replAdd(repl ReplRecord) {
	if s.replFull() {
		schederr.Overrun("sporadic: replenishment ledger full for task %s, dropping oldest", s.Task.ID)
		copy(s.replList, s.replList[1:])
		s.replHead--
	}
	s.replHead++
	s.replList[s.replHead] = repl
}

// replPop removes and returns the most recent (index replHead) ledger
// record (ss_rl_pop).
func (s *Server) replPop() ReplRecord {
	if s.replEmpty() {
		schederr.Fatal("sporadic: replPop on empty ledger for task %s", s.Task.ID)
	}
	r := s.replList[s.replHead]
	s.replHead--
	return r
}

// Capacity returns the foreground budget remaining in the current cycle:
// replList[replHead].Amt - usage (ss_capacity). Zero if the ledger is
// empty.
func (s *Server) Capacity() time.Duration {
	if s.replEmpty() {
		return 0
	}
	return s.replList[s.replHead].Amt - s.usage
}

// OutOfBudget is ss_out_of_budget.
func (s *Server) OutOfBudget() bool {
	return s.Capacity() <= 0
}

// UpdateCurr charges delta of executed time, but only while the task is
// at foreground priority (spec §4.4 invariant: "Budget charged only
// while at foreground priority").
func (s *Server) UpdateCurr(delta time.Duration) {
	s.Task.SumExecRuntime += delta.Nanoseconds()
	if !s.atForeground() {
		return
	}
	s.usage += delta
}

// ChangePrio is ss_change_prio: atomically (caller holds rq.Mu) rewrites
// NormalPrio, recomputes the PI-boosted Prio, reinserts the task at the
// front of its new bucket if enqueued, and — if the new priority is
// background and RunInBackground is false — fully dequeues the task,
// forcing a reschedule if it was running. Idempotent when old == new.
func (s *Server) ChangePrio(rq *runqueue.RunQueue, newPrio int) (reschedule bool) {
	if s.Task.NormalPrio == newPrio {
		return false
	}

	onRQ := s.Task.OnRQ
	if onRQ {
		rq.DequeueStack(s.Task)
	}

	s.Task.NormalPrio = newPrio
	s.Task.RecomputePrio()

	if onRQ {
		rq.EnqueueStack(s.Task)
		reschedule = true
	}

	if onRQ && newPrio == s.bgPrio && !s.cfg.RunInBackground {
		rq.Dequeue(s.Task)
		if s.Task.Running {
			reschedule = true
		}
	}

	return reschedule
}

// ArmExhaustion is ss_do_exh_timer(running=true): arms the exhaustion
// timer to fire when the task's current budget runs out, unless that
// would be past the replenishment deadline (overload) or the task is
// already at background priority.
func (s *Server) ArmExhaustion(now time.Time) {
	budget := s.Capacity()
	if s.OutOfBudget() {
		schederr.Overrun("sporadic: task %s armed with no budget", s.Task.ID)
	}
	expiry := now.Add(budget)
	if !s.replTimer.Active() || expiry.After(s.replTimer.GetExpires()) {
		schederr.Overrun("sporadic: task %s exhaustion timer would expire past replenishment deadline (overloaded)", s.Task.ID)
		return
	}
	if s.atBackground() {
		return
	}
	s.exhTimer.Start(expiry)
}

// DisarmExhaustion is ss_do_exh_timer(running=false): cancels the
// exhaustion timer on context-switch-out. A racing callback is expected
// and tolerated (spec §5, §7).
func (s *Server) DisarmExhaustion() {
	s.exhTimer.TryCancel()
}

// exhaustionFired is ss_exh_cb.
func (s *Server) exhaustionFired(now time.Time) hrtimer.Restart {
	if rq := s.rqHint; rq != nil {
		rq.Mu.Lock()
		defer rq.Mu.Unlock()
	}
	if s.OutOfBudget() {
		s.ChangePrio(s.rqHint, s.bgPrio)
	}
	return hrtimer.NoRestart
}

// replenishmentFired is ss_repl_cb.
func (s *Server) replenishmentFired(now time.Time) hrtimer.Restart {
	if rq := s.rqHint; rq != nil {
		rq.Mu.Lock()
		defer rq.Mu.Unlock()
	}
	s.exhTimer.TryCancel()

	if !s.replEmpty() && s.usage > s.replList[s.replHead].Amt {
		schederr.Overrun("sporadic: task %s overran its budget by %s", s.Task.ID, s.usage-s.replList[s.replHead].Amt)
	}
	s.usage = 0

	periods := s.ForwardReplTimer(s.replTimer.GetExpires())
	if periods != 1 {
		schederr.Overrun("sporadic: task %s replenishment timer skipped %d period(s)", s.Task.ID, periods-1)
	}

	s.ChangePrio(s.rqHint, s.fgPrio)
	if s.Task.Running {
		s.ArmExhaustion(now)
	}

	return hrtimer.DoRestart
}

// rqHint is the RunQueue most recently passed to EnqueueWake/Dequeue/
// SetRunQueue; timer callbacks fire asynchronously and must recover the
// owning run-queue the way ss_repl_cb/ss_exh_cb recover it via
// task_rq(p). A real dispatcher integration calls SetRunQueue whenever a
// task migrates; see rtclass for the wiring.
func (s *Server) SetRunQueue(rq *runqueue.RunQueue) { s.rqHint = rq }

// ForwardReplTimer advances the replenishment timer by whole Period
// increments until its expiry is strictly after target, returning the
// number of periods advanced (ss_fwd_repl_timer). A result other than 1
// indicates missed replenishments (starvation) and is logged by the
// caller.
func (s *Server) ForwardReplTimer(target time.Time) int {
	if s.replTimer.Active() && s.replTimer.GetExpires().After(target) {
		return 0
	}
	periods := 0
	expiry := s.replTimer.GetExpires()
	if expiry.IsZero() {
		expiry = target
	}
	for !expiry.After(target) {
		periods++
		expiry = expiry.Add(s.cfg.Period)
	}
	s.replTimer.Start(expiry)
	return periods
}

// unblockCheck is ss_unblock_check: reserved per spec §9's open question.
// Always returns false; only a replenishment event may promote a task to
// foreground.
func (s *Server) unblockCheck() bool { return false }

// EnqueueWake is the wake-up path of spec §4.4: re-align the
// replenishment timer to the present and ensure it is armed. The task
// remains at background priority until a replenishment event promotes it.
func (s *Server) EnqueueWake(now time.Time) {
	if periods := s.ForwardReplTimer(now); periods > 1 {
		schederr.Overrun("sporadic: task %s replenishment timer skipped %d period(s) while blocked", s.Task.ID, periods-1)
	}
	if !s.replTimer.Active() {
		s.replTimer.Start(now.Add(s.cfg.Period))
	}
}

// Dequeue is the sleep/exit path: cancel both timers (tolerating a racing
// callback), drop to background priority, remove the task from rq, and
// expire the current budget so a subsequent wake starts out of budget
// until replenished. The replenishment ledger is preserved, not emptied.
func (s *Server) Dequeue(rq *runqueue.RunQueue) {
	s.exhTimer.TryCancel()
	s.replTimer.TryCancel()
	s.ChangePrio(rq, s.bgPrio)
	if s.Task.OnRQ {
		rq.Dequeue(s.Task)
	}
	if !s.replEmpty() {
		s.usage = s.replList[s.replHead].Amt
	}
}
