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
// Package bandwidth implements group bandwidth accounting: per-CPU
// runtime quotas that sum to a group's nominal runtime times its number
// of CPUs, throttling when a
// CPU overruns its quota, and cross-CPU borrowing so CPUs with spare
// quota can lend it to CPUs under pressure.
package bandwidth

import (
	"context"
	"time"

	"github.com/golang/sync/errgroup"

	"github.com/rtcore/rtsched/runqueue"
	"github.com/rtcore/rtsched/schederr"
)

// RuntimeInf is the sentinel meaning "unlimited runtime": a Group with
// this Runtime never throttles.
const RuntimeInf = time.Duration(-1)

// Member is the subset of runqueue.RunQueue a Group needs to account and
// throttle a single CPU's slice.
type Member struct {
	CPU   int
	Slice *runqueue.Slice
	// Requeue is called when a throttled run-queue should be made
	// runnable again after unthrottling (spec §4.3: "schedule
	// re-enqueue").
	Requeue func()
	// IdleSince, if non-nil, reports whether the CPU is idle. PeriodTick
	// calls it but takes no action on the result: there is no per-CPU
	// clock in this package, so no clock update is made for idle CPUs.
	IdleSince func() (idle bool)
}

// Group aggregates runtime quotas across a set of CPUs (spec §3, §4.3).
type Group struct {
	Period  time.Duration
	Runtime time.Duration

	members map[int]*Member
	hist    *history
}

// NewGroup validates and returns a Group. rt_runtime must be <= rt_period
// unless it is RuntimeInf (spec §6).
func NewGroup(period, runtime time.Duration) (*Group, error) {
	if period <= 0 {
		return nil, schederr.Invalid("bandwidth: period must be positive, got %s", period)
	}
	if runtime != RuntimeInf && runtime > period {
		return nil, schederr.Invalid("bandwidth: runtime %s exceeds period %s", runtime, period)
	}
	return &Group{
		Period:  period,
		Runtime: runtime,
		members: map[int]*Member{},
		hist:    newHistory(),
	}, nil
}

// AddMember attaches a CPU's Slice to this Group, giving it the group's
// full Runtime as its initial quota (so the slices sum to Runtime times
// the number of member CPUs).
func (g *Group) AddMember(m *Member) {
	if g.Runtime != RuntimeInf {
		m.Slice.RTRuntime = g.Runtime
	} else {
		m.Slice.RTRuntime = RuntimeInf
	}
	g.members[m.CPU] = m
}

// nrCPUs returns the number of CPUs in this group's span.
func (g *Group) nrCPUs() int { return len(g.members) }

// throttled implements the throttle predicate of spec §4.3: rt_time >
// rt_runtime && rt_runtime < period. A group with RuntimeInf never
// throttles.
func throttled(slice *runqueue.Slice, period time.Duration) bool {
	if slice.RTRuntime == RuntimeInf {
		return false
	}
	return slice.RTTime > slice.RTRuntime && slice.RTRuntime < period
}

// ChargeRuntime charges Δ of foreground execution on cpu's slice and
// throttles it if it has now overrun (called from the scheduler's
// update_curr path, not from PeriodTick).
func (g *Group) ChargeRuntime(cpu int, delta time.Duration) {
	m, ok := g.members[cpu]
	if !ok {
		return
	}
	m.Slice.Mu.Lock()
	defer m.Slice.Mu.Unlock()
	m.Slice.RTTime += delta
	if !m.Slice.Throttled && throttled(m.Slice, g.Period) {
		m.Slice.Throttled = true
	}
}

// BalanceRuntime borrows runtime into cpu's slice from peer slices in the
// same group (spec §4.3 "Cross-CPU borrowing"). Caller must not hold
// cpu's slice lock: BalanceRuntime takes it itself, only briefly, and
// never while holding a peer's slice lock (other slices are locked
// strictly after our own is dropped, avoiding A-B/B-A deadlock across
// CPUs).
func (g *Group) BalanceRuntime(cpu int) {
	if g.Runtime == RuntimeInf {
		return
	}
	m, ok := g.members[cpu]
	if !ok {
		return
	}

	m.Slice.Mu.Lock()
	needed := g.Period - m.Slice.RTRuntime
	m.Slice.Mu.Unlock()
	if needed <= 0 {
		return
	}

	weight := g.nrCPUs() - 1
	if weight < 1 {
		weight = 1
	}

	for peerCPU, peer := range g.members {
		if peerCPU == cpu || needed <= 0 {
			continue
		}
		peer.Slice.Mu.Lock()
		if peer.Slice.RTRuntime == RuntimeInf || peer.Slice.RTRuntime <= 0 {
			peer.Slice.Mu.Unlock()
			continue
		}
		// surplus is what the peer isn't itself using (do_balance_runtime's
		// diff = iter->rt_runtime - iter->rt_time), not its whole
		// allotment: a peer mid-way through spending its own quota must
		// keep what it still needs.
		surplus := peer.Slice.RTRuntime - peer.Slice.RTTime
		if surplus < 0 {
			surplus = 0
		}
		take := surplus / time.Duration(weight)
		if take > needed {
			take = needed
		}
		if take > peer.Slice.RTRuntime {
			take = peer.Slice.RTRuntime
		}
		peer.Slice.RTRuntime -= take
		peer.Slice.Mu.Unlock()

		m.Slice.Mu.Lock()
		m.Slice.RTRuntime += take
		m.Slice.Mu.Unlock()

		needed -= take
	}
}

// DisableRuntime reclaims exactly what cpu lent out (spec §4.3
// "Reclaim"), called when a CPU goes offline. original is the slice's
// runtime at the time it joined the group (before any borrowing). Finding
// the system short of what was lent is a fatal invariant violation.
func (g *Group) DisableRuntime(cpu int, original time.Duration) {
	m, ok := g.members[cpu]
	if !ok {
		return
	}
	m.Slice.Mu.Lock()
	lent := original - m.Slice.RTRuntime
	m.Slice.Mu.Unlock()
	if lent <= 0 {
		m.Slice.Mu.Lock()
		m.Slice.RTRuntime = RuntimeInf
		m.Slice.Mu.Unlock()
		return
	}

	remaining := lent
	for peerCPU, peer := range g.members {
		if peerCPU == cpu || remaining <= 0 {
			continue
		}
		peer.Slice.Mu.Lock()
		take := remaining
		if peer.Slice.RTRuntime != RuntimeInf && take > peer.Slice.RTRuntime {
			take = peer.Slice.RTRuntime
		}
		peer.Slice.RTRuntime -= take
		peer.Slice.Mu.Unlock()
		remaining -= take
	}

	if remaining > 0 {
		schederr.Fatal("bandwidth: DisableRuntime(cpu=%d) left wanting %s of reclaimed runtime", cpu, remaining)
	}

	m.Slice.Mu.Lock()
	m.Slice.RTRuntime = RuntimeInf
	m.Slice.Mu.Unlock()
}

// PeriodTick runs one period-boundary pass over every member CPU (spec
// §4.3), fanning the per-CPU work out with a bounded errgroup the way the
// teacher's api_service.go fans out independent sub-fetches. Returns idle
// = true iff no CPU had work or accumulated time, in which case the
// caller's period timer may stop itself.
func (g *Group) PeriodTick(ctx context.Context, now time.Time) (idle bool, err error) {
	type outcome struct {
		hadWork bool
	}
	outcomes := make(chan outcome, g.nrCPUs())

	eg, _ := errgroup.WithContext(ctx)
	for cpu, m := range g.members {
		cpu, m := cpu, m
		eg.Go(func() error {
			hadWork, tickErr := g.tickOne(cpu, m, now)
			if tickErr != nil {
				return tickErr
			}
			outcomes <- outcome{hadWork: hadWork}
			return nil
		})
	}
	if err = eg.Wait(); err != nil {
		return false, err
	}
	close(outcomes)

	idle = true
	for o := range outcomes {
		if o.hadWork {
			idle = false
		}
	}
	return idle, nil
}

// tickOne implements the single-CPU body of spec §4.3 step 1.
func (g *Group) tickOne(cpu int, m *Member, now time.Time) (hadWork bool, err error) {
	m.Slice.Mu.Lock()
	defer m.Slice.Mu.Unlock()

	if m.IdleSince != nil && m.IdleSince() {
		// No clock update is made for an idle CPU: this package keeps
		// no per-CPU clock. The slice is still visited below, so the
		// overall idle determination is unaffected.
	}

	if m.Slice.RTTime > 0 {
		hadWork = true
		wasThrottled := m.Slice.Throttled
		if wasThrottled {
			m.Slice.Mu.Unlock()
			g.BalanceRuntime(cpu)
			m.Slice.Mu.Lock()
		}
		overrun := time.Duration(1)
		sub := overrun * m.Slice.RTRuntime
		m.Slice.RTTime -= sub
		if m.Slice.RTTime < 0 {
			m.Slice.RTTime = 0
		}
		if wasThrottled && m.Slice.RTTime < m.Slice.RTRuntime {
			m.Slice.Throttled = false
			g.hist.recordThrottle(cpu, now.Add(-g.Period), now)
			if m.Requeue != nil {
				requeue := m.Requeue
				m.Slice.Mu.Unlock()
				requeue()
				m.Slice.Mu.Lock()
			}
		}
	} else if !m.Slice.Throttled {
		// rt_time == 0 and not throttled: nothing to do, but a queued
		// group with zero accumulated time still counts as having work
		// so the timer does not stop under it prematurely. We can't see
		// "queued" from here without NrRunning, so conservatively treat
		// a nonzero runtime quota with a Requeue hook as evidence of an
		// active member.
		hadWork = m.Requeue != nil && m.Slice.RTRuntime > 0 && m.Slice.RTRuntime != RuntimeInf
	}
	return hadWork, nil
}
