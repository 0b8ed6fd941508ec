package balancer

import (
	"context"
	"testing"
	"time"

	"github.com/rtcore/rtsched/runqueue"
	"github.com/rtcore/rtsched/task"
)

func fixedNow() time.Time { return time.Unix(0, 0) }

// TestScenarioPushOnOverload implements spec §8 scenario 4: CPU0 runs
// prio-5 task X with pushable prio-10 A and prio-15 B enqueued; CPU1 runs
// prio-50 task Y. Pushing should move A (the highest-priority pushable)
// to CPU1, where it preempts Y, leaving CPU0's highest_prio.curr at 5 and
// CPU1's at 10.
func TestScenarioPushOnOverload(t *testing.T) {
	rq0 := runqueue.New(0)
	rq1 := runqueue.New(1)
	domain := NewRootDomain(2)
	domain.Online(rq0)
	domain.Online(rq1)
	bal := New(domain, 0, fixedNow)

	x := task.New(task.FIFO, task.MaxRTPrio-1-5, 1, nil)
	a := task.New(task.FIFO, task.MaxRTPrio-1-10, 2, nil)
	b := task.New(task.FIFO, task.MaxRTPrio-1-15, 2, nil)
	y := task.New(task.FIFO, task.MaxRTPrio-1-50, 1, nil)

	rq0.Enqueue(x, false)
	rq0.SetCurr(x)
	rq0.Enqueue(a, false)
	rq0.Enqueue(b, false)
	x.CPU, a.CPU, b.CPU = 0, 0, 0

	rq1.Enqueue(y, false)
	rq1.SetCurr(y)
	y.CPU = 1

	domain.CPUPri.Set(0, x.Prio, task.MaxRTPrio)
	domain.CPUPri.Set(1, y.Prio, task.MaxRTPrio)

	if !rq0.Overloaded {
		t.Fatalf("rq0.Overloaded = false, want true (1 running + 2 migratable pushable)")
	}

	rq0.Mu.Lock()
	pushed := bal.PushRtTask(rq0)
	rq0.Mu.Unlock()

	if pushed == 0 {
		t.Fatalf("PushRtTask pushed 0 tasks, want at least 1")
	}
	if a.CPU != 1 {
		t.Fatalf("task A.CPU = %d, want 1 (pushed to CPU1)", a.CPU)
	}
	if rq0.HighestPrio.Curr != x.Prio {
		t.Fatalf("rq0.HighestPrio.Curr = %d, want %d (X still running)", rq0.HighestPrio.Curr, x.Prio)
	}
	if rq1.HighestPrio.Curr != a.Prio {
		t.Fatalf("rq1.HighestPrio.Curr = %d, want %d (A now highest on CPU1)", rq1.HighestPrio.Curr, a.Prio)
	}
}

// TestScenarioPullOnPriorityDrop implements spec §8 scenario 5: CPU0's
// running task is set up directly at prio 60 (the state after its
// priority was lowered from 10); CPU1 has a pushable prio-20 task.
// Pulling should migrate the prio-20 task onto CPU0.
func TestScenarioPullOnPriorityDrop(t *testing.T) {
	rq0 := runqueue.New(0)
	rq1 := runqueue.New(1)
	domain := NewRootDomain(2)
	domain.Online(rq0)
	domain.Online(rq1)
	bal := New(domain, 0, fixedNow)

	curr0 := task.New(task.FIFO, task.MaxRTPrio-1-60, 1, nil)
	curr0.CPU = 0
	rq0.Enqueue(curr0, false)
	rq0.SetCurr(curr0)

	curr1 := task.New(task.FIFO, task.MaxRTPrio-1-5, 1, nil)
	curr1.CPU = 1
	rq1.Enqueue(curr1, false)
	rq1.SetCurr(curr1)

	pullable := task.New(task.FIFO, task.MaxRTPrio-1-20, 2, nil)
	pullable.CPU = 1
	rq1.Enqueue(pullable, false)

	domain.SetOverload(1, rq1.Overloaded)
	if !domain.Overloaded() {
		t.Fatalf("domain.Overloaded() = false, want true (CPU1 has a running task plus a migratable pushable one)")
	}

	rq0.Mu.Lock()
	pulled := bal.PullRtTask(context.Background(), rq0)
	rq0.Mu.Unlock()

	if !pulled {
		t.Fatalf("PullRtTask returned false, want true")
	}
	if pullable.CPU != 0 {
		t.Fatalf("pulled task CPU = %d, want 0", pullable.CPU)
	}
	if rq0.HighestPrio.Curr != pullable.Prio {
		t.Fatalf("rq0.HighestPrio.Curr = %d, want %d (pulled task now highest on CPU0)", rq0.HighestPrio.Curr, pullable.Prio)
	}
}

func TestPullSkipsWhenNotOverloaded(t *testing.T) {
	rq0 := runqueue.New(0)
	domain := NewRootDomain(1)
	domain.Online(rq0)
	bal := New(domain, 0, fixedNow)

	rq0.Mu.Lock()
	pulled := bal.PullRtTask(context.Background(), rq0)
	rq0.Mu.Unlock()

	if pulled {
		t.Fatalf("PullRtTask returned true with no overloaded CPUs in the domain")
	}
}

// TestPushSkipsCooledDownTask verifies that a pushable task which just
// migrated (and so is within its cooldown window) is skipped in favor of
// the next highest-priority pushable task rather than blocking the push
// pass entirely.
func TestPushSkipsCooledDownTask(t *testing.T) {
	rq0 := runqueue.New(0)
	rq1 := runqueue.New(1)
	domain := NewRootDomain(2)
	domain.Online(rq0)
	domain.Online(rq1)

	clockNow := fixedNow()
	bal := New(domain, time.Minute, func() time.Time { return clockNow })

	x := task.New(task.FIFO, task.MaxRTPrio-1-5, 1, nil)
	a := task.New(task.FIFO, task.MaxRTPrio-1-10, 2, nil)
	c := task.New(task.FIFO, task.MaxRTPrio-1-12, 2, nil)
	y := task.New(task.FIFO, task.MaxRTPrio-1-50, 1, nil)

	rq0.Enqueue(x, false)
	rq0.SetCurr(x)
	rq0.Enqueue(a, false)
	rq0.Enqueue(c, false)
	x.CPU, a.CPU, c.CPU = 0, 0, 0

	rq1.Enqueue(y, false)
	rq1.SetCurr(y)
	y.CPU = 1

	domain.CPUPri.Set(0, x.Prio, task.MaxRTPrio)
	domain.CPUPri.Set(1, y.Prio, task.MaxRTPrio)

	// Pretend a just migrated a moment ago: it should be skipped in favor
	// of c, the next-highest-priority pushable task.
	bal.cooldown.Touch(a.ID, clockNow)

	rq0.Mu.Lock()
	pushed := bal.PushRtTask(rq0)
	rq0.Mu.Unlock()

	if pushed == 0 {
		t.Fatalf("PushRtTask pushed 0 tasks, want at least 1 (c should still be eligible)")
	}
	if a.CPU != 0 {
		t.Fatalf("cooled-down task A migrated anyway: CPU = %d, want 0", a.CPU)
	}
	if c.CPU != 1 {
		t.Fatalf("task C.CPU = %d, want 1 (pushed in A's place)", c.CPU)
	}
}

// TestPushSkipsMigrationWhenCandidateOutranksCurr mirrors push_rt_task
// step 2: if the pushable candidate is (now) higher priority than rq's own
// running task, pushOne must leave it in place for a local reschedule
// rather than migrate it away.
func TestPushSkipsMigrationWhenCandidateOutranksCurr(t *testing.T) {
	rq0 := runqueue.New(0)
	rq1 := runqueue.New(1)
	domain := NewRootDomain(2)
	domain.Online(rq0)
	domain.Online(rq1)
	bal := New(domain, 0, fixedNow)

	x := task.New(task.FIFO, task.MaxRTPrio-1-20, 1, nil)
	a := task.New(task.FIFO, task.MaxRTPrio-1-5, 2, nil) // more urgent than x.
	y := task.New(task.FIFO, task.MaxRTPrio-1-50, 1, nil)

	rq0.Enqueue(x, false)
	rq0.SetCurr(x)
	rq0.Enqueue(a, false)
	x.CPU, a.CPU = 0, 0

	rq1.Enqueue(y, false)
	rq1.SetCurr(y)
	y.CPU = 1

	domain.CPUPri.Set(0, x.Prio, task.MaxRTPrio)
	domain.CPUPri.Set(1, y.Prio, task.MaxRTPrio)

	rq0.Mu.Lock()
	pushed := bal.PushRtTask(rq0)
	rq0.Mu.Unlock()

	if pushed != 0 {
		t.Fatalf("PushRtTask pushed %d tasks, want 0 (A outranks X, should reschedule locally)", pushed)
	}
	if a.CPU != 0 {
		t.Fatalf("task A.CPU = %d, want 0 (left in place for local reschedule)", a.CPU)
	}
}

func TestOfflineClearsOverloadMask(t *testing.T) {
	rq0 := runqueue.New(0)
	domain := NewRootDomain(1)
	domain.Online(rq0)
	domain.SetOverload(0, true)
	if !domain.Overloaded() {
		t.Fatalf("domain not overloaded after SetOverload(0, true)")
	}

	domain.Offline(0, nil, 0)
	if domain.Overloaded() {
		t.Fatalf("domain still overloaded after Offline")
	}
	if domain.RunQueue(0) != nil {
		t.Fatalf("RunQueue(0) still registered after Offline")
	}
}
