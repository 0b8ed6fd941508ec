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
// Package task defines the task-side state consumed by the real-time
// scheduling class: priority fields, policy, and the priority-inheritance
// contract this package treats as an opaque external input.
package task

import (
	"container/list"
	"sync"

	"github.com/google/uuid"
)

// MaxRTPrio is the number of real-time priority levels. Priorities in
// [0, MaxRTPrio) are RT; priorities >= MaxRTPrio are non-RT and never seen
// by this package.
const MaxRTPrio = 100

// Policy is one of the three scheduling policies this class implements.
type Policy int

const (
	// FIFO is fixed-priority preemptive, no time slicing.
	FIFO Policy = iota
	// RR is fixed-priority round-robin, time sliced.
	RR
	// Sporadic is the sporadic-server policy (see package sporadic).
	Sporadic
)

func (p Policy) String() string {
	switch p {
	case FIFO:
		return "FIFO"
	case RR:
		return "RR"
	case Sporadic:
		return "SPORADIC"
	default:
		return "UNKNOWN"
	}
}

// ID identifies a task. Backed by a uuid so synthetic tasks created by
// tests and by cmd/rtsimd never collide.
type ID uuid.UUID

// NewID returns a freshly generated task ID.
func NewID() ID {
	return ID(uuid.New())
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}

// PiSource resolves the effective, possibly boosted, priority for a task
// from the priority-inheritance machinery this package does not own. It is
// read under Task.PiLock and treated as opaque (spec §9).
type PiSource interface {
	// EffectivePrio returns max_boost(pi_source, normalPrio): the lower of
	// normalPrio and any inherited boost, since lower numeric value means
	// higher priority.
	EffectivePrio(normalPrio int) int
}

// NoBoost is a PiSource with no priority inheritance: EffectivePrio always
// returns normalPrio unchanged. Useful for tests and for tasks that never
// participate in PI.
type NoBoost struct{}

// EffectivePrio implements PiSource.
func (NoBoost) EffectivePrio(normalPrio int) int { return normalPrio }

// Task is the subset of scheduler-visible task state this class reads and
// writes. Callers embed or wrap this in their own task-control-block type;
// this package never allocates a Task on a caller's behalf.
type Task struct {
	ID     ID
	Policy Policy

	// RTPriority is the nominal RT priority, 1..MaxRTPrio-1.
	RTPriority int
	// NormalPrio is the scheduling priority before PI boosting.
	NormalPrio int
	// Prio is the effective priority, possibly boosted above NormalPrio.
	// Must only be read/written while PiLock is held.
	Prio int

	// OnRQ is true while the task is linked into some run-queue's
	// PrioArray.
	OnRQ bool
	// CPU is the CPU this task currently belongs to.
	CPU int
	// NrCPUsAllowed is the size of the task's affinity mask. Tasks with
	// NrCPUsAllowed > 1 are migratable.
	NrCPUsAllowed int
	// Running is true while this task is the one currently executing on
	// CPU (as opposed to merely runnable).
	Running bool

	// TimeSlice is RR-only: nanoseconds remaining before round-robin
	// requeue.
	TimeSlice int

	// RunElem links this task into exactly one PrioArray bucket while
	// OnRQ is true. Owned by package prioarray.
	RunElem *list.Element
	// PushableElem links this task into its RunQueue's pushable index.
	// Owned by package runqueue.
	PushableElem *list.Element

	// SumExecRuntime is the cumulative executed time, exposed via the
	// debug surface (spec §6).
	SumExecRuntime int64

	PiLock sync.Mutex
	Pi     PiSource
}

// New returns a Task ready for admission into a run-queue. piSource may be
// nil, in which case NoBoost is used.
func New(policy Policy, rtPriority int, nrCPUsAllowed int, pi PiSource) *Task {
	if pi == nil {
		pi = NoBoost{}
	}
	t := &Task{
		ID:            NewID(),
		Policy:        policy,
		RTPriority:    rtPriority,
		NrCPUsAllowed: nrCPUsAllowed,
		Pi:            pi,
	}
	t.NormalPrio = MaxRTPrio - 1 - rtPriority
	t.Prio = t.NormalPrio
	return t
}

// Migratable reports whether the task's affinity allows it to move CPUs.
func (t *Task) Migratable() bool {
	return t.NrCPUsAllowed > 1
}

// RecomputePrio recomputes Prio from NormalPrio through the PI source,
// under PiLock, per spec §9: "prio = max_boost(pi_source, normal_prio)".
func (t *Task) RecomputePrio() {
	t.PiLock.Lock()
	defer t.PiLock.Unlock()
	t.Prio = t.Pi.EffectivePrio(t.NormalPrio)
}
