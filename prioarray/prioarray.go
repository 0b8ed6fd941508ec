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
// Package prioarray implements the bitmap-indexed priority array: one FIFO
// queue per RT priority level, with O(1) highest-priority lookup.
package prioarray

import (
	"container/list"
	"math/bits"

	"github.com/rtcore/rtsched/task"
)

const (
	bitsPerWord = 64
	numWords    = (task.MaxRTPrio + bitsPerWord - 1) / bitsPerWord
)

// PrioArray is a bitmap of task.MaxRTPrio bits plus task.MaxRTPrio FIFO
// queues. Bit i is set iff queue i is non-empty.
type PrioArray struct {
	bitmap [numWords]uint64
	queues [task.MaxRTPrio]*list.List
}

// New returns an empty PrioArray.
func New() *PrioArray {
	pa := &PrioArray{}
	for i := range pa.queues {
		pa.queues[i] = list.New()
	}
	return pa
}

func (pa *PrioArray) setBit(prio int) {
	pa.bitmap[prio/bitsPerWord] |= 1 << uint(prio%bitsPerWord)
}

func (pa *PrioArray) clearBit(prio int) {
	pa.bitmap[prio/bitsPerWord] &^= 1 << uint(prio%bitsPerWord)
}

// Enqueue inserts t at the front (head) or back of queue[t.Prio], sets the
// corresponding bit, and links t.RunElem.
func (pa *PrioArray) Enqueue(t *task.Task, head bool) {
	q := pa.queues[t.Prio]
	wasEmpty := q.Len() == 0
	if head {
		t.RunElem = q.PushFront(t)
	} else {
		t.RunElem = q.PushBack(t)
	}
	if wasEmpty {
		pa.setBit(t.Prio)
	}
}

// Dequeue removes t from its bucket and clears the bit iff the bucket is
// now empty.
func (pa *PrioArray) Dequeue(t *task.Task) {
	q := pa.queues[t.Prio]
	if t.RunElem != nil {
		q.Remove(t.RunElem)
		t.RunElem = nil
	}
	if q.Len() == 0 {
		pa.clearBit(t.Prio)
	}
}

// Requeue moves t to the front or back of its current bucket. O(1), does
// not touch the bitmap.
func (pa *PrioArray) Requeue(t *task.Task, head bool) {
	q := pa.queues[t.Prio]
	if t.RunElem != nil {
		q.Remove(t.RunElem)
	}
	if head {
		t.RunElem = q.PushFront(t)
	} else {
		t.RunElem = q.PushBack(t)
	}
}

// Empty reports whether queue[prio] is empty.
func (pa *PrioArray) Empty(prio int) bool {
	return pa.queues[prio].Len() == 0
}

// FindFirstSet returns the highest-priority (lowest-numbered) non-empty
// queue, or task.MaxRTPrio if the array is empty.
func (pa *PrioArray) FindFirstSet() int {
	for w := 0; w < numWords; w++ {
		if pa.bitmap[w] != 0 {
			return w*bitsPerWord + bits.TrailingZeros64(pa.bitmap[w])
		}
	}
	return task.MaxRTPrio
}

// PickNext returns the head of the highest-priority non-empty queue, or
// nil if the array is empty.
func (pa *PrioArray) PickNext() *task.Task {
	prio := pa.FindFirstSet()
	if prio >= task.MaxRTPrio {
		return nil
	}
	front := pa.queues[prio].Front()
	if front == nil {
		return nil
	}
	return front.Value.(*task.Task)
}
