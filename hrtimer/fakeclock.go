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
package hrtimer

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a manually-advanced Clock that also constructs fakeTimers
// bound to it, so that the sporadic-server and bandwidth-group scenarios
// in spec §8 can be driven deterministically without real sleeps. It plays
// the same role for this module's tests that the teacher's testhelpers
// package plays for trace-collection fixtures.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFakeClock returns a FakeClock starting at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now implements Clock.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// NewTimer returns a Timer bound to this clock.
func (c *FakeClock) NewTimer(cb Callback) Timer {
	return &fakeTimer{clock: c, cb: cb}
}

// Advance moves the clock forward by d, firing every due timer in expiry
// order. Callbacks run synchronously on the calling goroutine, so tests
// observe their effects immediately after Advance returns.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		due := c.dueLocked(target)
		if due == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = due.expiry
		due.firing = true
		due.active = false
		c.mu.Unlock()

		restart := due.cb(due.expiry)

		c.mu.Lock()
		due.firing = false
		if restart == DoRestart && !due.active {
			due.active = true
			c.register(due)
		}
		c.mu.Unlock()
	}
}

// dueLocked returns the earliest active timer with expiry <= target, or
// nil. Caller holds c.mu.
func (c *FakeClock) dueLocked(target time.Time) *fakeTimer {
	sort.Slice(c.timers, func(i, j int) bool {
		return c.timers[i].expiry.Before(c.timers[j].expiry)
	})
	for _, t := range c.timers {
		if t.active && !t.expiry.After(target) {
			return t
		}
	}
	return nil
}

func (c *FakeClock) register(t *fakeTimer) {
	for _, existing := range c.timers {
		if existing == t {
			return
		}
	}
	c.timers = append(c.timers, t)
}

// fakeTimer implements Timer against a FakeClock.
type fakeTimer struct {
	clock *FakeClock
	cb    Callback

	expiry time.Time
	active bool
	firing bool
}

func (t *fakeTimer) Start(expiry time.Time) {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.expiry = expiry
	t.active = true
	t.clock.register(t)
}

func (t *fakeTimer) TryCancel() (cancelled, wasInactive, racing bool) {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.firing {
		return false, false, true
	}
	if !t.active {
		return false, true, false
	}
	t.active = false
	return true, false, false
}

func (t *fakeTimer) Active() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	return t.active
}

func (t *fakeTimer) GetExpires() time.Time {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	return t.expiry
}

func (t *fakeTimer) AddExpires(delta time.Duration) {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.expiry = t.expiry.Add(delta)
	t.active = true
	t.clock.register(t)
}
