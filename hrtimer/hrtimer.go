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
// Package hrtimer defines the absolute-mode high-resolution timer service
// this scheduling class consumes (spec §6), plus a production
// implementation backed by the standard library. Both ss_repl_timer and
// ss_exh_timer are instances of Timer.
package hrtimer

import (
	"sync"
	"time"
)

// Clock provides monotonic time. Production code uses SystemClock; tests
// use FakeClock (see fakeclock.go) to drive timer callbacks
// deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock, backed by time.Now.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// Restart is the result of a Timer callback, mirroring HRTIMER_RESTART /
// HRTIMER_NORESTART.
type Restart int

const (
	// NoRestart disarms the timer after the callback returns.
	NoRestart Restart = iota
	// DoRestart leaves the timer armed at its (possibly updated) expiry.
	DoRestart
)

// Callback is invoked when a Timer fires. It returns whether the timer
// should restart.
type Callback func(now time.Time) Restart

// Timer is one absolute-mode high-resolution timer.
type Timer interface {
	// Start arms the timer to fire at absolute time expiry, replacing any
	// previous expiry.
	Start(expiry time.Time)
	// TryCancel attempts to disarm the timer without blocking.
	// cancelled is true if the timer was successfully disarmed before
	// firing. wasInactive is true if the timer was not armed at all.
	// racing is true if the callback is concurrently executing; the
	// caller must tolerate this (spec §5, §7) rather than treat it as an
	// error.
	TryCancel() (cancelled, wasInactive, racing bool)
	// Active reports whether the timer is currently armed.
	Active() bool
	// GetExpires returns the timer's most recently set absolute expiry.
	// It keeps returning that value after the timer fires or is
	// cancelled, and the zero time if the timer was never started.
	GetExpires() time.Time
	// AddExpires shifts the current expiry forward by delta and
	// re-arms, without changing the callback.
	AddExpires(delta time.Duration)
}

// timer is the production Timer, backed by time.AfterFunc.
type timer struct {
	clock Clock
	cb    Callback

	mu      sync.Mutex
	expiry  time.Time
	active  bool
	racing  bool
	tmr     *time.Timer
}

// New returns a production Timer that invokes cb (on its own goroutine)
// when it fires.
func New(clock Clock, cb Callback) Timer {
	if clock == nil {
		clock = SystemClock{}
	}
	return &timer{clock: clock, cb: cb}
}

func (t *timer) Start(expiry time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startLocked(expiry)
}

func (t *timer) startLocked(expiry time.Time) {
	if t.tmr != nil {
		t.tmr.Stop()
	}
	t.expiry = expiry
	t.active = true
	d := time.Until(expiry)
	if d < 0 {
		d = 0
	}
	t.tmr = time.AfterFunc(d, t.fire)
}

func (t *timer) fire() {
	t.mu.Lock()
	t.racing = true
	t.active = false
	cb := t.cb
	t.mu.Unlock()

	restart := cb(t.clock.Now())

	t.mu.Lock()
	t.racing = false
	if restart == DoRestart && !t.active {
		// Callback is expected to have called Start/AddExpires itself if
		// it wants to restart with a new expiry; DoRestart with no new
		// expiry re-arms at the last-known expiry as a safety net.
		t.startLocked(t.expiry)
	}
	t.mu.Unlock()
}

func (t *timer) TryCancel() (cancelled, wasInactive, racing bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.racing {
		return false, false, true
	}
	if !t.active {
		return false, true, false
	}
	stopped := false
	if t.tmr != nil {
		stopped = t.tmr.Stop()
	}
	t.active = false
	return stopped, false, false
}

func (t *timer) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *timer) GetExpires() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expiry
}

func (t *timer) AddExpires(delta time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startLocked(t.expiry.Add(delta))
}
