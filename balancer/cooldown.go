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
package balancer

import (
	"time"

	"github.com/hashicorp/golang-lru/simplelru"

	"github.com/rtcore/rtsched/task"
)

// defaultCooldownCapacity bounds the migration-cooldown cache the way the
// teacher bounds its collection cache: a fixed LRU capacity rather than an
// unbounded map, since a long-running balancer would otherwise accumulate
// one entry per task ID forever.
const defaultCooldownCapacity = 4096

// cooldown suppresses immediately re-pushing or re-pulling a task right
// after it migrated, damping the push/pull thrash that an unconditional
// SMP RT balancer is prone to (an enrichment beyond spec.md's literal
// push/pull description, grounded in how real RT balancers behave).
type cooldown struct {
	lru    *simplelru.LRU
	window time.Duration
}

func newCooldown(window time.Duration) *cooldown {
	lru, err := simplelru.NewLRU(defaultCooldownCapacity, nil)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// defaultCooldownCapacity never is.
		panic(err)
	}
	return &cooldown{lru: lru, window: window}
}

// Touch records that id just migrated at now.
func (c *cooldown) Touch(id task.ID, now time.Time) {
	c.lru.Add(id, now)
}

// Active reports whether id migrated within the cooldown window of now.
func (c *cooldown) Active(id task.ID, now time.Time) bool {
	v, ok := c.lru.Get(id)
	if !ok {
		return false
	}
	last := v.(time.Time)
	return now.Sub(last) < c.window
}
