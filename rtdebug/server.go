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
// Package rtdebug exposes a read-only JSON HTTP surface over a running
// scheduler's counters (spec §6: "debug surface, format out of scope"):
// per-CPU rt_nr_running/rt_throttled/rt_time and per-task
// sum_exec_runtime. It never feeds back into scheduling decisions —
// purely an inspection aid, the same role the teacher's server package
// plays for recorded trace collections.
package rtdebug

import (
	"encoding/json"
	"net/http"

	log "github.com/golang/glog"
	"github.com/gorilla/mux"

	"github.com/rtcore/rtsched/balancer"
	"github.com/rtcore/rtsched/bandwidth"
	"github.com/rtcore/rtsched/task"
)

// RunQueueSnapshot is one CPU's counters at the moment of the request.
type RunQueueSnapshot struct {
	CPU             int   `json:"cpu"`
	NrRunning       int   `json:"rt_nr_running"`
	HighestPrioCurr int   `json:"highest_prio_curr"`
	Overloaded      bool  `json:"overloaded"`
	RTTimeNanos     int64 `json:"rt_time_ns"`
	RTRuntimeNanos  int64 `json:"rt_runtime_ns"`
	Throttled       bool  `json:"rt_throttled"`
}

// TaskSnapshot is one task's counters.
type TaskSnapshot struct {
	ID             string `json:"id"`
	Policy         string `json:"policy"`
	Prio           int    `json:"prio"`
	OnRQ           bool   `json:"on_rq"`
	CPU            int    `json:"cpu"`
	SumExecRuntime int64  `json:"sum_exec_runtime_ns"`
}

// Server serves the debug JSON surface over a RootDomain's run-queues
// and, optionally, the tasks riding on them. Group is held for callers;
// the handlers do not read it.
type Server struct {
	Domain *balancer.RootDomain
	Group  *bandwidth.Group
	// Tasks, if non-nil, enumerates every task currently known to the
	// scheduler for the /debug/tasks endpoint. The scheduler core (not this
	// package) owns that registry.
	Tasks func() []*task.Task
}

// NewServer returns a Server. group and tasks may be nil. /debug/run_queues
// reads each run-queue's own Slice whether or not group is set; if tasks
// is nil, /debug/tasks returns an empty list.
func NewServer(domain *balancer.RootDomain, group *bandwidth.Group, tasks func() []*task.Task) *Server {
	return &Server{Domain: domain, Group: group, Tasks: tasks}
}

// RegisterRoutes wires this Server's handlers onto r, mirroring the
// teacher's handle(r, path, handlerFunc) registration style.
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/debug/run_queues", s.handleRunQueues)
	r.HandleFunc("/debug/tasks", s.handleTasks)
}

func (s *Server) handleRunQueues(w http.ResponseWriter, req *http.Request) {
	var snaps []RunQueueSnapshot
	for _, cpu := range s.Domain.CPUs() {
		rq := s.Domain.RunQueue(cpu)
		if rq == nil {
			continue
		}
		rq.Mu.Lock()
		snap := RunQueueSnapshot{
			CPU:             cpu,
			NrRunning:       rq.NrRunning,
			HighestPrioCurr: rq.HighestPrio.Curr,
			Overloaded:      rq.Overloaded,
		}
		if rq.Slice != nil {
			rq.Slice.Mu.Lock()
			snap.RTTimeNanos = rq.Slice.RTTime.Nanoseconds()
			snap.RTRuntimeNanos = rq.Slice.RTRuntime.Nanoseconds()
			snap.Throttled = rq.Slice.Throttled
			rq.Slice.Mu.Unlock()
		}
		rq.Mu.Unlock()
		snaps = append(snaps, snap)
	}
	writeJSON(w, snaps)
}

func (s *Server) handleTasks(w http.ResponseWriter, req *http.Request) {
	if s.Tasks == nil {
		writeJSON(w, []TaskSnapshot{})
		return
	}
	snaps := make([]TaskSnapshot, 0, len(s.Tasks()))
	for _, t := range s.Tasks() {
		t.PiLock.Lock()
		snaps = append(snaps, TaskSnapshot{
			ID:             t.ID.String(),
			Policy:         t.Policy.String(),
			Prio:           t.Prio,
			OnRQ:           t.OnRQ,
			CPU:            t.CPU,
			SumExecRuntime: t.SumExecRuntime,
		})
		t.PiLock.Unlock()
	}
	writeJSON(w, snaps)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("rtdebug: failed to encode response: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
