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
// Command rtsimd wires up a small two-CPU root domain, four FIFO tasks,
// and the SMP balancer, then walks it through the
// push-on-overload scenario (spec §8 scenario 4) while printing a
// transcript. It optionally serves the rtdebug counters surface.
package main

import (
	"flag"
	"net/http"
	"time"

	log "github.com/golang/glog"
	"github.com/gorilla/mux"

	"github.com/rtcore/rtsched/balancer"
	"github.com/rtcore/rtsched/rtclass"
	"github.com/rtcore/rtsched/rtdebug"
	"github.com/rtcore/rtsched/runqueue"
	"github.com/rtcore/rtsched/task"
)

var (
	debugAddr = flag.String("debug_addr", "", "If set, serve the rtdebug counters surface on this address (e.g. :7402).")
	nrCPUs    = flag.Int("nr_cpus", 2, "Number of simulated CPUs.")
)

func buildDomain(n int) (*balancer.RootDomain, map[int]*runqueue.RunQueue) {
	domain := balancer.NewRootDomain(n)
	rqs := make(map[int]*runqueue.RunQueue, n)
	for cpu := 0; cpu < n; cpu++ {
		rq := runqueue.New(cpu)
		domain.Online(rq)
		rqs[cpu] = rq
	}
	return domain, rqs
}

func main() {
	flag.Parse()

	domain, rqs := buildDomain(*nrCPUs)
	bal := balancer.New(domain, 0, time.Now)
	class := rtclass.New(rtclass.Config{}, nil, bal, time.Now)

	var allTasks []*task.Task
	track := func(t *task.Task) *task.Task {
		allTasks = append(allTasks, t)
		return t
	}

	if *debugAddr != "" {
		srv := rtdebug.NewServer(domain, nil, func() []*task.Task { return allTasks })
		r := mux.NewRouter()
		srv.RegisterRoutes(r)
		go func() {
			log.Infof("rtsimd: serving debug surface on %s", *debugAddr)
			if err := http.ListenAndServe(*debugAddr, r); err != nil {
				log.Errorf("rtsimd: debug server exited: %v", err)
			}
		}()
	}

	rq0, rq1 := rqs[0], rqs[1]

	x := track(task.New(task.FIFO, task.MaxRTPrio-1-5, 1, nil))
	a := track(task.New(task.FIFO, task.MaxRTPrio-1-10, 2, nil))
	b := track(task.New(task.FIFO, task.MaxRTPrio-1-15, 2, nil))
	y := track(task.New(task.FIFO, task.MaxRTPrio-1-50, 1, nil))

	x.CPU, a.CPU, b.CPU = 0, 0, 0
	y.CPU = 1

	rq0.Mu.Lock()
	class.EnqueueTask(rq0, x, false)
	rq0.SetCurr(x)
	class.EnqueueTask(rq0, a, false)
	class.EnqueueTask(rq0, b, false)
	rq0.Mu.Unlock()

	rq1.Mu.Lock()
	class.EnqueueTask(rq1, y, false)
	rq1.SetCurr(y)
	rq1.Mu.Unlock()

	domain.SetOverload(0, rq0.Overloaded)
	log.Infof("rtsimd: cpu0 overloaded=%v nr_running=%d", rq0.Overloaded, rq0.NrRunning)

	rq0.Mu.Lock()
	pushed := bal.PushRtTask(rq0)
	rq0.Mu.Unlock()

	log.Infof("rtsimd: pushed %d task(s) off cpu0", pushed)
	log.Infof("rtsimd: cpu0 highest_prio.curr=%d cpu1 highest_prio.curr=%d", rq0.HighestPrio.Curr, rq1.HighestPrio.Curr)
	log.Infof("rtsimd: task A now on cpu%d, task B now on cpu%d", a.CPU, b.CPU)

	if *debugAddr != "" {
		select {}
	}
}
