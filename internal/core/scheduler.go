package core

/*
numapin — NUMA-topology-aware CPU pinning for Go worker pools
Copyright (C) 2025  Pepijn van der Stap <numapin@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/x-stp/numapin/internal/affinity"
	"github.com/x-stp/numapin/internal/metrics"

	"github.com/zeebo/xxh3"
	"golang.org/x/time/rate"
)

// Options configures a Scheduler.
type Options struct {
	// Workers is the number of pinned worker goroutines. Defaults to the
	// number of logical CPUs in the platform's topology.
	Workers int
	// QueueCapacity is the per-worker queue size. Defaults to
	// WorkerQueueCapacity.
	QueueCapacity int
	// WorkerRate is the per-worker processing rate in items per second.
	// Defaults to DefaultWorkerRate.
	WorkerRate float64
}

// Scheduler manages a pool of worker goroutines pinned to CPUs chosen by
// the affinity platform, and dispatches work items to them by hashing the
// shard key. Items with the same key always land on the same worker.
type Scheduler struct {
	platform   *affinity.Platform
	numWorkers int
	workers    []*Worker
	ctx        context.Context
	cancel     context.CancelFunc
	shutdown   atomic.Bool
	// workItemPool reuses WorkItem structs to cut allocation churn on the
	// submission hot path.
	workItemPool sync.Pool
	activeWork   sync.WaitGroup
	// submitLimiter adapts the accepted submission rate to backpressure.
	submitLimiter *RateLimiter
}

// Worker is a single pinned worker goroutine and its state.
type Worker struct {
	// Immutable fields
	id        int
	ctx       context.Context
	scheduler *Scheduler
	queue     chan *WorkItem
	limiter   *rate.Limiter

	// pinnedCPU is the effective CPU after the worker pinned itself;
	// affinity.UninitCPU while unpinned or when pinning degraded.
	pinnedCPU atomic.Int64

	// Counters
	processed atomic.Int64
	errors    atomic.Int64
	panics    atomic.Int64
	busy      atomic.Bool
}

// NewScheduler creates, configures and starts the scheduler and its worker
// pool on the given platform. Each worker immediately locks its OS thread,
// obtains a CPU from the platform and pins itself there; a pinning failure
// degrades to an unpinned worker, it never fails startup.
//
// Operation: Blocking (at startup), allocates worker/channel resources.
func NewScheduler(parentCtx context.Context, platform *affinity.Platform, opts Options) (*Scheduler, error) {
	if platform == nil {
		return nil, fmt.Errorf("scheduler requires a platform")
	}

	numWorkers := opts.Workers
	if numWorkers <= 0 {
		numWorkers = platform.Table().Len()
	}
	queueCap := opts.QueueCapacity
	if queueCap <= 0 {
		queueCap = WorkerQueueCapacity
	}
	workerRate := opts.WorkerRate
	if workerRate <= 0 {
		workerRate = DefaultWorkerRate
	}

	sctx, cancel := context.WithCancel(parentCtx)

	s := &Scheduler{
		platform:   platform,
		numWorkers: numWorkers,
		workers:    make([]*Worker, numWorkers),
		ctx:        sctx,
		cancel:     cancel,
		workItemPool: sync.Pool{
			New: func() interface{} {
				return &WorkItem{}
			},
		},
		submitLimiter: NewRateLimiter(workerRate * float64(numWorkers)),
	}

	var pinned sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		w := &Worker{
			id:        i,
			ctx:       sctx,
			scheduler: s,
			queue:     make(chan *WorkItem, queueCap),
			limiter:   rate.NewLimiter(rate.Limit(workerRate), queueCap),
		}
		w.pinnedCPU.Store(affinity.UninitCPU)
		s.workers[i] = w
		pinned.Add(1)
		go w.run(&pinned)
	}
	// Wait for every worker to finish its pin attempt so selections are
	// complete before the first Submit.
	pinned.Wait()

	log.Printf("Scheduler initialized with %d workers (CPU pinning %s).",
		numWorkers, pinState(platform.PinningEnabled()))
	return s, nil
}

func pinState(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

// run is the main processing loop for a single worker goroutine.
// It pins the underlying OS thread first, then reads from its queue.
func (w *Worker) run(pinned *sync.WaitGroup) {
	// The thread stays locked for the life of the worker; without the lock
	// the affinity mask would apply to whichever goroutine inherits the
	// thread next.
	runtime.LockOSThread()

	p := w.scheduler.platform
	cpu := p.NextWorkerCPU()
	// pid 0 targets the calling thread.
	effective := p.SetProcessAffinity(0, cpu, affinity.UninitCPU)
	if effective == cpu {
		w.pinnedCPU.Store(int64(cpu))
	}
	metrics.GetMetrics().WorkerPinnedCPU.
		WithLabelValues(strconv.Itoa(w.id)).Set(float64(w.pinnedCPU.Load()))
	pinned.Done()

	m := metrics.GetMetrics()
	label := strconv.Itoa(w.id)

	for {
		select {
		case <-w.ctx.Done():
			w.drain(m)
			return
		case item := <-w.queue:
			if item == nil {
				continue
			}
			m.UpdateQueueDepth(w.id, len(w.queue))

			// Pace the worker; a canceled context just drops through to
			// the final drain of the item.
			if err := w.limiter.Wait(w.ctx); err != nil && w.ctx.Err() == nil {
				log.Printf("Worker %d limiter: %v", w.id, err)
			}

			w.busy.Store(true)
			m.WorkerBusy.WithLabelValues(label).Set(1)

			func() {
				defer w.scheduler.activeWork.Done()
				defer func() {
					if r := recover(); r != nil {
						w.panics.Add(1)
						m.WorkerPanics.WithLabelValues(label).Inc()
						m.WorkFailed.Inc()
						log.Printf("Panic recovered in worker %d processing item %s/%d: %v",
							w.id, item.ShardKey, item.Seq, r)
					}
				}()

				if err := item.Callback(item); err != nil {
					w.errors.Add(1)
					m.WorkerErrors.WithLabelValues(label).Inc()
					m.WorkFailed.Inc()
					log.Printf("Error processing item %s/%d in worker %d: %v",
						item.ShardKey, item.Seq, w.id, err)
				} else {
					w.processed.Add(1)
					m.WorkerProcessed.WithLabelValues(label).Inc()
					m.WorkCompleted.Inc()
				}
			}()

			w.busy.Store(false)
			m.WorkerBusy.WithLabelValues(label).Set(0)

			// Return the item to the pool, resetting fields to avoid
			// leakage between uses.
			item.Callback = nil
			item.ShardKey = ""
			item.Ctx = nil
			item.Error = nil
			w.scheduler.workItemPool.Put(item)

			// Queue drained below half: release submission backpressure.
			if len(w.queue) <= cap(w.queue)/2 {
				w.scheduler.submitLimiter.UpdateBackpressure(false)
			}
		}
	}
}

// drain releases the accounting for items still queued when the worker's
// context is canceled. Those items never run; without this, Wait would
// block forever on their activeWork counts.
func (w *Worker) drain(m *metrics.Metrics) {
	discarded := 0
	for {
		select {
		case item := <-w.queue:
			if item == nil {
				continue
			}
			discarded++
			m.WorkFailed.Inc()
			item.Callback = nil
			item.ShardKey = ""
			item.Ctx = nil
			item.Error = nil
			w.scheduler.workItemPool.Put(item)
			w.scheduler.activeWork.Done()
		default:
			if discarded > 0 {
				log.Printf("Worker %d discarded %d queued items at shutdown.", w.id, discarded)
			}
			m.UpdateQueueDepth(w.id, 0)
			return
		}
	}
}

// Submit routes a work item to a worker chosen by hashing shardKey. The
// send is non-blocking: a full queue surfaces immediately as backpressure
// instead of stalling the caller.
//
// Hot Path: Yes. Non-blocking, low allocation (pool Get/Put).
func (s *Scheduler) Submit(ctx context.Context, shardKey string, seq int64, callback WorkCallback) error {
	if s.shutdown.Load() || s.ctx.Err() != nil {
		return ErrSchedulerShutdown
	}
	if !s.submitLimiter.Allow() {
		return ErrThrottled
	}

	shardIndex := int(xxh3.HashString(shardKey) % uint64(s.numWorkers))
	targetWorker := s.workers[shardIndex]

	item := s.workItemPool.Get().(*WorkItem)
	item.ShardKey = shardKey
	item.Seq = seq
	item.Attempt = 0
	item.Callback = callback
	item.Ctx = ctx
	item.CreatedAt = time.Now()
	s.activeWork.Add(1)

	m := metrics.GetMetrics()
	select {
	case targetWorker.queue <- item:
		s.submitLimiter.RecordSuccess()
		m.WorkSubmitted.Inc()
		m.UpdateQueueDepth(targetWorker.id, len(targetWorker.queue))
		return nil
	default:
		// Queue full: report backpressure immediately.
		s.activeWork.Done()
		s.workItemPool.Put(item)
		s.submitLimiter.RecordFailure()
		s.submitLimiter.UpdateBackpressure(true)
		m.QueueBackpressureHit.WithLabelValues(strconv.Itoa(targetWorker.id)).Inc()
		return fmt.Errorf("worker %d for shard %s: %w", targetWorker.id, shardKey, ErrQueueFull)
	}
}

// Wait blocks until all submitted work items have been processed.
func (s *Scheduler) Wait() {
	s.activeWork.Wait()
}

// Shutdown stops accepting work, cancels the workers and waits for items
// already accepted to drain.
func (s *Scheduler) Shutdown() {
	if s.shutdown.CompareAndSwap(false, true) {
		log.Println("Scheduler shutting down...")
		s.activeWork.Wait()
		s.cancel()
	}
}

// PinnedCPUs returns the effective CPU of each worker, affinity.UninitCPU
// for workers whose pinning degraded.
func (s *Scheduler) PinnedCPUs() []int {
	cpus := make([]int, len(s.workers))
	for i, w := range s.workers {
		cpus[i] = int(w.pinnedCPU.Load())
	}
	return cpus
}

// Stats summarizes per-worker processing counters.
type Stats struct {
	Processed int64
	Errors    int64
	Panics    int64
}

// Stats returns aggregate counters across all workers.
func (s *Scheduler) Stats() Stats {
	var st Stats
	for _, w := range s.workers {
		st.Processed += w.processed.Load()
		st.Errors += w.errors.Load()
		st.Panics += w.panics.Load()
	}
	return st
}
