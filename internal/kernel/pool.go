package kernel

import (
	"container/heap"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Priority is a total order over job bands; lower values run first.
type Priority int

// Priority bands, lowest value wins (spec §4.1).
const (
	PriorityCallback Priority = 0 // service_executed
	PriorityService  Priority = 1 // call_service
	PriorityState    Priority = 2 // state_changed
	PriorityTime     Priority = 3 // time_changed
	PriorityDefault  Priority = 4 // everything else
)

// PriorityForEvent maps an event type to its dispatch priority.
func PriorityForEvent(eventType string) Priority {
	switch eventType {
	case EventTimeChanged:
		return PriorityTime
	case EventStateChanged:
		return PriorityState
	case EventCallService:
		return PriorityService
	case EventServiceExecuted:
		return PriorityCallback
	default:
		return PriorityDefault
	}
}

// JobFunc is the callable a worker executes. Panics are recovered and
// logged by the pool; they never reach the caller or other jobs.
type JobFunc func(arg any)

// job is a single unit of work queued on the pool.
type job struct {
	priority Priority
	seq      uint64
	fn       JobFunc
	arg      any
	descr    string
	enqueued time.Time
	started  time.Time
}

// jobHeap is a min-heap ordered by (priority, seq) so that jobs within
// the same priority band run in FIFO enqueue order (spec §9).
type jobHeap []*job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)   { *h = append(*h, x.(*job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// BusyCallback is invoked when pending jobs cross the busy threshold.
// currentJobs holds the (start_time, job_descriptor) of every job a
// worker is executing at the moment the threshold is crossed.
type BusyCallback func(workerCount int, pendingJobs int, currentJobs []CurrentJob)

// CurrentJob describes one job a worker is mid-execution on.
type CurrentJob struct {
	StartedAt time.Time
	Descr     string
}

// WorkerPool is a bounded pool of goroutines draining a priority queue.
// Safe for concurrent use from any goroutine, including from inside a
// job running on one of its own workers.
type WorkerPool struct {
	logger *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	heap    jobHeap
	nextSeq uint64
	running map[uint64]*job
	nextRun uint64

	workers       int
	stopping      bool
	stopped       chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup

	busyThreshold int
	busyCallback  BusyCallback
	busyWarned    bool
}

// NewWorkerPool creates a pool with the given floor of workers. A nil
// logger defaults to slog.Default(). busyThreshold is the pending-job
// count (spec §4.1's tunable K) that triggers busyCallback; zero
// disables the busy-pool warning entirely. A nil busyCallback logs a
// warning through the logger instead.
func NewWorkerPool(workers int, busyThreshold int, busyCallback BusyCallback, logger *slog.Logger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &WorkerPool{
		logger:        logger,
		running:       make(map[uint64]*job),
		workers:       workers,
		stopped:       make(chan struct{}),
		busyThreshold: busyThreshold,
		busyCallback:  busyCallback,
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.runWorker()
	}
	return p
}

// WorkerCount reports the number of worker goroutines in the pool.
func (p *WorkerPool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// PendingJobs reports the number of jobs queued but not yet started.
func (p *WorkerPool) PendingJobs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.heap)
}

// AddWorker grows the pool by one goroutine. Used at startup when a
// component declares additional polling demand (spec §4.1).
func (p *WorkerPool) AddWorker() {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return
	}
	p.workers++
	p.mu.Unlock()

	p.wg.Add(1)
	go p.runWorker()
}

// AddJob enqueues fn(arg) to run at the given priority. Non-blocking;
// safe to call from any goroutine including a worker executing another
// job. descr is a short human-readable label surfaced by the busy-pool
// callback.
func (p *WorkerPool) AddJob(priority Priority, fn JobFunc, arg any, descr string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopping {
		return
	}

	p.nextSeq++
	j := &job{
		priority: priority,
		seq:      p.nextSeq,
		fn:       fn,
		arg:      arg,
		descr:    descr,
		enqueued: time.Now(),
	}
	heap.Push(&p.heap, j)
	p.maybeWarnLocked()
	p.cond.Signal()
}

// maybeWarnLocked fires the busy callback once per threshold crossing.
// Must be called with p.mu held.
func (p *WorkerPool) maybeWarnLocked() {
	if p.busyThreshold <= 0 {
		return
	}
	pending := len(p.heap)
	if pending >= p.busyThreshold {
		if p.busyWarned {
			return
		}
		p.busyWarned = true
		current := make([]CurrentJob, 0, len(p.running))
		for _, j := range p.running {
			current = append(current, CurrentJob{StartedAt: j.started, Descr: j.descr})
		}
		workers := p.workers
		if p.busyCallback != nil {
			go p.busyCallback(workers, pending, current)
		} else {
			p.logger.Warn("worker pool saturated",
				"worker_count", workers,
				"pending_jobs", pending,
			)
			for _, c := range current {
				p.logger.Warn("worker pool current job", "started_at", c.StartedAt, "job", c.Descr)
			}
		}
	} else {
		p.busyWarned = false
	}
}

// BlockTillDone returns once the queue is empty and no worker is
// executing a job. Tolerates re-entrant AddJob calls made while
// waiting — it re-checks the condition after every wakeup.
func (p *WorkerPool) BlockTillDone() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.heap) > 0 || len(p.running) > 0 {
		p.cond.Wait()
	}
}

// Stop signals all workers to exit after draining currently queued
// jobs. Idempotent.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopping = true
		p.mu.Unlock()
		p.cond.Broadcast()
		close(p.stopped)
	})
	p.wg.Wait()
}

// runWorker is the body of a single worker goroutine.
func (p *WorkerPool) runWorker() {
	defer p.wg.Done()
	id := p.nextRunID()

	for {
		p.mu.Lock()
		for len(p.heap) == 0 && !p.stopping {
			p.cond.Wait()
		}
		if len(p.heap) == 0 && p.stopping {
			p.mu.Unlock()
			return
		}
		j := heap.Pop(&p.heap).(*job)
		j.started = time.Now()
		p.running[id] = j
		p.mu.Unlock()

		p.runJob(j)

		p.mu.Lock()
		delete(p.running, id)
		done := len(p.heap) == 0 && len(p.running) == 0
		p.mu.Unlock()
		if done {
			p.cond.Broadcast()
		}
	}
}

// nextRunID hands out a unique key for the running-jobs table.
func (p *WorkerPool) nextRunID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextRun++
	return p.nextRun
}

// runJob executes fn(arg), recovering and logging any panic so a
// misbehaving listener or service handler never kills a worker.
func (p *WorkerPool) runJob(j *job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked",
				"job", j.descr,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	j.fn(j.arg)
}
