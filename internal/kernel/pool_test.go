package kernel

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestAddJobBlockTillDoneWaitsForCompletion(t *testing.T) {
	pool := NewWorkerPool(2, 0, nil, nil)
	defer pool.Stop()

	var ran atomic.Bool
	pool.AddJob(PriorityDefault, func(any) {
		time.Sleep(20 * time.Millisecond)
		ran.Store(true)
	}, nil, "test")

	pool.BlockTillDone()
	if !ran.Load() {
		t.Fatal("BlockTillDone returned before the job finished")
	}
}

func TestBlockTillDoneToleratesReentrantEnqueue(t *testing.T) {
	pool := NewWorkerPool(2, 0, nil, nil)
	defer pool.Stop()

	var count atomic.Int32
	pool.AddJob(PriorityDefault, func(any) {
		count.Add(1)
		pool.AddJob(PriorityDefault, func(any) {
			count.Add(1)
		}, nil, "child")
	}, nil, "parent")

	pool.BlockTillDone()
	if count.Load() != 2 {
		t.Fatalf("got %d completed jobs, want 2", count.Load())
	}
}

func TestPanickingJobDoesNotKillWorker(t *testing.T) {
	pool := NewWorkerPool(1, 0, nil, nil)
	defer pool.Stop()

	pool.AddJob(PriorityDefault, func(any) {
		panic("boom")
	}, nil, "panicker")
	pool.BlockTillDone()

	var ran atomic.Bool
	pool.AddJob(PriorityDefault, func(any) {
		ran.Store(true)
	}, nil, "survivor")
	pool.BlockTillDone()

	if !ran.Load() {
		t.Fatal("worker died after a panicking job")
	}
}

func TestPendingJobsReflectsQueueDepth(t *testing.T) {
	pool := NewWorkerPool(1, 0, nil, nil)
	defer pool.Stop()

	block := make(chan struct{})
	pool.AddJob(PriorityDefault, func(any) {
		<-block
	}, nil, "blocker")

	pool.AddJob(PriorityDefault, func(any) {}, nil, "queued-1")
	pool.AddJob(PriorityDefault, func(any) {}, nil, "queued-2")

	deadline := time.Now().Add(time.Second)
	for pool.PendingJobs() != 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := pool.PendingJobs(); got != 2 {
		t.Fatalf("PendingJobs() = %d, want 2", got)
	}

	close(block)
	pool.BlockTillDone()
	if got := pool.PendingJobs(); got != 0 {
		t.Fatalf("PendingJobs() after drain = %d, want 0", got)
	}
}

func TestFIFOWithinSamePriorityBand(t *testing.T) {
	pool := NewWorkerPool(1, 0, nil, nil) // single worker makes order deterministic
	defer pool.Stop()

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		pool.AddJob(PriorityDefault, func(any) {
			order = append(order, i)
		}, nil, "fifo")
	}
	pool.BlockTillDone()

	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want [0 1 2 3 4]", order)
		}
	}
}

func TestHigherPriorityRunsFirstWhenQueued(t *testing.T) {
	pool := NewWorkerPool(1, 0, nil, nil)
	defer pool.Stop()

	block := make(chan struct{})
	pool.AddJob(PriorityDefault, func(any) { <-block }, nil, "blocker")

	var order []string
	pool.AddJob(PriorityDefault, func(any) { order = append(order, "low") }, nil, "low")
	pool.AddJob(PriorityCallback, func(any) { order = append(order, "high") }, nil, "high")

	close(block)
	pool.BlockTillDone()

	if len(order) != 2 || order[0] != "high" || order[1] != "low" {
		t.Fatalf("order = %v, want [high low]", order)
	}
}

func TestBusyCallbackFiresOnceAtThresholdCrossing(t *testing.T) {
	var calls atomic.Int32
	pool := NewWorkerPool(1, 2, func(workers, pending int, current []CurrentJob) {
		calls.Add(1)
	}, nil)
	defer pool.Stop()

	block := make(chan struct{})
	pool.AddJob(PriorityDefault, func(any) { <-block }, nil, "blocker")
	pool.AddJob(PriorityDefault, func(any) {}, nil, "a")
	pool.AddJob(PriorityDefault, func(any) {}, nil, "b") // crosses threshold (2 pending)
	pool.AddJob(PriorityDefault, func(any) {}, nil, "c") // already warned, no repeat

	time.Sleep(20 * time.Millisecond) // let the callback goroutine run
	close(block)
	pool.BlockTillDone()

	if calls.Load() != 1 {
		t.Fatalf("busy callback fired %d times, want 1", calls.Load())
	}
}

func TestAddWorkerGrowsPool(t *testing.T) {
	pool := NewWorkerPool(1, 0, nil, nil)
	defer pool.Stop()

	if pool.WorkerCount() != 1 {
		t.Fatalf("WorkerCount() = %d, want 1", pool.WorkerCount())
	}
	pool.AddWorker()
	if pool.WorkerCount() != 2 {
		t.Fatalf("WorkerCount() = %d, want 2", pool.WorkerCount())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	pool := NewWorkerPool(2, 0, nil, nil)
	pool.Stop()
	pool.Stop() // must not panic or deadlock
}
