package kernel

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestBus(t *testing.T) (*EventBus, *WorkerPool) {
	t.Helper()
	pool := NewWorkerPool(2, 0, nil, nil)
	t.Cleanup(pool.Stop)
	return NewEventBus(pool, nil), pool
}

func TestFireDeliversToSpecificListener(t *testing.T) {
	bus, pool := newTestBus(t)

	var got atomic.Int32
	bus.Listen("light.changed", func(e Event) {
		got.Add(1)
	})

	bus.Fire("light.changed", map[string]any{"x": 1}, OriginLocal)
	pool.BlockTillDone()

	if got.Load() != 1 {
		t.Fatalf("got %d deliveries, want 1", got.Load())
	}
}

func TestFireFansOutToMatchAllFirst(t *testing.T) {
	bus, pool := newTestBus(t)

	var order []string
	var mu sync.Mutex
	record := func(name string) Listener {
		return func(e Event) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	bus.Listen(MatchAll, record("match-all"))
	bus.Listen("custom", record("specific"))

	bus.Fire("custom", nil, OriginLocal)
	pool.BlockTillDone()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "match-all" || order[1] != "specific" {
		t.Fatalf("dispatch order = %v, want [match-all specific]", order)
	}
}

func TestListenOnceFiresAtMostOnce(t *testing.T) {
	bus, pool := newTestBus(t)

	var calls atomic.Int32
	bus.ListenOnce("x", func(e Event) {
		calls.Add(1)
	})

	bus.Fire("x", nil, OriginLocal)
	bus.Fire("x", nil, OriginLocal)
	pool.BlockTillDone()

	if calls.Load() != 1 {
		t.Fatalf("listen_once invoked %d times, want 1", calls.Load())
	}
}

func TestRemoveListenerIsNoOpWhenAbsent(t *testing.T) {
	bus, _ := newTestBus(t)
	h := &ListenerHandle{eventType: "never-registered"}
	bus.RemoveListener(h) // must not panic
}

func TestListenThenRemoveThenFireDeliversZero(t *testing.T) {
	bus, pool := newTestBus(t)

	var calls atomic.Int32
	h := bus.Listen("y", func(e Event) { calls.Add(1) })
	bus.RemoveListener(h)

	bus.Fire("y", nil, OriginLocal)
	pool.BlockTillDone()

	if calls.Load() != 0 {
		t.Fatalf("got %d deliveries after removal, want 0", calls.Load())
	}
}

func TestFireSnapshotsListenersAtDispatchTime(t *testing.T) {
	bus, pool := newTestBus(t)

	var calls atomic.Int32
	var handle *ListenerHandle
	handle = bus.Listen("z", func(e Event) {
		calls.Add(1)
		bus.RemoveListener(handle) // self-removal mid dispatch
	})

	bus.Fire("z", nil, OriginLocal)
	bus.Fire("z", nil, OriginLocal) // snapshot for this Fire predates removal
	pool.BlockTillDone()

	if calls.Load() != 2 {
		t.Fatalf("got %d deliveries, want 2 (both fires snapshotted before removal completed)", calls.Load())
	}
}

func TestListenersViewReportsCounts(t *testing.T) {
	bus, _ := newTestBus(t)
	bus.Listen("a", func(Event) {})
	bus.Listen("a", func(Event) {})
	bus.Listen("b", func(Event) {})

	view := bus.Listeners()
	if view["a"] != 2 || view["b"] != 1 {
		t.Fatalf("Listeners() = %v, want a:2 b:1", view)
	}
}

func TestPriorityOrderingAcrossEventTypes(t *testing.T) {
	pool := NewWorkerPool(1, 0, nil, nil) // single worker so order is observable
	defer pool.Stop()
	bus := NewEventBus(pool, nil)

	var order []string
	var mu sync.Mutex
	record := func(name string) Listener {
		return func(e Event) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
		}
	}

	bus.Listen(EventTimeChanged, record("time"))
	bus.Listen(EventStateChanged, record("state"))

	// Occupy the single worker first so both fires queue up together.
	block := make(chan struct{})
	pool.AddJob(PriorityDefault, func(any) { <-block }, nil, "blocker")

	bus.Fire(EventTimeChanged, nil, OriginLocal) // lower priority (3)
	bus.Fire(EventStateChanged, nil, OriginLocal) // higher priority (2)
	close(block)

	pool.BlockTillDone()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "state" || order[1] != "time" {
		t.Fatalf("execution order = %v, want [state time] (state_changed outranks time_changed)", order)
	}
}
