package kernel

import (
	"sync/atomic"
	"testing"
	"time"
)

func newTestKernel() *Kernel {
	return New(Config{Workers: 2, TimerInterval: 1})
}

func TestBlockingCallSucceeds(t *testing.T) {
	k := newTestKernel()
	defer k.Pool.Stop()

	k.Services.Register("test", "ping", func(ServiceCall) {})

	ok := k.Services.Call("test", "ping", nil, true)
	if !ok {
		t.Fatal("blocking call to a fast handler should return true")
	}
}

func TestBlockingCallTimesOutOnUnknownService(t *testing.T) {
	k := New(Config{Workers: 2})
	defer k.Pool.Stop()

	// ServiceCallLimit is a package constant, so this blocking call
	// waits out the full 10s timeout.
	start := time.Now()
	done := make(chan bool, 1)
	go func() {
		done <- k.Services.Call("unknown", "nope", nil, true)
	}()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("call to an unregistered service should not succeed")
		}
		if elapsed := time.Since(start); elapsed < ServiceCallLimit-500*time.Millisecond {
			t.Fatalf("returned after %v, want ~%v (spec: unknown services wait the full timeout)", elapsed, ServiceCallLimit)
		}
	case <-time.After(ServiceCallLimit + 2*time.Second):
		t.Fatal("blocking call on unknown service never returned")
	}
}

func TestNonBlockingCallReturnsImmediately(t *testing.T) {
	k := newTestKernel()
	defer k.Pool.Stop()

	var invoked atomic.Bool
	block := make(chan struct{})
	k.Services.Register("test", "slow", func(ServiceCall) {
		<-block
		invoked.Store(true)
	})

	start := time.Now()
	ok := k.Services.Call("test", "slow", nil, false)
	if !ok {
		t.Fatal("non-blocking call should report true")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("non-blocking call should not wait on the handler")
	}
	close(block)
	k.Pool.BlockTillDone()
	if !invoked.Load() {
		t.Fatal("handler never ran")
	}
}

func TestServiceExecutedCarriesServiceCallID(t *testing.T) {
	k := newTestKernel()
	defer k.Pool.Stop()

	k.Services.Register("test", "ping", func(ServiceCall) {})

	var gotID string
	k.Bus.Listen(EventServiceExecuted, func(e Event) {
		gotID, _ = e.Data[AttrServiceCallID].(string)
	})

	if !k.Services.Call("test", "ping", nil, true) {
		t.Fatal("blocking call failed")
	}
	if gotID == "" {
		t.Fatal("service_executed event missing service_call_id")
	}
}

func TestHasServiceAndServicesView(t *testing.T) {
	k := newTestKernel()
	defer k.Pool.Stop()

	if k.Services.HasService("test", "ping") {
		t.Fatal("HasService should be false before registration")
	}
	k.Services.Register("test", "ping", func(ServiceCall) {})
	if !k.Services.HasService("test", "ping") {
		t.Fatal("HasService should be true after registration")
	}
	view := k.Services.Services()
	if len(view["test"]) != 1 || view["test"][0] != "ping" {
		t.Fatalf("Services() = %v, want test:[ping]", view)
	}
}

func TestUnknownServiceCallServiceDroppedSilently(t *testing.T) {
	k := newTestKernel()
	defer k.Pool.Stop()

	var executed atomic.Bool
	k.Bus.Listen(EventServiceExecuted, func(Event) { executed.Store(true) })

	k.Bus.Fire(EventCallService, map[string]any{
		AttrDomain:  "nope",
		AttrService: "nope",
	}, OriginLocal)
	k.Pool.BlockTillDone()

	if executed.Load() {
		t.Fatal("unknown (domain, service) should never emit service_executed")
	}
}

func TestCallIDsAreUniqueAcrossRegistriesSharingABus(t *testing.T) {
	pool := NewWorkerPool(2, 0, nil, nil)
	defer pool.Stop()
	bus := NewEventBus(pool, nil)

	r1 := NewServiceRegistry(bus, pool)
	r2 := NewServiceRegistry(bus, pool)

	var ids []string
	bus.Listen(EventCallService, func(e Event) {
		id, _ := e.Data[AttrServiceCallID].(string)
		ids = append(ids, id)
	})

	r1.Register("a", "x", func(ServiceCall) {})
	r2.Register("b", "y", func(ServiceCall) {})

	r1.Call("a", "x", nil, false)
	r2.Call("b", "y", nil, false)
	pool.BlockTillDone()

	if len(ids) != 2 || ids[0] == ids[1] {
		t.Fatalf("call ids from distinct registries collided: %v", ids)
	}
}
