package kernel

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ServiceCallLimit is how long a blocking Call waits for the matching
// service_executed event before giving up (spec §4.4).
const ServiceCallLimit = 10 * time.Second

// ServiceHandler is a registered service's implementation.
type ServiceHandler func(call ServiceCall)

// ServiceCall carries the data passed to a service invocation. The
// domain/service routing keys are removed from Data; service_call_id
// stays in it.
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]any
}

// ServiceRegistry is a named, per-domain table of service handlers
// invoked asynchronously via the call_service event. It is itself an
// EventBus listener.
type ServiceRegistry struct {
	bus  *EventBus
	pool *WorkerPool

	mu       sync.Mutex
	services map[string]map[string]ServiceHandler

	idPrefix string
	nextID   uint64
}

// NewServiceRegistry creates a registry that dispatches call_service
// events through bus/pool. The call-id prefix is seeded with a fresh
// UUID so two registries sharing a bus never collide (spec §9).
func NewServiceRegistry(bus *EventBus, pool *WorkerPool) *ServiceRegistry {
	r := &ServiceRegistry{
		bus:      bus,
		pool:     pool,
		services: make(map[string]map[string]ServiceHandler),
		idPrefix: uuid.NewString(),
	}
	bus.Listen(EventCallService, r.onCallService)
	return r
}

// Services returns a snapshot mapping domain to its registered service
// names.
func (r *ServiceRegistry) Services() map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]string, len(r.services))
	for domain, handlers := range r.services {
		names := make([]string, 0, len(handlers))
		for name := range handlers {
			names = append(names, name)
		}
		out[domain] = names
	}
	return out
}

// HasService reports whether domain.service is registered.
func (r *ServiceRegistry) HasService(domain, service string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	handlers, ok := r.services[domain]
	if !ok {
		return false
	}
	_, ok = handlers[service]
	return ok
}

// Register installs handler under domain.service, overwriting any
// existing registration, and fires service_registered.
func (r *ServiceRegistry) Register(domain, service string, handler ServiceHandler) {
	r.mu.Lock()
	handlers, ok := r.services[domain]
	if !ok {
		handlers = make(map[string]ServiceHandler)
		r.services[domain] = handlers
	}
	handlers[service] = handler
	r.mu.Unlock()

	r.bus.Fire(EventServiceRegistered, map[string]any{
		AttrDomain:  domain,
		AttrService: service,
	}, OriginLocal)
}

// Call invokes domain.service asynchronously by firing call_service.
// If blocking is true, Call waits up to ServiceCallLimit for the
// matching service_executed event and returns true if it arrived, or
// false on timeout (removing its temporary listener defensively either
// way). If blocking is false, Call returns immediately and the return
// value is always true (there is nothing meaningful to report).
//
// data must not contain the reserved keys "domain"/"service"; if it
// does, they are overwritten by this call's own domain/service.
func (r *ServiceRegistry) Call(domain, service string, data map[string]any, blocking bool) bool {
	callID := r.generateCallID()

	eventData := make(map[string]any, len(data)+3)
	for k, v := range data {
		eventData[k] = v
	}
	eventData[AttrDomain] = domain
	eventData[AttrService] = service
	eventData[AttrServiceCallID] = callID

	if !blocking {
		r.bus.Fire(EventCallService, eventData, OriginLocal)
		return true
	}

	gate := make(chan struct{})
	var closeOnce sync.Once
	var handle *ListenerHandle
	handle = r.bus.Listen(EventServiceExecuted, func(e Event) {
		if id, _ := e.Data[AttrServiceCallID].(string); id == callID {
			r.bus.RemoveListener(handle)
			closeOnce.Do(func() { close(gate) })
		}
	})

	r.bus.Fire(EventCallService, eventData, OriginLocal)

	select {
	case <-gate:
		return true
	case <-time.After(ServiceCallLimit):
		r.bus.RemoveListener(handle)
		return false
	}
}

// onCallService is the registry's own call_service handler: it looks
// up the requested domain/service and, if registered, enqueues a
// SERVICE-priority job that runs the handler and then fires
// service_executed. Unknown (domain, service) pairs are silently
// dropped (spec §4.4, §9 Open Question).
func (r *ServiceRegistry) onCallService(e Event) {
	data := make(map[string]any, len(e.Data))
	for k, v := range e.Data {
		data[k] = v
	}
	domain, _ := data[AttrDomain].(string)
	service, _ := data[AttrService].(string)
	delete(data, AttrDomain)
	delete(data, AttrService)

	r.mu.Lock()
	handlers, ok := r.services[domain]
	var handler ServiceHandler
	if ok {
		handler, ok = handlers[service]
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	call := ServiceCall{Domain: domain, Service: service, Data: data}
	r.pool.AddJob(PriorityService, func(arg any) {
		c := arg.(ServiceCall)
		handler(c)
		callID, _ := c.Data[AttrServiceCallID].(string)
		r.bus.Fire(EventServiceExecuted, map[string]any{
			AttrServiceCallID: callID,
		}, OriginLocal)
	}, call, fmt.Sprintf("service:%s.%s", domain, service))
}

func (r *ServiceRegistry) generateCallID() string {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.mu.Unlock()
	return fmt.Sprintf("%s-%d", r.idPrefix, id)
}
