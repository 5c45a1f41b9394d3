// Package kernel implements the event-driven automation core: a
// prioritized event bus, an entity state registry, a service registry,
// and a worker pool that executes all of it. Components outside this
// package are external collaborators — they register listeners,
// register services, call StateMachine.Set, and fire their own events.
// The kernel never talks to hardware or the network directly.
package kernel

// EventOrigin distinguishes where an event came from.
type EventOrigin string

const (
	// OriginLocal marks events generated within this process.
	OriginLocal EventOrigin = "LOCAL"
	// OriginRemote marks events relayed from a remote kernel instance.
	OriginRemote EventOrigin = "REMOTE"
)

func (o EventOrigin) String() string {
	if o == "" {
		return string(OriginLocal)
	}
	return string(o)
}

// MatchAll is the reserved sentinel event type that subscribes to every
// fired event, and the sentinel pattern value used by track_change and
// track_time_change to mean "match anything".
const MatchAll = "*"

// Event is an immutable record broadcast on the EventBus. Data must be
// treated as read-only by listeners; the bus does not defend against
// mutation but no kernel code mutates a fired event after construction.
type Event struct {
	Type   string
	Data   map[string]any
	Origin EventOrigin
}

// newEvent builds an Event, defaulting Data to an empty map and Origin
// to OriginLocal so callers never observe a nil map.
func newEvent(eventType string, data map[string]any, origin EventOrigin) Event {
	if data == nil {
		data = map[string]any{}
	}
	if origin == "" {
		origin = OriginLocal
	}
	return Event{Type: eventType, Data: data, Origin: origin}
}

// Reserved event type constants (stable wire names per spec §6).
const (
	EventHomeAssistantStart = "homeassistant_start"
	EventHomeAssistantStop  = "homeassistant_stop"
	EventStateChanged       = "state_changed"
	EventTimeChanged        = "time_changed"
	EventCallService        = "call_service"
	EventServiceExecuted    = "service_executed"
	EventServiceRegistered  = "service_registered"
)

// Reserved event-data attribute keys (spec §6).
const (
	AttrNow            = "now"
	AttrDomain         = "domain"
	AttrService        = "service"
	AttrServiceCallID  = "service_call_id"
	AttrEntityID       = "entity_id"
	AttrNewState       = "new_state"
	AttrOldState       = "old_state"
)

// Reserved service name for kernel shutdown (spec §6).
const (
	DomainHomeAssistant = "homeassistant"
	ServiceStop         = "stop"
)
