package homeassistant

import (
	"context"
	"log/slog"

	"github.com/nugget/kindled/internal/kernel"
)

// RemoteCaller forwards a domain/service call to a real Home Assistant
// instance. Satisfied by *Client; narrowed to an interface so the
// bridge's outbound call path can be exercised against a fake in tests.
type RemoteCaller interface {
	CallService(ctx context.Context, domain, service string, data map[string]any) error
}

// Bridge wires a remote Home Assistant WebSocket connection into a
// kernel: state_changed events observed over the wire are mirrored
// into the kernel's own StateMachine, and services the kernel
// registers under the "homeassistant" domain can be called against the
// real HA instance through client.
type Bridge struct {
	client  RemoteCaller
	ws      *WSClient
	watcher *StateWatcher
	kernel  *kernel.Kernel
	logger  *slog.Logger
}

// NewBridge builds a bridge from an already-constructed client and
// WebSocket connection. filter and rateLimit narrow which entities are
// mirrored; a nil filter or zero rateLimit disables that stage.
func NewBridge(k *kernel.Kernel, client RemoteCaller, ws *WSClient, filter *EntityFilter, rateLimitPerMinute int, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{client: client, ws: ws, kernel: k, logger: logger}
	limiter := NewEntityRateLimiter(rateLimitPerMinute)
	b.watcher = NewStateWatcher(ws.Events(), filter, limiter, b.mirrorState, logger)
	return b
}

// Run subscribes to state_changed events and mirrors them into the
// kernel until ctx is cancelled. It blocks the calling goroutine.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.ws.Subscribe(ctx, "state_changed"); err != nil {
		return err
	}
	b.kernel.Services.Register(DomainHomeAssistant, ServiceCallService, b.callRemoteService)
	b.watcher.Run(ctx)
	return nil
}

// mirrorState is the StateWatchHandler that feeds observed HA state
// changes into the kernel's StateMachine. The StateWatcher hands it
// only the bare old/new state strings, not the attributes carried in
// the WebSocket payload, so the mirrored state keeps only the state
// value itself, with empty attributes.
func (b *Bridge) mirrorState(entityID, _, newState string) {
	if err := b.kernel.States.Set(entityID, newState, nil); err != nil {
		b.logger.Warn("failed to mirror remote state", "entity_id", entityID, "error", err)
	}
}

// DomainHomeAssistant groups the bridge's outbound service under the
// same domain name the kernel reserves for its own lifecycle events.
const DomainHomeAssistant = "homeassistant"

// ServiceCallService is the service the bridge registers to forward a
// kernel-originated service call out to the real Home Assistant.
const ServiceCallService = "remote_call_service"

// callRemoteService forwards a kernel ServiceCall to the real Home
// Assistant instance via the REST API. The remote domain and service
// are read out of "target_domain"/"target_service" in the call data
// rather than the kernel ServiceCall's own Domain/Service (which name
// this bridge's own "homeassistant.remote_call_service" registration)
// and rather than plain "domain"/"service" (which ServiceRegistry.Call
// reserves for its own routing and overwrites before the handler runs).
func (b *Bridge) callRemoteService(call kernel.ServiceCall) {
	domain, _ := call.Data["target_domain"].(string)
	service, _ := call.Data["target_service"].(string)
	if domain == "" || service == "" {
		b.logger.Warn("remote_call_service missing target_domain/target_service", "data", call.Data)
		return
	}
	data, _ := call.Data["service_data"].(map[string]any)

	if err := b.client.CallService(context.Background(), domain, service, data); err != nil {
		b.logger.Error("remote service call failed", "domain", domain, "service", service, "error", err)
	}
}
