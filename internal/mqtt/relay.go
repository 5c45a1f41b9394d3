package mqtt

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/kindled/internal/kernel"
)

// commandPublisher is the subset of *Publisher a Relay needs. Narrowed
// to an interface so tests can exercise Relay without a live broker
// connection.
type commandPublisher interface {
	PublishCommand(ctx context.Context, topic string, payload []byte) error
}

// Relay registers switch.turn_on/switch.turn_off kernel services for an
// MQTT-controlled relay (e.g. a GPIO-driven mains relay), publishing
// the command over MQTT and mirroring the resulting state into the
// kernel's StateMachine. Equivalent in spirit to the original relay
// switch's turn_on/turn_off pair, but the GPIO write is replaced by a
// non-retained MQTT command message the physical device subscribes to.
type Relay struct {
	entityID     string
	commandTopic string
	pub          commandPublisher
	states       *kernel.StateMachine
	logger       *slog.Logger
}

// NewRelay creates a relay switch bound to entityID (e.g.
// "switch.garage_door_opener") that publishes "1" (on) / "0" (off)
// commands to commandTopic.
func NewRelay(entityID, commandTopic string, pub commandPublisher, states *kernel.StateMachine, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{entityID: entityID, commandTopic: commandTopic, pub: pub, states: states, logger: logger}
}

// RegisterServices wires turn_on/turn_off handlers into the kernel's
// ServiceRegistry under the "switch" domain, scoped to this relay's
// entity_id via the call data.
func (r *Relay) RegisterServices(services *kernel.ServiceRegistry) {
	services.Register("switch", "turn_on", r.handleTurnOn)
	services.Register("switch", "turn_off", r.handleTurnOff)
}

func (r *Relay) handleTurnOn(call kernel.ServiceCall) {
	if !r.targetsThisEntity(call) {
		return
	}
	r.setState("on")
}

func (r *Relay) handleTurnOff(call kernel.ServiceCall) {
	if !r.targetsThisEntity(call) {
		return
	}
	r.setState("off")
}

// targetsThisEntity reports whether the service call's entity_id data
// names this relay. A call without an entity_id is accepted as
// targeting this relay. ServiceRegistry keeps one handler per
// domain/service, so with several relays on one registry only the
// last one registered handles switch calls.
func (r *Relay) targetsThisEntity(call kernel.ServiceCall) bool {
	target, ok := call.Data["entity_id"].(string)
	return !ok || target == "" || target == r.entityID
}

func (r *Relay) setState(state string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload := "1"
	if state == "off" {
		payload = "0"
	}
	if err := r.pub.PublishCommand(ctx, r.commandTopic, []byte(payload)); err != nil {
		r.logger.Error("relay: command publish failed", "entity_id", r.entityID, "error", err)
		return
	}

	if err := r.states.Set(r.entityID, state, nil); err != nil {
		r.logger.Warn("relay: failed to set state", "entity_id", r.entityID, "error", err)
	}
}
