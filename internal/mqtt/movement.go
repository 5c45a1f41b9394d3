package mqtt

import (
	"log/slog"
	"strings"

	"github.com/nugget/kindled/internal/kernel"
)

// MovementSensor mirrors an MQTT-backed PIR/IR movement sensor into the
// kernel as a binary_sensor entity. The physical sensor publishes "ON"
// or "OFF" (case-insensitive) to a state topic whenever its GPIO input
// toggles; this bridges that into kernel.StateMachine.Set the same way
// homeassistant.Bridge mirrors remote Home Assistant state.
type MovementSensor struct {
	entityID string
	states   *kernel.StateMachine
	logger   *slog.Logger
}

// NewMovementSensor creates a movement sensor bridge for the given
// binary_sensor entity ID (e.g. "binary_sensor.hallway_motion").
func NewMovementSensor(entityID string, states *kernel.StateMachine, logger *slog.Logger) *MovementSensor {
	if logger == nil {
		logger = slog.Default()
	}
	return &MovementSensor{entityID: entityID, states: states, logger: logger}
}

// HandleMessage is a MessageHandler suitable for Publisher.SetMessageHandler
// or for wiring directly to a raw MQTT subscription. The payload is
// expected to be the literal string "ON" or "OFF" (mraa.Gpio.read()
// inverted at the sensor, per the movement sensor's original detection
// logic: not self._input.read()).
func (s *MovementSensor) HandleMessage(_ string, payload []byte) {
	state := strings.ToUpper(strings.TrimSpace(string(payload)))
	switch state {
	case "ON", "1", "TRUE":
		state = "on"
	case "OFF", "0", "FALSE":
		state = "off"
	default:
		s.logger.Warn("movement sensor: unrecognized payload", "entity_id", s.entityID, "payload", string(payload))
		return
	}

	if err := s.states.Set(s.entityID, state, map[string]any{"device_class": "motion"}); err != nil {
		s.logger.Warn("movement sensor: failed to set state", "entity_id", s.entityID, "error", err)
	}
}
