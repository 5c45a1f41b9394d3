package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// MessageHandler is called for each MQTT message received on a
// subscribed topic. Implementations must be safe for concurrent use.
type MessageHandler func(topic string, payload []byte)

// defaultMessageHandler returns a [MessageHandler] that logs received
// messages at debug level with structured fields. It is used only when
// no handler has been registered via [Publisher.SetMessageHandler]; the
// wired binary always registers its own topic dispatcher, so this is a
// fallback for direct Publisher use (e.g. in tests). For HA discovery
// state topics it attempts to parse the JSON payload to extract
// entity_id and state. For the raw ON/OFF payloads movement sensors
// and relay command topics carry, it logs the decoded boolean reading.
// Non-JSON, non-boolean payloads are handled gracefully (logged with
// topic and size only).
func defaultMessageHandler(logger *slog.Logger) MessageHandler {
	return func(topic string, payload []byte) {
		if !logger.Enabled(context.Background(), slog.LevelDebug) {
			return
		}

		fields := []any{
			"topic", topic,
			"payload_size", len(payload),
		}

		// HA state topics typically contain JSON with entity_id and state.
		if strings.Contains(topic, "/state") {
			var state map[string]any
			if err := json.Unmarshal(payload, &state); err == nil {
				if entityID, ok := state["entity_id"]; ok {
					fields = append(fields, "entity_id", entityID)
				}
				if s, ok := state["state"]; ok {
					fields = append(fields, "state", s)
				}
			}
		}

		// Movement sensors and relay command topics carry a bare
		// ON/OFF/1/0 reading rather than JSON.
		if reading, ok := parseBooleanReading(payload); ok {
			fields = append(fields, "reading", reading)
		}

		logger.Debug("mqtt message received", fields...)
	}
}

// parseBooleanReading decodes the raw ON/OFF/1/0 payloads used by
// movement sensors and relay command topics, matching the vocabulary
// MovementSensor.HandleMessage and Relay.setState accept/emit.
func parseBooleanReading(payload []byte) (string, bool) {
	switch strings.ToUpper(strings.TrimSpace(string(payload))) {
	case "ON", "1", "TRUE":
		return "on", true
	case "OFF", "0", "FALSE":
		return "off", true
	default:
		return "", false
	}
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

// newMessageRateLimiter creates a rate limiter that allows limit
// messages per interval. Exceeding the limit causes messages to be
// dropped until the next interval reset.
func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start runs the periodic counter reset loop. It blocks until ctx is
// cancelled. At each interval boundary it resets the message counter
// and logs a warning if any messages were dropped.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt messages dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow increments the message counter and returns true if the
// current count is within the limit. If over the limit it increments
// the dropped counter and returns false.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
