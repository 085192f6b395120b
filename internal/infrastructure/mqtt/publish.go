package mqtt

import (
	"fmt"

	"github.com/gridsense/gridmon-agent/internal/infrastructure/config"
)

// Maximum payload size for MQTT messages (1MB).
// This prevents resource exhaustion and aligns with typical broker limits.
const maxPayloadSize = 1 << 20 // 1MB

// Publish sends a message to the specified MQTT topic.
//
// Publishing before a broker session exists (or after Disconnect) succeeds
// as a silent no-op. The telemetry relay and log forwarder publish
// unconditionally from early boot onward; messages emitted before the
// session exists are covered by the pre-connection ring buffer, not by
// errors here.
//
// Parameters:
//   - topic: The topic to publish to (max config.MaxTopicLen bytes)
//   - payload: The message payload (typically JSON, max 1MB)
//   - qos: Quality of Service level (0, 1, or 2)
//   - retained: Whether the broker should retain the message for new subscribers
//
// Retained Messages:
//   - Use for state topics (device status, firmware info)
//   - Don't use for log lines, measurements or command responses
//
// Returns:
//   - error: nil on success or when no session exists, wrapped error otherwise
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	// Validate inputs
	if topic == "" || len(topic) > config.MaxTopicLen {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}

	// No session yet: success no-op
	inner := c.session()
	if inner == nil {
		return nil
	}

	// Publish with timeout
	token := inner.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	return nil
}

// PublishRetained publishes a retained message with the configured default QoS.
//
// Use for state updates where new subscribers should receive the current state.
func (c *Client) PublishRetained(topic string, payload []byte) error {
	return c.Publish(topic, payload, byte(c.cfg.QoS), true)
}
