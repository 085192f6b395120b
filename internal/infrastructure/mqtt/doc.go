// Package mqtt wraps paho.mqtt.golang as the agent's broker transport.
//
// The Client is created once at startup and lives for the whole process.
// Connect establishes the broker session and is a no-op while a session
// already exists; Disconnect publishes a graceful offline status and tears
// the session down. Publish on a client without an active session succeeds
// as a no-op, so callers on the telemetry path never need to gate on
// connection state.
//
// Topics builds every topic the device uses from the configured base and
// the device identifier, keeping the naming consistent across logging,
// telemetry, commands and firmware updates.
package mqtt
