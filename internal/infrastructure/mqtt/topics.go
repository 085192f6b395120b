package mqtt

import "fmt"

// Topics builds the device's MQTT topics from the configured base and the
// device identifier. Using these helpers keeps topic naming consistent
// across logging, telemetry, the command processor and firmware updates.
//
// All topics follow the scheme: {base}/{device_id}/{suffix}
//
//	topics := mqtt.NewTopics("open_grid_monitor", "aabbccddeeff")
//	topics.Log("error")
//	// Returns: "open_grid_monitor/aabbccddeeff/logs/error"
type Topics struct {
	base     string
	deviceID string
}

// NewTopics creates a topic builder for one device.
func NewTopics(base, deviceID string) Topics {
	return Topics{base: base, deviceID: deviceID}
}

// DeviceID returns the device identifier the topics are built for.
func (t Topics) DeviceID() string {
	return t.deviceID
}

// Log returns the log relay topic for a severity label.
//
// Example: open_grid_monitor/aabbccddeeff/logs/error
func (t Topics) Log(severity string) string {
	return fmt.Sprintf("%s/%s/logs/%s", t.base, t.deviceID, severity)
}

// Status returns the device status topic. Online/offline envelopes and the
// Last Will message are published here, retained.
//
// Example: open_grid_monitor/aabbccddeeff/status
func (t Topics) Status() string {
	return fmt.Sprintf("%s/%s/status", t.base, t.deviceID)
}

// Measurement returns the measurement relay topic.
//
// Example: open_grid_monitor/aabbccddeeff/measurement
func (t Topics) Measurement() string {
	return fmt.Sprintf("%s/%s/measurement", t.base, t.deviceID)
}

// System returns the periodic system info topic.
//
// Example: open_grid_monitor/aabbccddeeff/system
func (t Topics) System() string {
	return fmt.Sprintf("%s/%s/system", t.base, t.deviceID)
}

// Firmware returns the topic carrying the retained firmware info envelope.
//
// Example: open_grid_monitor/aabbccddeeff/firmware
func (t Topics) Firmware() string {
	return fmt.Sprintf("%s/%s/firmware", t.base, t.deviceID)
}

// CommandRestart returns the inbound restart command topic.
//
// Example: open_grid_monitor/aabbccddeeff/commands/restart
func (t Topics) CommandRestart() string {
	return fmt.Sprintf("%s/%s/commands/restart", t.base, t.deviceID)
}

// CommandOTA returns the inbound firmware update command topic.
//
// Example: open_grid_monitor/aabbccddeeff/commands/ota
func (t Topics) CommandOTA() string {
	return fmt.Sprintf("%s/%s/commands/ota", t.base, t.deviceID)
}

// ResponseRestart returns the restart command response topic.
//
// Example: open_grid_monitor/aabbccddeeff/responses/restart
func (t Topics) ResponseRestart() string {
	return fmt.Sprintf("%s/%s/responses/restart", t.base, t.deviceID)
}

// ResponseOTA returns the firmware update response topic. Command parse
// errors are also reported here.
//
// Example: open_grid_monitor/aabbccddeeff/responses/ota
func (t Topics) ResponseOTA() string {
	return fmt.Sprintf("%s/%s/responses/ota", t.base, t.deviceID)
}
