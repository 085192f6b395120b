package influxdb

import "errors"

// Domain-specific errors for InfluxDB operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrDisabled is returned when connecting while the sink is disabled in config.
	ErrDisabled = errors.New("influxdb: sink is disabled in configuration")

	// ErrConnectionFailed marks an incomplete configuration or an
	// unreachable server.
	ErrConnectionFailed = errors.New("influxdb: connection failed")
)
