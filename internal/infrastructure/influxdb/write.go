package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteGridSample records one grid measurement sample, tagged with the
// device identity. The write is non-blocking; points are batched and sent
// asynchronously. A closed or never-connected sink drops the sample
// silently.
//
// fields holds sample values keyed by metric name, e.g. "voltage_v",
// "current_a", "active_power_w", "frequency_hz".
func (c *Client) WriteGridSample(deviceID string, fields map[string]interface{}, timestamp time.Time) {
	if !c.active() {
		return
	}
	if len(fields) == 0 {
		return
	}

	point := write.NewPoint(
		"grid_sample",
		map[string]string{
			"device_id": deviceID,
		},
		fields,
		timestamp,
	)

	c.writeAPI.WritePoint(point)
}
