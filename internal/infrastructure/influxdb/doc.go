// Package influxdb provides the optional direct measurement sink.
//
// The primary measurement path is MQTT: the telemetry relay publishes every
// sample to the measurement topic and the backend ingests from there. Sites
// that run a local InfluxDB can additionally enable this sink to write grid
// samples straight to the database, bypassing the broker round trip.
//
// Writes are non-blocking and batched by the influxdb-client-go write API;
// the relay never stalls on a slow database.
package influxdb
