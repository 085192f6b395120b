// Package telemetry relays measurements, log lines and periodic system info
// to the MQTT broker.
//
// Producers hand work to the relay through buffered channels and never
// block: Offer drops the newest measurement when the queue is full, and the
// log forwarder applies the same policy on its side. A single Run goroutine
// drains both queues in arrival order and publishes, so a slow broker
// backs up into dropped telemetry rather than stalled samplers.
//
// When the optional InfluxDB sink is attached, each measurement is also
// written directly to the database.
package telemetry
