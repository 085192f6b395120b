// Package logging provides structured logging for the grid monitor agent,
// plus the log forwarding sink that relays every emitted record to MQTT.
//
// Logger wraps log/slog with level filtering and default fields. Forwarder is
// a slog.Handler that wraps the console handler: every record still reaches
// the console, and a copy is classified by severity, stamped with its
// destination topic, and either enqueued for the telemetry relay
// (non-blocking, drop-newest) or held in a small ring buffer until the MQTT
// session exists.
//
// Non-reentrancy contract: nothing reachable from Forwarder.Handle's
// forwarding section may emit a log. The section holds the forwarder mutex
// and consists of a non-blocking channel send and a ring append, neither of
// which logs, so the sink cannot re-enter itself and concurrent records from
// other goroutines serialize briefly instead of losing their forwarded copy.
// Code given a reference into the forwarder (topic mapping, queue consumer)
// must keep that property.
package logging
