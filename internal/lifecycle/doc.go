// Package lifecycle coordinates graceful shutdown and deferred restarts.
//
// Shutdown runs an ordered list of named steps (close the update endpoint,
// disconnect the broker, stop the WiFi link) under a single time budget;
// once the budget is spent, remaining steps are skipped so a hung step can
// never wedge the restart.
//
// A deferred restart runs the same sequence from its own goroutine: grace
// delay, graceful shutdown, restart delay, then the injected Restarter.
// Because the sequence never runs on the caller's goroutine, an MQTT
// command handler can schedule a restart that tears down the very broker
// session that delivered the command. The restartPending guard makes
// scheduling idempotent: the first request wins, later ones are rejected.
package lifecycle
