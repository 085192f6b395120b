// Package command processes the JSON commands the backend publishes to the
// device's command topics.
//
// Every command carries a numeric id that is threaded through to the
// response, so the backend can correlate. Malformed payloads are never
// dropped silently: they produce an error response with the sentinel id -1
// on the firmware update response topic.
//
// Handlers do no heavy work inline. A restart command is acknowledged and
// handed to the lifecycle coordinator; an update command is validated and
// handed to the updater, which runs the download in its own goroutine.
package command
