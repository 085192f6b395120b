// Package wifi manages the wireless link the agent depends on.
//
// The Manager owns the connection state machine: it drives a Supplicant
// (production code shells out to wpa_cli, tests inject a fake), retries
// failed associations up to the configured ceiling, and exposes two one-shot
// signals: Connected fires when the interface has an IP address, Failed
// fires when the retry ceiling is exhausted before any address was obtained.
//
// All supplicant events flow through a single pump goroutine inside Run, so
// retry accounting never races. A successful association resets the retry
// counter, giving later link drops the full ceiling again.
package wifi
