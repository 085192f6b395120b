package wifi

import "context"

// EventType identifies a supplicant event.
type EventType int

const (
	// EventStarted signals that the supplicant is up and ready to associate.
	EventStarted EventType = iota

	// EventDisconnected signals that the interface is not associated. Emitted
	// both when an association attempt fails and when an established link
	// drops.
	EventDisconnected

	// EventGotIP signals that the interface is associated and holds an IP
	// address.
	EventGotIP
)

// String returns a human-readable event name for logging.
func (t EventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventDisconnected:
		return "disconnected"
	case EventGotIP:
		return "got_ip"
	default:
		return "unknown"
	}
}

// Event is one supplicant state change. Events are plain values; the
// receiver owns its copy.
type Event struct {
	Type EventType

	// IP is set for EventGotIP.
	IP string
}

// Supplicant abstracts the wireless control plane.
//
// Production code uses the wpa_cli implementation; tests inject a fake that
// scripts event sequences. Implementations deliver events on the channel
// returned by Events until Stop is called, then close it.
type Supplicant interface {
	// Start brings the supplicant up and begins event delivery. The context
	// bounds startup only, not the lifetime of event delivery.
	Start(ctx context.Context) error

	// Connect begins an association attempt with the configured network.
	Connect() error

	// Disconnect drops the current association.
	Disconnect() error

	// Stop tears the supplicant down and closes the event channel.
	Stop() error

	// Events returns the supplicant's event stream.
	Events() <-chan Event
}
