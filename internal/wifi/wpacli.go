package wifi

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/gridsense/gridmon-agent/internal/infrastructure/config"
)

// eventChanSize bounds the wpa_cli event stream. The manager drains it in a
// tight loop, so a small buffer is enough to absorb poll bursts.
const eventChanSize = 8

// defaultPollInterval is used when the config leaves poll_interval unset.
const defaultPollInterval = 2 * time.Second

// commandTimeout bounds every wpa_cli invocation. A wedged control socket
// must not stall the poll loop or the shutdown sequence.
const commandTimeout = 5 * time.Second

// WPACli is the production Supplicant, driving wpa_supplicant through the
// wpa_cli control utility and polling the interface status.
//
// State transitions are derived from successive status polls:
//   - first poll after Start emits EventStarted
//   - wpa_state=COMPLETED with an ip_address emits EventGotIP once per
//     association
//   - any non-associated state emits EventDisconnected each poll, which
//     paces the manager's retries at the poll interval
type WPACli struct {
	iface    string
	ssid     string
	psk      string
	interval time.Duration

	events chan Event
	stop   chan struct{}
	done   chan struct{}

	// networkID is the wpa_supplicant network slot created by Connect.
	mu        sync.Mutex
	networkID string

	// runCommand is swappable for tests.
	runCommand func(args ...string) (string, error)
}

// NewWPACli creates a supplicant for the configured interface.
func NewWPACli(cfg config.WiFiConfig) *WPACli {
	interval := time.Duration(cfg.PollInterval) * time.Second
	if interval <= 0 {
		interval = defaultPollInterval
	}

	w := &WPACli{
		iface:    cfg.Interface,
		ssid:     cfg.SSID,
		psk:      cfg.PSK,
		interval: interval,
		events:   make(chan Event, eventChanSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	w.runCommand = w.wpaCli
	return w
}

// wpaCli executes one wpa_cli command against the configured interface.
// Each invocation carries its own deadline; a hung wpa_cli is killed.
func (w *WPACli) wpaCli(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "wpa_cli", append([]string{"-i", w.iface}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%w: wpa_cli %s: %w", ErrSupplicantUnavailable, strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Start verifies the control interface is reachable and begins status
// polling. The context bounds the initial reachability check only.
func (w *WPACli) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := w.runCommand("status"); err != nil {
		return err
	}

	go w.poll()
	return nil
}

// Connect configures the target network on first use, then requests
// (re)association.
func (w *WPACli) Connect() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.networkID == "" {
		id, err := w.configureNetwork()
		if err != nil {
			return err
		}
		w.networkID = id
	}

	_, err := w.runCommand("reassociate")
	return err
}

// configureNetwork creates and enables a wpa_supplicant network slot for the
// configured SSID. Called with the mutex held.
func (w *WPACli) configureNetwork() (string, error) {
	id, err := w.runCommand("add_network")
	if err != nil {
		return "", err
	}

	steps := [][]string{
		{"set_network", id, "ssid", fmt.Sprintf("%q", w.ssid)},
		{"set_network", id, "psk", fmt.Sprintf("%q", w.psk)},
		{"enable_network", id},
	}
	for _, args := range steps {
		out, err := w.runCommand(args...)
		if err != nil {
			return "", err
		}
		if strings.Contains(out, "FAIL") {
			return "", fmt.Errorf("%w: wpa_cli %s: %s", ErrSupplicantUnavailable, strings.Join(args, " "), out)
		}
	}

	return id, nil
}

// Disconnect drops the current association.
func (w *WPACli) Disconnect() error {
	_, err := w.runCommand("disconnect")
	return err
}

// Stop ends polling and closes the event channel.
func (w *WPACli) Stop() error {
	close(w.stop)
	<-w.done
	return nil
}

// Events returns the supplicant's event stream.
func (w *WPACli) Events() <-chan Event {
	return w.events
}

// poll runs the status loop until Stop.
func (w *WPACli) poll() {
	defer close(w.done)
	defer close(w.events)

	w.emit(Event{Type: EventStarted})

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	associated := false
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
		}

		out, err := w.runCommand("status")
		if err != nil {
			// Control interface gone; report as a link drop and keep polling.
			if associated {
				associated = false
			}
			w.emit(Event{Type: EventDisconnected})
			continue
		}

		state, ip := parseStatus(out)
		switch {
		case state == "COMPLETED" && ip != "":
			if !associated {
				associated = true
				w.emit(Event{Type: EventGotIP, IP: ip})
			}
		case state == "COMPLETED":
			// Associated but no address yet (DHCP in flight); wait.
		default:
			associated = false
			w.emit(Event{Type: EventDisconnected})
		}
	}
}

// emit delivers an event without ever blocking the poll loop.
func (w *WPACli) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
	}
}

// parseStatus extracts wpa_state and ip_address from wpa_cli status output.
func parseStatus(out string) (state, ip string) {
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "wpa_state":
			state = value
		case "ip_address":
			ip = value
		}
	}
	return state, ip
}
