package wifi

import (
	"context"
	"sync"

	"github.com/gridsense/gridmon-agent/internal/infrastructure/config"
	"github.com/gridsense/gridmon-agent/internal/infrastructure/logging"
)

// Manager drives the wireless connection state machine.
//
// Events from the supplicant are consumed by a single pump goroutine inside
// Run; retry accounting and IP tracking happen only there. The Connected and
// Failed channels are closed at most once each, so any number of goroutines
// can select on them.
type Manager struct {
	sup      Supplicant
	maxRetry int
	log      *logging.Logger

	connected chan struct{}
	failed    chan struct{}
	connOnce  sync.Once
	failOnce  sync.Once

	mu sync.RWMutex
	ip string
}

// NewManager creates a connection manager over the given supplicant.
func NewManager(sup Supplicant, cfg config.WiFiConfig, log *logging.Logger) *Manager {
	return &Manager{
		sup:       sup,
		maxRetry:  cfg.MaxRetry,
		log:       log,
		connected: make(chan struct{}),
		failed:    make(chan struct{}),
	}
}

// Run starts the supplicant and pumps its events until the context is
// cancelled, then stops the supplicant. It blocks for the lifetime of the
// link and is meant to run in its own goroutine.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.sup.Start(ctx); err != nil {
		m.signalFailed()
		return err
	}

	retries := 0
	events := m.sup.Events()

	for {
		select {
		case <-ctx.Done():
			return m.sup.Stop()

		case ev, ok := <-events:
			if !ok {
				return nil
			}

			switch ev.Type {
			case EventStarted:
				if err := m.sup.Connect(); err != nil {
					m.log.Warn("wifi connect request failed", "error", err)
				}

			case EventDisconnected:
				if retries < m.maxRetry {
					retries++
					m.log.Info("wifi disconnected, retrying",
						"attempt", retries,
						"max", m.maxRetry,
					)
					if err := m.sup.Connect(); err != nil {
						m.log.Warn("wifi connect request failed", "error", err)
					}
				} else {
					m.log.Error("wifi association failed", "retries", retries)
					m.signalFailed()
				}

			case EventGotIP:
				retries = 0
				m.mu.Lock()
				m.ip = ev.IP
				m.mu.Unlock()
				m.log.Info("wifi connected", "ip", ev.IP)
				m.connOnce.Do(func() { close(m.connected) })
			}
		}
	}
}

// signalFailed fires the Failed signal exactly once.
func (m *Manager) signalFailed() {
	m.failOnce.Do(func() { close(m.failed) })
}

// Connected returns a channel that is closed once the interface first
// obtains an IP address.
func (m *Manager) Connected() <-chan struct{} {
	return m.connected
}

// Failed returns a channel that is closed if the retry ceiling is exhausted.
func (m *Manager) Failed() <-chan struct{} {
	return m.failed
}

// WaitForNetwork blocks until the link is up, the retry ceiling is
// exhausted, or the context ends.
func (m *Manager) WaitForNetwork(ctx context.Context) error {
	select {
	case <-m.connected:
		return nil
	case <-m.failed:
		return ErrAssociationFailed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IP returns the most recently obtained IP address, empty before the first
// association.
func (m *Manager) IP() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ip
}
