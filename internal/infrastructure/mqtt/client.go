package mqtt

import (
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/gridsense/gridmon-agent/internal/infrastructure/config"
)

// Client wraps paho.mqtt.golang as the grid monitor's broker transport.
//
// The client is constructed once at startup and handed to every component
// that publishes. The broker session itself is created later, when the
// network is up, via Connect; until then every Publish is a silent no-op.
// Disconnect tears the session down again without invalidating the client,
// so a later Connect starts a fresh session.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Subscriptions are automatically restored on reconnection.
type Client struct {
	cfg    config.MQTTConfig
	topics Topics

	// inner is the paho session. nil until Connect succeeds and again after
	// Disconnect; Publish treats nil as "no session yet" and succeeds.
	inner   pahomqtt.Client
	innerMu sync.RWMutex

	// subscriptions tracks active subscriptions for re-subscription on reconnect.
	subscriptions map[string]subscription
	subMu         sync.RWMutex

	// connected tracks current connection state.
	connected bool
	connMu    sync.RWMutex

	// Callbacks for connection events (optional, set via SetOnConnect/SetOnDisconnect).
	onConnect    func()
	onDisconnect func(err error)
	callbackMu   sync.RWMutex

	// logger for error/panic logging (optional, set via SetLogger).
	logger   Logger
	loggerMu sync.RWMutex
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// subscription holds subscription details for re-subscription on reconnect.
type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// MessageHandler is the callback signature for received messages.
//
// Handlers are invoked in separate goroutines by the paho library.
// They should not block for extended periods.
//
// Parameters:
//   - topic: The topic the message was received on
//   - payload: The raw message payload (typically JSON)
//
// Returns:
//   - error: Logged but does not affect message acknowledgment
type MessageHandler func(topic string, payload []byte) error

// New creates a transport client for one device. No broker session exists
// until Connect is called.
func New(cfg config.MQTTConfig, topics Topics) *Client {
	return &Client{
		cfg:           cfg,
		topics:        topics,
		subscriptions: make(map[string]subscription),
	}
}

// Topics returns the topic builder the client was created with.
func (c *Client) Topics() Topics {
	return c.topics
}

// Connect establishes the broker session.
//
// It performs the following setup:
//  1. Builds connection options from config (broker URL, auth, TLS)
//  2. Configures Last Will and Testament (LWT) on the device status topic
//  3. Sets up auto-reconnect with exponential backoff
//  4. Attempts initial connection with timeout
//  5. On every session start, publishes a retained online status
//
// Calling Connect while a session already exists is a no-op: the device may
// regain WiFi after a transient drop while the previous session is still
// live under paho's own reconnect handling.
//
// Returns:
//   - error: If initial connection fails within timeout
func (c *Client) Connect() error {
	c.innerMu.Lock()
	if c.inner != nil {
		c.innerMu.Unlock()
		return nil
	}

	opts := buildClientOptions(c.cfg)
	configureLWT(opts, c.topics)

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleDisconnect(err)
	})

	inner := pahomqtt.NewClient(opts)
	c.inner = inner
	c.innerMu.Unlock()

	token := inner.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		// Connect retry is enabled, so paho keeps trying in the background;
		// the session handle stays and handleConnect fires when it lands.
		return fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		c.clearInner()
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// Set connected state immediately after successful connection.
	// The OnConnectHandler callback runs asynchronously and may not have
	// executed yet, so we set it here to ensure IsConnected() returns true.
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	return nil
}

// clearInner drops the session handle after a failed connection attempt.
func (c *Client) clearInner() {
	c.innerMu.Lock()
	c.inner = nil
	c.innerMu.Unlock()
}

// session returns the current paho handle, nil when no session exists.
func (c *Client) session() pahomqtt.Client {
	c.innerMu.RLock()
	defer c.innerMu.RUnlock()
	return c.inner
}

// handleConnect is called when the connection is established, on initial
// connect and on every paho auto-reconnect.
func (c *Client) handleConnect() {
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	// Restore subscriptions
	c.restoreSubscriptions()

	// Publish online status, retained so late subscribers see it
	c.publishOnlineStatus()

	// Notify callback if set
	c.callbackMu.RLock()
	callback := c.onConnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback()
	}
}

// handleDisconnect is called when the connection is lost.
func (c *Client) handleDisconnect(err error) {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	// Notify callback if set
	c.callbackMu.RLock()
	callback := c.onDisconnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

// restoreSubscriptions re-subscribes to all tracked topics after reconnect.
func (c *Client) restoreSubscriptions() {
	inner := c.session()
	if inner == nil {
		return
	}

	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for _, sub := range c.subscriptions {
		// Re-subscribe (ignore errors during reconnection)
		inner.Subscribe(sub.topic, sub.qos, c.wrapHandler(sub.handler))
	}
}

// publishOnlineStatus publishes the device's online status, retained.
func (c *Client) publishOnlineStatus() {
	inner := c.session()
	if inner == nil {
		return
	}
	payload := buildOnlinePayload(c.topics.DeviceID())
	inner.Publish(c.topics.Status(), byte(c.cfg.QoS), true, payload)
}

// Disconnect gracefully tears down the broker session.
//
// It performs:
//  1. Publishes graceful offline status (different from LWT crash status)
//  2. Waits for pending publish operations
//  3. Disconnects from broker and drops the session handle
//
// After Disconnect the client is reusable: Publish becomes a no-op again
// and a later Connect starts a fresh session. Calling Disconnect without a
// session is not an error.
func (c *Client) Disconnect() error {
	c.innerMu.Lock()
	inner := c.inner
	c.inner = nil
	c.innerMu.Unlock()

	if inner == nil {
		return nil
	}

	if inner.IsConnected() {
		payload := buildOfflinePayload(c.topics.DeviceID())
		token := inner.Publish(c.topics.Status(), byte(c.cfg.QoS), true, payload)
		token.WaitTimeout(defaultPublishTimeout)
	}

	// Disconnect with quiesce period for pending operations
	inner.Disconnect(defaultDisconnectQuiesce)

	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	return nil
}

// IsConnected returns the current connection state.
func (c *Client) IsConnected() bool {
	inner := c.session()
	if inner == nil {
		return false
	}
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && inner.IsConnected()
}

// SetOnConnect sets a callback to be invoked when connection is established.
// This is called on initial connect and on every reconnect, after
// subscriptions are restored and the online status is published.
func (c *Client) SetOnConnect(callback func()) {
	c.callbackMu.Lock()
	c.onConnect = callback
	c.callbackMu.Unlock()
}

// SetOnDisconnect sets a callback to be invoked when connection is lost.
// The error parameter describes why the connection was lost.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.callbackMu.Lock()
	c.onDisconnect = callback
	c.callbackMu.Unlock()
}

// SetLogger sets a logger for error and panic logging.
// If not set, errors in handlers are silently ignored.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// getLogger returns the current logger (may be nil).
func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// wrapHandler wraps a MessageHandler with panic recovery and optional logging.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				if logger := c.getLogger(); logger != nil {
					logger.Error("MQTT handler panic recovered",
						"topic", msg.Topic(),
						"panic", r,
					)
				}
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Warn("MQTT handler returned error",
					"topic", msg.Topic(),
					"error", err,
				)
			}
		}
	}
}
