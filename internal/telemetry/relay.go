package telemetry

import (
	"context"
	"encoding/json"
	"runtime"
	"time"

	"github.com/gridsense/gridmon-agent/internal/infrastructure/config"
	"github.com/gridsense/gridmon-agent/internal/infrastructure/logging"
	"github.com/gridsense/gridmon-agent/internal/infrastructure/mqtt"
)

// logRelayQoS is the QoS for relayed log lines. At-least-once: a dropped
// log line should be a queue decision, not a transport one.
const logRelayQoS = 1

// measurementQoS is the QoS for measurement samples. Fire and forget: the
// next sample supersedes a lost one within seconds.
const measurementQoS = 0

// Measurement is one grid sample from the metering front end. Values are
// plain data; a copy enters the queue and nothing retains it afterwards.
type Measurement struct {
	Voltage       float64 `json:"voltage"`
	Current       float64 `json:"current"`
	ActivePower   float64 `json:"active_power"`
	ReactivePower float64 `json:"reactive_power"`
	ApparentPower float64 `json:"apparent_power"`
	PowerFactor   float64 `json:"power_factor"`
	Frequency     float64 `json:"frequency"`

	// TimestampUS is Unix microseconds at sample time, matching the metering
	// front end's sample clock resolution.
	TimestampUS int64 `json:"timestamp_us"`
}

// Publisher is the transport subset the relay needs.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// GridWriter is the optional direct database sink.
type GridWriter interface {
	WriteGridSample(deviceID string, fields map[string]interface{}, timestamp time.Time)
}

// logEnvelope is the JSON wrapper for relayed log lines.
type logEnvelope struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// systemEnvelope is the periodic system info payload.
type systemEnvelope struct {
	Device     string `json:"device"`
	DeviceID   string `json:"device_id"`
	IP         string `json:"ip"`
	UptimeS    int64  `json:"uptime_s"`
	Goroutines int    `json:"goroutines"`
	HeapBytes  uint64 `json:"heap_bytes"`
	Timestamp  int64  `json:"timestamp"`
}

// Relay drains the measurement and log queues and publishes to MQTT.
type Relay struct {
	pub    Publisher
	topics mqtt.Topics
	log    *logging.Logger

	measurements chan Measurement
	logs         chan logging.Message

	deviceName string
	ipOf       func() string
	interval   time.Duration
	startTime  time.Time

	// sink is the optional direct InfluxDB path, nil when disabled.
	sink GridWriter
}

// NewRelay creates the relay with queue sizes and cadence from config.
// ipOf reports the current interface address for the system envelope and
// may return empty before the link is up.
func NewRelay(pub Publisher, topics mqtt.Topics, cfg config.TelemetryConfig, deviceName string, ipOf func() string, log *logging.Logger) *Relay {
	return &Relay{
		pub:          pub,
		topics:       topics,
		log:          log,
		measurements: make(chan Measurement, cfg.MeasurementQueueSize),
		logs:         make(chan logging.Message, cfg.LogQueueSize),
		deviceName:   deviceName,
		ipOf:         ipOf,
		interval:     time.Duration(cfg.SystemInterval) * time.Second,
		startTime:    time.Now(),
	}
}

// SetGridWriter attaches the optional direct database sink.
func (r *Relay) SetGridWriter(sink GridWriter) {
	r.sink = sink
}

// Offer enqueues a measurement without blocking. Returns false when the
// queue is full and the sample was dropped.
func (r *Relay) Offer(m Measurement) bool {
	select {
	case r.measurements <- m:
		return true
	default:
		return false
	}
}

// LogQueue exposes the log queue for attachment to the log forwarder.
func (r *Relay) LogQueue() chan<- logging.Message {
	return r.logs
}

// Run drains the queues and publishes until the context ends. It blocks and
// is meant to run in its own goroutine.
func (r *Relay) Run(ctx context.Context) {
	var ticker *time.Ticker
	var tick <-chan time.Time
	if r.interval > 0 {
		ticker = time.NewTicker(r.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case m := <-r.measurements:
			r.publishMeasurement(m)

		case lm := <-r.logs:
			r.publishLog(lm)

		case <-tick:
			r.publishSystemInfo()
		}
	}
}

// publishMeasurement sends one sample to the measurement topic and, when
// attached, the direct database sink.
func (r *Relay) publishMeasurement(m Measurement) {
	payload, err := json.Marshal(m)
	if err != nil {
		return
	}

	if err := r.pub.Publish(r.topics.Measurement(), payload, measurementQoS, false); err != nil {
		r.log.Warn("measurement publish failed", "error", err)
	}

	if r.sink != nil {
		r.sink.WriteGridSample(r.topics.DeviceID(), map[string]interface{}{
			"voltage_v":        m.Voltage,
			"current_a":        m.Current,
			"active_power_w":   m.ActivePower,
			"reactive_power_w": m.ReactivePower,
			"apparent_power_w": m.ApparentPower,
			"power_factor":     m.PowerFactor,
			"frequency_hz":     m.Frequency,
		}, time.UnixMicro(m.TimestampUS))
	}
}

// publishLog sends one forwarded log line to its severity topic.
func (r *Relay) publishLog(m logging.Message) {
	payload, err := json.Marshal(logEnvelope{
		Message:   m.Text,
		Timestamp: m.Time,
	})
	if err != nil {
		return
	}

	// Errors are deliberately not logged here: a broken transport would feed
	// the forwarder a new record per failure.
	_ = r.pub.Publish(m.Topic, payload, logRelayQoS, false)
}

// publishSystemInfo sends the periodic system envelope.
func (r *Relay) publishSystemInfo() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	payload, err := json.Marshal(systemEnvelope{
		Device:     r.deviceName,
		DeviceID:   r.topics.DeviceID(),
		IP:         r.ipOf(),
		UptimeS:    int64(time.Since(r.startTime).Seconds()),
		Goroutines: runtime.NumGoroutine(),
		HeapBytes:  mem.HeapAlloc,
		Timestamp:  time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}

	if err := r.pub.Publish(r.topics.System(), payload, measurementQoS, false); err != nil {
		r.log.Warn("system info publish failed", "error", err)
	}
}
