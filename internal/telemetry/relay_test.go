package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gridsense/gridmon-agent/internal/infrastructure/config"
	"github.com/gridsense/gridmon-agent/internal/infrastructure/logging"
	"github.com/gridsense/gridmon-agent/internal/infrastructure/mqtt"
)

type recordedPublish struct {
	topic   string
	payload []byte
	qos     byte
}

// recordingPublisher captures publishes for assertions.
type recordingPublisher struct {
	mu    sync.Mutex
	calls []recordedPublish
}

func (p *recordingPublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, recordedPublish{topic: topic, payload: payload, qos: qos})
	return nil
}

func (p *recordingPublisher) snapshot() []recordedPublish {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]recordedPublish, len(p.calls))
	copy(out, p.calls)
	return out
}

func (p *recordingPublisher) waitFor(t *testing.T, n int) []recordedPublish {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if calls := p.snapshot(); len(calls) >= n {
			return calls
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d publishes, got %d", n, len(p.snapshot()))
	return nil
}

func newTestRelay(pub Publisher, queueSize int) *Relay {
	return NewRelay(pub,
		mqtt.NewTopics("open_grid_monitor", "aabbccddeeff"),
		config.TelemetryConfig{
			MeasurementQueueSize: queueSize,
			LogQueueSize:         queueSize,
			SystemInterval:       0, // no ticker in tests
		},
		"bench-monitor",
		func() string { return "192.168.1.40" },
		logging.Default(),
	)
}

func TestRelayPublishesMeasurements(t *testing.T) {
	pub := &recordingPublisher{}
	r := newTestRelay(pub, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	if !r.Offer(Measurement{Voltage: 230.4, Frequency: 50.02, TimestampUS: 1700000000000000}) {
		t.Fatal("Offer() = false on empty queue")
	}

	calls := pub.waitFor(t, 1)
	if calls[0].topic != "open_grid_monitor/aabbccddeeff/measurement" {
		t.Errorf("topic = %q", calls[0].topic)
	}
	if calls[0].qos != 0 {
		t.Errorf("qos = %d, want 0", calls[0].qos)
	}

	var m Measurement
	if err := json.Unmarshal(calls[0].payload, &m); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	if m.Voltage != 230.4 || m.Frequency != 50.02 {
		t.Errorf("payload = %+v", m)
	}

	// The sample clock is microseconds on the wire, under its own key.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(calls[0].payload, &raw); err != nil {
		t.Fatal(err)
	}
	if string(raw["timestamp_us"]) != "1700000000000000" {
		t.Errorf("timestamp_us = %s, want 1700000000000000", raw["timestamp_us"])
	}
	if _, ok := raw["timestamp"]; ok {
		t.Error("payload carries a bare timestamp key alongside timestamp_us")
	}
}

func TestOfferDropsNewestWhenFull(t *testing.T) {
	pub := &recordingPublisher{}
	r := newTestRelay(pub, 2)

	// No Run goroutine: the queue fills and stays full.
	if !r.Offer(Measurement{Voltage: 1}) {
		t.Fatal("first Offer() = false")
	}
	if !r.Offer(Measurement{Voltage: 2}) {
		t.Fatal("second Offer() = false")
	}
	if r.Offer(Measurement{Voltage: 3}) {
		t.Fatal("third Offer() = true, want drop on full queue")
	}

	// Drain: the accepted samples survive in FIFO order, the dropped one
	// never appears.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	calls := pub.waitFor(t, 2)
	var first, second Measurement
	if err := json.Unmarshal(calls[0].payload, &first); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(calls[1].payload, &second); err != nil {
		t.Fatal(err)
	}
	if first.Voltage != 1 || second.Voltage != 2 {
		t.Errorf("delivered %v then %v, want 1 then 2", first.Voltage, second.Voltage)
	}
}

func TestRelayPublishesLogs(t *testing.T) {
	pub := &recordingPublisher{}
	r := newTestRelay(pub, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.LogQueue() <- logging.Message{
		Text:  "INFO wifi connected ip=192.168.1.40",
		Topic: "open_grid_monitor/aabbccddeeff/logs/info",
		Time:  1700000000000,
	}

	calls := pub.waitFor(t, 1)
	if calls[0].topic != "open_grid_monitor/aabbccddeeff/logs/info" {
		t.Errorf("topic = %q", calls[0].topic)
	}
	if calls[0].qos != 1 {
		t.Errorf("qos = %d, want 1", calls[0].qos)
	}

	var env struct {
		Message   string `json:"message"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(calls[0].payload, &env); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	if env.Message != "INFO wifi connected ip=192.168.1.40" {
		t.Errorf("message = %q", env.Message)
	}
	if env.Timestamp != 1700000000000 {
		t.Errorf("timestamp = %d", env.Timestamp)
	}
}

func TestRelaySystemInfo(t *testing.T) {
	pub := &recordingPublisher{}
	r := newTestRelay(pub, 10)
	r.publishSystemInfo()

	calls := pub.snapshot()
	if len(calls) != 1 {
		t.Fatalf("published %d messages, want 1", len(calls))
	}
	if calls[0].topic != "open_grid_monitor/aabbccddeeff/system" {
		t.Errorf("topic = %q", calls[0].topic)
	}

	var env systemEnvelope
	if err := json.Unmarshal(calls[0].payload, &env); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	if env.Device != "bench-monitor" {
		t.Errorf("device = %q", env.Device)
	}
	if env.DeviceID != "aabbccddeeff" {
		t.Errorf("device_id = %q", env.DeviceID)
	}
	if env.IP != "192.168.1.40" {
		t.Errorf("ip = %q", env.IP)
	}
	if env.Goroutines < 1 {
		t.Errorf("goroutines = %d", env.Goroutines)
	}
}

type recordingGridWriter struct {
	mu      sync.Mutex
	samples []map[string]interface{}
}

func (w *recordingGridWriter) WriteGridSample(deviceID string, fields map[string]interface{}, _ time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, fields)
}

func TestRelayWritesToGridSink(t *testing.T) {
	pub := &recordingPublisher{}
	sink := &recordingGridWriter{}
	r := newTestRelay(pub, 10)
	r.SetGridWriter(sink)

	r.publishMeasurement(Measurement{Voltage: 231.0, ActivePower: 1500})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.samples) != 1 {
		t.Fatalf("sink received %d samples, want 1", len(sink.samples))
	}
	if sink.samples[0]["voltage_v"] != 231.0 {
		t.Errorf("voltage_v = %v", sink.samples[0]["voltage_v"])
	}
}
