package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Severity labels used as the final segment of log topics.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
	SeverityDebug   = "debug"
)

// bufferedLogQoS is the QoS used when flushing pre-connection logs:
// at-least-once, so nothing captured before the session is silently lost.
const bufferedLogQoS = 1

// Publisher is the subset of the MQTT transport that Flush needs.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Forwarder is a slog.Handler that mirrors every record to the MQTT
// forwarding path while always delegating to the wrapped console handler.
//
// Before a transport queue is attached, Error/Warning/Info records are held
// in a fixed-size ring buffer (Debug noise is never buffered). Once a queue
// is attached, records are enqueued with a non-blocking send and the newest
// record is dropped when the queue is full — the logging caller never blocks.
//
// See the package documentation for the non-reentrancy contract.
type Forwarder struct {
	console slog.Handler
	state   *forwarderState
}

// forwarderState is shared between a Forwarder and its WithAttrs/WithGroup
// derivatives, so queue attachment and the ring buffer are process-wide.
//
// mu serializes the forwarding decision. Nothing inside the critical section
// can emit a log (a non-blocking channel send and a ring append), so Handle
// cannot re-enter while the lock is held and concurrent records all get
// classified instead of racing for a bypass.
type forwarderState struct {
	topicFor func(severity string) string
	ring     *RingBuffer

	mu    sync.Mutex
	queue chan<- Message
}

// NewForwarder creates a forwarding sink. topicFor maps a severity label to
// the destination topic; bufferSize is the pre-connection ring capacity.
//
// The console handler is attached by logging.New; a Forwarder must be passed
// to New before the logger is used.
func NewForwarder(topicFor func(severity string) string, bufferSize int) *Forwarder {
	return &Forwarder{
		state: &forwarderState{
			topicFor: topicFor,
			ring:     NewRingBuffer(bufferSize),
		},
	}
}

// setConsole installs the underlying console handler. Called by logging.New.
func (f *Forwarder) setConsole(h slog.Handler) {
	f.console = h
}

// Enabled reports whether the console handler would log at this level.
// Forwarding mirrors console verbosity: records filtered out here never
// reach the transport either.
func (f *Forwarder) Enabled(ctx context.Context, level slog.Level) bool {
	return f.console.Enabled(ctx, level)
}

// Handle classifies the record, offers a copy to the transport path, and
// always delegates to the console handler.
func (f *Forwarder) Handle(ctx context.Context, rec slog.Record) error {
	s := f.state

	ts := rec.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	sev := severityLabel(rec.Level)
	msg := Message{
		Text:  formatRecord(rec),
		Topic: s.topicFor(sev),
		Time:  ts.UnixMilli(),
	}

	s.mu.Lock()
	if s.queue != nil {
		select {
		case s.queue <- msg:
		default:
			// Queue full: drop the newest message, never block the caller.
		}
	} else if rec.Level >= slog.LevelInfo {
		s.ring.Add(msg)
	}
	s.mu.Unlock()

	return f.console.Handle(ctx, rec)
}

// WithAttrs returns a Forwarder whose console handler carries the attributes.
// The forwarding state (queue, ring buffer) is shared with the parent.
func (f *Forwarder) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Forwarder{
		console: f.console.WithAttrs(attrs),
		state:   f.state,
	}
}

// WithGroup returns a Forwarder whose console handler opens the group.
func (f *Forwarder) WithGroup(name string) slog.Handler {
	return &Forwarder{
		console: f.console.WithGroup(name),
		state:   f.state,
	}
}

// AttachQueue routes subsequent records into the given transport queue.
func (f *Forwarder) AttachQueue(ch chan<- Message) {
	f.state.mu.Lock()
	f.state.queue = ch
	f.state.mu.Unlock()
}

// DetachQueue stops forwarding to the transport queue. Records fall back to
// the ring buffer (Info and above) until a queue is attached again.
func (f *Forwarder) DetachQueue() {
	f.state.mu.Lock()
	f.state.queue = nil
	f.state.mu.Unlock()
}

// bufferedEnvelope is the JSON wrapper for flushed pre-connection logs.
type bufferedEnvelope struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	Source    string `json:"source"`
}

// Flush drains the ring buffer oldest-first, publishing each message as a
// JSON envelope tagged "buffered" at QoS 1, then leaves the buffer empty.
// When the buffer wrapped before the flush, a warning noting the loss is
// published ahead of the surviving messages.
// Calling Flush with an empty buffer is a no-op. Delivery is best effort:
// individual publish failures do not stop the drain, and the first failure
// is returned after all messages have been attempted.
func (f *Forwarder) Flush(pub Publisher) error {
	overflowed := f.state.ring.Overflowed()
	msgs := f.state.ring.Drain()
	if overflowed {
		note := Message{
			Text:  "pre-session log buffer overflowed, oldest lines were dropped",
			Topic: f.state.topicFor(SeverityWarning),
			Time:  time.Now().UnixMilli(),
		}
		msgs = append([]Message{note}, msgs...)
	}

	var firstErr error
	for _, m := range msgs {
		payload, err := json.Marshal(bufferedEnvelope{
			Message:   m.Text,
			Timestamp: m.Time,
			Source:    "buffered",
		})
		if err != nil {
			continue
		}
		if err := pub.Publish(m.Topic, payload, bufferedLogQoS, false); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Buffered returns the number of ring-buffered messages awaiting flush.
func (f *Forwarder) Buffered() int {
	return f.state.ring.Len()
}

// severityLabel maps a slog level onto the topic severity segment.
func severityLabel(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return SeverityError
	case level >= slog.LevelWarn:
		return SeverityWarning
	case level >= slog.LevelInfo:
		return SeverityInfo
	default:
		return SeverityDebug
	}
}

// formatRecord renders a record as a single console-style line.
func formatRecord(rec slog.Record) string {
	var b strings.Builder
	b.WriteString(rec.Level.String())
	b.WriteString(" ")
	b.WriteString(rec.Message)
	rec.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value.Any())
		return true
	})
	return b.String()
}
