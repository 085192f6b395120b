package logging

import "sync"

// Message is one captured log line on its way to MQTT.
//
// Ownership transfers into the queue on enqueue: the telemetry relay is the
// sole consumer and nothing retains a reference after the send.
type Message struct {
	Text  string
	Topic string
	Time  int64 // Unix milliseconds
}

// RingBuffer holds the most recent important log messages emitted before the
// MQTT session exists. Once full it overwrites the oldest entry.
//
// Invariants: count <= capacity; once overflow is set the buffer is a true
// ring and the oldest entry sits at writeIndex.
type RingBuffer struct {
	mu         sync.Mutex
	entries    []Message
	writeIndex int
	count      int
	overflow   bool
}

// NewRingBuffer creates a ring buffer holding up to capacity messages.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{
		entries: make([]Message, capacity),
	}
}

// Add stores a message, overwriting the oldest entry when full.
func (b *RingBuffer) Add(m Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.writeIndex] = m
	b.writeIndex = (b.writeIndex + 1) % len(b.entries)

	if b.count < len(b.entries) {
		b.count++
	} else {
		b.overflow = true
	}
}

// Drain returns all buffered messages oldest-first and resets the buffer.
// Returns nil when the buffer is empty, so repeated drains are no-ops.
func (b *RingBuffer) Drain() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}

	start := 0
	if b.overflow {
		start = b.writeIndex
	}

	out := make([]Message, 0, b.count)
	for i := 0; i < b.count; i++ {
		out = append(out, b.entries[(start+i)%len(b.entries)])
	}

	b.writeIndex = 0
	b.count = 0
	b.overflow = false

	return out
}

// Len returns the number of buffered messages.
func (b *RingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Overflowed reports whether the buffer has wrapped since the last drain.
func (b *RingBuffer) Overflowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflow
}
