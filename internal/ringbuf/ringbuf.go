// ABOUTME: Fixed-capacity circular byte buffer with all-or-nothing append and consume
// ABOUTME: Shared between the network read loop and the playback pull callback
package ringbuf

import "sync"

// Buffer is a byte ring. An explicit occupancy count tells a full buffer
// apart from an empty one, since head == tail in both states.
type Buffer struct {
	mu    sync.Mutex
	data  []byte
	head  int // next byte to consume
	tail  int // next free slot
	count int
}

// New creates a buffer holding at most capacity bytes
func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{data: make([]byte, capacity)}
}

// Append writes all of p, or nothing if it does not fit
func (b *Buffer) Append(p []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(p) > len(b.data)-b.count {
		return false
	}

	n := copy(b.data[b.tail:], p)
	copy(b.data, p[n:])

	b.tail = (b.tail + len(p)) % len(b.data)
	b.count += len(p)
	return true
}

// Consume removes and returns exactly n bytes, or nothing if fewer are stored
func (b *Buffer) Consume(n int) ([]byte, bool) {
	if n < 0 {
		return nil, false
	}
	out := make([]byte, n)
	if !b.ConsumeInto(out) {
		return nil, false
	}
	return out, true
}

// ConsumeInto fills p completely from the buffer, or leaves both untouched
func (b *Buffer) ConsumeInto(p []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(p) > b.count {
		return false
	}

	n := copy(p, b.data[b.head:min(b.head+len(p), len(b.data))])
	copy(p[n:], b.data)

	b.head = (b.head + len(p)) % len(b.data)
	b.count -= len(p)
	return true
}

// Reset discards all content
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.head = 0
	b.tail = 0
	b.count = 0
}

// Occupied returns the number of stored bytes
func (b *Buffer) Occupied() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// FreeSpace returns how many bytes Append can still accept
func (b *Buffer) FreeSpace() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data) - b.count
}

// Cap returns the fixed capacity
func (b *Buffer) Cap() int {
	return len(b.data)
}
