// ABOUTME: Jitter buffer between the network audio loop and the playback device
// ABOUTME: Reads never block: underflow yields silence and re-enters prebuffering
package client

import (
	"sync/atomic"

	"github.com/Resonate-Protocol/chanrelay/internal/ringbuf"
)

// StreamStats is a point-in-time view of the buffer
type StreamStats struct {
	Occupied  int
	Capacity  int
	Frames    uint64
	Underruns uint64
	Drops     uint64
	Buffering bool
}

// Fill returns occupancy as a fraction of capacity
func (s StreamStats) Fill() float64 {
	if s.Capacity == 0 {
		return 0
	}
	return float64(s.Occupied) / float64(s.Capacity)
}

// Stream is the io.Reader handed to the playback device
type Stream struct {
	buf       *ringbuf.Buffer
	prebuffer int
	align     int // bytes per sample frame; partial reads stay aligned

	buffering atomic.Bool
	frames    atomic.Uint64
	underruns atomic.Uint64
	drops     atomic.Uint64
}

// NewStream creates a stream holding capacity bytes that starts playing
// once prebuffer bytes have arrived
func NewStream(capacity, prebuffer, align int) *Stream {
	if prebuffer > capacity {
		prebuffer = capacity
	}
	if align <= 0 {
		align = 1
	}
	s := &Stream{
		buf:       ringbuf.New(capacity),
		prebuffer: prebuffer,
		align:     align,
	}
	s.buffering.Store(true)
	return s
}

// Write appends one network frame. A full buffer drops the frame.
func (s *Stream) Write(frame []byte) bool {
	s.frames.Add(1)
	if !s.buf.Append(frame) {
		s.drops.Add(1)
		return false
	}
	return true
}

// Read fills p completely, with silence where no audio is buffered
func (s *Stream) Read(p []byte) (int, error) {
	if s.buffering.Load() {
		if s.buf.Occupied() < s.prebuffer {
			clear(p)
			return len(p), nil
		}
		s.buffering.Store(false)
	}

	if s.buf.ConsumeInto(p) {
		return len(p), nil
	}

	// underflow: play out what is left, then silence
	n := s.buf.Occupied()
	n -= n % s.align
	n = min(n, len(p))
	if n > 0 {
		data, _ := s.buf.Consume(n)
		copy(p, data)
	}
	clear(p[n:])

	s.underruns.Add(1)
	s.buffering.Store(true)
	return len(p), nil
}

// Reset discards buffered audio and waits for a fresh prebuffer
func (s *Stream) Reset() {
	s.buf.Reset()
	s.buffering.Store(true)
}

// Stats returns current counters
func (s *Stream) Stats() StreamStats {
	return StreamStats{
		Occupied:  s.buf.Occupied(),
		Capacity:  s.buf.Cap(),
		Frames:    s.frames.Load(),
		Underruns: s.underruns.Load(),
		Drops:     s.drops.Load(),
		Buffering: s.buffering.Load(),
	}
}
