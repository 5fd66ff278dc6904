// ABOUTME: Tests for the client jitter buffer
// ABOUTME: Covers prebuffering, underrun recovery, drops and alignment
package client

import (
	"bytes"
	"testing"
)

func frame(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func TestStreamPrebuffer(t *testing.T) {
	s := NewStream(16, 8, 4)

	s.Write(frame(1, 4))
	p := make([]byte, 4)
	s.Read(p)
	if !bytes.Equal(p, frame(0, 4)) {
		t.Errorf("expected silence while prebuffering, got %v", p)
	}
	if !s.Stats().Buffering {
		t.Error("expected stream to still be buffering")
	}

	s.Write(frame(2, 4))
	s.Read(p)
	if !bytes.Equal(p, frame(1, 4)) {
		t.Errorf("expected first frame once prebuffered, got %v", p)
	}
	if s.Stats().Buffering {
		t.Error("expected playback to have started")
	}
}

func TestStreamUnderrun(t *testing.T) {
	s := NewStream(16, 4, 4)
	s.Write(frame(7, 6))

	p := make([]byte, 8)
	n, err := s.Read(p)
	if err != nil || n != 8 {
		t.Fatalf("expected full read, got %d, %v", n, err)
	}

	// only one aligned sample frame is played out, the rest is silence
	want := append(frame(7, 4), frame(0, 4)...)
	if !bytes.Equal(p, want) {
		t.Errorf("expected %v, got %v", want, p)
	}

	stats := s.Stats()
	if stats.Underruns != 1 {
		t.Errorf("expected 1 underrun, got %d", stats.Underruns)
	}
	if !stats.Buffering {
		t.Error("expected underrun to re-enter buffering")
	}
	if stats.Occupied != 2 {
		t.Errorf("expected unaligned remainder to stay buffered, got %d", stats.Occupied)
	}
}

func TestStreamDropsWhenFull(t *testing.T) {
	s := NewStream(8, 4, 2)

	if !s.Write(frame(1, 8)) {
		t.Fatal("expected first write to fit")
	}
	if s.Write(frame(2, 2)) {
		t.Error("expected write into full buffer to fail")
	}

	stats := s.Stats()
	if stats.Drops != 1 || stats.Frames != 2 {
		t.Errorf("expected 1 drop of 2 frames, got %d of %d", stats.Drops, stats.Frames)
	}
	if stats.Fill() != 1 {
		t.Errorf("expected full buffer, got fill %f", stats.Fill())
	}
}

func TestStreamReset(t *testing.T) {
	s := NewStream(16, 4, 2)
	s.Write(frame(3, 8))
	s.Read(make([]byte, 2))

	s.Reset()
	stats := s.Stats()
	if stats.Occupied != 0 || !stats.Buffering {
		t.Errorf("expected empty buffering stream, got %#v", stats)
	}
}

func TestStreamPrebufferClamped(t *testing.T) {
	s := NewStream(8, 100, 0)
	s.Write(frame(5, 8))

	p := make([]byte, 8)
	s.Read(p)
	if !bytes.Equal(p, frame(5, 8)) {
		t.Errorf("expected playback once buffer is full, got %v", p)
	}
}
