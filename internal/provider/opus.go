// ABOUTME: Ogg Opus file source for the library provider
// ABOUTME: libopusfile decodes at 48kHz; stereo output is down-mixed for mono streams
package provider

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"gopkg.in/hraban/opus.v2"
)

const (
	opusSampleRate = 48000

	// 120ms of stereo at 48kHz, the longest packet Opus allows
	opusMaxSamples = 5760 * 2
)

type opusSource struct {
	f       *os.File
	stream  *opus.Stream
	mono    bool
	pcm     []int16
	pending []byte
}

func openOpus(path string, want Format) (io.ReadCloser, error) {
	if want.SampleRate != opusSampleRate || want.Channels > 2 {
		return nil, fmt.Errorf("%w: Opus decodes to %dHz, want %s", ErrFormatMismatch, opusSampleRate, want)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open Opus file: %w", err)
	}

	stream, err := opus.NewStream(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode Opus: %w", err)
	}

	return &opusSource{
		f:      f,
		stream: stream,
		mono:   want.Channels == 1,
		pcm:    make([]int16, opusMaxSamples),
	}, nil
}

func (s *opusSource) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		n, err := s.stream.ReadStereo(s.pcm)
		if err != nil {
			return 0, err
		}
		s.pending = interleave(s.pcm[:n*2], s.mono)
	}

	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *opusSource) Close() error {
	s.stream.Close()
	return s.f.Close()
}

// interleave packs stereo int16 samples as s16le, averaging pairs when mono
func interleave(stereo []int16, mono bool) []byte {
	if !mono {
		out := make([]byte, 0, len(stereo)*BytesPerSample)
		for _, v := range stereo {
			out = binary.LittleEndian.AppendUint16(out, uint16(v))
		}
		return out
	}

	out := make([]byte, 0, len(stereo)/2*BytesPerSample)
	for i := 0; i+1 < len(stereo); i += 2 {
		v := (int32(stereo[i]) + int32(stereo[i+1])) / 2
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(v)))
	}
	return out
}
