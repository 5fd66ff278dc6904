// ABOUTME: Stream format shared by every track provider
// ABOUTME: All sources yield interleaved signed 16-bit little-endian PCM
package provider

import (
	"fmt"
	"time"
)

const (
	DefaultSampleRate = 44100
	DefaultChannels   = 2
	BytesPerSample    = 2

	// WAVHeaderSize is the canonical RIFF/WAVE header skipped before PCM data
	WAVHeaderSize = 44
)

// Format describes the server's stream format
type Format struct {
	SampleRate int
	Channels   int
}

// DefaultFormat is 44.1 kHz stereo s16le
func DefaultFormat() Format {
	return Format{SampleRate: DefaultSampleRate, Channels: DefaultChannels}
}

// ByteRate returns PCM bytes per second
func (f Format) ByteRate() int {
	return f.SampleRate * f.Channels * BytesPerSample
}

// FrameDuration returns the playback time covered by frameSize bytes
func (f Format) FrameDuration(frameSize int) time.Duration {
	rate := f.ByteRate()
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(frameSize) * int64(time.Second) / int64(rate))
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/s16le", f.SampleRate, f.Channels)
}

func (f Format) withDefaults() Format {
	if f.SampleRate <= 0 {
		f.SampleRate = DefaultSampleRate
	}
	if f.Channels <= 0 {
		f.Channels = DefaultChannels
	}
	return f
}
