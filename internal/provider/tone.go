// ABOUTME: Synthetic track provider generating sine tones
// ABOUTME: Used when no library is configured and in tests; pitch is derived from the query
package provider

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/Resonate-Protocol/chanrelay/internal/channel"
)

const (
	DefaultToneDuration = 30 * time.Second
	toneAmplitude       = 0.5 * 32767.0
)

// Tone answers every search with tones whose base pitch comes from the query
type Tone struct {
	format   Format
	duration time.Duration
}

// NewTone creates a tone provider; duration <= 0 selects DefaultToneDuration
func NewTone(format Format, duration time.Duration) *Tone {
	if duration <= 0 {
		duration = DefaultToneDuration
	}
	return &Tone{format: format.withDefaults(), duration: duration}
}

func (p *Tone) Search(ctx context.Context, query string, count int) ([]channel.Track, error) {
	base := toneFrequency(query)
	tracks := make([]channel.Track, 0, count)
	for i := 0; i < count; i++ {
		// step through a major triad so consecutive tracks are audibly distinct
		freq := base * []float64{1, 1.25, 1.5}[i%3]
		tracks = append(tracks, channel.Track{
			ID:       fmt.Sprintf("tone:%s#%d", query, i),
			Title:    fmt.Sprintf("%s tone %.0fHz", query, freq),
			Location: strconv.FormatFloat(freq, 'f', 3, 64),
		})
	}
	return tracks, nil
}

func (p *Tone) Materialize(ctx context.Context, track channel.Track) (channel.Source, error) {
	freq, err := strconv.ParseFloat(track.Location, 64)
	if err != nil || freq <= 0 {
		return nil, fmt.Errorf("invalid tone track %q", track.Location)
	}
	total := int64(p.duration.Seconds() * float64(p.format.SampleRate))
	return &toneSource{format: p.format, frequency: freq, total: total}, nil
}

// toneSource yields a finite sine wave
type toneSource struct {
	format      Format
	frequency   float64
	sampleIndex int64
	total       int64
	pending     []byte
}

func (s *toneSource) Read(p []byte) (int, error) {
	if len(s.pending) == 0 {
		frameBytes := s.format.Channels * BytesPerSample
		frames := int64(len(p)/frameBytes) + 1
		if remaining := s.total - s.sampleIndex; frames > remaining {
			frames = remaining
		}
		if frames <= 0 {
			return 0, io.EOF
		}
		s.pending = s.generate(frames)
	}

	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *toneSource) generate(frames int64) []byte {
	out := make([]byte, 0, int(frames)*s.format.Channels*BytesPerSample)
	for i := int64(0); i < frames; i++ {
		t := float64(s.sampleIndex+i) / float64(s.format.SampleRate)
		v := int16(math.Sin(2*math.Pi*s.frequency*t) * toneAmplitude)
		for ch := 0; ch < s.format.Channels; ch++ {
			out = binary.LittleEndian.AppendUint16(out, uint16(v))
		}
	}
	s.sampleIndex += frames
	return out
}

func (s *toneSource) Close() error { return nil }

// toneFrequency maps a query onto 220-440 Hz
func toneFrequency(query string) float64 {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(query))))
	return 220 + float64(h.Sum32()%220)
}
