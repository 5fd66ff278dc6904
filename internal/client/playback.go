// ABOUTME: Playback devices that pull PCM from the jitter buffer
// ABOUTME: OtoDevice plays through the sound card; NullDevice drains in real time
package client

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/rs/zerolog"
)

// Device consumes a stream of signed 16-bit little-endian PCM
type Device interface {
	Play(r io.Reader) error
	SetVolume(volume int)
	Volume() int
	SetMuted(muted bool)
	Muted() bool
	Close() error
}

// volumeControl is shared by both devices
type volumeControl struct {
	mu     sync.Mutex
	volume int
	muted  bool
}

func (v *volumeControl) set(volume int) {
	v.mu.Lock()
	v.volume = clampVolume(volume)
	v.mu.Unlock()
}

func (v *volumeControl) get() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.volume
}

func (v *volumeControl) setMuted(muted bool) {
	v.mu.Lock()
	v.muted = muted
	v.mu.Unlock()
}

func (v *volumeControl) isMuted() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.muted
}

func (v *volumeControl) multiplier() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return volumeMultiplier(v.volume, v.muted)
}

func clampVolume(volume int) int {
	return max(0, min(100, volume))
}

func volumeMultiplier(volume int, muted bool) float64 {
	if muted {
		return 0
	}
	return float64(volume) / 100
}

// OtoDevice plays through the system audio output
type OtoDevice struct {
	volumeControl
	ctx    *oto.Context
	player *oto.Player
	logger zerolog.Logger
}

// NewOtoDevice opens the sound card at the stream's format
func NewOtoDevice(sampleRate, channels int, logger zerolog.Logger) (*OtoDevice, error) {
	op := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
	}

	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("failed to create oto context: %w", err)
	}
	<-ready

	logger.Info().Int("sample_rate", sampleRate).Int("channels", channels).Msg("audio output initialized")

	return &OtoDevice{
		volumeControl: volumeControl{volume: 100},
		ctx:           ctx,
		logger:        logger,
	}, nil
}

// Play starts pulling from r. oto reads on its own goroutine.
func (d *OtoDevice) Play(r io.Reader) error {
	if d.player != nil {
		return fmt.Errorf("already playing")
	}
	d.player = d.ctx.NewPlayer(r)
	d.player.SetVolume(d.multiplier())
	d.player.Play()
	return nil
}

func (d *OtoDevice) SetVolume(volume int) {
	d.set(volume)
	d.apply()
}

func (d *OtoDevice) Volume() int { return d.get() }

func (d *OtoDevice) SetMuted(muted bool) {
	d.setMuted(muted)
	d.apply()
}

func (d *OtoDevice) Muted() bool { return d.isMuted() }

func (d *OtoDevice) apply() {
	if d.player != nil {
		d.player.SetVolume(d.multiplier())
	}
}

func (d *OtoDevice) Close() error {
	if d.player != nil {
		d.player.Pause()
		d.player.Close()
	}
	return d.ctx.Suspend()
}

// NullDevice reads at the rate a sound card would and discards the audio.
// Used headless and in tests.
type NullDevice struct {
	volumeControl
	bytesPerSecond int
	chunk          int
	done           chan struct{}
	closeOnce      sync.Once
	wg             sync.WaitGroup
}

// NewNullDevice creates a sink consuming 16-bit PCM at sampleRate
func NewNullDevice(sampleRate, channels int) *NullDevice {
	return &NullDevice{
		volumeControl:  volumeControl{volume: 100},
		bytesPerSecond: sampleRate * channels * 2,
		chunk:          max(channels*2, sampleRate*channels*2/50),
		done:           make(chan struct{}),
	}
}

// Play drains r in 20ms chunks until Close
func (d *NullDevice) Play(r io.Reader) error {
	interval := time.Duration(d.chunk) * time.Second / time.Duration(d.bytesPerSecond)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		buf := make([]byte, d.chunk)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-d.done:
				return
			case <-ticker.C:
				if _, err := io.ReadFull(r, buf); err != nil {
					return
				}
			}
		}
	}()
	return nil
}

func (d *NullDevice) SetVolume(volume int) { d.set(volume) }
func (d *NullDevice) Volume() int          { return d.get() }
func (d *NullDevice) SetMuted(muted bool)  { d.setMuted(muted) }
func (d *NullDevice) Muted() bool          { return d.isMuted() }

func (d *NullDevice) Close() error {
	d.closeOnce.Do(func() { close(d.done) })
	d.wg.Wait()
	return nil
}
