// ABOUTME: Relay client owning a control and an audio connection
// ABOUTME: Handles dial, the paired handshake and routing of incoming frames
package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/chanrelay/internal/protocol"
	"github.com/Resonate-Protocol/chanrelay/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxChatLength    = 256
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultBufferFrames     = 64
	DefaultPrebufferFrames  = 8
	eventQueueSize          = 64

	// assumed when the server omits the stream format
	defaultFrameSize    = 4096
	defaultSampleRate   = 44100
	defaultChannelCount = 2
)

// Config holds client configuration
type Config struct {
	// Addr is host:port for TCP, or a ws:// URL when Transport is "ws"
	Addr      string
	Transport string

	BufferFrames     int // ring capacity in network frames
	PrebufferFrames  int // frames buffered before playback starts
	MaxChatLength    int
	HandshakeTimeout time.Duration

	Logger zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.Transport == "" {
		c.Transport = "tcp"
	}
	if c.BufferFrames <= 0 {
		c.BufferFrames = DefaultBufferFrames
	}
	if c.PrebufferFrames <= 0 {
		c.PrebufferFrames = DefaultPrebufferFrames
	}
	if c.PrebufferFrames > c.BufferFrames {
		c.PrebufferFrames = c.BufferFrames
	}
	if c.MaxChatLength <= 0 {
		c.MaxChatLength = DefaultMaxChatLength
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return c
}

// EventKind identifies what arrived on the control connection
type EventKind int

const (
	EventChat EventKind = iota
	EventError
	EventChannels
	EventDisconnected
)

// Event is delivered on Events()
type Event struct {
	Kind     EventKind
	Text     string
	Channels []string
	Err      error
}

// Client is one listener
type Client struct {
	config Config
	logger zerolog.Logger

	control transport.Conn
	audio   transport.Conn
	init    protocol.ServerInit
	stream  *Stream
	events  chan Event

	writeMu sync.Mutex

	mu       sync.RWMutex
	username string
	channel  string
	joining  string // sent but not yet confirmed
	channels []string

	paired    atomic.Bool
	closeOnce sync.Once
}

// Dial opens the control connection, reads S_INIT, then opens the audio connection
func Dial(ctx context.Context, config Config) (*Client, error) {
	config = config.withDefaults()
	c := &Client{
		config: config,
		logger: config.Logger.With().Str("component", "client").Logger(),
		events: make(chan Event, eventQueueSize),
	}

	control, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.control = control

	msg, err := c.await(control, protocol.TypeServerInit)
	if err != nil {
		control.Close()
		return nil, fmt.Errorf("failed to read server init: %w", err)
	}
	c.init = msg.(protocol.ServerInit)
	if c.init.FrameSize <= 0 {
		c.init.FrameSize = defaultFrameSize
	}
	if c.init.SampleRate <= 0 {
		c.init.SampleRate = defaultSampleRate
	}
	if c.init.ChannelCount <= 0 {
		c.init.ChannelCount = defaultChannelCount
	}
	c.channels = c.init.Channels

	audio, err := c.dial(ctx)
	if err != nil {
		control.Close()
		return nil, err
	}
	c.audio = audio

	if _, err := c.await(audio, protocol.TypeServerInit); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to read server init on audio connection: %w", err)
	}

	frameSize := c.init.FrameSize
	align := c.init.ChannelCount * 2
	c.stream = NewStream(frameSize*config.BufferFrames, frameSize*config.PrebufferFrames, align)

	c.logger.Info().
		Str("addr", config.Addr).
		Str("transport", config.Transport).
		Strs("channels", c.init.Channels).
		Int("users", len(c.init.Users)).
		Int("frame_size", frameSize).
		Msg("connected")

	return c, nil
}

func (c *Client) dial(ctx context.Context) (transport.Conn, error) {
	switch c.config.Transport {
	case "tcp":
		return transport.DialTCP(ctx, c.config.Addr)
	case "ws", "websocket":
		return transport.DialWebSocket(ctx, c.config.Addr)
	}
	return nil, fmt.Errorf("unknown transport %q", c.config.Transport)
}

// await reads until a frame of type want arrives, failing on S_ERR or timeout
func (c *Client) await(conn transport.Conn, want ...protocol.FrameType) (protocol.Message, error) {
	deadline := time.Now().Add(c.config.HandshakeTimeout)
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	for {
		msg, err := conn.ReadMessage()
		switch {
		case errors.Is(err, protocol.ErrMalformedFrame):
			continue
		case errors.Is(err, protocol.ErrNoFrame):
			if time.Now().Before(deadline) {
				continue
			}
			return nil, fmt.Errorf("%w: timed out", ErrHandshakeFailed)
		case err != nil:
			return nil, err
		}

		if e, ok := msg.(protocol.ServerError); ok {
			return nil, fmt.Errorf("%w: %s", ErrRejected, e.Reason)
		}
		for _, t := range want {
			if msg.FrameType() == t {
				return msg, nil
			}
		}
		c.logger.Debug().Str("type", msg.FrameType().String()).Msg("ignoring frame during handshake")
	}
}

// Handshake presents both halves under one nonce and waits for the
// server's S_LIST acknowledgement
func (c *Client) Handshake(username string) error {
	nonce := uuid.NewString()[:8]

	if err := c.send(protocol.ClientInit{Role: protocol.RoleControl, Nonce: nonce, Username: username}); err != nil {
		return err
	}
	if err := transport.WriteMessage(c.audio, protocol.ClientInit{Role: protocol.RoleAudio, Nonce: nonce}); err != nil {
		return fmt.Errorf("failed to send audio init: %w", err)
	}

	msg, err := c.await(c.control, protocol.TypeChannelList)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.username = username
	c.channels = msg.(protocol.ChannelList).Channels
	if len(c.init.Channels) > 0 {
		c.channel = c.init.Channels[0]
	}
	c.mu.Unlock()
	c.paired.Store(true)

	c.logger.Info().Str("username", username).Str("nonce", nonce).Msg("paired")
	return nil
}

// Run moves frames until ctx is done or a connection fails. It closes
// both connections before returning.
func (c *Client) Run(ctx context.Context) error {
	if !c.paired.Load() {
		return ErrNotPaired
	}

	errCh := make(chan error, 2)
	go func() { errCh <- c.audioLoop() }()
	go func() { errCh <- c.controlLoop() }()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
		c.logger.Warn().Err(err).Msg("connection lost")
		c.emit(Event{Kind: EventDisconnected, Err: err})
	}

	c.Close()
	return err
}

func (c *Client) audioLoop() error {
	for {
		msg, err := c.audio.ReadMessage()
		switch {
		case errors.Is(err, protocol.ErrNoFrame):
			continue
		case errors.Is(err, protocol.ErrMalformedFrame):
			c.logger.Debug().Err(err).Msg("dropping malformed audio frame")
			continue
		case err != nil:
			return fmt.Errorf("audio: %w", err)
		}

		if a, ok := msg.(protocol.Audio); ok {
			if err := c.acceptAudio(a.Data); err != nil {
				c.logger.Debug().Err(err).Msg("dropping audio frame")
			}
		}
	}
}

// acceptAudio buffers one frame; any length but the announced frame size
// is malformed
func (c *Client) acceptAudio(data []byte) error {
	if len(data) != c.init.FrameSize {
		return fmt.Errorf("%w: audio frame of %d bytes, expected %d", protocol.ErrMalformedFrame, len(data), c.init.FrameSize)
	}
	c.stream.Write(data)
	return nil
}

func (c *Client) controlLoop() error {
	for {
		msg, err := c.control.ReadMessage()
		switch {
		case errors.Is(err, protocol.ErrNoFrame):
			continue
		case errors.Is(err, protocol.ErrMalformedFrame):
			c.logger.Debug().Err(err).Msg("dropping malformed control frame")
			continue
		case err != nil:
			return fmt.Errorf("control: %w", err)
		}
		c.handleControl(msg)
	}
}

func (c *Client) handleControl(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.ChannelList:
		c.mu.Lock()
		c.channels = m.Channels
		joined := c.joining != "" && slices.Contains(m.Channels, c.joining)
		if joined {
			c.channel, c.joining = c.joining, ""
		}
		c.mu.Unlock()

		if joined {
			// drop audio from the old channel
			c.stream.Reset()
		}
		c.emit(Event{Kind: EventChannels, Channels: m.Channels})
	case protocol.ServerChat:
		c.emit(Event{Kind: EventChat, Text: m.Text})
	case protocol.ServerError:
		c.emit(Event{Kind: EventError, Text: m.Reason})
		// a refused join is answered with S_ERR and no list
		c.mu.Lock()
		c.joining = ""
		c.mu.Unlock()
	default:
		c.logger.Debug().Str("type", msg.FrameType().String()).Msg("unexpected control frame")
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn().Int("kind", int(ev.Kind)).Msg("event queue full, dropping event")
	}
}

// send writes on the control connection; safe from any goroutine
func (c *Client) send(msg protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := transport.WriteMessage(c.control, msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.FrameType(), err)
	}
	return nil
}

// Events delivers chat, errors, channel lists and disconnects
func (c *Client) Events() <-chan Event { return c.events }

// Stream is the reader to hand to a playback device
func (c *Client) Stream() *Stream { return c.stream }

// ServerInit returns what the server announced on connect
func (c *Client) ServerInit() protocol.ServerInit { return c.init }

// Username returns the name accepted by the server
func (c *Client) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

// Channel returns the channel the server last confirmed
func (c *Client) Channel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channel
}

// Channels returns the latest channel list
func (c *Client) Channels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.channels...)
}

// Close closes both connections
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.control != nil {
			c.control.Close()
		}
		if c.audio != nil {
			c.audio.Close()
		}
	})
	return nil
}
