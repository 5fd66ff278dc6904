// ABOUTME: Per-connection reader and writer goroutines feeding the event loop
// ABOUTME: Sends are non-blocking; a full queue counts as a failed send
package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Resonate-Protocol/chanrelay/internal/protocol"
	"github.com/Resonate-Protocol/chanrelay/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const writeDeadline = 10 * time.Second

var (
	ErrSendQueueFull = errors.New("send queue full")
	ErrPeerClosed    = errors.New("peer closed")
)

type eventKind int

const (
	eventAccept eventKind = iota
	eventFrame
	eventMalformed
	eventClosed
	eventCommand
	eventLoaded
)

func (k eventKind) String() string {
	switch k {
	case eventAccept:
		return "accept"
	case eventFrame:
		return "frame"
	case eventMalformed:
		return "malformed"
	case eventClosed:
		return "closed"
	case eventLoaded:
		return "loaded"
	default:
		return "command"
	}
}

// event is everything the loop learns from other goroutines
type event struct {
	kind    eventKind
	peer    *peer
	msg     protocol.Message
	err     error
	command string
	load    *loadJob
}

// peer is one accepted connection. It implements registry.Conn.
type peer struct {
	id     string
	conn   transport.Conn
	send   chan []byte
	done   chan struct{}
	logger zerolog.Logger

	closeOnce sync.Once
}

func newPeer(conn transport.Conn, queue int, logger zerolog.Logger) *peer {
	id := uuid.NewString()
	return &peer{
		id:   id,
		conn: conn,
		send: make(chan []byte, queue),
		done: make(chan struct{}),
		logger: logger.With().
			Str("conn", id[:8]).
			Str("remote", conn.RemoteAddr()).
			Str("transport", conn.Kind()).
			Logger(),
	}
}

func (p *peer) ID() string { return p.id }

// Send encodes msg and queues it
func (p *peer) Send(msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return p.SendFrame(frame)
}

// SendFrame queues an encoded frame without blocking
func (p *peer) SendFrame(frame []byte) error {
	select {
	case <-p.done:
		return ErrPeerClosed
	default:
	}

	select {
	case p.send <- frame:
		return nil
	default:
		return fmt.Errorf("%w (%d frames)", ErrSendQueueFull, cap(p.send))
	}
}

// Close stops both goroutines and closes the connection. Safe to call twice.
func (p *peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.conn.Close()
	})
	return err
}

// readLoop turns incoming frames into events until the connection fails
func (p *peer) readLoop(events chan<- event, quit <-chan struct{}) {
	for {
		msg, err := p.conn.ReadMessage()
		switch {
		case err == nil:
			if !p.emit(events, quit, event{kind: eventFrame, peer: p, msg: msg}) {
				return
			}
		case errors.Is(err, protocol.ErrNoFrame):
			continue
		case errors.Is(err, protocol.ErrMalformedFrame):
			if !p.emit(events, quit, event{kind: eventMalformed, peer: p, err: err}) {
				return
			}
		default:
			p.emit(events, quit, event{kind: eventClosed, peer: p, err: err})
			return
		}
	}
}

func (p *peer) emit(events chan<- event, quit <-chan struct{}, ev event) bool {
	select {
	case events <- ev:
		return true
	case <-p.done:
		return false
	case <-quit:
		return false
	}
}

// writeLoop drains the send queue. A write failure closes the connection,
// which ends readLoop and reports the peer closed.
func (p *peer) writeLoop() {
	for {
		select {
		case <-p.done:
			return
		case frame := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := p.conn.WriteFrame(frame); err != nil {
				p.logger.Warn().Err(err).Msg("write failed")
				p.conn.Close()
				return
			}
		}
	}
}
