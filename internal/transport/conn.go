// ABOUTME: Frame-oriented connection abstraction over TCP and WebSocket
// ABOUTME: Both carry the same length-prefixed frames
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/Resonate-Protocol/chanrelay/internal/protocol"
)

// Conn reads and writes whole frames
type Conn interface {
	// ReadMessage blocks until a frame arrives. Decode errors wrap
	// protocol.ErrMalformedFrame and leave the connection usable.
	ReadMessage() (protocol.Message, error)

	// WriteFrame writes one already-encoded frame
	WriteFrame(frame []byte) error

	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
	RemoteAddr() string
	Kind() string
}

// WriteMessage encodes msg and writes it to c
func WriteMessage(c Conn, msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.WriteFrame(frame)
}

// TCPConn carries frames on a raw byte stream
type TCPConn struct {
	conn   net.Conn
	reader *protocol.FrameReader
}

// NewTCPConn wraps an established stream
func NewTCPConn(conn net.Conn, maxFrameSize int) *TCPConn {
	return &TCPConn{
		conn:   conn,
		reader: protocol.NewFrameReader(conn, maxFrameSize),
	}
}

// DialTCP connects to a relay server's TCP port
func DialTCP(ctx context.Context, addr string) (*TCPConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	return NewTCPConn(conn, 0), nil
}

// ReadMessage returns protocol.ErrNoFrame only when a read deadline expires
func (c *TCPConn) ReadMessage() (protocol.Message, error) {
	return c.reader.ReadMessage()
}

func (c *TCPConn) WriteFrame(frame []byte) error {
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrConnectionClosed, err)
	}
	return nil
}

func (c *TCPConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *TCPConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
func (c *TCPConn) Close() error                       { return c.conn.Close() }
func (c *TCPConn) RemoteAddr() string                 { return c.conn.RemoteAddr().String() }
func (c *TCPConn) Kind() string                       { return "tcp" }

// Listener accepts TCP relay connections
type Listener struct {
	ln           net.Listener
	maxFrameSize int
}

// Listen binds addr
func Listen(addr string, maxFrameSize int) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &Listener{ln: ln, maxFrameSize: maxFrameSize}, nil
}

// Accept waits for the next connection
func (l *Listener) Accept() (Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	return NewTCPConn(conn, l.maxFrameSize), nil
}

// Addr returns the bound address
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Port returns the bound TCP port
func (l *Listener) Port() int {
	if a, ok := l.ln.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// Close stops accepting
func (l *Listener) Close() error { return l.ln.Close() }
