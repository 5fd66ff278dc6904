// ABOUTME: WebSocket transport carrying one encoded frame per binary message
// ABOUTME: Lets browser-side and proxied listeners use the relay protocol
package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Resonate-Protocol/chanrelay/internal/protocol"
	"github.com/gorilla/websocket"
)

const (
	defaultWebSocketHandshakeTimeout = 5 * time.Second
	defaultWebSocketBufferSize       = 16 * 1024

	// DefaultWebSocketPath is where the server mounts the upgrade handler
	DefaultWebSocketPath = "/relay"
)

// WSConn adapts a gorilla connection. At most one goroutine may write.
type WSConn struct {
	conn *websocket.Conn
}

// NewWSConn wraps an upgraded or dialed connection
func NewWSConn(conn *websocket.Conn, maxFrameSize int) *WSConn {
	if maxFrameSize <= 0 {
		maxFrameSize = protocol.DefaultMaxFrameSize
	}
	conn.SetReadLimit(int64(maxFrameSize))
	return &WSConn{conn: conn}
}

// NewUpgrader returns the upgrader used by the relay HTTP surface
func NewUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		HandshakeTimeout: defaultWebSocketHandshakeTimeout,
		ReadBufferSize:   defaultWebSocketBufferSize,
		WriteBufferSize:  defaultWebSocketBufferSize,
		CheckOrigin:      func(r *http.Request) bool { return true },
	}
}

// DialWebSocket connects to a relay server's WebSocket endpoint
func DialWebSocket(ctx context.Context, url string) (*WSConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: defaultWebSocketHandshakeTimeout,
		ReadBufferSize:   defaultWebSocketBufferSize,
		WriteBufferSize:  defaultWebSocketBufferSize,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return NewWSConn(conn, 0), nil
}

func (c *WSConn) ReadMessage() (protocol.Message, error) {
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrConnectionClosed, err)
	}
	if mt != websocket.BinaryMessage {
		return nil, fmt.Errorf("%w: websocket message type %d", protocol.ErrMalformedFrame, mt)
	}
	return protocol.Decode(data)
}

func (c *WSConn) WriteFrame(frame []byte) error {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrConnectionClosed, err)
	}
	return nil
}

func (c *WSConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *WSConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
func (c *WSConn) RemoteAddr() string                 { return c.conn.RemoteAddr().String() }
func (c *WSConn) Kind() string                       { return "websocket" }

// Close sends a close frame best-effort and drops the connection
func (c *WSConn) Close() error {
	deadline := time.Now().Add(time.Second)
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.conn.Close()
}
