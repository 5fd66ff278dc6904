// ABOUTME: ClientSession binding a control and an audio connection
// ABOUTME: Owned by the registry from pairing until removal
package registry

import (
	"time"

	"github.com/Resonate-Protocol/chanrelay/internal/channel"
	"github.com/Resonate-Protocol/chanrelay/internal/protocol"
)

// Session is one logical listener
type Session struct {
	ID       string
	Username string
	Control  Conn
	Audio    Conn
	Channel  *channel.Channel
	JoinedAt time.Time

	removed bool
}

// Notify sends a control-path message
func (s *Session) Notify(msg protocol.Message) error {
	return s.Control.Send(msg)
}

// Removed reports whether the session has been torn down
func (s *Session) Removed() bool { return s.removed }

// ChannelName returns the current channel's name, or "" if detached
func (s *Session) ChannelName() string {
	if s.Channel == nil {
		return ""
	}
	return s.Channel.Name()
}
