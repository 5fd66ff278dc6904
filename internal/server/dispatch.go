// ABOUTME: Control-frame handling: handshake, join, list, request and chat
// ABOUTME: Runs on the event loop goroutine only
package server

import (
	"fmt"
	"strings"

	"github.com/Resonate-Protocol/chanrelay/internal/protocol"
	"github.com/Resonate-Protocol/chanrelay/internal/registry"
)

// dispatch routes one decoded frame from p
func (s *Server) dispatch(p *peer, msg protocol.Message) {
	sess, role, paired := s.registry.LookupSession(p)
	if !paired {
		s.handleUnpaired(p, msg)
		return
	}

	if role == protocol.RoleAudio {
		p.logger.Debug().Str("type", msg.FrameType().String()).Msg("ignoring frame on audio connection")
		return
	}

	switch m := msg.(type) {
	case protocol.Join:
		s.handleJoin(sess, m.Channel)
	case protocol.ListRequest:
		s.notify(sess, protocol.ChannelList{Channels: s.channelNames()})
	case protocol.Request:
		s.handleRequest(sess, m.Query)
	case protocol.ClientChat:
		s.handleChat(sess, m.Text)
	case protocol.ClientInit:
		s.notify(sess, protocol.ServerError{Reason: "already paired"})
	default:
		s.notify(sess, protocol.ServerError{Reason: fmt.Sprintf("unexpected %s frame", msg.FrameType())})
	}
}

// handleUnpaired accepts only C_INIT until a connection belongs to a session
func (s *Server) handleUnpaired(p *peer, msg protocol.Message) {
	init, ok := msg.(protocol.ClientInit)
	if !ok {
		if err := p.Send(protocol.ServerError{Reason: "handshake required"}); err != nil {
			p.logger.Debug().Err(err).Msg("failed to send handshake error")
		}
		return
	}

	outcome, sess, err := s.registry.BeginHandshake(p, init)
	switch outcome {
	case registry.Paired:
		// S_LIST doubles as the pairing acknowledgement
		s.notify(sess, protocol.ChannelList{Channels: s.channelNames()})
	case registry.Rejected:
		p.logger.Debug().Err(err).Msg("handshake rejected")
	}
}

// handleJoin moves the session, creating the channel on first use. A new
// channel is silent until its first load lands.
func (s *Server) handleJoin(sess *registry.Session, name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		s.notify(sess, protocol.ServerError{Reason: "channel name required"})
		return
	}

	ch, ok := s.byName[name]
	if !ok {
		if len(s.channels) >= s.config.MaxChannels {
			s.notify(sess, protocol.ServerError{Reason: fmt.Sprintf("channel limit of %d reached", s.config.MaxChannels)})
			return
		}

		ch = s.addChannel(name, name)
		s.startLoad(&loadJob{kind: loadInitial, channel: ch, query: name})
		s.logger.Info().Str("channel", name).Str("by", sess.Username).Msg("channel created")
		s.broadcastChannelList()
	} else {
		// S_LIST doubles as the join acknowledgement
		s.notify(sess, protocol.ChannelList{Channels: s.channelNames()})
	}

	s.registry.MoveSession(sess, ch)
	s.logger.Info().Str("username", sess.Username).Str("channel", name).Msg("joined channel")
}

// handleRequest retargets the session's channel in place. The channel
// keeps playing its current track until the search lands.
func (s *Server) handleRequest(sess *registry.Session, query string) {
	query = strings.TrimSpace(query)
	if query == "" {
		s.notify(sess, protocol.ServerError{Reason: "request query required"})
		return
	}

	ch := sess.Channel
	if s.loading[ch.Name()] {
		s.notify(sess, protocol.ServerError{Reason: fmt.Sprintf("#%s is still loading, try again shortly", ch.Name())})
		return
	}
	s.startLoad(&loadJob{
		kind:      loadRequest,
		channel:   ch,
		query:     query,
		sessionID: sess.ID,
		username:  sess.Username,
	})
}

// handleChat relays text to the sender's channel only
func (s *Server) handleChat(sess *registry.Session, text string) {
	if strings.TrimSpace(text) == "" {
		s.notify(sess, protocol.ServerError{Reason: "empty message"})
		return
	}
	if len(text) > s.config.MaxChatLength {
		s.notify(sess, protocol.ServerError{Reason: fmt.Sprintf("message longer than %d bytes", s.config.MaxChatLength)})
		return
	}

	s.sendToChannel(sess.ChannelName(), protocol.ServerChat{Text: fmt.Sprintf("<%s> %s", sess.Username, text)})
}

func (s *Server) sendToChannel(name string, msg protocol.Message) {
	ch, ok := s.byName[name]
	if !ok {
		return
	}
	for _, id := range ch.Members() {
		if sess, ok := s.registry.Session(id); ok {
			s.notify(sess, msg)
		}
	}
}

func (s *Server) broadcastChannelList() {
	list := protocol.ChannelList{Channels: s.channelNames()}
	for _, sess := range s.registry.Sessions() {
		s.notify(sess, list)
	}
}
