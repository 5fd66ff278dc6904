// ABOUTME: Connection registry for two-phase control/audio pairing
// ABOUTME: Tracks live connections, pending handshakes by nonce and username uniqueness
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Resonate-Protocol/chanrelay/internal/channel"
	"github.com/Resonate-Protocol/chanrelay/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MaxUsernameLength bounds display names
const MaxUsernameLength = 32

var (
	ErrUsernameTaken = errors.New("username taken")
	ErrHandshake     = errors.New("handshake rejected")
)

// Conn is the registry's view of one network connection
type Conn interface {
	ID() string
	Send(msg protocol.Message) error
	Close() error
}

// Outcome is the result of presenting one handshake half
type Outcome int

const (
	Waiting Outcome = iota
	Paired
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Waiting:
		return "waiting"
	case Paired:
		return "paired"
	default:
		return "rejected"
	}
}

// PendingHandshake is the first half to arrive for a nonce
type PendingHandshake struct {
	Nonce    string
	Role     protocol.Role
	Conn     Conn
	Username string
	Since    time.Time
}

// Registry owns every connection from accept until close.
// Only the server event loop touches it.
type Registry struct {
	lobby  *channel.Channel
	logger zerolog.Logger

	conns         map[string]Conn
	pending       map[string]*PendingHandshake // nonce -> first half
	pendingByConn map[string]string            // conn ID -> nonce
	sessions      map[string]*Session          // session ID -> session
	byConn        map[string]*Session
	byName        map[string]*Session
}

// New creates a registry whose new sessions join lobby
func New(lobby *channel.Channel, logger zerolog.Logger) *Registry {
	return &Registry{
		lobby:         lobby,
		logger:        logger,
		conns:         make(map[string]Conn),
		pending:       make(map[string]*PendingHandshake),
		pendingByConn: make(map[string]string),
		sessions:      make(map[string]*Session),
		byConn:        make(map[string]*Session),
		byName:        make(map[string]*Session),
	}
}

// Track records a freshly accepted connection
func (r *Registry) Track(conn Conn) {
	r.conns[conn.ID()] = conn
}

// Forget handles a closed connection. A pending half expires; a paired
// connection takes its whole session down. The removed session, if any,
// is returned.
func (r *Registry) Forget(conn Conn) *Session {
	id := conn.ID()
	delete(r.conns, id)

	if nonce, ok := r.pendingByConn[id]; ok {
		r.dropPending(id, nonce)
		r.logger.Info().Str("conn", id).Str("nonce", nonce).Msg("handshake abandoned before pairing")
	}

	if s, ok := r.byConn[id]; ok {
		r.RemoveSession(s)
		return s
	}
	return nil
}

// BeginHandshake presents one half of a client. The first half for a nonce
// waits; the second completes the pairing. Rejections send S_ERR on the
// presenting connection and leave it open for a retry.
func (r *Registry) BeginHandshake(conn Conn, init protocol.ClientInit) (Outcome, *Session, error) {
	id := conn.ID()
	username := strings.TrimSpace(init.Username)

	switch {
	case r.byConn[id] != nil:
		return r.reject(conn, "connection already paired", ErrHandshake)
	case r.pendingByConn[id] == init.Nonce && init.Nonce != "":
		return r.reject(conn, "handshake already pending on this connection", ErrHandshake)
	case !init.Role.Valid():
		return r.reject(conn, fmt.Sprintf("unknown role %q", init.Role), ErrHandshake)
	case init.Nonce == "":
		return r.reject(conn, "missing nonce", ErrHandshake)
	}

	// a fresh nonce supersedes this connection's own stale half, which
	// is left behind when its partner was rejected first
	if stale, ok := r.pendingByConn[id]; ok {
		r.dropPending(id, stale)
	}

	if init.Role == protocol.RoleControl {
		if err := validateUsername(username); err != nil {
			r.releasePartner(init.Nonce)
			return r.reject(conn, err.Error(), ErrHandshake)
		}
		if r.byName[username] != nil {
			r.releasePartner(init.Nonce)
			return r.reject(conn, fmt.Sprintf("username %q is taken", username), ErrUsernameTaken)
		}
	}

	first, ok := r.pending[init.Nonce]
	if !ok {
		r.pending[init.Nonce] = &PendingHandshake{
			Nonce:    init.Nonce,
			Role:     init.Role,
			Conn:     conn,
			Username: username,
			Since:    time.Now(),
		}
		r.pendingByConn[id] = init.Nonce
		r.logger.Debug().Str("conn", id).Str("role", string(init.Role)).Str("nonce", init.Nonce).Msg("handshake half waiting")
		return Waiting, nil, nil
	}

	if first.Role == init.Role {
		return r.reject(conn, fmt.Sprintf("duplicate %s half for nonce", init.Role), ErrHandshake)
	}

	s, err := r.CompletePairing(first, conn, username)
	if err != nil {
		return Rejected, nil, err
	}
	return Paired, s, nil
}

// CompletePairing binds the waiting half and its partner into a session
// and joins it to the lobby
func (r *Registry) CompletePairing(first *PendingHandshake, second Conn, secondUsername string) (*Session, error) {
	delete(r.pending, first.Nonce)
	delete(r.pendingByConn, first.Conn.ID())

	control, audio, username := first.Conn, second, first.Username
	if first.Role == protocol.RoleAudio {
		control, audio, username = second, first.Conn, secondUsername
	}

	if r.byName[username] != nil {
		_, _, err := r.reject(control, fmt.Sprintf("username %q is taken", username), ErrUsernameTaken)
		return nil, err
	}

	s := &Session{
		ID:       uuid.NewString(),
		Username: username,
		Control:  control,
		Audio:    audio,
		JoinedAt: time.Now(),
	}

	r.sessions[s.ID] = s
	r.byConn[control.ID()] = s
	r.byConn[audio.ID()] = s
	r.byName[username] = s

	r.MoveSession(s, r.lobby)

	r.logger.Info().
		Str("session", s.ID).
		Str("username", username).
		Str("control", control.ID()).
		Str("audio", audio.ID()).
		Msg("client paired")

	return s, nil
}

// LookupSession finds the session owning conn and the role conn plays in it
func (r *Registry) LookupSession(conn Conn) (*Session, protocol.Role, bool) {
	s, ok := r.byConn[conn.ID()]
	if !ok {
		return nil, "", false
	}
	if s.Control.ID() == conn.ID() {
		return s, protocol.RoleControl, true
	}
	return s, protocol.RoleAudio, true
}

// IsPending reports whether conn holds a waiting handshake half
func (r *Registry) IsPending(conn Conn) bool {
	_, ok := r.pendingByConn[conn.ID()]
	return ok
}

// RemoveSession detaches s from its channel, closes both connections and
// discards it. Calling it again is a no-op that returns false.
func (r *Registry) RemoveSession(s *Session) bool {
	if s == nil || s.removed {
		return false
	}
	s.removed = true

	if s.Channel != nil {
		s.Channel.Remove(s.ID)
	}

	for _, c := range []Conn{s.Control, s.Audio} {
		delete(r.byConn, c.ID())
		delete(r.conns, c.ID())
		if err := c.Close(); err != nil {
			r.logger.Debug().Err(err).Str("conn", c.ID()).Msg("close failed")
		}
	}

	delete(r.sessions, s.ID)
	if r.byName[s.Username] == s {
		delete(r.byName, s.Username)
	}

	r.logger.Info().Str("session", s.ID).Str("username", s.Username).Msg("session removed")
	return true
}

// MoveSession switches s's membership to ch
func (r *Registry) MoveSession(s *Session, ch *channel.Channel) {
	if s.Channel == ch {
		return
	}
	if s.Channel != nil {
		s.Channel.Remove(s.ID)
	}
	ch.Add(s.ID)
	s.Channel = ch
}

// Session returns a live session by ID
func (r *Registry) Session(id string) (*Session, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

// Sessions returns live sessions ordered by username
func (r *Registry) Sessions() []*Session {
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Usernames returns the names of live sessions in sorted order
func (r *Registry) Usernames() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Conns returns every tracked connection
func (r *Registry) Conns() []Conn {
	out := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// PendingCount returns the number of waiting handshake halves
func (r *Registry) PendingCount() int { return len(r.pending) }

// Len returns the number of live sessions
func (r *Registry) Len() int { return len(r.sessions) }

// releasePartner returns a waiting audio half to the unidentified state so
// it can present a new nonce
func (r *Registry) releasePartner(nonce string) {
	first, ok := r.pending[nonce]
	if !ok || first.Role != protocol.RoleAudio {
		return
	}
	r.dropPending(first.Conn.ID(), nonce)
}

// dropPending removes conn's waiting half under nonce
func (r *Registry) dropPending(connID, nonce string) {
	delete(r.pendingByConn, connID)
	if first, ok := r.pending[nonce]; ok && first.Conn.ID() == connID {
		delete(r.pending, nonce)
	}
	r.logger.Debug().Str("conn", connID).Str("nonce", nonce).Msg("dropped waiting handshake half")
}

func (r *Registry) reject(conn Conn, reason string, kind error) (Outcome, *Session, error) {
	r.logger.Warn().Str("conn", conn.ID()).Str("reason", reason).Msg("handshake rejected")
	if err := conn.Send(protocol.ServerError{Reason: reason}); err != nil {
		r.logger.Debug().Err(err).Str("conn", conn.ID()).Msg("failed to send rejection")
	}
	return Rejected, nil, fmt.Errorf("%w: %s", kind, reason)
}

func validateUsername(name string) error {
	if name == "" {
		return errors.New("username required on control connection")
	}
	if len(name) > MaxUsernameLength {
		return fmt.Errorf("username longer than %d bytes", MaxUsernameLength)
	}
	if strings.ContainsAny(name, " \t\r\n<>") {
		return errors.New("username may not contain whitespace or angle brackets")
	}
	return nil
}
