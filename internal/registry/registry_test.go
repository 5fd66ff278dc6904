// ABOUTME: Tests for handshake pairing and session cleanup
// ABOUTME: Uses recording fake connections, no network
package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/Resonate-Protocol/chanrelay/internal/channel"
	"github.com/Resonate-Protocol/chanrelay/internal/protocol"
	"github.com/rs/zerolog"
)

type fakeConn struct {
	id     string
	sent   []protocol.Message
	closed int
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(msg protocol.Message) error {
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.closed++
	return nil
}

func (c *fakeConn) lastError() (string, bool) {
	for i := len(c.sent) - 1; i >= 0; i-- {
		if e, ok := c.sent[i].(protocol.ServerError); ok {
			return e.Reason, true
		}
	}
	return "", false
}

type emptyProvider struct{}

func (emptyProvider) Search(context.Context, string, int) ([]channel.Track, error) { return nil, nil }
func (emptyProvider) Materialize(context.Context, channel.Track) (channel.Source, error) {
	return nil, errors.New("no content")
}

func newTestRegistry() (*Registry, *channel.Channel) {
	lobby := channel.New("lobby", emptyProvider{}, channel.Options{Logger: zerolog.Nop()})
	return New(lobby, zerolog.Nop()), lobby
}

func controlInit(nonce, user string) protocol.ClientInit {
	return protocol.ClientInit{Role: protocol.RoleControl, Nonce: nonce, Username: user}
}

func audioInit(nonce string) protocol.ClientInit {
	return protocol.ClientInit{Role: protocol.RoleAudio, Nonce: nonce}
}

func TestPairingEitherOrder(t *testing.T) {
	tests := []struct {
		name         string
		controlFirst bool
	}{
		{"control first", true},
		{"audio first", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, lobby := newTestRegistry()
			ctrl := &fakeConn{id: "c1"}
			aud := &fakeConn{id: "a1"}
			r.Track(ctrl)
			r.Track(aud)

			firstConn, firstInit := ctrl, controlInit("n1", "alice")
			secondConn, secondInit := aud, audioInit("n1")
			if !tt.controlFirst {
				firstConn, firstInit, secondConn, secondInit = aud, audioInit("n1"), ctrl, controlInit("n1", "alice")
			}

			outcome, s, err := r.BeginHandshake(firstConn, firstInit)
			if err != nil || outcome != Waiting || s != nil {
				t.Fatalf("expected waiting, got %s %v %v", outcome, s, err)
			}
			if r.PendingCount() != 1 || !r.IsPending(firstConn) {
				t.Errorf("expected one pending half")
			}

			outcome, s, err = r.BeginHandshake(secondConn, secondInit)
			if err != nil || outcome != Paired {
				t.Fatalf("expected paired, got %s %v", outcome, err)
			}

			if s.Control != ctrl || s.Audio != aud {
				t.Errorf("expected control c1 and audio a1, got %s and %s", s.Control.ID(), s.Audio.ID())
			}
			if s.Username != "alice" {
				t.Errorf("expected username alice, got %q", s.Username)
			}
			if r.Len() != 1 || r.PendingCount() != 0 {
				t.Errorf("expected 1 session and 0 pending, got %d and %d", r.Len(), r.PendingCount())
			}
			if !lobby.Has(s.ID) || s.Channel != lobby {
				t.Error("expected new session in lobby")
			}

			got, role, ok := r.LookupSession(aud)
			if !ok || got != s || role != protocol.RoleAudio {
				t.Errorf("expected audio lookup to find session, got %v %s %v", got, role, ok)
			}
			got, role, ok = r.LookupSession(ctrl)
			if !ok || got != s || role != protocol.RoleControl {
				t.Errorf("expected control lookup to find session, got %v %s %v", got, role, ok)
			}
		})
	}
}

func pair(t *testing.T, r *Registry, nonce, user string) (*Session, *fakeConn, *fakeConn) {
	t.Helper()
	ctrl := &fakeConn{id: "ctrl-" + nonce}
	aud := &fakeConn{id: "audio-" + nonce}
	r.Track(ctrl)
	r.Track(aud)
	if _, _, err := r.BeginHandshake(ctrl, controlInit(nonce, user)); err != nil {
		t.Fatalf("control half failed: %v", err)
	}
	outcome, s, err := r.BeginHandshake(aud, audioInit(nonce))
	if err != nil || outcome != Paired {
		t.Fatalf("pairing failed: %s %v", outcome, err)
	}
	return s, ctrl, aud
}

func TestDuplicateUsernameRejected(t *testing.T) {
	r, lobby := newTestRegistry()
	pair(t, r, "n1", "alice")

	ctrl := &fakeConn{id: "c2"}
	outcome, s, err := r.BeginHandshake(ctrl, controlInit("n2", "alice"))
	if outcome != Rejected || s != nil {
		t.Fatalf("expected rejection, got %s", outcome)
	}
	if !errors.Is(err, ErrUsernameTaken) {
		t.Errorf("expected ErrUsernameTaken, got %v", err)
	}
	if _, ok := ctrl.lastError(); !ok {
		t.Error("expected ERR frame on rejected control connection")
	}
	if ctrl.closed != 0 {
		t.Error("expected rejected connection to stay open for retry")
	}
	if r.Len() != 1 || lobby.Len() != 1 || r.PendingCount() != 0 {
		t.Errorf("expected no new session, got %d sessions %d lobby %d pending", r.Len(), lobby.Len(), r.PendingCount())
	}

	// retry on the same connection with a new nonce and name
	outcome, _, err = r.BeginHandshake(ctrl, controlInit("n3", "alice2"))
	if err != nil || outcome != Waiting {
		t.Errorf("expected retry to wait, got %s %v", outcome, err)
	}
}

func TestRejectionReleasesWaitingAudioHalf(t *testing.T) {
	r, _ := newTestRegistry()
	pair(t, r, "n1", "alice")

	audio, ctrl := &fakeConn{id: "a2"}, &fakeConn{id: "c2"}
	if outcome, _, _ := r.BeginHandshake(audio, audioInit("n2")); outcome != Waiting {
		t.Fatalf("expected audio half to wait, got %s", outcome)
	}
	if outcome, _, _ := r.BeginHandshake(ctrl, controlInit("n2", "alice")); outcome != Rejected {
		t.Fatalf("expected taken username rejected, got %s", outcome)
	}
	if r.IsPending(audio) {
		t.Fatal("expected waiting audio half released")
	}

	// both halves retry under a fresh nonce
	r.BeginHandshake(audio, audioInit("n3"))
	if outcome, s, err := r.BeginHandshake(ctrl, controlInit("n3", "bob")); outcome != Paired || s == nil {
		t.Errorf("expected retry to pair, got %s %v", outcome, err)
	}
}

func TestRetryAfterControlRejectedFirst(t *testing.T) {
	r, _ := newTestRegistry()
	pair(t, r, "n0", "bob")

	ctrl, aud := &fakeConn{id: "ctrl"}, &fakeConn{id: "aud"}
	if outcome, _, err := r.BeginHandshake(ctrl, controlInit("n1", "bob")); outcome != Rejected || !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected control rejected as taken, got %s %v", outcome, err)
	}
	// the audio half arrives late and waits under the dead nonce
	if outcome, _, _ := r.BeginHandshake(aud, audioInit("n1")); outcome != Waiting {
		t.Fatalf("expected late audio half to wait, got %s", outcome)
	}

	if outcome, _, err := r.BeginHandshake(ctrl, controlInit("n2", "carol")); outcome != Waiting {
		t.Fatalf("expected retry control to wait, got %s %v", outcome, err)
	}
	outcome, s, err := r.BeginHandshake(aud, audioInit("n2"))
	if outcome != Paired || s == nil {
		t.Fatalf("expected retry to pair, got %s %v", outcome, err)
	}
	if s.Username != "carol" {
		t.Errorf("expected carol, got %s", s.Username)
	}
	if r.PendingCount() != 0 {
		t.Errorf("expected no pending halves, got %d", r.PendingCount())
	}
}

func TestRepeatedNonceOnSameConnection(t *testing.T) {
	r, _ := newTestRegistry()
	c := &fakeConn{id: "c"}
	r.BeginHandshake(c, controlInit("n1", "bob"))

	outcome, _, err := r.BeginHandshake(c, controlInit("n1", "bob"))
	if outcome != Rejected || !errors.Is(err, ErrHandshake) {
		t.Errorf("expected repeated nonce rejected, got %s %v", outcome, err)
	}
}

func TestDuplicateUsernameRaceAtPairing(t *testing.T) {
	r, _ := newTestRegistry()

	// both control halves arrive before either pairs
	c1, a1 := &fakeConn{id: "c1"}, &fakeConn{id: "a1"}
	c2, a2 := &fakeConn{id: "c2"}, &fakeConn{id: "a2"}
	r.BeginHandshake(c1, controlInit("n1", "bob"))
	r.BeginHandshake(c2, controlInit("n2", "bob"))

	if outcome, _, err := r.BeginHandshake(a1, audioInit("n1")); outcome != Paired {
		t.Fatalf("expected first pairing to succeed, got %s %v", outcome, err)
	}

	outcome, s, err := r.BeginHandshake(a2, audioInit("n2"))
	if outcome != Rejected || s != nil || !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected second pairing rejected as taken, got %s %v", outcome, err)
	}
	if _, ok := c2.lastError(); !ok {
		t.Error("expected ERR on the losing control connection")
	}
	if r.IsPending(a2) || r.IsPending(c2) {
		t.Error("expected losing halves released from the pending table")
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 session, got %d", r.Len())
	}
}

func TestHandshakeValidation(t *testing.T) {
	tests := []struct {
		name string
		init protocol.ClientInit
	}{
		{"unknown role", protocol.ClientInit{Role: "video", Nonce: "n"}},
		{"missing nonce", protocol.ClientInit{Role: protocol.RoleAudio}},
		{"control without username", controlInit("n", "")},
		{"username with space", controlInit("n", "two words")},
		{"username too long", controlInit("n", "abcdefghijklmnopqrstuvwxyz0123456789")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRegistry()
			conn := &fakeConn{id: "c"}
			outcome, _, err := r.BeginHandshake(conn, tt.init)
			if outcome != Rejected || !errors.Is(err, ErrHandshake) {
				t.Errorf("expected ErrHandshake rejection, got %s %v", outcome, err)
			}
			if _, ok := conn.lastError(); !ok {
				t.Error("expected ERR frame")
			}
			if r.PendingCount() != 0 {
				t.Error("expected nothing pending")
			}
		})
	}
}

func TestDuplicateRoleForNonce(t *testing.T) {
	r, _ := newTestRegistry()
	a1, a2 := &fakeConn{id: "a1"}, &fakeConn{id: "a2"}

	r.BeginHandshake(a1, audioInit("n1"))
	outcome, _, err := r.BeginHandshake(a2, audioInit("n1"))
	if outcome != Rejected || !errors.Is(err, ErrHandshake) {
		t.Errorf("expected rejection, got %s %v", outcome, err)
	}
	if !r.IsPending(a1) {
		t.Error("expected original half to keep waiting")
	}
}

func TestHandshakeOnPairedConnection(t *testing.T) {
	r, _ := newTestRegistry()
	_, ctrl, _ := pair(t, r, "n1", "alice")

	outcome, _, err := r.BeginHandshake(ctrl, controlInit("n9", "other"))
	if outcome != Rejected || !errors.Is(err, ErrHandshake) {
		t.Errorf("expected rejection, got %s %v", outcome, err)
	}
}

func TestRemoveSessionIdempotent(t *testing.T) {
	r, lobby := newTestRegistry()
	s, ctrl, aud := pair(t, r, "n1", "alice")
	other, _, _ := pair(t, r, "n2", "bob")

	if !r.RemoveSession(s) {
		t.Fatal("expected first removal to report true")
	}
	if r.RemoveSession(s) {
		t.Error("expected second removal to report false")
	}

	if ctrl.closed != 1 || aud.closed != 1 {
		t.Errorf("expected both connections closed once, got %d and %d", ctrl.closed, aud.closed)
	}
	if lobby.Has(s.ID) {
		t.Error("expected session removed from lobby")
	}
	if members := lobby.Members(); len(members) != 1 || members[0] != other.ID {
		t.Errorf("expected only bob in lobby, got %v", members)
	}
	if _, _, ok := r.LookupSession(ctrl); ok {
		t.Error("expected lookup of removed session to fail")
	}
	if names := r.Usernames(); len(names) != 1 || names[0] != "bob" {
		t.Errorf("expected usernames [bob], got %v", names)
	}

	// the name is free again
	pair(t, r, "n3", "alice")
}

func TestForget(t *testing.T) {
	r, lobby := newTestRegistry()

	lone := &fakeConn{id: "lone"}
	r.Track(lone)
	r.BeginHandshake(lone, controlInit("n1", "carol"))
	if s := r.Forget(lone); s != nil {
		t.Errorf("expected no session for a pending half, got %v", s)
	}
	if r.PendingCount() != 0 {
		t.Error("expected pending half to expire on close")
	}

	s, ctrl, aud := pair(t, r, "n2", "dave")
	if removed := r.Forget(aud); removed != s {
		t.Errorf("expected forget of audio half to remove the session")
	}
	if ctrl.closed != 1 {
		t.Error("expected the control half to be closed too")
	}
	if lobby.Len() != 0 || r.Len() != 0 {
		t.Errorf("expected no sessions left, got %d", r.Len())
	}
	if len(r.Conns()) != 0 {
		t.Errorf("expected no tracked connections, got %d", len(r.Conns()))
	}
}

func TestMoveSession(t *testing.T) {
	r, lobby := newTestRegistry()
	s, _, _ := pair(t, r, "n1", "alice")
	jazz := channel.New("jazz", emptyProvider{}, channel.Options{Logger: zerolog.Nop()})

	r.MoveSession(s, jazz)
	if lobby.Has(s.ID) || !jazz.Has(s.ID) || s.ChannelName() != "jazz" {
		t.Error("expected session moved from lobby to jazz")
	}

	r.RemoveSession(s)
	if jazz.Len() != 0 {
		t.Error("expected removal to detach from jazz")
	}
}
