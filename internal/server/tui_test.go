// ABOUTME: Tests for the server TUI model and rendering
// ABOUTME: Exercises View and key handling without starting a terminal program
package server

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

func TestRenderStatus(t *testing.T) {
	snap := &Snapshot{
		Name:    "studio",
		Port:    8927,
		Started: time.Now().Add(-time.Minute),
		Format:  SnapshotFormat{SampleRate: 44100, Channels: 2, FrameSize: 4096},
		Channels: []ChannelInfo{
			{Name: "lobby", Query: "lobby", NowPlaying: "Eno - An Ending", Members: []string{"alice", "carol"}},
			{Name: "jazz", Query: "coltrane", Members: []string{}},
		},
		Users: []UserInfo{{Username: "alice"}, {Username: "carol"}},
	}

	view := renderStatus(snap)
	for _, want := range []string{"studio", "8927", "disabled", "#lobby", "Eno - An Ending", "alice, carol", "#jazz", "query: coltrane", "(nothing playing)"} {
		if !strings.Contains(view, want) {
			t.Errorf("expected view to contain %q", want)
		}
	}
}

func TestRenderStatusBeforeFirstSnapshot(t *testing.T) {
	if view := renderStatus(nil); !strings.Contains(view, "Starting") {
		t.Errorf("expected starting message, got %q", view)
	}
}

func TestTUIQuitKey(t *testing.T) {
	quit := make(chan struct{}, 1)
	m := tuiModel{quitChan: quit}

	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Error("expected quit command")
	}
	if !updated.(tuiModel).quitting {
		t.Error("expected model to be quitting")
	}

	select {
	case <-quit:
	default:
		t.Error("expected quit signal for the server loop")
	}
}

func TestTUIStatusMessage(t *testing.T) {
	m := tuiModel{}
	snap := &Snapshot{Name: "studio"}

	updated, _ := m.Update(statusMsg(snap))
	if updated.(tuiModel).status != snap {
		t.Error("expected status to be replaced")
	}
}
