// ABOUTME: Server TUI showing channels, their listeners and what is playing
// ABOUTME: Real-time server status display using bubbletea
package server

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Resonate-Protocol/chanrelay/internal/version"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ServerTUI manages the server TUI
type ServerTUI struct {
	program  *tea.Program
	updates  chan *Snapshot
	quitChan chan struct{} // signals the loop to stop
	stopOnce sync.Once
}

// tuiModel is the bubbletea model for server TUI
type tuiModel struct {
	status   *Snapshot
	quitting bool
	quitChan chan struct{}
}

type tickMsg time.Time
type statusMsg *Snapshot

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginBottom(1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("250"))

	channelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("220"))

	faintStyle = lipgloss.NewStyle().Faint(true)
)

func (m tuiModel) Init() tea.Cmd {
	return tickEvery()
}

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			m.quitting = true
			select {
			case m.quitChan <- struct{}{}:
			default:
			}
			return m, tea.Quit
		}

	case tickMsg:
		return m, tickEvery()

	case statusMsg:
		m.status = msg
		return m, nil
	}

	return m, nil
}

func (m tuiModel) View() string {
	if m.quitting {
		return "Shutting down server...\n"
	}
	return renderStatus(m.status)
}

// renderStatus draws one snapshot
func renderStatus(snap *Snapshot) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(version.String()))
	b.WriteString("\n\n")

	if snap == nil {
		b.WriteString(valueStyle.Render("Starting..."))
		b.WriteString("\n")
		return b.String()
	}

	field := func(name, value string) {
		b.WriteString(headerStyle.Render(name + ": "))
		b.WriteString(valueStyle.Render(value))
		b.WriteString("\n")
	}

	field("Server", snap.Name)
	field("TCP port", fmt.Sprintf("%d", snap.Port))
	if snap.HTTPPort > 0 {
		field("HTTP port", fmt.Sprintf("%d", snap.HTTPPort))
	} else {
		field("HTTP port", "disabled")
	}
	field("Format", fmt.Sprintf("%d Hz, %d ch, %d-byte frames", snap.Format.SampleRate, snap.Format.Channels, snap.Format.FrameSize))
	field("Uptime", snap.Uptime().String())
	field("Listeners", fmt.Sprintf("%d (%d handshakes pending)", len(snap.Users), snap.Pending))
	b.WriteString("\n")

	b.WriteString(channelStyle.Render(fmt.Sprintf("Channels (%d)", len(snap.Channels))))
	b.WriteString("\n\n")

	for _, ch := range snap.Channels {
		playing := ch.NowPlaying
		if playing == "" {
			playing = "(nothing playing)"
		}
		b.WriteString(fmt.Sprintf("  #%s", ch.Name))
		b.WriteString(valueStyle.Render(fmt.Sprintf(" [%d] %s", len(ch.Members), playing)))
		b.WriteString("\n")
		if ch.Query != ch.Name {
			b.WriteString(faintStyle.Render(fmt.Sprintf("      query: %s", ch.Query)))
			b.WriteString("\n")
		}
		if len(ch.Members) > 0 {
			b.WriteString(faintStyle.Render("      " + strings.Join(ch.Members, ", ")))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(faintStyle.Render("Press 'q' or Ctrl+C to quit"))

	return b.String()
}

// NewServerTUI creates a new server TUI
func NewServerTUI() *ServerTUI {
	t := &ServerTUI{
		updates:  make(chan *Snapshot, 10),
		quitChan: make(chan struct{}, 1),
	}
	t.program = tea.NewProgram(tuiModel{quitChan: t.quitChan}, tea.WithAltScreen())
	return t
}

// Start runs the TUI until it quits
func (t *ServerTUI) Start(initial *Snapshot) error {
	go func() {
		t.program.Send(statusMsg(initial))
		for snap := range t.updates {
			t.program.Send(statusMsg(snap))
		}
	}()

	_, err := t.program.Run()
	return err
}

// Update sends a status update to the TUI without blocking
func (t *ServerTUI) Update(snap *Snapshot) {
	select {
	case t.updates <- snap:
	default:
	}
}

// Stop stops the TUI
func (t *ServerTUI) Stop() {
	t.stopOnce.Do(func() {
		t.program.Quit()
		close(t.updates)
	})
}

// QuitChan returns the channel that signals when user wants to quit
func (t *ServerTUI) QuitChan() <-chan struct{} {
	return t.quitChan
}
